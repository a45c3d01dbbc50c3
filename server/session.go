package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/overpass-net/overpass/metrics"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
	"github.com/overpass-net/overpass/validation"
)

// sessionState tracks the control-channel state machine.
type sessionState int32

const (
	stateConnected sessionState = iota
	stateServing
	stateClosing
	stateClosed
)

const (
	heartbeatInterval = 15 * time.Second
	livenessTimeout   = 45 * time.Second
	writeWait         = 10 * time.Second

	// sendQueueSize bounds outbound frames per session. A full queue makes
	// Send block, which pauses the TCP pumps feeding it.
	sendQueueSize = 64

	tcpChunkSize = 32 * 1024
)

var errSessionClosed = errors.New("agent session closed")

// session is the server-side context of one control channel.
type session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	log    zerolog.Logger
	peerIP string

	state         atomicState
	authenticated bool

	// tunnels owned by this session, keyed by tunnel id.
	tunnelsMu sync.Mutex
	tunnels   map[string]*tunnel.Tunnel
	// listeners for this session's TCP tunnels, keyed by tunnel id.
	listeners map[string]net.Listener

	// public TCP sub-connections, keyed by tunnelID+"/"+connectionID.
	tcpMu    sync.Mutex
	tcpConns map[string]*publicTCPConn

	correlator *correlator

	sendC chan *protocol.Message
	// writeMu serializes socket writes between the writer goroutine and
	// the synchronous pre-close replies.
	writeMu   sync.Mutex
	closeC    chan struct{}
	closeOnce sync.Once
}

type atomicState struct{ v int32 }

func (s *atomicState) set(state sessionState) { atomic.StoreInt32(&s.v, int32(state)) }
func (s *atomicState) get() sessionState      { return sessionState(atomic.LoadInt32(&s.v)) }

// publicTCPConn is a logical byte stream carried inside the control channel.
type publicTCPConn struct {
	conn      net.Conn
	closeOnce sync.Once
}

func (c *publicTCPConn) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func newSession(srv *Server, conn *websocket.Conn, peerIP string) *session {
	id := uuid.New().String()
	return &session{
		id:         id,
		server:     srv,
		conn:       conn,
		log:        srv.log.With().Str("session", id).Str("peer", peerIP).Logger(),
		peerIP:     peerIP,
		tunnels:    make(map[string]*tunnel.Tunnel),
		listeners:  make(map[string]net.Listener),
		tcpConns:   make(map[string]*publicTCPConn),
		correlator: newCorrelator(),
		sendC:      make(chan *protocol.Message, sendQueueSize),
		closeC:     make(chan struct{}),
	}
}

// run drives the session until the channel closes, then tears it down.
func (s *session) run() {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	defer s.teardown()

	go s.writeLoop()
	go s.heartbeat()

	if !s.server.cfg.Auth.Required {
		// No authentication configured: greet the agent unsolicited.
		s.authenticated = true
		s.state.set(stateServing)
		resp := protocol.New(protocol.TypeAuthResponse)
		resp.Success = protocol.Bool(true)
		resp.ClientID = s.id
		if err := s.send(resp); err != nil {
			return
		}
	} else {
		s.state.set(stateConnected)
	}

	s.readLoop()
}

func (s *session) readLoop() {
	s.resetLiveness()
	s.conn.SetPongHandler(func(string) error {
		s.resetLiveness()
		return nil
	})
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug().Msgf("Control channel closed: %s", err)
			return
		}
		s.resetLiveness()

		msg, err := protocol.Decode(frame)
		if err != nil {
			// A malformed frame is dropped; the session survives.
			s.log.Warn().Msgf("Dropping malformed frame: %s", err)
			continue
		}
		if !msg.Type.Known() {
			s.log.Warn().Msgf("Ignoring unknown message type %q", msg.Type)
			continue
		}
		if done := s.handleMessage(msg); done {
			return
		}
	}
}

func (s *session) resetLiveness() {
	_ = s.conn.SetReadDeadline(time.Now().Add(livenessTimeout))
}

// handleMessage dispatches one inbound frame. It returns true when the
// session must close.
func (s *session) handleMessage(msg *protocol.Message) bool {
	if s.state.get() == stateConnected {
		if msg.Type != protocol.TypeAuth {
			s.log.Warn().Msgf("Received %s before authentication", msg.Type)
			s.closeWithPolicyViolation("authentication required")
			return true
		}
		return s.handleAuth(msg)
	}

	switch msg.Type {
	case protocol.TypeAuth:
		// Already authenticated; acknowledge idempotently.
		resp := protocol.New(protocol.TypeAuthResponse)
		resp.Success = protocol.Bool(true)
		resp.ClientID = s.id
		_ = s.send(resp)
	case protocol.TypeTunnelRequest:
		s.handleTunnelRequest(msg)
	case protocol.TypeTunnelClose:
		s.handleTunnelClose(msg)
	case protocol.TypeHTTPResponse:
		s.correlator.complete(msg.RequestID, msg)
	case protocol.TypeTCPData:
		s.handleTCPData(msg)
	case protocol.TypeTCPClose:
		s.handleTCPClose(msg)
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong)
		_ = s.send(pong)
	case protocol.TypePong:
		// Liveness already reset in the read loop.
	case protocol.TypeError:
		s.log.Warn().Msgf("Agent reported error: %s", msg.Error)
	default:
		s.log.Warn().Msgf("Dropping unexpected %s frame", msg.Type)
	}
	return false
}

func (s *session) handleAuth(msg *protocol.Message) bool {
	resp := protocol.New(protocol.TypeAuthResponse)
	if s.tokenValid(msg.Token) {
		s.authenticated = true
		s.state.set(stateServing)
		resp.Success = protocol.Bool(true)
		resp.ClientID = s.id
		_ = s.send(resp)
		s.log.Info().Msg("Agent authenticated")
		return false
	}
	resp.Success = protocol.Bool(false)
	resp.Error = "invalid token"
	// The reply must reach the agent before the close frame, so it goes
	// onto the socket directly instead of through the send queue.
	_ = s.writeFrame(resp)
	s.log.Warn().Msg("Agent failed authentication")
	s.closeWithPolicyViolation("authentication failed")
	return true
}

func (s *session) tokenValid(token string) bool {
	valid := false
	for _, candidate := range s.server.cfg.Auth.Tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

func (s *session) handleTunnelRequest(msg *protocol.Message) {
	resp := protocol.New(protocol.TypeTunnelResponse)
	tun, err := s.openTunnel(msg.Config)
	if err != nil {
		s.log.Warn().Msgf("Tunnel request failed: %s", err)
		resp.Success = protocol.Bool(false)
		resp.Error = err.Error()
		if msg.Config != nil {
			// Echo the proposed id so the agent can match the rejection.
			resp.TunnelID = msg.Config.ID
		}
		_ = s.send(resp)
		return
	}

	s.tunnelsMu.Lock()
	s.tunnels[tun.ID] = tun
	s.tunnelsMu.Unlock()

	resp.Success = protocol.Bool(true)
	resp.TunnelID = tun.ID
	resp.PublicURL = tun.PublicURL
	_ = s.send(resp)
	s.log.Info().Msgf("Opened %s tunnel %s at %s", tun.Protocol, tun.ID, tun.PublicURL)
}

func (s *session) openTunnel(cfg *tunnel.Config) (*tunnel.Tunnel, error) {
	if cfg == nil {
		return nil, errors.New("tunnel_request carried no config")
	}
	if !cfg.Protocol.Valid() {
		return nil, errors.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	if err := validation.ValidateLocalAddress(cfg.LocalHost, cfg.LocalPort); err != nil {
		return nil, err
	}

	if cfg.Protocol.IsHTTP() {
		if cfg.Subdomain != "" {
			ascii, err := validation.ValidateSubdomain(cfg.Subdomain)
			if err != nil {
				return nil, err
			}
			cfg.Subdomain = ascii
		}
		rule := s.server.cfg.Domains[0]
		tun, err := s.server.registry.AllocateHTTP(s.id, cfg, func(subdomain string) string {
			return tunnel.PublicURL(s.server.scheme, subdomain, rule.BasePath, rule.Domain, s.server.cfg.PublicPort)
		})
		if err != nil {
			return nil, err
		}
		go s.server.dnsUpsert(tun)
		return tun, nil
	}

	tun, err := s.server.registry.AllocateTCP(s.id, cfg, func(port int) string {
		return tunnel.TCPURL(s.server.cfg.Domains[0].Domain, port)
	})
	if err != nil {
		return nil, err
	}
	listener, err := s.startTCPListener(tun)
	if err != nil {
		s.server.registry.RemoveByID(tun.ID)
		return nil, errors.Wrapf(err, "binding public port %d", tun.PublicPort)
	}
	s.tunnelsMu.Lock()
	s.listeners[tun.ID] = listener
	s.tunnelsMu.Unlock()
	return tun, nil
}

func (s *session) handleTunnelClose(msg *protocol.Message) {
	s.tunnelsMu.Lock()
	tun, owned := s.tunnels[msg.TunnelID]
	s.tunnelsMu.Unlock()
	if !owned {
		// Closing a tunnel this session does not own is a no-op.
		return
	}
	s.teardownTunnel(tun)
	s.log.Info().Msgf("Closed tunnel %s", tun.ID)
}

// teardownTunnel removes one tunnel and everything hanging off it.
func (s *session) teardownTunnel(tun *tunnel.Tunnel) {
	s.tunnelsMu.Lock()
	delete(s.tunnels, tun.ID)
	listener := s.listeners[tun.ID]
	delete(s.listeners, tun.ID)
	s.tunnelsMu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.closeTunnelConns(tun.ID)
	s.server.registry.RemoveByID(tun.ID)
	if tun.Protocol.IsHTTP() {
		go s.server.dnsDelete(tun)
	}
}

func (s *session) closeTunnelConns(tunnelID string) {
	prefix := tunnelID + "/"
	s.tcpMu.Lock()
	var doomed []*publicTCPConn
	for key, pc := range s.tcpConns {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			doomed = append(doomed, pc)
			delete(s.tcpConns, key)
		}
	}
	s.tcpMu.Unlock()
	for _, pc := range doomed {
		pc.close()
	}
}

// send enqueues a frame for the writer goroutine. It blocks when the queue
// is full, which is the back-pressure the TCP pumps rely on.
func (s *session) send(msg *protocol.Message) error {
	select {
	case s.sendC <- msg:
		return nil
	case <-s.closeC:
		return errSessionClosed
	}
}

// writeFrame encodes one message and puts it on the socket.
func (s *session) writeFrame(msg *protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.sendC:
			if err := s.writeFrame(msg); err != nil {
				s.log.Debug().Msgf("Control channel write failed: %s", err)
				s.close()
				return
			}
		case <-s.closeC:
			return
		}
	}
}

// heartbeat sends the application ping and the websocket native ping.
func (s *session) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := protocol.New(protocol.TypePing)
			if err := s.send(ping); err != nil {
				return
			}
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Msgf("Failed to send native ping: %s", err)
			}
		case <-s.closeC:
			return
		}
	}
}

// closeWithPolicyViolation sends close code 1008 and shuts the channel.
func (s *session) closeWithPolicyViolation(reason string) {
	s.state.set(stateClosing)
	deadline := time.Now().Add(writeWait)
	closeFrame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame, deadline)
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closeC)
		_ = s.conn.Close()
	})
}

// teardown destroys everything the session owns: tunnels, listeners,
// pending requests and public TCP connections.
func (s *session) teardown() {
	s.state.set(stateClosing)
	s.close()

	s.tunnelsMu.Lock()
	tunnels := make([]*tunnel.Tunnel, 0, len(s.tunnels))
	for _, tun := range s.tunnels {
		tunnels = append(tunnels, tun)
	}
	s.tunnelsMu.Unlock()
	for _, tun := range tunnels {
		s.teardownTunnel(tun)
	}

	s.correlator.failAll()

	s.tcpMu.Lock()
	conns := make([]*publicTCPConn, 0, len(s.tcpConns))
	for _, pc := range s.tcpConns {
		conns = append(conns, pc)
	}
	s.tcpConns = make(map[string]*publicTCPConn)
	s.tcpMu.Unlock()
	for _, pc := range conns {
		pc.close()
	}

	s.server.removeSession(s.id)
	s.state.set(stateClosed)
	s.log.Info().Msg("Session closed")
}

func tcpConnKey(tunnelID, connectionID string) string {
	return fmt.Sprintf("%s/%s", tunnelID, connectionID)
}
