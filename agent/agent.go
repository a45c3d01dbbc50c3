// Package agent implements the connector that runs next to a local
// service: it dials the server's control endpoint, keeps its desired
// tunnel set open, and terminates dispatched traffic against local origins.
package agent

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/retry"
	"github.com/overpass-net/overpass/tunnel"
)

const (
	handshakeTimeout  = 10 * time.Second
	heartbeatInterval = 15 * time.Second
	livenessTimeout   = 45 * time.Second
	writeWait         = 10 * time.Second
	sendQueueSize     = 64

	reconnectBase = time.Second
	reconnectCap  = 30 * time.Second

	// maxAllocationAttempts bounds re-requests after allocation-class
	// rejections, e.g. a subdomain still held by a session whose teardown
	// has not finished.
	maxAllocationAttempts = 3
)

// tunnelRetryDelay is a var so tests can run the retry path quickly.
var tunnelRetryDelay = 2 * time.Second

var errLinkClosed = errors.New("control channel closed")

// Agent keeps the desired tunnel set alive against one server.
type Agent struct {
	cfg *config.AgentConfig
	log *zerolog.Logger

	// desired is the authoritative tunnel set; the server-side set is
	// reconstructed from it on every (re)connection.
	desiredMu sync.Mutex
	desired   []tunnel.Config

	linkMu sync.Mutex
	link   *link
}

// New builds an agent from validated configuration.
func New(cfg *config.AgentConfig, log *zerolog.Logger) *Agent {
	desired := make([]tunnel.Config, 0, len(cfg.Tunnels))
	for _, tc := range cfg.Tunnels {
		if tc.Autostart != nil && !*tc.Autostart {
			continue
		}
		desired = append(desired, tc)
	}
	return &Agent{cfg: cfg, log: log, desired: desired}
}

// AddTunnel appends to the desired set and opens the tunnel immediately
// when a control channel is up.
func (a *Agent) AddTunnel(tc tunnel.Config) {
	a.desiredMu.Lock()
	a.desired = append(a.desired, tc)
	a.desiredMu.Unlock()

	a.linkMu.Lock()
	l := a.link
	a.linkMu.Unlock()
	if l != nil {
		l.requestTunnel(&tc, 0)
	}
}

// Run connects and serves until ctx is cancelled. Reconnection uses
// exponential backoff from 1s capped at 30s.
func (a *Agent) Run(ctx context.Context) error {
	backoff := retry.New(reconnectBase, reconnectCap, true)
	for {
		err := a.runOnce(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !*a.cfg.Reconnect {
			return err
		}
		a.log.Warn().Msgf("Control channel lost (%s); reconnecting in up to %s", err, backoff.NextPeriod())
		if !backoff.Backoff(ctx) {
			return ctx.Err()
		}
	}
}

// runOnce performs one full dial/auth/serve cycle.
func (a *Agent) runOnce(ctx context.Context, backoff *retry.BackoffHandler) error {
	endpoint, err := controlURL(a.cfg.ServerURL)
	if err != nil {
		return err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: !*a.cfg.RejectUnauthorized}, // #nosec G402 -- explicit opt-out knob
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dialing %s (status %d)", endpoint, resp.StatusCode)
		}
		return errors.Wrapf(err, "dialing %s", endpoint)
	}

	l := newLink(a, conn)
	a.linkMu.Lock()
	a.link = l
	a.linkMu.Unlock()
	defer func() {
		a.linkMu.Lock()
		a.link = nil
		a.linkMu.Unlock()
		l.close()
	}()

	go l.writeLoop()
	stopWatch := watchContext(ctx, l)
	defer stopWatch()

	if err := l.authenticate(a.cfg.Token); err != nil {
		return err
	}
	a.log.Info().Msgf("Connected to %s", endpoint)
	// A held connection earns a backoff reset.
	backoff.SetGracePeriod()

	a.desiredMu.Lock()
	desired := make([]tunnel.Config, len(a.desired))
	copy(desired, a.desired)
	a.desiredMu.Unlock()
	for i := range desired {
		l.requestTunnel(&desired[i], 0)
	}

	go l.heartbeat()
	return l.readLoop()
}

// watchContext closes the link when ctx is cancelled.
func watchContext(ctx context.Context, l *link) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// controlURL normalizes the configured server URL to the ws(s) control
// endpoint.
func controlURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server url %q", raw)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/_tunnel"
	}
	return u.String(), nil
}

// link is the state of one established control channel. A fresh link is
// built for every reconnection.
type link struct {
	agent *Agent
	conn  *websocket.Conn
	log   zerolog.Logger

	// tunnels the server accepted (or we have requested), keyed by id.
	tunnelsMu sync.Mutex
	tunnels   map[string]*trackedTunnel

	// origin sockets for TCP sub-connections, keyed by tunnelID+"/"+connID.
	originsMu sync.Mutex
	origins   map[string]*originConn

	originHTTP *http.Client

	sendC     chan *protocol.Message
	closeC    chan struct{}
	closeOnce sync.Once
}

// trackedTunnel is one entry of the link's requested-tunnel set.
type trackedTunnel struct {
	cfg      *tunnel.Config
	attempts int
}

type originConn struct {
	conn      net.Conn
	closeOnce sync.Once
}

func (o *originConn) close() { o.closeOnce.Do(func() { _ = o.conn.Close() }) }

func newLink(a *Agent, conn *websocket.Conn) *link {
	return &link{
		agent:      a,
		conn:       conn,
		log:        *a.log,
		tunnels:    make(map[string]*trackedTunnel),
		origins:    make(map[string]*originConn),
		originHTTP: newOriginClient(*a.cfg.RejectUnauthorized),
		sendC:      make(chan *protocol.Message, sendQueueSize),
		closeC:     make(chan struct{}),
	}
}

// authenticate sends auth when a token is configured and waits for the
// server's auth_response, solicited or not.
func (l *link) authenticate(token string) error {
	if token != "" {
		msg := protocol.New(protocol.TypeAuth)
		msg.Token = token
		if err := l.send(msg); err != nil {
			return err
		}
	}

	resp, err := l.readUntilAuthResponse()
	if err != nil {
		return err
	}
	if !resp.Succeeded() {
		reason := resp.Error
		if reason == "" {
			reason = "authentication rejected"
		}
		return errors.Errorf("authentication failed: %s", reason)
	}
	return nil
}

// readUntilAuthResponse consumes frames until the auth_response arrives.
// Anything else this early is dropped.
func (l *link) readUntilAuthResponse() (*protocol.Message, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = l.conn.SetReadDeadline(deadline)
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "waiting for auth_response")
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			l.log.Warn().Msgf("Dropping malformed frame during handshake: %s", err)
			continue
		}
		if msg.Type == protocol.TypeAuthResponse {
			return msg, nil
		}
	}
}

// requestTunnel issues a tunnel_request with a fresh proposed id. attempt
// counts prior allocation rejections for this config on this link.
func (l *link) requestTunnel(tc *tunnel.Config, attempt int) {
	cfg := *tc
	cfg.ID = uuid.New().String()

	l.tunnelsMu.Lock()
	l.tunnels[cfg.ID] = &trackedTunnel{cfg: &cfg, attempts: attempt}
	l.tunnelsMu.Unlock()

	msg := protocol.New(protocol.TypeTunnelRequest)
	msg.Config = &cfg
	if err := l.send(msg); err != nil {
		l.log.Debug().Msgf("Could not request tunnel %s: %s", cfg.Name, err)
	}
}

func (l *link) tunnelByID(id string) (*tunnel.Config, bool) {
	l.tunnelsMu.Lock()
	defer l.tunnelsMu.Unlock()
	tracked, ok := l.tunnels[id]
	if !ok {
		return nil, false
	}
	return tracked.cfg, true
}

func (l *link) readLoop() error {
	_ = l.conn.SetReadDeadline(time.Now().Add(livenessTimeout))
	l.conn.SetPongHandler(func(string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(livenessTimeout))
		return nil
	})
	for {
		_, frame, err := l.conn.ReadMessage()
		if err != nil {
			l.teardown()
			return err
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(livenessTimeout))

		msg, err := protocol.Decode(frame)
		if err != nil {
			l.log.Warn().Msgf("Dropping malformed frame: %s", err)
			continue
		}
		l.handleMessage(msg)
	}
}

func (l *link) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAuthResponse:
		// Late auth_response, e.g. after a redundant auth. Nothing to do.
	case protocol.TypeTunnelResponse:
		l.handleTunnelResponse(msg)
	case protocol.TypeHTTPRequest:
		go l.handleHTTPRequest(msg)
	case protocol.TypeTCPData:
		l.handleTCPData(msg)
	case protocol.TypeTCPClose:
		l.handleTCPClose(msg)
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong)
		_ = l.send(pong)
	case protocol.TypePong:
	case protocol.TypeError:
		l.log.Warn().Msgf("Server reported error: %s", msg.Error)
	default:
		l.log.Warn().Msgf("Ignoring unknown message type %q", msg.Type)
	}
}

func (l *link) handleTunnelResponse(msg *protocol.Message) {
	l.tunnelsMu.Lock()
	tracked, known := l.tunnels[msg.TunnelID]
	if known && !msg.Succeeded() {
		delete(l.tunnels, msg.TunnelID)
	}
	l.tunnelsMu.Unlock()

	if !msg.Succeeded() {
		l.log.Error().Msgf("Tunnel request rejected: %s", msg.Error)
		if known && tracked.attempts+1 < maxAllocationAttempts && allocationRejected(msg.Error) {
			go l.retryTunnel(tracked.cfg, tracked.attempts+1)
		}
		return
	}
	if !known {
		l.log.Warn().Msgf("Server opened tunnel %s we did not request", msg.TunnelID)
		return
	}
	l.log.Info().Msgf("Tunnel %s is live at %s -> %s", tracked.cfg.Name, msg.PublicURL, tracked.cfg.LocalAddress())
}

// retryTunnel re-requests a rejected tunnel after a short delay, giving a
// lingering owner time to finish tearing down.
func (l *link) retryTunnel(cfg *tunnel.Config, attempt int) {
	timer := time.NewTimer(tunnelRetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		l.requestTunnel(cfg, attempt)
	case <-l.closeC:
	}
}

// allocationRejected spots rejections that can clear on their own.
func allocationRejected(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "in use") || strings.Contains(reason, "no ports available")
}

func (l *link) send(msg *protocol.Message) error {
	select {
	case l.sendC <- msg:
		return nil
	case <-l.closeC:
		return errLinkClosed
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case msg := <-l.sendC:
			frame, err := protocol.Encode(msg)
			if err != nil {
				l.log.Error().Msgf("Dropping unencodable frame: %s", err)
				continue
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				l.close()
				return
			}
		case <-l.closeC:
			return
		}
	}
}

func (l *link) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := protocol.New(protocol.TypePing)
			if err := l.send(ping); err != nil {
				return
			}
		case <-l.closeC:
			return
		}
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closeC)
		_ = l.conn.Close()
	})
}

// teardown closes every origin socket wired to this link.
func (l *link) teardown() {
	l.close()
	l.originsMu.Lock()
	conns := make([]*originConn, 0, len(l.origins))
	for _, oc := range l.origins {
		conns = append(conns, oc)
	}
	l.origins = make(map[string]*originConn)
	l.originsMu.Unlock()
	for _, oc := range conns {
		oc.close()
	}
}

func originKey(tunnelID, connectionID string) string {
	return tunnelID + "/" + connectionID
}

// schemeForProtocol maps a tunnel protocol to the origin URL scheme.
func schemeForProtocol(p tunnel.Protocol) string {
	if p == tunnel.HTTPS {
		return "https"
	}
	return "http"
}
