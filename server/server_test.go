package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
)

func testConfig(mutate func(*config.ServerConfig)) *config.ServerConfig {
	cfg := &config.ServerConfig{Domain: "example.com"}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	log := zerolog.Nop()
	srv, err := New(testConfig(mutate), &log)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

func dialControl(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + ControlPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readFrame returns the next non-heartbeat message.
func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		if msg.Type == protocol.TypePing || msg.Type == protocol.TypePong {
			continue
		}
		return msg
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// connectAgent dials the control endpoint and consumes the greeting.
func connectAgent(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn := dialControl(t, ts)
	greeting := readFrame(t, conn)
	require.Equal(t, protocol.TypeAuthResponse, greeting.Type)
	require.True(t, greeting.Succeeded())
	return conn
}

func openTunnel(t *testing.T, conn *websocket.Conn, cfg tunnel.Config) *protocol.Message {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	req := protocol.New(protocol.TypeTunnelRequest)
	req.Config = &cfg
	writeFrame(t, conn, req)
	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeTunnelResponse, resp.Type)
	return resp
}

func publicGet(t *testing.T, ts *httptest.Server, host, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	req.Host = host
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestUnsolicitedGreetingWithoutAuth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialControl(t, ts)

	greeting := readFrame(t, conn)
	assert.Equal(t, protocol.TypeAuthResponse, greeting.Type)
	assert.True(t, greeting.Succeeded())
	assert.NotEmpty(t, greeting.ClientID)
}

func TestAuthRequired(t *testing.T) {
	mutate := func(cfg *config.ServerConfig) {
		cfg.Auth = config.AuthConfig{Required: true, Tokens: []string{"secret"}}
	}

	t.Run("valid token", func(t *testing.T) {
		_, ts := newTestServer(t, mutate)
		conn := dialControl(t, ts)

		auth := protocol.New(protocol.TypeAuth)
		auth.Token = "secret"
		writeFrame(t, conn, auth)

		resp := readFrame(t, conn)
		assert.Equal(t, protocol.TypeAuthResponse, resp.Type)
		assert.True(t, resp.Succeeded())
	})

	t.Run("invalid token", func(t *testing.T) {
		_, ts := newTestServer(t, mutate)

		// The failure reply must reach the agent before the close frame,
		// every time, not just when the writer goroutine wins the race.
		for round := 0; round < 20; round++ {
			conn := dialControl(t, ts)

			auth := protocol.New(protocol.TypeAuth)
			auth.Token = "wrong"
			writeFrame(t, conn, auth)

			resp := readFrame(t, conn)
			assert.False(t, resp.Succeeded())
			assert.Equal(t, "invalid token", resp.Error)

			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
			_ = conn.Close()
		}
	})

	t.Run("frames before auth", func(t *testing.T) {
		_, ts := newTestServer(t, mutate)
		conn := dialControl(t, ts)

		req := protocol.New(protocol.TypeTunnelRequest)
		req.Config = &tunnel.Config{Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000}
		writeFrame(t, conn, req)

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	})
}

func TestOpenHTTPTunnel(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	proposedID := uuid.New().String()
	resp := openTunnel(t, conn, tunnel.Config{
		ID:        proposedID,
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: 3000,
		Subdomain: "web",
	})
	require.True(t, resp.Succeeded())
	assert.Equal(t, proposedID, resp.TunnelID)
	assert.Contains(t, resp.PublicURL, "web.op.example.com")

	tun, found := srv.Registry().LookupSubdomain("web")
	require.True(t, found)
	assert.Equal(t, proposedID, tun.ID)
}

func TestOpenTunnelGeneratesSubdomain(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: 3000,
	})
	require.True(t, resp.Succeeded())
	assert.Regexp(t, `^https?://[a-z0-9-]+\.op\.example\.com`, resp.PublicURL)
}

func TestSubdomainConflict(t *testing.T) {
	_, ts := newTestServer(t, nil)
	first := connectAgent(t, ts)
	second := connectAgent(t, ts)

	resp := openTunnel(t, first, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "claimed",
	})
	require.True(t, resp.Succeeded())

	resp = openTunnel(t, second, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3001, Subdomain: "claimed",
	})
	assert.False(t, resp.Succeeded())
	assert.Contains(t, resp.Error, "in use")
}

func TestReservedSubdomainRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "www",
	})
	assert.False(t, resp.Succeeded())
}

func TestHTTPDispatch(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "web",
	})
	require.True(t, resp.Succeeded())

	agentDone := make(chan *protocol.Message, 1)
	go func() {
		req := readFrame(t, conn)
		reply := protocol.New(protocol.TypeHTTPResponse)
		reply.TunnelID = req.TunnelID
		reply.RequestID = req.RequestID
		reply.StatusCode = http.StatusTeapot
		reply.Headers = protocol.Headers{"X-Origin": {"local"}}
		reply.Body = "served by the agent"
		writeFrame(t, conn, reply)
		agentDone <- req
	}()

	public := publicGet(t, ts, "web.op.example.com", "/hello?x=1")
	assert.Equal(t, http.StatusTeapot, public.StatusCode)
	assert.Equal(t, "local", public.Header.Get("X-Origin"))
	body, err := io.ReadAll(public.Body)
	require.NoError(t, err)
	assert.Equal(t, "served by the agent", string(body))

	dispatched := <-agentDone
	assert.Equal(t, protocol.TypeHTTPRequest, dispatched.Type)
	assert.Equal(t, http.MethodGet, dispatched.Method)
	assert.Equal(t, "/hello?x=1", dispatched.Path)
	assert.Equal(t, []string{"web.op.example.com"}, dispatched.Headers["X-Forwarded-Host"])
	assert.Equal(t, []string{"http"}, dispatched.Headers["X-Forwarded-Proto"])
	assert.NotEmpty(t, dispatched.Headers["X-Forwarded-For"])
}

func TestDispatchAgentDisconnects(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "web",
	})
	require.True(t, resp.Succeeded())

	go func() {
		// Take the dispatched request and drop the channel without answering.
		_ = readFrame(t, conn)
		_ = conn.Close()
	}()

	public := publicGet(t, ts, "web.op.example.com", "/")
	assert.Equal(t, http.StatusBadGateway, public.StatusCode)
	body, _ := io.ReadAll(public.Body)
	assert.Contains(t, string(body), "disconnected")
}

func TestDispatchTimeout(t *testing.T) {
	prev := requestTimeout
	requestTimeout = 200 * time.Millisecond
	defer func() { requestTimeout = prev }()

	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "web",
	})
	require.True(t, resp.Succeeded())

	received := make(chan *protocol.Message, 1)
	go func() {
		// Swallow the dispatched request and never answer it.
		received <- readFrame(t, conn)
	}()

	public := publicGet(t, ts, "web.op.example.com", "/")
	assert.Equal(t, http.StatusBadGateway, public.StatusCode)
	body, err := io.ReadAll(public.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tunnel did not respond")

	dispatched := <-received
	assert.Equal(t, protocol.TypeHTTPRequest, dispatched.Type)
}

func TestUnknownSubdomain(t *testing.T) {
	_, ts := newTestServer(t, nil)
	public := publicGet(t, ts, "ghost.op.example.com", "/")
	assert.Equal(t, http.StatusNotFound, public.StatusCode)
}

func TestUnknownHost(t *testing.T) {
	_, ts := newTestServer(t, nil)
	public := publicGet(t, ts, "web.op.other.org", "/")
	assert.Equal(t, http.StatusNotFound, public.StatusCode)
}

func TestApexStatus(t *testing.T) {
	_, ts := newTestServer(t, nil)
	public := publicGet(t, ts, "op.example.com", "/")
	assert.Equal(t, http.StatusOK, public.StatusCode)
	body, err := io.ReadAll(public.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"name":"overpass"`)
}

func TestControlEndpointRequiresUpgrade(t *testing.T) {
	_, ts := newTestServer(t, nil)
	public := publicGet(t, ts, "example.com", ControlPath)
	assert.Equal(t, http.StatusUpgradeRequired, public.StatusCode)
}

func TestDenylistedPeer(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.IPAccess = config.IPAccessConfig{Mode: "denylist", DenyList: []string{"127.0.0.1"}}
	})

	public := publicGet(t, ts, "web.op.example.com", "/")
	assert.Equal(t, http.StatusForbidden, public.StatusCode)

	// The control upgrade completes so the policy close code is delivered.
	conn := dialControl(t, ts)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestMalformedFrameDropped(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The session survives: a ping still earns a pong.
	writeFrame(t, conn, protocol.New(protocol.TypePing))
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		if msg.Type == protocol.TypePong {
			return
		}
	}
}

func TestTCPTunnelRelay(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.TCP, LocalHost: "127.0.0.1", LocalPort: 18743,
	})
	require.True(t, resp.Succeeded())

	tun, found := srv.Registry().LookupID(resp.TunnelID)
	require.True(t, found)
	require.NotZero(t, tun.PublicPort)
	assert.Contains(t, resp.PublicURL, fmt.Sprintf("tcp://example.com:%d", tun.PublicPort))

	public, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tun.PublicPort))
	require.NoError(t, err)
	defer public.Close()

	_, err = public.Write([]byte("ping over tcp"))
	require.NoError(t, err)

	inbound := readFrame(t, conn)
	require.Equal(t, protocol.TypeTCPData, inbound.Type)
	require.Equal(t, resp.TunnelID, inbound.TunnelID)
	data, err := protocol.DecodeData(inbound.Data)
	require.NoError(t, err)
	assert.Equal(t, "ping over tcp", string(data))

	reply := protocol.New(protocol.TypeTCPData)
	reply.TunnelID = inbound.TunnelID
	reply.ConnectionID = inbound.ConnectionID
	reply.Data = protocol.EncodeData([]byte("pong over tcp"))
	writeFrame(t, conn, reply)

	buf := make([]byte, 64)
	_ = public.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := public.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong over tcp", string(buf[:n]))

	// Agent-side close tears the public socket down.
	closeMsg := protocol.New(protocol.TypeTCPClose)
	closeMsg.TunnelID = inbound.TunnelID
	closeMsg.ConnectionID = inbound.ConnectionID
	writeFrame(t, conn, closeMsg)

	_ = public.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = public.Read(buf)
	assert.Error(t, err)
}

func TestTunnelCloseFreesSubdomain(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "web",
	})
	require.True(t, resp.Succeeded())

	closeMsg := protocol.New(protocol.TypeTunnelClose)
	closeMsg.TunnelID = resp.TunnelID
	writeFrame(t, conn, closeMsg)

	require.Eventually(t, func() bool {
		_, found := srv.Registry().LookupSubdomain("web")
		return !found
	}, 5*time.Second, 10*time.Millisecond)

	// The name is free for the next claimant.
	resp = openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3001, Subdomain: "web",
	})
	assert.True(t, resp.Succeeded())
}

func TestSessionTeardownEmptiesRegistry(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := connectAgent(t, ts)

	resp := openTunnel(t, conn, tunnel.Config{
		Protocol: tunnel.HTTP, LocalHost: "127.0.0.1", LocalPort: 3000, Subdomain: "web",
	})
	require.True(t, resp.Succeeded())
	require.Equal(t, 1, srv.Registry().Len())

	_ = conn.Close()

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0 && srv.sessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
