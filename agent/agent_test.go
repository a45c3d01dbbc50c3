package agent

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/protocol"
	"github.com/overpass-net/overpass/tunnel"
)

func TestControlURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"http to ws", "http://example.com", "ws://example.com/_tunnel"},
		{"https to wss", "https://example.com", "wss://example.com/_tunnel"},
		{"ws passthrough", "ws://example.com", "ws://example.com/_tunnel"},
		{"wss with port", "wss://example.com:8443", "wss://example.com:8443/_tunnel"},
		{"custom path kept", "wss://example.com/custom", "wss://example.com/custom"},
		{"bare slash", "https://example.com/", "wss://example.com/_tunnel"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := controlURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := controlURL("ftp://example.com")
	assert.Error(t, err)
}

// fakeControlServer plays the server side of the control protocol.
type fakeControlServer struct {
	ts    *httptest.Server
	connC chan *websocket.Conn
}

func newFakeControlServer(t *testing.T) *fakeControlServer {
	t.Helper()
	f := &fakeControlServer{connC: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		greeting := protocol.New(protocol.TypeAuthResponse)
		greeting.Success = protocol.Bool(true)
		greeting.ClientID = "session-1"
		frame, _ := protocol.Encode(greeting)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		f.connC <- conn
	}))
	t.Cleanup(f.ts.Close)
	return f
}

// accept waits for an agent connection and answers its tunnel_request.
func (f *fakeControlServer) accept(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	var conn *websocket.Conn
	select {
	case conn = <-f.connC:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
	}
	req := readFrame(t, conn)
	require.Equal(t, protocol.TypeTunnelRequest, req.Type)
	require.NotNil(t, req.Config)

	resp := protocol.New(protocol.TypeTunnelResponse)
	resp.Success = protocol.Bool(true)
	resp.TunnelID = req.Config.ID
	resp.PublicURL = "http://web.op.example.com"
	writeFrame(t, conn, resp)
	return conn, req.Config.ID
}

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

func startAgent(t *testing.T, serverURL string, tunnels ...tunnel.Config) {
	t.Helper()
	noReconnect := false
	cfg := &config.AgentConfig{
		ServerURL: serverURL,
		Reconnect: &noReconnect,
		Tunnels:   tunnels,
	}
	cfg.ApplyDefaults()
	log := zerolog.Nop()
	a := New(cfg, &log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Run(ctx) }()
}

func localPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(addr, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestAgentForwardsHTTPRequest(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hello", r.URL.Path)
		assert.Equal(t, "value", r.Header.Get("X-Custom"))
		w.Header().Set("X-Origin", "local")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("from origin"))
	}))
	defer origin.Close()

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: localPort(t, origin.URL),
	})
	conn, tunnelID := f.accept(t)

	req := protocol.New(protocol.TypeHTTPRequest)
	req.TunnelID = tunnelID
	req.RequestID = "req-1"
	req.Method = http.MethodGet
	req.Path = "/hello"
	req.Headers = protocol.Headers{"X-Custom": {"value"}}
	writeFrame(t, conn, req)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeHTTPResponse, resp.Type)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{"local"}, resp.Headers["X-Origin"])
	assert.Equal(t, "from origin", resp.Body)
	assert.False(t, resp.IsBase64)
}

func TestAgentServes502PageWhenOriginDown(t *testing.T) {
	// Grab a port that nothing listens on.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: deadPort,
	})
	conn, tunnelID := f.accept(t)

	req := protocol.New(protocol.TypeHTTPRequest)
	req.TunnelID = tunnelID
	req.RequestID = "req-1"
	req.Method = http.MethodGet
	req.Path = "/"
	writeFrame(t, conn, req)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeHTTPResponse, resp.Type)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, resp.Headers["Content-Type"][0], "text/html")
	assert.Contains(t, resp.Body, "Nothing is listening")
}

func TestAgentRejectsUnknownTunnel(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: localPort(t, origin.URL),
	})
	conn, _ := f.accept(t)

	req := protocol.New(protocol.TypeHTTPRequest)
	req.TunnelID = "not-a-tunnel"
	req.RequestID = "req-1"
	req.Method = http.MethodGet
	req.Path = "/"
	writeFrame(t, conn, req)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeHTTPResponse, resp.Type)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestAgentRelaysTCP(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.TCP,
		LocalHost: "127.0.0.1",
		LocalPort: origin.Addr().(*net.TCPAddr).Port,
	})
	conn, tunnelID := f.accept(t)

	data := protocol.New(protocol.TypeTCPData)
	data.TunnelID = tunnelID
	data.ConnectionID = "conn-1"
	data.Data = protocol.EncodeData([]byte("echo me"))
	writeFrame(t, conn, data)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeTCPData, resp.Type)
	assert.Equal(t, tunnelID, resp.TunnelID)
	assert.Equal(t, "conn-1", resp.ConnectionID)
	payload, err := protocol.DecodeData(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "echo me", string(payload))
}

func TestAgentRetriesRejectedAllocation(t *testing.T) {
	prevDelay := tunnelRetryDelay
	tunnelRetryDelay = 20 * time.Millisecond
	defer func() { tunnelRetryDelay = prevDelay }()

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: 3000,
		Subdomain: "web",
	})

	var conn *websocket.Conn
	select {
	case conn = <-f.connC:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
	}

	// First request loses to a subdomain still held by a dying session.
	first := readFrame(t, conn)
	require.Equal(t, protocol.TypeTunnelRequest, first.Type)
	reject := protocol.New(protocol.TypeTunnelResponse)
	reject.Success = protocol.Bool(false)
	reject.TunnelID = first.Config.ID
	reject.Error = `subdomain "web": subdomain already in use`
	writeFrame(t, conn, reject)

	// The agent retries with a fresh proposed id and the same config.
	second := readFrame(t, conn)
	require.Equal(t, protocol.TypeTunnelRequest, second.Type)
	require.NotNil(t, second.Config)
	assert.NotEqual(t, first.Config.ID, second.Config.ID)
	assert.Equal(t, "web", second.Config.Subdomain)
	assert.Equal(t, first.Config.LocalPort, second.Config.LocalPort)

	accept := protocol.New(protocol.TypeTunnelResponse)
	accept.Success = protocol.Bool(true)
	accept.TunnelID = second.Config.ID
	accept.PublicURL = "http://web.op.example.com"
	writeFrame(t, conn, accept)
}

func TestAgentGivesUpAfterBoundedRetries(t *testing.T) {
	prevDelay := tunnelRetryDelay
	tunnelRetryDelay = 20 * time.Millisecond
	defer func() { tunnelRetryDelay = prevDelay }()

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.HTTP,
		LocalHost: "127.0.0.1",
		LocalPort: 3000,
		Subdomain: "web",
	})

	var conn *websocket.Conn
	select {
	case conn = <-f.connC:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never connected")
	}

	for i := 0; i < maxAllocationAttempts; i++ {
		req := readFrame(t, conn)
		require.Equal(t, protocol.TypeTunnelRequest, req.Type)
		reject := protocol.New(protocol.TypeTunnelResponse)
		reject.Success = protocol.Bool(false)
		reject.TunnelID = req.Config.ID
		reject.Error = "subdomain already in use"
		writeFrame(t, conn, reject)
	}

	// No fourth attempt arrives.
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, decodeErr := protocol.Decode(frame)
		require.NoError(t, decodeErr)
		require.NotEqual(t, protocol.TypeTunnelRequest, msg.Type)
	}
}

func TestAgentSendsTCPCloseWhenOriginUnreachable(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := probe.Addr().(*net.TCPAddr).Port
	require.NoError(t, probe.Close())

	f := newFakeControlServer(t)
	startAgent(t, f.ts.URL, tunnel.Config{
		Protocol:  tunnel.TCP,
		LocalHost: "127.0.0.1",
		LocalPort: deadPort,
	})
	conn, tunnelID := f.accept(t)

	data := protocol.New(protocol.TypeTCPData)
	data.TunnelID = tunnelID
	data.ConnectionID = "conn-1"
	data.Data = protocol.EncodeData([]byte("anyone there"))
	writeFrame(t, conn, data)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeTCPClose, resp.Type)
	assert.Equal(t, "conn-1", resp.ConnectionID)
}
