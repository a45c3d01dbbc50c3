// Package tunnel holds the tunnel model shared between the server and the agent.
package tunnel

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Protocol is the kind of traffic a tunnel carries.
type Protocol string

const (
	// HTTP tunnels dispatch by subdomain and forward to a plaintext origin.
	HTTP Protocol = "http"
	// HTTPS tunnels dispatch by subdomain and forward to a TLS origin.
	HTTPS Protocol = "https"
	// TCP tunnels bind a public port and relay raw byte streams.
	TCP Protocol = "tcp"
)

// IsHTTP reports whether the tunnel is dispatched by subdomain.
func (p Protocol) IsHTTP() bool {
	return p == HTTP || p == HTTPS
}

// Valid reports whether p is a protocol the server accepts.
func (p Protocol) Valid() bool {
	return p == HTTP || p == HTTPS || p == TCP
}

// Config is the agent-supplied description of a tunnel it wants opened.
type Config struct {
	// ID is the agent-proposed tunnel id. The server adopts it when it is
	// unique, so the agent can correlate dispatches without extra state.
	ID         string   `json:"id,omitempty" yaml:"-"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Protocol   Protocol `json:"protocol" yaml:"protocol"`
	LocalHost  string   `json:"localHost" yaml:"localHost"`
	LocalPort  int      `json:"localPort" yaml:"localPort"`
	Subdomain  string   `json:"subdomain,omitempty" yaml:"subdomain"`
	RemotePort int      `json:"remotePort,omitempty" yaml:"remotePort"`
	Autostart  *bool    `json:"autostart,omitempty" yaml:"autostart"`
}

// LocalAddress returns the host:port the agent forwards to.
func (c *Config) LocalAddress() string {
	return fmt.Sprintf("%s:%d", c.LocalHost, c.LocalPort)
}

// Stats counts traffic through a tunnel. All fields are updated atomically.
type Stats struct {
	bytesIn     uint64
	bytesOut    uint64
	connections uint64
}

func (s *Stats) AddBytesIn(n uint64)  { atomic.AddUint64(&s.bytesIn, n) }
func (s *Stats) AddBytesOut(n uint64) { atomic.AddUint64(&s.bytesOut, n) }
func (s *Stats) AddConnection()       { atomic.AddUint64(&s.connections, 1) }

func (s *Stats) BytesIn() uint64     { return atomic.LoadUint64(&s.bytesIn) }
func (s *Stats) BytesOut() uint64    { return atomic.LoadUint64(&s.bytesOut) }
func (s *Stats) Connections() uint64 { return atomic.LoadUint64(&s.connections) }

// Tunnel is a live dispatch rule owned by exactly one agent session.
type Tunnel struct {
	ID        string
	Protocol  Protocol
	LocalHost string
	LocalPort int

	// Subdomain is set for HTTP/HTTPS tunnels only.
	Subdomain string
	// PublicPort is set for TCP tunnels only.
	PublicPort int

	PublicURL string
	CreatedAt time.Time
	Stats     Stats

	// SessionID identifies the owning agent session.
	SessionID string
}

// LocalAddress returns the origin address the owning agent forwards to.
func (t *Tunnel) LocalAddress() string {
	return fmt.Sprintf("%s:%d", t.LocalHost, t.LocalPort)
}

// PublicURL derives the externally visible URL for an HTTP tunnel.
// The port is omitted when it is the scheme default.
func PublicURL(scheme, subdomain, basePath, domain string, publicPort int) string {
	host := subdomain + "." + domain
	if basePath != "" {
		host = subdomain + "." + basePath + "." + domain
	}
	if (scheme == "https" && publicPort == 443) || (scheme == "http" && publicPort == 80) || publicPort == 0 {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, publicPort)
}

// TCPURL derives the informational URL for a TCP tunnel.
func TCPURL(domain string, publicPort int) string {
	return fmt.Sprintf("tcp://%s:%d", domain, publicPort)
}
