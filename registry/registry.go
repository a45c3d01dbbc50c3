// Package registry indexes live tunnels by id, subdomain and public port.
// All three indices and the port pool mutate under one exclusive lock, so
// allocation and insertion are observed atomically by concurrent lookups.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/overpass-net/overpass/allocator"
	"github.com/overpass-net/overpass/tunnel"
)

const generateAttempts = 16

var (
	ErrDuplicateID = errors.New("tunnel id already registered")

	tunnelsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "overpass",
			Subsystem: "registry",
			Name:      "tunnels",
			Help:      "Number of registered tunnels",
		},
		[]string{"protocol"},
	)
	registerOnce sync.Once
)

// Registry is the server-wide tunnel index.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*tunnel.Tunnel
	bySubdomain map[string]*tunnel.Tunnel
	byPort      map[int]*tunnel.Tunnel
	names       *allocator.NameGenerator
	ports       *allocator.PortPool
	startedAt   time.Time
}

// New builds a registry whose TCP allocations come from [portMin, portMax].
func New(portMin, portMax int) (*Registry, error) {
	pool, err := allocator.NewPortPool(portMin, portMax)
	if err != nil {
		return nil, err
	}
	registerOnce.Do(func() {
		prometheus.MustRegister(tunnelsGauge)
	})
	return &Registry{
		byID:        make(map[string]*tunnel.Tunnel),
		bySubdomain: make(map[string]*tunnel.Tunnel),
		byPort:      make(map[int]*tunnel.Tunnel),
		names:       allocator.NewNameGenerator(time.Now().UnixNano()),
		ports:       pool,
		startedAt:   time.Now(),
	}, nil
}

// AllocateHTTP reserves the requested (or a generated) subdomain and
// registers an HTTP tunnel, atomically. publicURL derives the tunnel's URL
// from the chosen subdomain; it runs under the lock so the tunnel is never
// visible without it. The caller owns teardown.
func (r *Registry) AllocateHTTP(sessionID string, cfg *tunnel.Config, publicURL func(subdomain string) string) (*tunnel.Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subdomain := cfg.Subdomain
	if subdomain != "" {
		if _, taken := r.bySubdomain[subdomain]; taken {
			return nil, errors.Wrapf(allocator.ErrSubdomainInUse, "subdomain %q", subdomain)
		}
	} else {
		for i := 0; i < generateAttempts; i++ {
			candidate := r.names.Generate()
			if _, taken := r.bySubdomain[candidate]; !taken {
				subdomain = candidate
				break
			}
		}
		if subdomain == "" {
			return nil, errors.New("could not generate a free subdomain")
		}
	}

	t := &tunnel.Tunnel{
		ID:        r.tunnelIDLocked(cfg),
		Protocol:  cfg.Protocol,
		LocalHost: cfg.LocalHost,
		LocalPort: cfg.LocalPort,
		Subdomain: subdomain,
		CreatedAt: time.Now(),
		SessionID: sessionID,
	}
	if publicURL != nil {
		t.PublicURL = publicURL(subdomain)
	}
	r.insertLocked(t)
	return t, nil
}

// AllocateTCP reserves a public port and registers a TCP tunnel, atomically.
// publicURL derives the tunnel's URL from the allocated port, under the
// lock. On failure no registry state changes.
func (r *Registry) AllocateTCP(sessionID string, cfg *tunnel.Config, publicURL func(port int) string) (*tunnel.Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	port, err := r.ports.Allocate(cfg.RemotePort, cfg.LocalPort)
	if err != nil {
		return nil, err
	}
	t := &tunnel.Tunnel{
		ID:         r.tunnelIDLocked(cfg),
		Protocol:   tunnel.TCP,
		LocalHost:  cfg.LocalHost,
		LocalPort:  cfg.LocalPort,
		PublicPort: port,
		CreatedAt:  time.Now(),
		SessionID:  sessionID,
	}
	if publicURL != nil {
		t.PublicURL = publicURL(port)
	}
	r.insertLocked(t)
	return t, nil
}

// Insert registers a pre-built tunnel. It fails without mutating any index
// if the id, subdomain or port is already taken.
func (r *Registry) Insert(t *tunnel.Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[t.ID]; dup {
		return errors.Wrapf(ErrDuplicateID, "id %q", t.ID)
	}
	if t.Protocol.IsHTTP() {
		if _, taken := r.bySubdomain[t.Subdomain]; taken {
			return errors.Wrapf(allocator.ErrSubdomainInUse, "subdomain %q", t.Subdomain)
		}
	}
	if t.Protocol == tunnel.TCP {
		if _, taken := r.byPort[t.PublicPort]; taken {
			return errors.Wrapf(allocator.ErrPortInUse, "port %d", t.PublicPort)
		}
	}
	r.insertLocked(t)
	return nil
}

// tunnelIDLocked adopts the agent-proposed id when it is free so agents
// can correlate dispatches against their own ids.
func (r *Registry) tunnelIDLocked(cfg *tunnel.Config) string {
	if cfg.ID != "" {
		if _, taken := r.byID[cfg.ID]; !taken {
			return cfg.ID
		}
	}
	return uuid.New().String()
}

func (r *Registry) insertLocked(t *tunnel.Tunnel) {
	r.byID[t.ID] = t
	if t.Protocol.IsHTTP() {
		r.bySubdomain[t.Subdomain] = t
	}
	if t.Protocol == tunnel.TCP {
		r.byPort[t.PublicPort] = t
	}
	tunnelsGauge.WithLabelValues(string(t.Protocol)).Inc()
}

// RemoveByID evicts a tunnel and frees its subdomain or port. Removing an
// unknown id is a no-op.
func (r *Registry) RemoveByID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if t.Protocol.IsHTTP() {
		delete(r.bySubdomain, t.Subdomain)
	}
	if t.Protocol == tunnel.TCP {
		delete(r.byPort, t.PublicPort)
		r.ports.Release(t.PublicPort)
	}
	tunnelsGauge.WithLabelValues(string(t.Protocol)).Dec()
}

// LookupSubdomain resolves an HTTP tunnel by its subdomain.
func (r *Registry) LookupSubdomain(name string) (*tunnel.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubdomain[name]
	return t, ok
}

// LookupPort resolves a TCP tunnel by its public port.
func (r *Registry) LookupPort(port int) (*tunnel.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byPort[port]
	return t, ok
}

// LookupID resolves a tunnel by id.
func (r *Registry) LookupID(id string) (*tunnel.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// Snapshot returns the current tunnel set for the stats endpoints.
func (r *Registry) Snapshot() []*tunnel.Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tunnels := make([]*tunnel.Tunnel, 0, len(r.byID))
	for _, t := range r.byID {
		tunnels = append(tunnels, t)
	}
	return tunnels
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Uptime reports how long this registry (and so the server) has been up.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startedAt)
}
