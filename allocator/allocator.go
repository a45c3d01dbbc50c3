// Package allocator hands out subdomain names and public TCP ports.
// Both allocators are plain data structures; the registry serializes
// access to them under its own lock.
package allocator

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

var (
	ErrSubdomainInUse   = errors.New("subdomain already in use")
	ErrPortInUse        = errors.New("port already in use")
	ErrPortOutOfRange   = errors.New("port outside the configured tunnel port range")
	ErrNoPortsAvailable = errors.New("no ports available in the configured range")
)

var adjectives = []string{
	"amber", "brave", "calm", "clever", "cosmic", "crisp", "eager", "fancy",
	"gentle", "golden", "happy", "jolly", "keen", "lively", "lucky", "mellow",
	"noble", "polite", "proud", "quick", "quiet", "rapid", "shiny", "silent",
	"sunny", "swift", "tidy", "vivid", "warm", "witty",
}

var nouns = []string{
	"badger", "beacon", "breeze", "canyon", "cedar", "comet", "coral", "falcon",
	"fern", "glacier", "harbor", "heron", "lagoon", "lantern", "maple", "meadow",
	"monarch", "orchid", "otter", "pebble", "pine", "prairie", "raven", "reef",
	"river", "sparrow", "summit", "thicket", "tide", "willow",
}

// NameGenerator produces memorable three-token subdomain names.
type NameGenerator struct {
	rand *rand.Rand
}

// NewNameGenerator seeds a generator. A seeded source keeps tests stable.
func NewNameGenerator(seed int64) *NameGenerator {
	// #nosec G404 -- names only need to be memorable, not unpredictable
	return &NameGenerator{rand: rand.New(rand.NewSource(seed))}
}

// Generate returns a name of the form <adj>-<noun>-<0..999>. Callers retry
// on collision against the registry.
func (g *NameGenerator) Generate() string {
	return fmt.Sprintf("%s-%s-%d",
		adjectives[g.rand.Intn(len(adjectives))],
		nouns[g.rand.Intn(len(nouns))],
		g.rand.Intn(1000))
}

// PortPool allocates public TCP ports from a closed range [Min, Max].
type PortPool struct {
	min  int
	max  int
	used map[int]bool
}

// NewPortPool builds a pool over [min, max].
func NewPortPool(min, max int) (*PortPool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, errors.Errorf("invalid tunnel port range [%d, %d]", min, max)
	}
	return &PortPool{min: min, max: max, used: make(map[int]bool)}, nil
}

func (p *PortPool) inRange(port int) bool {
	return port >= p.min && port <= p.max
}

// Allocate picks a public port for a TCP tunnel. Selection order:
//  1. an explicitly requested remote port, which must be free and in range;
//  2. the tunnel's local port, when it happens to fall inside the range and
//     is free (keeps dev setups on predictable ports);
//  3. the first free port scanning up from the bottom of the range.
func (p *PortPool) Allocate(remotePort, localPort int) (int, error) {
	if remotePort != 0 {
		if !p.inRange(remotePort) {
			return 0, errors.Wrapf(ErrPortOutOfRange, "port %d not in [%d, %d]", remotePort, p.min, p.max)
		}
		if p.used[remotePort] {
			return 0, errors.Wrapf(ErrPortInUse, "port %d", remotePort)
		}
		p.used[remotePort] = true
		return remotePort, nil
	}
	if p.inRange(localPort) && !p.used[localPort] {
		p.used[localPort] = true
		return localPort, nil
	}
	for port := p.min; port <= p.max; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	delete(p.used, port)
}

// InUse reports whether the pool currently holds the port.
func (p *PortPool) InUse(port int) bool {
	return p.used[port]
}
