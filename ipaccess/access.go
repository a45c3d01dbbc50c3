// Package ipaccess evaluates client IPs against the configured access policy.
package ipaccess

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how the rule sets are applied.
type Mode string

const (
	// ModeAll passes every address.
	ModeAll Mode = "all"
	// ModeAllowlist passes an address iff it matches the allow set.
	ModeAllowlist Mode = "allowlist"
	// ModeDenylist rejects an address iff it matches the deny set.
	ModeDenylist Mode = "denylist"
)

// Rule matches either a single address or a CIDR range.
type Rule struct {
	ipNet *net.IPNet
	raw   string
}

// NewRule parses an entry that is an IPv4/IPv6 literal or a CIDR range.
func NewRule(entry string) (Rule, error) {
	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return Rule{}, errors.Wrapf(err, "unable to parse cidr: %s", entry)
		}
		return Rule{ipNet: ipnet, raw: entry}, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return Rule{}, errors.Errorf("unable to parse ip: %s", entry)
	}
	bits := 8 * net.IPv6len
	if normalized := ip.To4(); normalized != nil {
		ip = normalized
		bits = 8 * net.IPv4len
	}
	return Rule{
		ipNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)},
		raw:   entry,
	}, nil
}

func (r Rule) matches(ip net.IP) bool {
	return r.ipNet.Contains(ip)
}

func (r Rule) String() string {
	return r.raw
}

// Policy evaluates addresses against the configured mode and rule sets.
type Policy struct {
	mode  Mode
	allow []Rule
	deny  []Rule
}

// NewPolicy builds a policy from raw allow/deny entries.
func NewPolicy(mode Mode, allowList, denyList []string) (*Policy, error) {
	switch mode {
	case ModeAll, ModeAllowlist, ModeDenylist:
	case "":
		mode = ModeAll
	default:
		return nil, errors.Errorf("unknown ip access mode: %s", mode)
	}
	allow, err := parseRules(allowList)
	if err != nil {
		return nil, err
	}
	deny, err := parseRules(denyList)
	if err != nil {
		return nil, err
	}
	return &Policy{mode: mode, allow: allow, deny: deny}, nil
}

func parseRules(entries []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	for _, entry := range entries {
		rule, err := NewRule(entry)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Allowed reports whether the address passes the policy. The reason names
// the matched rule when the decision came from one.
func (p *Policy) Allowed(addr string) (bool, string) {
	if p == nil || p.mode == ModeAll {
		return true, ""
	}
	ip := Normalize(addr)
	if ip == nil {
		// Unparseable addresses only pass an open policy.
		return p.mode == ModeDenylist, "unparseable address"
	}
	switch p.mode {
	case ModeAllowlist:
		for _, rule := range p.allow {
			if rule.matches(ip) {
				return true, rule.String()
			}
		}
		return false, "no allowlist match"
	case ModeDenylist:
		for _, rule := range p.deny {
			if rule.matches(ip) {
				return false, fmt.Sprintf("denied by %s", rule)
			}
		}
		return true, ""
	}
	return true, ""
}

// Normalize parses addr and folds IPv6-mapped IPv4 addresses
// (::ffff:a.b.c.d) down to their IPv4 form.
func Normalize(addr string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// Client-IP extraction precedence for both public and control requests.
var clientIPHeaders = []string{"Cf-Connecting-Ip", "X-Real-Ip"}

// ClientIP extracts the effective client address from proxy headers,
// falling back to the peer socket address and then "unknown".
func ClientIP(headers http.Header, remoteAddr string) string {
	for _, name := range clientIPHeaders {
		if v := strings.TrimSpace(headers.Get(name)); v != "" {
			return v
		}
	}
	if fwd := headers.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if remoteAddr != "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
			return host
		}
		return remoteAddr
	}
	return "unknown"
}
