package server

import (
	"net"
	"strings"

	"github.com/overpass-net/overpass/config"
)

// hostMatch is the outcome of routing a Host header against the configured
// domain list.
type hostMatch struct {
	// apex is set when the host is the bare domain or the basePath apex;
	// such requests go to the built-in status API.
	apex bool
	// subdomain identifies a tunnel when non-empty.
	subdomain string
	rule      config.DomainRule
}

// stripPort removes an optional :port from a Host header value.
func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// matchHost routes a hostname against the ordered domain rules. The first
// matching rule wins. A nil return means the host belongs to none of the
// configured domains.
func matchHost(host string, rules []config.DomainRule) *hostMatch {
	host = strings.ToLower(stripPort(host))
	for _, rule := range rules {
		domain := strings.ToLower(rule.Domain)
		if rule.BasePath != "" {
			apex := rule.BasePath + "." + domain
			if host == domain || host == apex {
				return &hostMatch{apex: true, rule: rule}
			}
			if sub, ok := trimSuffixLabel(host, apex); ok {
				return &hostMatch{subdomain: sub, rule: rule}
			}
			continue
		}
		// Direct rule: dynamic-DNS style hosts with no basePath label.
		if host == domain {
			return &hostMatch{apex: true, rule: rule}
		}
		if sub, ok := trimSuffixLabel(host, domain); ok {
			return &hostMatch{subdomain: sub, rule: rule}
		}
	}
	return nil
}

// trimSuffixLabel returns the labels before ".suffix" when host ends in it.
func trimSuffixLabel(host, suffix string) (string, bool) {
	if !strings.HasSuffix(host, "."+suffix) {
		return "", false
	}
	sub := strings.TrimSuffix(host, "."+suffix)
	if sub == "" {
		return "", false
	}
	return sub, true
}
