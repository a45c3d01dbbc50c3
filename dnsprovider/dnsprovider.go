// Package dnsprovider abstracts the DNS records kept in sync with HTTP
// tunnels. Concrete providers live outside the core; the server only
// upserts on tunnel creation and deletes on teardown.
package dnsprovider

// Provider manages one A/AAAA record per tunnel hostname.
type Provider interface {
	Upsert(name, ip string) error
	Delete(name string) error
}

// Noop is the default provider when no DNS integration is configured.
type Noop struct{}

func (Noop) Upsert(string, string) error { return nil }
func (Noop) Delete(string) error         { return nil }
