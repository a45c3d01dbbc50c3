// Package tlsconfig terminates TLS for the public listener. Certificates
// come from an opaque CertificateProvider so ACME, self-signed and
// externally supplied certificates all plug in the same way.
package tlsconfig

import (
	"crypto/tls"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RenewalLeeway is how long before expiry a provider certificate is renewed.
const RenewalLeeway = 7 * 24 * time.Hour

// Certificate is a PEM pair plus its expiry instant.
type Certificate struct {
	CertPEM  []byte
	KeyPEM   []byte
	NotAfter time.Time
}

// CertificateProvider acquires a certificate covering a domain set.
type CertificateProvider interface {
	Obtain(domains []string) (*Certificate, error)
}

// ChallengeSolver is implemented by providers that answer HTTP-01
// challenges; the port-80 listener forwards challenge paths to it.
type ChallengeSolver interface {
	// HTTPHandler wraps fallback so challenge requests are intercepted.
	HTTPHandler(fallback http.Handler) http.Handler
}

// CertReloader hooks into tls.Config's GetCertificate so the serving
// certificate can be swapped without restarting the listener.
type CertReloader struct {
	mu          sync.Mutex
	certificate *tls.Certificate
}

// NewCertReloader parses and holds an initial PEM pair.
func NewCertReloader(cert *Certificate) (*CertReloader, error) {
	cr := new(CertReloader)
	if err := cr.Swap(cert); err != nil {
		return nil, err
	}
	return cr, nil
}

// NewCertReloaderFromFiles loads the initial pair from disk.
func NewCertReloaderFromFiles(certPath, keyPath string) (*CertReloader, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading certificate %s", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading key %s", keyPath)
	}
	return NewCertReloader(&Certificate{CertPEM: certPEM, KeyPEM: keyPEM})
}

// Cert implements tls.Config.GetCertificate.
func (cr *CertReloader) Cert(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.certificate, nil
}

// Swap replaces the serving certificate. The old certificate is kept when
// the new pair does not parse.
func (cr *CertReloader) Swap(cert *Certificate) error {
	parsed, err := tls.X509KeyPair(cert.CertPEM, cert.KeyPEM)
	if err != nil {
		return errors.Wrap(err, "parsing X509 key pair")
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.certificate = &parsed
	return nil
}

// ServerConfig builds a tls.Config serving through the reloader.
func (cr *CertReloader) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: cr.Cert,
	}
}

// ScheduleRenewal re-obtains the certificate at notAfter minus the leeway
// and swaps it into the reloader, off the request path. It returns when
// shutdownC closes.
func ScheduleRenewal(provider CertificateProvider, domains []string, cert *Certificate,
	reloader *CertReloader, shutdownC <-chan struct{}, onError func(error)) {
	notAfter := cert.NotAfter
	for {
		wait := time.Until(notAfter.Add(-RenewalLeeway))
		if wait < time.Minute {
			wait = time.Minute
		}
		select {
		case <-shutdownC:
			return
		case <-time.After(wait):
		}
		renewed, err := provider.Obtain(domains)
		if err != nil {
			onError(err)
			// Retry on the minimum interval until the provider recovers.
			notAfter = time.Now().Add(RenewalLeeway)
			continue
		}
		if err := reloader.Swap(renewed); err != nil {
			onError(err)
			continue
		}
		notAfter = renewed.NotAfter
	}
}
