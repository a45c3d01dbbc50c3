package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const selfSignedValidity = 365 * 24 * time.Hour

// SelfSignedProvider mints certificates locally for development setups.
// Certificates are cached per domain set so repeated Obtain calls are cheap.
type SelfSignedProvider struct {
	mu    sync.Mutex
	cache map[string]*Certificate
}

// NewSelfSignedProvider builds an empty provider.
func NewSelfSignedProvider() *SelfSignedProvider {
	return &SelfSignedProvider{cache: make(map[string]*Certificate)}
}

// Obtain returns a cached or freshly generated certificate covering the
// domains and their wildcard forms.
func (p *SelfSignedProvider) Obtain(domains []string) (*Certificate, error) {
	key := cacheKey(domains)
	p.mu.Lock()
	defer p.mu.Unlock()
	if cert, ok := p.cache[key]; ok && time.Until(cert.NotAfter) > RenewalLeeway {
		return cert, nil
	}
	cert, err := generate(domains)
	if err != nil {
		return nil, err
	}
	p.cache[key] = cert
	return cert, nil
}

func cacheKey(domains []string) string {
	sorted := append([]string(nil), domains...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func generate(domains []string) (*Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generating serial")
	}

	notAfter := time.Now().Add(selfSignedValidity)
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: firstOr(domains, "localhost")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, domain := range domains {
		if ip := net.ParseIP(domain); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
			continue
		}
		template.DNSNames = append(template.DNSNames, domain, "*."+domain)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "creating certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling key")
	}

	return &Certificate{
		CertPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:   pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		NotAfter: notAfter,
	}, nil
}

func firstOr(items []string, fallback string) string {
	if len(items) > 0 {
		return items[0]
	}
	return fallback
}
