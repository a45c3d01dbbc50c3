// Package server implements the public side of overpass: the control
// channel endpoint, the tunnel registry, and the HTTP and TCP dispatchers.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/overpass-net/overpass/config"
	"github.com/overpass-net/overpass/dnsprovider"
	"github.com/overpass-net/overpass/fraud"
	"github.com/overpass-net/overpass/ipaccess"
	"github.com/overpass-net/overpass/registry"
	"github.com/overpass-net/overpass/tlsconfig"
	"github.com/overpass-net/overpass/tunnel"
)

// ControlPath is the only path upgraded into a control channel.
const ControlPath = "/_tunnel"

const shutdownTimeout = 10 * time.Second

// Server is the publicly reachable half of overpass.
type Server struct {
	cfg      *config.ServerConfig
	log      *zerolog.Logger
	registry *registry.Registry
	ipPolicy *ipaccess.Policy
	fraud    fraud.Predicate
	dns      dnsprovider.Provider
	certs    tlsconfig.CertificateProvider
	upgrader websocket.Upgrader
	scheme   string
	apex     http.Handler

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	shutdownC chan struct{}
	closeOnce sync.Once
}

// Option customizes collaborators that live outside the core.
type Option func(*Server)

// WithDNSProvider keeps DNS records in sync with HTTP tunnels.
func WithDNSProvider(p dnsprovider.Provider) Option {
	return func(s *Server) { s.dns = p }
}

// WithFraudPredicate installs the pre-auth fraud check.
func WithFraudPredicate(p fraud.Predicate) Option {
	return func(s *Server) { s.fraud = p }
}

// WithCertificateProvider overrides the TLS certificate source.
func WithCertificateProvider(p tlsconfig.CertificateProvider) Option {
	return func(s *Server) { s.certs = p }
}

// New builds a server from validated configuration.
func New(cfg *config.ServerConfig, log *zerolog.Logger, opts ...Option) (*Server, error) {
	reg, err := registry.New(cfg.TunnelPortRange.Min, cfg.TunnelPortRange.Max)
	if err != nil {
		return nil, err
	}
	policy, err := ipaccess.NewPolicy(cfg.IPAccess.Mode, cfg.IPAccess.AllowList, cfg.IPAccess.DenyList)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if cfg.TLS.Mode != config.TLSOff {
		scheme = "https"
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		ipPolicy: policy,
		fraud:    fraud.AllowAll{},
		dns:      dnsprovider.Noop{},
		certs:    tlsconfig.NewSelfSignedProvider(),
		scheme:   scheme,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		sessions:  make(map[string]*session),
		shutdownC: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Fraud != nil {
		ttl := time.Duration(cfg.Fraud.CacheTTL) * time.Second
		s.fraud = fraud.NewCached(s.fraud, ttl)
	}
	s.apex = s.apexRouter()
	return s, nil
}

// ServeHTTP is the single public entrypoint: control upgrades, the apex
// API, and tunnel dispatch all hang off the same listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := ipaccess.ClientIP(r.Header, r.RemoteAddr)

	if r.URL.Path == ControlPath {
		if !websocket.IsWebSocketUpgrade(r) {
			writeJSONError(w, http.StatusUpgradeRequired, "control endpoint requires a websocket upgrade")
			return
		}
		s.handleUpgrade(w, r, clientIP)
		return
	}

	if allowed, reason := s.ipPolicy.Allowed(clientIP); !allowed {
		s.log.Info().Msgf("Denied public request from %s: %s", clientIP, reason)
		writeJSONError(w, http.StatusForbidden, "Access denied")
		return
	}

	match := matchHost(r.Host, s.cfg.Domains)
	if match == nil {
		writeJSONError(w, http.StatusNotFound, "unknown host")
		return
	}
	if match.apex {
		s.apex.ServeHTTP(w, r)
		return
	}

	tun, ok := s.registry.LookupSubdomain(match.subdomain)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no tunnel registered for %q", match.subdomain))
		return
	}
	s.dispatch(w, r, tun, clientIP)
}

// handleUpgrade turns /_tunnel requests into agent sessions. Denied peers
// complete the upgrade so the policy-violation close code reaches them.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, clientIP string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Msgf("Control upgrade failed from %s: %s", clientIP, err)
		return
	}

	allowed, reason := s.ipPolicy.Allowed(clientIP)
	if allowed {
		if ok, err := s.fraud.Verify(clientIP, r.UserAgent()); err != nil {
			s.log.Warn().Msgf("Fraud check errored for %s: %s", clientIP, err)
		} else if !ok {
			allowed, reason = false, "flagged by fraud detection"
		}
	}
	if !allowed {
		s.log.Info().Msgf("Denied control channel from %s: %s", clientIP, reason)
		deadline := time.Now().Add(writeWait)
		frame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "access denied")
		_ = conn.WriteControl(websocket.CloseMessage, frame, deadline)
		_ = conn.Close()
		return
	}

	sess := newSession(s, conn, clientIP)
	s.addSession(sess)
	s.log.Info().Msgf("Agent connected from %s as session %s", clientIP, sess.id)
	go sess.run()
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	switch s.cfg.TLS.Mode {
	case config.TLSOff:
		s.log.Info().Msgf("Serving plain HTTP on %s", addr)
		g.Go(func() error { return serveUntilClosed(httpServer.ListenAndServe) })
	case config.TLSExternal:
		reloader, err := tlsconfig.NewCertReloaderFromFiles(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		s.startTLS(g, httpServer, reloader)
	case config.TLSSelfSigned, config.TLSACME:
		domains := s.certificateDomains()
		cert, err := s.certs.Obtain(domains)
		if err != nil {
			return errors.Wrap(err, "obtaining certificate")
		}
		reloader, err := tlsconfig.NewCertReloader(cert)
		if err != nil {
			return err
		}
		go tlsconfig.ScheduleRenewal(s.certs, domains, cert, reloader, s.shutdownC, func(err error) {
			s.log.Error().Msgf("Certificate renewal failed: %s", err)
		})
		s.startTLS(g, httpServer, reloader)
	default:
		return errors.Errorf("unknown tls mode %q", s.cfg.TLS.Mode)
	}

	g.Go(func() error {
		<-ctx.Done()
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

func (s *Server) startTLS(g *errgroup.Group, httpServer *http.Server, reloader *tlsconfig.CertReloader) {
	httpServer.TLSConfig = reloader.ServerConfig()
	s.log.Info().Msgf("Serving HTTPS on %s", httpServer.Addr)
	g.Go(func() error {
		return serveUntilClosed(func() error { return httpServer.ListenAndServeTLS("", "") })
	})

	// Port 80 answers HTTP-01 challenges and redirects everything else.
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + stripPort(r.Host) + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
	var handler http.Handler = redirect
	if solver, ok := s.certs.(tlsconfig.ChallengeSolver); ok {
		handler = solver.HTTPHandler(redirect)
	}
	redirectServer := &http.Server{
		Addr:              fmt.Sprintf("%s:80", s.cfg.Host),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return serveUntilClosed(redirectServer.ListenAndServe) })
	g.Go(func() error {
		<-s.shutdownC
		return redirectServer.Close()
	})
}

func serveUntilClosed(serve func() error) error {
	if err := serve(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) certificateDomains() []string {
	var domains []string
	for _, rule := range s.cfg.Domains {
		domains = append(domains, rule.Domain)
		if rule.BasePath != "" {
			domains = append(domains, rule.BasePath+"."+rule.Domain)
		}
	}
	return domains
}

// Shutdown closes every session; their teardown empties the registry.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.shutdownC)
		s.sessionsMu.RLock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessionsMu.RUnlock()
		for _, sess := range sessions {
			sess.close()
		}
	})
}

func (s *Server) addSession(sess *session) {
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

func (s *Server) sessionByID(id string) (*session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) sessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// dnsUpsert publishes the tunnel's hostname. Runs off the session loop.
func (s *Server) dnsUpsert(tun *tunnel.Tunnel) {
	name, ip := s.dnsRecord(tun)
	if ip == "" {
		return
	}
	if err := s.dns.Upsert(name, ip); err != nil {
		s.log.Warn().Msgf("DNS upsert for %s failed: %s", name, err)
	}
}

// dnsDelete retracts the tunnel's hostname. Runs off the session loop.
func (s *Server) dnsDelete(tun *tunnel.Tunnel) {
	name, ip := s.dnsRecord(tun)
	if ip == "" {
		return
	}
	if err := s.dns.Delete(name); err != nil {
		s.log.Warn().Msgf("DNS delete for %s failed: %s", name, err)
	}
}

func (s *Server) dnsRecord(tun *tunnel.Tunnel) (name, ip string) {
	if s.cfg.DNS == nil {
		return "", ""
	}
	rule := s.cfg.Domains[0]
	name = tun.Subdomain + "." + rule.Domain
	if rule.BasePath != "" {
		name = tun.Subdomain + "." + rule.BasePath + "." + rule.Domain
	}
	return name, s.cfg.DNS.PublicIP
}

// Registry exposes the tunnel index to the CLI and tests.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}
