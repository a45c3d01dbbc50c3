// Package config reads and validates the YAML configuration for the
// server and the agent.
package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"

	"github.com/overpass-net/overpass/ipaccess"
	"github.com/overpass-net/overpass/tunnel"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read
	// configuration when no --config flag is given.
	DefaultConfigFiles = []string{"overpass.yml", "overpass.yaml"}

	defaultConfigDirs = []string{"~/.overpass", "/etc/overpass"}
)

const (
	DefaultBasePath    = "op"
	DefaultPortMin     = 10000
	DefaultPortMax     = 20000
	DefaultMaxBodySize = 10 << 20 // 10 MiB
	DefaultFraudTTL    = 300     // seconds
)

// DomainRule is one (domain, basePath) pair the HTTP dispatcher matches
// hosts against, in order.
type DomainRule struct {
	Domain string `yaml:"domain"`
	// BasePath is the fixed label between the subdomain and the domain.
	// Empty means direct subdomains (dynamic-DNS style hosts).
	BasePath string `yaml:"basePath"`
	Wildcard bool   `yaml:"wildcard"`
}

// PortRange is the closed range public TCP ports are allocated from.
type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// AuthConfig controls control-channel authentication.
type AuthConfig struct {
	Required bool     `yaml:"required"`
	Tokens   []string `yaml:"tokens"`
}

// IPAccessConfig configures the IP filter.
type IPAccessConfig struct {
	Mode      ipaccess.Mode `yaml:"mode"`
	AllowList []string      `yaml:"allowList"`
	DenyList  []string      `yaml:"denyList"`
}

// TLSMode selects how the public listener terminates TLS.
type TLSMode string

const (
	TLSOff        TLSMode = ""
	TLSExternal   TLSMode = "external"
	TLSSelfSigned TLSMode = "self-signed"
	TLSACME       TLSMode = "acme"
)

// TLSConfig configures the public listener's TLS mode.
type TLSConfig struct {
	Mode TLSMode `yaml:"mode"`
	// External certificate and key, PEM, used when Mode is "external".
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
	// ACME settings, used when Mode is "acme".
	Email      string `yaml:"email"`
	Production bool   `yaml:"production"`
	// Challenge provider token for DNS-01, when the provider needs one.
	ChallengeToken string `yaml:"challengeToken"`
}

// DNSConfig configures the optional DNS provider integration.
type DNSConfig struct {
	Provider string `yaml:"provider"`
	APIToken string `yaml:"apiToken"`
	// PublicIP is the address upserted for tunnel records.
	PublicIP string `yaml:"publicIp"`
}

// FraudConfig configures the optional pre-auth fraud predicate.
type FraudConfig struct {
	APIKey     string `yaml:"apiKey"`
	BlockBots  bool   `yaml:"blockBots"`
	BlockProxy bool   `yaml:"blockProxy"`
	// CacheTTL is in seconds; default 300.
	CacheTTL int `yaml:"cacheTtl"`
}

// ServerConfig is the server's recognized configuration surface.
type ServerConfig struct {
	Port int `yaml:"port"`
	// PublicPort is the port shown in public URLs when it differs from
	// the bind port (e.g. behind a load balancer).
	PublicPort int    `yaml:"publicPort"`
	Host       string `yaml:"host"`

	Domain   string       `yaml:"domain"`
	Domains  []DomainRule `yaml:"domains"`
	BasePath string       `yaml:"basePath"`

	TunnelPortRange PortRange      `yaml:"tunnelPortRange"`
	Auth            AuthConfig     `yaml:"auth"`
	IPAccess        IPAccessConfig `yaml:"ipAccess"`
	TLS             TLSConfig      `yaml:"tls"`
	DNS             *DNSConfig     `yaml:"dns"`
	Fraud           *FraudConfig   `yaml:"fraud"`

	MaxBodySize int64  `yaml:"maxBodySize"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	LogFile     string `yaml:"logFile"`
}

// AgentConfig is the agent's recognized configuration surface.
type AgentConfig struct {
	ServerURL string `yaml:"serverUrl"`
	Token     string `yaml:"token"`
	// Reconnect defaults to true.
	Reconnect *bool `yaml:"reconnect"`
	// RejectUnauthorized controls TLS verification of the server and of
	// HTTPS origins. Defaults to true.
	RejectUnauthorized *bool `yaml:"rejectUnauthorized"`

	Tunnels []tunnel.Config `yaml:"tunnels"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

// ApplyDefaults fills in the documented defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.PublicPort == 0 {
		c.PublicPort = c.Port
	}
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.TunnelPortRange.Min == 0 {
		c.TunnelPortRange.Min = DefaultPortMin
	}
	if c.TunnelPortRange.Max == 0 {
		c.TunnelPortRange.Max = DefaultPortMax
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.Fraud != nil && c.Fraud.CacheTTL == 0 {
		c.Fraud.CacheTTL = DefaultFraudTTL
	}
	if len(c.Domains) == 0 && c.Domain != "" {
		c.Domains = []DomainRule{{Domain: c.Domain, BasePath: c.BasePath, Wildcard: true}}
	}
}

// Validate rejects configurations the server cannot serve.
func (c *ServerConfig) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("at least one domain must be configured")
	}
	if c.TunnelPortRange.Min > c.TunnelPortRange.Max {
		return errors.Errorf("invalid tunnelPortRange [%d, %d]",
			c.TunnelPortRange.Min, c.TunnelPortRange.Max)
	}
	if c.Auth.Required && len(c.Auth.Tokens) == 0 {
		return errors.New("auth.required is set but auth.tokens is empty")
	}
	if c.TLS.Mode == TLSExternal && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls mode external needs certFile and keyFile")
	}
	return nil
}

// ApplyDefaults fills in the agent defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.Reconnect == nil {
		v := true
		c.Reconnect = &v
	}
	if c.RejectUnauthorized == nil {
		v := true
		c.RejectUnauthorized = &v
	}
	for i := range c.Tunnels {
		if c.Tunnels[i].LocalHost == "" {
			c.Tunnels[i].LocalHost = "127.0.0.1"
		}
	}
}

// Validate rejects configurations the agent cannot run.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("serverUrl must be configured")
	}
	if len(c.Tunnels) == 0 {
		return errors.New("at least one tunnel must be configured")
	}
	return nil
}

// ReadServerConfig loads, defaults and validates a server config file.
func ReadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadAgentConfig loads, defaults and validates an agent config file.
func ReadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readYAML(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(b, out); err != nil {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	return nil
}

// FindDefaultConfigPath searches the conventional locations for a config
// file and returns the first that exists, or empty.
func FindDefaultConfigPath() string {
	for _, dir := range defaultConfigDirs {
		expanded, err := homedir.Expand(dir)
		if err != nil {
			continue
		}
		for _, name := range DefaultConfigFiles {
			path := filepath.Join(expanded, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
