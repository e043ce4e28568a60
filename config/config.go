package config

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/imapauth/helpers"
)

// Endpoint is a dialable server address.
type Endpoint struct {
	Host string
	Port int
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output        string `toml:"output"`         // Log output: "stderr", "stdout", "syslog", or file path
	Format        string `toml:"format"`         // Log format: "json" or "console"
	Level         string `toml:"level"`          // Log level: "debug", "info", "warn", "error"
	HashUsernames bool   `toml:"hash_usernames"` // Log blake3 fingerprints instead of usernames
	MaskUsernames bool   `toml:"mask_usernames"` // Log "a****@example.org" instead of usernames
}

// MailboxConfig describes the IMAP server used to confirm passwords.
//
// The server can be given either as individual fields or as a single
// connection descriptor such as "{imap.example.org:993}/imap/ssl/validate-cert".
// When a descriptor is set it takes precedence over host, port and the
// security flags.
type MailboxConfig struct {
	Descriptor     string      `toml:"descriptor"`      // Optional connection descriptor
	Host           string      `toml:"host"`            // IMAP server host
	Port           interface{} `toml:"port"`            // IMAP server port, string or integer
	EnforceSSL     bool        `toml:"enforce_ssl"`     // Implicit TLS from the first byte (usually port 993)
	EnforceTLS     bool        `toml:"enforce_tls"`     // Plaintext connect, then STARTTLS
	VerifyCert     bool        `toml:"verify_cert"`     // Validate the server certificate chain and name
	StrictSecurity bool        `toml:"strict_security"` // Refuse to start when both enforce_ssl and enforce_tls are set
	Timeout        string      `toml:"timeout"`         // Bound on a whole login attempt (default: "30s")
	AuthMechanism  string      `toml:"auth_mechanism"`  // "login" (default) or "plain"
}

// SMTPProbeConfig describes the mail-transfer server used for existence probes.
//
// When the server cannot be reached the probe reports the user as existing.
// This favors availability: a mail-transfer server that is down makes every
// user look present to existence queries. Integrators who need strict
// negative answers must monitor imapauth_probe_results_total{result="unavailable"}.
type SMTPProbeConfig struct {
	Host           string      `toml:"host"`
	Port           interface{} `toml:"port"`
	ConnectTimeout string      `toml:"connect_timeout"` // default: "30s"
	IOTimeout      string      `toml:"io_timeout"`      // default: same as connect_timeout
	HeloName       string      `toml:"helo_name"`       // default: "hi"
	MailFrom       string      `toml:"mail_from"`       // default: "user@request.com"
}

// IdentityConfig controls how submitted usernames are canonicalized.
type IdentityConfig struct {
	Mode          string `toml:"mode"`           // "address" (default) or "passthrough"
	DefaultDomain string `toml:"default_domain"` // Appended to bare local parts in address mode
	RequireDomain bool   `toml:"require_domain"` // Reject bare local parts when no default domain is set
	StripDetail   bool   `toml:"strip_detail"`   // Drop "+detail" from the local part
}

// APIConfig holds the host integration HTTP API configuration.
type APIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`       // Plain bearer token
	APIKeyHash   string   `toml:"api_key_hash"`  // bcrypt hash of the bearer token, used instead of api_key
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	TLS          bool     `toml:"tls"`
	TLSProvider  string   `toml:"tls_provider"` // "file" (default) or "letsencrypt"
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`

	LetsEncrypt *LetsEncryptConfig `toml:"letsencrypt"`
}

// LetsEncryptConfig holds automatic certificate settings for the API.
type LetsEncryptConfig struct {
	Email        string   `toml:"email"`
	Domains      []string `toml:"domains"`
	CacheDir     string   `toml:"cache_dir"`     // default: "/var/lib/imapauth/certs"
	RenewBefore  string   `toml:"renew_before"`  // default: 30 days
	DirectoryURL string   `toml:"directory_url"` // ACME directory, default Let's Encrypt production
}

// HealthConfig controls the background reachability checks of the mailbox
// and mail-transfer servers. Check results are informational only.
type HealthConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // default: "30s"
	Timeout  string `toml:"timeout"`  // default: "5s"
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Mailbox   MailboxConfig   `toml:"mailbox"`
	SMTPProbe SMTPProbeConfig `toml:"smtp_probe"`
	Identity  IdentityConfig  `toml:"identity"`
	API       APIConfig       `toml:"api"`
	Health    HealthConfig    `toml:"health"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Mailbox: MailboxConfig{
			Host:          "localhost",
			Port:          143,
			VerifyCert:    true,
			Timeout:       "30s",
			AuthMechanism: "login",
		},
		SMTPProbe: SMTPProbeConfig{
			Host:           "localhost",
			Port:           25,
			ConnectTimeout: "30s",
			HeloName:       "hi",
			MailFrom:       "user@request.com",
		},
		Identity: IdentityConfig{
			Mode: "address",
		},
		API: APIConfig{
			Start: true,
			Addr:  "127.0.0.1:8025",
		},
		Health: HealthConfig{
			Enabled:  false,
			Interval: "30s",
			Timeout:  "5s",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9025",
			Path:    "/metrics",
		},
	}
}

// parsePort accepts the string or integer forms TOML users write for ports.
func parsePort(v interface{}, key string) (int, error) {
	var p int64
	var err error
	switch v := v.(type) {
	case nil:
		return 0, fmt.Errorf("%s is not configured", key)
	case string:
		if v == "" {
			return 0, fmt.Errorf("%s is not configured", key)
		}
		p, err = strconv.ParseInt(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid string for %s: %q", key, v)
		}
	case int:
		p = int64(v)
	case int64: // TOML parsers often use int64 for numbers
		p = v
	default:
		return 0, fmt.Errorf("invalid type for %s: %T", key, v)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%s number %d is out of the valid range (1-65535)", key, p)
	}
	return int(p), nil
}

// GetPort parses the mailbox server port.
func (m *MailboxConfig) GetPort() (int, error) {
	return parsePort(m.Port, "mailbox.port")
}

// Endpoint returns the configured mailbox server address.
func (m *MailboxConfig) Endpoint() (Endpoint, error) {
	port, err := m.GetPort()
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: m.Host, Port: port}, nil
}

// GetTimeout parses the login attempt timeout.
func (m *MailboxConfig) GetTimeout() (time.Duration, error) {
	if m.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(m.Timeout)
}

// GetAuthMechanism returns the normalized authentication mechanism.
func (m *MailboxConfig) GetAuthMechanism() string {
	if m.AuthMechanism == "" {
		return "login"
	}
	return strings.ToLower(m.AuthMechanism)
}

// HasConflictingSecurity reports whether both implicit and explicit TLS are
// requested. Implicit TLS wins in that case.
func (m *MailboxConfig) HasConflictingSecurity() bool {
	return m.EnforceSSL && m.EnforceTLS
}

// GetPort parses the mail-transfer server port.
func (s *SMTPProbeConfig) GetPort() (int, error) {
	return parsePort(s.Port, "smtp_probe.port")
}

// Endpoint returns the configured mail-transfer server address.
func (s *SMTPProbeConfig) Endpoint() (Endpoint, error) {
	port, err := s.GetPort()
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: s.Host, Port: port}, nil
}

// Addr returns the dialable host:port of the mail-transfer server.
func (s *SMTPProbeConfig) Addr() (string, error) {
	ep, err := s.Endpoint()
	if err != nil {
		return "", err
	}
	return ep.Addr(), nil
}

// GetConnectTimeout parses the connect timeout.
func (s *SMTPProbeConfig) GetConnectTimeout() (time.Duration, error) {
	if s.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectTimeout)
}

// GetIOTimeout parses the timeout applied to the command exchange. It falls
// back to the connect timeout.
func (s *SMTPProbeConfig) GetIOTimeout() (time.Duration, error) {
	if s.IOTimeout == "" {
		return s.GetConnectTimeout()
	}
	return helpers.ParseDuration(s.IOTimeout)
}

// GetHeloName returns the HELO argument.
func (s *SMTPProbeConfig) GetHeloName() string {
	if s.HeloName == "" {
		return "hi"
	}
	return s.HeloName
}

// GetMailFrom returns the envelope sender used to reach the recipient stage.
func (s *SMTPProbeConfig) GetMailFrom() string {
	if s.MailFrom == "" {
		return "user@request.com"
	}
	return s.MailFrom
}

// GetMode returns the normalized identity mode.
func (i *IdentityConfig) GetMode() string {
	if i.Mode == "" {
		return "address"
	}
	return strings.ToLower(i.Mode)
}

// GetTLSProvider returns the normalized certificate source.
func (a *APIConfig) GetTLSProvider() string {
	if a.TLSProvider == "" {
		return "file"
	}
	return strings.ToLower(a.TLSProvider)
}

// GetInterval parses the health check interval.
func (h *HealthConfig) GetInterval() (time.Duration, error) {
	if h.Interval == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(h.Interval)
}

// GetTimeout parses the per-check timeout.
func (h *HealthConfig) GetTimeout() (time.Duration, error) {
	if h.Timeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(h.Timeout)
}

// GetPath returns the metrics path with default.
func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Validate checks the configuration for errors that would make the service
// unusable. Ambiguities that have a defined resolution are logged instead.
func (c *Config) Validate() error {
	if c.Mailbox.Descriptor == "" {
		if c.Mailbox.Host == "" {
			return fmt.Errorf("mailbox.host is required")
		}
		if _, err := c.Mailbox.GetPort(); err != nil {
			return err
		}
		if c.Mailbox.HasConflictingSecurity() {
			if c.Mailbox.StrictSecurity {
				return fmt.Errorf("mailbox.enforce_ssl and mailbox.enforce_tls are both set; choose one")
			}
			log.Printf("WARNING: mailbox.enforce_ssl and mailbox.enforce_tls are both set; using implicit TLS (ssl)")
		}
	}
	if _, err := c.Mailbox.GetTimeout(); err != nil {
		return fmt.Errorf("mailbox.timeout: %w", err)
	}
	switch c.Mailbox.GetAuthMechanism() {
	case "login", "plain":
	default:
		return fmt.Errorf("invalid mailbox.auth_mechanism '%s', must be one of: login, plain", c.Mailbox.AuthMechanism)
	}

	if c.SMTPProbe.Host == "" {
		return fmt.Errorf("smtp_probe.host is required")
	}
	if _, err := c.SMTPProbe.GetPort(); err != nil {
		return err
	}
	if _, err := c.SMTPProbe.GetConnectTimeout(); err != nil {
		return fmt.Errorf("smtp_probe.connect_timeout: %w", err)
	}
	if _, err := c.SMTPProbe.GetIOTimeout(); err != nil {
		return fmt.Errorf("smtp_probe.io_timeout: %w", err)
	}
	if strings.ContainsAny(c.SMTPProbe.GetHeloName()+c.SMTPProbe.GetMailFrom(), "\r\n") {
		return fmt.Errorf("smtp_probe.helo_name and smtp_probe.mail_from must be single-line values")
	}

	switch c.Identity.GetMode() {
	case "address", "passthrough":
	default:
		return fmt.Errorf("invalid identity.mode '%s', must be one of: address, passthrough", c.Identity.Mode)
	}

	if c.API.Start {
		if c.API.Addr == "" {
			return fmt.Errorf("api.addr is required when the API is started")
		}
		if c.API.APIKey == "" && c.API.APIKeyHash == "" {
			return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is started")
		}
		if c.API.TLS {
			switch c.API.GetTLSProvider() {
			case "file":
				if c.API.TLSCertFile == "" || c.API.TLSKeyFile == "" {
					return fmt.Errorf("api.tls_cert_file and api.tls_key_file are required when api.tls is enabled")
				}
			case "letsencrypt":
				if c.API.LetsEncrypt == nil || c.API.LetsEncrypt.Email == "" || len(c.API.LetsEncrypt.Domains) == 0 {
					return fmt.Errorf("api.letsencrypt.email and api.letsencrypt.domains are required for tls_provider='letsencrypt'")
				}
			default:
				return fmt.Errorf("invalid api.tls_provider '%s', must be one of: file, letsencrypt", c.API.TLSProvider)
			}
		}
	}

	if c.Health.Enabled {
		if _, err := c.Health.GetInterval(); err != nil {
			return fmt.Errorf("health.interval: %w", err)
		}
		if _, err := c.Health.GetTimeout(); err != nil {
			return fmt.Errorf("health.timeout: %w", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}
