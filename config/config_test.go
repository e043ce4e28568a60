package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func validConfig() Config {
	cfg := NewDefaultConfig()
	cfg.API.APIKey = "secret-key"
	return cfg
}

func TestNewDefaultConfig_IsValidOnceKeyed(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	port, err := cfg.Mailbox.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 143, port)

	timeout, err := cfg.SMTPProbe.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	ioTimeout, err := cfg.SMTPProbe.GetIOTimeout()
	require.NoError(t, err)
	assert.Equal(t, timeout, ioTimeout, "io timeout falls back to connect timeout")

	assert.Equal(t, "hi", cfg.SMTPProbe.GetHeloName())
	assert.Equal(t, "user@request.com", cfg.SMTPProbe.GetMailFrom())
	assert.Equal(t, "login", cfg.Mailbox.GetAuthMechanism())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "debug"
hash_usernames = true

[mailbox]
host = " imap.example.org "
port = 993
enforce_ssl = true
verify_cert = false
timeout = "10s"

[smtp_probe]
host = "mx.example.org"
port = "2525"
connect_timeout = "5s"

[identity]
default_domain = "example.org"

[api]
api_key = "k"
allowed_hosts = [" 10.0.0.0/8 "]
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.HashUsernames)
	assert.Equal(t, "imap.example.org", cfg.Mailbox.Host, "strings are trimmed")
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.API.AllowedHosts)
	assert.True(t, cfg.Mailbox.EnforceSSL)
	assert.False(t, cfg.Mailbox.VerifyCert)

	port, err := cfg.Mailbox.GetPort()
	require.NoError(t, err)
	assert.Equal(t, 993, port)

	addr, err := cfg.SMTPProbe.Addr()
	require.NoError(t, err)
	assert.Equal(t, "mx.example.org:2525", addr)

	timeout, err := cfg.Mailbox.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)

	// Defaults not present in the file survive.
	assert.Equal(t, "hi", cfg.SMTPProbe.GetHeloName())
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfigFromFile_UnknownKeysAreNotFatal(t *testing.T) {
	path := writeConfig(t, `
[mailbox]
host = "imap.example.org"
typo_setting = 123
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, "imap.example.org", cfg.Mailbox.Host)
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[mailbox]
host = "first.example.org"
host = "second.example.org"
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, "first.example.org", cfg.Mailbox.Host)
}

func TestLoadConfigFromFile_SyntaxErrorHint(t *testing.T) {
	path := writeConfig(t, `
[mailbox]
enforce_ssl = f
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveDuplicateKeysFromTOML(t *testing.T) {
	cleaned := removeDuplicateKeysFromTOML(`
[mailbox]
port = 143
port = 993

[smtp_probe]
port = 25
`)
	assert.Contains(t, cleaned, "# DUPLICATE IGNORED: port = 993")
	assert.Contains(t, cleaned, "port = 25", "same key in another table is kept")
	assert.Equal(t, 1, strings.Count(cleaned, "DUPLICATE IGNORED"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing mailbox host",
			mutate:  func(c *Config) { c.Mailbox.Host = "" },
			wantErr: "mailbox.host is required",
		},
		{
			name:   "descriptor replaces host",
			mutate: func(c *Config) { c.Mailbox.Host = ""; c.Mailbox.Descriptor = "{imap.example.org:993}/imap/ssl" },
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Mailbox.Port = int64(70000) },
			wantErr: "out of the valid range",
		},
		{
			name:    "port zero",
			mutate:  func(c *Config) { c.SMTPProbe.Port = 0 },
			wantErr: "out of the valid range",
		},
		{
			name:    "port not numeric",
			mutate:  func(c *Config) { c.SMTPProbe.Port = "smtp" },
			wantErr: "invalid string for smtp_probe.port",
		},
		{
			name:   "both tls flags resolve to ssl",
			mutate: func(c *Config) { c.Mailbox.EnforceSSL = true; c.Mailbox.EnforceTLS = true },
		},
		{
			name: "both tls flags rejected in strict mode",
			mutate: func(c *Config) {
				c.Mailbox.EnforceSSL = true
				c.Mailbox.EnforceTLS = true
				c.Mailbox.StrictSecurity = true
			},
			wantErr: "both set",
		},
		{
			name:    "bad mechanism",
			mutate:  func(c *Config) { c.Mailbox.AuthMechanism = "cram-md5" },
			wantErr: "auth_mechanism",
		},
		{
			name:    "bad timeout",
			mutate:  func(c *Config) { c.SMTPProbe.ConnectTimeout = "soon" },
			wantErr: "smtp_probe.connect_timeout",
		},
		{
			name:    "multi-line helo",
			mutate:  func(c *Config) { c.SMTPProbe.HeloName = "hi\r\nRSET" },
			wantErr: "single-line",
		},
		{
			name:    "bad identity mode",
			mutate:  func(c *Config) { c.Identity.Mode = "ldap" },
			wantErr: "identity.mode",
		},
		{
			name:    "api without key",
			mutate:  func(c *Config) { c.API.APIKey = "" },
			wantErr: "api_key",
		},
		{
			name:   "api key hash is enough",
			mutate: func(c *Config) { c.API.APIKey = ""; c.API.APIKeyHash = "$2a$10$abc" },
		},
		{
			name:    "api tls without files",
			mutate:  func(c *Config) { c.API.TLS = true },
			wantErr: "tls_cert_file",
		},
		{
			name:    "bad health interval",
			mutate:  func(c *Config) { c.Health.Enabled = true; c.Health.Interval = "often" },
			wantErr: "health.interval",
		},
		{
			name:   "health interval ignored while disabled",
			mutate: func(c *Config) { c.Health.Interval = "often" },
		},
		{
			name:    "letsencrypt without domains",
			mutate:  func(c *Config) { c.API.TLS = true; c.API.TLSProvider = "letsencrypt" },
			wantErr: "api.letsencrypt",
		},
		{
			name: "letsencrypt complete",
			mutate: func(c *Config) {
				c.API.TLS = true
				c.API.TLSProvider = "letsencrypt"
				c.API.LetsEncrypt = &LetsEncryptConfig{Email: "ops@example.org", Domains: []string{"auth.example.org"}}
			},
		},
		{
			name:    "unknown tls provider",
			mutate:  func(c *Config) { c.API.TLS = true; c.API.TLSProvider = "vault" },
			wantErr: "api.tls_provider",
		},
		{
			name:   "api disabled needs no key",
			mutate: func(c *Config) { c.API.Start = false; c.API.APIKey = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
