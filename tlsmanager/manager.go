// Package tlsmanager builds the TLS configuration of the HTTP API, either from
// certificate files or with automatic Let's Encrypt certificates.
package tlsmanager

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/helpers"
	"github.com/migadu/imapauth/logger"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// ErrMissingServerName is returned when a handshake arrives without SNI while
// certificates are issued automatically.
var ErrMissingServerName = errors.New("missing server name")

const defaultCacheDir = "/var/lib/imapauth/certs"

// Manager owns the certificate source for one listener.
type Manager struct {
	provider    string
	autocertMgr *autocert.Manager
	tlsConfig   *tls.Config
}

// New creates a manager for the [api] TLS settings.
func New(cfg config.APIConfig) (*Manager, error) {
	if !cfg.TLS {
		return nil, fmt.Errorf("TLS is not enabled in configuration")
	}

	m := &Manager{provider: cfg.GetTLSProvider()}
	switch m.provider {
	case "file":
		if err := m.initFileProvider(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, fmt.Errorf("failed to initialize file provider: %w", err)
		}
	case "letsencrypt":
		if err := m.initLetsEncryptProvider(cfg.LetsEncrypt); err != nil {
			return nil, fmt.Errorf("failed to initialize Let's Encrypt provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", m.provider)
	}

	logger.Info("TLS manager initialized", "provider", m.provider)
	return m, nil
}

func (m *Manager) initFileProvider(certFile, keyFile string) error {
	if certFile == "" || keyFile == "" {
		return fmt.Errorf("tls_cert_file and tls_key_file are required for tls_provider='file'")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	m.tlsConfig = &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		NextProtos:    []string{"h2", "http/1.1"},
		Renegotiation: tls.RenegotiateNever,
	}
	logger.Info("Loaded TLS certificate from files", "cert", certFile, "key", keyFile)
	return nil
}

func (m *Manager) initLetsEncryptProvider(le *config.LetsEncryptConfig) error {
	if le == nil {
		return fmt.Errorf("[api.letsencrypt] is required for tls_provider='letsencrypt'")
	}
	if le.Email == "" {
		return fmt.Errorf("api.letsencrypt.email is required")
	}
	if len(le.Domains) == 0 {
		return fmt.Errorf("api.letsencrypt.domains is required and must not be empty")
	}

	cacheDir := le.CacheDir
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return fmt.Errorf("failed to create certificate cache directory %s: %w", cacheDir, err)
	}

	var renewBefore time.Duration
	if le.RenewBefore != "" {
		d, err := helpers.ParseDuration(le.RenewBefore)
		if err != nil {
			return fmt.Errorf("invalid renew_before duration: %w", err)
		}
		renewBefore = d
	}

	m.autocertMgr = &autocert.Manager{
		Prompt:      autocert.AcceptTOS,
		Email:       le.Email,
		HostPolicy:  autocert.HostWhitelist(le.Domains...),
		Cache:       autocert.DirCache(cacheDir),
		RenewBefore: renewBefore, // 0 = autocert default of 30 days
	}
	if le.DirectoryURL != "" {
		m.autocertMgr.Client = &acme.Client{DirectoryURL: le.DirectoryURL}
	}

	base := m.autocertMgr.TLSConfig()
	m.tlsConfig = &tls.Config{
		GetCertificate: m.getCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     base.NextProtos,
		Renegotiation:  tls.RenegotiateNever,
	}

	logger.Info("Let's Encrypt certificates enabled", "domains", le.Domains, "cache_dir", cacheDir)
	return nil
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, ErrMissingServerName
	}
	cert, err := m.autocertMgr.GetCertificate(hello)
	if err != nil {
		logger.Warn("Failed to obtain certificate", "server_name", hello.ServerName, "error", err)
		return nil, err
	}
	return cert, nil
}

// TLSConfig returns the configuration to hand to the listener.
func (m *Manager) TLSConfig() *tls.Config {
	return m.tlsConfig
}

// Provider returns "file" or "letsencrypt".
func (m *Manager) Provider() string {
	return m.provider
}
