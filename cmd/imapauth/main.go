package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/errors"
	"github.com/migadu/imapauth/pkg/health"
	"github.com/migadu/imapauth/provider"
	"github.com/migadu/imapauth/server/authapi"
	"github.com/migadu/imapauth/tlsmanager"
	"github.com/migadu/imapauth/verifier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("imapauth version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "IMAPAUTH: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "IMAPAUTH: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("imapauth starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	p, err := provider.NewFromConfig(cfg)
	if err != nil {
		errorHandler.FatalError("initialize provider", err)
		os.Exit(errorHandler.WaitForExit())
	}
	logStartupSummary(cfg)

	var monitor *health.Monitor
	if cfg.Health.Enabled {
		monitor = newUpstreamMonitor(cfg)
		monitor.Start(ctx)
		defer monitor.Stop()
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	if cfg.API.Start {
		wg.Add(1)
		opts := authapi.ServerOptions{
			Addr:         cfg.API.Addr,
			APIKey:       cfg.API.APIKey,
			APIKeyHash:   cfg.API.APIKeyHash,
			AllowedHosts: cfg.API.AllowedHosts,
			TLS:          cfg.API.TLS,
		}
		if cfg.API.TLS {
			tlsMgr, err := tlsmanager.New(cfg.API)
			if err != nil {
				errorHandler.FatalError("initialize API TLS", err)
				os.Exit(errorHandler.WaitForExit())
			}
			opts.TLSConfig = tlsMgr.TLSConfig()
		}
		if monitor != nil {
			opts.Health = monitor
		}
		go func() {
			defer wg.Done()
			authapi.Start(ctx, p, opts, errChan)
		}()
	}

	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startMetricsServer(ctx, cfg.Metrics, errChan)
		}()
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("All servers stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("Server shutdown timeout reached after 10 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it. A
// missing default config file falls back to the built-in defaults.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if !cfg.API.Start && !cfg.Metrics.Enabled {
		errorHandler.ValidationError("servers", fmt.Errorf("neither [api] nor [metrics] is enabled; nothing to serve"))
		os.Exit(errorHandler.WaitForExit())
	}
}

func logStartupSummary(cfg config.Config) {
	if desc, err := verifier.DescriptorFromConfig(cfg.Mailbox); err == nil {
		logger.Info("Mailbox server", "descriptor", desc.String(), "mechanism", cfg.Mailbox.GetAuthMechanism())
		if !desc.VerifyCert && desc.Security != verifier.SecurityNone {
			logger.Warn("Mailbox server certificate is not validated")
		}
	}
	if addr, err := cfg.SMTPProbe.Addr(); err == nil {
		logger.Info("Mail-transfer server for existence checks", "addr", addr,
			"policy", "users are reported as existing while the server is unreachable")
	}
}

// newUpstreamMonitor registers reachability checks for both upstream servers.
// Config has been validated, so parse errors cannot occur here.
func newUpstreamMonitor(cfg config.Config) *health.Monitor {
	interval, _ := cfg.Health.GetInterval()
	timeout, _ := cfg.Health.GetTimeout()

	m := health.NewMonitor()
	if desc, err := verifier.DescriptorFromConfig(cfg.Mailbox); err == nil {
		m.Register(health.DialCheck("mailbox", desc.Addr(), interval, timeout))
	}
	if addr, err := cfg.SMTPProbe.Addr(); err == nil {
		m.Register(health.DialCheck("smtp_probe", addr, interval, timeout))
	}
	return m
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Starting metrics server", "addr", cfg.Addr, "path", cfg.GetPath())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
