// Package authapi exposes the provider operations to a host application over
// HTTP.
package authapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/imapauth/consts"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/health"
	"github.com/migadu/imapauth/pkg/metrics"
	"github.com/migadu/imapauth/provider"
	"github.com/migadu/imapauth/server/idgen"
	"golang.org/x/crypto/bcrypt"
)

const maxBodyBytes = 64 << 10

// HealthReporter supplies upstream reachability for the health endpoint.
type HealthReporter interface {
	Overall() health.ComponentStatus
	Components() map[string]health.ComponentState
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	apiKeyHash   string
	allowedHosts []string
	provider     provider.PrimaryProvider
	health       HealthReporter
	server       *http.Server
	tlsConfig    *tls.Config
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	APIKeyHash   string // bcrypt hash; checked instead of APIKey when set
	AllowedHosts []string
	TLS          bool
	TLSConfig    *tls.Config // required when TLS is set
	Health       HealthReporter // optional
}

// New creates a new HTTP API server
func New(p provider.PrimaryProvider, options ServerOptions) (*Server, error) {
	if options.APIKey == "" && options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(options.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if options.TLS && options.TLSConfig == nil {
		return nil, fmt.Errorf("TLS configuration is required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		apiKeyHash:   options.APIKeyHash,
		allowedHosts: options.AllowedHosts,
		provider:     p,
		health:       options.Health,
		tlsConfig:    options.TLSConfig,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Startup and serve
// errors are sent to errChan.
func Start(ctx context.Context, p provider.PrimaryProvider, options ServerOptions, errChan chan error) {
	server, err := New(p, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tlsConfig,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down API server", "error", err)
		}
	}()

	if s.tlsConfig != nil {
		return s.server.ListenAndServeTLS("", "")
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/requests", s.handleAuthenticationRequests).Methods("GET")
	v1.HandleFunc("/authenticate", s.handleAuthenticate).Methods("POST")
	v1.HandleFunc("/users/{username}/exists", s.handleUserExists).Methods("GET")

	// Unsupported operations answer with fixed results.
	v1.HandleFunc("/account-creation", s.handleAccountCreationType).Methods("GET")
	v1.HandleFunc("/account-creation", s.handleBeginAccountCreation).Methods("POST")
	v1.HandleFunc("/credentials/validate", s.handleValidateCredentialChange).Methods("POST")
	v1.HandleFunc("/credentials", s.handleChangeCredentials).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !idgen.Valid(id) {
			id = idgen.New()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), consts.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status/100)+"xx").Inc()
		logger.DebugContext(r.Context(), "API request", "method", r.Method, "route", route,
			"status", rec.status, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") && ip != nil {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
					allowed = true
					break
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.validAPIKey(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validAPIKey(token string) bool {
	if s.apiKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

// Utility functions

// getClientIP uses the socket peer only; forwarding headers are not trusted
// for the allowed-hosts check.
func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
