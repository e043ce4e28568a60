package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Existence probe metrics
var (
	ProbeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapauth_probe_results_total",
			Help: "Existence probe outcomes (exists, not_exists, unavailable)",
		},
		[]string{"result"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imapauth_probe_duration_seconds",
			Help:    "Duration of SMTP existence probes in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Login verification metrics
var (
	LoginResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapauth_login_results_total",
			Help: "IMAP login verification outcomes by failure stage",
		},
		[]string{"result"},
	)

	LoginDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imapauth_login_duration_seconds",
			Help:    "Duration of IMAP login verifications in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Provider metrics
var (
	Verdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapauth_verdicts_total",
			Help: "Verdicts returned to the host by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapauth_api_requests_total",
			Help: "HTTP API requests by route and status code class",
		},
		[]string{"route", "code"},
	)
)

// Upstream health, see pkg/health
var UpstreamHealth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "imapauth_upstream_health",
		Help: "Upstream reachability (2=healthy, 1=degraded, 0=unhealthy, -1=unknown)",
	},
	[]string{"component"},
)
