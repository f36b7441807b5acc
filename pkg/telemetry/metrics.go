package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the integrator.
type Metrics struct {
	config MetricsConfig

	// Scan metrics
	scansStarted  *prometheus.CounterVec
	scansFinished *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	activeScans   prometheus.Gauge

	// Approval metrics
	approvalDecisions *prometheus.CounterVec

	// Installation metrics
	installationChecks *prometheus.CounterVec
	connectionTests    *prometheus.CounterVec

	// Process metrics
	stageTransitions *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		scansStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_started_total",
				Help:      "Total number of scan jobs started",
			},
			[]string{"provider", "forced"},
		),
		scansFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_finished_total",
				Help:      "Total number of scan jobs that reached a terminal state",
			},
			[]string{"provider", "status"},
		),
		scanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Duration of scan jobs in seconds",
				Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		activeScans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_scans",
				Help:      "Current number of running scan jobs",
			},
		),

		approvalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Total number of approval request outcomes",
			},
			[]string{"result"},
		),

		installationChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "installation_checks_total",
				Help:      "Total number of installation checks by resulting status",
			},
			[]string{"provider", "status"},
		),
		connectionTests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_tests_total",
				Help:      "Total number of connection test runs",
			},
			[]string{"provider", "status"},
		),

		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Total number of process status transitions",
			},
			[]string{"from", "to"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.scansStarted,
		m.scansFinished,
		m.scanDuration,
		m.activeScans,
		m.approvalDecisions,
		m.installationChecks,
		m.connectionTests,
		m.stageTransitions,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

// Scan Metrics

// RecordScanStarted increments the counter for started scans.
func (m *Metrics) RecordScanStarted(provider string, forced bool) {
	if m.scansStarted == nil {
		return
	}
	m.scansStarted.WithLabelValues(provider, strconv.FormatBool(forced)).Inc()
	m.activeScans.Inc()
}

// RecordScanFinished records a scan reaching a terminal state.
func (m *Metrics) RecordScanFinished(provider, status string, duration time.Duration) {
	if m.scansFinished == nil {
		return
	}
	m.scansFinished.WithLabelValues(provider, status).Inc()
	m.scanDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.activeScans.Dec()
}

// Approval Metrics

// RecordApprovalDecision records a request outcome (pending, auto_approved,
// approved, rejected, cancelled).
func (m *Metrics) RecordApprovalDecision(result string) {
	if m.approvalDecisions == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(result).Inc()
}

// Installation Metrics

// RecordInstallationCheck records the installation status after a check.
func (m *Metrics) RecordInstallationCheck(provider, status string) {
	if m.installationChecks == nil {
		return
	}
	m.installationChecks.WithLabelValues(provider, status).Inc()
}

// RecordConnectionTest records the outcome of a connection test run.
func (m *Metrics) RecordConnectionTest(provider, status string) {
	if m.connectionTests == nil {
		return
	}
	m.connectionTests.WithLabelValues(provider, status).Inc()
}

// RecordStageTransition records a change of process status.
func (m *Metrics) RecordStageTransition(from, to string) {
	if m.stageTransitions == nil || from == to {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// HTTP Metrics

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m.httpRequests == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the registry on the configured listen address until ctx is
// done. It returns immediately when no listen address is configured.
func (m *Metrics) Serve(ctx context.Context) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
