package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the lead lifecycle. Every recorder
// is safe to call on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// Lead metrics
	leadsCreated     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	// Messaging metrics
	messages *prometheus.CounterVec
	intents  *prometheus.CounterVec

	// Scheduling metrics
	bookings *prometheus.CounterVec

	// Workflow metrics
	workflows        *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	activeWorkflows  prometheus.Gauge
	runnerTicks      *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		leadsCreated:     counter("leads_created_total", "Total number of leads created", "consent"),
		stateTransitions: counter("state_transitions_total", "Total number of lead state transitions", "from", "to", "trigger"),

		messages: counter("messages_total", "Total number of SMS messages by direction and status", "direction", "status"),
		intents:  counter("intents_total", "Total number of classified inbound intents", "intent"),

		bookings: counter("bookings_total", "Total number of appointment booking attempts", "result"),

		workflows: counter("workflows_total", "Total number of workflow executions finished", "status"),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow executions in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow"},
		),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workflows",
			Help:      "Current number of pending or running workflow executions",
		}),
		runnerTicks: counter("runner_ticks_total", "Total number of scheduled contact sweeps", "result"),

		providerCalls: counter("provider_calls_total", "Total number of provider calls", "provider", "operation"),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: counter("provider_errors_total", "Total number of provider errors", "provider", "operation"),

		errorsByClass: counter("errors_by_class_total", "Total number of errors by class", "class"),
		errorsByCode:  counter("errors_by_code_total", "Total number of errors by code", "code"),
	}

	collectors := []prometheus.Collector{
		m.leadsCreated, m.stateTransitions,
		m.messages, m.intents,
		m.bookings,
		m.workflows, m.workflowDuration, m.activeWorkflows, m.runnerTicks,
		m.providerCalls, m.providerDuration, m.providerErrors,
		m.errorsByClass, m.errorsByCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordLeadCreated counts a new lead, labelled by whether consent was verified at intake.
func (m *Metrics) RecordLeadCreated(consentVerified bool) {
	if m == nil || m.leadsCreated == nil {
		return
	}
	label := "pending"
	if consentVerified {
		label = "verified"
	}
	m.leadsCreated.WithLabelValues(label).Inc()
}

// RecordTransition counts an applied state transition.
func (m *Metrics) RecordTransition(from, to, trigger string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to, trigger).Inc()
}

// RecordMessage counts an SMS by direction (outbound, inbound) and status.
func (m *Metrics) RecordMessage(direction, status string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.WithLabelValues(direction, status).Inc()
}

// RecordIntent counts a classified inbound message.
func (m *Metrics) RecordIntent(intent string) {
	if m == nil || m.intents == nil {
		return
	}
	m.intents.WithLabelValues(intent).Inc()
}

// RecordBooking counts a booking attempt. Result is booked, unavailable or error.
func (m *Metrics) RecordBooking(result string) {
	if m == nil || m.bookings == nil {
		return
	}
	m.bookings.WithLabelValues(result).Inc()
}

// RecordWorkflow records a finished workflow execution.
func (m *Metrics) RecordWorkflow(workflow, status string, duration time.Duration) {
	if m == nil || m.workflows == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
	m.workflowDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// SetActiveWorkflows sets the current number of active workflow executions.
func (m *Metrics) SetActiveWorkflows(count float64) {
	if m == nil || m.activeWorkflows == nil {
		return
	}
	m.activeWorkflows.Set(count)
}

// RecordRunnerTick counts a scheduled contact sweep.
func (m *Metrics) RecordRunnerTick(err error) {
	if m == nil || m.runnerTicks == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.runnerTicks.WithLabelValues(result).Inc()
}

// RecordProviderCall records a provider call and its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a failed provider call.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
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

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ServeMetrics serves the metrics endpoint on the configured listen address
// until ctx is cancelled.
func (m *Metrics) ServeMetrics(ctx context.Context, logger *Logger) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("metrics server listening on %s%s", m.config.ListenAddress, m.config.Path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
