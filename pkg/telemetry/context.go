package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leadflow/leadflow/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry returns telemetry that discards logs and spans but still
// delivers events synchronously and records metrics on a private registry.
func NewNopTelemetry() *Telemetry {
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false

	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops the event publisher and flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

// Flush forces all pending spans to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// Operation is an in-flight traced and timed unit of work.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel      *Telemetry
	workflow string
}

// StartOperation begins a traced operation with a logger carrying trace ids.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)
	return t.newOperation(spanCtx, span, t.Logger.WithField("operation", operation), "")
}

// StartWorkflow begins a workflow execution scope: a span, a logger with
// lead and workflow fields, and a timer for the duration histogram.
func (t *Telemetry) StartWorkflow(ctx context.Context, workflow, workflowID, leadID string) *Operation {
	spanCtx, span := t.Tracer.StartWorkflowSpan(ctx, workflow, workflowID, leadID)
	logger := t.Logger.NewComponentLogger("orchestrator").
		WithLeadID(leadID).
		WithWorkflowID(workflowID).
		WithField("workflow", workflow)
	return t.newOperation(spanCtx, span, logger, workflow)
}

func (t *Telemetry) newOperation(ctx context.Context, span trace.Span, logger *Logger, workflow string) *Operation {
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return &Operation{
		Ctx:      logger.WithContext(ctx),
		Span:     span,
		Logger:   logger,
		Timer:    NewTimer(),
		tel:      t,
		workflow: workflow,
	}
}

// End finishes the operation. For workflow scopes the final status is
// recorded on the workflow metrics.
func (op *Operation) End(status string, err error) {
	if err != nil {
		RecordError(op.Span, err)
		op.tel.RecordError(err)
	} else {
		RecordSuccess(op.Span)
	}
	op.Span.End()

	if op.workflow != "" {
		op.tel.Metrics.RecordWorkflow(op.workflow, status, op.Timer.Duration())
	}
}

// RecordError counts err by its engine class and code.
func (t *Telemetry) RecordError(err error) {
	if err == nil {
		return
	}
	class := "unknown"
	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		class = string(engineErr.Class)
	}
	t.Metrics.RecordError(class, string(engine.CodeOf(err)))
}

// RecordProviderOperation runs fn inside a provider span and records call
// count, latency and errors.
func (t *Telemetry) RecordProviderOperation(ctx context.Context, providerName, operation string, fn func(ctx context.Context) error) error {
	ctx, span := t.Tracer.StartProviderSpan(ctx, providerName, operation)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordProviderCall(providerName, operation, timer.Duration())
	if err != nil {
		t.Metrics.RecordProviderError(providerName, operation)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
