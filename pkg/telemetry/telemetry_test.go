package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/leadflow/leadflow/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"async without buffer", func(c *Config) { c.Events.EnableAsync = true; c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("channel").
		WithLeadID("lead-1").
		WithWorkflowID("wf-1").
		WithProvider("mock").
		Info("message sent")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	want := map[string]string{
		"component":   "channel",
		"lead_id":     "lead-1",
		"workflow_id": "wf-1",
		"provider":    "mock",
		"message":     "message sent",
		"level":       "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("dropped")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn line missing")
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	logger := NewNopLogger().WithLeadID("lead-1")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected logger from context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected fallback logger")
	}
}

func TestEventPublisher_SyncOrdering(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	types := []string{
		EventTypeMessageReceived,
		EventTypeLeadStateChanged,
		EventTypeAppointmentProposed,
		EventTypeMessageSent,
	}
	for _, typ := range types {
		if err := ep.PublishLeadEvent(typ, "lead-1", "", nil); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	if fmt.Sprint(got) != fmt.Sprint(types) {
		t.Errorf("delivery order = %v, want %v", got, types)
	}
}

func TestEventPublisher_AsyncPreservesOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 256})
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu  sync.Mutex
		got []int
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data["seq"].(int))
	}, nil)

	const n = 100
	for i := 0; i < n; i++ {
		if err := ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "", map[string]interface{}{"seq": i}); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d events, got %d", n, len(got))
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("event %d delivered out of order (seq %d)", i, seq)
		}
	}

	if err := ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "", nil); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestEventPublisher_FiltersAndUnsubscribe(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})

	var forLead, errorsOnly, all int
	ep.Subscribe(func(Event) { forLead++ }, FilterByLeadID("lead-1"))
	ep.Subscribe(func(Event) { errorsOnly++ }, FilterByLevel(EventLevelError))
	unsubscribe := ep.Subscribe(func(Event) { all++ }, FilterByType(EventTypeMessageSent, EventTypeMessageFailed))

	_ = ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "", nil)
	_ = ep.PublishLeadEvent(EventTypeMessageFailed, "lead-2", "", nil)
	unsubscribe()
	_ = ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "", nil)

	if forLead != 2 {
		t.Errorf("lead filter delivered %d events, want 2", forLead)
	}
	if errorsOnly != 1 {
		t.Errorf("level filter delivered %d events, want 1", errorsOnly)
	}
	if all != 2 {
		t.Errorf("unsubscribed subscriber got %d events, want 2", all)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.PublishLeadEvent(EventTypeLeadCreated, "lead-1", "", nil); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("disabled publisher should not deliver")
	}
}

func TestPublishStateChanged(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	var got Event
	ep.Subscribe(func(e Event) { got = e }, nil)

	at := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	err := ep.PublishStateChanged("lead-1", "wf-1", &engine.StateChange{
		From:      engine.StateAwaitingResponse,
		To:        engine.StateOptedOut,
		Trigger:   engine.TriggerOptOut,
		Timestamp: at,
		Metadata:  map[string]string{"forced": "true"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got.Type != EventTypeLeadStateChanged || got.WorkflowID != "wf-1" || !got.Timestamp.Equal(at) {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Data["to"] != "opted_out" || got.Data["forced"] != true {
		t.Errorf("unexpected data: %+v", got.Data)
	}
}

type recordingLog struct {
	mu     sync.Mutex
	events []engine.Event
	err    error
}

func (r *recordingLog) AppendEvent(_ context.Context, e engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingLog) ListEvents(context.Context, engine.EventQuery) ([]engine.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Event(nil), r.events...), nil
}

func TestAuditSink(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	log := &recordingLog{}
	ep.Subscribe(AuditSink(log, NewNopLogger()), nil)

	_ = ep.PublishLeadEvent(EventTypeLeadCreated, "lead-1", "created", nil)
	_ = ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "sent", nil)

	if len(log.events) != 2 || log.events[0].Type != EventTypeLeadCreated {
		t.Fatalf("unexpected audit log: %+v", log.events)
	}
	if log.events[0].ID == "" || log.events[0].Level != EventLevelInfo {
		t.Errorf("event not stamped: %+v", log.events[0])
	}

	log.err = errors.New("disk full")
	if err := ep.PublishLeadEvent(EventTypeMessageSent, "lead-1", "", nil); err != nil {
		t.Errorf("sink failure must not fail publish: %v", err)
	}
}

func TestMetricsRecorders(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "leadflow", Path: "/metrics"})
	if err != nil {
		t.Fatal(err)
	}

	m.RecordLeadCreated(true)
	m.RecordTransition("awaiting_response", "interested", "classify_interested")
	m.RecordMessage("outbound", "sent")
	m.RecordMessage("outbound", "sent")
	m.RecordIntent("stop")
	m.RecordBooking("booked")
	m.RecordWorkflow("initial_contact", "completed", 20*time.Millisecond)
	m.RecordRunnerTick(nil)
	m.RecordProviderCall("mock", "send", time.Millisecond)
	m.RecordProviderError("mock", "send")
	m.RecordError("permanent", "NOT_FOUND")

	if got := testutil.ToFloat64(m.messages.WithLabelValues("outbound", "sent")); got != 2 {
		t.Errorf("messages_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.stateTransitions.WithLabelValues("awaiting_response", "interested", "classify_interested")); got != 1 {
		t.Errorf("state_transitions_total = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"leadflow_leads_created_total", "leadflow_bookings_total", "leadflow_workflow_duration_seconds"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordLeadCreated(false)
	m.RecordWorkflow("x", "failed", time.Second)
	m.SetActiveWorkflows(3)

	var nilMetrics *Metrics
	nilMetrics.RecordIntent("stop")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestTelemetryOperations(t *testing.T) {
	tel := NewNopTelemetry()

	op := tel.StartWorkflow(context.Background(), "initial_contact", "wf-1", "lead-1")
	if FromContext(op.Ctx) != op.Logger {
		t.Error("operation context should carry its logger")
	}
	op.End("completed", nil)

	if got := testutil.ToFloat64(tel.Metrics.workflows.WithLabelValues("completed")); got != 1 {
		t.Errorf("workflows_total{completed} = %v, want 1", got)
	}

	sendErr := engine.NewTransientError("carrier timeout", nil).WithCode(engine.ErrCodeProviderFailed)
	err := tel.RecordProviderOperation(context.Background(), "mock", "send", func(context.Context) error {
		return sendErr
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("provider error not propagated: %v", err)
	}
	if got := testutil.ToFloat64(tel.Metrics.providerErrors.WithLabelValues("mock", "send")); got != 1 {
		t.Errorf("provider_errors_total = %v, want 1", got)
	}

	tel.RecordError(sendErr)
	if got := testutil.ToFloat64(tel.Metrics.errorsByCode.WithLabelValues(engine.ErrCodeProviderFailed)); got != 1 {
		t.Errorf("errors_by_code_total = %v, want 1", got)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry from context")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}
