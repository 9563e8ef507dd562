package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leadflow/leadflow/pkg/app"
	"github.com/leadflow/leadflow/pkg/config"
	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
	"github.com/leadflow/leadflow/pkg/workflow"
)

const testPhone = "+15550102030"

func newTestRouter(t *testing.T) (http.Handler, *app.App) {
	t.Helper()
	now := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	a, err := app.New(context.Background(), config.DefaultConfig(), app.Options{
		Telemetry: telemetry.NewNopTelemetry(),
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("app.New failed: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return NewRouter(Dependencies{App: a, HandlerTimeout: 5 * time.Second}), a
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error ErrorBody `json:"error"`
	}
	decode(t, w, &resp)
	return resp.Error.Code
}

func createLead(t *testing.T, h http.Handler, consent bool) engine.Lead {
	t.Helper()
	w := do(t, h, http.MethodPost, "/leads", map[string]any{
		"first_name":       "Dana",
		"last_name":        "Scully",
		"phone":            testPhone,
		"consent_verified": consent,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /leads = %d: %s", w.Code, w.Body.String())
	}
	var lead engine.Lead
	decode(t, w, &lead)
	return lead
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "not found", err: engine.NotFoundError("lead", "x"), wantStatus: 404, wantCode: engine.ErrCodeNotFound},
		{name: "validation", err: engine.ValidationError("bad", nil), wantStatus: 400, wantCode: engine.ErrCodeValidation},
		{name: "duplicate", err: engine.AlreadyExistsError("dup", "p"), wantStatus: 409, wantCode: engine.ErrCodeAlreadyExists},
		{name: "transition", err: engine.InvalidTransitionError("l", engine.StateNew, engine.TriggerCompleteAppointment), wantStatus: 422, wantCode: engine.ErrCodeInvalidTransition},
		{name: "wrapped", err: errors.Join(errors.New("outer"), engine.ErrSlotUnavailable), wantStatus: 409, wantCode: engine.ErrCodeSlotUnavailable},
		{name: "plain", err: errors.New("boom"), wantStatus: 500, wantCode: engine.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := errorCode(t, w); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
			if StatusFor(tt.err) != tt.wantStatus {
				t.Errorf("StatusFor = %d", StatusFor(tt.err))
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/status", nil)
	if w.Header().Get(CorrelationHeader) == "" {
		t.Error("expected a generated correlation ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set(CorrelationHeader, "abc-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationHeader); got != "abc-123" {
		t.Errorf("correlation ID = %q, want echoed abc-123", got)
	}
}

func TestRecovery(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Recovery(telemetry.NewNopLogger()))
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := do(t, r, http.MethodGet, "/panic", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestLeads(t *testing.T) {
	h, _ := newTestRouter(t)
	lead := createLead(t, h, true)

	if lead.ID == "" || lead.State != engine.StateConsentVerified {
		t.Fatalf("unexpected lead %+v", lead)
	}

	w := do(t, h, http.MethodGet, "/leads/"+lead.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET lead = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/leads/missing", nil)
	if w.Code != http.StatusNotFound || errorCode(t, w) != engine.ErrCodeNotFound {
		t.Errorf("missing lead = %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/leads?state=consent_verified", nil)
	var list struct {
		Leads []engine.Lead `json:"leads"`
		Count int           `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 1 || list.Leads[0].ID != lead.ID {
		t.Errorf("list = %+v", list)
	}

	w = do(t, h, http.MethodGet, "/leads?state=completed", nil)
	decode(t, w, &list)
	if list.Count != 0 {
		t.Errorf("filtered list count = %d, want 0", list.Count)
	}

	w = do(t, h, http.MethodGet, "/leads/stats", nil)
	var stats engine.LeadStats
	decode(t, w, &stats)
	if stats.Total != 1 || stats.ConsentVerified != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCreateLead_Errors(t *testing.T) {
	h, _ := newTestRouter(t)
	createLead(t, h, true)

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "duplicate phone", body: map[string]any{"first_name": "X", "phone": testPhone}, wantStatus: 409},
		{name: "missing name", body: map[string]any{"phone": "+15550109999"}, wantStatus: 400},
		{name: "unknown field", body: map[string]any{"first_name": "X", "phone": "+15550109999", "nickname": "x"}, wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/leads", tt.body); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestWorkflowRoutes(t *testing.T) {
	h, _ := newTestRouter(t)
	lead := createLead(t, h, true)

	w := do(t, h, http.MethodPost, "/leads/"+lead.ID+"/complete", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("complete before booking = %d, want 422", w.Code)
	}

	w = do(t, h, http.MethodPost, "/leads/"+lead.ID+"/workflow", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start workflow = %d: %s", w.Code, w.Body.String())
	}
	var exec engine.WorkflowExecution
	decode(t, w, &exec)
	if exec.LeadID != lead.ID || exec.Status != engine.WorkflowStatusCompleted {
		t.Errorf("execution = %+v", exec)
	}

	w = do(t, h, http.MethodPost, "/leads/"+lead.ID+"/workflow", nil)
	if w.Code == http.StatusOK {
		t.Error("second start should be rejected")
	}
	var failed struct {
		Error     ErrorBody                 `json:"error"`
		Execution *engine.WorkflowExecution `json:"execution"`
	}
	decode(t, w, &failed)
	if failed.Execution == nil || failed.Execution.Status != engine.WorkflowStatusFailed {
		t.Errorf("failed start should carry its execution: %+v", failed)
	}

	w = do(t, h, http.MethodPost, "/leads/"+lead.ID+"/escalate", EscalateRequest{Reason: "wants a call"})
	if w.Code != http.StatusOK {
		t.Fatalf("escalate = %d: %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/leads/"+lead.ID, nil)
	var got engine.Lead
	decode(t, w, &got)
	if got.State != engine.StateEscalated {
		t.Errorf("state = %s, want escalated", got.State)
	}

	w = do(t, h, http.MethodGet, "/leads/"+lead.ID+"/executions", nil)
	var execs struct {
		Executions []engine.WorkflowExecution `json:"executions"`
	}
	decode(t, w, &execs)
	if len(execs.Executions) != 4 {
		t.Errorf("executions = %d, want 4", len(execs.Executions))
	}
}

func TestSmsWebhook(t *testing.T) {
	h, _ := newTestRouter(t)
	lead := createLead(t, h, true)
	do(t, h, http.MethodPost, "/leads/"+lead.ID+"/workflow", nil)

	w := do(t, h, http.MethodPost, "/webhooks/sms", SmsWebhook{From: testPhone, Body: "Yes please", MessageID: "SM1"})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook = %d: %s", w.Code, w.Body.String())
	}
	var res workflow.InboundResult
	decode(t, w, &res)
	if !res.Success || res.Intent != engine.IntentInterested || res.State != engine.StateAppointmentProposed {
		t.Errorf("result = %+v", res)
	}

	form := url.Values{"From": {testPhone}, "Body": {"STOP"}, "MessageSid": {"SM2"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("form webhook = %d: %s", w.Code, w.Body.String())
	}
	decode(t, w, &res)
	if res.State != engine.StateOptedOut {
		t.Errorf("state after STOP = %s, want opted_out", res.State)
	}

	w = do(t, h, http.MethodPost, "/webhooks/sms", SmsWebhook{Body: "hello"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing sender = %d, want 400", w.Code)
	}

	w = do(t, h, http.MethodPost, "/webhooks/sms", SmsWebhook{From: "+15550000000", Body: "hello"})
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Action != workflow.ActionLeadNotFound {
		t.Errorf("unknown sender = %d %+v", w.Code, res)
	}
}

func TestSlots(t *testing.T) {
	h, _ := newTestRouter(t)

	w := do(t, h, http.MethodGet, "/slots?days=1&limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /slots = %d", w.Code)
	}
	var resp struct {
		Slots []struct {
			ID      string `json:"id"`
			Display string `json:"display"`
		} `json:"slots"`
	}
	decode(t, w, &resp)
	if len(resp.Slots) != 2 || resp.Slots[0].Display != "Tue Mar 5 at 9:00 AM" {
		t.Errorf("slots = %+v", resp.Slots)
	}

	if w := do(t, h, http.MethodGet, "/slots?limit=-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit = %d, want 400", w.Code)
	}
}

func TestStatusAndHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	createLead(t, h, true)

	w := do(t, h, http.MethodGet, "/status", nil)
	var status app.Status
	decode(t, w, &status)
	if status.PendingLeads != 1 || status.Running {
		t.Errorf("status = %+v", status)
	}

	w = do(t, h, http.MethodPost, "/contacts/run", nil)
	var summary workflow.RunSummary
	decode(t, w, &summary)
	if summary.Started != 1 {
		t.Errorf("run summary = %+v", summary)
	}

	if w := do(t, h, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestEvents(t *testing.T) {
	h, _ := newTestRouter(t)
	createLead(t, h, true)

	if w := do(t, h, http.MethodGet, "/events?limit=5", nil); w.Code != http.StatusOK {
		t.Errorf("GET /events = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/events?since=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since = %d, want 400", w.Code)
	}
}
