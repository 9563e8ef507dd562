package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/policy"
	"github.com/leadflow/leadflow/pkg/scheduler"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// recordingPolicy allows or denies every request and keeps what it saw.
type recordingPolicy struct {
	mu       sync.Mutex
	allow    bool
	requests []engine.ContactRequest
}

func (p *recordingPolicy) EvaluateContact(_ context.Context, req engine.ContactRequest) (engine.ContactDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.allow {
		return engine.ContactDecision{Allowed: true}, nil
	}
	return engine.ContactDecision{Violations: []string{"held for review"}}, nil
}

func (p *recordingPolicy) seen() []engine.ContactRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.ContactRequest(nil), p.requests...)
}

func runOnce(t *testing.T, h *harness) RunSummary {
	t.Helper()
	summary, err := h.orch.RunScheduledContacts(context.Background())
	if err != nil {
		t.Fatalf("RunScheduledContacts failed: %v", err)
	}
	return summary
}

func TestRunScheduledContacts_Lifecycle(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(true)

	if s := runOnce(t, h); s.Processed != 1 || s.Started != 1 {
		t.Fatalf("first pass = %+v, want one started", s)
	}
	if got := h.lead(lead.ID); got.State != engine.StateAwaitingResponse {
		t.Fatalf("state = %s, want awaiting_response", got.State)
	}

	if s := runOnce(t, h); s.Processed != 0 {
		t.Errorf("lead should not be due yet, got %+v", s)
	}

	for i := 2; i <= 3; i++ {
		h.clock.Advance(24 * time.Hour)
		if s := runOnce(t, h); s.FollowUps != 1 {
			t.Fatalf("pass %d = %+v, want one follow-up", i, s)
		}
		got := h.lead(lead.ID)
		if got.OutboundAttemptCount() != i || got.State != engine.StateAwaitingResponse {
			t.Fatalf("after pass %d: %d attempts in %s", i, got.OutboundAttemptCount(), got.State)
		}
	}
	if body := h.lastBody(); body == "" {
		t.Error("follow-up body is empty")
	}

	h.clock.Advance(24 * time.Hour)
	if s := runOnce(t, h); s.Failed != 1 {
		t.Fatalf("final pass = %+v, want one failed", s)
	}
	got := h.lead(lead.ID)
	last := got.StateHistory[len(got.StateHistory)-1]
	if got.State != engine.StateFailed || last.Trigger != engine.TriggerMaxAttemptsReached {
		t.Errorf("state = %s, last trigger = %s", got.State, last.Trigger)
	}
	if last.Metadata["attempts"] != "3" || got.NextContactAt != nil {
		t.Errorf("unexpected exhaustion record %+v, next = %v", last.Metadata, got.NextContactAt)
	}
	if len(h.provider.Sent()) != 3 {
		t.Errorf("sent %d messages, want 3", len(h.provider.Sent()))
	}

	h.clock.Advance(24 * time.Hour)
	if s := runOnce(t, h); s.Processed != 0 {
		t.Errorf("failed lead should not be due, got %+v", s)
	}
}

func TestRunScheduledContacts_Backoff(t *testing.T) {
	h := newHarness(t, withRetry(RetryPolicy{FollowUpInterval: time.Hour, BackoffMultiplier: 2}))
	lead := h.createLead(true)

	runOnce(t, h)
	if got := h.lead(lead.ID); !got.NextContactAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("first follow-up at %v, want +1h", got.NextContactAt)
	}

	h.clock.Advance(time.Hour)
	runOnce(t, h)
	if got := h.lead(lead.ID); !got.NextContactAt.Equal(testNow.Add(3 * time.Hour)) {
		t.Errorf("second follow-up at %v, want +3h", got.NextContactAt)
	}
}

func TestRunScheduledContacts_SendFailureCounted(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(true)
	h.provider.FailNext(context.DeadlineExceeded)

	s := runOnce(t, h)
	if s.Processed != 1 || s.Errors != 1 || s.Started != 0 {
		t.Fatalf("summary = %+v, want one error", s)
	}

	got := h.lead(lead.ID)
	if got.State != engine.StateConsentVerified {
		t.Errorf("state = %s, want consent_verified", got.State)
	}
	if got.NextContactAt == nil || !got.NextContactAt.Equal(testNow.Add(15*time.Minute)) {
		t.Errorf("retry at %v, want +15m", got.NextContactAt)
	}

	h.clock.Advance(15 * time.Minute)
	if s := runOnce(t, h); s.Started != 1 {
		t.Errorf("retry pass = %+v, want one started", s)
	}
}

func TestRunScheduledContacts_PolicyDenied(t *testing.T) {
	p := &recordingPolicy{}
	h := newHarness(t, withPolicy(p))
	lead := h.createLead(true)

	s := runOnce(t, h)
	if s.Processed != 1 || s.Skipped != 1 || s.Errors != 0 {
		t.Fatalf("summary = %+v, want one skipped", s)
	}
	if got := h.lead(lead.ID); got.State != engine.StateConsentVerified || len(got.ContactAttempts) != 0 {
		t.Errorf("lead changed: %s %+v", got.State, got.ContactAttempts)
	}
	if len(h.provider.Sent()) != 0 {
		t.Error("no message should be sent")
	}

	denied := 0
	for _, typ := range h.eventTypes() {
		if typ == telemetry.EventTypePolicyDenied {
			denied++
		}
	}
	if denied != 1 {
		t.Errorf("got %d policy.denied events, want 1", denied)
	}

	execs, _ := h.store.ListExecutions(context.Background(), lead.ID)
	if len(execs) != 0 {
		t.Errorf("a skipped lead should not create executions, got %d", len(execs))
	}

	exec, err := h.orch.StartForLead(context.Background(), lead.ID)
	if engine.CodeOf(err) != engine.ErrCodePolicyDenied {
		t.Fatalf("StartForLead error = %v, want POLICY_DENIED", err)
	}
	if exec.Status != engine.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", exec.Status)
	}
}

func TestRunScheduledContacts_PolicyRequest(t *testing.T) {
	p := &recordingPolicy{allow: true}
	h := newHarness(t, withPolicy(p), withQuietHours(scheduler.QuietHours{Start: "21:00", End: "08:00", Timezone: "UTC"}))
	h.createLead(true)

	if s := runOnce(t, h); s.Started != 1 {
		t.Fatalf("summary = %+v, want one started", s)
	}
	h.clock.Advance(38 * time.Hour)
	runOnce(t, h)

	reqs := p.seen()
	if len(reqs) != 2 {
		t.Fatalf("policy saw %d requests, want 2", len(reqs))
	}
	if reqs[0].Kind != engine.ContactKindInitial || reqs[0].InQuietHours || !reqs[0].CanContact {
		t.Errorf("unexpected first request %+v", reqs[0])
	}
	// 2024-03-06 22:00 UTC
	if reqs[1].Kind != engine.ContactKindFollowUp || !reqs[1].InQuietHours {
		t.Errorf("unexpected second request kind=%s quiet=%v", reqs[1].Kind, reqs[1].InQuietHours)
	}
}

func TestRunScheduledContacts_QuietHours(t *testing.T) {
	quiet := scheduler.QuietHours{Start: "07:00", End: "09:00", Timezone: "UTC"}

	newEngine := func(t *testing.T) engine.ContactPolicy {
		t.Helper()
		e, err := policy.NewEngine(zerolog.Nop(), policy.Settings{MaxContactAttempts: 3})
		if err != nil {
			t.Fatalf("NewEngine failed: %v", err)
		}
		return e
	}

	tests := []struct {
		name   string
		policy func(t *testing.T) engine.ContactPolicy
	}{
		{name: "without a policy", policy: func(*testing.T) engine.ContactPolicy { return nil }},
		{name: "with the policy engine", policy: newEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withPolicy(tt.policy(t)), withQuietHours(quiet))
			lead := h.createLead(true)

			if s := runOnce(t, h); s.Skipped != 1 {
				t.Fatalf("summary = %+v, want one skipped", s)
			}
			if len(h.provider.Sent()) != 0 {
				t.Error("no message may be sent during quiet hours")
			}

			h.clock.Advance(time.Hour)
			if s := runOnce(t, h); s.Started != 1 {
				t.Fatalf("summary after quiet hours = %+v, want one started", s)
			}
			if got := h.lead(lead.ID); got.State != engine.StateAwaitingResponse {
				t.Errorf("state = %s, want awaiting_response", got.State)
			}
		})
	}
}

func TestRunner_Start(t *testing.T) {
	h := newHarness(t)
	h.createLead(true)

	r := NewRunner(h.orch, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, at := r.LastRun(); !at.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runner never completed a pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !r.Running() {
		t.Error("runner should report running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	if r.Running() {
		t.Error("runner should report stopped")
	}
	if len(h.provider.Sent()) != 1 {
		t.Errorf("sent %d messages, want 1", len(h.provider.Sent()))
	}
}

func TestRunner_RunOnce(t *testing.T) {
	h := newHarness(t)
	h.createLead(true)

	r := NewRunner(h.orch, 0)
	summary, err := r.RunOnce(context.Background())
	if err != nil || summary.Started != 1 {
		t.Fatalf("RunOnce = %+v, %v", summary, err)
	}
	last, at := r.LastRun()
	if last != summary || !at.Equal(testNow) {
		t.Errorf("LastRun = %+v at %v", last, at)
	}
}
