package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leadflow/leadflow/pkg/engine"
)

var testNow = time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, Settings{MaxContactAttempts: 3, MinContactGap: time.Hour})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func contactableLead() *engine.Lead {
	return &engine.Lead{
		ID:                 "lead-1",
		Phone:              "+15551234567",
		State:              engine.StateAwaitingResponse,
		ConsentVerified:    true,
		MaxContactAttempts: 3,
	}
}

func withOutbound(l *engine.Lead, n int) *engine.Lead {
	for i := 0; i < n; i++ {
		l.ContactAttempts = append(l.ContactAttempts, engine.ContactAttempt{
			ID:        "a",
			Direction: engine.DirectionOutbound,
			Status:    engine.AttemptStatusSent,
		})
	}
	return l
}

func TestNewEngine_Builtins(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{PolicyAttemptCap, PolicyConsent, PolicyContactGap, PolicyLeadState, PolicyQuietHours}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, p := range policies {
		if p.Name != want[i] {
			t.Errorf("policy %d = %s, want %s", i, p.Name, want[i])
		}
		if !p.Builtin() || !p.Enabled {
			t.Errorf("policy %s should be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluateContact(t *testing.T) {
	eng := newTestEngine(t)
	recent := testNow.Add(-10 * time.Minute)
	old := testNow.Add(-2 * time.Hour)

	tests := []struct {
		name       string
		req        engine.ContactRequest
		allowed    bool
		violatedBy string
	}{
		{
			name:    "contactable lead",
			req:     engine.ContactRequest{Lead: contactableLead(), Kind: engine.ContactKindFollowUp, CanContact: true},
			allowed: true,
		},
		{
			name: "missing consent",
			req: engine.ContactRequest{Lead: func() *engine.Lead {
				l := contactableLead()
				l.ConsentVerified = false
				return l
			}(), Kind: engine.ContactKindInitial, CanContact: true},
			violatedBy: PolicyConsent,
		},
		{
			name:       "blocked state",
			req:        engine.ContactRequest{Lead: contactableLead(), Kind: engine.ContactKindFollowUp, CanContact: false},
			violatedBy: PolicyLeadState,
		},
		{
			name:       "quiet hours",
			req:        engine.ContactRequest{Lead: contactableLead(), Kind: engine.ContactKindInitial, CanContact: true, InQuietHours: true},
			violatedBy: PolicyQuietHours,
		},
		{
			name:       "lead cap reached",
			req:        engine.ContactRequest{Lead: withOutbound(contactableLead(), 3), Kind: engine.ContactKindFollowUp, CanContact: true},
			violatedBy: PolicyAttemptCap,
		},
		{
			name:    "under lead cap",
			req:     engine.ContactRequest{Lead: withOutbound(contactableLead(), 2), Kind: engine.ContactKindFollowUp, CanContact: true},
			allowed: true,
		},
		{
			name: "default cap applies without lead cap",
			req: engine.ContactRequest{Lead: func() *engine.Lead {
				l := withOutbound(contactableLead(), 3)
				l.MaxContactAttempts = 0
				return l
			}(), Kind: engine.ContactKindFollowUp, CanContact: true},
			violatedBy: PolicyAttemptCap,
		},
		{
			name: "follow-up too soon",
			req: engine.ContactRequest{Lead: func() *engine.Lead {
				l := contactableLead()
				l.LastContactAt = &recent
				return l
			}(), Kind: engine.ContactKindFollowUp, CanContact: true},
			violatedBy: PolicyContactGap,
		},
		{
			name: "follow-up after gap",
			req: engine.ContactRequest{Lead: func() *engine.Lead {
				l := contactableLead()
				l.LastContactAt = &old
				return l
			}(), Kind: engine.ContactKindFollowUp, CanContact: true},
			allowed: true,
		},
		{
			name: "initial contact ignores gap",
			req: engine.ContactRequest{Lead: func() *engine.Lead {
				l := contactableLead()
				l.LastContactAt = &recent
				return l
			}(), Kind: engine.ContactKindInitial, CanContact: true},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Now = testNow
			decision, err := eng.EvaluateContact(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("EvaluateContact failed: %v", err)
			}
			if decision.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (violations %v)", decision.Allowed, tt.allowed, decision.Violations)
			}
			if tt.violatedBy == "" {
				if len(decision.Violations) != 0 {
					t.Errorf("unexpected violations %v", decision.Violations)
				}
				return
			}
			found := false
			for _, v := range decision.Violations {
				if strings.HasPrefix(v, tt.violatedBy+": ") {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a %s violation, got %v", tt.violatedBy, decision.Violations)
			}
		})
	}
}

func TestEvaluateContact_RequiresLead(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluateContact(context.Background(), engine.ContactRequest{}); !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEvaluateContact_Cancelled(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := eng.EvaluateContact(ctx, engine.ContactRequest{Lead: contactableLead(), CanContact: true}); err == nil {
		t.Error("expected cancelled evaluation to fail")
	}
}

const weekendPolicy = `package leadflow.contact.weekends

import rego.v1

deny contains msg if {
	input.weekday in {"Saturday", "Sunday"}
	msg := "no contact on weekends"
}
`

const advisoryPolicy = `package leadflow.contact.advisory

import rego.v1

deny contains v if {
	input.lead.outbound_attempts > 0
	v := {"message": "lead already contacted", "severity": "warning"}
}
`

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicy(ctx, Policy{Name: "weekends", Rego: weekendPolicy, Enabled: true}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}
	if err := eng.AddPolicy(ctx, Policy{Name: "advisory", Rego: advisoryPolicy, Enabled: true}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	saturday := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	res, err := eng.Evaluate(ctx, engine.ContactRequest{Lead: contactableLead(), Now: saturday, CanContact: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || len(res.Violations) != 1 || res.Violations[0].Policy != "weekends" {
		t.Errorf("expected weekend denial, got %+v", res)
	}
	if res.Violations[0].Severity != SeverityError {
		t.Errorf("default severity = %s, want error", res.Violations[0].Severity)
	}

	res, err = eng.Evaluate(ctx, engine.ContactRequest{Lead: withOutbound(contactableLead(), 1), Now: testNow, CanContact: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Errorf("warnings must not block contact: %+v", res.Violations)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Message != "lead already contacted" {
		t.Errorf("expected one advisory warning, got %+v", res.Warnings)
	}
}

func TestAddPolicy_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package x\n\ndeny contains if {"}); err == nil {
		t.Error("expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); !engine.IsNotFound(err) {
		t.Errorf("broken policy should not be installed, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	req := engine.ContactRequest{Lead: contactableLead(), Now: testNow, CanContact: true, InQuietHours: true}

	if err := eng.DisablePolicy(PolicyQuietHours); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	p, _ := eng.GetPolicy(PolicyQuietHours)
	if p.Enabled {
		t.Error("Policy should be disabled")
	}
	if d, _ := eng.EvaluateContact(ctx, req); !d.Allowed {
		t.Errorf("disabled policy still denied: %v", d.Violations)
	}

	if err := eng.EnablePolicy(PolicyQuietHours); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if d, _ := eng.EvaluateContact(ctx, req); d.Allowed {
		t.Error("re-enabled policy should deny")
	}

	if err := eng.EnablePolicy("non-existent"); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRemovePolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.RemovePolicy(PolicyContactGap); err != nil {
		t.Fatal(err)
	}
	if err := eng.RemovePolicy(PolicyContactGap); !engine.IsNotFound(err) {
		t.Errorf("expected not found on second removal, got %v", err)
	}
}

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "weekends.rego")

	if err := os.WriteFile(path, []byte(weekendPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != len(BuiltinPolicies())+1 {
		t.Fatalf("expected built-ins plus one file policy, got %d", len(eng.ListPolicies()))
	}

	// A broken file leaves the previous set active.
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains if {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx); err == nil {
		t.Error("expected reload of broken policy to fail")
	}
	if _, err := eng.GetPolicy("weekends"); err != nil {
		t.Errorf("previous policy should survive a failed reload: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("weekends"); !engine.IsNotFound(err) {
		t.Errorf("removed file policy should be gone, got %v", err)
	}
	if len(eng.ListPolicies()) != len(BuiltinPolicies()) {
		t.Errorf("built-ins must survive reload, got %d policies", len(eng.ListPolicies()))
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "weekends.rego"), []byte(weekendPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("weekends"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Error("policy was not hot-reloaded")
}
