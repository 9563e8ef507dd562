package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+1 (555) 010-2030", "+15550102030"},
		{"555.010.2030", "5550102030"},
		{"  +44 20 7946 0000 ", "+442079460000"},
		{"1+2", "12"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLead_CloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Lead{
		ID:                "lead-1",
		State:             StateAppointmentProposed,
		StateHistory:      []StateChange{{From: StateNew, To: StateConsentVerified, Metadata: map[string]string{"k": "v"}}},
		ContactAttempts:   []ContactAttempt{{ID: "a1", Direction: DirectionInbound, Classification: &MessageClassification{Intent: IntentConfirm}}},
		ConsentVerifiedAt: &now,
		ProposedSlots:     []AppointmentSlot{{ID: "s1"}},
		AppointmentSlot:   &AppointmentSlot{ID: "s0"},
		Metadata:          map[string]string{"source": "web"},
	}

	c := orig.Clone()
	c.StateHistory[0].Metadata["k"] = "changed"
	c.ContactAttempts[0].Classification.Intent = IntentStop
	c.ProposedSlots[0].ID = "changed"
	c.AppointmentSlot.ID = "changed"
	c.Metadata["source"] = "changed"
	*c.ConsentVerifiedAt = now.Add(time.Hour)
	c.StateHistory = append(c.StateHistory, StateChange{})

	if orig.StateHistory[0].Metadata["k"] != "v" {
		t.Error("history metadata shared with clone")
	}
	if orig.ContactAttempts[0].Classification.Intent != IntentConfirm {
		t.Error("classification shared with clone")
	}
	if orig.ProposedSlots[0].ID != "s1" || orig.AppointmentSlot.ID != "s0" {
		t.Error("slots shared with clone")
	}
	if orig.Metadata["source"] != "web" {
		t.Error("metadata shared with clone")
	}
	if !orig.ConsentVerifiedAt.Equal(now) {
		t.Error("time pointer shared with clone")
	}
	if len(orig.StateHistory) != 1 {
		t.Error("history slice shared with clone")
	}
}

func TestLead_OutboundAttemptCount(t *testing.T) {
	lead := &Lead{ContactAttempts: []ContactAttempt{
		{Direction: DirectionOutbound},
		{Direction: DirectionInbound},
		{Direction: DirectionOutbound, Status: AttemptStatusFailed},
	}}
	if got := lead.OutboundAttemptCount(); got != 2 {
		t.Errorf("expected 2 outbound attempts, got %d", got)
	}
}

func TestIsReadyForContact(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	base := func() *Lead {
		return &Lead{State: StateAwaitingResponse, ConsentVerified: true, MaxContactAttempts: 2}
	}

	tests := []struct {
		name      string
		mutate    func(*Lead)
		ignoreCap bool
		want      bool
	}{
		{"due", func(l *Lead) {}, false, true},
		{"next contact passed", func(l *Lead) { l.NextContactAt = &past }, false, true},
		{"next contact exactly now", func(l *Lead) { l.NextContactAt = &now }, false, true},
		{"next contact in future", func(l *Lead) { l.NextContactAt = &future }, false, false},
		{"no consent", func(l *Lead) { l.ConsentVerified = false }, false, false},
		{"blocked state", func(l *Lead) { l.State = StateNotInterested }, false, false},
		{"interested is not in contact loop", func(l *Lead) { l.State = StateInterested }, false, false},
		{"cap reached", func(l *Lead) {
			l.ContactAttempts = []ContactAttempt{{Direction: DirectionOutbound}, {Direction: DirectionOutbound}}
		}, false, false},
		{"cap reached but ignored", func(l *Lead) {
			l.ContactAttempts = []ContactAttempt{{Direction: DirectionOutbound}, {Direction: DirectionOutbound}}
		}, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := base()
			tt.mutate(l)
			if got := IsReadyForContact(l, now, tt.ignoreCap); got != tt.want {
				t.Errorf("IsReadyForContact() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_JSONValidation(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`"awaiting_response"`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StateAwaitingResponse {
		t.Errorf("expected awaiting_response, got %s", s)
	}
	if err := json.Unmarshal([]byte(`"limbo"`), &s); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestEngineError_CodesAndClasses(t *testing.T) {
	err := NotFoundError("lead", "lead-1")
	wrapped := errors.Join(errors.New("lookup"), err)

	if !IsNotFound(wrapped) {
		t.Error("expected IsNotFound through wrapping")
	}
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("expected errors.Is to match sentinel")
	}
	if IsRetryable(err) {
		t.Error("not found should not be retryable")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("expected empty code for plain error")
	}

	race := NewConflictError("slot already booked", nil).WithCode(ErrCodeSlotUnavailable)
	if !errors.Is(race, ErrSlotUnavailable) || !IsRetryable(race) {
		t.Error("slot race should match sentinel and be retryable")
	}

	inv := InvalidTransitionError("lead-1", StateNew, TriggerConfirmAppointment)
	if inv.Details["from"] != "new" || inv.Code != ErrCodeInvalidTransition {
		t.Errorf("unexpected invalid transition error: %+v", inv)
	}
	want := "[permanent] trigger confirm_appointment not allowed from new (resource=lead-1)"
	if inv.Error() != want {
		t.Errorf("unexpected message %q", inv.Error())
	}
}

type recordingHandler struct {
	called Intent
}

func (h *recordingHandler) OnInterested(context.Context, *Lead, MessageClassification) error {
	h.called = IntentInterested
	return nil
}
func (h *recordingHandler) OnNotNow(context.Context, *Lead, MessageClassification) error {
	h.called = IntentNotNow
	return nil
}
func (h *recordingHandler) OnStop(context.Context, *Lead, MessageClassification) error {
	h.called = IntentStop
	return nil
}
func (h *recordingHandler) OnQuestion(context.Context, *Lead, MessageClassification) error {
	h.called = IntentQuestion
	return nil
}
func (h *recordingHandler) OnConfirm(context.Context, *Lead, MessageClassification) error {
	h.called = IntentConfirm
	return nil
}
func (h *recordingHandler) OnReschedule(context.Context, *Lead, MessageClassification) error {
	h.called = IntentReschedule
	return nil
}
func (h *recordingHandler) OnUnknown(context.Context, *Lead, MessageClassification) error {
	h.called = IntentUnknown
	return nil
}

func TestDispatchIntent(t *testing.T) {
	intents := []Intent{
		IntentInterested, IntentNotNow, IntentStop, IntentQuestion,
		IntentConfirm, IntentReschedule, IntentUnknown,
	}
	for _, in := range intents {
		h := &recordingHandler{}
		if err := DispatchIntent(context.Background(), h, &Lead{}, MessageClassification{Intent: in}); err != nil {
			t.Fatalf("dispatch %s: %v", in, err)
		}
		if h.called != in {
			t.Errorf("intent %s dispatched to %s", in, h.called)
		}
	}

	h := &recordingHandler{}
	_ = DispatchIntent(context.Background(), h, &Lead{}, MessageClassification{Intent: "bogus"})
	if h.called != IntentUnknown {
		t.Errorf("unknown tag should route to OnUnknown, got %s", h.called)
	}
}
