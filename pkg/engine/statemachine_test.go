package engine

import (
	"testing"
	"time"
)

var allTriggers = []Trigger{
	TriggerRequestConsent, TriggerVerifyConsent, TriggerScheduleContact,
	TriggerSendInitialSMS, TriggerAwaitResponse, TriggerSendFollowUp,
	TriggerReceiveResponse, TriggerClassifyInterested, TriggerClassifyNotInterested,
	TriggerClassifyQuestion, TriggerProposeAppointment, TriggerConfirmAppointment,
	TriggerRescheduleAppointment, TriggerCompleteAppointment, TriggerCancelAppointment,
	TriggerOptOut, TriggerEscalate, TriggerMaxAttemptsReached,
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestStateMachine_TransitionTable(t *testing.T) {
	sm := NewStateMachine()

	tests := []struct {
		from    State
		trigger Trigger
		to      State
	}{
		{StateNew, TriggerRequestConsent, StateConsentPending},
		{StateNew, TriggerVerifyConsent, StateConsentVerified},
		{StateConsentPending, TriggerVerifyConsent, StateConsentVerified},
		{StateConsentVerified, TriggerScheduleContact, StateContactScheduled},
		{StateContactScheduled, TriggerSendInitialSMS, StateInitialContactSent},
		{StateInitialContactSent, TriggerAwaitResponse, StateAwaitingResponse},
		{StateInitialContactSent, TriggerSendFollowUp, StateAwaitingResponse},
		{StateAwaitingResponse, TriggerSendFollowUp, StateAwaitingResponse},
		{StateInitialContactSent, TriggerReceiveResponse, StateResponseReceived},
		{StateAwaitingResponse, TriggerReceiveResponse, StateResponseReceived},
		{StateResponseReceived, TriggerClassifyInterested, StateInterested},
		{StateResponseReceived, TriggerClassifyNotInterested, StateNotInterested},
		{StateResponseReceived, TriggerClassifyQuestion, StateAwaitingResponse},
		{StateInterested, TriggerProposeAppointment, StateAppointmentProposed},
		{StateAppointmentProposed, TriggerConfirmAppointment, StateAppointmentConfirmed},
		{StateAppointmentProposed, TriggerRescheduleAppointment, StateInterested},
		{StateAppointmentConfirmed, TriggerRescheduleAppointment, StateInterested},
		{StateAppointmentConfirmed, TriggerCompleteAppointment, StateAppointmentCompleted},
		{StateAppointmentConfirmed, TriggerCancelAppointment, StateAwaitingResponse},
		{StateFailed, TriggerEscalate, StateEscalated},
		{StateInterested, TriggerEscalate, StateEscalated},
		{StateNotInterested, TriggerEscalate, StateEscalated},
		{StateConsentVerified, TriggerMaxAttemptsReached, StateFailed},
		{StateContactScheduled, TriggerMaxAttemptsReached, StateFailed},
		{StateInitialContactSent, TriggerMaxAttemptsReached, StateFailed},
		{StateAwaitingResponse, TriggerMaxAttemptsReached, StateFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.trigger), func(t *testing.T) {
			lead := &Lead{ID: "lead-1", State: tt.from}
			change := sm.Transition(lead, tt.trigger, nil)
			if change == nil {
				t.Fatalf("expected transition %s --%s--> %s", tt.from, tt.trigger, tt.to)
			}
			if lead.State != tt.to {
				t.Errorf("expected state %s, got %s", tt.to, lead.State)
			}
			if change.From != tt.from || change.To != tt.to || change.Trigger != tt.trigger {
				t.Errorf("unexpected change: %+v", change)
			}
			if len(lead.StateHistory) != 1 {
				t.Errorf("expected 1 history entry, got %d", len(lead.StateHistory))
			}
		})
	}
}

func TestStateMachine_OptOutFromEveryNonTerminalState(t *testing.T) {
	sm := NewStateMachine()

	for _, s := range AllStates {
		if s.IsTerminal() {
			continue
		}
		if !sm.CanTransition(s, TriggerOptOut) {
			t.Errorf("expected opt_out to be allowed from %s", s)
		}
	}
}

func TestStateMachine_TerminalStatesAreAbsorbing(t *testing.T) {
	sm := NewStateMachine()

	for _, s := range []State{StateAppointmentCompleted, StateOptedOut, StateEscalated} {
		lead := &Lead{ID: "lead-1", State: s, ConsentVerified: true}
		for _, trigger := range allTriggers {
			if sm.CanTransition(s, trigger) {
				t.Errorf("CanTransition(%s, %s) should be false", s, trigger)
			}
			if change := sm.Transition(lead, trigger, nil); change != nil {
				t.Errorf("Transition(%s, %s) should be nil, got %+v", s, trigger, change)
			}
		}
		if lead.State != s {
			t.Errorf("terminal lead moved from %s to %s", s, lead.State)
		}
		if len(lead.StateHistory) != 0 {
			t.Errorf("terminal lead gained history: %d entries", len(lead.StateHistory))
		}
		if sm.CanContact(lead) {
			t.Errorf("CanContact should be false in %s", s)
		}
		if triggers := sm.AvailableTriggers(s); len(triggers) != 0 {
			t.Errorf("expected no triggers from %s, got %v", s, triggers)
		}
	}
}

func TestStateMachine_InvalidTriggerIsNoOp(t *testing.T) {
	sm := NewStateMachine()
	lead := &Lead{ID: "lead-1", State: StateNew}

	change := sm.Transition(lead, TriggerConfirmAppointment, nil)

	if change != nil {
		t.Fatalf("expected nil change, got %+v", change)
	}
	if lead.State != StateNew {
		t.Errorf("expected state new, got %s", lead.State)
	}
	if len(lead.StateHistory) != 0 {
		t.Errorf("expected empty history, got %d entries", len(lead.StateHistory))
	}
	if !lead.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt untouched")
	}
}

func TestStateMachine_TransitionNilLead(t *testing.T) {
	sm := NewStateMachine()
	if change := sm.Transition(nil, TriggerOptOut, nil); change != nil {
		t.Errorf("expected nil change for nil lead, got %+v", change)
	}
}

func TestStateMachine_ForceTransition(t *testing.T) {
	clock := fixedClock()
	sm := NewStateMachineWithClock(clock)
	lead := &Lead{ID: "lead-1", State: StateAppointmentProposed}
	md := map[string]string{"reason": "stop keyword"}

	change := sm.ForceTransition(lead, StateOptedOut, TriggerOptOut, md)

	if lead.State != StateOptedOut {
		t.Errorf("expected opted_out, got %s", lead.State)
	}
	if !change.IsForced() {
		t.Error("expected forced metadata")
	}
	if change.Metadata["reason"] != "stop keyword" {
		t.Errorf("expected caller metadata kept, got %v", change.Metadata)
	}
	if _, ok := md["forced"]; ok {
		t.Error("caller metadata map must not be modified")
	}
	if !change.Timestamp.Equal(clock()) {
		t.Errorf("expected timestamp %v, got %v", clock(), change.Timestamp)
	}
	if len(lead.StateHistory) != 1 || !lead.StateHistory[0].Equal(change) {
		t.Errorf("expected history to hold the forced change, got %+v", lead.StateHistory)
	}
}

func TestStateMachine_CanContact(t *testing.T) {
	sm := NewStateMachine()

	tests := []struct {
		name    string
		state   State
		consent bool
		want    bool
	}{
		{"verified awaiting", StateAwaitingResponse, true, true},
		{"verified interested", StateInterested, true, true},
		{"no consent", StateAwaitingResponse, false, false},
		{"failed", StateFailed, true, false},
		{"not interested", StateNotInterested, true, false},
		{"opted out", StateOptedOut, true, false},
		{"escalated", StateEscalated, true, false},
		{"completed", StateAppointmentCompleted, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := &Lead{State: tt.state, ConsentVerified: tt.consent}
			if got := sm.CanContact(lead); got != tt.want {
				t.Errorf("CanContact() = %v, want %v", got, tt.want)
			}
		})
	}

	if sm.CanContact(nil) {
		t.Error("CanContact(nil) should be false")
	}
}

func TestStateMachine_AvailableTriggers(t *testing.T) {
	sm := NewStateMachine()

	got := sm.AvailableTriggers(StateAppointmentConfirmed)
	want := []Trigger{
		TriggerCancelAppointment,
		TriggerCompleteAppointment,
		TriggerOptOut,
		TriggerRescheduleAppointment,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("trigger %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStateMachine_HistoryIsAppendOnly(t *testing.T) {
	sm := NewStateMachine()
	lead := &Lead{ID: "lead-1", State: StateNew}

	path := []Trigger{
		TriggerVerifyConsent,
		TriggerScheduleContact,
		TriggerSendInitialSMS,
		TriggerAwaitResponse,
		TriggerReceiveResponse,
		TriggerClassifyInterested,
		TriggerProposeAppointment,
		TriggerConfirmAppointment,
		TriggerCompleteAppointment,
	}
	for _, trigger := range path {
		if sm.Transition(lead, trigger, nil) == nil {
			t.Fatalf("trigger %s rejected from %s", trigger, lead.State)
		}
	}

	if lead.State != StateAppointmentCompleted {
		t.Fatalf("expected appointment_completed, got %s", lead.State)
	}
	if len(lead.StateHistory) != len(path) {
		t.Fatalf("expected %d history entries, got %d", len(path), len(lead.StateHistory))
	}
	for i := 1; i < len(lead.StateHistory); i++ {
		if lead.StateHistory[i].From != lead.StateHistory[i-1].To {
			t.Errorf("history entry %d does not chain from previous", i)
		}
	}
}
