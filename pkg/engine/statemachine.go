package engine

import (
	"sort"
	"time"
)

// transitions is the fixed lifecycle table: from -> trigger -> to.
// opt_out is added for every non-terminal state in init.
var transitions = map[State]map[Trigger]State{
	StateNew: {
		TriggerRequestConsent: StateConsentPending,
		TriggerVerifyConsent:  StateConsentVerified,
	},
	StateConsentPending: {
		TriggerVerifyConsent: StateConsentVerified,
	},
	StateConsentVerified: {
		TriggerScheduleContact:    StateContactScheduled,
		TriggerMaxAttemptsReached: StateFailed,
	},
	StateContactScheduled: {
		TriggerSendInitialSMS:     StateInitialContactSent,
		TriggerMaxAttemptsReached: StateFailed,
	},
	StateInitialContactSent: {
		TriggerAwaitResponse:      StateAwaitingResponse,
		TriggerSendFollowUp:       StateAwaitingResponse,
		TriggerReceiveResponse:    StateResponseReceived,
		TriggerMaxAttemptsReached: StateFailed,
	},
	StateAwaitingResponse: {
		TriggerSendFollowUp:       StateAwaitingResponse,
		TriggerReceiveResponse:    StateResponseReceived,
		TriggerMaxAttemptsReached: StateFailed,
	},
	StateResponseReceived: {
		TriggerClassifyInterested:    StateInterested,
		TriggerClassifyNotInterested: StateNotInterested,
		TriggerClassifyQuestion:      StateAwaitingResponse,
	},
	StateInterested: {
		TriggerProposeAppointment: StateAppointmentProposed,
		TriggerEscalate:           StateEscalated,
	},
	StateNotInterested: {
		TriggerEscalate: StateEscalated,
	},
	StateAppointmentProposed: {
		TriggerConfirmAppointment:    StateAppointmentConfirmed,
		TriggerRescheduleAppointment: StateInterested,
	},
	StateAppointmentConfirmed: {
		TriggerRescheduleAppointment: StateInterested,
		TriggerCompleteAppointment:   StateAppointmentCompleted,
		TriggerCancelAppointment:     StateAwaitingResponse,
	},
	StateFailed: {
		TriggerEscalate: StateEscalated,
	},
}

func init() {
	for _, s := range AllStates {
		if s.IsTerminal() {
			continue
		}
		if transitions[s] == nil {
			transitions[s] = make(map[Trigger]State)
		}
		transitions[s][TriggerOptOut] = StateOptedOut
	}
}

// StateMachine enforces the lead lifecycle. It holds no per-lead state and
// is safe for concurrent use.
type StateMachine struct {
	now func() time.Time
}

// NewStateMachine creates a state machine using the wall clock.
func NewStateMachine() *StateMachine {
	return &StateMachine{now: time.Now}
}

// NewStateMachineWithClock creates a state machine with an injected clock.
func NewStateMachineWithClock(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{now: now}
}

// CanTransition reports whether trigger is defined from state.
// It is always false from a terminal state.
func (sm *StateMachine) CanTransition(state State, trigger Trigger) bool {
	if state.IsTerminal() {
		return false
	}
	_, ok := transitions[state][trigger]
	return ok
}

// Target returns the state trigger leads to from state, if defined.
func (sm *StateMachine) Target(state State, trigger Trigger) (State, bool) {
	if !sm.CanTransition(state, trigger) {
		return "", false
	}
	return transitions[state][trigger], true
}

// Transition applies trigger to the lead and appends the change to its history.
// It returns nil and leaves the lead untouched when the trigger is not allowed.
func (sm *StateMachine) Transition(lead *Lead, trigger Trigger, metadata map[string]string) *StateChange {
	if lead == nil {
		return nil
	}
	to, ok := sm.Target(lead.State, trigger)
	if !ok {
		return nil
	}
	change := sm.apply(lead, to, trigger, cloneStringMap(metadata))
	return &change
}

// ForceTransition moves the lead to target regardless of the table.
// Reserved for opt-out and explicit human escalation.
func (sm *StateMachine) ForceTransition(lead *Lead, target State, trigger Trigger, metadata map[string]string) StateChange {
	md := cloneStringMap(metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md["forced"] = "true"
	return sm.apply(lead, target, trigger, md)
}

func (sm *StateMachine) apply(lead *Lead, to State, trigger Trigger, metadata map[string]string) StateChange {
	now := sm.now()
	change := StateChange{
		From:      lead.State,
		To:        to,
		Trigger:   trigger,
		Timestamp: now,
		Metadata:  metadata,
	}
	lead.State = to
	lead.StateHistory = append(lead.StateHistory, change)
	lead.UpdatedAt = now
	return change
}

// CanContact reports whether outbound contact with the lead is permitted.
func (sm *StateMachine) CanContact(lead *Lead) bool {
	return lead != nil && lead.ConsentVerified && !lead.State.IsContactBlocked()
}

// IsTerminal reports whether state is absorbing.
func (sm *StateMachine) IsTerminal(state State) bool {
	return state.IsTerminal()
}

// AvailableTriggers lists the triggers allowed from state, sorted by name.
func (sm *StateMachine) AvailableTriggers(state State) []Trigger {
	if state.IsTerminal() {
		return nil
	}
	triggers := make([]Trigger, 0, len(transitions[state]))
	for t := range transitions[state] {
		triggers = append(triggers, t)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	return triggers
}
