package engine

import (
	"encoding/json"
	"fmt"
)

// State represents a lifecycle stage of a lead.
type State string

const (
	// StateNew indicates a freshly created lead without verified consent.
	StateNew State = "new"

	// StateConsentPending indicates consent has been requested but not confirmed.
	StateConsentPending State = "consent_pending"

	// StateConsentVerified indicates the lead may be contacted.
	StateConsentVerified State = "consent_verified"

	// StateContactScheduled indicates an initial contact is about to be sent.
	StateContactScheduled State = "contact_scheduled"

	// StateInitialContactSent indicates the first outbound message was delivered to the provider.
	StateInitialContactSent State = "initial_contact_sent"

	// StateAwaitingResponse indicates we are waiting for the lead to reply.
	StateAwaitingResponse State = "awaiting_response"

	// StateResponseReceived indicates an inbound reply is being classified.
	StateResponseReceived State = "response_received"

	// StateInterested indicates the lead wants an appointment.
	StateInterested State = "interested"

	// StateNotInterested indicates the lead declined for now.
	StateNotInterested State = "not_interested"

	// StateAppointmentProposed indicates slots were offered to the lead.
	StateAppointmentProposed State = "appointment_proposed"

	// StateAppointmentConfirmed indicates a slot is booked for the lead.
	StateAppointmentConfirmed State = "appointment_confirmed"

	// StateAppointmentCompleted indicates the appointment took place. Terminal.
	StateAppointmentCompleted State = "appointment_completed"

	// StateOptedOut indicates the lead asked never to be contacted again. Terminal.
	StateOptedOut State = "opted_out"

	// StateEscalated indicates the lead was handed to a human. Terminal.
	StateEscalated State = "escalated"

	// StateFailed indicates automation gave up on the lead.
	StateFailed State = "failed"
)

// AllStates lists every lifecycle state in pipeline order.
var AllStates = []State{
	StateNew,
	StateConsentPending,
	StateConsentVerified,
	StateContactScheduled,
	StateInitialContactSent,
	StateAwaitingResponse,
	StateResponseReceived,
	StateInterested,
	StateNotInterested,
	StateAppointmentProposed,
	StateAppointmentConfirmed,
	StateAppointmentCompleted,
	StateOptedOut,
	StateEscalated,
	StateFailed,
}

// IsTerminal returns true for absorbing states that permit no further transition.
func (s State) IsTerminal() bool {
	return s == StateAppointmentCompleted || s == StateOptedOut || s == StateEscalated
}

// IsContactBlocked returns true if outbound contact is forbidden in this state.
// Every terminal state is contact-blocked.
func (s State) IsContactBlocked() bool {
	return s.IsTerminal() || s == StateFailed || s == StateNotInterested
}

// IsContactable returns true if the state is part of the outbound contact loop.
func (s State) IsContactable() bool {
	switch s {
	case StateConsentVerified, StateContactScheduled, StateInitialContactSent, StateAwaitingResponse:
		return true
	default:
		return false
	}
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	for _, known := range AllStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid lead state: %s", s)
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}

// Trigger is the named event that moves a lead between states.
type Trigger string

const (
	TriggerRequestConsent        Trigger = "request_consent"
	TriggerVerifyConsent         Trigger = "verify_consent"
	TriggerScheduleContact       Trigger = "schedule_contact"
	TriggerSendInitialSMS        Trigger = "send_initial_sms"
	TriggerAwaitResponse         Trigger = "await_response"
	TriggerSendFollowUp          Trigger = "send_follow_up"
	TriggerReceiveResponse       Trigger = "receive_response"
	TriggerClassifyInterested    Trigger = "classify_interested"
	TriggerClassifyNotInterested Trigger = "classify_not_interested"
	TriggerClassifyQuestion      Trigger = "classify_question"
	TriggerProposeAppointment    Trigger = "propose_appointment"
	TriggerConfirmAppointment    Trigger = "confirm_appointment"
	TriggerRescheduleAppointment Trigger = "reschedule_appointment"
	TriggerCompleteAppointment   Trigger = "complete_appointment"
	TriggerCancelAppointment     Trigger = "cancel_appointment"
	TriggerOptOut                Trigger = "opt_out"
	TriggerEscalate              Trigger = "escalate"
	TriggerMaxAttemptsReached    Trigger = "max_attempts_reached"
)

// Intent is the closed set of tags a classified inbound message can carry.
type Intent string

const (
	IntentInterested Intent = "interested"
	IntentNotNow     Intent = "not_now"
	IntentStop       Intent = "stop"
	IntentQuestion   Intent = "question"
	IntentConfirm    Intent = "confirm"
	IntentReschedule Intent = "reschedule"
	IntentUnknown    Intent = "unknown"
)

// Validate checks if the intent is one of the known tags.
func (i Intent) Validate() error {
	switch i {
	case IntentInterested, IntentNotNow, IntentStop, IntentQuestion,
		IntentConfirm, IntentReschedule, IntentUnknown:
		return nil
	default:
		return fmt.Errorf("invalid intent: %s", i)
	}
}

// WorkflowStatus represents the status of a single orchestration run.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the execution is created but not started.
	WorkflowStatusPending WorkflowStatus = "pending"

	// WorkflowStatusRunning indicates the execution is in progress.
	WorkflowStatusRunning WorkflowStatus = "running"

	// WorkflowStatusCompleted indicates the execution finished successfully.
	WorkflowStatusCompleted WorkflowStatus = "completed"

	// WorkflowStatusFailed indicates the execution aborted with an error.
	WorkflowStatusFailed WorkflowStatus = "failed"

	// WorkflowStatusCancelled indicates the caller cancelled the execution.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if the workflow status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// IsActive returns true if the workflow is currently active (pending or running).
func (s WorkflowStatus) IsActive() bool {
	return s == WorkflowStatusPending || s == WorkflowStatusRunning
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted,
		WorkflowStatusFailed, WorkflowStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// Direction tells whether a contact attempt left or reached us.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// AttemptStatus is the delivery or response status of a contact attempt.
type AttemptStatus string

const (
	AttemptStatusSent      AttemptStatus = "sent"
	AttemptStatusDelivered AttemptStatus = "delivered"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusReceived  AttemptStatus = "received"
)

// ChannelType identifies the medium of a contact attempt.
type ChannelType string

const (
	ChannelSMS ChannelType = "sms"
)
