package engine

import (
	"context"
	"time"
)

// LeadRepository persists leads and owns the phone index.
// All lead mutation goes through Update or AddContactAttempt.
type LeadRepository interface {
	// Create validates params and stores a new lead.
	Create(ctx context.Context, params CreateLeadParams) (*Lead, error)

	// GetByID returns the lead with the given ID.
	GetByID(ctx context.Context, id string) (*Lead, error)

	// GetByPhone returns the lead owning the (normalized) phone number.
	GetByPhone(ctx context.Context, phone string) (*Lead, error)

	// Update applies mutate to the stored lead and persists the result.
	// It stamps UpdatedAt, increments Version and rejects mutations that
	// rewrite existing state history or collide with another lead's phone.
	Update(ctx context.Context, id string, mutate func(*Lead) error) (*Lead, error)

	// AddContactAttempt appends an attempt and updates LastContactAt.
	AddContactAttempt(ctx context.Context, id string, attempt ContactAttempt) (*Lead, error)

	// GetReadyForContact returns leads due for an outbound touch at now.
	GetReadyForContact(ctx context.Context, now time.Time) ([]*Lead, error)

	// ListDueForContact is GetReadyForContact without the attempt cap.
	ListDueForContact(ctx context.Context, now time.Time) ([]*Lead, error)

	// GetAwaitingResponse returns leads waiting on a reply.
	GetAwaitingResponse(ctx context.Context) ([]*Lead, error)

	// GetStats returns counts over all leads.
	GetStats(ctx context.Context) (*LeadStats, error)

	// List returns all leads ordered by creation time.
	List(ctx context.Context) ([]*Lead, error)
}

// ExecutionStore persists workflow executions.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)

	// ListExecutions returns executions for leadID, or all executions when leadID is empty.
	ListExecutions(ctx context.Context, leadID string) ([]*WorkflowExecution, error)

	// CountActiveExecutions returns the number of pending or running executions.
	CountActiveExecutions(ctx context.Context) (int, error)

	// FailInterrupted marks every running execution failed with reason.
	FailInterrupted(ctx context.Context, reason string, at time.Time) (int, error)
}

// Event is a domain event emitted to external observers.
type Event struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Type       string                 `json:"type"`
	Source     string                 `json:"source"`
	LeadID     string                 `json:"lead_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventQuery filters the audit log.
type EventQuery struct {
	LeadID string
	Type   string
	Since  time.Time
	Limit  int
}

// EventLog is an append-only audit log of domain events.
type EventLog interface {
	AppendEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, query EventQuery) ([]Event, error)
}

// Calendar is the slot store behind the appointment scheduler.
// Book is an atomic check-and-set on slot availability.
type Calendar interface {
	// ListAvailable returns available slots starting in [from, to).
	ListAvailable(ctx context.Context, from, to time.Time) ([]AppointmentSlot, error)

	// Book binds the slot to leadID. It returns ErrSlotUnavailable if the slot is taken.
	Book(ctx context.Context, slotID, leadID string) (*AppointmentSlot, error)

	// Cancel releases the slot. It returns false if the slot was not booked.
	Cancel(ctx context.Context, slotID string) (bool, error)

	// Get returns a slot by ID.
	Get(ctx context.Context, slotID string) (*AppointmentSlot, error)
}

// ProviderResult is the outcome of a provider send.
type ProviderResult struct {
	MessageID string        `json:"message_id"`
	Status    AttemptStatus `json:"status"`
}

// MessageProvider delivers text messages to a phone number.
type MessageProvider interface {
	Name() string
	Send(ctx context.Context, to, body string) (ProviderResult, error)
}

// DraftContext describes the reply a language model should draft.
type DraftContext struct {
	LeadName    string `json:"lead_name"`
	State       State  `json:"state"`
	LastMessage string `json:"last_message"`
	Purpose     string `json:"purpose"`
}

// LanguageModel maps free text to intents and drafts replies.
// Implementations must not touch lead state.
type LanguageModel interface {
	Name() string
	Classify(ctx context.Context, text string) (MessageClassification, error)
	Draft(ctx context.Context, dc DraftContext) (string, error)
}

// ContactKind distinguishes proactive outbound contacts.
type ContactKind string

const (
	ContactKindInitial  ContactKind = "initial"
	ContactKindFollowUp ContactKind = "follow_up"
)

// ContactRequest is the input to a contact policy decision.
type ContactRequest struct {
	Lead       *Lead       `json:"lead"`
	Kind       ContactKind `json:"kind"`
	Now        time.Time   `json:"now"`
	CanContact bool        `json:"can_contact"`

	// InQuietHours reports whether Now falls inside the configured quiet window.
	InQuietHours bool `json:"in_quiet_hours"`
}

// ContactDecision is the outcome of a contact policy decision.
type ContactDecision struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

// ContactPolicy gates proactive outbound contact.
type ContactPolicy interface {
	EvaluateContact(ctx context.Context, req ContactRequest) (ContactDecision, error)
}

// IntentHandler has one method per intent. Adding an intent means adding a
// method here, which breaks every handler until it handles the new intent.
type IntentHandler interface {
	OnInterested(ctx context.Context, lead *Lead, c MessageClassification) error
	OnNotNow(ctx context.Context, lead *Lead, c MessageClassification) error
	OnStop(ctx context.Context, lead *Lead, c MessageClassification) error
	OnQuestion(ctx context.Context, lead *Lead, c MessageClassification) error
	OnConfirm(ctx context.Context, lead *Lead, c MessageClassification) error
	OnReschedule(ctx context.Context, lead *Lead, c MessageClassification) error
	OnUnknown(ctx context.Context, lead *Lead, c MessageClassification) error
}

// DispatchIntent routes a classification to the matching handler method.
// Values outside the intent set are handled as unknown.
func DispatchIntent(ctx context.Context, h IntentHandler, lead *Lead, c MessageClassification) error {
	switch c.Intent {
	case IntentInterested:
		return h.OnInterested(ctx, lead, c)
	case IntentNotNow:
		return h.OnNotNow(ctx, lead, c)
	case IntentStop:
		return h.OnStop(ctx, lead, c)
	case IntentQuestion:
		return h.OnQuestion(ctx, lead, c)
	case IntentConfirm:
		return h.OnConfirm(ctx, lead, c)
	case IntentReschedule:
		return h.OnReschedule(ctx, lead, c)
	default:
		return h.OnUnknown(ctx, lead, c)
	}
}
