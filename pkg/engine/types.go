package engine

import (
	"strings"
	"time"
)

// Lead represents a prospective customer tracked through the contact-to-appointment pipeline.
type Lead struct {
	// ID is the unique identifier for this lead.
	ID string `json:"id"`

	// ExternalRef is an optional reference into the system the lead came from.
	ExternalRef string `json:"external_ref,omitempty"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`

	// Phone is the normalized phone number and the unique contact key.
	Phone string `json:"phone"`

	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// StateHistory is the append-only audit trail of transitions.
	StateHistory []StateChange `json:"state_history"`

	// ConsentVerified must be true before any outbound contact.
	ConsentVerified   bool       `json:"consent_verified"`
	ConsentVerifiedAt *time.Time `json:"consent_verified_at,omitempty"`
	ConsentMethod     string     `json:"consent_method,omitempty"`

	// ContactAttempts lists every inbound and outbound touch in order.
	ContactAttempts []ContactAttempt `json:"contact_attempts"`

	LastContactAt *time.Time `json:"last_contact_at,omitempty"`
	NextContactAt *time.Time `json:"next_contact_at,omitempty"`

	// MaxContactAttempts caps the number of outbound attempts.
	MaxContactAttempts int `json:"max_contact_attempts"`

	// AppointmentSlot is the confirmed appointment, if any.
	AppointmentSlot *AppointmentSlot `json:"appointment_slot,omitempty"`

	// ProposedSlots are the slots currently offered to the lead.
	ProposedSlots []AppointmentSlot `json:"proposed_slots,omitempty"`

	// Metadata carries free-form source and ownership information.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the lead version for optimistic locking.
	Version int64 `json:"version"`
}

// FullName returns the lead's display name.
func (l *Lead) FullName() string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// OutboundAttemptCount returns the number of outbound contact attempts.
// Only outbound attempts count against MaxContactAttempts.
func (l *Lead) OutboundAttemptCount() int {
	n := 0
	for i := range l.ContactAttempts {
		if l.ContactAttempts[i].Direction == DirectionOutbound {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the lead.
func (l *Lead) Clone() *Lead {
	if l == nil {
		return nil
	}
	c := *l
	c.StateHistory = make([]StateChange, len(l.StateHistory))
	for i, sc := range l.StateHistory {
		c.StateHistory[i] = sc.clone()
	}
	c.ContactAttempts = make([]ContactAttempt, len(l.ContactAttempts))
	for i, a := range l.ContactAttempts {
		c.ContactAttempts[i] = a.clone()
	}
	c.ConsentVerifiedAt = cloneTime(l.ConsentVerifiedAt)
	c.LastContactAt = cloneTime(l.LastContactAt)
	c.NextContactAt = cloneTime(l.NextContactAt)
	if l.AppointmentSlot != nil {
		slot := *l.AppointmentSlot
		c.AppointmentSlot = &slot
	}
	if l.ProposedSlots != nil {
		c.ProposedSlots = append([]AppointmentSlot(nil), l.ProposedSlots...)
	}
	c.Metadata = cloneStringMap(l.Metadata)
	return &c
}

// StateChange is an immutable record of one lifecycle transition.
type StateChange struct {
	From      State             `json:"from"`
	To        State             `json:"to"`
	Trigger   Trigger           `json:"trigger"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsForced reports whether the change bypassed the transition table.
func (sc StateChange) IsForced() bool {
	return sc.Metadata["forced"] == "true"
}

// Equal reports whether two state changes describe the same fact.
func (sc StateChange) Equal(other StateChange) bool {
	if sc.From != other.From || sc.To != other.To || sc.Trigger != other.Trigger ||
		!sc.Timestamp.Equal(other.Timestamp) || len(sc.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range sc.Metadata {
		if other.Metadata[k] != v {
			return false
		}
	}
	return true
}

func (sc StateChange) clone() StateChange {
	sc.Metadata = cloneStringMap(sc.Metadata)
	return sc
}

// ContactAttempt is one outbound or inbound touch with a lead.
type ContactAttempt struct {
	ID             string                 `json:"id"`
	Channel        ChannelType            `json:"channel"`
	Direction      Direction              `json:"direction"`
	Timestamp      time.Time              `json:"timestamp"`
	Body           string                 `json:"body"`
	Status         AttemptStatus          `json:"status"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	ProviderID     string                 `json:"provider_id,omitempty"`
	Classification *MessageClassification `json:"classification,omitempty"`
}

func (a ContactAttempt) clone() ContactAttempt {
	if a.Classification != nil {
		c := *a.Classification
		a.Classification = &c
	}
	return a
}

// AppointmentSlot is a bookable calendar window with single-occupancy semantics.
type AppointmentSlot struct {
	ID string `json:"id"`

	// Date is the local calendar date (YYYY-MM-DD).
	Date string `json:"date"`

	// StartTime and EndTime are local wall-clock times (HH:MM).
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Available bool   `json:"available"`
	LeadID    string `json:"lead_id,omitempty"`
}

// WorkflowExecution records one orchestration run for a lead.
type WorkflowExecution struct {
	ID     string         `json:"id"`
	LeadID string         `json:"lead_id"`
	Status WorkflowStatus `json:"status"`

	// CurrentStep is a diagnostic checkpoint name.
	CurrentStep string `json:"current_step"`

	Attempts int               `json:"attempts"`
	Error    string            `json:"error,omitempty"`
	Context  map[string]string `json:"context,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the execution.
func (w *WorkflowExecution) Clone() *WorkflowExecution {
	if w == nil {
		return nil
	}
	c := *w
	c.Context = cloneStringMap(w.Context)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return &c
}

// MessageClassification is the information a language model extracted from free text.
// It never acts as a trigger by itself.
type MessageClassification struct {
	Intent     Intent          `json:"intent"`
	Confidence float64         `json:"confidence"`
	Extracted  ExtractedFields `json:"extracted,omitempty"`
}

// ExtractedFields holds optional structured values pulled out of a message.
type ExtractedFields struct {
	PreferredDay  string `json:"preferred_day,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`

	// PreferredSlot is the 1-based index into the proposed slots, 0 if absent.
	PreferredSlot int    `json:"preferred_slot,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// CreateLeadParams are the intake fields for a new lead.
type CreateLeadParams struct {
	ExternalRef        string            `json:"external_ref,omitempty"`
	FirstName          string            `json:"first_name" validate:"required,max=100"`
	LastName           string            `json:"last_name,omitempty" validate:"max=100"`
	Phone              string            `json:"phone" validate:"required,min=7,max=20"`
	Email              string            `json:"email,omitempty" validate:"omitempty,email"`
	Address            string            `json:"address,omitempty"`
	ConsentVerified    bool              `json:"consent_verified"`
	ConsentMethod      string            `json:"consent_method,omitempty"`
	MaxContactAttempts int               `json:"max_contact_attempts,omitempty" validate:"gte=0,lte=20"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// LeadStats summarizes the lead population.
type LeadStats struct {
	Total                 int           `json:"total"`
	ByState               map[State]int `json:"by_state"`
	ConsentVerified       int           `json:"consent_verified"`
	OptedOut              int           `json:"opted_out"`
	AppointmentsScheduled int           `json:"appointments_scheduled"`
}

// Tally adds a lead to the stats.
func (s *LeadStats) Tally(l *Lead) {
	if s.ByState == nil {
		s.ByState = make(map[State]int)
	}
	s.Total++
	s.ByState[l.State]++
	if l.ConsentVerified {
		s.ConsentVerified++
	}
	if l.State == StateOptedOut {
		s.OptedOut++
	}
	if l.State == StateAppointmentConfirmed {
		s.AppointmentsScheduled++
	}
}

// DefaultMaxContactAttempts is used when intake does not set a cap.
const DefaultMaxContactAttempts = 3

// NormalizePhone strips formatting from a phone number, keeping digits and a leading '+'.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsReadyForContact reports whether the lead is due for an outbound touch at now.
// When ignoreCap is set the attempt cap is not checked.
func IsReadyForContact(l *Lead, now time.Time, ignoreCap bool) bool {
	if !l.State.IsContactable() || !l.ConsentVerified {
		return false
	}
	if !ignoreCap && l.OutboundAttemptCount() >= l.MaxContactAttempts {
		return false
	}
	return l.NextContactAt == nil || !l.NextContactAt.After(now)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
