package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo indicates an informational message.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block contact.
	SeverityWarning Severity = "warning"

	// SeverityError blocks contact.
	SeverityError Severity = "error"

	// SeverityCritical blocks contact.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies contact.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module evaluated before proactive outbound contact.
// The module must define a deny set of strings or of objects with
// "message" and optional "severity" keys.
type Policy struct {
	// Name is the unique identifier for this policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Builtin reports whether the policy ships with the binary.
func (p *Policy) Builtin() bool {
	return p.Source == ""
}

// Violation is a single deny result from a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String formats the violation for engine.ContactDecision.
func (v Violation) String() string {
	return v.Policy + ": " + v.Message
}

// Result is the detailed outcome of one contact evaluation.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []Violation   `json:"warnings,omitempty"`
	Evaluated  []string      `json:"evaluated"`
	Duration   time.Duration `json:"duration"`
}

// ContactInput is the document bound to input in every policy.
type ContactInput struct {
	Kind         string    `json:"kind"`
	Now          string    `json:"now"`
	Weekday      string    `json:"weekday"`
	Hour         int       `json:"hour"`
	CanContact   bool      `json:"can_contact"`
	InQuietHours bool      `json:"in_quiet_hours"`
	Lead         LeadInput `json:"lead"`
}

// LeadInput is the subset of a lead exposed to policies.
type LeadInput struct {
	ID                 string            `json:"id"`
	State              string            `json:"state"`
	Phone              string            `json:"phone"`
	ConsentVerified    bool              `json:"consent_verified"`
	OutboundAttempts   int               `json:"outbound_attempts"`
	MaxContactAttempts int               `json:"max_contact_attempts"`
	LastContactAt      string            `json:"last_contact_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Settings is exposed to policies as data.leadflow.settings.
type Settings struct {
	// MaxContactAttempts is the fallback cap for leads without their own.
	MaxContactAttempts int `json:"max_contact_attempts"`

	// MinContactGap is the minimum spacing between proactive contacts.
	MinContactGap time.Duration `json:"-"`
}
