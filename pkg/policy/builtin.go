package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyConsent    = "consent-required"
	PolicyLeadState  = "contactable-state"
	PolicyQuietHours = "quiet-hours"
	PolicyAttemptCap = "attempt-cap"
	PolicyContactGap = "contact-spacing"
)

// BuiltinPolicies returns the contact policies that are always installed.
func BuiltinPolicies() []Policy {
	return []Policy{
		consentPolicy(),
		leadStatePolicy(),
		quietHoursPolicy(),
		attemptCapPolicy(),
		contactGapPolicy(),
	}
}

func builtin(name, description string, tags []string, src string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Rego:        src,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        tags,
		LoadedAt:    time.Now(),
	}
}

// consentPolicy blocks contact with leads that never verified consent.
func consentPolicy() Policy {
	return builtin(PolicyConsent, "Outbound contact requires verified consent", []string{"compliance"}, `package leadflow.contact.consent

import rego.v1

deny contains msg if {
	not input.lead.consent_verified
	msg := sprintf("lead %s has not verified consent", [input.lead.id])
}
`)
}

// leadStatePolicy mirrors the state machine's contact gate.
func leadStatePolicy() Policy {
	return builtin(PolicyLeadState, "Leads in blocked or terminal states are never contacted", []string{"lifecycle"}, `package leadflow.contact.state

import rego.v1

deny contains msg if {
	not input.can_contact
	msg := sprintf("lead %s in state %s cannot be contacted", [input.lead.id, input.lead.state])
}
`)
}

// quietHoursPolicy holds proactive contact during the quiet window.
func quietHoursPolicy() Policy {
	return builtin(PolicyQuietHours, "No proactive contact during quiet hours", []string{"compliance", "schedule"}, `package leadflow.contact.quiet_hours

import rego.v1

deny contains msg if {
	input.in_quiet_hours
	msg := sprintf("%s contact held during quiet hours", [input.kind])
}
`)
}

// attemptCapPolicy enforces the outbound attempt cap. A lead's own cap wins
// over the configured default.
func attemptCapPolicy() Policy {
	return builtin(PolicyAttemptCap, "Outbound attempts stop at the contact cap", []string{"lifecycle"}, `package leadflow.contact.attempts

import rego.v1

limit := input.lead.max_contact_attempts if {
	input.lead.max_contact_attempts > 0
} else := data.leadflow.settings.max_contact_attempts if {
	data.leadflow.settings.max_contact_attempts > 0
}

deny contains msg if {
	input.lead.outbound_attempts >= limit
	msg := sprintf("lead %s reached %d of %d contact attempts", [input.lead.id, input.lead.outbound_attempts, limit])
}
`)
}

// contactGapPolicy spaces follow-ups when a minimum gap is configured.
func contactGapPolicy() Policy {
	return builtin(PolicyContactGap, "Follow-ups respect the minimum gap since the last contact", []string{"schedule"}, `package leadflow.contact.spacing

import rego.v1

deny contains msg if {
	input.kind == "follow_up"
	gap := data.leadflow.settings.min_contact_gap_seconds
	gap > 0
	input.lead.last_contact_at
	elapsed := (time.parse_rfc3339_ns(input.now) - time.parse_rfc3339_ns(input.lead.last_contact_at)) / 1000000000
	elapsed < gap
	msg := sprintf("last contact was %v seconds ago, minimum gap is %v", [round(elapsed), gap])
}
`)
}
