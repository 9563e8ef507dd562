// Package policy gates proactive outbound contact with Open Policy Agent.
//
// Every policy is a Rego module that defines a deny set. Entries are either
// message strings or objects with "message" and "severity". Violations with
// severity error or critical block the contact; lower severities are
// reported as warnings.
//
// Policies see the contact as input:
//
//	{
//	  "kind": "initial" | "follow_up",
//	  "now": "2024-03-05T14:00:00Z",
//	  "weekday": "Tuesday",
//	  "hour": 14,
//	  "can_contact": true,
//	  "in_quiet_hours": false,
//	  "lead": {"id": "...", "state": "...", "phone": "...", "consent_verified": true,
//	           "outbound_attempts": 1, "max_contact_attempts": 3, "last_contact_at": "..."}
//	}
//
// and engine settings as data.leadflow.settings. A custom policy that holds
// weekend follow-ups:
//
//	package leadflow.contact.weekends
//
//	import rego.v1
//
//	deny contains msg if {
//		input.kind == "follow_up"
//		input.weekday in {"Saturday", "Sunday"}
//		msg := "no follow-ups on weekends"
//	}
//
// # Built-in Policies
//
//   - consent-required: the lead must have verified consent
//   - contactable-state: the lead's state must allow contact
//   - quiet-hours: nothing is sent inside the quiet window
//   - attempt-cap: outbound attempts stop at the lead's cap
//   - contact-spacing: follow-ups respect a minimum gap when configured
//
// Policy files (.rego, or .json with inline rego) are loaded with
// Engine.LoadPolicies and hot-reloaded by Engine.Watch.
package policy
