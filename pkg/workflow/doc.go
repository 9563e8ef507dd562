// Package workflow drives leads through the lifecycle.
//
// The Orchestrator is the only writer of lead state. Each public operation
// runs as a WorkflowExecution: it reads the lead, applies transitions and
// outbound attempts to a working copy, and commits the copy in one store
// update guarded by the lead version. Domain events are published after the
// commit in the order the changes happened.
//
// Inbound messages are classified by the classifier adapter and routed to
// one IntentHandler method per intent. The mapping from intent to
// transitions is fixed in code:
//
//	stop        forced opt-out from any non-terminal state
//	interested  receive_response, classify_interested, propose slots
//	not_now     receive_response, classify_not_interested, decline
//	confirm     book the chosen proposed slot; re-propose on a lost race
//	reschedule  release any booked slot and propose again
//	question    drafted answer, no state change
//	unknown     drafted clarification, no state change
//
// A provider failure keeps the lead in its previous state and records only
// the failed attempt, unless something irreversible (an opt-out, a booking
// or a cancellation) already happened in the same execution.
//
// The Runner calls RunScheduledContacts on an interval. Due leads are
// handled one at a time: leads at their cap move to failed, consented
// leads get their initial message and the rest a follow-up whose timing
// comes from the RetryPolicy. Proactive contact is checked against the
// optional engine.ContactPolicy first.
//
// Message bodies come from Templates, a YAML catalog of text/template
// entries with embedded defaults and an optional override file that can be
// reloaded on change.
package workflow
