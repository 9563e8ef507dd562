// Package engine provides the core types and interfaces for the leadflow lead lifecycle core.
//
// # Overview
//
// A lead moves from intake to a resolved appointment (or a terminal
// opt-out/escalation) through a fixed finite-state machine:
//
//	new -> consent_verified -> contact_scheduled -> initial_contact_sent
//	    -> awaiting_response -> response_received -> interested
//	    -> appointment_proposed -> appointment_confirmed -> appointment_completed
//
// The StateMachine owns the transition table. Transition is a no-op that
// returns nil for a trigger not defined from the current state, and every
// trigger is rejected once a lead reaches a terminal state
// (appointment_completed, opted_out, escalated). ForceTransition bypasses the
// table and marks the change with forced=true.
//
// # Collaborators
//
// The package declares the interfaces the rest of the module plugs into:
//
//   - LeadRepository: lead persistence and the phone index
//   - ExecutionStore: workflow execution records
//   - EventLog: append-only audit of domain events
//   - Calendar: slot listing and atomic booking
//   - MessageProvider: outbound text delivery
//   - LanguageModel: intent classification and reply drafting
//   - ContactPolicy: gate for proactive outbound contact
//   - IntentHandler: one method per classified intent
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Concurrent updates or a slot booked by someone else
//   - Permanent: Non-recoverable errors
//
// Codes such as NOT_FOUND or VALIDATION_ERROR refine the class:
//
//	if engine.IsNotFound(err) {
//	    // report a tagged failure
//	}
package engine
