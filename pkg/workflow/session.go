package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// session is one workflow execution against one lead. Transitions and
// outbound attempts are applied to a working copy of the lead and written
// back in a single store update by commit. Events are held until then so
// observers never see a change that was not stored.
type session struct {
	o    *Orchestrator
	ctx  context.Context
	exec *engine.WorkflowExecution
	op   *telemetry.Operation

	// lead is the working copy; version is the stored version it was read at.
	lead    *engine.Lead
	version int64

	action string

	// durable is set once an irreversible side effect happened (opt-out,
	// booking, cancellation). A later send failure then no longer discards
	// the working copy.
	durable bool

	// sendErr is the first provider failure of the session and
	// failureReason the reason recorded on its attempt.
	sendErr       error
	failureReason string

	events        []func()
	attemptEvents []func()
}

// begin records a running execution and opens its telemetry scope.
func (o *Orchestrator) begin(ctx context.Context, workflow, leadID string) *session {
	exec := &engine.WorkflowExecution{
		ID:          uuid.New().String(),
		LeadID:      leadID,
		Status:      engine.WorkflowStatusRunning,
		CurrentStep: "started",
		Context:     map[string]string{"workflow": workflow},
		StartedAt:   o.now(),
	}

	op := o.tel.StartWorkflow(ctx, workflow, exec.ID, leadID)
	s := &session{o: o, ctx: op.Ctx, exec: exec, op: op}

	if err := o.executions.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		op.Logger.WithError(err).Warn("failed to save workflow execution")
	}
	o.refreshActive(ctx)

	warnDropped(s.op.Logger, o.tel.Events.PublishWorkflowEvent(telemetry.EventTypeWorkflowStarted, leadID, exec.ID,
		fmt.Sprintf("Workflow %s started", workflow), map[string]interface{}{"workflow": workflow}))
	op.Logger.Debug("workflow started")
	return s
}

// finish closes the execution. An error while the caller's context is done
// ends it as cancelled; any other error ends it as failed with the error
// captured. A provider timeout is a failure, not a cancellation.
func (s *session) finish(err error) error {
	o := s.o
	now := o.now()
	s.exec.CompletedAt = &now

	status := engine.WorkflowStatusCompleted
	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		status = engine.WorkflowStatusCancelled
		err = engine.NewPermanentError("workflow cancelled", err).
			WithCode(engine.ErrCodeCancelled).
			WithResource(s.exec.LeadID)
	default:
		status = engine.WorkflowStatusFailed
	}
	s.exec.Status = status
	if err != nil {
		s.exec.Error = err.Error()
	}
	if s.action != "" {
		s.exec.Context["action"] = s.action
	}

	bg := context.WithoutCancel(s.ctx)
	if saveErr := o.executions.SaveExecution(bg, s.exec); saveErr != nil {
		s.op.Logger.WithError(saveErr).Warn("failed to save workflow execution")
	}
	o.refreshActive(bg)

	eventType := telemetry.EventTypeWorkflowCompleted
	if status != engine.WorkflowStatusCompleted {
		eventType = telemetry.EventTypeWorkflowFailed
	}
	data := map[string]interface{}{"status": string(status), "step": s.exec.CurrentStep}
	if err != nil {
		data["error"] = err.Error()
	}
	warnDropped(s.op.Logger, o.tel.Events.PublishWorkflowEvent(eventType, s.exec.LeadID, s.exec.ID,
		fmt.Sprintf("Workflow %s", status), data))

	logger := s.op.Logger.WithField("status", string(status))
	if err != nil {
		logger.WithError(err).Warn("workflow ended with error")
	} else {
		logger.Debug("workflow completed")
	}
	s.op.End(string(status), err)
	return err
}

func (s *session) step(name string) {
	s.exec.CurrentStep = name
}

// load reads the lead into the working copy.
func (s *session) load(leadID string) error {
	lead, err := s.o.leads.GetByID(s.ctx, leadID)
	if err != nil {
		return err
	}
	s.use(lead)
	return nil
}

func (s *session) use(lead *engine.Lead) {
	s.lead = lead.Clone()
	s.version = lead.Version
	s.exec.LeadID = lead.ID
}

// apply runs a table transition on the working copy. A trigger the table
// does not allow is an error: the caller asked for a step that makes no
// sense from the lead's current state.
func (s *session) apply(trigger engine.Trigger, metadata map[string]string) error {
	from := s.lead.State
	change := s.o.machine.Transition(s.lead, trigger, metadata)
	if change == nil {
		return engine.InvalidTransitionError(s.lead.ID, from, trigger).WithOperation(s.exec.Context["workflow"])
	}
	s.recordChange(*change)
	return nil
}

// force moves the working copy to target outside the table.
func (s *session) force(target engine.State, trigger engine.Trigger, metadata map[string]string) {
	change := s.o.machine.ForceTransition(s.lead, target, trigger, metadata)
	s.recordChange(change)
}

func (s *session) recordChange(change engine.StateChange) {
	telemetry.AddTransitionEvent(s.op.Span, string(change.From), string(change.To), string(change.Trigger))
	leadID, execID := s.lead.ID, s.exec.ID
	s.emit(func() {
		s.o.tel.Metrics.RecordTransition(string(change.From), string(change.To), string(change.Trigger))
		warnDropped(s.op.Logger, s.o.tel.Events.PublishStateChanged(leadID, execID, &change))
	})
}

// emit queues an event for publication after commit.
func (s *session) emit(fn func()) {
	s.events = append(s.events, fn)
}

// emitAttempt queues a message event. Attempts are always committed, so
// these are published even when the rest of the session is discarded.
func (s *session) emitAttempt(fn func()) {
	s.events = append(s.events, fn)
	s.attemptEvents = append(s.attemptEvents, fn)
}

func (s *session) publish(eventType, message string, data map[string]interface{}) {
	leadID, execID := s.lead.ID, s.exec.ID
	s.emit(func() {
		warnDropped(s.op.Logger, s.o.tel.Events.PublishWorkflowEvent(eventType, leadID, execID, message, data))
	})
}

// send renders a template and sends it. The boolean reports delivery to the
// provider. A provider failure is recorded on the working copy and
// remembered in sendErr; it is not returned as an error.
func (s *session) send(name string, data TemplateData) (bool, error) {
	body, err := s.o.templates.Render(name, data)
	if err != nil {
		return false, engine.NewPermanentError("failed to render message", err).
			WithCode(engine.ErrCodeInternal).
			WithResource(s.lead.ID)
	}
	return s.sendBody(name, body)
}

func (s *session) sendBody(purpose, body string) (bool, error) {
	s.step("send_" + purpose)
	result := s.o.channel.SendMessage(s.ctx, s.lead, body)
	if !result.Success && result.Attempt.ID == "" {
		// refused before reaching the provider
		return false, result.Error
	}

	attempt := result.Attempt
	appendAttempt(s.lead, attempt)

	leadID, execID := s.lead.ID, s.exec.ID
	data := map[string]interface{}{
		"attempt_id": attempt.ID,
		"purpose":    purpose,
		"body":       attempt.Body,
	}
	if !result.Success {
		if s.sendErr == nil {
			s.sendErr = result.Error
			s.failureReason = attempt.FailureReason
		}
		data["reason"] = attempt.FailureReason
		s.emitAttempt(func() {
			warnDropped(s.op.Logger, s.o.tel.Events.PublishWorkflowEvent(telemetry.EventTypeMessageFailed, leadID, execID,
				"Message send failed", data))
		})
		return false, nil
	}

	data["provider_id"] = attempt.ProviderID
	s.emitAttempt(func() {
		warnDropped(s.op.Logger, s.o.tel.Events.PublishWorkflowEvent(telemetry.EventTypeMessageSent, leadID, execID, "Message sent", data))
	})
	return true, nil
}

// commit writes the working copy back. If a send failed before anything
// irreversible happened, only the new attempts and the next contact time
// are written and the lead keeps its previous state.
func (s *session) commit() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.step("commit")

	working := s.lead
	partial := s.sendErr != nil && !s.durable
	base := s.version

	updated, err := s.o.leads.Update(s.ctx, working.ID, func(l *engine.Lead) error {
		if l.Version != base {
			return engine.NewConflictError("lead changed during workflow", nil).
				WithCode(engine.ErrCodeConflict).
				WithResource(l.ID).
				WithDetail("expected_version", base).
				WithDetail("actual_version", l.Version)
		}
		if partial {
			for _, a := range working.ContactAttempts[len(l.ContactAttempts):] {
				appendAttempt(l, a)
			}
			l.NextContactAt = working.NextContactAt
			return nil
		}
		*l = *working.Clone()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit lead %s: %w", working.ID, err)
	}
	s.use(updated)

	events := s.events
	if partial {
		events = s.attemptEvents
	}
	for _, fn := range events {
		fn()
	}
	s.events, s.attemptEvents = nil, nil
	return nil
}

// warnDropped logs an event the publisher refused.
func warnDropped(logger *telemetry.Logger, err error) {
	if err != nil {
		logger.WithError(err).Warn("domain event dropped")
	}
}

// sendFailure wraps the first provider failure of the session.
func (s *session) sendFailure() error {
	return fmt.Errorf("message not delivered: %w", s.sendErr)
}

func appendAttempt(lead *engine.Lead, attempt engine.ContactAttempt) {
	lead.ContactAttempts = append(lead.ContactAttempts, attempt)
	ts := attempt.Timestamp
	lead.LastContactAt = &ts
}
