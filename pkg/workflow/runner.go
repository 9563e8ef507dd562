package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// RunSummary counts what one pass over the due leads did.
type RunSummary struct {
	// Processed is the number of due leads looked at.
	Processed int `json:"processed"`

	// FollowUps were sent to leads awaiting a response.
	FollowUps int `json:"follow_ups"`

	// Started leads received their initial message.
	Started int `json:"started"`

	// Failed leads hit their attempt cap and moved to failed.
	Failed int `json:"failed"`

	// Skipped leads were held back by the contact policy.
	Skipped int `json:"skipped"`

	// Errors counts leads whose workflow ended with an error.
	Errors int `json:"errors"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("processed=%d started=%d follow_ups=%d failed=%d skipped=%d errors=%d",
		s.Processed, s.Started, s.FollowUps, s.Failed, s.Skipped, s.Errors)
}

type dueOutcome int

const (
	outcomeStarted dueOutcome = iota
	outcomeFollowUp
	outcomeExhausted
	outcomeSkipped
)

// RunScheduledContacts handles every lead due for contact, one after the
// other. Leads at their attempt cap move to failed; consented leads never
// reached get their initial message; the rest get a follow-up. An error on
// one lead is counted and the pass continues; only a failed lead query or
// cancellation stops it.
func (o *Orchestrator) RunScheduledContacts(ctx context.Context) (RunSummary, error) {
	ctx, span := o.tel.Tracer.StartRunnerTickSpan(ctx)
	defer span.End()

	var summary RunSummary
	leads, err := o.leads.ListDueForContact(ctx, o.now())
	if err != nil {
		err = fmt.Errorf("failed to list due leads: %w", err)
		telemetry.RecordError(span, err)
		o.tel.Metrics.RecordRunnerTick(err)
		return summary, err
	}

	for _, lead := range leads {
		if err := ctx.Err(); err != nil {
			o.tel.Metrics.RecordRunnerTick(err)
			return summary, err
		}
		summary.Processed++

		outcome, err := o.contactDue(ctx, lead)
		if err != nil {
			summary.Errors++
			o.logger.WithLeadID(lead.ID).WithError(err).Warn("scheduled contact failed")
			continue
		}
		switch outcome {
		case outcomeStarted:
			summary.Started++
		case outcomeFollowUp:
			summary.FollowUps++
		case outcomeExhausted:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	o.tel.Metrics.RecordRunnerTick(nil)
	if summary.Processed > 0 {
		o.logger.WithField("summary", summary.String()).Info("scheduled contacts processed")
	}
	return summary, nil
}

func (o *Orchestrator) contactDue(ctx context.Context, lead *engine.Lead) (dueOutcome, error) {
	if lead.OutboundAttemptCount() >= lead.MaxContactAttempts {
		return outcomeExhausted, o.exhaust(ctx, lead.ID)
	}

	kind := engine.ContactKindFollowUp
	if lead.State == engine.StateConsentVerified || lead.State == engine.StateContactScheduled {
		kind = engine.ContactKindInitial
	}

	decision, err := o.checkContact(ctx, lead, kind)
	if err != nil {
		return outcomeSkipped, err
	}
	if !decision.Allowed {
		o.announceDenial(lead, kind, decision, "")
		return outcomeSkipped, nil
	}

	if kind == engine.ContactKindInitial {
		_, err := o.startForLead(ctx, lead.ID, false)
		return outcomeStarted, err
	}
	return outcomeFollowUp, o.followUp(ctx, lead.ID)
}

// exhaust moves a lead that used up its attempts to failed.
func (o *Orchestrator) exhaust(ctx context.Context, leadID string) error {
	s := o.begin(ctx, WorkflowFollowUp, leadID)
	return s.finish(func() error {
		if err := s.load(leadID); err != nil {
			return err
		}
		attempts := s.lead.OutboundAttemptCount()
		if err := s.apply(engine.TriggerMaxAttemptsReached, map[string]string{
			"attempts": fmt.Sprint(attempts),
			"max":      fmt.Sprint(s.lead.MaxContactAttempts),
		}); err != nil {
			return err
		}
		s.lead.NextContactAt = nil
		s.action = ActionMaxAttemptsReached
		return s.commit()
	}())
}

// followUp sends the follow-up message and schedules the next one.
func (o *Orchestrator) followUp(ctx context.Context, leadID string) error {
	s := o.begin(ctx, WorkflowFollowUp, leadID)
	return s.finish(func() error {
		if err := s.load(leadID); err != nil {
			return err
		}
		if !o.machine.CanContact(s.lead) {
			return contactBlocked(s.lead, "lead cannot be contacted in state "+string(s.lead.State))
		}
		if !o.machine.CanTransition(s.lead.State, engine.TriggerSendFollowUp) {
			return engine.InvalidTransitionError(s.lead.ID, s.lead.State, engine.TriggerSendFollowUp)
		}

		data := o.templateData(s.lead)
		data.Attempt = s.lead.OutboundAttemptCount() + 1
		sent, err := s.send(TemplateFollowUp, data)
		if err != nil {
			return err
		}

		now := o.now()
		if !sent {
			next := now.Add(o.config.Retry.DelayAfterFailure(s.failureReason, s.lead.OutboundAttemptCount()))
			s.lead.NextContactAt = &next
			if err := s.commit(); err != nil {
				return err
			}
			return s.sendFailure()
		}

		if err := s.apply(engine.TriggerSendFollowUp, map[string]string{"attempt": fmt.Sprint(data.Attempt)}); err != nil {
			return err
		}
		next := now.Add(o.config.Retry.NextContactDelay(s.lead.OutboundAttemptCount()))
		s.lead.NextContactAt = &next
		s.action = ActionFollowUpSent
		return s.commit()
	}())
}

// Runner calls RunScheduledContacts on a fixed interval. A pass always
// finishes before the next one is scheduled, so passes never overlap.
type Runner struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *telemetry.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	last    RunSummary
}

// NewRunner creates a runner. A non-positive interval means one minute.
func NewRunner(o *Orchestrator, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		orchestrator: o,
		interval:     interval,
		logger:       o.tel.Logger.NewComponentLogger("runner"),
	}
}

// Start runs passes until ctx is done. It blocks.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.WithField("interval", r.interval.String()).Info("scheduled contact runner started")

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("scheduled contact runner stopped")
			return
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("scheduled contact pass failed")
			}
			timer.Reset(r.interval)
		}
	}
}

// RunOnce performs a single pass.
func (r *Runner) RunOnce(ctx context.Context) (RunSummary, error) {
	summary, err := r.orchestrator.RunScheduledContacts(ctx)

	r.mu.Lock()
	r.last = summary
	r.lastRun = r.orchestrator.now()
	r.mu.Unlock()
	return summary, err
}

// Running reports whether Start is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastRun returns the most recent summary and when it finished. The time
// is zero before the first pass.
func (r *Runner) LastRun() (RunSummary, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.lastRun
}
