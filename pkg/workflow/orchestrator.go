package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leadflow/leadflow/pkg/channel"
	"github.com/leadflow/leadflow/pkg/classifier"
	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/scheduler"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// Workflow names recorded on executions and workflow metrics.
const (
	WorkflowStartForLead        = "start_for_lead"
	WorkflowInbound             = "process_inbound"
	WorkflowProposeAppointment  = "propose_appointment"
	WorkflowFollowUp            = "follow_up"
	WorkflowCompleteAppointment = "complete_appointment"
	WorkflowEscalate            = "escalate"
)

// Actions reported by the orchestrator for a handled lead.
const (
	ActionLeadNotFound         = "lead_not_found"
	ActionInitialContactSent   = "initial_contact_sent"
	ActionFollowUpSent         = "follow_up_sent"
	ActionMaxAttemptsReached   = "max_attempts_reached"
	ActionOptedOut             = "opted_out"
	ActionSlotsProposed        = "slots_proposed"
	ActionSlotTaken            = "slot_taken_reproposed"
	ActionAppointmentConfirmed = "appointment_confirmed"
	ActionAppointmentReminder  = "appointment_reminder_sent"
	ActionAppointmentCompleted = "appointment_completed"
	ActionDeclined             = "declined"
	ActionQuestionAnswered     = "question_answered"
	ActionClarificationSent    = "clarification_sent"
	ActionEscalated            = "escalated"
	ActionIgnored              = "ignored"
	ActionNoAction             = "no_action"
)

// Config tunes the orchestrator.
type Config struct {
	// ProposalCount is the number of slots offered at a time.
	ProposalCount int

	// QuietHours, when set, is reported to the contact policy. Without a
	// policy, proactive contact inside the window is refused.
	QuietHours *scheduler.QuietHours

	Retry RetryPolicy

	Clock func() time.Time
}

// Dependencies are the collaborators the orchestrator drives.
type Dependencies struct {
	Leads      engine.LeadRepository
	Executions engine.ExecutionStore
	Channel    *channel.Adapter
	Scheduler  *scheduler.Scheduler
	Classifier *classifier.Adapter

	// Policy gates proactive contact. Optional.
	Policy engine.ContactPolicy

	// Templates defaults to the embedded catalog.
	Templates *Templates

	// StateMachine defaults to one on Config.Clock.
	StateMachine *engine.StateMachine
}

// Orchestrator drives leads through the lifecycle. It is the only writer
// of lead state: every operation reads the lead, works on a copy and
// commits the result in one store update.
type Orchestrator struct {
	leads      engine.LeadRepository
	executions engine.ExecutionStore
	machine    *engine.StateMachine
	channel    *channel.Adapter
	scheduler  *scheduler.Scheduler
	classifier *classifier.Adapter
	policy     engine.ContactPolicy
	templates  *Templates

	config Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(deps Dependencies, cfg Config, tel *telemetry.Telemetry) (*Orchestrator, error) {
	switch {
	case deps.Leads == nil:
		return nil, fmt.Errorf("lead repository is required")
	case deps.Executions == nil:
		return nil, fmt.Errorf("execution store is required")
	case deps.Channel == nil:
		return nil, fmt.Errorf("channel adapter is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier adapter is required")
	}
	if cfg.QuietHours != nil {
		if err := cfg.QuietHours.Validate(); err != nil {
			return nil, fmt.Errorf("invalid quiet hours: %w", err)
		}
	}

	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ProposalCount <= 0 {
		cfg.ProposalCount = 3
	}
	if cfg.Retry.FollowUpInterval <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	if deps.Templates == nil {
		deps.Templates = DefaultTemplates()
	}
	if deps.StateMachine == nil {
		deps.StateMachine = engine.NewStateMachineWithClock(cfg.Clock)
	}

	return &Orchestrator{
		leads:      deps.Leads,
		executions: deps.Executions,
		machine:    deps.StateMachine,
		channel:    deps.Channel,
		scheduler:  deps.Scheduler,
		classifier: deps.Classifier,
		policy:     deps.Policy,
		templates:  deps.Templates,
		config:     cfg,
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("orchestrator"),
	}, nil
}

// StateMachine returns the state machine used for every transition.
func (o *Orchestrator) StateMachine() *engine.StateMachine {
	return o.machine
}

// Templates returns the message catalog.
func (o *Orchestrator) Templates() *Templates {
	return o.templates
}

func (o *Orchestrator) now() time.Time {
	return o.config.Clock()
}

// StartForLead sends the initial message to a consented lead and moves it
// to awaiting_response. Any failure ends the execution as failed and the
// lead keeps its previous state; only a failed send attempt is recorded.
func (o *Orchestrator) StartForLead(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	return o.startForLead(ctx, leadID, true)
}

func (o *Orchestrator) startForLead(ctx context.Context, leadID string, gate bool) (*engine.WorkflowExecution, error) {
	s := o.begin(ctx, WorkflowStartForLead, leadID)
	err := s.finish(o.runStart(s, leadID, gate))
	return s.exec.Clone(), err
}

func (o *Orchestrator) runStart(s *session, leadID string, gate bool) error {
	s.step("load")
	if err := s.load(leadID); err != nil {
		return err
	}
	lead := s.lead

	s.step("verify_consent")
	if !lead.ConsentVerified {
		return engine.NewPermanentError("lead has not given consent", nil).
			WithCode(engine.ErrCodeConsentRequired).
			WithResource(lead.ID)
	}
	if !o.machine.CanContact(lead) {
		return contactBlocked(lead, "lead cannot be contacted in state "+string(lead.State))
	}
	if lead.OutboundAttemptCount() >= lead.MaxContactAttempts {
		return contactBlocked(lead, "contact attempt limit reached")
	}

	if gate {
		s.step("check_policy")
		if err := o.gate(s.ctx, lead, engine.ContactKindInitial, s.exec.ID); err != nil {
			return err
		}
	}

	switch lead.State {
	case engine.StateConsentVerified:
		if err := s.apply(engine.TriggerScheduleContact, nil); err != nil {
			return err
		}
	case engine.StateContactScheduled:
	default:
		return engine.InvalidTransitionError(lead.ID, lead.State, engine.TriggerScheduleContact)
	}

	data := o.templateData(lead)
	data.Attempt = lead.OutboundAttemptCount() + 1
	sent, err := s.send(TemplateInitialContact, data)
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

	if err := s.apply(engine.TriggerSendInitialSMS, nil); err != nil {
		return err
	}
	if err := s.apply(engine.TriggerAwaitResponse, nil); err != nil {
		return err
	}
	next := now.Add(o.config.Retry.NextContactDelay(s.lead.OutboundAttemptCount()))
	s.lead.NextContactAt = &next
	s.action = ActionInitialContactSent
	return s.commit()
}

// ProposeAppointmentSlots offers the next available slots to an interested
// lead. With no slots available the lead gets a handoff message and is
// escalated rather than left waiting.
func (o *Orchestrator) ProposeAppointmentSlots(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	s := o.begin(ctx, WorkflowProposeAppointment, leadID)
	err := s.finish(func() error {
		if err := s.load(leadID); err != nil {
			return err
		}
		if s.lead.State != engine.StateInterested {
			return engine.InvalidTransitionError(s.lead.ID, s.lead.State, engine.TriggerProposeAppointment)
		}
		if err := s.propose(TemplateSlotProposal); err != nil {
			return err
		}
		if err := s.commit(); err != nil {
			return err
		}
		if s.sendErr != nil {
			return s.sendFailure()
		}
		return nil
	}())
	return s.exec.Clone(), err
}

// propose offers slots on the working copy, which must be interested.
func (s *session) propose(template string) error {
	o := s.o
	s.step("propose_slots")

	proposal, err := o.scheduler.ProposeSlots(s.ctx, s.lead, o.config.ProposalCount)
	if err != nil {
		return fmt.Errorf("failed to propose slots: %w", err)
	}

	if len(proposal.Slots) == 0 {
		// The lead is escalated even if the handoff message fails.
		s.durable = true
		if o.machine.CanContact(s.lead) {
			if _, err := s.send(TemplateHandoff, o.templateData(s.lead)); err != nil {
				return err
			}
		}
		return s.escalate("no_available_slots")
	}

	s.lead.ProposedSlots = proposal.Slots
	data := o.templateData(s.lead)
	data.Slots = proposal.Text()
	sent, err := s.send(template, data)
	if err != nil || !sent {
		return err
	}
	if err := s.apply(engine.TriggerProposeAppointment, nil); err != nil {
		return err
	}

	ids := make([]string, len(proposal.Slots))
	for i, slot := range proposal.Slots {
		ids[i] = slot.ID
	}
	s.publish(telemetry.EventTypeAppointmentProposed, fmt.Sprintf("Proposed %d appointment slots", len(ids)),
		map[string]interface{}{"slot_ids": ids, "slots": proposal.Formatted})
	s.action = ActionSlotsProposed
	return nil
}

// escalate applies the escalate trigger and announces the handoff.
func (s *session) escalate(reason string) error {
	if err := s.apply(engine.TriggerEscalate, map[string]string{"reason": reason}); err != nil {
		return err
	}
	s.lead.NextContactAt = nil
	s.publish(telemetry.EventTypeLeadEscalated, "Lead escalated to a human", map[string]interface{}{"reason": reason})
	s.action = ActionEscalated
	return nil
}

// CompleteAppointment marks a confirmed appointment as held.
func (o *Orchestrator) CompleteAppointment(ctx context.Context, leadID string) (*engine.WorkflowExecution, error) {
	s := o.begin(ctx, WorkflowCompleteAppointment, leadID)
	err := s.finish(func() error {
		if err := s.load(leadID); err != nil {
			return err
		}
		meta := map[string]string{}
		if s.lead.AppointmentSlot != nil {
			meta["slot_id"] = s.lead.AppointmentSlot.ID
		}
		if err := s.apply(engine.TriggerCompleteAppointment, meta); err != nil {
			return err
		}
		s.lead.NextContactAt = nil
		s.action = ActionAppointmentCompleted
		return s.commit()
	}())
	return s.exec.Clone(), err
}

// EscalateLead hands a lead to a human. Where the table has no escalate
// transition from the lead's state the move is forced; terminal leads are
// rejected.
func (o *Orchestrator) EscalateLead(ctx context.Context, leadID, reason string) (*engine.WorkflowExecution, error) {
	if reason == "" {
		reason = "operator"
	}
	s := o.begin(ctx, WorkflowEscalate, leadID)
	err := s.finish(func() error {
		if err := s.load(leadID); err != nil {
			return err
		}
		if s.lead.State.IsTerminal() {
			return engine.InvalidTransitionError(s.lead.ID, s.lead.State, engine.TriggerEscalate)
		}
		if o.machine.CanTransition(s.lead.State, engine.TriggerEscalate) {
			if err := s.escalate(reason); err != nil {
				return err
			}
		} else {
			s.force(engine.StateEscalated, engine.TriggerEscalate, map[string]string{"reason": reason})
			s.lead.NextContactAt = nil
			s.publish(telemetry.EventTypeLeadEscalated, "Lead escalated to a human", map[string]interface{}{"reason": reason})
			s.action = ActionEscalated
		}
		return s.commit()
	}())
	return s.exec.Clone(), err
}

// checkContact asks the contact policy whether a proactive message may go
// out now.
func (o *Orchestrator) checkContact(ctx context.Context, lead *engine.Lead, kind engine.ContactKind) (engine.ContactDecision, error) {
	now := o.now()
	req := engine.ContactRequest{
		Lead:       lead,
		Kind:       kind,
		Now:        now,
		CanContact: o.machine.CanContact(lead),
	}
	if o.config.QuietHours != nil {
		quiet, err := scheduler.InQuietHours(now, *o.config.QuietHours)
		if err != nil {
			return engine.ContactDecision{}, fmt.Errorf("failed to evaluate quiet hours: %w", err)
		}
		req.InQuietHours = quiet
	}

	if o.policy == nil {
		if req.InQuietHours {
			return engine.ContactDecision{Violations: []string{"inside quiet hours"}}, nil
		}
		return engine.ContactDecision{Allowed: true}, nil
	}
	return o.policy.EvaluateContact(ctx, req)
}

// gate evaluates the contact policy and turns a denial into an error after
// announcing it.
func (o *Orchestrator) gate(ctx context.Context, lead *engine.Lead, kind engine.ContactKind, workflowID string) error {
	decision, err := o.checkContact(ctx, lead, kind)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}
	o.announceDenial(lead, kind, decision, workflowID)
	return engine.NewPermanentError("contact denied by policy: "+strings.Join(decision.Violations, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(lead.ID).
		WithDetail("kind", string(kind)).
		WithDetail("violations", decision.Violations)
}

func (o *Orchestrator) announceDenial(lead *engine.Lead, kind engine.ContactKind, decision engine.ContactDecision, workflowID string) {
	o.logger.WithLeadID(lead.ID).
		WithField("kind", string(kind)).
		WithField("violations", decision.Violations).
		Info("contact denied by policy")
	warnDropped(o.logger, o.tel.Events.PublishWorkflowEvent(telemetry.EventTypePolicyDenied, lead.ID, workflowID,
		"Contact denied by policy", map[string]interface{}{
			"kind":       string(kind),
			"violations": decision.Violations,
		}))
}

func (o *Orchestrator) refreshActive(ctx context.Context) {
	n, err := o.executions.CountActiveExecutions(ctx)
	if err != nil {
		return
	}
	o.tel.Metrics.SetActiveWorkflows(float64(n))
}

func (o *Orchestrator) templateData(lead *engine.Lead) TemplateData {
	first := strings.TrimSpace(lead.FirstName)
	if first == "" {
		first = "there"
	}
	return TemplateData{FirstName: first, FullName: lead.FullName()}
}

func contactBlocked(lead *engine.Lead, message string) error {
	return engine.NewPermanentError(message, engine.ErrContactBlocked).
		WithCode(engine.ErrCodeContactBlocked).
		WithResource(lead.ID).
		WithDetail("state", string(lead.State)).
		WithDetail("attempts", strconv.Itoa(lead.OutboundAttemptCount()))
}
