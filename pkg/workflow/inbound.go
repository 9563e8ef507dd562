package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/leadflow/leadflow/pkg/channel"
	"github.com/leadflow/leadflow/pkg/classifier"
	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// InboundResult reports how an inbound message was handled.
type InboundResult struct {
	Success     bool          `json:"success"`
	Action      string        `json:"action"`
	LeadID      string        `json:"lead_id,omitempty"`
	Intent      engine.Intent `json:"intent,omitempty"`
	State       engine.State  `json:"state,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ProcessIncomingMessage attributes an inbound SMS to its lead, records it,
// classifies it and reacts to the intent. The reaction for each intent is
// fixed; the classifier only supplies the intent and extracted fields.
//
// An unknown sender yields ActionLeadNotFound and no error. A reply that
// could not be delivered is reported in the result without an error.
func (o *Orchestrator) ProcessIncomingMessage(ctx context.Context, from, body, providerID string) (InboundResult, error) {
	ctx, span := o.tel.Tracer.StartInboundSpan(ctx, from)
	defer span.End()

	msg := o.channel.ProcessIncomingMessage(from, body, providerID)

	lead, err := o.leads.GetByPhone(ctx, msg.From)
	if err != nil {
		if engine.IsNotFound(err) {
			o.logger.WithField("from", msg.From).Info("inbound message from unknown number")
			return InboundResult{Action: ActionLeadNotFound}, nil
		}
		telemetry.RecordError(span, err)
		return InboundResult{Error: err.Error()}, fmt.Errorf("failed to look up sender: %w", err)
	}
	o.channel.Record(lead.ID, msg.Attempt)

	s := o.begin(ctx, WorkflowInbound, lead.ID)
	s.exec.Context["attempt_id"] = msg.Attempt.ID

	result := InboundResult{LeadID: lead.ID, ExecutionID: s.exec.ID}
	runErr := s.handleInbound(lead, msg, &result)
	if runErr == nil && s.sendErr != nil {
		runErr = s.sendFailure()
	}
	err = s.finish(runErr)

	result.Action = s.action
	if s.lead != nil {
		result.State = s.lead.State
	}
	if err != nil {
		result.Error = err.Error()
		if s.sendErr != nil && errors.Is(err, s.sendErr) && engine.CodeOf(err) != engine.ErrCodeCancelled {
			return result, nil
		}
		return result, err
	}
	result.Success = true
	return result, nil
}

func (s *session) handleInbound(lead *engine.Lead, msg channel.InboundMessage, result *InboundResult) error {
	o := s.o

	s.step("record_inbound")
	updated, err := o.leads.AddContactAttempt(s.ctx, lead.ID, msg.Attempt)
	if err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}
	s.use(updated)
	warnDropped(s.op.Logger, o.tel.Events.PublishWorkflowEvent(telemetry.EventTypeMessageReceived, lead.ID, s.exec.ID,
		"Message received", map[string]interface{}{
			"attempt_id":  msg.Attempt.ID,
			"provider_id": msg.ProviderID,
			"body":        msg.Body,
		}))

	if s.lead.State.IsTerminal() {
		s.action = ActionIgnored
		return nil
	}

	s.step("classify")
	c := o.classifier.Classify(s.ctx, msg.Body)
	result.Intent = c.Intent
	s.exec.Context["intent"] = string(c.Intent)
	for i := range s.lead.ContactAttempts {
		if s.lead.ContactAttempts[i].ID == msg.Attempt.ID {
			classified := c
			s.lead.ContactAttempts[i].Classification = &classified
		}
	}

	h := &intentHandler{s: s, body: msg.Body, canReply: o.machine.CanContact(s.lead)}
	s.step("handle_" + string(c.Intent))
	if err := engine.DispatchIntent(s.ctx, h, s.lead, c); err != nil {
		return err
	}
	if s.action == "" {
		s.action = ActionNoAction
	}
	return s.commit()
}

// intentHandler reacts to one classified inbound message. Each method works
// on the session's copy of the lead; nothing is stored until commit.
type intentHandler struct {
	s    *session
	body string

	// canReply is whether the lead could be contacted when the message
	// arrived. The opt-out confirmation ignores it.
	canReply bool
}

var _ engine.IntentHandler = (*intentHandler)(nil)

// OnStop opts the lead out whatever its state. A consented lead gets a
// confirmation first because the channel refuses opted-out leads; the
// opt-out is kept even if that send fails.
func (h *intentHandler) OnStop(_ context.Context, lead *engine.Lead, _ engine.MessageClassification) error {
	s := h.s
	s.durable = true

	if lead.AppointmentSlot != nil {
		if err := h.cancelSlot(); err != nil {
			return err
		}
	}
	if lead.ConsentVerified {
		if _, err := s.send(TemplateOptOutConfirmation, s.o.templateData(lead)); err != nil {
			s.op.Logger.WithError(err).Warn("opt-out confirmation not sent")
		}
	}

	s.force(engine.StateOptedOut, engine.TriggerOptOut, map[string]string{"intent": string(engine.IntentStop)})
	s.lead.NextContactAt = nil
	s.lead.ProposedSlots = nil
	s.action = ActionOptedOut
	return nil
}

func (h *intentHandler) OnInterested(ctx context.Context, lead *engine.Lead, c engine.MessageClassification) error {
	s := h.s
	switch lead.State {
	case engine.StateInitialContactSent, engine.StateAwaitingResponse:
		if err := h.receive(engine.TriggerClassifyInterested); err != nil {
			return err
		}
		s.lead.NextContactAt = nil
		return s.propose(TemplateSlotProposal)
	case engine.StateInterested:
		return s.propose(TemplateSlotProposal)
	case engine.StateAppointmentProposed:
		return h.book(c)
	case engine.StateAppointmentConfirmed:
		return h.remind()
	case engine.StateNotInterested, engine.StateFailed:
		// A lead that declined or went quiet and now wants to talk goes
		// to a human.
		return s.escalate("re_engaged")
	default:
		return nil
	}
}

// OnNotNow sends a polite decline. A confirmed appointment is cancelled.
func (h *intentHandler) OnNotNow(_ context.Context, lead *engine.Lead, _ engine.MessageClassification) error {
	s := h.s
	data := s.o.templateData(lead)

	switch lead.State {
	case engine.StateInitialContactSent, engine.StateAwaitingResponse:
		if err := h.receive(engine.TriggerClassifyNotInterested); err != nil {
			return err
		}
		s.lead.NextContactAt = nil
	case engine.StateAppointmentConfirmed:
		if lead.AppointmentSlot != nil {
			data.Slot = s.o.scheduler.Format(*lead.AppointmentSlot)
		}
		if err := h.cancelSlot(); err != nil {
			return err
		}
		if err := s.apply(engine.TriggerCancelAppointment, map[string]string{"intent": string(engine.IntentNotNow)}); err != nil {
			return err
		}
		next := s.o.now().Add(s.o.config.Retry.NextContactDelay(s.lead.OutboundAttemptCount()))
		s.lead.NextContactAt = &next
	default:
		if !h.canReply {
			return nil
		}
	}

	if _, err := s.send(TemplateDecline, data); err != nil {
		return err
	}
	s.action = ActionDeclined
	return nil
}

// OnQuestion answers with a drafted reply. An open contact attempt is
// moved through response_received back to awaiting_response.
func (h *intentHandler) OnQuestion(ctx context.Context, lead *engine.Lead, _ engine.MessageClassification) error {
	s := h.s
	switch lead.State {
	case engine.StateInitialContactSent, engine.StateAwaitingResponse:
		if err := h.receive(engine.TriggerClassifyQuestion); err != nil {
			return err
		}
	}
	if !h.canReply {
		return nil
	}
	if err := h.draft(ctx, classifier.PurposeAnswerQuestion); err != nil {
		return err
	}
	s.action = ActionQuestionAnswered
	return nil
}

// OnConfirm books the chosen slot from the current proposal.
func (h *intentHandler) OnConfirm(ctx context.Context, lead *engine.Lead, c engine.MessageClassification) error {
	switch lead.State {
	case engine.StateAppointmentProposed:
		return h.book(c)
	case engine.StateAppointmentConfirmed:
		return h.remind()
	default:
		return h.OnInterested(ctx, lead, c)
	}
}

// OnReschedule releases any booked slot and proposes new ones.
func (h *intentHandler) OnReschedule(ctx context.Context, lead *engine.Lead, c engine.MessageClassification) error {
	s := h.s
	switch lead.State {
	case engine.StateAppointmentConfirmed:
		if err := h.cancelSlot(); err != nil {
			return err
		}
		fallthrough
	case engine.StateAppointmentProposed:
		if err := s.apply(engine.TriggerRescheduleAppointment, map[string]string{"intent": string(engine.IntentReschedule)}); err != nil {
			return err
		}
		s.lead.ProposedSlots = nil
		return s.propose(TemplateRescheduleProposal)
	case engine.StateInterested:
		return s.propose(TemplateRescheduleProposal)
	case engine.StateInitialContactSent, engine.StateAwaitingResponse:
		return h.OnInterested(ctx, lead, c)
	default:
		return nil
	}
}

// OnUnknown sends a generic helpful reply and leaves the state alone.
func (h *intentHandler) OnUnknown(ctx context.Context, _ *engine.Lead, _ engine.MessageClassification) error {
	if !h.canReply {
		return nil
	}
	if err := h.draft(ctx, classifier.PurposeClarify); err != nil {
		return err
	}
	h.s.action = ActionClarificationSent
	return nil
}

// receive records the response and the classification trigger.
func (h *intentHandler) receive(classify engine.Trigger) error {
	if err := h.s.apply(engine.TriggerReceiveResponse, nil); err != nil {
		return err
	}
	return h.s.apply(classify, nil)
}

func (h *intentHandler) draft(ctx context.Context, purpose string) error {
	s := h.s
	text := s.o.classifier.Draft(ctx, engine.DraftContext{
		LeadName:    s.lead.FirstName,
		State:       s.lead.State,
		LastMessage: h.body,
		Purpose:     purpose,
	})
	_, err := s.sendBody(purpose, text)
	return err
}

// book reserves the slot the lead picked, defaulting to the first one
// offered. Losing the slot to another lead re-proposes instead of failing.
func (h *intentHandler) book(c engine.MessageClassification) error {
	s := h.s
	o := s.o

	slots := s.lead.ProposedSlots
	if len(slots) == 0 {
		if err := s.apply(engine.TriggerRescheduleAppointment, map[string]string{"reason": "no_proposal"}); err != nil {
			return err
		}
		return s.propose(TemplateSlotProposal)
	}

	idx := 0
	if n := c.Extracted.PreferredSlot; n >= 1 && n <= len(slots) {
		idx = n - 1
	}
	slot := slots[idx]

	s.step("book_slot")
	booking := o.scheduler.BookAppointment(s.ctx, s.lead, slot.ID)
	if !booking.Success {
		if errors.Is(booking.Error, engine.ErrSlotUnavailable) || engine.IsNotFound(booking.Error) {
			if err := s.apply(engine.TriggerRescheduleAppointment, map[string]string{
				"reason":  "slot_unavailable",
				"slot_id": slot.ID,
			}); err != nil {
				return err
			}
			s.lead.ProposedSlots = nil
			if err := s.propose(TemplateSlotTaken); err != nil {
				return err
			}
			if s.action == ActionSlotsProposed {
				s.action = ActionSlotTaken
			}
			return nil
		}
		return fmt.Errorf("failed to book slot %s: %w", slot.ID, booking.Error)
	}

	s.durable = true
	booked := *booking.Slot
	s.lead.AppointmentSlot = &booked
	s.lead.ProposedSlots = nil
	s.lead.NextContactAt = nil
	if err := s.apply(engine.TriggerConfirmAppointment, map[string]string{"slot_id": booked.ID}); err != nil {
		return err
	}

	formatted := o.scheduler.Format(booked)
	s.publish(telemetry.EventTypeAppointmentBooked, "Appointment booked for "+formatted,
		map[string]interface{}{"slot_id": booked.ID, "start": booked.Start, "slot": formatted})

	data := o.templateData(s.lead)
	data.Slot = formatted
	if _, err := s.send(TemplateAppointmentConfirmed, data); err != nil {
		return err
	}
	s.action = ActionAppointmentConfirmed
	return nil
}

func (h *intentHandler) remind() error {
	s := h.s
	if s.lead.AppointmentSlot == nil || !h.canReply {
		return nil
	}
	data := s.o.templateData(s.lead)
	data.Slot = s.o.scheduler.Format(*s.lead.AppointmentSlot)
	if _, err := s.send(TemplateAppointmentReminder, data); err != nil {
		return err
	}
	s.action = ActionAppointmentReminder
	return nil
}

// cancelSlot releases the lead's booked slot.
func (h *intentHandler) cancelSlot() error {
	s := h.s
	slot := s.lead.AppointmentSlot
	if slot == nil {
		return nil
	}

	s.step("cancel_slot")
	released, err := s.o.scheduler.CancelAppointment(s.ctx, slot.ID)
	if err != nil {
		return err
	}
	s.durable = true
	s.lead.AppointmentSlot = nil
	s.publish(telemetry.EventTypeAppointmentCancelled, "Appointment cancelled", map[string]interface{}{
		"slot_id":  slot.ID,
		"released": released,
	})
	return nil
}
