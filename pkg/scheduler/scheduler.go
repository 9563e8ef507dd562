package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
	"github.com/leadflow/leadflow/pkg/telemetry"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// BookingResult reports the outcome of a booking attempt. Error is set when
// Success is false; a lost race carries engine.ErrSlotUnavailable.
type BookingResult struct {
	Success bool
	Slot    *engine.AppointmentSlot
	Error   error
}

// Proposal is a set of slots offered to a lead along with the numbered
// lines sent in the message.
type Proposal struct {
	Slots     []engine.AppointmentSlot
	Formatted []string
}

// Text joins the formatted lines into a message body fragment.
func (p Proposal) Text() string {
	return strings.Join(p.Formatted, "\n")
}

// Config configures the Scheduler.
type Config struct {
	// WindowDays bounds how far ahead ProposeSlots looks.
	WindowDays int

	// Location is the timezone slots are presented in.
	Location *time.Location

	Clock func() time.Time
}

// Scheduler wraps a calendar with booking pre-checks and slot proposals.
type Scheduler struct {
	calendar engine.Calendar
	config   Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewScheduler creates a scheduler over calendar.
func NewScheduler(calendar engine.Calendar, cfg Config, tel *telemetry.Telemetry) *Scheduler {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 14
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	return &Scheduler{
		calendar: calendar,
		config:   cfg,
		logger:   tel.Logger.NewComponentLogger("scheduler"),
		metrics:  tel.Metrics,
	}
}

// Calendar returns the underlying calendar.
func (s *Scheduler) Calendar() engine.Calendar {
	return s.calendar
}

// Format renders a slot in the scheduler's timezone.
func (s *Scheduler) Format(slot engine.AppointmentSlot) string {
	return FormatSlot(slot, s.config.Location)
}

// GetAvailableSlots returns available slots in window sorted ascending by
// start time. A limit of zero or less returns every slot.
func (s *Scheduler) GetAvailableSlots(ctx context.Context, window Window, limit int) ([]engine.AppointmentSlot, error) {
	if !window.End.After(window.Start) {
		return nil, engine.ValidationError("slot window end must be after start", nil)
	}

	slots, err := s.calendar.ListAvailable(ctx, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}

	available := slots[:0]
	for _, slot := range slots {
		if slot.Available {
			available = append(available, slot)
		}
	}
	sortSlots(available)

	if limit > 0 && len(available) > limit {
		available = available[:limit]
	}
	return available, nil
}

// BookAppointment books slotID for lead. Leads that opted out or already
// hold a confirmed appointment are rejected before the calendar is touched.
func (s *Scheduler) BookAppointment(ctx context.Context, lead *engine.Lead, slotID string) BookingResult {
	if lead == nil {
		return BookingResult{Error: engine.ValidationError("lead is required", nil)}
	}

	logger := s.logger.WithLeadID(lead.ID).WithField("slot_id", slotID)

	switch {
	case lead.State == engine.StateOptedOut:
		s.metrics.RecordBooking("rejected")
		return BookingResult{Error: engine.NewPermanentError("lead has opted out", engine.ErrContactBlocked).
			WithCode(engine.ErrCodeContactBlocked).
			WithResource(lead.ID)}
	case lead.State == engine.StateAppointmentConfirmed && lead.AppointmentSlot != nil:
		s.metrics.RecordBooking("rejected")
		return BookingResult{Error: engine.NewConflictError("lead already has a confirmed appointment", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(lead.ID).
			WithDetail("slot_id", lead.AppointmentSlot.ID)}
	}

	slot, err := s.calendar.Book(ctx, slotID, lead.ID)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrSlotUnavailable):
			s.metrics.RecordBooking("unavailable")
			logger.Info("slot already booked")
		case engine.IsNotFound(err):
			s.metrics.RecordBooking("not_found")
		default:
			s.metrics.RecordBooking("error")
			logger.WithError(err).Warn("booking failed")
		}
		return BookingResult{Error: err}
	}

	s.metrics.RecordBooking("booked")
	logger.Info("appointment booked")
	return BookingResult{Success: true, Slot: slot}
}

// CancelAppointment releases a booked slot. It reports false if the slot
// was not booked.
func (s *Scheduler) CancelAppointment(ctx context.Context, slotID string) (bool, error) {
	released, err := s.calendar.Cancel(ctx, slotID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel slot %s: %w", slotID, err)
	}
	if released {
		s.logger.WithField("slot_id", slotID).Info("appointment cancelled")
	}
	return released, nil
}

// ProposeSlots picks up to count of the earliest available slots from now
// until the configured window ends.
func (s *Scheduler) ProposeSlots(ctx context.Context, lead *engine.Lead, count int) (Proposal, error) {
	if lead == nil {
		return Proposal{}, engine.ValidationError("lead is required", nil)
	}
	if count <= 0 {
		return Proposal{}, nil
	}

	now := s.config.Clock()
	slots, err := s.GetAvailableSlots(ctx, Window{
		Start: now,
		End:   now.AddDate(0, 0, s.config.WindowDays),
	}, count)
	if err != nil {
		return Proposal{}, err
	}

	proposal := Proposal{Slots: slots, Formatted: make([]string, 0, len(slots))}
	for i, slot := range slots {
		proposal.Formatted = append(proposal.Formatted, fmt.Sprintf("%d. %s", i+1, FormatSlot(slot, s.config.Location)))
	}

	s.logger.WithLeadID(lead.ID).Debugf("proposing %d slots", len(slots))
	return proposal, nil
}

// FormatSlot renders a slot for an SMS, for example "Tue Mar 5 at 9:00 AM".
func FormatSlot(slot engine.AppointmentSlot, loc *time.Location) string {
	if slot.Start.IsZero() {
		return strings.TrimSpace(slot.Date + " " + slot.StartTime)
	}
	if loc == nil {
		loc = time.UTC
	}
	return slot.Start.In(loc).Format("Mon Jan 2 at 3:04 PM")
}
