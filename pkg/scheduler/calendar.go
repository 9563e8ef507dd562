package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadflow/leadflow/pkg/engine"
)

// CalendarConfig describes the business-hours grid slots are generated on.
type CalendarConfig struct {
	BusinessStart string // HH:MM
	BusinessEnd   string // HH:MM
	SlotMinutes   int
	DaysAhead     int
	WeekdaysOnly  bool
	Location      *time.Location
}

// DefaultCalendarConfig returns a 9-to-5 weekday grid of one-hour slots
// over the next two weeks.
func DefaultCalendarConfig() CalendarConfig {
	return CalendarConfig{
		BusinessStart: "09:00",
		BusinessEnd:   "17:00",
		SlotMinutes:   60,
		DaysAhead:     14,
		WeekdaysOnly:  true,
		Location:      time.UTC,
	}
}

// GenerateSlots lays out available slots starting at or after from.
// Slot IDs are derived from the local start time so regenerating the same
// range yields the same IDs.
func GenerateSlots(cfg CalendarConfig, from time.Time) ([]engine.AppointmentSlot, error) {
	open, err := parseClock(cfg.BusinessStart)
	if err != nil {
		return nil, fmt.Errorf("business start: %w", err)
	}
	closeAt, err := parseClock(cfg.BusinessEnd)
	if err != nil {
		return nil, fmt.Errorf("business end: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("business end %s must be after start %s", cfg.BusinessEnd, cfg.BusinessStart)
	}
	if cfg.SlotMinutes <= 0 {
		return nil, fmt.Errorf("slot length must be positive, got %d minutes", cfg.SlotMinutes)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	length := time.Duration(cfg.SlotMinutes) * time.Minute

	local := from.In(loc)
	first := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var slots []engine.AppointmentSlot
	for d := 0; d < cfg.DaysAhead; d++ {
		day := first.AddDate(0, 0, d)
		if cfg.WeekdaysOnly && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
			continue
		}
		for m := open; m+cfg.SlotMinutes <= closeAt; m += cfg.SlotMinutes {
			start := day.Add(time.Duration(m) * time.Minute)
			if start.Before(from) {
				continue
			}
			end := start.Add(length)
			slots = append(slots, engine.AppointmentSlot{
				ID:        "slot-" + start.Format("20060102-1504"),
				Date:      start.Format("2006-01-02"),
				StartTime: start.Format("15:04"),
				EndTime:   end.Format("15:04"),
				Start:     start.UTC(),
				End:       end.UTC(),
				Available: true,
			})
		}
	}
	return slots, nil
}

// MemoryCalendar is an in-process engine.Calendar. Booking is a
// check-and-set under a mutex.
type MemoryCalendar struct {
	mu    sync.Mutex
	slots map[string]*engine.AppointmentSlot
}

var _ engine.Calendar = (*MemoryCalendar)(nil)

// NewMemoryCalendar creates a calendar holding copies of slots.
func NewMemoryCalendar(slots []engine.AppointmentSlot) *MemoryCalendar {
	c := &MemoryCalendar{slots: make(map[string]*engine.AppointmentSlot, len(slots))}
	c.Add(slots...)
	return c
}

// Add inserts slots, ignoring IDs that already exist. It returns the number added.
func (c *MemoryCalendar) Add(slots ...engine.AppointmentSlot) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for _, s := range slots {
		if _, ok := c.slots[s.ID]; ok {
			continue
		}
		slot := s
		c.slots[s.ID] = &slot
		added++
	}
	return added
}

// ListAvailable returns available slots starting in [from, to), sorted by start.
func (c *MemoryCalendar) ListAvailable(ctx context.Context, from, to time.Time) ([]engine.AppointmentSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []engine.AppointmentSlot
	for _, s := range c.slots {
		if !s.Available || s.Start.Before(from) || !s.Start.Before(to) {
			continue
		}
		out = append(out, *s)
	}
	sortSlots(out)
	return out, nil
}

// Book binds an available slot to leadID.
func (c *MemoryCalendar) Book(ctx context.Context, slotID, leadID string) (*engine.AppointmentSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[slotID]
	if !ok {
		return nil, engine.NotFoundError("slot", slotID)
	}
	if !s.Available {
		return nil, engine.NewConflictError("slot already booked", engine.ErrSlotUnavailable).
			WithCode(engine.ErrCodeSlotUnavailable).
			WithResource(slotID)
	}
	s.Available = false
	s.LeadID = leadID

	booked := *s
	return &booked, nil
}

// Cancel releases a booked slot. It reports false if the slot was not booked.
func (c *MemoryCalendar) Cancel(ctx context.Context, slotID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[slotID]
	if !ok {
		return false, engine.NotFoundError("slot", slotID)
	}
	if s.Available {
		return false, nil
	}
	s.Available = true
	s.LeadID = ""
	return true, nil
}

// Get returns a copy of a slot.
func (c *MemoryCalendar) Get(ctx context.Context, slotID string) (*engine.AppointmentSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[slotID]
	if !ok {
		return nil, engine.NotFoundError("slot", slotID)
	}
	out := *s
	return &out, nil
}

func sortSlots(slots []engine.AppointmentSlot) {
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].Start.Equal(slots[j].Start) {
			return slots[i].Start.Before(slots[j].Start)
		}
		return slots[i].ID < slots[j].ID
	})
}
