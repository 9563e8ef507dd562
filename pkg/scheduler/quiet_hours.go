package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// QuietHours is a daily do-not-contact window in a named timezone.
// Start and End are wall-clock times (HH:MM). A window whose End is before
// its Start spans midnight.
type QuietHours struct {
	Start    string `json:"start" yaml:"start"`
	End      string `json:"end" yaml:"end"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Validate checks the clock values and timezone.
func (q QuietHours) Validate() error {
	if _, err := parseClock(q.Start); err != nil {
		return fmt.Errorf("quiet hours start: %w", err)
	}
	if _, err := parseClock(q.End); err != nil {
		return fmt.Errorf("quiet hours end: %w", err)
	}
	if _, err := loadLocation(q.Timezone); err != nil {
		return fmt.Errorf("quiet hours timezone: %w", err)
	}
	return nil
}

// InQuietHours reports whether t falls inside the quiet window. An empty
// window (Start == End) never matches.
func InQuietHours(t time.Time, q QuietHours) (bool, error) {
	start, end, loc, err := q.resolve()
	if err != nil {
		return false, err
	}
	return inWindow(minuteOfDay(t.In(loc)), start, end), nil
}

// NextAllowed returns t if it is outside the quiet window, otherwise the
// instant the window ends.
func NextAllowed(t time.Time, q QuietHours) (time.Time, error) {
	start, end, loc, err := q.resolve()
	if err != nil {
		return time.Time{}, err
	}

	local := t.In(loc)
	m := minuteOfDay(local)
	if !inWindow(m, start, end) {
		return t, nil
	}

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if start > end && m >= start {
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(time.Duration(end) * time.Minute), nil
}

func (q QuietHours) resolve() (start, end int, loc *time.Location, err error) {
	if start, err = parseClock(q.Start); err != nil {
		return 0, 0, nil, err
	}
	if end, err = parseClock(q.End); err != nil {
		return 0, 0, nil, err
	}
	if loc, err = loadLocation(q.Timezone); err != nil {
		return 0, 0, nil, err
	}
	return start, end, loc, nil
}

func inWindow(m, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
