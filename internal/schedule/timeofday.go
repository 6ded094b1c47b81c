// Package schedule holds the pure scheduling domain: wall-clock trigger
// times, notification identities, and the planner that enumerates the
// desired reminder set for a medication.
package schedule

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock HH:MM trigger with no date component. Entries
// repeat daily in the device's local time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (zero padding optional on input; output is
// always zero-padded via String).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range: %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// String renders the normalized zero-padded form used in identities and
// storage keys.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// AddMinutes shifts the trigger by delta minutes, wrapping across hour and
// day boundaries in both directions: 00:02 - 5 = 23:57, 23:58 + 5 = 00:03.
func (t TimeOfDay) AddMinutes(delta int) TimeOfDay {
	const dayMinutes = 24 * 60
	total := (t.Hour*60 + t.Minute + delta) % dayMinutes
	if total < 0 {
		total += dayMinutes
	}
	return TimeOfDay{Hour: total / 60, Minute: total % 60}
}

// OnDay returns the concrete instant of this trigger on the calendar day of
// ref, in ref's location.
func (t TimeOfDay) OnDay(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, ref.Location())
}

// Before reports whether t sorts before other in the day.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	if t.Hour != other.Hour {
		return t.Hour < other.Hour
	}
	return t.Minute < other.Minute
}

// MarshalText and UnmarshalText make TimeOfDay round-trip through JSON as
// its "HH:MM" form.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
