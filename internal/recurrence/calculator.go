// Package recurrence holds the pure date arithmetic behind recurring tasks:
// pattern parsing, next-due-date calculation and the per-day completion
// ledger. Nothing in this package touches the database or the clock.
package recurrence

import (
	"errors"
	"strings"
	"time"
)

// Pattern is the unit a recurring task repeats in.
type Pattern string

const (
	PatternNone    Pattern = "none"
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
	PatternYearly  Pattern = "yearly"
)

// ErrInvalidRecurrence is returned when a recurrence configuration is
// rejected at task-creation time.
var ErrInvalidRecurrence = errors.New("invalid recurrence configuration")

// ParsePattern maps a stored pattern string to a Pattern. Unknown values
// parse as PatternNone.
func ParsePattern(raw string) Pattern {
	switch Pattern(strings.ToLower(strings.TrimSpace(raw))) {
	case PatternDaily:
		return PatternDaily
	case PatternWeekly:
		return PatternWeekly
	case PatternMonthly:
		return PatternMonthly
	case PatternYearly:
		return PatternYearly
	default:
		return PatternNone
	}
}

// ValidateSpec checks a recurrence configuration before it is ever persisted.
// The calculator itself is total; bad intervals and inconsistent flags must
// be rejected here.
func ValidateSpec(isRecurring bool, pattern Pattern, interval int) error {
	if !isRecurring {
		if pattern != PatternNone {
			return errors.Join(ErrInvalidRecurrence, errors.New("pattern set on a non-recurring task"))
		}
		return nil
	}
	if pattern == PatternNone {
		return errors.Join(ErrInvalidRecurrence, errors.New("recurring task needs a pattern"))
	}
	if interval <= 0 {
		return errors.Join(ErrInvalidRecurrence, errors.New("interval must be positive"))
	}
	return nil
}

// NextDueDate returns the next occurrence after from, interval periods away
// under pattern. It returns nil for PatternNone, unknown patterns and
// non-positive intervals. Results are UTC midnights; month and year steps are
// calendar-aware, clamping to the last valid day of the target month.
func NextDueDate(pattern Pattern, interval int, from time.Time) *time.Time {
	if interval < 1 {
		return nil
	}

	day := startOfDayUTC(from)
	var next time.Time
	switch pattern {
	case PatternDaily:
		next = day.AddDate(0, 0, interval)
	case PatternWeekly:
		next = day.AddDate(0, 0, 7*interval)
	case PatternMonthly:
		next = addMonthsClamped(day, interval)
	case PatternYearly:
		next = addMonthsClamped(day, 12*interval)
	default:
		return nil
	}
	return &next
}

// addMonthsClamped steps whole calendar months, keeping the day of month
// where it exists and clamping to the end of shorter months (Jan 31 + 1
// month is Feb 29 in a leap year, not Mar 2 as AddDate would normalize).
func addMonthsClamped(from time.Time, months int) time.Time {
	year, month, day := from.Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
	if last := daysInMonth(first.Month(), first.Year()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(month time.Month, year int) int {
	// Move to next month, roll back a day.
	firstOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	lastOfMonth := firstOfMonth.AddDate(0, 1, 0).AddDate(0, 0, -1)
	return lastOfMonth.Day()
}

func startOfDayUTC(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
