package recurrence

import (
	"time"

	"habit-planner/internal/model"
)

const dayLayout = "2006-01-02"

// DateKey formats t as the UTC calendar day the completion ledger is keyed
// by. This is the only place the yyyy-MM-dd format lives.
func DateKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// RecordCompletion marks completedAt's calendar day as done. Recording an
// already-recorded day is a no-op, so retries of the same completion are
// safe.
func RecordCompletion(ledger model.DateSet, completedAt time.Time) model.DateSet {
	return ledger.Add(DateKey(completedAt))
}

// CurrentStreak counts consecutive completed calendar days walking backward
// from today. Today itself counts when present, but a missing today does not
// break the streak: an unbroken run ending yesterday still counts in full.
// The first gap before that terminates the walk.
func CurrentStreak(ledger model.DateSet, today time.Time) int {
	if ledger.Len() == 0 {
		return 0
	}

	day := startOfDayUTC(today)
	streak := 0
	if ledger.Has(DateKey(day)) {
		streak = 1
	}
	for d := day.AddDate(0, 0, -1); ledger.Has(DateKey(d)); d = d.AddDate(0, 0, -1) {
		streak++
	}
	return streak
}
