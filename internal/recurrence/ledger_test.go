package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"habit-planner/internal/model"
)

func TestRecordCompletionIdempotent(t *testing.T) {
	completedAt := time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

	ledger := RecordCompletion(nil, completedAt)
	assert.Equal(t, model.DateSet{"2024-06-03"}, ledger)

	again := RecordCompletion(ledger, completedAt)
	assert.Equal(t, ledger, again)
	assert.Equal(t, 1, again.Len())
}

func TestRecordCompletionKeepsOrder(t *testing.T) {
	ledger := model.DateSet{}
	ledger = RecordCompletion(ledger, date(2024, 6, 3))
	ledger = RecordCompletion(ledger, date(2024, 6, 1))
	ledger = RecordCompletion(ledger, date(2024, 6, 2))
	assert.Equal(t, model.DateSet{"2024-06-01", "2024-06-02", "2024-06-03"}, ledger)
}

func TestCurrentStreak(t *testing.T) {
	run := model.DateSet{"2024-06-01", "2024-06-02", "2024-06-03"}
	gapped := model.DateSet{"2024-06-01", "2024-06-03"}

	tests := []struct {
		name   string
		ledger model.DateSet
		today  time.Time
		want   int
	}{
		{"empty ledger", nil, date(2024, 6, 3), 0},
		{"today completed, unbroken run", run, date(2024, 6, 3), 3},
		{"today not yet completed, run ended yesterday", run, date(2024, 6, 4), 3},
		{"gap breaks the walk", gapped, date(2024, 6, 3), 1},
		{"two days since last completion", run, date(2024, 6, 5), 0},
		{"single day, today", model.DateSet{"2024-06-03"}, date(2024, 6, 3), 1},
		{"single day, yesterday", model.DateSet{"2024-06-02"}, date(2024, 6, 3), 1},
		{"run ending yesterday is length one", model.DateSet{"2024-06-01", "2024-06-03"}, date(2024, 6, 4), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CurrentStreak(tt.ledger, tt.today))
		})
	}
}

func TestCurrentStreakUsesUTCDay(t *testing.T) {
	ledger := model.DateSet{"2024-06-03"}
	// 23:30 in UTC-3 on June 3rd is already June 4th in UTC.
	loc := time.FixedZone("UTC-3", -3*60*60)
	today := time.Date(2024, 6, 3, 23, 30, 0, 0, loc)
	assert.Equal(t, 1, CurrentStreak(ledger, today))
}

func TestDateKey(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	assert.Equal(t, "2024-05-31", DateKey(time.Date(2024, 6, 1, 3, 0, 0, 0, loc)))
	assert.Equal(t, "2024-06-01", DateKey(date(2024, 6, 1)))
}
