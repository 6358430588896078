package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"habit-planner/internal/model"
	"habit-planner/internal/recurrence"
	"habit-planner/internal/repository"
)

type testEnv struct {
	db        *gorm.DB
	taskRepo  *repository.TaskRepository
	lifecycle *LifecycleService
	user      *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "planner.db"))
	require.NoError(t, err)

	user := &model.User{TelegramID: 100, FirstName: "Test"}
	require.NoError(t, db.Create(user).Error)

	taskRepo := repository.NewTaskRepository(db)
	return &testEnv{
		db:        db,
		taskRepo:  taskRepo,
		lifecycle: NewLifecycleService(taskRepo),
		user:      user,
	}
}

func (e *testEnv) createTemplate(t *testing.T, mutate func(*model.Task)) *model.Task {
	t.Helper()
	nextDue := date(2024, 1, 1)
	task := &model.Task{
		UserID:        e.user.ID,
		Title:         "water the plants",
		IsRecurring:   true,
		RecurPattern:  string(recurrence.PatternDaily),
		RecurInterval: 1,
		NextDueDate:   &nextDue,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, e.db.Create(task).Error)
	return task
}

func (e *testEnv) reload(t *testing.T, id uint) *model.Task {
	t.Helper()
	var task model.Task
	require.NoError(t, e.db.First(&task, id).Error)
	return &task
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	v := date(y, m, d)
	return &v
}

func TestCompleteOccurrenceRecordsAndAdvances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, nil)

	completedAt := time.Date(2024, 1, 5, 9, 15, 0, 0, time.UTC)
	task, err := env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, env.user.ID, completedAt)
	require.NoError(t, err)

	assert.True(t, task.CompletedInstances.Has("2024-01-05"))
	require.NotNil(t, task.NextDueDate)
	assert.Equal(t, date(2024, 1, 6), task.NextDueDate.UTC())

	stored := env.reload(t, tmpl.ID)
	assert.True(t, stored.CompletedInstances.Has("2024-01-05"))
	require.NotNil(t, stored.NextDueDate)
	assert.Equal(t, date(2024, 1, 6), stored.NextDueDate.UTC())
	assert.False(t, stored.IsCompleted, "the template itself must stay open")
}

func TestCompleteOccurrenceIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, nil)

	completedAt := date(2024, 1, 5)
	first, err := env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, env.user.ID, completedAt)
	require.NoError(t, err)
	second, err := env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, env.user.ID, completedAt)
	require.NoError(t, err)

	assert.Equal(t, first.CompletedInstances, second.CompletedInstances)
	assert.Equal(t, 1, second.CompletedInstances.Len())
	require.NotNil(t, second.NextDueDate)
	assert.Equal(t, first.NextDueDate.UTC(), second.NextDueDate.UTC())
}

func TestCompleteOccurrenceNonRecurringNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task := &model.Task{UserID: env.user.ID, Title: "one-off"}
	require.NoError(t, env.db.Create(task).Error)

	got, err := env.lifecycle.CompleteOccurrence(ctx, task.ID, env.user.ID, date(2024, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedInstances.Len())
	assert.False(t, got.IsCompleted)

	stored := env.reload(t, task.ID)
	assert.Equal(t, 0, stored.CompletedInstances.Len())
	assert.Nil(t, stored.NextDueDate)
}

func TestCompleteOccurrenceAfterEndDateNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, func(task *model.Task) {
		task.RecurEndDate = datePtr(2024, 1, 3)
	})

	got, err := env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, env.user.ID, date(2024, 1, 4))
	require.NoError(t, err)
	assert.Equal(t, 0, got.CompletedInstances.Len())

	// The end day itself still accepts a completion.
	got, err = env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, env.user.ID, date(2024, 1, 3))
	require.NoError(t, err)
	assert.True(t, got.CompletedInstances.Has("2024-01-03"))
}

func TestCompleteOccurrenceErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, nil)

	_, err := env.lifecycle.CompleteOccurrence(ctx, 9999, env.user.ID, date(2024, 1, 5))
	assert.ErrorIs(t, err, ErrTaskNotFound)

	other := &model.User{TelegramID: 200, FirstName: "Other"}
	require.NoError(t, env.db.Create(other).Error)
	_, err = env.lifecycle.CompleteOccurrence(ctx, tmpl.ID, other.ID, date(2024, 1, 5))
	assert.ErrorIs(t, err, ErrForbidden)

	stored := env.reload(t, tmpl.ID)
	assert.Equal(t, 0, stored.CompletedInstances.Len(), "failed calls must not touch the ledger")
}

func TestCurrentStreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, func(task *model.Task) {
		task.CompletedInstances = model.DateSet{"2024-06-01", "2024-06-02", "2024-06-03"}
	})

	streak, err := env.lifecycle.CurrentStreak(ctx, tmpl.ID, env.user.ID, date(2024, 6, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, streak)

	streak, err = env.lifecycle.CurrentStreak(ctx, tmpl.ID, env.user.ID, date(2024, 6, 4))
	require.NoError(t, err)
	assert.Equal(t, 3, streak, "an unbroken run ending yesterday still counts")

	oneOff := &model.Task{UserID: env.user.ID, Title: "one-off"}
	require.NoError(t, env.db.Create(oneOff).Error)
	streak, err = env.lifecycle.CurrentStreak(ctx, oneOff.ID, env.user.ID, date(2024, 6, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, streak)

	_, err = env.lifecycle.CurrentStreak(ctx, 9999, env.user.ID, date(2024, 6, 3))
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGenerateDueInstancesLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, func(task *model.Task) {
		task.RecurEndDate = datePtr(2024, 1, 3)
	})

	// First sweep: one instance due Jan 1, cursor moves to Jan 2.
	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	assert.Empty(t, result.Failures)

	instance := result.Created[0]
	assert.Equal(t, tmpl.Title, instance.Title)
	assert.Equal(t, env.user.ID, instance.UserID)
	require.NotNil(t, instance.Deadline)
	assert.Equal(t, date(2024, 1, 1), instance.Deadline.UTC())
	require.NotNil(t, instance.OriginalTaskID)
	assert.Equal(t, tmpl.ID, *instance.OriginalTaskID)
	assert.Nil(t, instance.NextDueDate, "instances never enter the sweep")
	assert.Equal(t, 0, instance.CompletedInstances.Len())

	stored := env.reload(t, tmpl.ID)
	require.NotNil(t, stored.NextDueDate)
	assert.Equal(t, date(2024, 1, 2), stored.NextDueDate.UTC())

	// Second sweep two days later: instance due Jan 2, cursor to Jan 3.
	result, err = env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 3))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	require.NotNil(t, result.Created[0].Deadline)
	assert.Equal(t, date(2024, 1, 2), result.Created[0].Deadline.UTC())

	stored = env.reload(t, tmpl.ID)
	require.NotNil(t, stored.NextDueDate)
	assert.Equal(t, date(2024, 1, 3), stored.NextDueDate.UTC())

	// Past the end date: nothing is generated and the cursor stays put.
	result, err = env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 4))
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Empty(t, result.Failures)

	stored = env.reload(t, tmpl.ID)
	require.NotNil(t, stored.NextDueDate)
	assert.Equal(t, date(2024, 1, 3), stored.NextDueDate.UTC())
}

func TestGenerateDueInstancesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createTemplate(t, nil)

	asOf := date(2024, 1, 1)
	result, err := env.lifecycle.GenerateDueInstances(ctx, asOf)
	require.NoError(t, err)
	assert.Len(t, result.Created, 1)

	// Re-running with the same asOf finds nothing: the cursor advanced.
	result, err = env.lifecycle.GenerateDueInstances(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, result.Created)

	var count int64
	require.NoError(t, env.db.Model(&model.Task{}).Where("original_task_id IS NOT NULL").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestGenerateDueInstancesRootResolution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rootID := uint(42)
	env.createTemplate(t, func(task *model.Task) {
		task.OriginalTaskID = &rootID
	})

	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	require.NotNil(t, result.Created[0].OriginalTaskID)
	assert.Equal(t, rootID, *result.Created[0].OriginalTaskID, "instances point at the root template, not the parent")
}

func TestGenerateDueInstancesSkipsIneligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Not yet due.
	env.createTemplate(t, func(task *model.Task) {
		task.NextDueDate = datePtr(2024, 2, 1)
	})
	// Recurrence flag off.
	env.createTemplate(t, func(task *model.Task) {
		task.IsRecurring = false
	})
	// Template closed by the user.
	env.createTemplate(t, func(task *model.Task) {
		task.IsCompleted = true
	})
	// No cursor at all.
	env.createTemplate(t, func(task *model.Task) {
		task.NextDueDate = nil
	})

	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 15))
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Empty(t, result.Failures)
}

func TestGenerateDueInstancesWeeklyCursor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tmpl := env.createTemplate(t, func(task *model.Task) {
		task.RecurPattern = string(recurrence.PatternWeekly)
		task.RecurInterval = 2
	})

	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)

	stored := env.reload(t, tmpl.ID)
	require.NotNil(t, stored.NextDueDate)
	assert.Equal(t, date(2024, 1, 15), stored.NextDueDate.UTC())
}

func TestGenerateDueInstancesCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.createTemplate(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Created)
}
