package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-planner/internal/model"
	"habit-planner/internal/recurrence"
	"habit-planner/internal/repository"
)

func newTaskService(env *testEnv) *TaskService {
	categoryRepo := repository.NewCategoryRepository(env.db)
	return NewTaskService(env.taskRepo, categoryRepo, env.lifecycle)
}

func TestCreateTaskRecurring(t *testing.T) {
	env := newTestEnv(t)
	svc := newTaskService(env)
	ctx := context.Background()

	deadline := datePtr(2024, 3, 1)
	task, err := svc.CreateTask(ctx, env.user, TaskInput{
		Title:         "pay rent",
		Category:      "Home",
		Deadline:      deadline,
		IsRecurring:   true,
		RecurPattern:  recurrence.PatternMonthly,
		RecurInterval: 1,
	})
	require.NoError(t, err)

	assert.True(t, task.IsRecurring)
	assert.Equal(t, "monthly", task.RecurPattern)
	require.NotNil(t, task.NextDueDate, "the sweep cursor starts at the deadline")
	assert.Equal(t, deadline.UTC(), task.NextDueDate.UTC())
	require.NotNil(t, task.CategoryID)

	stored := env.reload(t, task.ID)
	assert.Equal(t, 0, stored.CompletedInstances.Len())
}

func TestCreateTaskRejectsBadRecurrence(t *testing.T) {
	env := newTestEnv(t)
	svc := newTaskService(env)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, env.user, TaskInput{
		Title:         "broken",
		IsRecurring:   true,
		RecurPattern:  recurrence.PatternDaily,
		RecurInterval: 0,
	})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRecurrence)

	_, err = svc.CreateTask(ctx, env.user, TaskInput{
		Title:       "broken",
		IsRecurring: true,
	})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRecurrence)

	_, err = svc.CreateTask(ctx, env.user, TaskInput{
		Title:        "broken",
		RecurPattern: recurrence.PatternDaily,
	})
	assert.ErrorIs(t, err, recurrence.ErrInvalidRecurrence, "pattern without the recurring flag is inconsistent")

	_, err = svc.CreateTask(ctx, env.user, TaskInput{})
	assert.Error(t, err, "title is required")
}

func TestCompleteTaskDelegatesToLifecycle(t *testing.T) {
	env := newTestEnv(t)
	svc := newTaskService(env)
	ctx := context.Background()
	tmpl := env.createTemplate(t, nil)

	task, err := svc.CompleteTask(ctx, env.user, tmpl.ID, date(2024, 1, 5))
	require.NoError(t, err)

	assert.True(t, task.CompletedInstances.Has("2024-01-05"))
	assert.False(t, task.IsCompleted, "completing an occurrence must not close the template")
	require.NotNil(t, task.NextDueDate)
	assert.Equal(t, date(2024, 1, 6), task.NextDueDate.UTC())
}

func TestCompleteTaskOneTime(t *testing.T) {
	env := newTestEnv(t)
	svc := newTaskService(env)
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, env.user, TaskInput{Title: "one-off"})
	require.NoError(t, err)

	completedAt := date(2024, 1, 5)
	task, err := svc.CompleteTask(ctx, env.user, created.ID, completedAt)
	require.NoError(t, err)
	assert.True(t, task.IsCompleted)
	require.NotNil(t, task.LastCompletedAt)

	stored := env.reload(t, created.ID)
	assert.True(t, stored.IsCompleted)
}

func TestGeneratedInstanceCompletableAsOneOff(t *testing.T) {
	env := newTestEnv(t)
	svc := newTaskService(env)
	ctx := context.Background()
	env.createTemplate(t, nil)

	result, err := env.lifecycle.GenerateDueInstances(ctx, date(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, result.Created, 1)
	instance := result.Created[0]

	var stored model.Task
	require.NoError(t, env.db.First(&stored, instance.ID).Error)
	require.NotNil(t, stored.OriginalTaskID)

	// Completing the generated instance closes it like a one-off, never
	// touching the template's ledger or cursor.
	completed, err := svc.CompleteTask(ctx, env.user, instance.ID, date(2024, 1, 1))
	require.NoError(t, err)
	assert.True(t, completed.IsCompleted)
	assert.Equal(t, 0, completed.CompletedInstances.Len())

	tmpl := env.reload(t, *stored.OriginalTaskID)
	assert.Equal(t, 0, tmpl.CompletedInstances.Len())
	require.NotNil(t, tmpl.NextDueDate)
	assert.Equal(t, date(2024, 1, 2), tmpl.NextDueDate.UTC())
}
