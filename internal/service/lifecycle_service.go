package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"habit-planner/internal/model"
	"habit-planner/internal/recurrence"
	"habit-planner/internal/repository"
)

var (
	// ErrTaskNotFound means the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrForbidden means the task belongs to another user.
	ErrForbidden = errors.New("task belongs to another user")
)

// SweepFailure reports one template the generation sweep could not process.
type SweepFailure struct {
	TaskID uint
	Err    error
}

// SweepResult is what a generation sweep always returns: the instances it
// created plus any per-template failures. Partial failures never fail the
// sweep as a whole.
type SweepResult struct {
	Created  []model.Task
	Failures []SweepFailure
}

// LifecycleService owns the recurring-task lifecycle: recording occurrence
// completions on a template's ledger, advancing the template's due-date
// cursor, deriving streaks, and materializing new task instances from due
// templates.
type LifecycleService struct {
	taskRepo *repository.TaskRepository
}

func NewLifecycleService(taskRepo *repository.TaskRepository) *LifecycleService {
	return &LifecycleService{taskRepo: taskRepo}
}

// CompleteOccurrence records that the template's occurrence for completedAt's
// calendar day was done, and advances NextDueDate from completedAt. Recording
// the same day twice leaves the ledger unchanged, so retries with a stable
// completion date are safe. Completing a non-recurring task through this path
// is a no-op returning the task unchanged: the same endpoint serves both task
// kinds.
func (s *LifecycleService) CompleteOccurrence(ctx context.Context, taskID, userID uint, completedAt time.Time) (*model.Task, error) {
	task, err := s.loadOwned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if !task.IsRecurring {
		return task, nil
	}
	// Recurrence stops accepting completions strictly after its end date.
	if task.RecurEndDate != nil && recurrence.DateKey(completedAt) > recurrence.DateKey(*task.RecurEndDate) {
		return task, nil
	}

	task.CompletedInstances = recurrence.RecordCompletion(task.CompletedInstances, completedAt)
	task.NextDueDate = recurrence.NextDueDate(recurrence.ParsePattern(task.RecurPattern), task.RecurInterval, completedAt)
	task.LastCompletedAt = &completedAt

	if err := s.taskRepo.Save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GenerateDueInstances materializes a new task instance for every recurring
// template whose NextDueDate has arrived as of asOf, advancing each
// template's cursor so the next sweep does not regenerate the same
// occurrence. A failure on one template is collected and the sweep moves on;
// cancelling ctx stops processing further templates without rolling back
// already-persisted work.
func (s *LifecycleService) GenerateDueInstances(ctx context.Context, asOf time.Time) (SweepResult, error) {
	var result SweepResult

	templates, err := s.taskRepo.ListDueTemplates(ctx, asOf)
	if err != nil {
		return result, err
	}

	for i := range templates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tmpl := &templates[i]

		// The query already filters on the end date; re-check here in
		// case the row was read before a concurrent edit.
		if expired(tmpl, asOf) {
			continue
		}

		instance, err := s.materialize(ctx, tmpl, asOf)
		if err != nil {
			log.Printf("sweep: template %d: %v", tmpl.ID, err)
			result.Failures = append(result.Failures, SweepFailure{TaskID: tmpl.ID, Err: err})
			continue
		}
		result.Created = append(result.Created, *instance)
	}

	return result, nil
}

// CurrentStreak returns the template's consecutive-day completion streak as
// of today. Non-recurring tasks and tasks without a pattern have no streak.
func (s *LifecycleService) CurrentStreak(ctx context.Context, taskID, userID uint, today time.Time) (int, error) {
	task, err := s.loadOwned(ctx, taskID, userID)
	if err != nil {
		return 0, err
	}
	if !task.IsRecurring || recurrence.ParsePattern(task.RecurPattern) == recurrence.PatternNone {
		return 0, nil
	}
	return recurrence.CurrentStreak(task.CompletedInstances, today), nil
}

func (s *LifecycleService) loadOwned(ctx context.Context, taskID, userID uint) (*model.Task, error) {
	task, err := s.taskRepo.FindTemplateByID(ctx, taskID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrTaskNotFound
	case err != nil:
		return nil, fmt.Errorf("load task %d: %w", taskID, err)
	}
	if task.UserID != userID {
		return nil, ErrForbidden
	}
	return task, nil
}

// materialize clones one due occurrence of tmpl into a fresh task row and
// advances the template's cursor, persisting both in one transaction so a
// crash can never leave the instance without the advance (which would make a
// re-run duplicate it).
func (s *LifecycleService) materialize(ctx context.Context, tmpl *model.Task, asOf time.Time) (*model.Task, error) {
	due := asOf
	if tmpl.NextDueDate != nil {
		due = *tmpl.NextDueDate
	}

	// Instances point at the root template, never at an intermediate
	// parent, so the chain stays one hop deep.
	rootID := tmpl.ID
	if tmpl.OriginalTaskID != nil {
		rootID = *tmpl.OriginalTaskID
	}

	instance := &model.Task{
		UserID:        tmpl.UserID,
		CategoryID:    tmpl.CategoryID,
		Title:         tmpl.Title,
		Description:   tmpl.Description,
		Deadline:      &due,
		IsRecurring:   tmpl.IsRecurring,
		RecurPattern:  tmpl.RecurPattern,
		RecurInterval: tmpl.RecurInterval,
		RecurEndDate:  tmpl.RecurEndDate,
		// NextDueDate stays nil: instances never enter the sweep, only
		// the template's cursor moves.
		OriginalTaskID: &rootID,
	}

	tmpl.NextDueDate = recurrence.NextDueDate(recurrence.ParsePattern(tmpl.RecurPattern), tmpl.RecurInterval, due)

	if err := s.taskRepo.SaveAll(ctx, instance, tmpl); err != nil {
		return nil, err
	}
	return instance, nil
}

// expired reports whether the template's recurrence ended before asOf's
// calendar day. A template ending today still fires today.
func expired(tmpl *model.Task, asOf time.Time) bool {
	if tmpl.RecurEndDate == nil {
		return false
	}
	year, month, day := asOf.UTC().Date()
	dayStart := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return tmpl.RecurEndDate.Before(dayStart)
}
