package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"habit-planner/internal/model"
)

// TaskRepository handles persistence for tasks and recurring templates.
type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Create(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (r *TaskRepository) ListActiveOrRecurring(ctx context.Context, userID uint) ([]model.Task, error) {
	var tasks []model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND (is_completed = ? OR is_recurring = ?)", userID, false, true).
		Order("deadline NULLS LAST, created_at DESC").
		Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, userID, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// FindTemplateByID loads a task by id alone, without a user filter. The
// lifecycle service does the ownership check itself so it can tell a missing
// task apart from someone else's task.
func (r *TaskRepository) FindTemplateByID(ctx context.Context, taskID uint) (*model.Task, error) {
	var task model.Task
	if err := r.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListDueTemplates returns recurring templates whose next due date has
// arrived as of the given moment and whose recurrence has not ended. The end
// date is compared at day granularity: a template ending today still fires
// today.
func (r *TaskRepository) ListDueTemplates(ctx context.Context, asOf time.Time) ([]model.Task, error) {
	dayStart := time.Date(asOf.UTC().Year(), asOf.UTC().Month(), asOf.UTC().Day(), 0, 0, 0, 0, time.UTC)

	var templates []model.Task
	if err := r.db.WithContext(ctx).
		Where("is_recurring = ? AND is_completed = ? AND next_due_date IS NOT NULL AND next_due_date <= ?", true, false, asOf).
		Where("recur_end_date IS NULL OR recur_end_date >= ?", dayStart).
		Order("next_due_date ASC, id ASC").
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("list due templates: %w", err)
	}
	return templates, nil
}

// Save persists an already-loaded task row.
func (r *TaskRepository) Save(ctx context.Context, task *model.Task) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// SaveAll persists a batch of rows in one transaction, creating rows without
// an id and saving the rest. The sweep relies on this to advance a template
// and create its new instance atomically.
func (r *TaskRepository) SaveAll(ctx context.Context, tasks ...*model.Task) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if task.ID == 0 {
				if err := tx.Create(task).Error; err != nil {
					return fmt.Errorf("create task: %w", err)
				}
				continue
			}
			if err := tx.Save(task).Error; err != nil {
				return fmt.Errorf("save task %d: %w", task.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

func (r *TaskRepository) MarkCompleted(ctx context.Context, task *model.Task, completedAt time.Time) error {
	task.IsCompleted = true
	task.LastCompletedAt = &completedAt
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// Delete removes a task for the given user, regardless of it being recurring or not.
func (r *TaskRepository) Delete(ctx context.Context, userID, taskID uint) error {
	if err := r.db.WithContext(ctx).Where("user_id = ? AND id = ?", userID, taskID).
		Delete(&model.Task{}).Error; err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
