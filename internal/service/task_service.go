package service

import (
	"context"
	"fmt"
	"time"

	"habit-planner/internal/model"
	"habit-planner/internal/recurrence"
	"habit-planner/internal/repository"
)

// TaskInput represents data required to create a task.
type TaskInput struct {
	Title         string
	Description   string
	Category      string
	Deadline      *time.Time
	IsRecurring   bool
	RecurPattern  recurrence.Pattern
	RecurInterval int
	RecurEndDate  *time.Time
}

// TaskService wraps task-related business logic.
type TaskService struct {
	taskRepo     *repository.TaskRepository
	categoryRepo *repository.CategoryRepository
	lifecycle    *LifecycleService
}

func NewTaskService(taskRepo *repository.TaskRepository, categoryRepo *repository.CategoryRepository, lifecycle *LifecycleService) *TaskService {
	return &TaskService{taskRepo: taskRepo, categoryRepo: categoryRepo, lifecycle: lifecycle}
}

// CreateTask validates the input and persists a new task. For recurring
// tasks the recurrence configuration is validated here, before the lifecycle
// engine ever sees it, and the due-date cursor starts at the deadline.
func (s *TaskService) CreateTask(ctx context.Context, user *model.User, input TaskInput) (*model.Task, error) {
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if err := recurrence.ValidateSpec(input.IsRecurring, input.RecurPattern, input.RecurInterval); err != nil {
		return nil, err
	}

	var categoryID *uint
	if input.Category != "" {
		category, err := s.categoryRepo.GetOrCreate(ctx, user.ID, input.Category)
		if err != nil {
			return nil, err
		}
		if category != nil {
			categoryID = &category.ID
		}
	}

	task := model.Task{
		UserID:      user.ID,
		CategoryID:  categoryID,
		Title:       input.Title,
		Description: input.Description,
		Deadline:    input.Deadline,
		IsRecurring: input.IsRecurring,
	}

	if input.IsRecurring {
		task.RecurPattern = string(input.RecurPattern)
		task.RecurInterval = input.RecurInterval
		task.RecurEndDate = input.RecurEndDate
		task.NextDueDate = input.Deadline
	}

	if err := s.taskRepo.Create(ctx, &task); err != nil {
		return nil, err
	}

	return &task, nil
}

func (s *TaskService) ListActive(ctx context.Context, user *model.User) ([]model.Task, error) {
	return s.taskRepo.ListActiveOrRecurring(ctx, user.ID)
}

func (s *TaskService) GetTask(ctx context.Context, user *model.User, taskID uint) (*model.Task, error) {
	return s.taskRepo.FindByID(ctx, user.ID, taskID)
}

// CompleteTask marks a task as done. Recurring templates go through the
// lifecycle engine, which records the occurrence and advances the cursor
// without closing the template. One-time tasks and generated instances are
// simply completed; an instance carries recurrence metadata but only its
// template's cursor ever moves.
func (s *TaskService) CompleteTask(ctx context.Context, user *model.User, taskID uint, completedAt time.Time) (*model.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, user.ID, taskID)
	if err != nil {
		return nil, err
	}

	if task.IsRecurring && task.OriginalTaskID == nil {
		return s.lifecycle.CompleteOccurrence(ctx, taskID, user.ID, completedAt)
	}

	if err := s.taskRepo.MarkCompleted(ctx, task, completedAt); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes a task completely (for both one-time and recurring tasks).
func (s *TaskService) DeleteTask(ctx context.Context, user *model.User, taskID uint) error {
	return s.taskRepo.Delete(ctx, user.ID, taskID)
}
