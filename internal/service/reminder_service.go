package service

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"habit-planner/internal/model"
	"habit-planner/internal/recurrence"
	"habit-planner/internal/repository"
)

// ReminderService builds human-readable summaries for daily notifications.
type ReminderService struct {
	taskRepo     *repository.TaskRepository
	categoryRepo *repository.CategoryRepository
}

func NewReminderService(taskRepo *repository.TaskRepository, categoryRepo *repository.CategoryRepository) *ReminderService {
	return &ReminderService{taskRepo: taskRepo, categoryRepo: categoryRepo}
}

// DailySummary renders the user's open tasks and the recurring templates due
// as of now, including each template's current completion streak.
func (s *ReminderService) DailySummary(ctx context.Context, user model.User, now time.Time) (string, error) {
	tasks, err := s.taskRepo.ListActiveOrRecurring(ctx, user.ID)
	if err != nil {
		return "", err
	}

	categories, err := s.categoryRepo.ListByUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	catNames := make(map[uint]string)
	for _, cat := range categories {
		catNames[cat.ID] = cat.Name
	}

	var pending []model.Task
	var recurringDue []model.Task

	for _, task := range tasks {
		if task.IsRecurring && task.OriginalTaskID == nil {
			if templateDue(task, now) {
				recurringDue = append(recurringDue, task)
			}
			continue
		}
		if !task.IsCompleted {
			pending = append(pending, task)
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		switch {
		case pending[i].Deadline == nil && pending[j].Deadline == nil:
			return pending[i].CreatedAt.After(pending[j].CreatedAt)
		case pending[i].Deadline == nil:
			return false
		case pending[j].Deadline == nil:
			return true
		default:
			return pending[i].Deadline.Before(*pending[j].Deadline)
		}
	})

	var builder strings.Builder
	builder.WriteString("📋 <b>Daily report</b>\n")
	builder.WriteString(fmt.Sprintf("🗓 %s\n\n", now.Format("2006-01-02")))

	builder.WriteString("🔥 <b>Open tasks</b>\n")
	if len(pending) == 0 {
		builder.WriteString("— no open tasks\n")
	} else {
		for _, task := range pending {
			builder.WriteString(formatTask(task, catNames, now))
		}
	}

	builder.WriteString("\n♻️ <b>Recurring tasks due</b>\n")
	if len(recurringDue) == 0 {
		builder.WriteString("— nothing due right now\n")
	} else {
		for _, task := range recurringDue {
			builder.WriteString(formatRecurring(task, now, catNames))
		}
	}

	return strings.TrimSpace(builder.String()), nil
}

// templateDue reports whether a recurring template's next occurrence has
// arrived and its recurrence has not ended.
func templateDue(task model.Task, now time.Time) bool {
	if !task.IsRecurring || task.NextDueDate == nil {
		return false
	}
	if recurrence.ParsePattern(task.RecurPattern) == recurrence.PatternNone {
		return false
	}
	if task.NextDueDate.After(now) {
		return false
	}
	if task.RecurEndDate != nil {
		year, month, day := now.UTC().Date()
		dayStart := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if task.RecurEndDate.Before(dayStart) {
			return false
		}
	}
	return true
}

func formatTask(task model.Task, catNames map[uint]string, now time.Time) string {
	var sb strings.Builder

	icon := "🟢"
	if task.Deadline != nil {
		d := task.Deadline.In(now.Location())
		switch {
		case now.After(d):
			icon = "⚠️"
		case d.Sub(now) <= 48*time.Hour:
			icon = "⏳"
		}
	}

	title := html.EscapeString(strings.TrimSpace(task.Title))
	sb.WriteString(fmt.Sprintf("%s %s", icon, title))

	if name := categoryLabel(task, catNames); name != "" {
		sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", name))
	}

	if task.Deadline != nil {
		d := task.Deadline.In(now.Location())
		if now.After(d) {
			sb.WriteString(fmt.Sprintf("\n   ⏰ due %s — <b>overdue</b>", d.Format("2006-01-02")))
		} else {
			daysLeft := int(d.Sub(now).Hours()/24) + 1
			sb.WriteString(fmt.Sprintf("\n   ⏰ due %s · ~%d day(s) left", d.Format("2006-01-02"), daysLeft))
		}
	}

	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("\n   📝 %s", html.EscapeString(strings.TrimSpace(task.Description))))
	}

	sb.WriteByte('\n')
	return sb.String()
}

func formatRecurring(task model.Task, now time.Time, catNames map[uint]string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("♻️ %s", html.EscapeString(strings.TrimSpace(task.Title))))

	if name := categoryLabel(task, catNames); name != "" {
		sb.WriteString(fmt.Sprintf(" <i>(%s)</i>", name))
	}

	if task.NextDueDate != nil {
		sb.WriteString(fmt.Sprintf("\n   📆 Due: %s (%s, every %d)", task.NextDueDate.Format("2006-01-02"), task.RecurPattern, task.RecurInterval))
	}

	if streak := recurrence.CurrentStreak(task.CompletedInstances, now); streak > 0 {
		sb.WriteString(fmt.Sprintf("\n   🔥 Streak: %d day(s)", streak))
	}
	if task.LastCompletedAt != nil {
		sb.WriteString(fmt.Sprintf("\n   ✅ Last completed: %s", task.LastCompletedAt.In(now.Location()).Format("2006-01-02")))
	} else {
		sb.WriteString("\n   ✅ Not completed yet")
	}

	sb.WriteByte('\n')
	return sb.String()
}

func categoryLabel(task model.Task, catNames map[uint]string) string {
	if task.CategoryID == nil {
		return ""
	}
	name, ok := catNames[*task.CategoryID]
	if !ok {
		return ""
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}
	return html.EscapeString(trimmed)
}
