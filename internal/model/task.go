package model

import "time"

// Task represents a single item in the planner. Recurring tasks act as
// templates: the recurrence fields describe the schedule, NextDueDate is the
// cursor the generation sweep advances, and CompletedInstances records the
// calendar days an occurrence was completed on. Generated instances are
// ordinary rows pointing back at their template via OriginalTaskID.
type Task struct {
	ID              uint  `gorm:"primaryKey"`
	UserID          uint  `gorm:"index"`
	CategoryID      *uint `gorm:"index"`
	Title           string
	Description     string
	Deadline        *time.Time
	IsCompleted     bool `gorm:"default:false"`
	LastCompletedAt *time.Time

	IsRecurring        bool   `gorm:"default:false"`
	RecurPattern       string // daily, weekly, monthly or yearly
	RecurInterval      int
	RecurEndDate       *time.Time
	NextDueDate        *time.Time `gorm:"index"`
	CompletedInstances DateSet    `gorm:"type:text"`
	OriginalTaskID     *uint      `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
