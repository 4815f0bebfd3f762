package domain

import (
	"database/sql"
	"time"
)

const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusCancelled  = "CANCELLED"
)

// WorkflowTask is a unit of required human input tied to one UserAction step
// execution of one instance. At most one live (pending/in-progress) task may
// exist per (instance, step key).
type WorkflowTask struct {
	ID          int64
	InstanceID  int64
	StepKey     string
	Title       string
	Description string
	AssignedTo  sql.NullString
	Status      string
	ActionTaken sql.NullString
	Comments    sql.NullString
	FormData    sql.NullString
	Created     time.Time
	Modified    time.Time
	Completed   sql.NullTime
}

func (t *WorkflowTask) IsLive() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}
