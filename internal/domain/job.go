package domain

import (
	"database/sql"
	"time"
)

const JobTypeExecuteStep = "ExecuteStep"

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusDone       = "DONE"
	JobStatusFailed     = "FAILED"
)

// WorkflowJob is one queued unit of orchestration work: run the engine for a
// given instance and step at or after ScheduledAt.
type WorkflowJob struct {
	ID            int64
	JobType       string
	InstanceID    int64
	StepKey       string
	ScheduledAt   time.Time
	Attempts      int
	MaxAttempts   int
	Priority      int
	CorrelationID string
	Status        string
	ExecutorID    sql.NullInt64
	ClaimedAt     sql.NullTime
	Created       time.Time
	Modified      time.Time
}
