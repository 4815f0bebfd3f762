package domain

import (
	"database/sql"
	"time"
)

const (
	EventWorkflowStarted   = "WorkflowStarted"
	EventWorkflowCompleted = "WorkflowCompleted"
	EventWorkflowFailed    = "WorkflowFailed"
	EventWorkflowPaused    = "WorkflowPaused"
	EventWorkflowResumed   = "WorkflowResumed"
	EventWorkflowCancelled = "WorkflowCancelled"
	EventWorkflowRetrying  = "WorkflowRetrying"
	EventStepStarted       = "StepStarted"
	EventStepCompleted     = "StepCompleted"
	EventStepFailed        = "StepFailed"
	EventStepRetrying      = "StepRetrying"
	EventTaskCreated       = "TaskCreated"
	EventTaskCompleted     = "TaskCompleted"
	EventSlaBreached       = "SlaBreached"
)

const (
	SeverityInfo  = "INFO"
	SeverityError = "ERROR"
)

// WorkflowEvent is one append-only audit log entry. Events are write-once and
// form the full history of an instance; there is no separate error channel.
type WorkflowEvent struct {
	ID           int64
	InstanceID   int64
	EventType    string
	Severity     string
	StepKey      sql.NullString
	Actor        string
	Message      string
	DurationMs   sql.NullInt64
	ErrorDetails sql.NullString
	DateTime     time.Time
}
