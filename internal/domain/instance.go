package domain

import (
	"database/sql"
	"strings"
	"time"
)

const (
	InstanceStatusRunning         = "RUNNING"
	InstanceStatusWaitingForInput = "WAITING_FOR_INPUT"
	InstanceStatusPaused          = "PAUSED"
	InstanceStatusCompleted       = "COMPLETED"
	InstanceStatusFailed          = "FAILED"
	InstanceStatusCancelled       = "CANCELLED"
)

// WorkflowInstance is one execution of a definition against one business
// entity. Mutated only by the engine; LockVersion guards concurrent updates.
type WorkflowInstance struct {
	ID             int64
	ExternalID     string
	DefinitionID   int64
	EntityType     string
	EntityID       string
	Status         string
	CurrentStepKey string
	ActiveStepKeys sql.NullString
	RetryCount     int
	NextRetryAt    sql.NullTime
	ErrorMessage   sql.NullString
	LockVersion    int64
	StepStartedAt  sql.NullTime
	Created        time.Time
	Modified       time.Time
	Started        sql.NullTime
	Completed      sql.NullTime
}

// IsTerminal reports whether the instance can never run again. Failed is
// deliberately not terminal, it stays resumable via an explicit retry.
func (w *WorkflowInstance) IsTerminal() bool {
	return w.Status == InstanceStatusCompleted || w.Status == InstanceStatusCancelled
}

// ActiveKeys returns the parallel branch step keys, if any.
func (w *WorkflowInstance) ActiveKeys() []string {
	if !w.ActiveStepKeys.Valid || w.ActiveStepKeys.String == "" {
		return nil
	}
	parts := strings.Split(w.ActiveStepKeys.String, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

func (w *WorkflowInstance) SetActiveKeys(keys []string) {
	if len(keys) == 0 {
		w.ActiveStepKeys = sql.NullString{}
		return
	}
	w.ActiveStepKeys = sql.NullString{String: strings.Join(keys, ","), Valid: true}
}
