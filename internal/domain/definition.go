package domain

import (
	"database/sql"
	"time"
)

const (
	DefinitionStatusDraft     = "DRAFT"
	DefinitionStatusPublished = "PUBLISHED"
	DefinitionStatusArchived  = "ARCHIVED"
)

// WorkflowDefinition is a named, versioned workflow template. Once published it
// is immutable apart from metadata; a new version is a new row.
type WorkflowDefinition struct {
	ID                      int64
	Name                    string
	Version                 int
	Description             string
	Status                  string
	EntityType              string
	EventType               string
	Priority                int
	ScheduleIntervalMinutes sql.NullInt64
	NextRunAt               sql.NullTime
	Created                 time.Time
	Updated                 time.Time

	Steps []WorkflowStep
}

// StartStep returns the step flagged as the start step, or nil when the
// definition has none (an invalid definition).
func (d *WorkflowDefinition) StartStep() *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].IsStartStep {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepByKey returns the step with the given key, or nil.
func (d *WorkflowDefinition) StepByKey(key string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].StepKey == key {
			return &d.Steps[i]
		}
	}
	return nil
}

func (d *WorkflowDefinition) HasEndStep() bool {
	for i := range d.Steps {
		if d.Steps[i].IsEndStep {
			return true
		}
	}
	return false
}
