package domain

import (
	"database/sql"
	"encoding/json"
	"sort"
)

const (
	StepTypeStart        = "Start"
	StepTypeEnd          = "End"
	StepTypeUserAction   = "UserAction"
	StepTypeApiCall      = "ApiCall"
	StepTypeConditional  = "Conditional"
	StepTypeDelay        = "Delay"
	StepTypeNotification = "Notification"
	StepTypeScript       = "Script"
	StepTypeParallel     = "Parallel"
	StepTypeJoin         = "Join"
)

// WorkflowStep is one node in a definition's graph. Configuration and
// Transitions are JSON blobs; each step type decodes Configuration into its
// own config struct at execution time.
type WorkflowStep struct {
	ID             int64
	DefinitionID   int64
	StepKey        string
	Name           string
	StepType       string
	Configuration  string
	Transitions    string
	OrderIndex     int
	IsStartStep    bool
	IsEndStep      bool
	TimeoutMinutes sql.NullInt64
}

// StepTransition is a conditional edge to a named next step. An empty
// Condition is unconditional. Lower Priority is evaluated first.
type StepTransition struct {
	Condition   string `json:"condition"`
	NextStepKey string `json:"nextStepKey"`
	Priority    int    `json:"priority"`
}

// ParsedTransitions decodes the step's transitions JSON ordered by priority.
// Malformed JSON yields an empty list, never an error; broken transitions are
// an authoring problem surfaced by validation, not a runtime one.
func (s *WorkflowStep) ParsedTransitions() []StepTransition {
	if s.Transitions == "" {
		return nil
	}
	var list []StepTransition
	if err := json.Unmarshal([]byte(s.Transitions), &list); err != nil {
		return nil
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority < list[j].Priority })
	return list
}
