package steps

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

// TaskStore is the slice of task persistence the UserAction executor needs.
type TaskStore interface {
	FindLiveTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	FindLatestCompletedTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	CreateTask(t *domain.WorkflowTask) (int64, error)
}

// UserActionStepConfig describes the human task a UserAction step raises.
type UserActionStepConfig struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	AssignedTo  string `json:"assignedTo"`
}

// UserActionExecutor creates at most one live task per (instance, step) and
// suspends the instance until a human completes it out of band.
type UserActionExecutor struct {
	Tasks TaskStore
}

func NewUserActionExecutor(tasks TaskStore) *UserActionExecutor {
	return &UserActionExecutor{Tasks: tasks}
}

func (e *UserActionExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	live, err := e.Tasks.FindLiveTask(sc.Instance.ID, sc.Step.StepKey)
	if err != nil {
		return retryable(0, "looking up task for step %s: %v", sc.Step.StepKey, err)
	}
	if live != nil {
		// task already raised, nothing to do until it is completed
		return &Result{Success: true, RequiresUserInput: true}
	}

	completed, err := e.Tasks.FindLatestCompletedTask(sc.Instance.ID, sc.Step.StepKey)
	if err != nil {
		return retryable(0, "looking up completed task for step %s: %v", sc.Step.StepKey, err)
	}
	if completed != nil {
		return e.consume(sc, completed)
	}

	var cfg UserActionStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("user action step %s: %v", sc.Step.StepKey, err)
	}
	task := &domain.WorkflowTask{
		InstanceID:  sc.Instance.ID,
		StepKey:     sc.Step.StepKey,
		Title:       expr.ReplaceVariables(cfg.Title, sc.Variables),
		Description: expr.ReplaceVariables(cfg.Description, sc.Variables),
		Status:      domain.TaskStatusPending,
	}
	if recipient := resolveRecipient(cfg.AssignedTo, sc.Variables); recipient != "" {
		task.AssignedTo.String = recipient
		task.AssignedTo.Valid = true
	}
	if _, err := e.Tasks.CreateTask(task); err != nil {
		return retryable(0, "creating task for step %s: %v", sc.Step.StepKey, err)
	}
	return &Result{Success: true, RequiresUserInput: true}
}

// consume resolves the next step from the action taken: transitions are tried
// in priority order and the first case-insensitive substring match wins.
func (e *UserActionExecutor) consume(sc *StepContext, task *domain.WorkflowTask) *Result {
	action := strings.ToLower(strings.TrimSpace(task.ActionTaken.String))

	outputs := map[string]any{
		"action":   task.ActionTaken.String,
		"comments": task.Comments.String,
	}
	if task.FormData.Valid && task.FormData.String != "" {
		var form map[string]any
		if err := json.Unmarshal([]byte(task.FormData.String), &form); err == nil {
			outputs["formData"] = form
		} else {
			outputs["formData"] = task.FormData.String
		}
	}

	for _, t := range sc.Step.ParsedTransitions() {
		cond := strings.ToLower(strings.TrimSpace(t.Condition))
		if cond == "" || (action != "" && (strings.Contains(cond, action) || strings.Contains(action, cond))) {
			return &Result{Success: true, NextStepKey: t.NextStepKey, OutputVariables: outputs}
		}
	}
	// no transition matched the action: record the outputs and stop here
	return &Result{Success: true, OutputVariables: outputs}
}

func resolveRecipient(assignee string, vars map[string]any) string {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return ""
	}
	if strings.Contains(assignee, "{{") {
		return expr.ReplaceVariables(assignee, vars)
	}
	// literals and role: bindings pass through for the task service to resolve
	return assignee
}

func (e *UserActionExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg UserActionStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if strings.TrimSpace(cfg.Title) == "" {
		v.addWarning("user action step %s has no task title", step.StepKey)
	}
	if len(step.ParsedTransitions()) == 0 {
		v.addWarning("user action step %s has no transitions; completed tasks will dead-end", step.StepKey)
	}
	return v
}
