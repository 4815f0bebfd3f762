package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/covecrm/crmflow/internal/domain"
)

// StepContext is the per-invocation input handed to a step executor: the
// instance being driven, its definition, the step to run and the decoded
// context-variable bag.
type StepContext struct {
	Instance   *domain.WorkflowInstance
	Definition *domain.WorkflowDefinition
	Step       *domain.WorkflowStep
	Variables  map[string]any
}

// Result is the uniform outcome of a step execution, interpreted by the
// engine: transition, parallel fan-out, suspension, scheduled resume, retry
// or failure.
type Result struct {
	Success      bool
	NextStepKey  string
	NextStepKeys []string

	// OutputVariables are merged into the instance context namespaced by
	// step key. PlainVariables are merged under their own names (Script
	// assignments address variables directly).
	OutputVariables map[string]any
	PlainVariables  map[string]any

	RequiresUserInput       bool
	RequiresScheduledResume bool
	ScheduledResumeAt       time.Time

	ShouldRetry  bool
	RetryAfter   time.Duration
	ErrorMessage string
	ErrorDetails string
}

// ValidationResult carries advisory findings for definition authors. Errors
// make the configuration unusable; warnings do not block publishing.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (v *ValidationResult) Valid() bool { return len(v.Errors) == 0 }

func (v *ValidationResult) addError(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ValidationResult) addWarning(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// StepExecutor is the strategy contract implemented once per step type.
type StepExecutor interface {
	Execute(ctx context.Context, sc *StepContext) *Result
	ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult
}

// Registry maps step types to their executors. New step types register here;
// the engine needs no per-type knowledge.
type Registry struct {
	executors map[string]StepExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]StepExecutor{}}
}

func (r *Registry) Register(stepType string, e StepExecutor) {
	r.executors[stepType] = e
}

func (r *Registry) Get(stepType string) (StepExecutor, bool) {
	e, ok := r.executors[stepType]
	return e, ok
}

func success() *Result {
	return &Result{Success: true}
}

func transitionTo(next string) *Result {
	return &Result{Success: true, NextStepKey: next}
}

func failure(format string, args ...any) *Result {
	return &Result{Success: false, ErrorMessage: fmt.Sprintf(format, args...)}
}

func retryable(after time.Duration, format string, args ...any) *Result {
	return &Result{Success: false, ShouldRetry: true, RetryAfter: after, ErrorMessage: fmt.Sprintf(format, args...)}
}

// decodeConfig unmarshals the step's JSON configuration blob into the step
// type's own config struct. An empty blob leaves the struct zeroed.
func decodeConfig(step *domain.WorkflowStep, out any) error {
	if step.Configuration == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(step.Configuration), out); err != nil {
		return fmt.Errorf("step %s configuration: %w", step.StepKey, err)
	}
	return nil
}
