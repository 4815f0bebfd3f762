package steps

import (
	"context"

	"github.com/covecrm/crmflow/internal/domain"
)

// StartExecutor is a passthrough: it follows its first transition
// unconditionally.
type StartExecutor struct{}

func (StartExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	next, ok := firstTransition(sc.Step)
	if !ok {
		// a start step with nowhere to go completes the workflow immediately
		return success()
	}
	return transitionTo(next)
}

func (StartExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	if len(step.ParsedTransitions()) == 0 {
		v.addWarning("start step %s has no outgoing transition", step.StepKey)
	}
	return v
}

// EndExecutor returns no next step, signalling workflow completion.
type EndExecutor struct{}

func (EndExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	return success()
}

func (EndExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	if len(step.ParsedTransitions()) > 0 {
		v.addWarning("end step %s has outgoing transitions which will never be taken", step.StepKey)
	}
	return v
}
