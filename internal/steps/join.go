package steps

import (
	"context"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

type JoinStepConfig struct {
	ExpectedBranches    []string `json:"expectedBranches"`
	RequiredCompletions int      `json:"requiredCompletions"`
	TimeoutMinutes      int      `json:"timeoutMinutes"`
}

// JoinExecutor re-synchronizes parallel branches. It waits until the required
// number of expected branches have posted their completion variable; while
// incomplete it returns success with no next step so the engine does not
// advance.
type JoinExecutor struct{}

func (JoinExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg JoinStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("join step %s: %v", sc.Step.StepKey, err)
	}
	if len(cfg.ExpectedBranches) == 0 {
		// nothing to wait for, pass straight through
		if next, ok := resolveTransition(sc.Step, sc.Variables); ok {
			return transitionTo(next)
		}
		return success()
	}

	required := cfg.RequiredCompletions
	if required <= 0 || required > len(cfg.ExpectedBranches) {
		required = len(cfg.ExpectedBranches)
	}

	completed := 0
	for _, branch := range cfg.ExpectedBranches {
		if v, ok := expr.Lookup(branch+"_completed", sc.Variables); ok && expr.Truthy(v) {
			completed++
		}
	}
	if completed < required {
		return success()
	}

	if next, ok := resolveTransition(sc.Step, sc.Variables); ok {
		return transitionTo(next)
	}
	return success()
}

func (JoinExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg JoinStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if len(cfg.ExpectedBranches) == 0 {
		v.addWarning("join step %s has no expected branches and will not gate", step.StepKey)
	}
	if cfg.RequiredCompletions > len(cfg.ExpectedBranches) {
		v.addWarning("requiredCompletions %d exceeds the %d expected branches", cfg.RequiredCompletions, len(cfg.ExpectedBranches))
	}
	if len(step.ParsedTransitions()) == 0 {
		v.addWarning("join step %s has no outgoing transition", step.StepKey)
	}
	return v
}
