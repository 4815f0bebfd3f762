package steps

import (
	"context"

	"github.com/covecrm/crmflow/internal/domain"
)

type ParallelStepConfig struct {
	Branches            []string `json:"branches"`
	JoinStepKey         string   `json:"joinStepKey"`
	WaitForAll          bool     `json:"waitForAll"`
	RequiredCompletions int      `json:"requiredCompletions"`
}

// ParallelExecutor fans out every branch simultaneously; the engine enqueues
// one job per branch. Branches default to all of the step's transitions.
type ParallelExecutor struct{}

func (ParallelExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg ParallelStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("parallel step %s: %v", sc.Step.StepKey, err)
	}
	branches := cfg.Branches
	if len(branches) == 0 {
		for _, t := range sc.Step.ParsedTransitions() {
			branches = append(branches, t.NextStepKey)
		}
	}
	if len(branches) == 0 {
		// nothing to fan out: deliberate dead end, not a failure
		return success()
	}
	if len(branches) == 1 {
		return transitionTo(branches[0])
	}
	return &Result{Success: true, NextStepKeys: branches}
}

// ConfiguredBranches returns the explicit branch list of a parallel step, if
// one is configured. Used for reachability analysis alongside transitions.
func ConfiguredBranches(step *domain.WorkflowStep) []string {
	var cfg ParallelStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil
	}
	return cfg.Branches
}

func (ParallelExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg ParallelStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if len(cfg.Branches) == 0 && len(step.ParsedTransitions()) == 0 {
		v.addWarning("parallel step %s has neither branches nor transitions", step.StepKey)
	}
	return v
}
