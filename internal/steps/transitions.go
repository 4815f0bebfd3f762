package steps

import (
	"strings"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

// resolveTransition picks the first transition, in priority order, whose
// condition is empty or evaluates to true against the variable bag.
func resolveTransition(step *domain.WorkflowStep, vars map[string]any) (string, bool) {
	for _, t := range step.ParsedTransitions() {
		if strings.TrimSpace(t.Condition) == "" || expr.EvaluateCondition(t.Condition, vars) {
			return t.NextStepKey, true
		}
	}
	return "", false
}

// firstTransition returns the highest-priority transition unconditionally.
func firstTransition(step *domain.WorkflowStep) (string, bool) {
	list := step.ParsedTransitions()
	if len(list) == 0 {
		return "", false
	}
	return list[0].NextStepKey, true
}

// unconditionalTransition returns the first transition with an empty
// condition, the Conditional step's fallback when it has no conditions block.
func unconditionalTransition(step *domain.WorkflowStep) (string, bool) {
	for _, t := range step.ParsedTransitions() {
		if strings.TrimSpace(t.Condition) == "" {
			return t.NextStepKey, true
		}
	}
	return "", false
}
