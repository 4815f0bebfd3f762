package steps

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

// ConditionalStepConfig is a priority-ordered list of condition rules with an
// optional default branch.
type ConditionalStepConfig struct {
	Conditions []ConditionalRule `json:"conditions"`
}

type ConditionalRule struct {
	Expression  string `json:"expression"`
	NextStepKey string `json:"nextStepKey"`
	IsDefault   bool   `json:"isDefault"`
	Priority    int    `json:"priority"`
}

type ConditionalExecutor struct{}

func (ConditionalExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg ConditionalStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		slog.Warn("Conditional step has malformed configuration, falling back to transitions", "step", sc.Step.StepKey, "error", err)
	}

	if len(cfg.Conditions) == 0 {
		if next, ok := unconditionalTransition(sc.Step); ok {
			return transitionTo(next)
		}
		// no conditions and no unconditional transition: deliberate dead end
		return success()
	}

	rules := append([]ConditionalRule(nil), cfg.Conditions...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	var defaultRule *ConditionalRule
	for i := range rules {
		if rules[i].IsDefault {
			if defaultRule == nil {
				defaultRule = &rules[i]
			}
			continue
		}
		if expr.EvaluateCondition(rules[i].Expression, sc.Variables) {
			return transitionTo(rules[i].NextStepKey)
		}
	}
	if defaultRule != nil {
		return transitionTo(defaultRule.NextStepKey)
	}
	// zero matching branches: no-op rather than failure
	return success()
}

// ConditionTargets returns the step keys a conditional step can branch to.
// Used for reachability analysis, where branch targets live in the
// configuration rather than in transitions.
func ConditionTargets(step *domain.WorkflowStep) []string {
	var cfg ConditionalStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Conditions))
	for _, rule := range cfg.Conditions {
		if rule.NextStepKey != "" {
			out = append(out, rule.NextStepKey)
		}
	}
	return out
}

func (ConditionalExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg ConditionalStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	defaults := 0
	for _, rule := range cfg.Conditions {
		if rule.IsDefault {
			defaults++
			continue
		}
		if strings.TrimSpace(rule.Expression) == "" {
			v.addWarning("condition to %s has an empty expression", rule.NextStepKey)
			continue
		}
		for _, w := range expr.ValidateExpression(rule.Expression) {
			v.addWarning("condition to %s: %s", rule.NextStepKey, w)
		}
	}
	if len(cfg.Conditions) > 0 && defaults == 0 {
		v.addWarning("no default condition; unmatched evaluations will dead-end")
	}
	if defaults > 1 {
		v.addWarning("multiple default conditions; only the first in priority order is used")
	}
	return v
}
