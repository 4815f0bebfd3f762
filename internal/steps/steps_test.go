package steps

import (
	"encoding/json"
	"testing"

	"github.com/covecrm/crmflow/internal/domain"
)

// shared helpers for the executor tests

func makeStep(t *testing.T, stepType, key string, config any, transitions []domain.StepTransition) *domain.WorkflowStep {
	t.Helper()
	step := &domain.WorkflowStep{StepKey: key, StepType: stepType}
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			t.Fatalf("marshal config: %v", err)
		}
		step.Configuration = string(b)
	}
	if transitions != nil {
		b, err := json.Marshal(transitions)
		if err != nil {
			t.Fatalf("marshal transitions: %v", err)
		}
		step.Transitions = string(b)
	}
	return step
}

func makeContext(step *domain.WorkflowStep, vars map[string]any) *StepContext {
	if vars == nil {
		vars = map[string]any{}
	}
	return &StepContext{
		Instance:   &domain.WorkflowInstance{ID: 1, Status: domain.InstanceStatusRunning, CurrentStepKey: step.StepKey},
		Definition: &domain.WorkflowDefinition{ID: 1, Steps: []domain.WorkflowStep{*step}},
		Step:       step,
		Variables:  vars,
	}
}
