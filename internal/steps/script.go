package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

type ScriptAssignment struct {
	Variable   string `json:"variable"`
	Expression string `json:"expression"`
}

type ScriptTransformation struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type ScriptStepConfig struct {
	Assignments     []ScriptAssignment     `json:"assignments"`
	Transformations []ScriptTransformation `json:"transformations"`
	FailOnError     bool                   `json:"failOnError"`
}

// ScriptExecutor applies ordered variable assignments and named
// transformations over the context. Outputs keep their assigned names; the
// engine does not namespace them by step key.
type ScriptExecutor struct {
	Clock core.Clock
}

func NewScriptExecutor(clock core.Clock) *ScriptExecutor {
	return &ScriptExecutor{Clock: clock}
}

func (e *ScriptExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	var cfg ScriptStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("script step %s: %v", sc.Step.StepKey, err)
	}

	// later assignments see the outputs of earlier ones
	bag := make(map[string]any, len(sc.Variables))
	for k, v := range sc.Variables {
		bag[k] = v
	}
	outputs := map[string]any{}

	for _, a := range cfg.Assignments {
		if strings.TrimSpace(a.Variable) == "" {
			if cfg.FailOnError {
				return failure("script step %s: assignment with empty variable name", sc.Step.StepKey)
			}
			slog.WarnContext(ctx, "Skipping assignment with empty variable name", "step", sc.Step.StepKey)
			continue
		}
		value := expr.EvaluateExpression(a.Expression, bag)
		bag[a.Variable] = value
		outputs[a.Variable] = value
	}

	for _, t := range cfg.Transformations {
		value, err := e.applyTransformation(t, bag)
		if err != nil {
			if cfg.FailOnError {
				return failure("script step %s: %v", sc.Step.StepKey, err)
			}
			slog.WarnContext(ctx, "Skipping failed transformation", "step", sc.Step.StepKey, "type", t.Type, "error", err)
			continue
		}
		target := t.Target
		if target == "" {
			target = t.Source
		}
		if target == "" {
			if cfg.FailOnError {
				return failure("script step %s: transformation %s has no target variable", sc.Step.StepKey, t.Type)
			}
			continue
		}
		bag[target] = value
		outputs[target] = value
	}

	if next, ok := resolveTransition(sc.Step, bag); ok {
		return &Result{Success: true, NextStepKey: next, PlainVariables: outputs}
	}
	return &Result{Success: true, PlainVariables: outputs}
}

func (e *ScriptExecutor) applyTransformation(t ScriptTransformation, bag map[string]any) (any, error) {
	source, _ := expr.Lookup(t.Source, bag)
	text := expr.FormatValue(source)

	switch t.Type {
	case "uppercase":
		return strings.ToUpper(text), nil
	case "lowercase":
		return strings.ToLower(text), nil
	case "trim":
		return strings.TrimSpace(text), nil
	case "length":
		return float64(len(text)), nil
	case "toInt":
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, fmt.Errorf("toInt(%q): %w", text, err)
		}
		return float64(int64(f)), nil
	case "toFloat":
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, fmt.Errorf("toFloat(%q): %w", text, err)
		}
		return f, nil
	case "toBool":
		b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(text)))
		if err != nil {
			return nil, fmt.Errorf("toBool(%q): %w", text, err)
		}
		return b, nil
	case "toString":
		return text, nil
	case "now":
		return e.Clock.Now().UTC().Format(time.RFC3339), nil
	case "today":
		return e.Clock.Now().UTC().Format("2006-01-02"), nil
	case "guid":
		return uuid.NewString(), nil
	case "json":
		b, err := json.Marshal(source)
		if err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		return string(b), nil
	case "parseJson":
		var out any
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			return nil, fmt.Errorf("parseJson: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transformation %q", t.Type)
	}
}

func (e *ScriptExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg ScriptStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if len(cfg.Assignments) == 0 && len(cfg.Transformations) == 0 {
		v.addWarning("script step %s does nothing", step.StepKey)
	}
	for _, a := range cfg.Assignments {
		if strings.TrimSpace(a.Variable) == "" {
			v.addError("assignment with empty variable name")
		}
		for _, w := range expr.ValidateExpression(a.Expression) {
			v.addWarning("assignment %s: %s", a.Variable, w)
		}
	}
	known := map[string]bool{
		"uppercase": true, "lowercase": true, "trim": true, "length": true,
		"toInt": true, "toFloat": true, "toBool": true, "toString": true,
		"now": true, "today": true, "guid": true, "json": true, "parseJson": true,
	}
	for _, t := range cfg.Transformations {
		if !known[t.Type] {
			v.addError("unknown transformation %q", t.Type)
		}
	}
	return v
}
