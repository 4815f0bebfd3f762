package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/expr"
)

// DelayStepConfig pauses the instance until a target instant, resolved in
// priority order: absolute datetime, daily wall-clock time (rolled to the next
// occurrence when already passed today), relative offset from now.
type DelayStepConfig struct {
	DelayMinutes       int    `json:"delayMinutes"`
	DelayHours         int    `json:"delayHours"`
	DelayDays          int    `json:"delayDays"`
	DelayUntilTime     string `json:"delayUntilTime"`
	DelayUntilDateTime string `json:"delayUntilDateTime"`
}

type DelayExecutor struct {
	Clock core.Clock
}

func NewDelayExecutor(clock core.Clock) *DelayExecutor {
	return &DelayExecutor{Clock: clock}
}

func (e *DelayExecutor) Execute(ctx context.Context, sc *StepContext) *Result {
	now := e.Clock.Now()

	// a resume instant recorded on the first pass pins the target so relative
	// delays do not slide forward on every re-execution
	if v, ok := expr.Lookup(sc.Step.StepKey+"_resumeAt", sc.Variables); ok {
		if target, err := time.Parse(time.RFC3339Nano, expr.FormatValue(v)); err == nil {
			if target.After(now) {
				return &Result{Success: true, RequiresScheduledResume: true, ScheduledResumeAt: target}
			}
			return e.complete(sc)
		}
	}

	var cfg DelayStepConfig
	if err := decodeConfig(sc.Step, &cfg); err != nil {
		return failure("delay step %s: %v", sc.Step.StepKey, err)
	}

	target, ok := resolveDelayTarget(cfg, now)
	if !ok {
		slog.Warn("Delay step has no delay configured, completing immediately", "step", sc.Step.StepKey)
		return e.complete(sc)
	}
	if !target.After(now) {
		return e.complete(sc)
	}
	return &Result{
		Success:                 true,
		RequiresScheduledResume: true,
		ScheduledResumeAt:       target,
		OutputVariables:         map[string]any{"resumeAt": target.UTC().Format(time.RFC3339Nano)},
	}
}

func (e *DelayExecutor) complete(sc *StepContext) *Result {
	if next, ok := resolveTransition(sc.Step, sc.Variables); ok {
		return transitionTo(next)
	}
	return success()
}

func resolveDelayTarget(cfg DelayStepConfig, now time.Time) (time.Time, bool) {
	if cfg.DelayUntilDateTime != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, cfg.DelayUntilDateTime, now.Location()); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if cfg.DelayUntilTime != "" {
		t, err := time.Parse("15:04", cfg.DelayUntilTime)
		if err != nil {
			return time.Time{}, false
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target, true
	}
	offset := time.Duration(cfg.DelayMinutes)*time.Minute +
		time.Duration(cfg.DelayHours)*time.Hour +
		time.Duration(cfg.DelayDays)*24*time.Hour
	if offset <= 0 {
		return time.Time{}, false
	}
	return now.Add(offset), true
}

func (e *DelayExecutor) ValidateConfiguration(step *domain.WorkflowStep) *ValidationResult {
	v := &ValidationResult{}
	var cfg DelayStepConfig
	if err := decodeConfig(step, &cfg); err != nil {
		v.addError("%v", err)
		return v
	}
	if cfg.DelayUntilDateTime == "" && cfg.DelayUntilTime == "" &&
		cfg.DelayMinutes == 0 && cfg.DelayHours == 0 && cfg.DelayDays == 0 {
		v.addWarning("delay step %s has no delay configured", step.StepKey)
	}
	if cfg.DelayUntilTime != "" {
		if _, err := time.Parse("15:04", cfg.DelayUntilTime); err != nil {
			v.addError("delayUntilTime %q is not HH:MM", cfg.DelayUntilTime)
		}
	}
	return v
}
