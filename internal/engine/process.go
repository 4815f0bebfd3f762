package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/steps"
)

const maxRetryBackoff = 60 * time.Minute

// ProcessWorkflow executes one step of one instance. It is the only entry
// point jobs drive; every call is safe to repeat because stale jobs fall
// through the step-key guard without touching the instance.
func (e *WorkflowEngine) ProcessWorkflow(ctx context.Context, instanceID int64, stepKey string) error {
	ctx, span := e.tracer.Start(ctx, "ProcessWorkflow", trace.WithAttributes(
		attribute.Int64("instance_id", instanceID),
		attribute.String("step_key", stepKey)))
	defer span.End()

	instance, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %d: %w", instanceID, err)
	}
	if instance.Status != domain.InstanceStatusRunning && instance.Status != domain.InstanceStatusWaitingForInput {
		slog.DebugContext(ctx, "Dropping job for inactive instance", "instance_id", instanceID, "status", instance.Status)
		return nil
	}
	if !e.stepIsCurrent(instance, stepKey) {
		// the instance moved on since this job was queued
		slog.DebugContext(ctx, "Dropping stale job", "instance_id", instanceID, "step_key", stepKey, "current", instance.CurrentStepKey)
		return nil
	}

	def, err := e.Definitions.FindByID(instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition %d: %w", instance.DefinitionID, err)
	}
	step := def.StepByKey(stepKey)
	if step == nil {
		return e.failInstance(ctx, instance, stepKey, fmt.Errorf("step %q not found in definition %s v%d", stepKey, def.Name, def.Version), "")
	}
	executor, ok := e.Registry.Get(step.StepType)
	if !ok {
		return e.failInstance(ctx, instance, stepKey, fmt.Errorf("no executor registered for step type %q", step.StepType), "")
	}

	vars, err := e.loadVariables(instanceID)
	if err != nil {
		return err
	}

	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventStepStarted,
		Severity:   domain.SeverityInfo,
		StepKey:    sql.NullString{String: stepKey, Valid: true},
		Actor:      SystemActor,
		Message:    "Executing " + step.StepType + " step " + stepKey,
	})

	started := e.clock.Now()
	result := executor.Execute(ctx, &steps.StepContext{
		Instance:   instance,
		Definition: def,
		Step:       step,
		Variables:  vars,
	})
	duration := e.clock.Now().Sub(started)

	if !result.Success {
		return e.handleFailure(ctx, instance, step, def.Priority, result.ErrorMessage, result.ErrorDetails, result.ShouldRetry, result.RetryAfter, duration)
	}
	return e.handleSuccess(ctx, instance, def, step, resultEnvelope{result: result, duration: duration})
}

func (e *WorkflowEngine) stepIsCurrent(instance *domain.WorkflowInstance, stepKey string) bool {
	if instance.CurrentStepKey == stepKey {
		return true
	}
	for _, key := range instance.ActiveKeys() {
		if key == stepKey {
			return true
		}
	}
	return false
}

func (e *WorkflowEngine) loadVariables(instanceID int64) (map[string]any, error) {
	rows, err := e.Instances.GetVariables(instanceID)
	if err != nil {
		return nil, fmt.Errorf("loading variables for instance %d: %w", instanceID, err)
	}
	vars := make(map[string]any, len(rows))
	for i := range rows {
		vars[rows[i].Key] = rows[i].Decoded()
	}
	return vars, nil
}

type resultEnvelope struct {
	result   *steps.Result
	duration time.Duration
}

func (e *WorkflowEngine) handleSuccess(ctx context.Context, instance *domain.WorkflowInstance,
	def *domain.WorkflowDefinition, step *domain.WorkflowStep, env resultEnvelope) error {
	result := env.result
	now := e.clock.Now()

	// suspend for human input: the user action executor has already raised
	// or found the task
	if result.RequiresUserInput {
		if err := e.persistOutputs(instance, step, result); err != nil {
			return err
		}
		if instance.Status != domain.InstanceStatusWaitingForInput {
			instance.Status = domain.InstanceStatusWaitingForInput
			if err := e.Instances.Update(instance); err != nil {
				return err
			}
			e.saveEvent(&domain.WorkflowEvent{
				InstanceID: instance.ID,
				EventType:  domain.EventTaskCreated,
				Severity:   domain.SeverityInfo,
				StepKey:    sql.NullString{String: step.StepKey, Valid: true},
				Actor:      SystemActor,
				Message:    "Waiting for user input at step " + step.StepKey,
			})
		}
		return nil
	}

	// park until a scheduled time: the step re-runs from the same key
	if result.RequiresScheduledResume {
		if err := e.persistOutputs(instance, step, result); err != nil {
			return err
		}
		slog.InfoContext(ctx, "Step scheduled to resume", "instance_id", instance.ID, "step_key", step.StepKey, "resume_at", result.ScheduledResumeAt)
		return e.enqueueStep(ctx, instance, step.StepKey, result.ScheduledResumeAt, def.Priority)
	}

	// parallel fan-out
	if len(result.NextStepKeys) > 0 {
		if err := e.completeStepOutputs(instance, step, result); err != nil {
			return err
		}
		instance.SetActiveKeys(dedupe(result.NextStepKeys))
		instance.RetryCount = 0
		instance.StepStartedAt = sql.NullTime{Time: now, Valid: true}
		if err := e.Instances.Update(instance); err != nil {
			return err
		}
		e.stepCompletedEvent(instance, step, env.duration, fmt.Sprintf("Fanned out to %d branches", len(result.NextStepKeys)))
		for _, key := range instance.ActiveKeys() {
			if err := e.enqueueStep(ctx, instance, key, now, def.Priority); err != nil {
				return err
			}
		}
		return nil
	}

	// an end step executed directly completes the workflow; this covers
	// single-step definitions where the start step is also the end step
	if result.NextStepKey == "" && step.IsEndStep {
		if err := e.completeStepOutputs(instance, step, result); err != nil {
			return err
		}
		e.stepCompletedEvent(instance, step, env.duration, "Reached end step")
		return e.completeWorkflow(ctx, instance, step.StepKey, now)
	}

	// no transition: either a join still waiting for branches or a deliberate
	// dead end; in both cases the instance stays put
	if result.NextStepKey == "" {
		return e.persistOutputs(instance, step, result)
	}

	next := def.StepByKey(result.NextStepKey)
	if next == nil {
		return e.failInstance(ctx, instance, step.StepKey,
			fmt.Errorf("step %q transitions to unknown step %q", step.StepKey, result.NextStepKey), "")
	}

	if err := e.completeStepOutputs(instance, step, result); err != nil {
		return err
	}
	e.stepCompletedEvent(instance, step, env.duration, "Transitioned to "+next.StepKey)

	// an advancing join collapses the parallel region
	if len(instance.ActiveKeys()) > 0 {
		if step.StepType == domain.StepTypeJoin {
			instance.SetActiveKeys(nil)
		} else {
			instance.SetActiveKeys(replaceKey(instance.ActiveKeys(), step.StepKey, next.StepKey))
		}
	}

	if next.IsEndStep {
		return e.completeWorkflow(ctx, instance, next.StepKey, now)
	}

	if len(instance.ActiveKeys()) == 0 {
		instance.CurrentStepKey = next.StepKey
	}
	instance.RetryCount = 0
	instance.NextRetryAt = sql.NullTime{}
	instance.StepStartedAt = sql.NullTime{Time: now, Valid: true}
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	return e.enqueueStep(ctx, instance, next.StepKey, now, def.Priority)
}

func (e *WorkflowEngine) completeWorkflow(ctx context.Context, instance *domain.WorkflowInstance,
	endKey string, now time.Time) error {
	instance.CurrentStepKey = endKey
	instance.SetActiveKeys(nil)
	instance.Status = domain.InstanceStatusCompleted
	instance.RetryCount = 0
	instance.Completed = sql.NullTime{Time: now, Valid: true}
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventWorkflowCompleted,
		Severity:   domain.SeverityInfo,
		StepKey:    sql.NullString{String: endKey, Valid: true},
		Actor:      SystemActor,
		Message:    "Workflow completed",
	})
	slog.InfoContext(ctx, "Workflow completed", "instance_id", instance.ID, "external_id", instance.ExternalID)
	return nil
}

func (e *WorkflowEngine) handleFailure(ctx context.Context, instance *domain.WorkflowInstance,
	step *domain.WorkflowStep, priority int, message string, details string, shouldRetry bool,
	retryAfter time.Duration, duration time.Duration) error {
	instance.RetryCount++
	instance.ErrorMessage = sql.NullString{String: message, Valid: message != ""}

	e.saveEvent(&domain.WorkflowEvent{
		InstanceID:   instance.ID,
		EventType:    domain.EventStepFailed,
		Severity:     domain.SeverityError,
		StepKey:      sql.NullString{String: step.StepKey, Valid: true},
		Actor:        SystemActor,
		Message:      message,
		DurationMs:   sql.NullInt64{Int64: duration.Milliseconds(), Valid: true},
		ErrorDetails: sql.NullString{String: details, Valid: details != ""},
	})

	if shouldRetry {
		wait := retryAfter
		if wait <= 0 {
			wait = slidingBackoff(instance.RetryCount)
		}
		retryAt := e.clock.Now().Add(wait)
		instance.NextRetryAt = sql.NullTime{Time: retryAt, Valid: true}
		if err := e.Instances.Update(instance); err != nil {
			return err
		}
		e.saveEvent(&domain.WorkflowEvent{
			InstanceID: instance.ID,
			EventType:  domain.EventStepRetrying,
			Severity:   domain.SeverityInfo,
			StepKey:    sql.NullString{String: step.StepKey, Valid: true},
			Actor:      SystemActor,
			Message:    fmt.Sprintf("Retry %d at %s", instance.RetryCount, retryAt.UTC().Format(time.RFC3339)),
		})
		slog.WarnContext(ctx, "Step failed, retry scheduled", "instance_id", instance.ID, "step_key", step.StepKey, "retry_count", instance.RetryCount, "retry_at", retryAt)
		return e.enqueueStep(ctx, instance, step.StepKey, retryAt, priority)
	}

	return e.markFailed(ctx, instance, step.StepKey, message)
}

func (e *WorkflowEngine) failInstance(ctx context.Context, instance *domain.WorkflowInstance,
	stepKey string, err error, details string) error {
	if details == "" {
		details = errorStack(err)
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID:   instance.ID,
		EventType:    domain.EventStepFailed,
		Severity:     domain.SeverityError,
		StepKey:      sql.NullString{String: stepKey, Valid: true},
		Actor:        SystemActor,
		Message:      err.Error(),
		ErrorDetails: sql.NullString{String: details, Valid: true},
	})
	instance.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	return e.markFailed(ctx, instance, stepKey, err.Error())
}

func (e *WorkflowEngine) markFailed(ctx context.Context, instance *domain.WorkflowInstance,
	stepKey string, message string) error {
	instance.Status = domain.InstanceStatusFailed
	instance.NextRetryAt = sql.NullTime{}
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventWorkflowFailed,
		Severity:   domain.SeverityError,
		StepKey:    sql.NullString{String: stepKey, Valid: true},
		Actor:      SystemActor,
		Message:    message,
	})
	slog.ErrorContext(ctx, "Workflow failed", "instance_id", instance.ID, "step_key", stepKey, "error", message)
	return nil
}

// persistOutputs writes a result's variables without marking the step
// complete. Used while a step is still waiting.
func (e *WorkflowEngine) persistOutputs(instance *domain.WorkflowInstance,
	step *domain.WorkflowStep, result *steps.Result) error {
	for key, value := range result.OutputVariables {
		v := domain.EncodeVariable(instance.ID, step.StepKey+"_"+key, step.StepKey, value)
		if err := e.Instances.UpsertVariable(&v); err != nil {
			return err
		}
	}
	for key, value := range result.PlainVariables {
		v := domain.EncodeVariable(instance.ID, key, step.StepKey, value)
		if err := e.Instances.UpsertVariable(&v); err != nil {
			return err
		}
	}
	return nil
}

// completeStepOutputs persists outputs and stamps the step's completion
// marker, which join steps count.
func (e *WorkflowEngine) completeStepOutputs(instance *domain.WorkflowInstance,
	step *domain.WorkflowStep, result *steps.Result) error {
	if err := e.persistOutputs(instance, step, result); err != nil {
		return err
	}
	v := domain.EncodeVariable(instance.ID, step.StepKey+"_completed", step.StepKey, true)
	return e.Instances.UpsertVariable(&v)
}

func (e *WorkflowEngine) stepCompletedEvent(instance *domain.WorkflowInstance,
	step *domain.WorkflowStep, duration time.Duration, message string) {
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventStepCompleted,
		Severity:   domain.SeverityInfo,
		StepKey:    sql.NullString{String: step.StepKey, Valid: true},
		Actor:      SystemActor,
		Message:    message,
		DurationMs: sql.NullInt64{Int64: duration.Milliseconds(), Valid: true},
	})
}

// slidingBackoff doubles per retry starting at one minute.
func slidingBackoff(retryCount int) time.Duration {
	wait := time.Minute
	for i := 1; i < retryCount; i++ {
		wait *= 2
		if wait >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return wait
}

func dedupe(keys []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func replaceKey(keys []string, from string, to string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == from {
			k = to
		}
		out = append(out, k)
	}
	return dedupe(out)
}
