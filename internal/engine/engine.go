package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/queue"
	"github.com/covecrm/crmflow/internal/steps"
)

const SystemActor = "system"

// WorkflowEngine drives workflow instances through their definitions one step
// at a time. All forward progress happens through jobs on the queue; the
// engine itself never blocks on a step's wait condition.
type WorkflowEngine struct {
	Definitions DefinitionRepo
	Instances   InstanceRepo
	Tasks       TaskRepo
	Events      EventRepo
	Registry    *steps.Registry
	Queue       queue.JobQueue
	clock       core.Clock
	tracer      trace.Tracer
}

func NewWorkflowEngine(definitions DefinitionRepo, instances InstanceRepo, tasks TaskRepo,
	events EventRepo, registry *steps.Registry, q queue.JobQueue, clock core.Clock) *WorkflowEngine {
	return &WorkflowEngine{
		Definitions: definitions,
		Instances:   instances,
		Tasks:       tasks,
		Events:      events,
		Registry:    registry,
		Queue:       q,
		clock:       clock,
		tracer:      otel.Tracer("crmflow/engine"),
	}
}

// StartWorkflow creates a new instance of a published definition and queues
// its start step. Initial variables become the instance's working memory.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, definitionID int64, entityType string,
	entityID string, initialVars map[string]any) (*domain.WorkflowInstance, error) {
	ctx, span := e.tracer.Start(ctx, "StartWorkflow",
		trace.WithAttributes(attribute.Int64("definition_id", definitionID)))
	defer span.End()

	def, err := e.Definitions.FindByID(definitionID)
	if err != nil {
		return nil, fmt.Errorf("loading definition %d: %w", definitionID, err)
	}
	if def.Status != domain.DefinitionStatusPublished {
		return nil, fmt.Errorf("definition %s v%d is %s, only published definitions can start", def.Name, def.Version, def.Status)
	}
	start := def.StartStep()
	if start == nil {
		return nil, fmt.Errorf("definition %s v%d has no start step", def.Name, def.Version)
	}

	now := e.clock.Now()
	instance := &domain.WorkflowInstance{
		ExternalID:     uuid.NewString(),
		DefinitionID:   def.ID,
		EntityType:     entityType,
		EntityID:       entityID,
		Status:         domain.InstanceStatusRunning,
		CurrentStepKey: start.StepKey,
		StepStartedAt:  sql.NullTime{Time: now, Valid: true},
		Started:        sql.NullTime{Time: now, Valid: true},
	}
	if _, err := e.Instances.Save(instance); err != nil {
		return nil, fmt.Errorf("saving instance: %w", err)
	}

	for key, value := range initialVars {
		v := domain.EncodeVariable(instance.ID, key, start.StepKey, value)
		if err := e.Instances.UpsertVariable(&v); err != nil {
			return nil, fmt.Errorf("saving initial variable %s: %w", key, err)
		}
	}

	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventWorkflowStarted,
		Severity:   domain.SeverityInfo,
		Actor:      SystemActor,
		Message:    fmt.Sprintf("Started %s v%d for %s/%s", def.Name, def.Version, entityType, entityID),
	})

	if err := e.enqueueStep(ctx, instance, start.StepKey, now, def.Priority); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Workflow started", "instance_id", instance.ID, "external_id", instance.ExternalID, "definition", def.Name)
	return instance, nil
}

// TriggerWorkflows starts an instance of every published definition matching
// the entity and event type. One definition failing to start does not stop
// the others.
func (e *WorkflowEngine) TriggerWorkflows(ctx context.Context, entityType string, eventType string,
	entityID string, initialVars map[string]any) ([]*domain.WorkflowInstance, error) {
	defs, err := e.Definitions.FindPublishedByTrigger(entityType, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding definitions for %s/%s: %w", entityType, eventType, err)
	}

	var started []*domain.WorkflowInstance
	for _, def := range defs {
		instance, err := e.StartWorkflow(ctx, def.ID, entityType, entityID, initialVars)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to start triggered workflow", "definition", def.Name, "version", def.Version, "error", err)
			continue
		}
		started = append(started, instance)
	}
	return started, nil
}

// PauseWorkflow suspends a running instance. Jobs arriving while paused are
// dropped by the processing guard and the instance resumes from its current
// step.
func (e *WorkflowEngine) PauseWorkflow(ctx context.Context, instanceID int64, actor string) error {
	instance, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return err
	}
	if instance.Status != domain.InstanceStatusRunning && instance.Status != domain.InstanceStatusWaitingForInput {
		return fmt.Errorf("cannot pause instance %d in status %s", instanceID, instance.Status)
	}
	instance.Status = domain.InstanceStatusPaused
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  domain.EventWorkflowPaused,
		Severity:   domain.SeverityInfo,
		Actor:      actor,
		Message:    "Workflow paused",
	})
	return nil
}

// ResumeWorkflow puts a paused instance back to work and re-queues its
// current step, or all active branches when paused mid-parallel.
func (e *WorkflowEngine) ResumeWorkflow(ctx context.Context, instanceID int64, actor string) error {
	instance, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return err
	}
	if instance.Status != domain.InstanceStatusPaused {
		return fmt.Errorf("cannot resume instance %d in status %s", instanceID, instance.Status)
	}
	def, err := e.Definitions.FindByID(instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition %d: %w", instance.DefinitionID, err)
	}
	instance.Status = domain.InstanceStatusRunning
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  domain.EventWorkflowResumed,
		Severity:   domain.SeverityInfo,
		Actor:      actor,
		Message:    "Workflow resumed",
	})

	now := e.clock.Now()
	keys := instance.ActiveKeys()
	if len(keys) == 0 {
		keys = []string{instance.CurrentStepKey}
	}
	for _, key := range keys {
		if err := e.enqueueStep(ctx, instance, key, now, def.Priority); err != nil {
			return err
		}
	}
	return nil
}

// CancelWorkflow terminally stops an instance and closes its open tasks.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, instanceID int64, actor string, reason string) error {
	instance, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return err
	}
	if instance.IsTerminal() {
		return fmt.Errorf("cannot cancel instance %d in status %s", instanceID, instance.Status)
	}
	instance.Status = domain.InstanceStatusCancelled
	instance.Completed = sql.NullTime{Time: e.clock.Now(), Valid: true}
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	cancelled, err := e.Tasks.CancelOpenTasks(instanceID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to cancel open tasks", "instance_id", instanceID, "error", err)
	}
	msg := "Workflow cancelled"
	if reason != "" {
		msg = "Workflow cancelled: " + reason
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  domain.EventWorkflowCancelled,
		Severity:   domain.SeverityInfo,
		Actor:      actor,
		Message:    fmt.Sprintf("%s (%d open tasks closed)", msg, cancelled),
	})
	return nil
}

// RetryWorkflow re-runs the current step of a failed instance with a fresh
// retry budget.
func (e *WorkflowEngine) RetryWorkflow(ctx context.Context, instanceID int64, actor string) error {
	instance, err := e.Instances.FindByID(instanceID)
	if err != nil {
		return err
	}
	if instance.Status != domain.InstanceStatusFailed {
		return fmt.Errorf("cannot retry instance %d in status %s", instanceID, instance.Status)
	}
	def, err := e.Definitions.FindByID(instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition %d: %w", instance.DefinitionID, err)
	}
	now := e.clock.Now()
	instance.Status = domain.InstanceStatusRunning
	instance.RetryCount = 0
	instance.NextRetryAt = sql.NullTime{}
	instance.ErrorMessage = sql.NullString{}
	instance.StepStartedAt = sql.NullTime{Time: now, Valid: true}
	if err := e.Instances.Update(instance); err != nil {
		return err
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  domain.EventWorkflowRetrying,
		Severity:   domain.SeverityInfo,
		StepKey:    sql.NullString{String: instance.CurrentStepKey, Valid: true},
		Actor:      actor,
		Message:    "Manual retry from step " + instance.CurrentStepKey,
	})

	keys := instance.ActiveKeys()
	if len(keys) == 0 {
		keys = []string{instance.CurrentStepKey}
	}
	for _, key := range keys {
		if err := e.enqueueStep(ctx, instance, key, now, def.Priority); err != nil {
			return err
		}
	}
	return nil
}

// CompleteTask records a human decision on a live task and wakes the owning
// instance. Completing an already closed task is rejected, the first decision
// stands.
func (e *WorkflowEngine) CompleteTask(ctx context.Context, taskID int64, actor string,
	action string, comments string, formData string) error {
	task, err := e.Tasks.FindByID(taskID)
	if err != nil {
		return fmt.Errorf("loading task %d: %w", taskID, err)
	}
	ok, err := e.Tasks.Complete(taskID, action, comments, formData)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d is no longer open", taskID)
	}

	instance, err := e.Instances.FindByID(task.InstanceID)
	if err != nil {
		return err
	}
	def, err := e.Definitions.FindByID(instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("loading definition %d: %w", instance.DefinitionID, err)
	}
	e.saveEvent(&domain.WorkflowEvent{
		InstanceID: instance.ID,
		EventType:  domain.EventTaskCompleted,
		Severity:   domain.SeverityInfo,
		StepKey:    sql.NullString{String: task.StepKey, Valid: true},
		Actor:      actor,
		Message:    fmt.Sprintf("Task %q completed with action %q", task.Title, action),
	})

	if instance.Status == domain.InstanceStatusWaitingForInput {
		instance.Status = domain.InstanceStatusRunning
		if err := e.Instances.Update(instance); err != nil {
			return err
		}
	}
	return e.enqueueStep(ctx, instance, task.StepKey, e.clock.Now(), def.Priority)
}

// ValidateDefinition runs structural checks over a definition's graph plus
// each step type's own configuration validation.
func (e *WorkflowEngine) ValidateDefinition(def *domain.WorkflowDefinition) *steps.ValidationResult {
	v := &steps.ValidationResult{}

	starts := 0
	keys := map[string]bool{}
	for i := range def.Steps {
		s := &def.Steps[i]
		if keys[s.StepKey] {
			v.Errors = append(v.Errors, fmt.Sprintf("duplicate step key %q", s.StepKey))
		}
		keys[s.StepKey] = true
		if s.IsStartStep {
			starts++
		}
	}
	if starts == 0 {
		v.Errors = append(v.Errors, "definition has no start step")
	}
	if starts > 1 {
		v.Errors = append(v.Errors, "definition has more than one start step")
	}
	if !def.HasEndStep() {
		v.Errors = append(v.Errors, "definition has no end step")
	}

	reachable := map[string]bool{}
	if start := def.StartStep(); start != nil {
		e.walk(def, start.StepKey, reachable)
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		for _, t := range s.ParsedTransitions() {
			if !keys[t.NextStepKey] {
				v.Errors = append(v.Errors, fmt.Sprintf("step %q transitions to unknown step %q", s.StepKey, t.NextStepKey))
			}
		}
		if s.StepType == domain.StepTypeConditional {
			for _, target := range steps.ConditionTargets(s) {
				if !keys[target] {
					v.Errors = append(v.Errors, fmt.Sprintf("step %q branches to unknown step %q", s.StepKey, target))
				}
			}
		}
		if !reachable[s.StepKey] {
			v.Warnings = append(v.Warnings, fmt.Sprintf("step %q is unreachable from the start step", s.StepKey))
		}

		executor, ok := e.Registry.Get(s.StepType)
		if !ok {
			v.Errors = append(v.Errors, fmt.Sprintf("step %q has unknown type %q", s.StepKey, s.StepType))
			continue
		}
		sv := executor.ValidateConfiguration(s)
		for _, msg := range sv.Errors {
			v.Errors = append(v.Errors, fmt.Sprintf("step %q: %s", s.StepKey, msg))
		}
		for _, msg := range sv.Warnings {
			v.Warnings = append(v.Warnings, fmt.Sprintf("step %q: %s", s.StepKey, msg))
		}
	}
	return v
}

func (e *WorkflowEngine) walk(def *domain.WorkflowDefinition, key string, seen map[string]bool) {
	if seen[key] {
		return
	}
	seen[key] = true
	step := def.StepByKey(key)
	if step == nil {
		return
	}
	for _, t := range step.ParsedTransitions() {
		e.walk(def, t.NextStepKey, seen)
	}
	// parallel and conditional branches may be configured rather than
	// declared as transitions
	if step.StepType == domain.StepTypeParallel {
		for _, branch := range steps.ConfiguredBranches(step) {
			e.walk(def, branch, seen)
		}
	}
	if step.StepType == domain.StepTypeConditional {
		for _, target := range steps.ConditionTargets(step) {
			e.walk(def, target, seen)
		}
	}
}

func (e *WorkflowEngine) enqueueStep(ctx context.Context, instance *domain.WorkflowInstance,
	stepKey string, at time.Time, priority int) error {
	job := &domain.WorkflowJob{
		JobType:       domain.JobTypeExecuteStep,
		InstanceID:    instance.ID,
		StepKey:       stepKey,
		ScheduledAt:   at,
		MaxAttempts:   5,
		Priority:      priority,
		CorrelationID: uuid.NewString(),
	}
	if err := e.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing step %s for instance %d: %w", stepKey, instance.ID, err)
	}
	return nil
}

func (e *WorkflowEngine) saveEvent(event *domain.WorkflowEvent) {
	if _, err := e.Events.Save(event); err != nil {
		slog.Error("Failed to save workflow event", "instance_id", event.InstanceID, "event_type", event.EventType, "error", err)
	}
}

func errorStack(err error) string {
	return goerrors.Wrap(err, 1).ErrorStack()
}
