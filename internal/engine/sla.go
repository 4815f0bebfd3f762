package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/covecrm/crmflow/internal/config"
	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

const slaScanBatch = 200

// SlaMonitor fails instances whose current step has exceeded its configured
// timeout. Steps without a timeout are never breached.
type SlaMonitor struct {
	Engine *WorkflowEngine
	clock  core.Clock
}

func NewSlaMonitor(engine *WorkflowEngine, clock core.Clock) *SlaMonitor {
	return &SlaMonitor{Engine: engine, clock: clock}
}

func (m *SlaMonitor) Start(ctx context.Context) {
	interval, err := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_SLA_INTERVAL))
	if err != nil || interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "SLA monitor stopping due to context cancel")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *SlaMonitor) sweep(ctx context.Context) {
	instances, err := m.Engine.Instances.FindActiveStepStartedBefore(slaScanBatch)
	if err != nil {
		slog.Error("Error scanning instances for SLA breaches", "error", err)
		return
	}

	now := m.clock.Now()
	for _, instance := range instances {
		def, err := m.Engine.Definitions.FindByID(instance.DefinitionID)
		if err != nil {
			slog.Error("Error loading definition during SLA sweep", "instance_id", instance.ID, "error", err)
			continue
		}
		step := def.StepByKey(instance.CurrentStepKey)
		if step == nil || !step.TimeoutMinutes.Valid || step.TimeoutMinutes.Int64 <= 0 {
			continue
		}
		deadline := instance.StepStartedAt.Time.Add(time.Duration(step.TimeoutMinutes.Int64) * time.Minute)
		if now.Before(deadline) {
			continue
		}

		overdue := now.Sub(deadline).Round(time.Second)
		slog.WarnContext(ctx, "SLA breached", "instance_id", instance.ID, "step_key", step.StepKey, "overdue", overdue.String())
		m.Engine.saveEvent(&domain.WorkflowEvent{
			InstanceID: instance.ID,
			EventType:  domain.EventSlaBreached,
			Severity:   domain.SeverityError,
			StepKey:    sql.NullString{String: step.StepKey, Valid: true},
			Actor:      SystemActor,
			Message:    fmt.Sprintf("Step %s exceeded its %d minute timeout by %s", step.StepKey, step.TimeoutMinutes.Int64, overdue),
		})

		message := fmt.Sprintf("SLA breached at step %s", step.StepKey)
		instance.ErrorMessage = sql.NullString{String: message, Valid: true}
		if err := m.Engine.markFailed(ctx, instance, step.StepKey, message); err != nil {
			slog.Error("Error failing breached instance", "instance_id", instance.ID, "error", err)
		}
	}
}
