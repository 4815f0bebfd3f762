package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/covecrm/crmflow/internal/config"
	"github.com/covecrm/crmflow/internal/core"
)

const scheduleScanBatch = 50

// ScheduleTrigger starts instances of definitions that run on an interval
// instead of an entity event. Each due definition runs once per tick and its
// next due time slides forward by its own interval.
type ScheduleTrigger struct {
	Engine *WorkflowEngine
	clock  core.Clock
}

func NewScheduleTrigger(engine *WorkflowEngine, clock core.Clock) *ScheduleTrigger {
	return &ScheduleTrigger{Engine: engine, clock: clock}
}

func (t *ScheduleTrigger) Start(ctx context.Context) {
	interval, err := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_SCHEDULE_INTERVAL))
	if err != nil || interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Schedule trigger stopping due to context cancel")
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *ScheduleTrigger) sweep(ctx context.Context) {
	due, err := t.Engine.Definitions.FindScheduledDue(scheduleScanBatch)
	if err != nil {
		slog.Error("Error finding scheduled definitions", "error", err)
		return
	}

	for _, def := range due {
		slog.InfoContext(ctx, "Starting scheduled workflow", "definition", def.Name, "version", def.Version)
		if _, err := t.Engine.StartWorkflow(ctx, def.ID, def.EntityType, "", nil); err != nil {
			slog.Error("Error starting scheduled workflow", "definition", def.Name, "error", err)
		}

		// advance next_run_at even when the start failed so a broken
		// definition does not run hot every tick
		next := t.clock.Now().Add(time.Duration(def.ScheduleIntervalMinutes.Int64) * time.Minute)
		if err := t.Engine.Definitions.UpdateNextRun(def.ID, sql.NullTime{Time: next, Valid: true}); err != nil {
			slog.Error("Error advancing scheduled definition", "definition", def.Name, "error", err)
		}
	}
}
