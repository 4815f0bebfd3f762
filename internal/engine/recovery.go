package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/covecrm/crmflow/internal/config"
	"github.com/covecrm/crmflow/internal/queue"
)

// RecoveryService returns jobs abandoned by crashed executors to the queue.
// A job claimed longer ago than the recovery window whose executor stopped
// heartbeating is assumed dead and released for another pickup.
type RecoveryService struct {
	Queue queue.JobQueue
}

func NewRecoveryService(q queue.JobQueue) *RecoveryService {
	return &RecoveryService{Queue: q}
}

func (s *RecoveryService) Start(ctx context.Context) {
	interval, err := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_RECOVERY_INTERVAL))
	if err != nil || interval <= 0 {
		interval = time.Minute
	}
	afterMinutes := config.GetSystemSettingInteger(config.ENGINE_RECOVERY_AFTER_MINUTES)
	if afterMinutes <= 0 {
		afterMinutes = 5
	}
	window := time.Duration(afterMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Recovery service stopping due to context cancel")
			return
		case <-ticker.C:
			released, err := s.Queue.ReleaseStuck(ctx, window)
			if err != nil {
				slog.Error("Error releasing stuck jobs", "error", err)
				continue
			}
			if released > 0 {
				slog.Warn("Released stuck jobs", "count", released, "older_than", window.String())
			}
		}
	}
}
