package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/covecrm/crmflow/internal/config"
	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/queue"
	"github.com/covecrm/crmflow/internal/repository"
)

const heartbeatInterval = 30 * time.Second
const conflictRetryDelay = 5 * time.Second

// JobProcessor polls the queue for due jobs and runs them on a pool of
// workers. One processor per process; it registers itself as an executor so
// claims can be traced back to a live process.
type JobProcessor struct {
	Engine       *WorkflowEngine
	Queue        queue.JobQueue
	ExecutorRepo ExecutorRepo
	clock        core.Clock
	executorID   int64
	wakeup       chan struct{}
	jobs         chan domain.WorkflowJob
}

func NewJobProcessor(engine *WorkflowEngine, q queue.JobQueue, executorRepo ExecutorRepo, clock core.Clock) *JobProcessor {
	return &JobProcessor{
		Engine:       engine,
		Queue:        q,
		ExecutorRepo: executorRepo,
		clock:        clock,
		wakeup:       make(chan struct{}, 1),
	}
}

// Start runs the poll loop until the context is cancelled.
func (p *JobProcessor) Start(ctx context.Context) {
	pollInterval, err := time.ParseDuration(config.GetSystemSettingString(config.ENGINE_POLL_INTERVAL))
	if err != nil || pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	p.registerExecutorInstance(ctx)

	batchSize := config.GetSystemSettingInteger(config.ENGINE_BATCH_SIZE)
	if batchSize <= 0 {
		batchSize = 10
	}
	p.jobs = make(chan domain.WorkflowJob, batchSize)

	workerCount := config.GetSystemSettingInteger(config.ENGINE_WORKER_COUNT)
	if workerCount <= 0 {
		workerCount = 5
	}
	slog.Info("Starting job processor", "workers", workerCount, "batch_size", batchSize, "poll_interval", pollInterval.String())
	for i := 0; i < workerCount; i++ {
		go p.worker(ctx, i)
	}

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Job processor stopping due to context cancel")
			return
		case <-ticker.C:
			p.pollAndDispatch(ctx, batchSize)
		case <-p.wakeup:
			p.pollAndDispatch(ctx, batchSize)
		}
	}
}

// Wakeup nudges the poll loop without waiting for the next tick.
func (p *JobProcessor) Wakeup() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

func (p *JobProcessor) pollAndDispatch(ctx context.Context, batchSize int) {
	if len(p.jobs) >= batchSize {
		slog.Warn("Job channel full, skipping poll, possibly long running steps")
		return
	}

	claimed, err := p.Queue.DequeueDue(ctx, p.executorID, batchSize)
	if err != nil {
		slog.Error("Error dequeueing jobs", "error", err)
		return
	}
	for _, job := range claimed {
		slog.DebugContext(ctx, "Dispatching job", "job_id", job.ID, "instance_id", job.InstanceID, "step_key", job.StepKey)
		p.jobs <- job
	}
}

func (p *JobProcessor) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			slog.Debug("Worker starting job", "worker_id", id, "job_id", job.ID)
			p.runJob(ctx, job)
			slog.Debug("Worker finished job", "worker_id", id, "job_id", job.ID)
		}
	}
}

func (p *JobProcessor) runJob(ctx context.Context, job domain.WorkflowJob) {
	err := p.Engine.ProcessWorkflow(ctx, job.InstanceID, job.StepKey)
	if err == nil {
		if err := p.Queue.Complete(ctx, &job); err != nil {
			slog.Error("Failed to complete job", "job_id", job.ID, "error", err)
		}
		return
	}

	if errors.Is(err, repository.ErrConflict) {
		// another executor touched the instance; run again shortly
		slog.WarnContext(ctx, "Job hit concurrent modification, releasing", "job_id", job.ID, "instance_id", job.InstanceID)
		if err := p.Queue.Release(ctx, &job, p.clock.Now().Add(conflictRetryDelay)); err != nil {
			slog.Error("Failed to release job", "job_id", job.ID, "error", err)
		}
		return
	}

	slog.ErrorContext(ctx, "Job processing error", "job_id", job.ID, "instance_id", job.InstanceID, "step_key", job.StepKey, "error", err)
	if job.Attempts >= job.MaxAttempts {
		if err := p.Queue.Fail(ctx, &job); err != nil {
			slog.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
		}
		return
	}
	retryAt := p.clock.Now().Add(slidingBackoff(job.Attempts))
	if err := p.Queue.Release(ctx, &job, retryAt); err != nil {
		slog.Error("Failed to release job", "job_id", job.ID, "error", err)
	}
}

func (p *JobProcessor) registerExecutorInstance(ctx context.Context) {
	name := config.GetSystemSettingString(config.ENGINE_EXECUTOR_NAME)
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "crmflow-engine"
		} else {
			name = hostname
		}
	}
	exec := &domain.Executor{Name: name, Started: p.clock.Now(), LastActive: p.clock.Now()}
	id, err := p.ExecutorRepo.Save(exec)
	if err != nil {
		slog.Error("Failed to register executor", "error", err)
		return
	}
	p.executorID = id
	slog.Info("Registered executor", "executor_id", id, "name", name)

	hb := time.NewTicker(heartbeatInterval)
	go func(executorID int64) {
		defer hb.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hb.C:
				if err := p.ExecutorRepo.UpdateLastActive(executorID, p.clock.Now()); err != nil {
					slog.Error("Failed to update executor last_active", "executor_id", executorID, "error", err)
				}
			}
		}
	}(id)
}
