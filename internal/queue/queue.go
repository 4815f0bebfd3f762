package queue

import (
	"context"
	"time"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/repository"
)

// JobQueue is the durable queue the engine schedules step executions on. A
// dequeued job is exclusively claimed until Complete, Release or Fail; claims
// abandoned by a dead executor come back via ReleaseStuck.
type JobQueue interface {
	Enqueue(ctx context.Context, job *domain.WorkflowJob) error
	DequeueDue(ctx context.Context, executorID int64, size int) ([]domain.WorkflowJob, error)
	Complete(ctx context.Context, job *domain.WorkflowJob) error
	Release(ctx context.Context, job *domain.WorkflowJob, at time.Time) error
	Fail(ctx context.Context, job *domain.WorkflowJob) error
	ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLQueue keeps the queue entirely in the workflow_jobs table, claimed by
// conditional update. The default backend; it needs nothing besides the
// engine's own database.
type SQLQueue struct {
	jobs  *repository.JobRepository
	clock core.Clock
}

func NewSQLQueue(jobs *repository.JobRepository, clock core.Clock) *SQLQueue {
	return &SQLQueue{jobs: jobs, clock: clock}
}

func (q *SQLQueue) Enqueue(ctx context.Context, job *domain.WorkflowJob) error {
	job.Status = domain.JobStatusPending
	_, err := q.jobs.Save(job)
	return err
}

func (q *SQLQueue) DequeueDue(ctx context.Context, executorID int64, size int) ([]domain.WorkflowJob, error) {
	due, err := q.jobs.FindDue(size)
	if err != nil {
		return nil, err
	}
	// two executors can see the same row; the claim decides who runs it
	claimed := make([]domain.WorkflowJob, 0, len(due))
	for _, j := range due {
		if q.jobs.Claim(j.ID, executorID) {
			j.Status = domain.JobStatusProcessing
			j.Attempts++
			claimed = append(claimed, j)
		}
	}
	return claimed, nil
}

func (q *SQLQueue) Complete(ctx context.Context, job *domain.WorkflowJob) error {
	return q.jobs.MarkDone(job.ID)
}

func (q *SQLQueue) Release(ctx context.Context, job *domain.WorkflowJob, at time.Time) error {
	return q.jobs.Reschedule(job.ID, at)
}

func (q *SQLQueue) Fail(ctx context.Context, job *domain.WorkflowJob) error {
	return q.jobs.MarkFailed(job.ID)
}

func (q *SQLQueue) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := q.clock.Now().Add(-olderThan)
	return q.jobs.ReleaseStuck(cutoff)
}
