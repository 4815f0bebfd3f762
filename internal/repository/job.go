package repository

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

const JOB_COLUMNS = ` id, job_type, instance_id, step_key, scheduled_at, attempts,
		       max_attempts, priority, correlation_id, status, executor_id,
		       claimed_at, created, modified `

type JobRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewJobRepository(db *sql.DB, clock core.Clock) *JobRepository {
	return &JobRepository{db: db, clock: clock}
}

func (r *JobRepository) Save(j *domain.WorkflowJob) (int64, error) {
	now := r.clock.Now()
	vals := []interface{}{j.JobType, j.InstanceID, j.StepKey, formatDateInDatabase(j.ScheduledAt),
		j.Attempts, j.MaxAttempts, j.Priority, j.CorrelationID, j.Status, j.ExecutorID,
		formatDateInDatabaseNull(j.ClaimedAt), formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_jobs (
		job_type, instance_id, step_key, scheduled_at, attempts,
		max_attempts, priority, correlation_id, status, executor_id,
		claimed_at, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	j.ID = id
	j.Created = now
	j.Modified = now
	return id, nil
}

// FindDue returns unclaimed jobs whose scheduled time has passed, highest
// priority and oldest schedule first.
func (r *JobRepository) FindDue(size int) ([]domain.WorkflowJob, error) {
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM workflow_jobs
		WHERE ` + dateBeforeNow("scheduled_at", r.clock) + `
		  AND status = 'PENDING'
		  AND executor_id IS NULL
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT ` + placeholder(1) + `
	`
	rows, err := r.db.Query(query, size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.WorkflowJob
	for rows.Next() {
		var j domain.WorkflowJob
		if err := rows.Scan(
			&j.ID,
			&j.JobType,
			&j.InstanceID,
			&j.StepKey,
			&j.ScheduledAt,
			&j.Attempts,
			&j.MaxAttempts,
			&j.Priority,
			&j.CorrelationID,
			&j.Status,
			&j.ExecutorID,
			&j.ClaimedAt,
			&j.Created,
			&j.Modified,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Claim marks a pending job as processing for one executor. The guard on
// status and executor_id makes a double claim lose cleanly.
func (r *JobRepository) Claim(id int64, executorID int64) bool {
	query := `
		UPDATE workflow_jobs
		SET status = 'PROCESSING', executor_id = ` + placeholder(1) + `,
		    attempts = attempts + 1,
		    claimed_at = ` + nowFunc(r.clock) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + ` AND status = 'PENDING' AND executor_id IS NULL
	`
	result, err := r.db.Exec(query, executorID, id)
	if err != nil {
		slog.Error("Failed to claim job", "error", err, "id", id, "executorId", executorID)
		return false
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rowsAffected == 1
}

func (r *JobRepository) MarkDone(id int64) error {
	query := `
		UPDATE workflow_jobs
		SET status = 'DONE', modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(1) + `
	`
	_, err := r.db.Exec(query, id)
	return err
}

func (r *JobRepository) MarkFailed(id int64) error {
	query := `
		UPDATE workflow_jobs
		SET status = 'FAILED', modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(1) + `
	`
	_, err := r.db.Exec(query, id)
	return err
}

// Reschedule releases a claimed job back to pending at a later time.
func (r *JobRepository) Reschedule(id int64, at time.Time) error {
	query := `
		UPDATE workflow_jobs
		SET status = 'PENDING', executor_id = NULL, claimed_at = NULL,
		    scheduled_at = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, formatDateInDatabase(at), id)
	return err
}

// ReleaseStuck returns processing jobs claimed before the cutoff to pending so
// another executor can pick them up. Jobs out of attempts are failed instead.
func (r *JobRepository) ReleaseStuck(cutoff time.Time) (int64, error) {
	fail := `
		UPDATE workflow_jobs
		SET status = 'FAILED', executor_id = NULL, modified = ` + nowFunc(r.clock) + `
		WHERE status = 'PROCESSING'
		  AND attempts >= max_attempts
		  AND ` + dateBeforeColumn("claimed_at", cutoff) + `
	`
	if _, err := r.db.Exec(fail); err != nil {
		return 0, err
	}

	release := `
		UPDATE workflow_jobs
		SET status = 'PENDING', executor_id = NULL, claimed_at = NULL,
		    modified = ` + nowFunc(r.clock) + `
		WHERE status = 'PROCESSING'
		  AND ` + dateBeforeColumn("claimed_at", cutoff) + `
	`
	result, err := r.db.Exec(release)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *JobRepository) FindByID(id int64) (*domain.WorkflowJob, error) {
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM workflow_jobs WHERE id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// FindByCorrelationID returns the job carrying the given correlation id, or
// nil when unknown.
func (r *JobRepository) FindByCorrelationID(correlationID string) (*domain.WorkflowJob, error) {
	query := `
		SELECT ` + JOB_COLUMNS + `
		FROM workflow_jobs WHERE correlation_id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, correlationID))
}

func (r *JobRepository) scanOne(row *sql.Row) (*domain.WorkflowJob, error) {
	var j domain.WorkflowJob
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&j.InstanceID,
		&j.StepKey,
		&j.ScheduledAt,
		&j.Attempts,
		&j.MaxAttempts,
		&j.Priority,
		&j.CorrelationID,
		&j.Status,
		&j.ExecutorID,
		&j.ClaimedAt,
		&j.Created,
		&j.Modified,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
