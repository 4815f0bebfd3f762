package repository

import (
	"database/sql"
	"strings"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

const TASK_COLUMNS = ` id, instance_id, step_key, title, description, assigned_to,
		       status, action_taken, comments, form_data, created, modified, completed `

type TaskRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTaskRepository(db *sql.DB, clock core.Clock) *TaskRepository {
	return &TaskRepository{db: db, clock: clock}
}

func (r *TaskRepository) CreateTask(t *domain.WorkflowTask) (int64, error) {
	now := r.clock.Now()
	vals := []interface{}{t.InstanceID, t.StepKey, t.Title, t.Description, t.AssignedTo,
		t.Status, t.ActionTaken, t.Comments, t.FormData,
		formatDateInDatabase(now), formatDateInDatabase(now), formatDateInDatabaseNull(t.Completed)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_tasks (
		instance_id, step_key, title, description, assigned_to,
		status, action_taken, comments, form_data, created, modified, completed
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	t.ID = id
	t.Created = now
	t.Modified = now
	return id, nil
}

func (r *TaskRepository) FindByID(id int64) (*domain.WorkflowTask, error) {
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks WHERE id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// FindLiveTask returns the pending or in-progress task for an instance step,
// or nil when none is open.
func (r *TaskRepository) FindLiveTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks
		WHERE instance_id = ` + placeholder(1) + `
		  AND step_key = ` + placeholder(2) + `
		  AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY id DESC
		LIMIT 1
	`
	t, err := r.scanOne(r.db.QueryRow(query, instanceID, stepKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindLatestCompletedTask returns the most recently completed task for an
// instance step, or nil when there is none.
func (r *TaskRepository) FindLatestCompletedTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks
		WHERE instance_id = ` + placeholder(1) + `
		  AND step_key = ` + placeholder(2) + `
		  AND status = 'COMPLETED'
		ORDER BY completed DESC
		LIMIT 1
	`
	t, err := r.scanOne(r.db.QueryRow(query, instanceID, stepKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *TaskRepository) scanOne(row *sql.Row) (*domain.WorkflowTask, error) {
	var t domain.WorkflowTask
	err := row.Scan(
		&t.ID,
		&t.InstanceID,
		&t.StepKey,
		&t.Title,
		&t.Description,
		&t.AssignedTo,
		&t.Status,
		&t.ActionTaken,
		&t.Comments,
		&t.FormData,
		&t.Created,
		&t.Modified,
		&t.Completed,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Complete records the outcome of a live task. The guard on status makes a
// double completion a no-op reported to the caller.
func (r *TaskRepository) Complete(id int64, action string, comments string, formData string) (bool, error) {
	query := `
		UPDATE workflow_tasks
		SET status = 'COMPLETED',
		    action_taken = ` + placeholder(1) + `,
		    comments = ` + placeholder(2) + `,
		    form_data = ` + placeholder(3) + `,
		    completed = ` + nowFunc(r.clock) + `,
		    modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(4) + ` AND status IN ('PENDING', 'IN_PROGRESS')
	`
	result, err := r.db.Exec(query, action, comments, formData, id)
	if err != nil {
		return false, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

// CancelOpenTasks closes every live task of an instance, returning how many
// were cancelled.
func (r *TaskRepository) CancelOpenTasks(instanceID int64) (int64, error) {
	query := `
		UPDATE workflow_tasks
		SET status = 'CANCELLED', modified = ` + nowFunc(r.clock) + `
		WHERE instance_id = ` + placeholder(1) + ` AND status IN ('PENDING', 'IN_PROGRESS')
	`
	result, err := r.db.Exec(query, instanceID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FindOpenByAssignee lists live tasks for an assignee, oldest first.
func (r *TaskRepository) FindOpenByAssignee(assignedTo string, limit int) ([]*domain.WorkflowTask, error) {
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks
		WHERE assigned_to = ` + placeholder(1) + `
		  AND status IN ('PENDING', 'IN_PROGRESS')
		ORDER BY created ASC
		LIMIT ` + placeholder(2) + `
	`
	rows, err := r.db.Query(query, assignedTo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.WorkflowTask
	for rows.Next() {
		var t domain.WorkflowTask
		if err := rows.Scan(
			&t.ID,
			&t.InstanceID,
			&t.StepKey,
			&t.Title,
			&t.Description,
			&t.AssignedTo,
			&t.Status,
			&t.ActionTaken,
			&t.Comments,
			&t.FormData,
			&t.Created,
			&t.Modified,
			&t.Completed,
		); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
