package repository

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

// ErrConflict is returned when an optimistic-lock guarded update matches no
// row because another process got there first.
var ErrConflict = errors.New("instance was modified concurrently")

const INSTANCE_COLUMNS = ` id, external_id, definition_id, entity_type, entity_id, status,
		       current_step_key, active_step_keys, retry_count, next_retry_at,
		       error_message, lock_version, step_started_at,
		       created, modified, started, completed `

type InstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewInstanceRepository(db *sql.DB, clock core.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, clock: clock}
}

func (r *InstanceRepository) Save(w *domain.WorkflowInstance) (int64, error) {
	now := r.clock.Now()
	vals := []interface{}{w.ExternalID, w.DefinitionID, w.EntityType, w.EntityID, w.Status,
		w.CurrentStepKey, w.ActiveStepKeys, w.RetryCount, formatDateInDatabaseNull(w.NextRetryAt),
		w.ErrorMessage, w.LockVersion, formatDateInDatabaseNull(w.StepStartedAt),
		formatDateInDatabase(now), formatDateInDatabase(now),
		formatDateInDatabaseNull(w.Started), formatDateInDatabaseNull(w.Completed)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_instances (
		external_id, definition_id, entity_type, entity_id, status,
		current_step_key, active_step_keys, retry_count, next_retry_at,
		error_message, lock_version, step_started_at,
		created, modified, started, completed
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	w.ID = id
	w.Created = now
	w.Modified = now
	return id, nil
}

func (r *InstanceRepository) FindByID(id int64) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances WHERE id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

func (r *InstanceRepository) FindByExternalID(externalID string) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances WHERE external_id = ` + placeholder(1) + `
	`
	return r.scanOne(r.db.QueryRow(query, externalID))
}

func (r *InstanceRepository) scanOne(row *sql.Row) (*domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	err := row.Scan(
		&w.ID,
		&w.ExternalID,
		&w.DefinitionID,
		&w.EntityType,
		&w.EntityID,
		&w.Status,
		&w.CurrentStepKey,
		&w.ActiveStepKeys,
		&w.RetryCount,
		&w.NextRetryAt,
		&w.ErrorMessage,
		&w.LockVersion,
		&w.StepStartedAt,
		&w.Created,
		&w.Modified,
		&w.Started,
		&w.Completed,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Update persists the instance guarded by its lock version. On success the
// in-memory lock version is bumped to match the row; when another writer
// already bumped it the update matches nothing and ErrConflict is returned.
func (r *InstanceRepository) Update(w *domain.WorkflowInstance) error {
	query := `
		UPDATE workflow_instances
		SET status = ` + placeholder(1) + `,
		    current_step_key = ` + placeholder(2) + `,
		    active_step_keys = ` + placeholder(3) + `,
		    retry_count = ` + placeholder(4) + `,
		    next_retry_at = ` + placeholder(5) + `,
		    error_message = ` + placeholder(6) + `,
		    step_started_at = ` + placeholder(7) + `,
		    started = ` + placeholder(8) + `,
		    completed = ` + placeholder(9) + `,
		    lock_version = lock_version + 1,
		    modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(10) + ` AND lock_version = ` + placeholder(11) + `
	`
	result, err := r.db.Exec(query,
		w.Status, w.CurrentStepKey, w.ActiveStepKeys, w.RetryCount,
		formatDateInDatabaseNull(w.NextRetryAt), w.ErrorMessage,
		formatDateInDatabaseNull(w.StepStartedAt),
		formatDateInDatabaseNull(w.Started), formatDateInDatabaseNull(w.Completed),
		w.ID, w.LockVersion)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected != 1 {
		return ErrConflict
	}
	w.LockVersion++
	w.Modified = r.clock.Now()
	return nil
}

// FindActiveStepStartedBefore returns running or waiting instances whose
// current step started before the cutoff. Used by the SLA sweep.
func (r *InstanceRepository) FindActiveStepStartedBefore(limit int) ([]*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances
		WHERE status IN ('RUNNING', 'WAITING_FOR_INPUT')
		  AND step_started_at IS NOT NULL
		ORDER BY step_started_at ASC
		LIMIT ` + placeholder(1) + `
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*domain.WorkflowInstance
	for rows.Next() {
		var w domain.WorkflowInstance
		if err := rows.Scan(
			&w.ID,
			&w.ExternalID,
			&w.DefinitionID,
			&w.EntityType,
			&w.EntityID,
			&w.Status,
			&w.CurrentStepKey,
			&w.ActiveStepKeys,
			&w.RetryCount,
			&w.NextRetryAt,
			&w.ErrorMessage,
			&w.LockVersion,
			&w.StepStartedAt,
			&w.Created,
			&w.Modified,
			&w.Started,
			&w.Completed,
		); err != nil {
			return nil, err
		}
		instances = append(instances, &w)
	}
	return instances, rows.Err()
}

// GetVariables returns the instance's full working memory keyed by name.
func (r *InstanceRepository) GetVariables(instanceID int64) ([]domain.ContextVariable, error) {
	query := `
		SELECT id, instance_id, var_key, var_value, value_type, set_by_step_key, created, modified
		FROM workflow_context_variables
		WHERE instance_id = ` + placeholder(1) + `
		ORDER BY var_key ASC
	`
	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vars []domain.ContextVariable
	for rows.Next() {
		var v domain.ContextVariable
		if err := rows.Scan(&v.ID, &v.InstanceID, &v.Key, &v.Value, &v.ValueType,
			&v.SetByStepKey, &v.Created, &v.Modified); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// UpsertVariable writes one variable, replacing any previous value under the
// same key. Last write wins across parallel branches.
func (r *InstanceRepository) UpsertVariable(v *domain.ContextVariable) error {
	update := `
		UPDATE workflow_context_variables
		SET var_value = ` + placeholder(1) + `,
		    value_type = ` + placeholder(2) + `,
		    set_by_step_key = ` + placeholder(3) + `,
		    modified = ` + nowFunc(r.clock) + `
		WHERE instance_id = ` + placeholder(4) + ` AND var_key = ` + placeholder(5) + `
	`
	result, err := r.db.Exec(update, v.Value, v.ValueType, v.SetByStepKey, v.InstanceID, v.Key)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	now := formatDateInDatabase(r.clock.Now())
	vals := []interface{}{v.InstanceID, v.Key, v.Value, v.ValueType, v.SetByStepKey, now, now}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	insert := `INSERT INTO workflow_context_variables (
		instance_id, var_key, var_value, value_type, set_by_step_key, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	id, err := insertReturningID(r.db, insert, vals...)
	if err != nil {
		return err
	}
	v.ID = id
	return nil
}

// CountByDefinitionAndStatus reports how many instances of a definition are in
// the given status. Used to stop archiving definitions that still run.
func (r *InstanceRepository) CountByDefinitionAndStatus(definitionID int64, statuses []string) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	pps := make([]string, 0, len(statuses))
	args := []interface{}{definitionID}
	for _, s := range statuses {
		args = append(args, s)
		pps = append(pps, placeholder(len(args)))
	}
	query := `
		SELECT COUNT(*)
		FROM workflow_instances
		WHERE definition_id = ` + placeholder(1) + `
		  AND status IN (` + strings.Join(pps, ", ") + `)
	`
	var count int
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
