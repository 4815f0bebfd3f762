package repository

import (
	"database/sql"
	"strings"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

const DEFINITION_COLUMNS = ` id, name, version, description, status, entity_type,
		       event_type, priority, schedule_interval_minutes, next_run_at,
		       created, updated `

const STEP_COLUMNS = ` id, definition_id, step_key, name, step_type, configuration,
		       transitions, order_index, is_start_step, is_end_step, timeout_minutes `

type DefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDefinitionRepository(db *sql.DB, clock core.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

// Save inserts a definition together with its steps. Steps are write-once;
// changing a published definition means saving a new version.
func (r *DefinitionRepository) Save(d *domain.WorkflowDefinition) (int64, error) {
	now := r.clock.Now()
	vals := []interface{}{d.Name, d.Version, d.Description, d.Status, d.EntityType,
		d.EventType, d.Priority, d.ScheduleIntervalMinutes, formatDateInDatabaseNull(d.NextRunAt),
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_definitions (
		name, version, description, status, entity_type,
		event_type, priority, schedule_interval_minutes, next_run_at,
		created, updated
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	d.ID = id
	d.Created = now
	d.Updated = now

	for i := range d.Steps {
		d.Steps[i].DefinitionID = id
		if err := r.saveStep(&d.Steps[i]); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *DefinitionRepository) saveStep(s *domain.WorkflowStep) error {
	vals := []interface{}{s.DefinitionID, s.StepKey, s.Name, s.StepType, s.Configuration,
		s.Transitions, s.OrderIndex, s.IsStartStep, s.IsEndStep, s.TimeoutMinutes}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_steps (
		definition_id, step_key, name, step_type, configuration,
		transitions, order_index, is_start_step, is_end_step, timeout_minutes
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return err
	}
	s.ID = id
	return nil
}

func (r *DefinitionRepository) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions WHERE id = ` + placeholder(1) + `
	`
	var d domain.WorkflowDefinition
	err := r.db.QueryRow(query, id).Scan(
		&d.ID,
		&d.Name,
		&d.Version,
		&d.Description,
		&d.Status,
		&d.EntityType,
		&d.EventType,
		&d.Priority,
		&d.ScheduleIntervalMinutes,
		&d.NextRunAt,
		&d.Created,
		&d.Updated,
	)
	if err != nil {
		return nil, err
	}
	if err := r.loadSteps(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DefinitionRepository) loadSteps(d *domain.WorkflowDefinition) error {
	query := `
		SELECT ` + STEP_COLUMNS + `
		FROM workflow_steps
		WHERE definition_id = ` + placeholder(1) + `
		ORDER BY order_index ASC
	`
	rows, err := r.db.Query(query, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.WorkflowStep
		if err := rows.Scan(
			&s.ID,
			&s.DefinitionID,
			&s.StepKey,
			&s.Name,
			&s.StepType,
			&s.Configuration,
			&s.Transitions,
			&s.OrderIndex,
			&s.IsStartStep,
			&s.IsEndStep,
			&s.TimeoutMinutes,
		); err != nil {
			return err
		}
		d.Steps = append(d.Steps, s)
	}
	return rows.Err()
}

// FindPublishedByTrigger returns published definitions matching an entity and
// event type, highest priority first. Steps are loaded for each match so the
// caller can start instances without further round trips.
func (r *DefinitionRepository) FindPublishedByTrigger(entityType string, eventType string) ([]*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE status = 'PUBLISHED'
		  AND entity_type = ` + placeholder(1) + `
		  AND event_type = ` + placeholder(2) + `
		ORDER BY priority DESC, version DESC
	`
	return r.queryDefinitions(query, entityType, eventType)
}

// FindScheduledDue returns published definitions whose next_run_at is due.
func (r *DefinitionRepository) FindScheduledDue(limit int) ([]*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE status = 'PUBLISHED'
		  AND schedule_interval_minutes IS NOT NULL
		  AND next_run_at IS NOT NULL
		  AND ` + dateBeforeNow("next_run_at", r.clock) + `
		ORDER BY next_run_at ASC
		LIMIT ` + placeholder(1) + `
	`
	return r.queryDefinitions(query, limit)
}

func (r *DefinitionRepository) queryDefinitions(query string, args ...interface{}) ([]*domain.WorkflowDefinition, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.WorkflowDefinition
	for rows.Next() {
		var d domain.WorkflowDefinition
		if err := rows.Scan(
			&d.ID,
			&d.Name,
			&d.Version,
			&d.Description,
			&d.Status,
			&d.EntityType,
			&d.EventType,
			&d.Priority,
			&d.ScheduleIntervalMinutes,
			&d.NextRunAt,
			&d.Created,
			&d.Updated,
		); err != nil {
			return nil, err
		}
		defs = append(defs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := r.loadSteps(d); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func (r *DefinitionRepository) UpdateStatus(id int64, status string) error {
	query := `
		UPDATE workflow_definitions
		SET status = ` + placeholder(1) + `, updated = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, status, id)
	return err
}

// UpdateNextRun advances a scheduled definition's next due time.
func (r *DefinitionRepository) UpdateNextRun(id int64, next sql.NullTime) error {
	query := `
		UPDATE workflow_definitions
		SET next_run_at = ` + placeholder(1) + `, updated = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, formatDateInDatabaseNull(next), id)
	return err
}

// FindMaxVersion returns the highest version stored for a definition name, or
// zero when the name is new.
func (r *DefinitionRepository) FindMaxVersion(name string) (int, error) {
	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM workflow_definitions
		WHERE name = ` + placeholder(1) + `
	`
	var version int
	if err := r.db.QueryRow(query, name).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
