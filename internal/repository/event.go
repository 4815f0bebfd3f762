package repository

import (
	"database/sql"
	"strings"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
)

type EventRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewEventRepository(db *sql.DB, clock core.Clock) *EventRepository {
	return &EventRepository{db: db, clock: clock}
}

func (r *EventRepository) Save(e *domain.WorkflowEvent) (int64, error) {
	if e.DateTime.IsZero() {
		e.DateTime = r.clock.Now()
	}
	vals := []interface{}{e.InstanceID, e.EventType, e.Severity, e.StepKey, e.Actor,
		e.Message, e.DurationMs, e.ErrorDetails, formatDateInDatabase(e.DateTime)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_events (
		instance_id, event_type, severity, step_key, actor,
		message, duration_ms, error_details, date_time
	) VALUES (` + strings.Join(pps, ", ") + `)`

	id, err := insertReturningID(r.db, base, vals...)
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// FindAllByInstanceID returns the instance's full history in insertion order.
func (r *EventRepository) FindAllByInstanceID(instanceID int64) ([]domain.WorkflowEvent, error) {
	query := `
		SELECT id, instance_id, event_type, severity, step_key, actor,
		       message, duration_ms, error_details, date_time
		FROM workflow_events
		WHERE instance_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WorkflowEvent
	for rows.Next() {
		var e domain.WorkflowEvent
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.EventType, &e.Severity, &e.StepKey,
			&e.Actor, &e.Message, &e.DurationMs, &e.ErrorDetails, &e.DateTime); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
