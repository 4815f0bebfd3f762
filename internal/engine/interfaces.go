package engine

import (
	"database/sql"
	"time"

	"github.com/covecrm/crmflow/internal/domain"
)

// DefinitionRepo defines the interface for workflow definition persistence,
// matching repository.DefinitionRepository.
type DefinitionRepo interface {
	Save(d *domain.WorkflowDefinition) (int64, error)
	FindByID(id int64) (*domain.WorkflowDefinition, error)
	FindPublishedByTrigger(entityType string, eventType string) ([]*domain.WorkflowDefinition, error)
	FindScheduledDue(limit int) ([]*domain.WorkflowDefinition, error)
	UpdateNextRun(id int64, next sql.NullTime) error
	UpdateStatus(id int64, status string) error
}

// InstanceRepo defines the interface for workflow instance persistence.
type InstanceRepo interface {
	Save(w *domain.WorkflowInstance) (int64, error)
	FindByID(id int64) (*domain.WorkflowInstance, error)
	FindByExternalID(externalID string) (*domain.WorkflowInstance, error)
	Update(w *domain.WorkflowInstance) error
	FindActiveStepStartedBefore(limit int) ([]*domain.WorkflowInstance, error)
	GetVariables(instanceID int64) ([]domain.ContextVariable, error)
	UpsertVariable(v *domain.ContextVariable) error
}

// TaskRepo defines the interface for workflow task persistence. It is a
// superset of steps.TaskStore so one repository serves both the engine and
// the user action executor.
type TaskRepo interface {
	CreateTask(t *domain.WorkflowTask) (int64, error)
	FindByID(id int64) (*domain.WorkflowTask, error)
	FindLiveTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	FindLatestCompletedTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	Complete(id int64, action string, comments string, formData string) (bool, error)
	CancelOpenTasks(instanceID int64) (int64, error)
}

// EventRepo defines the interface for the audit event log.
type EventRepo interface {
	Save(e *domain.WorkflowEvent) (int64, error)
	FindAllByInstanceID(instanceID int64) ([]domain.WorkflowEvent, error)
}

// ExecutorRepo defines the interface for executor persistence.
type ExecutorRepo interface {
	Save(e *domain.Executor) (int64, error)
	UpdateLastActive(id int64, ts time.Time) error
	GetExecutorsByLastActive(limit int) ([]*domain.Executor, error)
}
