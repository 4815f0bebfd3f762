package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/covecrm/crmflow/internal/domain"
)

type MockDefinitionRepo struct {
	SaveFunc                   func(d *domain.WorkflowDefinition) (int64, error)
	FindByIDFunc               func(id int64) (*domain.WorkflowDefinition, error)
	FindPublishedByTriggerFunc func(entityType string, eventType string) ([]*domain.WorkflowDefinition, error)
	FindScheduledDueFunc       func(limit int) ([]*domain.WorkflowDefinition, error)
	UpdateNextRunFunc          func(id int64, next sql.NullTime) error
	UpdateStatusFunc           func(id int64, status string) error
}

func (m *MockDefinitionRepo) Save(d *domain.WorkflowDefinition) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(d)
	}
	return 1, nil
}
func (m *MockDefinitionRepo) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *MockDefinitionRepo) FindPublishedByTrigger(entityType string, eventType string) ([]*domain.WorkflowDefinition, error) {
	if m.FindPublishedByTriggerFunc != nil {
		return m.FindPublishedByTriggerFunc(entityType, eventType)
	}
	return nil, nil
}
func (m *MockDefinitionRepo) FindScheduledDue(limit int) ([]*domain.WorkflowDefinition, error) {
	if m.FindScheduledDueFunc != nil {
		return m.FindScheduledDueFunc(limit)
	}
	return nil, nil
}
func (m *MockDefinitionRepo) UpdateNextRun(id int64, next sql.NullTime) error {
	if m.UpdateNextRunFunc != nil {
		return m.UpdateNextRunFunc(id, next)
	}
	return nil
}
func (m *MockDefinitionRepo) UpdateStatus(id int64, status string) error {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(id, status)
	}
	return nil
}

// MockInstanceRepo keeps instances and variables in memory so tests can walk
// an instance through several processing rounds.
type MockInstanceRepo struct {
	mu        sync.Mutex
	nextID    int64
	instances map[int64]*domain.WorkflowInstance
	variables map[int64]map[string]domain.ContextVariable

	UpdateFunc func(w *domain.WorkflowInstance) error
}

func NewMockInstanceRepo() *MockInstanceRepo {
	return &MockInstanceRepo{
		instances: map[int64]*domain.WorkflowInstance{},
		variables: map[int64]map[string]domain.ContextVariable{},
	}
}

func (m *MockInstanceRepo) Save(w *domain.WorkflowInstance) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w.ID = m.nextID
	copied := *w
	m.instances[w.ID] = &copied
	return w.ID, nil
}

func (m *MockInstanceRepo) FindByID(id int64) (*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.instances[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *w
	return &copied, nil
}

func (m *MockInstanceRepo) FindByExternalID(externalID string) (*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.instances {
		if w.ExternalID == externalID {
			copied := *w
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *MockInstanceRepo) Update(w *domain.WorkflowInstance) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(w)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *w
	copied.LockVersion++
	m.instances[w.ID] = &copied
	w.LockVersion++
	return nil
}

func (m *MockInstanceRepo) FindActiveStepStartedBefore(limit int) ([]*domain.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.WorkflowInstance
	for _, w := range m.instances {
		if (w.Status == domain.InstanceStatusRunning || w.Status == domain.InstanceStatusWaitingForInput) && w.StepStartedAt.Valid {
			copied := *w
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MockInstanceRepo) GetVariables(instanceID int64) ([]domain.ContextVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ContextVariable
	for _, v := range m.variables[instanceID] {
		out = append(out, v)
	}
	return out, nil
}

func (m *MockInstanceRepo) UpsertVariable(v *domain.ContextVariable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.variables[v.InstanceID] == nil {
		m.variables[v.InstanceID] = map[string]domain.ContextVariable{}
	}
	m.variables[v.InstanceID][v.Key] = *v
	return nil
}

func (m *MockInstanceRepo) variable(instanceID int64, key string) (domain.ContextVariable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variables[instanceID][key]
	return v, ok
}

type MockTaskRepo struct {
	CreateTaskFunc              func(t *domain.WorkflowTask) (int64, error)
	FindByIDFunc                func(id int64) (*domain.WorkflowTask, error)
	FindLiveTaskFunc            func(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	FindLatestCompletedTaskFunc func(instanceID int64, stepKey string) (*domain.WorkflowTask, error)
	CompleteFunc                func(id int64, action string, comments string, formData string) (bool, error)
	CancelOpenTasksFunc         func(instanceID int64) (int64, error)
}

func (m *MockTaskRepo) CreateTask(t *domain.WorkflowTask) (int64, error) {
	if m.CreateTaskFunc != nil {
		return m.CreateTaskFunc(t)
	}
	return 1, nil
}
func (m *MockTaskRepo) FindByID(id int64) (*domain.WorkflowTask, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *MockTaskRepo) FindLiveTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
	if m.FindLiveTaskFunc != nil {
		return m.FindLiveTaskFunc(instanceID, stepKey)
	}
	return nil, nil
}
func (m *MockTaskRepo) FindLatestCompletedTask(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
	if m.FindLatestCompletedTaskFunc != nil {
		return m.FindLatestCompletedTaskFunc(instanceID, stepKey)
	}
	return nil, nil
}
func (m *MockTaskRepo) Complete(id int64, action string, comments string, formData string) (bool, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(id, action, comments, formData)
	}
	return true, nil
}
func (m *MockTaskRepo) CancelOpenTasks(instanceID int64) (int64, error) {
	if m.CancelOpenTasksFunc != nil {
		return m.CancelOpenTasksFunc(instanceID)
	}
	return 0, nil
}

// MockEventRepo records every event for assertions.
type MockEventRepo struct {
	mu     sync.Mutex
	Events []domain.WorkflowEvent
}

func (m *MockEventRepo) Save(e *domain.WorkflowEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, *e)
	return int64(len(m.Events)), nil
}

func (m *MockEventRepo) FindAllByInstanceID(instanceID int64) ([]domain.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowEvent
	for _, e := range m.Events {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockEventRepo) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Events))
	for _, e := range m.Events {
		out = append(out, e.EventType)
	}
	return out
}

type MockExecutorRepo struct {
	SaveFunc             func(e *domain.Executor) (int64, error)
	UpdateLastActiveFunc func(id int64, ts time.Time) error
}

func (m *MockExecutorRepo) Save(e *domain.Executor) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(e)
	}
	return 1, nil
}
func (m *MockExecutorRepo) UpdateLastActive(id int64, ts time.Time) error {
	if m.UpdateLastActiveFunc != nil {
		return m.UpdateLastActiveFunc(id, ts)
	}
	return nil
}
func (m *MockExecutorRepo) GetExecutorsByLastActive(limit int) ([]*domain.Executor, error) {
	return nil, nil
}

// MockQueue records enqueued jobs instead of running them.
type MockQueue struct {
	mu       sync.Mutex
	Enqueued []domain.WorkflowJob
	Released []domain.WorkflowJob
	Failed   []domain.WorkflowJob
	Done     []domain.WorkflowJob
}

func (m *MockQueue) Enqueue(ctx context.Context, job *domain.WorkflowJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = int64(len(m.Enqueued) + 1)
	m.Enqueued = append(m.Enqueued, *job)
	return nil
}

func (m *MockQueue) DequeueDue(ctx context.Context, executorID int64, size int) ([]domain.WorkflowJob, error) {
	return nil, nil
}

func (m *MockQueue) Complete(ctx context.Context, job *domain.WorkflowJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Done = append(m.Done, *job)
	return nil
}

func (m *MockQueue) Release(ctx context.Context, job *domain.WorkflowJob, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := *job
	j.ScheduledAt = at
	m.Released = append(m.Released, j)
	return nil
}

func (m *MockQueue) Fail(ctx context.Context, job *domain.WorkflowJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed = append(m.Failed, *job)
	return nil
}

func (m *MockQueue) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (m *MockQueue) lastEnqueued() *domain.WorkflowJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Enqueued) == 0 {
		return nil
	}
	j := m.Enqueued[len(m.Enqueued)-1]
	return &j
}

func (m *MockQueue) drain() []domain.WorkflowJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.Enqueued
	m.Enqueued = nil
	return out
}
