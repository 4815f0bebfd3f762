package sqllite

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/crmflow/internal/core"
	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/migrations"
	"github.com/covecrm/crmflow/internal/repository"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDatabase(t *testing.T, filename string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filename)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ddl, err := migrations.FS.ReadFile("sqllite3/000001_init.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(ddl))
	require.NoError(t, err)
	return db
}

func TestDefinitionRepository(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewDefinitionRepository(db, clock)

		def := &domain.WorkflowDefinition{
			Name:       "order-approval",
			Version:    1,
			Status:     domain.DefinitionStatusDraft,
			EntityType: "Order",
			EventType:  "OrderCreated",
			Priority:   10,
			Steps: []domain.WorkflowStep{
				{StepKey: "start", StepType: domain.StepTypeStart, IsStartStep: true, OrderIndex: 0,
					Transitions: `[{"nextStepKey":"end"}]`},
				{StepKey: "end", StepType: domain.StepTypeEnd, IsEndStep: true, OrderIndex: 1},
			},
		}
		id, err := repo.Save(def)
		require.NoError(t, err)
		require.NotZero(t, id)

		loaded, err := repo.FindByID(id)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "order-approval", loaded.Name)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, "start", loaded.Steps[0].StepKey)
		assert.True(t, loaded.Steps[0].IsStartStep)
		assert.Equal(t, "end", loaded.Steps[1].StepKey)
		assert.True(t, loaded.Steps[1].IsEndStep)

		// drafts are invisible to trigger matching
		matched, err := repo.FindPublishedByTrigger("Order", "OrderCreated")
		require.NoError(t, err)
		assert.Empty(t, matched)

		require.NoError(t, repo.UpdateStatus(id, domain.DefinitionStatusPublished))
		matched, err = repo.FindPublishedByTrigger("Order", "OrderCreated")
		require.NoError(t, err)
		require.Len(t, matched, 1)
		assert.Equal(t, id, matched[0].ID)
		require.Len(t, matched[0].Steps, 2)

		maxVersion, err := repo.FindMaxVersion("order-approval")
		require.NoError(t, err)
		assert.Equal(t, 1, maxVersion)
		maxVersion, err = repo.FindMaxVersion("unknown")
		require.NoError(t, err)
		assert.Equal(t, 0, maxVersion)
	})
}

func TestScheduledDefinitions(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewDefinitionRepository(db, clock)

		def := &domain.WorkflowDefinition{
			Name:                    "stale-lead-sweep",
			Version:                 1,
			Status:                  domain.DefinitionStatusPublished,
			EntityType:              "Lead",
			ScheduleIntervalMinutes: sql.NullInt64{Int64: 60, Valid: true},
			NextRunAt:               sql.NullTime{Time: clock.Now().Add(30 * time.Minute), Valid: true},
		}
		id, err := repo.Save(def)
		require.NoError(t, err)

		due, err := repo.FindScheduledDue(10)
		require.NoError(t, err)
		assert.Empty(t, due)

		clock.Add(31 * time.Minute)
		due, err = repo.FindScheduledDue(10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, id, due[0].ID)

		next := sql.NullTime{Time: clock.Now().Add(60 * time.Minute), Valid: true}
		require.NoError(t, repo.UpdateNextRun(id, next))
		due, err = repo.FindScheduledDue(10)
		require.NoError(t, err)
		assert.Empty(t, due)
	})
}

func TestInstanceRepositoryLocking(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewInstanceRepository(db, clock)

		instance := &domain.WorkflowInstance{
			ExternalID:     "ext-1",
			DefinitionID:   1,
			EntityType:     "Order",
			EntityID:       "ORD-9",
			Status:         domain.InstanceStatusRunning,
			CurrentStepKey: "start",
			Started:        sql.NullTime{Time: clock.Now(), Valid: true},
		}
		id, err := repo.Save(instance)
		require.NoError(t, err)

		loaded, err := repo.FindByID(id)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, int64(0), loaded.LockVersion)

		stale, err := repo.FindByExternalID("ext-1")
		require.NoError(t, err)
		require.NotNil(t, stale)

		loaded.CurrentStepKey = "check"
		require.NoError(t, repo.Update(loaded))
		assert.Equal(t, int64(1), loaded.LockVersion)

		// the copy still holds lock_version 0 and must lose
		stale.CurrentStepKey = "other"
		err = repo.Update(stale)
		assert.ErrorIs(t, err, repository.ErrConflict)

		reloaded, err := repo.FindByID(id)
		require.NoError(t, err)
		assert.Equal(t, "check", reloaded.CurrentStepKey)
		assert.Equal(t, int64(1), reloaded.LockVersion)
	})
}

func TestContextVariableUpsert(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewInstanceRepository(db, clock)

		id, err := repo.Save(&domain.WorkflowInstance{
			ExternalID: "ext-vars", DefinitionID: 1, EntityType: "Order",
			Status: domain.InstanceStatusRunning, CurrentStepKey: "start",
		})
		require.NoError(t, err)

		v := &domain.ContextVariable{
			InstanceID: id, Key: "amount", Value: "250",
			ValueType: domain.VarTypeNumber, SetByStepKey: "start",
		}
		require.NoError(t, repo.UpsertVariable(v))

		v.Value = "300"
		require.NoError(t, repo.UpsertVariable(v))

		vars, err := repo.GetVariables(id)
		require.NoError(t, err)
		require.Len(t, vars, 1)
		assert.Equal(t, "amount", vars[0].Key)
		assert.Equal(t, "300", vars[0].Value)
	})
}

func TestTaskRepositoryLifecycle(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewTaskRepository(db, clock)

		task := &domain.WorkflowTask{
			InstanceID: 1,
			StepKey:    "approve",
			Title:      "Approve order ORD-9",
			AssignedTo: sql.NullString{String: "role:manager", Valid: true},
			Status:     domain.TaskStatusPending,
		}
		id, err := repo.CreateTask(task)
		require.NoError(t, err)

		live, err := repo.FindLiveTask(1, "approve")
		require.NoError(t, err)
		require.NotNil(t, live)
		assert.Equal(t, id, live.ID)

		done, err := repo.Complete(id, "Approve", "looks fine", `{"limit":500}`)
		require.NoError(t, err)
		assert.True(t, done)

		// a second completion loses the status guard
		done, err = repo.Complete(id, "Reject", "", "")
		require.NoError(t, err)
		assert.False(t, done)

		live, err = repo.FindLiveTask(1, "approve")
		require.NoError(t, err)
		assert.Nil(t, live)

		completed, err := repo.FindLatestCompletedTask(1, "approve")
		require.NoError(t, err)
		require.NotNil(t, completed)
		assert.Equal(t, "Approve", completed.ActionTaken.String)
		assert.Equal(t, "looks fine", completed.Comments.String)

		_, err = repo.CreateTask(&domain.WorkflowTask{
			InstanceID: 1, StepKey: "approve", Title: "again", Status: domain.TaskStatusPending,
		})
		require.NoError(t, err)
		cancelled, err := repo.CancelOpenTasks(1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), cancelled)
	})
}

func TestJobRepositoryClaiming(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewJobRepository(db, clock)

		due := &domain.WorkflowJob{
			JobType: domain.JobTypeExecuteStep, InstanceID: 1, StepKey: "start",
			ScheduledAt: clock.Now().Add(-time.Minute), MaxAttempts: 5,
			CorrelationID: "corr-1", Status: domain.JobStatusPending,
		}
		_, err := repo.Save(due)
		require.NoError(t, err)
		future := &domain.WorkflowJob{
			JobType: domain.JobTypeExecuteStep, InstanceID: 1, StepKey: "later",
			ScheduledAt: clock.Now().Add(time.Hour), MaxAttempts: 5,
			Status: domain.JobStatusPending,
		}
		_, err = repo.Save(future)
		require.NoError(t, err)

		jobs, err := repo.FindDue(10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, due.ID, jobs[0].ID)

		assert.True(t, repo.Claim(due.ID, 7))
		// double claim loses cleanly
		assert.False(t, repo.Claim(due.ID, 8))

		claimed, err := repo.FindByID(due.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, int64(7), claimed.ExecutorID.Int64)

		byCorr, err := repo.FindByCorrelationID("corr-1")
		require.NoError(t, err)
		require.NotNil(t, byCorr)
		assert.Equal(t, due.ID, byCorr.ID)

		require.NoError(t, repo.Reschedule(due.ID, clock.Now().Add(-time.Second)))
		jobs, err = repo.FindDue(10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Attempts)
	})
}

func TestJobRepositoryReleaseStuck(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewJobRepository(db, clock)

		stuck := &domain.WorkflowJob{
			JobType: domain.JobTypeExecuteStep, InstanceID: 1, StepKey: "start",
			ScheduledAt: clock.Now().Add(-time.Minute), MaxAttempts: 5,
			Status: domain.JobStatusPending,
		}
		_, err := repo.Save(stuck)
		require.NoError(t, err)
		require.True(t, repo.Claim(stuck.ID, 7))

		exhausted := &domain.WorkflowJob{
			JobType: domain.JobTypeExecuteStep, InstanceID: 2, StepKey: "start",
			ScheduledAt: clock.Now().Add(-time.Minute), MaxAttempts: 1,
			Status: domain.JobStatusPending,
		}
		_, err = repo.Save(exhausted)
		require.NoError(t, err)
		require.True(t, repo.Claim(exhausted.ID, 7))

		// claims are fresh, nothing to release yet
		released, err := repo.ReleaseStuck(clock.Now().Add(-5 * time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), released)

		clock.Add(10 * time.Minute)
		released, err = repo.ReleaseStuck(clock.Now().Add(-5 * time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), released)

		reloaded, err := repo.FindByID(stuck.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, reloaded.Status)
		assert.False(t, reloaded.ExecutorID.Valid)

		dead, err := repo.FindByID(exhausted.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, dead.Status)
	})
}

func TestEventRepositoryOrdering(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewEventRepository(db, clock)

		_, err := repo.Save(&domain.WorkflowEvent{
			InstanceID: 1, EventType: domain.EventWorkflowStarted,
			Severity: domain.SeverityInfo, Actor: "system", Message: "started",
		})
		require.NoError(t, err)
		_, err = repo.Save(&domain.WorkflowEvent{
			InstanceID: 1, EventType: domain.EventStepCompleted,
			Severity: domain.SeverityInfo, Actor: "system", Message: "step done",
			StepKey:    sql.NullString{String: "start", Valid: true},
			DurationMs: sql.NullInt64{Int64: 12, Valid: true},
		})
		require.NoError(t, err)

		events, err := repo.FindAllByInstanceID(1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, domain.EventWorkflowStarted, events[0].EventType)
		assert.Equal(t, domain.EventStepCompleted, events[1].EventType)
		assert.Equal(t, "start", events[1].StepKey.String)
	})
}

func TestExecutorRepository(t *testing.T) {
	runTestWithSetup(t, func(t *testing.T, filename string) {
		clock := core.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		db := openTestDatabase(t, filename)
		repo := repository.NewExecutorRepository(db)

		exec := &domain.Executor{Name: "worker-1", Started: clock.Now(), LastActive: clock.Now()}
		id, err := repo.Save(exec)
		require.NoError(t, err)
		require.NotZero(t, id)

		require.NoError(t, repo.UpdateLastActive(id, clock.Now().Add(time.Minute)))

		executors, err := repo.GetExecutorsByLastActive(10)
		require.NoError(t, err)
		require.Len(t, executors, 1)
		assert.Equal(t, "worker-1", executors[0].Name)
	})
}
