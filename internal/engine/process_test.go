package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covecrm/crmflow/internal/domain"
	"github.com/covecrm/crmflow/internal/steps"
)

// stubExecutor lets a test script a step type's results call by call.
type stubExecutor struct {
	results []*steps.Result
	calls   int
}

func (s *stubExecutor) Execute(ctx context.Context, sc *steps.StepContext) *steps.Result {
	r := s.results[s.calls]
	if s.calls < len(s.results)-1 {
		s.calls++
	}
	return r
}

func (s *stubExecutor) ValidateConfiguration(step *domain.WorkflowStep) *steps.ValidationResult {
	return &steps.ValidationResult{}
}

// runAllJobs processes every queued job until the queue drains, in order.
func runAllJobs(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i < 50; i++ {
		jobs := h.queue.drain()
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			require.NoError(t, h.engine.ProcessWorkflow(context.Background(), job.InstanceID, job.StepKey))
		}
	}
	t.Fatal("jobs did not drain, workflow is looping")
}

func TestProcess_LinearRunToCompletion(t *testing.T) {
	h := newHarness(t, linearDefinition(t))
	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)

	runAllJobs(t, h)

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Equal(t, "end", done.CurrentStepKey)
	assert.True(t, done.Completed.Valid)

	// each completed step stamps its marker variable
	v, ok := h.instances.variable(instance.ID, "start_completed")
	require.True(t, ok)
	assert.Equal(t, true, v.Decoded())

	types := h.events.types()
	assert.Contains(t, types, domain.EventStepStarted)
	assert.Contains(t, types, domain.EventStepCompleted)
	assert.Contains(t, types, domain.EventWorkflowCompleted)
}

// a definition whose start step is also its end step must still finish
func TestProcess_SingleStepDefinitionCompletes(t *testing.T) {
	def := &domain.WorkflowDefinition{
		ID:      1,
		Name:    "touch-record",
		Version: 1,
		Status:  domain.DefinitionStatusPublished,
		Steps: []domain.WorkflowStep{
			{StepKey: "start", StepType: domain.StepTypeStart, IsStartStep: true, IsEndStep: true},
		},
	}
	h := newHarness(t, def)
	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)

	runAllJobs(t, h)

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Equal(t, "start", done.CurrentStepKey)
	assert.True(t, done.Completed.Valid)
	assert.Contains(t, h.events.types(), domain.EventWorkflowCompleted)
}

func TestProcess_FollowOnJobsKeepDefinitionPriority(t *testing.T) {
	def := linearDefinition(t)
	def.Priority = 7
	h := newHarness(t, def)
	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)

	seen := 0
	for i := 0; i < 10; i++ {
		jobs := h.queue.drain()
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			seen++
			assert.Equal(t, 7, job.Priority, "job for step %s lost the definition priority", job.StepKey)
			require.NoError(t, h.engine.ProcessWorkflow(context.Background(), job.InstanceID, job.StepKey))
		}
	}
	require.Greater(t, seen, 1, "expected follow-on jobs past the start step")

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
}

func TestProcess_StaleJobIsDropped(t *testing.T) {
	h := newHarness(t, linearDefinition(t))
	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)
	h.queue.drain()

	// job for a step the instance is no longer on
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "check"))

	unchanged, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, "start", unchanged.CurrentStepKey)
	assert.Equal(t, domain.InstanceStatusRunning, unchanged.Status)
	assert.Empty(t, h.queue.Enqueued)
}

func flakyDefinition(t *testing.T) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      1,
		Name:    "sync-external",
		Version: 1,
		Status:  domain.DefinitionStatusPublished,
		Steps: []domain.WorkflowStep{
			{StepKey: "start", StepType: domain.StepTypeStart, IsStartStep: true,
				Transitions: transitionsJSON(t, domain.StepTransition{NextStepKey: "sync"})},
			{StepKey: "sync", StepType: "Flaky",
				Transitions: transitionsJSON(t, domain.StepTransition{NextStepKey: "end"})},
			{StepKey: "end", StepType: domain.StepTypeEnd, IsEndStep: true},
		},
	}
}

func TestProcess_RetryThenFail(t *testing.T) {
	h := newHarness(t, flakyDefinition(t))
	stub := &stubExecutor{results: []*steps.Result{
		{Success: false, ShouldRetry: true, RetryAfter: 30 * time.Second, ErrorMessage: "upstream 502"},
		{Success: false, ShouldRetry: true, RetryAfter: 30 * time.Second, ErrorMessage: "upstream 502"},
		{Success: false, ShouldRetry: false, ErrorMessage: "upstream 502, attempts exhausted"},
	}}
	h.engine.Registry.Register("Flaky", stub)

	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)
	runAllJobs(t, h)

	failed, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.RetryCount)
	assert.Equal(t, "upstream 502, attempts exhausted", failed.ErrorMessage.String)
	assert.Equal(t, "sync", failed.CurrentStepKey)

	types := h.events.types()
	assert.Contains(t, types, domain.EventStepRetrying)
	assert.Contains(t, types, domain.EventWorkflowFailed)
}

func TestProcess_RetryScheduleUsesBackoff(t *testing.T) {
	h := newHarness(t, flakyDefinition(t))
	stub := &stubExecutor{results: []*steps.Result{
		{Success: false, ShouldRetry: true, ErrorMessage: "timeout"},
	}}
	h.engine.Registry.Register("Flaky", stub)

	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)
	jobs := h.queue.drain()
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), jobs[0].InstanceID, jobs[0].StepKey))
	h.queue.drain()

	// first failure with no explicit delay: one minute default backoff
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "sync"))
	retry := h.queue.lastEnqueued()
	require.NotNil(t, retry)
	assert.Equal(t, "sync", retry.StepKey)
	assert.Equal(t, h.clock.Now().Add(time.Minute), retry.ScheduledAt)

	stored, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, 1, stored.RetryCount)
	assert.True(t, stored.NextRetryAt.Valid)
}

func TestProcess_ManualRetryAfterFailureCompletes(t *testing.T) {
	h := newHarness(t, flakyDefinition(t))
	stub := &stubExecutor{results: []*steps.Result{
		{Success: false, ShouldRetry: false, ErrorMessage: "hard failure"},
		{Success: true, NextStepKey: "end"},
	}}
	h.engine.Registry.Register("Flaky", stub)

	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)
	runAllJobs(t, h)

	failed, _ := h.instances.FindByID(instance.ID)
	require.Equal(t, domain.InstanceStatusFailed, failed.Status)

	require.NoError(t, h.engine.RetryWorkflow(context.Background(), instance.ID, "ops"))
	runAllJobs(t, h)

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
}

func userActionDefinition(t *testing.T) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      1,
		Name:    "manual-approval",
		Version: 1,
		Status:  domain.DefinitionStatusPublished,
		Steps: []domain.WorkflowStep{
			{StepKey: "start", StepType: domain.StepTypeStart, IsStartStep: true,
				Transitions: transitionsJSON(t, domain.StepTransition{NextStepKey: "approval"})},
			{StepKey: "approval", StepType: domain.StepTypeUserAction,
				Configuration: `{"title":"Approve","assignedTo":"role:manager"}`,
				Transitions:   transitionsJSON(t, domain.StepTransition{Condition: "approve", NextStepKey: "end"})},
			{StepKey: "end", StepType: domain.StepTypeEnd, IsEndStep: true},
		},
	}
}

func TestProcess_UserActionSuspendsAndCompleteTaskResumes(t *testing.T) {
	h := newHarness(t, userActionDefinition(t))

	var live *domain.WorkflowTask
	created := 0
	h.tasks.CreateTaskFunc = func(task *domain.WorkflowTask) (int64, error) {
		created++
		task.ID = 9
		live = task
		return 9, nil
	}
	h.tasks.FindLiveTaskFunc = func(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
		if live != nil && live.IsLive() {
			return live, nil
		}
		return nil, nil
	}
	h.tasks.FindByIDFunc = func(id int64) (*domain.WorkflowTask, error) {
		return live, nil
	}
	h.tasks.CompleteFunc = func(id int64, action, comments, formData string) (bool, error) {
		if live == nil || !live.IsLive() {
			return false, nil
		}
		live.Status = domain.TaskStatusCompleted
		live.ActionTaken.String = action
		live.ActionTaken.Valid = true
		return true, nil
	}
	h.tasks.FindLatestCompletedTaskFunc = func(instanceID int64, stepKey string) (*domain.WorkflowTask, error) {
		if live != nil && live.Status == domain.TaskStatusCompleted {
			return live, nil
		}
		return nil, nil
	}

	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)
	runAllJobs(t, h)

	waiting, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusWaitingForInput, waiting.Status)
	assert.Equal(t, "approval", waiting.CurrentStepKey)
	assert.Equal(t, 1, created)

	// reprocessing the step while the task is open changes nothing
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "approval"))
	assert.Equal(t, 1, created)

	require.NoError(t, h.engine.CompleteTask(context.Background(), 9, "manager", "approve", "looks good", ""))
	runAllJobs(t, h)

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)

	action, ok := h.instances.variable(instance.ID, "approval_action")
	require.True(t, ok)
	assert.Equal(t, "approve", action.Decoded())
}

func parallelDefinition(t *testing.T) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:      1,
		Name:    "parallel-enrichment",
		Version: 1,
		Status:  domain.DefinitionStatusPublished,
		Steps: []domain.WorkflowStep{
			{StepKey: "start", StepType: domain.StepTypeStart, IsStartStep: true,
				Transitions: transitionsJSON(t, domain.StepTransition{NextStepKey: "fanout"})},
			{StepKey: "fanout", StepType: domain.StepTypeParallel,
				Transitions: transitionsJSON(t,
					domain.StepTransition{NextStepKey: "scoreCredit"},
					domain.StepTransition{NextStepKey: "verifyAddress"})},
			{StepKey: "scoreCredit", StepType: domain.StepTypeScript,
				Configuration: `{"assignments":[{"variable":"creditScore","expression":"720"}]}`,
				Transitions:   transitionsJSON(t, domain.StepTransition{NextStepKey: "merge"})},
			{StepKey: "verifyAddress", StepType: domain.StepTypeScript,
				Configuration: `{"assignments":[{"variable":"addressOk","expression":"true"}]}`,
				Transitions:   transitionsJSON(t, domain.StepTransition{NextStepKey: "merge"})},
			{StepKey: "merge", StepType: domain.StepTypeJoin,
				Configuration: `{"expectedBranches":["scoreCredit","verifyAddress"]}`,
				Transitions:   transitionsJSON(t, domain.StepTransition{NextStepKey: "end"})},
			{StepKey: "end", StepType: domain.StepTypeEnd, IsEndStep: true},
		},
	}
}

func TestProcess_ParallelFanOutAndJoin(t *testing.T) {
	h := newHarness(t, parallelDefinition(t))
	instance, err := h.engine.StartWorkflow(context.Background(), 1, "Order", "ORD-1", nil)
	require.NoError(t, err)

	// start
	jobs := h.queue.drain()
	require.Len(t, jobs, 1)
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, jobs[0].StepKey))

	// fan out
	jobs = h.queue.drain()
	require.Len(t, jobs, 1)
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, jobs[0].StepKey))

	jobs = h.queue.drain()
	require.Len(t, jobs, 2, "one job per branch")
	fanned, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, []string{"scoreCredit", "verifyAddress"}, fanned.ActiveKeys())
	assert.Equal(t, "fanout", fanned.CurrentStepKey)

	// first branch reaches the join; it must gate, not advance
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "scoreCredit"))
	joinJobs := h.queue.drain()
	require.Len(t, joinJobs, 1)
	require.Equal(t, "merge", joinJobs[0].StepKey)
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "merge"))
	gated, _ := h.instances.FindByID(instance.ID)
	assert.NotEqual(t, domain.InstanceStatusCompleted, gated.Status)
	assert.Empty(t, h.queue.Enqueued, "join must not advance before all branches complete")

	// second branch completes and re-triggers the join
	require.NoError(t, h.engine.ProcessWorkflow(context.Background(), instance.ID, "verifyAddress"))
	runAllJobs(t, h)

	done, _ := h.instances.FindByID(instance.ID)
	assert.Equal(t, domain.InstanceStatusCompleted, done.Status)
	assert.Empty(t, done.ActiveKeys())

	score, ok := h.instances.variable(instance.ID, "creditScore")
	require.True(t, ok)
	assert.Equal(t, 720.0, score.Decoded())

	// exactly one workflow completion despite two branches converging
	completions := 0
	for _, eventType := range h.events.types() {
		if eventType == domain.EventWorkflowCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}
