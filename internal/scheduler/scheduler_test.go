package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/internal/store"
	"github.com/rendis/idflow/internal/store/storetest"
	"github.com/rendis/idflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) get(id string) *store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.jobs[id]
	return &cp
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != 0 && j.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	return result, nil
}

type runCall struct {
	WorkflowID  int64
	Params      map[string]any
	TriggeredBy string
}

// mockRunner records RunWorkflow calls and finishes each with status.
type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	status schema.ExecutionStatus
	err    error
}

func (r *mockRunner) RunWorkflow(_ context.Context, workflowID int64, params map[string]any, triggeredBy string) (*store.WorkflowExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Params: params, TriggeredBy: triggeredBy})
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = schema.ExecutionSuccess
	}
	return &store.WorkflowExecution{ID: int64(len(r.calls)), WorkflowID: workflowID, Status: status}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *mockRunner) workflowIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, len(r.calls))
	for i, c := range r.calls {
		ids[i] = c.WorkflowID
	}
	return ids
}

var fixedNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(s store.Store, runner WorkflowRunner) *Scheduler {
	return NewScheduler(s, runner, nil, WithClock(func() time.Time { return fixedNow }))
}

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		next, err := sched.CalculateNextRun(tt.expr, fixedNow)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, next, tt.expr)
	}

	_, err := sched.CalculateNextRun("invalid cron", fixedNow)
	require.Error(t, err)
}

func TestTickRunsDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-1", WorkflowID: 7, CronExpression: "0 * * * *", TriggeredBy: "nightly",
		Params: map[string]any{"env": "staging"}, Enabled: true, NextRunAt: &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	call := runner.calls[0]
	assert.Equal(t, int64(7), call.WorkflowID)
	assert.Equal(t, "staging", call.Params["env"])
	assert.Equal(t, "nightly:job-1", call.TriggeredBy)

	got := ms.get("job-1")
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, fixedNow, *got.LastRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due", WorkflowID: 1, CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "not-due", WorkflowID: 2, CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "never-stamped", WorkflowID: 3, CronExpression: "0 * * * *", Enabled: true,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "disabled", WorkflowID: 4, CronExpression: "0 * * * *", Enabled: false, NextRunAt: &past,
	}))

	sched.tick(ctx)

	assert.ElementsMatch(t, []int64{1, 3}, runner.workflowIDs())
}

func TestRunJob_RecordsExecutionStatus(t *testing.T) {
	tests := []struct {
		name   string
		runner *mockRunner
		want   string
	}{
		{"warning", &mockRunner{status: schema.ExecutionWarning}, "warning"},
		{"run error", &mockRunner{status: schema.ExecutionError}, "error"},
		{"runner failure", &mockRunner{err: assert.AnError}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := newMockSchedulerStore()
			sched := newTestScheduler(ms, tt.runner)
			past := fixedNow.Add(-time.Hour)
			require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
				ID: "job", WorkflowID: 1, CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
			}))

			sched.tick(context.Background())

			got := ms.get("job")
			assert.Equal(t, tt.want, got.LastRunStatus)
			assert.NotNil(t, got.NextRunAt)
		})
	}
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := fixedNow.Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-missed", WorkflowID: 1, CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-unstamped", WorkflowID: 2, CronExpression: "0 * * * *", Enabled: true,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, []int64{1}, runner.workflowIDs())
	got := ms.get("job-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(fixedNow))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	ctx := context.Background()
	past := fixedNow.Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "job-dedup", WorkflowID: 1, CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	require.True(t, sched.tryAcquire("job-dedup"))
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	sched.releaseJob("job-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// The in-flight mark is released after the run.
	require.NoError(t, ms.UpdateScheduledJob(ctx, "job-dedup", store.ScheduledJobUpdate{NextRunAt: &past}))
	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(newMockSchedulerStore(), &mockRunner{}, nil, WithInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestSchedule_PersistsWithNextRun(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	wf := &store.Workflow{Name: "nightly", IsActive: true}
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	sched := newTestScheduler(st, &mockRunner{})

	job := &store.ScheduledJob{WorkflowID: wf.ID, CronExpression: "30 2 * * *", Enabled: true}
	require.NoError(t, sched.Schedule(ctx, job))
	require.NotEmpty(t, job.ID)

	got, err := st.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2026, 2, 11, 2, 30, 0, 0, time.UTC)))

	err = sched.Schedule(ctx, &store.ScheduledJob{WorkflowID: wf.ID, CronExpression: "every tuesday"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}
