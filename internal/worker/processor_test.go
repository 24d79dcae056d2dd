package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closing-automation/internal/config"
	"closing-automation/internal/models"
	"closing-automation/internal/store"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 200); b < max/2 || b > max {
		t.Fatalf("backoff should be capped for large attempts: %s", b)
	}
	if b := backoffWithJitter(0, max, 3); b != 0 {
		t.Fatalf("zero base should disable backoff, got %s", b)
	}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingDLQ struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingDLQ) Push(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		FunctionName:        "test-worker",
		BatchSize:           10,
		RetryBackoffInitial: time.Second,
		RetryBackoffMax:     time.Minute,
		TaskTimeout:         time.Second,
	}
}

func newTestProcessor(st *store.Memory, dlq DeadLetter, cfg config.WorkerConfig, register func(*Executor)) *Processor {
	exec := NewExecutor(st, cfg, nil)
	RegisterDefaults(exec, Deps{})
	if register != nil {
		register(exec)
	}
	return NewProcessor(st, exec, dlq, cfg, nil)
}

func TestRunBatchRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := &stepClock{t: time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)}
	st.Now = clk.now

	calls := 0
	p := newTestProcessor(st, nil, workerConfig(), func(e *Executor) {
		e.Register(models.ProcessDailyAccounting, func(context.Context, models.Task) (Result, error) {
			calls++
			if calls <= 2 {
				return Result{}, errors.New("connection reset by ledger service")
			}
			return Result{RecordsProcessed: 12}, nil
		})
	})

	task, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessDailyAccounting, MaxRetries: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := p.RunBatch(ctx)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, 1, res.TasksProcessed, "invocation %d", i+1)
		clk.advance(time.Hour)
	}

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.WorkerID)
	assert.EqualValues(t, 12, got.Result["records_processed"])

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TasksProcessed)
}

func TestRunBatchDeadLettersExhaustedTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	clk := &stepClock{t: time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)}
	st.Now = clk.now
	dlq := &recordingDLQ{}
	p := newTestProcessor(st, dlq, workerConfig(), nil)

	task, err := st.CreateTask(ctx, store.CreateTaskParams{
		ProcessType: models.ProcessCustomScript,
		MaxRetries:  1,
		Parameters:  map[string]any{"script": "fail", "args": map[string]any{"message": "upstream 503"}},
	})
	require.NoError(t, err)

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	require.Len(t, res.ProcessedTasks, 1)
	assert.Equal(t, string(models.TaskPending), res.ProcessedTasks[0].Status)
	assert.Equal(t, "upstream 503", res.ProcessedTasks[0].Error)

	clk.advance(time.Hour)
	res, err = p.RunBatch(ctx)
	require.NoError(t, err)
	require.Len(t, res.ProcessedTasks, 1)
	assert.Equal(t, string(models.TaskFailed), res.ProcessedTasks[0].Status)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "upstream 503", *got.LastError)
	assert.Equal(t, []string{task.ID}, dlq.ids)

	clk.advance(time.Hour)
	res, err = p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.TasksProcessed, "a failed task is never retried past max_retries")
}

func TestRunBatchStopsAtCapAndReleasesWorker(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestProcessor(st, nil, workerConfig(), nil)
	for i := 0; i < 15; i++ {
		_, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe})
		require.NoError(t, err)
	}

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.TasksProcessed)

	w, ok := st.Worker(res.WorkerID)
	require.True(t, ok)
	assert.Equal(t, models.WorkerIdle, w.Status)
	assert.Zero(t, w.CurrentTaskCount)
	assert.Equal(t, 1, w.MaxConcurrentTasks)
	assert.Equal(t, "test-worker", w.FunctionName)

	res2, err := p.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res2.TasksProcessed)
	assert.NotEqual(t, res.WorkerID, res2.WorkerID, "every invocation gets a fresh identity")
}

func TestRunBatchOrdersByPriority(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestProcessor(st, nil, workerConfig(), nil)
	low, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe, Priority: 9})
	require.NoError(t, err)
	urgent, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe, Priority: 1})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskParams{
		ProcessType: models.ProcessStressProbe,
		Priority:    1,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	require.Len(t, res.ProcessedTasks, 2)
	assert.Equal(t, urgent.ID, res.ProcessedTasks[0].TaskID)
	assert.Equal(t, low.ID, res.ProcessedTasks[1].TaskID)
}

func TestRunBatchUnknownProcessTypeDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestProcessor(st, nil, workerConfig(), nil)
	_, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: "payroll_magic", Priority: 1, MaxRetries: 3})
	require.NoError(t, err)
	_, err = st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe, Priority: 2})
	require.NoError(t, err)

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	require.Len(t, res.ProcessedTasks, 2)
	assert.Equal(t, `unknown process type "payroll_magic"`, res.ProcessedTasks[0].Error)
	assert.Equal(t, string(models.TaskPending), res.ProcessedTasks[0].Status)
	assert.Equal(t, string(models.TaskCompleted), res.ProcessedTasks[1].Status)
}

type failingLeaseStore struct {
	*store.Memory
}

func (failingLeaseStore) LeaseNextTask(context.Context, string) (*models.Task, error) {
	return nil, errors.New("connection refused")
}

func TestRunBatchLeaseErrorIsFatal(t *testing.T) {
	st := store.NewMemory()
	cfg := workerConfig()
	exec := NewExecutor(nil, cfg, nil)
	p := NewProcessor(failingLeaseStore{st}, exec, nil, cfg, nil)

	res, err := p.RunBatch(context.Background())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "lease task")

	w, ok := st.Worker(res.WorkerID)
	require.True(t, ok)
	assert.Equal(t, models.WorkerIdle, w.Status)
}

type leaseLostStore struct {
	*store.Memory
}

func (leaseLostStore) CompleteTask(_ context.Context, c models.Completion) (models.CompletionOutcome, error) {
	return models.CompletionOutcome{}, fmt.Errorf("task %s: %w", c.TaskID, store.ErrLeaseLost)
}

func TestRunBatchLeaseLostIsNotFatal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := workerConfig()
	exec := NewExecutor(nil, cfg, nil)
	RegisterDefaults(exec, Deps{})
	p := NewProcessor(leaseLostStore{st}, exec, nil, cfg, nil)
	for i := 0; i < 2; i++ {
		_, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe})
		require.NoError(t, err)
	}

	res, err := p.RunBatch(ctx)
	require.NoError(t, err)
	require.Len(t, res.ProcessedTasks, 2)
	for _, pt := range res.ProcessedTasks {
		assert.Equal(t, statusLeaseLost, pt.Status)
	}
}

func TestRunParallelLeasesEachTaskOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := workerConfig()
	cfg.BatchSize = 100

	var mu sync.Mutex
	seen := map[string]int{}
	p := newTestProcessor(st, nil, cfg, func(e *Executor) {
		e.Register(models.ProcessStressProbe, func(_ context.Context, task models.Task) (Result, error) {
			mu.Lock()
			seen[task.ID]++
			mu.Unlock()
			return Result{RecordsProcessed: 1}, nil
		})
	})
	for i := 0; i < 60; i++ {
		_, err := st.CreateTask(ctx, store.CreateTaskParams{ProcessType: models.ProcessStressProbe})
		require.NoError(t, err)
	}

	results, err := p.RunParallel(ctx, 8)
	require.NoError(t, err)
	total := 0
	ids := map[string]bool{}
	for _, r := range results {
		total += r.TasksProcessed
		ids[r.WorkerID] = true
	}
	assert.Equal(t, 60, total)
	assert.Len(t, ids, 8)
	assert.Len(t, seen, 60)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s executed more than once", id)
	}
	for _, task := range st.Tasks() {
		assert.Equal(t, models.TaskCompleted, task.Status)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	cfg := workerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	p := newTestProcessor(st, nil, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
