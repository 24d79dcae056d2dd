package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/store"
	"closing-automation/internal/telemetry"
)

// TaskStore is the queue store and worker registry surface the loop needs.
type TaskStore interface {
	LeaseNextTask(ctx context.Context, workerID string) (*models.Task, error)
	CompleteTask(ctx context.Context, c models.Completion) (models.CompletionOutcome, error)
	UpsertWorker(ctx context.Context, w models.WorkerInstance) error
	Heartbeat(ctx context.Context, workerID string, status models.WorkerStatus, current int) error
}

// DeadLetter records tasks that exhausted their retries.
type DeadLetter interface {
	Push(ctx context.Context, taskID string) error
}

// ProcessedTask reports one task handled during an invocation.
type ProcessedTask struct {
	TaskID          string             `json:"task_id"`
	ProcessType     models.ProcessType `json:"process_type"`
	Status          string             `json:"status"`
	RetryCount      int                `json:"retry_count"`
	ExecutionTimeMS int64              `json:"execution_time_ms"`
	Result          map[string]any     `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// InvocationResult is the response of one Worker Loop invocation.
type InvocationResult struct {
	Success        bool            `json:"success"`
	WorkerID       string          `json:"worker_id"`
	TasksProcessed int             `json:"tasks_processed"`
	ProcessedTasks []ProcessedTask `json:"processed_tasks"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

const statusLeaseLost = "lease_lost"

// Processor drives the worker execution loop.
type Processor struct {
	store    TaskStore
	executor *Executor
	dlq      DeadLetter
	cfg      config.WorkerConfig
	logger   *zap.Logger
}

// NewProcessor builds a processor. dlq may be nil.
func NewProcessor(st TaskStore, exec *Executor, dlq DeadLetter, cfg config.WorkerConfig, logger *zap.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FunctionName == "" {
		cfg.FunctionName = "task-worker"
	}
	return &Processor{
		store:    st,
		executor: exec,
		dlq:      dlq,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("worker"),
	}
}

// RunBatch is one invocation: it registers a fresh worker identity, then
// leases, executes and completes tasks until the queue is empty or the batch
// cap is reached. Handler failures are recorded on the task and the loop
// moves on; lease, registry and complete failures end the invocation.
func (p *Processor) RunBatch(ctx context.Context) (InvocationResult, error) {
	workerID := uuid.New().String()
	res := InvocationResult{WorkerID: workerID, ProcessedTasks: []ProcessedTask{}}
	log := p.logger.With(zap.String("worker_id", workerID))

	now := time.Now().UTC()
	if err := p.store.UpsertWorker(ctx, models.WorkerInstance{
		WorkerID:           workerID,
		FunctionName:       p.cfg.FunctionName,
		Status:             models.WorkerIdle,
		MaxConcurrentTasks: 1,
		StartedAt:          now,
		LastHeartbeat:      now,
	}); err != nil {
		return p.finish(log, res, "error", fmt.Errorf("register worker: %w", err))
	}
	defer func() {
		if err := p.store.Heartbeat(context.WithoutCancel(ctx), workerID, models.WorkerIdle, 0); err != nil {
			log.Error("release worker", zap.Error(err))
		}
	}()

	for {
		if len(res.ProcessedTasks) >= p.cfg.BatchSize {
			return p.finish(log, res, "cap", nil)
		}
		if err := ctx.Err(); err != nil {
			return p.finish(log, res, "error", err)
		}
		task, err := p.store.LeaseNextTask(ctx, workerID)
		if err != nil {
			return p.finish(log, res, "error", fmt.Errorf("lease task: %w", err))
		}
		if task == nil {
			return p.finish(log, res, "idle", nil)
		}
		telemetry.TasksLeased.Inc()

		if err := p.store.Heartbeat(ctx, workerID, models.WorkerBusy, 1); err != nil {
			return p.finish(log, res, "error", fmt.Errorf("heartbeat: %w", err))
		}
		pt, err := p.process(ctx, log, workerID, *task)
		if err != nil {
			return p.finish(log, res, "error", err)
		}
		res.ProcessedTasks = append(res.ProcessedTasks, pt)
		if err := p.store.Heartbeat(ctx, workerID, models.WorkerIdle, 0); err != nil {
			return p.finish(log, res, "error", fmt.Errorf("heartbeat: %w", err))
		}
	}
}

func (p *Processor) process(ctx context.Context, log *zap.Logger, workerID string, task models.Task) (ProcessedTask, error) {
	out := p.executor.Execute(ctx, task)
	pt := ProcessedTask{
		TaskID:          task.ID,
		ProcessType:     task.ProcessType,
		ExecutionTimeMS: out.Duration.Milliseconds(),
		Error:           out.Error,
	}
	if out.Success {
		pt.Result = out.Payload()
	}

	c := models.Completion{
		TaskID:   task.ID,
		WorkerID: workerID,
		Success:  out.Success,
		Result:   out.Payload(),
		Error:    out.Error,
	}
	if !out.Success {
		c.RetryDelay = backoffWithJitter(p.cfg.RetryBackoffInitial, p.cfg.RetryBackoffMax, task.RetryCount+1)
	}
	outcome, err := p.store.CompleteTask(context.WithoutCancel(ctx), c)
	if errors.Is(err, store.ErrLeaseLost) {
		log.Warn("lease lost before completion", zap.String("task_id", task.ID))
		pt.Status = statusLeaseLost
		pt.RetryCount = task.RetryCount
		return pt, nil
	}
	if err != nil {
		return pt, fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	pt.Status = string(outcome.Status)
	pt.RetryCount = outcome.RetryCount

	label := "success"
	switch {
	case outcome.Requeued:
		label = "retry"
	case outcome.Status == models.TaskFailed:
		label = "failed"
	}
	telemetry.TasksCompleted.WithLabelValues(string(task.ProcessType), label).Inc()

	if outcome.Status == models.TaskFailed {
		telemetry.TasksDeadLettered.Inc()
		if p.dlq != nil {
			if err := p.dlq.Push(ctx, task.ID); err != nil {
				log.Error("dead-letter push", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		log.Warn("task exhausted retries", zap.String("task_id", task.ID), zap.Int("retry_count", outcome.RetryCount))
	} else {
		log.Debug("task completed",
			zap.String("task_id", task.ID),
			zap.String("status", pt.Status),
			zap.Int64("execution_time_ms", pt.ExecutionTimeMS))
	}
	return pt, nil
}

func (p *Processor) finish(log *zap.Logger, res InvocationResult, exit string, err error) (InvocationResult, error) {
	res.TasksProcessed = len(res.ProcessedTasks)
	res.Success = err == nil
	res.Timestamp = time.Now().UTC()
	telemetry.WorkerInvocations.WithLabelValues(exit).Inc()
	if err != nil {
		res.Error = err.Error()
		log.Error("worker invocation aborted", zap.Int("tasks_processed", res.TasksProcessed), zap.Error(err))
		return res, err
	}
	log.Info("worker invocation finished", zap.String("exit", exit), zap.Int("tasks_processed", res.TasksProcessed))
	return res, nil
}

// RunParallel runs n independent invocations concurrently, each with its own
// worker identity. Mutual exclusion over tasks comes from the store lease.
func (p *Processor) RunParallel(ctx context.Context, n int) ([]InvocationResult, error) {
	if n <= 0 {
		n = 1
	}
	results := make([]InvocationResult, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			res, err := p.RunBatch(gctx)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// Run repeats invocations until ctx is cancelled, pausing for the poll
// interval whenever an invocation drains the queue or fails.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		res, err := p.RunBatch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && res.TasksProcessed >= p.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && exp > float64(max) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
