package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"closing-automation/internal/models"
)

const taskColumns = `id, process_type, client_id, priority, parameters, status, retry_count, max_retries,
	scheduled_at, worker_id, leased_at, last_error, result, created_at, updated_at`

// CreateTask inserts a pending task row.
func (s *Postgres) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	now := time.Now().UTC()
	p.applyDefaults(now)
	params, err := marshalJSON(p.Parameters)
	if err != nil {
		return models.Task{}, err
	}
	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, process_type, client_id, priority, parameters, status, retry_count, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, string(p.ProcessType), emptyToNil(p.ClientID), p.Priority, params, string(models.TaskPending), p.MaxRetries, p.ScheduledAt, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return models.Task{
		ID:          id,
		ProcessType: p.ProcessType,
		ClientID:    emptyToNil(p.ClientID),
		Priority:    p.Priority,
		Parameters:  p.Parameters,
		Status:      models.TaskPending,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

// LeaseNextTask claims the most urgent due pending task for workerID. It
// returns nil when nothing is available. SKIP LOCKED makes concurrent
// callers pick different rows instead of blocking on the same one.
func (s *Postgres) LeaseNextTask(ctx context.Context, workerID string) (*models.Task, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $1, worker_id = $2, leased_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $4 AND scheduled_at <= $3
			ORDER BY priority ASC, scheduled_at ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+taskColumns,
		string(models.TaskRunning), workerID, now, string(models.TaskPending))
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	return &task, nil
}

// CompleteTask records the outcome of one leased attempt. It applies only if
// the task is still running under c.WorkerID.
func (s *Postgres) CompleteTask(ctx context.Context, c models.Completion) (models.CompletionOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CompletionOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, c.TaskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CompletionOutcome{}, fmt.Errorf("task %s: %w", c.TaskID, ErrNotFound)
	}
	if err != nil {
		return models.CompletionOutcome{}, err
	}
	if task.Status != models.TaskRunning || task.WorkerID == nil || *task.WorkerID != c.WorkerID {
		return models.CompletionOutcome{}, fmt.Errorf("task %s: %w", c.TaskID, ErrLeaseLost)
	}

	result, err := marshalJSON(c.Result)
	if err != nil {
		return models.CompletionOutcome{}, err
	}
	now := time.Now().UTC()
	out := models.CompletionOutcome{Status: models.TaskCompleted, RetryCount: task.RetryCount}
	if c.Success {
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, result = $3, last_error = NULL, worker_id = NULL, leased_at = NULL, updated_at = $4
			WHERE id = $1
		`, task.ID, string(models.TaskCompleted), result, now)
	} else {
		status, retries, nextRun := resolveFailure(task, c.RetryDelay, now)
		out = models.CompletionOutcome{Status: status, RetryCount: retries, Requeued: status == models.TaskPending}
		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, retry_count = $3, scheduled_at = $4, last_error = $5, result = $6,
				worker_id = NULL, leased_at = NULL, updated_at = $7
			WHERE id = $1
		`, task.ID, string(status), retries, nextRun, c.Error, result, now)
	}
	if err != nil {
		return models.CompletionOutcome{}, fmt.Errorf("complete task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.CompletionOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// RequeueStaleTasks returns running tasks leased before olderThan to pending,
// or fails them once their retries are spent.
func (s *Postgres) RequeueStaleTasks(ctx context.Context, olderThan time.Time) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			scheduled_at = CASE WHEN retry_count < max_retries THEN NOW() ELSE scheduled_at END,
			last_error = COALESCE(last_error, 'lease expired: worker presumed dead'),
			worker_id = NULL, leased_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND leased_at < $1
		RETURNING `+taskColumns, olderThan)
	if err != nil {
		return nil, fmt.Errorf("requeue stale tasks: %w", err)
	}
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// UpsertWorker registers or refreshes a worker instance row.
func (s *Postgres) UpsertWorker(ctx context.Context, w models.WorkerInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_instances (worker_id, function_name, status, current_task_count, max_concurrent_tasks, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_task_count = EXCLUDED.current_task_count,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, w.WorkerID, w.FunctionName, string(w.Status), w.CurrentTaskCount, w.MaxConcurrentTasks, w.StartedAt, w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's status and last_heartbeat.
func (s *Postgres) Heartbeat(ctx context.Context, workerID string, status models.WorkerStatus, current int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE worker_instances SET status = $2, current_task_count = $3, last_heartbeat = NOW()
		WHERE worker_id = $1
	`, workerID, string(status), current)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	return nil
}

// CountTasks returns task counts grouped by status.
func (s *Postgres) CountTasks(ctx context.Context) (map[models.TaskStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[models.TaskStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[models.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var processType, status string
	var clientID, workerID, lastErr pgtype.Text
	var params, result []byte
	var leasedAt pgtype.Timestamptz

	if err := row.Scan(&task.ID, &processType, &clientID, &task.Priority, &params, &status, &task.RetryCount, &task.MaxRetries,
		&task.ScheduledAt, &workerID, &leasedAt, &lastErr, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, err
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.ProcessType = models.ProcessType(processType)
	task.Status = models.TaskStatus(status)
	task.ClientID = textPtr(clientID)
	task.WorkerID = textPtr(workerID)
	task.LastError = textPtr(lastErr)
	if leasedAt.Valid {
		task.LeasedAt = timePtr(leasedAt.Time)
	}
	var err error
	if task.Parameters, err = unmarshalMap(params); err != nil {
		return models.Task{}, err
	}
	if task.Result, err = unmarshalMap(result); err != nil {
		return models.Task{}, err
	}
	return task, nil
}
