package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"closing-automation/internal/models"
)

// Memory is an in-memory implementation of the store contract. A single
// mutex serialises every procedure, which gives the same atomicity the
// Postgres lease and complete procedures provide.
type Memory struct {
	mu            sync.Mutex
	tasks         map[string]models.Task
	workers       map[string]models.WorkerInstance
	closings      map[string]models.ClosingWorkflow
	items         map[string]models.ChecklistItem
	itemOrder     []string
	notifications map[string]models.Notification
	prefs         map[string]models.Preferences
	admins        []string
	audit         []models.AuditEntry
	logs          map[string]models.AutomationLog
	ruleSuccess   map[string]int
	ruleErrors    map[string]int
	seq           int64

	// Now is the clock used for lease, completion and scheduling decisions.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:         make(map[string]models.Task),
		workers:       make(map[string]models.WorkerInstance),
		closings:      make(map[string]models.ClosingWorkflow),
		items:         make(map[string]models.ChecklistItem),
		notifications: make(map[string]models.Notification),
		prefs:         make(map[string]models.Preferences),
		logs:          make(map[string]models.AutomationLog),
		ruleSuccess:   make(map[string]int),
		ruleErrors:    make(map[string]int),
		Now:           func() time.Time { return time.Now().UTC() },
	}
}

// --- tasks and workers ---

// CreateTask inserts a pending task.
func (m *Memory) CreateTask(_ context.Context, p CreateTaskParams) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	p.applyDefaults(now)
	m.seq++
	task := models.Task{
		ID:          uuid.New().String(),
		ProcessType: p.ProcessType,
		ClientID:    emptyToNil(p.ClientID),
		Priority:    p.Priority,
		Parameters:  copyMap(p.Parameters),
		Status:      models.TaskPending,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		// created_at carries a sequence offset so equal-priority ordering is stable.
		CreatedAt: now.Add(time.Duration(m.seq)),
		UpdatedAt: now,
	}
	m.tasks[task.ID] = task
	return copyTask(task), nil
}

// GetTask fetches a task by id.
func (m *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return copyTask(task), nil
}

// LeaseNextTask claims the most urgent due pending task.
func (m *Memory) LeaseNextTask(_ context.Context, workerID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var best *models.Task
	for id := range m.tasks {
		t := m.tasks[id]
		if t.Status != models.TaskPending || t.ScheduledAt.After(now) {
			continue
		}
		if best == nil || lessTask(t, *best) {
			cp := t
			best = &cp
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = models.TaskRunning
	best.WorkerID = &workerID
	best.LeasedAt = timePtr(now)
	best.UpdatedAt = now
	m.tasks[best.ID] = *best
	out := copyTask(*best)
	return &out, nil
}

func lessTask(a, b models.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// CompleteTask records the outcome of one leased attempt.
func (m *Memory) CompleteTask(_ context.Context, c models.Completion) (models.CompletionOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[c.TaskID]
	if !ok {
		return models.CompletionOutcome{}, fmt.Errorf("task %s: %w", c.TaskID, ErrNotFound)
	}
	if task.Status != models.TaskRunning || task.WorkerID == nil || *task.WorkerID != c.WorkerID {
		return models.CompletionOutcome{}, fmt.Errorf("task %s: %w", c.TaskID, ErrLeaseLost)
	}
	now := m.Now()
	task.Result = copyMap(c.Result)
	task.WorkerID = nil
	task.LeasedAt = nil
	task.UpdatedAt = now
	out := models.CompletionOutcome{Status: models.TaskCompleted, RetryCount: task.RetryCount}
	if c.Success {
		task.Status = models.TaskCompleted
		task.LastError = nil
	} else {
		status, retries, nextRun := resolveFailure(task, c.RetryDelay, now)
		task.Status, task.RetryCount, task.ScheduledAt = status, retries, nextRun
		msg := c.Error
		task.LastError = &msg
		out = models.CompletionOutcome{Status: status, RetryCount: retries, Requeued: status == models.TaskPending}
	}
	m.tasks[task.ID] = task
	return out, nil
}

// CountTasks returns task counts grouped by status.
func (m *Memory) CountTasks(_ context.Context) (map[models.TaskStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.TaskStatus]int64)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

// RequeueStaleTasks resets running tasks leased before olderThan.
func (m *Memory) RequeueStaleTasks(_ context.Context, olderThan time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	var out []models.Task
	for id, t := range m.tasks {
		if t.Status != models.TaskRunning || t.LeasedAt == nil || !t.LeasedAt.Before(olderThan) {
			continue
		}
		t.Status, t.RetryCount, t.ScheduledAt = resolveFailure(t, 0, now)
		if t.LastError == nil {
			msg := "lease expired: worker presumed dead"
			t.LastError = &msg
		}
		t.WorkerID = nil
		t.LeasedAt = nil
		t.UpdatedAt = now
		m.tasks[id] = t
		out = append(out, copyTask(t))
	}
	return out, nil
}

// UpsertWorker registers or refreshes a worker instance.
func (m *Memory) UpsertWorker(_ context.Context, w models.WorkerInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workers[w.WorkerID]; ok {
		w.StartedAt = existing.StartedAt
		w.FunctionName = existing.FunctionName
		w.MaxConcurrentTasks = existing.MaxConcurrentTasks
	}
	m.workers[w.WorkerID] = w
	return nil
}

// Heartbeat refreshes a worker's status.
func (m *Memory) Heartbeat(_ context.Context, workerID string, status models.WorkerStatus, current int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	w.Status = status
	w.CurrentTaskCount = current
	w.LastHeartbeat = m.Now()
	m.workers[workerID] = w
	return nil
}

// Worker returns a registered worker instance.
func (m *Memory) Worker(workerID string) (models.WorkerInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	return w, ok
}

// Tasks returns a snapshot of every task.
func (m *Memory) Tasks() []models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetTaskLease overrides leased_at on a running task, for simulating dead workers.
func (m *Memory) SetTaskLease(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.LeasedAt = timePtr(at)
		m.tasks[id] = t
	}
}

// --- automation logs, rules, audit ---

// CreateAutomationLog inserts a run record.
func (m *Memory) CreateAutomationLog(_ context.Context, l models.AutomationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.Metadata = copyMap(l.Metadata)
	m.logs[l.ID] = l
	return nil
}

// UpdateAutomationLog overwrites a run record's outcome fields.
func (m *Memory) UpdateAutomationLog(_ context.Context, l models.AutomationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.logs[l.ID]
	if !ok {
		return fmt.Errorf("automation log %s: %w", l.ID, ErrNotFound)
	}
	existing.Status = l.Status
	existing.CompletedAt = l.CompletedAt
	existing.DurationMS = l.DurationMS
	existing.RecordsProcessed = l.RecordsProcessed
	existing.ErrorMessage = l.ErrorMessage
	if l.Metadata != nil {
		existing.Metadata = copyMap(l.Metadata)
	}
	m.logs[l.ID] = existing
	return nil
}

// GetAutomationLog fetches a run record.
func (m *Memory) GetAutomationLog(_ context.Context, id string) (models.AutomationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return l, fmt.Errorf("automation log %s: %w", id, ErrNotFound)
	}
	l.Metadata = copyMap(l.Metadata)
	return l, nil
}

// IncrementRuleCounter bumps a rule's success or error counter.
func (m *Memory) IncrementRuleCounter(_ context.Context, ruleID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.ruleSuccess[ruleID]++
	} else {
		m.ruleErrors[ruleID]++
	}
	return nil
}

// RuleCounters returns a rule's success and error counts.
func (m *Memory) RuleCounters(ruleID string) (success, errors int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ruleSuccess[ruleID], m.ruleErrors[ruleID]
}

// AppendAudit adds an audit row.
func (m *Memory) AppendAudit(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.Now()
	}
	e.Details = copyMap(e.Details)
	m.audit = append(m.audit, e)
	return nil
}

// HasAuditMarker reports whether an audit row exists for (action, entityID).
func (m *Memory) HasAuditMarker(_ context.Context, action, entityID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.audit {
		if e.Action == action && e.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

// AuditEntries returns audit rows with the given action, or all when action is empty.
func (m *Memory) AuditEntries(action string) []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.audit {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func copyTask(t models.Task) models.Task {
	t.Parameters = copyMap(t.Parameters)
	t.Result = copyMap(t.Result)
	return t
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
