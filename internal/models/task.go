package models

import (
	"time"
)

// TaskStatus enumerates lifecycle states persisted in Postgres.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ProcessType is the closed set of task kinds the executor knows how to run.
type ProcessType string

const (
	ProcessDailyAccounting ProcessType = "daily_accounting"
	ProcessMonthlyReports  ProcessType = "monthly_reports"
	ProcessBackup          ProcessType = "backup"
	ProcessSendEmails      ProcessType = "send_emails"
	ProcessRuleExecution   ProcessType = "rule_execution"
	ProcessCustomScript    ProcessType = "custom_script"
	ProcessMonthlyClosing  ProcessType = "monthly_closing"
	ProcessStressProbe     ProcessType = "stress_probe"
)

// ProcessTypes lists every known process type.
var ProcessTypes = []ProcessType{
	ProcessDailyAccounting,
	ProcessMonthlyReports,
	ProcessBackup,
	ProcessSendEmails,
	ProcessRuleExecution,
	ProcessCustomScript,
	ProcessMonthlyClosing,
	ProcessStressProbe,
}

// Valid reports whether p belongs to the known set.
func (p ProcessType) Valid() bool {
	for _, known := range ProcessTypes {
		if p == known {
			return true
		}
	}
	return false
}

// Task is a unit of deferred work persisted in the queue store.
type Task struct {
	ID          string         `json:"id"`
	ProcessType ProcessType    `json:"process_type"`
	ClientID    *string        `json:"client_id,omitempty"`
	Priority    int            `json:"priority"`
	Parameters  map[string]any `json:"parameters"`
	Status      TaskStatus     `json:"status"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	WorkerID    *string        `json:"worker_id,omitempty"`
	LeasedAt    *time.Time     `json:"leased_at,omitempty"`
	LastError   *string        `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StringParam returns a string parameter or "" when absent.
func (t Task) StringParam(key string) string {
	if v, ok := t.Parameters[key].(string); ok {
		return v
	}
	return ""
}

// Completion is the outcome a worker reports for one leased attempt.
type Completion struct {
	TaskID     string
	WorkerID   string
	Success    bool
	Result     map[string]any
	Error      string
	RetryDelay time.Duration
}

// CompletionOutcome tells the caller where the task ended up after complete-task.
type CompletionOutcome struct {
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Requeued   bool       `json:"requeued"`
}
