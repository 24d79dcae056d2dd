package models

import "time"

// AuditEntry is an append-only audit row.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Audit actions written by the core.
const (
	AuditClosingRecovered     = "closing_recovered"
	AuditItemRetried          = "checklist_item_retried"
	AuditTaskRequeued         = "task_requeued"
	AuditNotificationEscalate = "notification_escalated"
	AuditOrphanCleanup        = "orphaned_data_cleanup"
)

// AutomationLog is the run record linked from a task's parameters (log_id).
type AutomationLog struct {
	ID               string         `json:"id"`
	RuleID           *string        `json:"rule_id,omitempty"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	DurationMS       int64          `json:"duration_ms"`
	RecordsProcessed int            `json:"records_processed"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Automation log statuses.
const (
	LogRunning   = "running"
	LogCompleted = "completed"
	LogFailed    = "failed"
)
