package models

import "time"

// ClosingStatus tracks a monthly closing through its lifecycle.
type ClosingStatus string

const (
	ClosingPending    ClosingStatus = "pending"
	ClosingInProgress ClosingStatus = "in_progress"
	ClosingReview     ClosingStatus = "review"
	ClosingCompleted  ClosingStatus = "completed"
	ClosingExpired    ClosingStatus = "expired"
)

// ItemStatus tracks one checklist step.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// ClosingWorkflow is the monthly per-client closing state machine.
type ClosingWorkflow struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	Period         string          `json:"period"`
	Status         ClosingStatus   `json:"status"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	LastActivity   time.Time       `json:"last_activity"`
	BlockingIssues []BlockingIssue `json:"blocking_issues"`
	AssignedTo     *string         `json:"assigned_to,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BlockingIssue is one append-only incident record on a workflow.
type BlockingIssue struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ChecklistItem is one step within a closing workflow.
type ChecklistItem struct {
	ID           string         `json:"id"`
	ClosingID    string         `json:"closing_id"`
	ItemName     string         `json:"item_name"`
	Status       ItemStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// RetryCount reads metadata.retry_count, tolerating JSON number decoding.
func (c ChecklistItem) RetryCount() int {
	switch v := c.Metadata["retry_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// CompletionRatio returns completed/total, or 0 for an empty checklist.
func CompletionRatio(items []ChecklistItem) float64 {
	if len(items) == 0 {
		return 0
	}
	done := 0
	for _, it := range items {
		if it.Status == ItemCompleted {
			done++
		}
	}
	return float64(done) / float64(len(items))
}
