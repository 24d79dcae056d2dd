package store

import (
	"time"

	"closing-automation/internal/models"
)

// CreateTaskParams collects inputs required to insert a task. Priority and
// MaxRetries are stored as given; zero is a valid value for both.
type CreateTaskParams struct {
	ProcessType models.ProcessType
	ClientID    string
	Priority    int
	Parameters  map[string]any
	MaxRetries  int
	ScheduledAt time.Time
}

func (p *CreateTaskParams) applyDefaults(now time.Time) {
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}
	if p.Parameters == nil {
		p.Parameters = map[string]any{}
	}
}

// RecoverClosingParams describes one recovery transition, applied atomically
// only while the workflow is still in_progress and stale.
type RecoverClosingParams struct {
	ClosingID     string
	StaleBefore   time.Time
	OrphanedItems []string
	OrphanMessage string
	NewStatus     models.ClosingStatus
	Issue         models.BlockingIssue
	At            time.Time
}

// RetryItemParams resets one failed checklist item back to pending.
type RetryItemParams struct {
	ItemID        string
	RetryCount    int
	PreviousError string
	At            time.Time
}

// resolveFailure decides where a failed attempt goes. Tasks below their
// retry budget return to pending after delay; the rest end failed.
func resolveFailure(task models.Task, delay time.Duration, now time.Time) (models.TaskStatus, int, time.Time) {
	if task.RetryCount < task.MaxRetries {
		return models.TaskPending, task.RetryCount + 1, now.Add(delay)
	}
	return models.TaskFailed, task.RetryCount, task.ScheduledAt
}
