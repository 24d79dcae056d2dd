// Package recovery repairs work the Worker Loop cannot heal on its own:
// workflows stuck in progress, failed checklist items and stale task leases.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/notify"
	"closing-automation/internal/store"
	"closing-automation/internal/telemetry"
)

// Recovery actions accepted by Dispatch.
const (
	ActionRecoverStuck  = "recover_stuck_closings"
	ActionRetryFailed   = "retry_failed_operations"
	ActionCleanup       = "cleanup_orphaned_data"
	ActionRequeueStale  = "requeue_stale_tasks"
	issueStuckRecovered = "stuck_workflow_recovered"
)

// ErrUnknownAction is returned by Dispatch for unsupported actions.
var ErrUnknownAction = errors.New("unknown recovery action")

// Store is the persistence surface recovery needs.
type Store interface {
	ListStuckClosings(ctx context.Context, staleBefore time.Time) ([]models.ClosingWorkflow, error)
	ListChecklistItems(ctx context.Context, closingID string) ([]models.ChecklistItem, error)
	RecoverClosing(ctx context.Context, p store.RecoverClosingParams) (bool, error)
	ListFailedItems(ctx context.Context, closingID string) ([]models.ChecklistItem, error)
	RetryChecklistItem(ctx context.Context, p store.RetryItemParams) (bool, error)
	TouchClosing(ctx context.Context, id string, at time.Time) error
	DeleteOrphanedItems(ctx context.Context) (int, error)
	ExpirePendingClosings(ctx context.Context, olderThan time.Time) (int, error)
	DeleteReadNotifications(ctx context.Context, olderThan time.Time) (int, error)
	RequeueStaleTasks(ctx context.Context, olderThan time.Time) ([]models.Task, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Notifier is the create-notification ingress.
type Notifier interface {
	Create(ctx context.Context, req notify.Request) (notify.Result, error)
}

// DeadLetter records tasks that recovery moved to failed.
type DeadLetter interface {
	Push(ctx context.Context, taskID string) error
}

// ItemResult is the per-entity outcome of a recovery action.
type ItemResult struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Report is returned from every recovery action.
type Report struct {
	Action   string       `json:"action"`
	Affected int          `json:"affected"`
	Results  []ItemResult `json:"results"`
	Errors   []string     `json:"errors,omitempty"`
}

func newReport(action string) Report {
	return Report{Action: action, Results: []ItemResult{}}
}

func (r *Report) fail(id string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
	r.Results = append(r.Results, ItemResult{ID: id, Status: "error", Detail: err.Error()})
}

// Engine runs recovery sweeps.
type Engine struct {
	store    Store
	notifier Notifier
	dlq      DeadLetter
	cfg      config.RecoveryConfig
	logger   *zap.Logger

	now func() time.Time
}

// NewEngine builds a recovery engine. notifier and dlq may be nil.
func NewEngine(st Store, notifier Notifier, dlq DeadLetter, cfg config.RecoveryConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		notifier: notifier,
		dlq:      dlq,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("recovery"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Request is a recovery invocation.
type Request struct {
	Action      string  `json:"action"`
	ClosingID   string  `json:"closing_id,omitempty"`
	MaxAgeHours float64 `json:"max_age_hours,omitempty"`
}

// Dispatch runs the action named in req.
func (e *Engine) Dispatch(ctx context.Context, req Request) (Report, error) {
	age := time.Duration(req.MaxAgeHours * float64(time.Hour))
	switch req.Action {
	case ActionRecoverStuck:
		return e.RecoverStuckWorkflows(ctx, age)
	case ActionRetryFailed:
		return e.RetryFailedItems(ctx, req.ClosingID)
	case ActionCleanup:
		return e.CleanupOrphanedData(ctx)
	case ActionRequeueStale:
		return e.RequeueStaleTasks(ctx, age)
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

// RecoverStuckWorkflows reclaims in_progress workflows whose last_activity is
// older than maxAge. Items still in_progress are failed as orphans, and the
// workflow moves to review when enough items are complete, otherwise back to
// pending. Workflows that are no longer stale when the transition is applied
// are left untouched, so repeated runs are no-ops.
func (e *Engine) RecoverStuckWorkflows(ctx context.Context, maxAge time.Duration) (Report, error) {
	if maxAge <= 0 {
		maxAge = e.cfg.MaxAge
	}
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.recover_stuck")
	defer span.End()

	report := newReport(ActionRecoverStuck)
	now := e.now()
	staleBefore := now.Add(-maxAge)
	stuck, err := e.store.ListStuckClosings(ctx, staleBefore)
	if err != nil {
		return report, fmt.Errorf("list stuck closings: %w", err)
	}
	span.SetAttributes(attribute.Int("recovery.candidates", len(stuck)))

	for _, c := range stuck {
		res, err := e.recoverClosing(ctx, c, staleBefore, now)
		if err != nil {
			e.logger.Error("recover closing failed", zap.String("closing_id", c.ID), zap.Error(err))
			report.fail(c.ID, err)
			continue
		}
		report.Results = append(report.Results, res)
		if res.Status != "skipped" {
			report.Affected++
		}
	}
	e.logger.Info("stuck workflow sweep finished", zap.Int("candidates", len(stuck)), zap.Int("recovered", report.Affected))
	return report, nil
}

func (e *Engine) recoverClosing(ctx context.Context, c models.ClosingWorkflow, staleBefore, now time.Time) (ItemResult, error) {
	items, err := e.store.ListChecklistItems(ctx, c.ID)
	if err != nil {
		return ItemResult{}, fmt.Errorf("list items: %w", err)
	}
	var orphaned []string
	for i := range items {
		if items[i].Status == models.ItemInProgress {
			orphaned = append(orphaned, items[i].ID)
			items[i].Status = models.ItemFailed
		}
	}
	ratio := models.CompletionRatio(items)
	next := models.ClosingPending
	if len(items) > 0 && ratio >= e.cfg.ReviewRatio {
		next = models.ClosingReview
	}
	inactive := now.Sub(c.LastActivity).Round(time.Minute)

	issue := models.BlockingIssue{
		Type:      issueStuckRecovered,
		Message:   fmt.Sprintf("No activity for %s; %d orphaned item(s) marked failed, workflow moved to %s", inactive, len(orphaned), next),
		Timestamp: now,
		Details: map[string]any{
			"previous_status":  string(c.Status),
			"new_status":       string(next),
			"completion_ratio": ratio,
			"orphaned_items":   len(orphaned),
			"inactive_minutes": int(inactive.Minutes()),
		},
	}
	applied, err := e.store.RecoverClosing(ctx, store.RecoverClosingParams{
		ClosingID:     c.ID,
		StaleBefore:   staleBefore,
		OrphanedItems: orphaned,
		OrphanMessage: fmt.Sprintf("timeout: no worker activity for %s, orphaned by a dead worker", inactive),
		NewStatus:     next,
		Issue:         issue,
		At:            now,
	})
	if err != nil {
		return ItemResult{}, err
	}
	if !applied {
		return ItemResult{ID: c.ID, Status: "skipped", Detail: "workflow changed since scan"}, nil
	}
	telemetry.RecoveryActions.WithLabelValues(ActionRecoverStuck).Inc()

	e.notifyRecovered(ctx, c, next, ratio, len(orphaned))
	if err := e.store.AppendAudit(ctx, models.AuditEntry{
		Action:     models.AuditClosingRecovered,
		EntityType: "closing",
		EntityID:   c.ID,
		Details:    issue.Details,
		CreatedAt:  now,
	}); err != nil {
		e.logger.Error("audit closing recovery", zap.String("closing_id", c.ID), zap.Error(err))
	}
	e.logger.Warn("stuck workflow recovered",
		zap.String("closing_id", c.ID),
		zap.String("status", string(next)),
		zap.Float64("completion_ratio", ratio),
		zap.Int("orphaned_items", len(orphaned)))

	return ItemResult{
		ID:     c.ID,
		Status: string(next),
		Data:   map[string]any{"completion_ratio": ratio, "orphaned_items": len(orphaned)},
	}, nil
}

func (e *Engine) notifyRecovered(ctx context.Context, c models.ClosingWorkflow, next models.ClosingStatus, ratio float64, orphaned int) {
	if e.notifier == nil {
		return
	}
	recipient := e.cfg.SystemUser
	if c.AssignedTo != nil && *c.AssignedTo != "" {
		recipient = *c.AssignedTo
	}
	msg := fmt.Sprintf("Closing %s for client %s was stuck and has been moved to %s (%.0f%% complete, %d orphaned item(s)).",
		c.Period, c.ClientID, next, ratio*100, orphaned)
	_, err := e.notifier.Create(ctx, notify.Request{
		UserID:     recipient,
		Title:      "Stuck closing recovered",
		Message:    msg,
		Type:       models.NotifyWarning,
		Priority:   models.PriorityHigh,
		Category:   models.CategoryClosing,
		SourceID:   c.ID,
		SourceType: "closing",
		Metadata:   map[string]any{"new_status": string(next), "completion_ratio": ratio},
	})
	if err != nil {
		e.logger.Error("notify closing recovery", zap.String("closing_id", c.ID), zap.Error(err))
	}
}

// RetryFailedItems resets failed checklist items whose error is retryable and
// whose retry count has not passed the cap. closingID scopes the sweep to one
// workflow when non-empty.
func (e *Engine) RetryFailedItems(ctx context.Context, closingID string) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.retry_failed")
	defer span.End()

	report := newReport(ActionRetryFailed)
	failed, err := e.store.ListFailedItems(ctx, closingID)
	if err != nil {
		return report, fmt.Errorf("list failed items: %w", err)
	}
	now := e.now()
	for _, it := range failed {
		msg := ""
		if it.ErrorMessage != nil {
			msg = *it.ErrorMessage
		}
		retries := it.RetryCount()
		switch {
		case !IsRetryable(msg):
			report.Results = append(report.Results, ItemResult{ID: it.ID, Status: "skipped", Detail: "error is not retryable"})
			continue
		case retries > e.cfg.ItemRetryCap:
			report.Results = append(report.Results, ItemResult{ID: it.ID, Status: "skipped", Detail: "retry limit reached"})
			continue
		}

		ok, err := e.store.RetryChecklistItem(ctx, store.RetryItemParams{
			ItemID:        it.ID,
			RetryCount:    retries + 1,
			PreviousError: msg,
			At:            now,
		})
		if err != nil {
			report.fail(it.ID, err)
			continue
		}
		if !ok {
			report.Results = append(report.Results, ItemResult{ID: it.ID, Status: "skipped", Detail: "item no longer failed"})
			continue
		}
		if err := e.store.TouchClosing(ctx, it.ClosingID, now); err != nil {
			e.logger.Error("touch closing after retry", zap.String("closing_id", it.ClosingID), zap.Error(err))
		}
		if err := e.store.AppendAudit(ctx, models.AuditEntry{
			Action:     models.AuditItemRetried,
			EntityType: "checklist_item",
			EntityID:   it.ID,
			Details:    map[string]any{"closing_id": it.ClosingID, "retry_count": retries + 1, "previous_error": msg},
			CreatedAt:  now,
		}); err != nil {
			e.logger.Error("audit item retry", zap.String("item_id", it.ID), zap.Error(err))
		}
		telemetry.RecoveryActions.WithLabelValues(ActionRetryFailed).Inc()
		report.Affected++
		report.Results = append(report.Results, ItemResult{
			ID:     it.ID,
			Status: string(models.ItemPending),
			Data:   map[string]any{"retry_count": retries + 1, "item_name": it.ItemName},
		})
	}
	e.logger.Info("failed item sweep finished", zap.Int("failed", len(failed)), zap.Int("retried", report.Affected))
	return report, nil
}

// CleanupOrphanedData runs three independent housekeeping sweeps. A failing
// sweep is reported without stopping the others.
func (e *Engine) CleanupOrphanedData(ctx context.Context) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.cleanup")
	defer span.End()

	report := newReport(ActionCleanup)
	now := e.now()
	sweeps := []struct {
		name string
		run  func() (int, error)
	}{
		{"orphaned_checklist_items", func() (int, error) { return e.store.DeleteOrphanedItems(ctx) }},
		{"expired_pending_workflows", func() (int, error) {
			return e.store.ExpirePendingClosings(ctx, now.Add(-e.cfg.PendingWorkflowExpiry))
		}},
		{"read_notifications", func() (int, error) {
			return e.store.DeleteReadNotifications(ctx, now.Add(-e.cfg.ReadNotificationTTL))
		}},
	}
	details := map[string]any{}
	for _, s := range sweeps {
		n, err := s.run()
		if err != nil {
			e.logger.Error("cleanup sweep failed", zap.String("sweep", s.name), zap.Error(err))
			report.fail(s.name, err)
			continue
		}
		details[s.name] = n
		report.Affected += n
		report.Results = append(report.Results, ItemResult{ID: s.name, Status: "ok", Data: map[string]any{"count": n}})
	}
	telemetry.RecoveryActions.WithLabelValues(ActionCleanup).Inc()
	if err := e.store.AppendAudit(ctx, models.AuditEntry{
		Action:     models.AuditOrphanCleanup,
		EntityType: "system",
		EntityID:   now.Format(time.RFC3339),
		Details:    details,
		CreatedAt:  now,
	}); err != nil {
		e.logger.Error("audit cleanup", zap.Error(err))
	}
	e.logger.Info("cleanup finished", zap.Any("counts", details), zap.Int("errors", len(report.Errors)))
	return report, nil
}

// RequeueStaleTasks releases task leases older than maxAge. Tasks with
// retries left return to pending; the rest end failed and are dead-lettered.
func (e *Engine) RequeueStaleTasks(ctx context.Context, maxAge time.Duration) (Report, error) {
	if maxAge <= 0 {
		maxAge = e.cfg.StaleTaskAge
	}
	ctx, span := telemetry.Tracer().Start(ctx, "recovery.requeue_stale")
	defer span.End()

	report := newReport(ActionRequeueStale)
	now := e.now()
	tasks, err := e.store.RequeueStaleTasks(ctx, now.Add(-maxAge))
	if err != nil {
		return report, fmt.Errorf("requeue stale tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Status == models.TaskFailed && e.dlq != nil {
			if err := e.dlq.Push(ctx, t.ID); err != nil {
				e.logger.Error("dead-letter stale task", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		if err := e.store.AppendAudit(ctx, models.AuditEntry{
			Action:     models.AuditTaskRequeued,
			EntityType: "task",
			EntityID:   t.ID,
			Details:    map[string]any{"status": string(t.Status), "retry_count": t.RetryCount},
			CreatedAt:  now,
		}); err != nil {
			e.logger.Error("audit task requeue", zap.String("task_id", t.ID), zap.Error(err))
		}
		telemetry.RecoveryActions.WithLabelValues(ActionRequeueStale).Inc()
		report.Affected++
		report.Results = append(report.Results, ItemResult{
			ID:     t.ID,
			Status: string(t.Status),
			Data:   map[string]any{"retry_count": t.RetryCount, "process_type": string(t.ProcessType)},
		})
	}
	if len(tasks) > 0 {
		e.logger.Warn("stale task leases released", zap.Int("count", len(tasks)))
	}
	return report, nil
}
