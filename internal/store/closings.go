package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"closing-automation/internal/models"
)

const closingColumns = `id, client_id, period, status, started_at, last_activity, blocking_issues, assigned_to, created_at`

const itemColumns = `id, closing_id, item_name, status, started_at, completed_at, error_message, metadata`

// CreateClosing inserts a closing workflow with its checklist items.
func (s *Postgres) CreateClosing(ctx context.Context, c models.ClosingWorkflow, items []models.ChecklistItem) (models.ClosingWorkflow, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.ClosingPending
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = now
	}
	if c.BlockingIssues == nil {
		c.BlockingIssues = []models.BlockingIssue{}
	}
	issues, err := json.Marshal(c.BlockingIssues)
	if err != nil {
		return models.ClosingWorkflow{}, fmt.Errorf("marshal blocking issues: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ClosingWorkflow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO closings (id, client_id, period, status, started_at, last_activity, blocking_issues, assigned_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ClientID, c.Period, string(c.Status), c.StartedAt, c.LastActivity, issues, c.AssignedTo, c.CreatedAt)
	if err != nil {
		return models.ClosingWorkflow{}, fmt.Errorf("insert closing: %w", err)
	}
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.Status == "" {
			it.Status = models.ItemPending
		}
		if it.Metadata == nil {
			it.Metadata = map[string]any{}
		}
		meta, err := marshalJSON(it.Metadata)
		if err != nil {
			return models.ClosingWorkflow{}, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO checklist_items (id, closing_id, item_name, position, status, started_at, completed_at, error_message, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, it.ID, c.ID, it.ItemName, i, string(it.Status), it.StartedAt, it.CompletedAt, it.ErrorMessage, meta)
		if err != nil {
			return models.ClosingWorkflow{}, fmt.Errorf("insert checklist item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ClosingWorkflow{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// GetClosing fetches a closing workflow by id.
func (s *Postgres) GetClosing(ctx context.Context, id string) (models.ClosingWorkflow, error) {
	c, err := scanClosing(s.pool.QueryRow(ctx, `SELECT `+closingColumns+` FROM closings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ClosingWorkflow{}, fmt.Errorf("closing %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListStuckClosings returns in_progress workflows whose last_activity is older than staleBefore.
func (s *Postgres) ListStuckClosings(ctx context.Context, staleBefore time.Time) ([]models.ClosingWorkflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+closingColumns+` FROM closings
		WHERE status = $1 AND last_activity < $2
		ORDER BY last_activity ASC
	`, string(models.ClosingInProgress), staleBefore)
	if err != nil {
		return nil, fmt.Errorf("query stuck closings: %w", err)
	}
	defer rows.Close()
	var out []models.ClosingWorkflow
	for rows.Next() {
		c, err := scanClosing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListChecklistItems returns a workflow's items in checklist order.
func (s *Postgres) ListChecklistItems(ctx context.Context, closingID string) ([]models.ChecklistItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE closing_id = $1 ORDER BY position ASC`, closingID)
}

// ListFailedItems returns failed items, optionally scoped to one workflow.
func (s *Postgres) ListFailedItems(ctx context.Context, closingID string) ([]models.ChecklistItem, error) {
	if closingID != "" {
		return s.queryItems(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE status = $1 AND closing_id = $2 ORDER BY position ASC`,
			string(models.ItemFailed), closingID)
	}
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE status = $1 ORDER BY closing_id, position ASC`,
		string(models.ItemFailed))
}

// UpdateChecklistItem overwrites an item's mutable fields.
func (s *Postgres) UpdateChecklistItem(ctx context.Context, it models.ChecklistItem) error {
	meta, err := marshalJSON(it.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE checklist_items SET status = $2, started_at = $3, completed_at = $4, error_message = $5, metadata = COALESCE($6, metadata)
		WHERE id = $1
	`, it.ID, string(it.Status), it.StartedAt, it.CompletedAt, it.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("update checklist item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checklist item %s: %w", it.ID, ErrNotFound)
	}
	return nil
}

// SetClosingStatus moves a workflow to status and refreshes last_activity.
func (s *Postgres) SetClosingStatus(ctx context.Context, id string, status models.ClosingStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE closings SET status = $2, last_activity = $3,
			started_at = CASE WHEN $2 = 'in_progress' AND started_at IS NULL THEN $3 ELSE started_at END
		WHERE id = $1
	`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("set closing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("closing %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchClosing refreshes last_activity.
func (s *Postgres) TouchClosing(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE closings SET last_activity = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch closing: %w", err)
	}
	return nil
}

// RecoverClosing applies a recovery transition in one transaction. It reports
// false without changing anything when the workflow is no longer in_progress
// or has seen activity since StaleBefore.
func (s *Postgres) RecoverClosing(ctx context.Context, p RecoverClosingParams) (bool, error) {
	issue, err := json.Marshal([]models.BlockingIssue{p.Issue})
	if err != nil {
		return false, fmt.Errorf("marshal blocking issue: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE closings
		SET status = $2, last_activity = $3, blocking_issues = COALESCE(blocking_issues, '[]'::jsonb) || $4::jsonb
		WHERE id = $1 AND status = $5 AND last_activity < $6
	`, p.ClosingID, string(p.NewStatus), p.At, issue, string(models.ClosingInProgress), p.StaleBefore)
	if err != nil {
		return false, fmt.Errorf("recover closing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if len(p.OrphanedItems) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE checklist_items SET status = $2, error_message = $3, completed_at = NULL
			WHERE id = ANY($1) AND status = $4
		`, p.OrphanedItems, string(models.ItemFailed), p.OrphanMessage, string(models.ItemInProgress))
		if err != nil {
			return false, fmt.Errorf("fail orphaned items: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// RetryChecklistItem resets a failed item to pending. It reports false when
// the item is no longer failed.
func (s *Postgres) RetryChecklistItem(ctx context.Context, p RetryItemParams) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE checklist_items
		SET status = $2, started_at = NULL, completed_at = NULL, error_message = NULL,
			metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('retry_count', $3::int, 'previous_error', $4::text, 'last_retry_at', $5::timestamptz)
		WHERE id = $1 AND status = $6
	`, p.ItemID, string(models.ItemPending), p.RetryCount, p.PreviousError, p.At, string(models.ItemFailed))
	if err != nil {
		return false, fmt.Errorf("retry checklist item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteOrphanedItems removes checklist items whose workflow no longer exists.
func (s *Postgres) DeleteOrphanedItems(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM checklist_items ci
		WHERE NOT EXISTS (SELECT 1 FROM closings c WHERE c.id = ci.closing_id)
	`)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpirePendingClosings marks never-started workflows untouched since olderThan as expired.
func (s *Postgres) ExpirePendingClosings(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE closings SET status = $1, last_activity = NOW()
		WHERE status = $2 AND started_at IS NULL AND last_activity < $3
	`, string(models.ClosingExpired), string(models.ClosingPending), olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire pending closings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) queryItems(ctx context.Context, sql string, args ...any) ([]models.ChecklistItem, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query checklist items: %w", err)
	}
	defer rows.Close()
	var out []models.ChecklistItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanClosing(row pgx.Row) (models.ClosingWorkflow, error) {
	var c models.ClosingWorkflow
	var status string
	var startedAt pgtype.Timestamptz
	var issues []byte
	var assigned pgtype.Text
	if err := row.Scan(&c.ID, &c.ClientID, &c.Period, &status, &startedAt, &c.LastActivity, &issues, &assigned, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan closing: %w", err)
	}
	c.Status = models.ClosingStatus(status)
	c.AssignedTo = textPtr(assigned)
	if startedAt.Valid {
		c.StartedAt = timePtr(startedAt.Time)
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &c.BlockingIssues); err != nil {
			return c, fmt.Errorf("unmarshal blocking issues: %w", err)
		}
	}
	return c, nil
}

func scanItem(row pgx.Row) (models.ChecklistItem, error) {
	var it models.ChecklistItem
	var status string
	var startedAt, completedAt pgtype.Timestamptz
	var errMsg pgtype.Text
	var meta []byte
	if err := row.Scan(&it.ID, &it.ClosingID, &it.ItemName, &status, &startedAt, &completedAt, &errMsg, &meta); err != nil {
		return it, fmt.Errorf("scan checklist item: %w", err)
	}
	it.Status = models.ItemStatus(status)
	it.ErrorMessage = textPtr(errMsg)
	if startedAt.Valid {
		it.StartedAt = timePtr(startedAt.Time)
	}
	if completedAt.Valid {
		it.CompletedAt = timePtr(completedAt.Time)
	}
	var err error
	if it.Metadata, err = unmarshalMap(meta); err != nil {
		return it, err
	}
	if it.Metadata == nil {
		it.Metadata = map[string]any{}
	}
	return it, nil
}
