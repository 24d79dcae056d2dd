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

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Action, e.EntityType, e.EntityID, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// HasAuditMarker reports whether an audit row exists for (action, entityID).
func (s *Postgres) HasAuditMarker(ctx context.Context, action, entityID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM audit_logs WHERE action = $1 AND entity_id = $2)
	`, action, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query audit marker: %w", err)
	}
	return exists, nil
}

// CreateAutomationLog inserts a run record.
func (s *Postgres) CreateAutomationLog(ctx context.Context, l models.AutomationLog) error {
	meta, err := marshalJSON(l.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_logs (id, rule_id, status, started_at, completed_at, duration_ms, records_processed, error_message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ID, l.RuleID, l.Status, l.StartedAt, l.CompletedAt, l.DurationMS, l.RecordsProcessed, l.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("insert automation log: %w", err)
	}
	return nil
}

// UpdateAutomationLog overwrites a run record's outcome fields.
func (s *Postgres) UpdateAutomationLog(ctx context.Context, l models.AutomationLog) error {
	meta, err := marshalJSON(l.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE automation_logs
		SET status = $2, completed_at = $3, duration_ms = $4, records_processed = $5, error_message = $6,
			metadata = COALESCE($7, metadata)
		WHERE id = $1
	`, l.ID, l.Status, l.CompletedAt, l.DurationMS, l.RecordsProcessed, l.ErrorMessage, meta)
	if err != nil {
		return fmt.Errorf("update automation log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation log %s: %w", l.ID, ErrNotFound)
	}
	return nil
}

// GetAutomationLog fetches a run record.
func (s *Postgres) GetAutomationLog(ctx context.Context, id string) (models.AutomationLog, error) {
	var l models.AutomationLog
	var ruleID, errMsg pgtype.Text
	var completedAt pgtype.Timestamptz
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, rule_id, status, started_at, completed_at, duration_ms, records_processed, error_message, metadata
		FROM automation_logs WHERE id = $1
	`, id).Scan(&l.ID, &ruleID, &l.Status, &l.StartedAt, &completedAt, &l.DurationMS, &l.RecordsProcessed, &errMsg, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, fmt.Errorf("automation log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return l, fmt.Errorf("scan automation log: %w", err)
	}
	l.RuleID = textPtr(ruleID)
	l.ErrorMessage = textPtr(errMsg)
	if completedAt.Valid {
		l.CompletedAt = timePtr(completedAt.Time)
	}
	l.Metadata, err = unmarshalMap(meta)
	return l, err
}

// IncrementRuleCounter bumps a rule's success or error counter.
func (s *Postgres) IncrementRuleCounter(ctx context.Context, ruleID string, success bool) error {
	column := "error_count"
	if success {
		column = "success_count"
	}
	_, err := s.pool.Exec(ctx, `UPDATE automation_rules SET `+column+` = `+column+` + 1, last_run_at = NOW() WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("increment rule counter: %w", err)
	}
	return nil
}
