package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"closing-automation/internal/models"
)

const notificationColumns = `id, user_id, title, message, type, priority, category, source_id, source_type,
	is_read, is_acknowledged, metadata, created_at, expires_at, deliver_after, delivered_at`

// GetPreferences returns a user's preferences, or defaults when none are stored.
func (s *Postgres) GetPreferences(ctx context.Context, userID string) (models.Preferences, error) {
	p := models.DefaultPreferences(userID)
	var start, end pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT priority_threshold, quiet_hours_start, quiet_hours_end
		FROM notification_preferences WHERE user_id = $1
	`, userID).Scan(&p.PriorityThreshold, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query preferences: %w", err)
	}
	if start.Valid {
		p.QuietHoursStart = start.String
	}
	if end.Valid {
		p.QuietHoursEnd = end.String
	}
	return p, nil
}

// SavePreferences upserts a user's preferences.
func (s *Postgres) SavePreferences(ctx context.Context, p models.Preferences) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, priority_threshold, quiet_hours_start, quiet_hours_end)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			priority_threshold = EXCLUDED.priority_threshold,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end
	`, p.UserID, p.PriorityThreshold, emptyToNil(p.QuietHoursStart), emptyToNil(p.QuietHoursEnd))
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// FindRecentNotification returns the newest notification for the dedup key created at or after since.
func (s *Postgres) FindRecentNotification(ctx context.Context, userID string, category models.Category, sourceID string, since time.Time) (*models.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1 AND category = $2 AND source_id = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, string(category), sourceID, since)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// InsertNotification stores a new notification row.
func (s *Postgres) InsertNotification(ctx context.Context, n models.Notification) error {
	meta, err := marshalJSON(n.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, n.ID, n.UserID, n.Title, n.Message, string(n.Type), n.Priority, string(n.Category), n.SourceID, n.SourceType,
		n.IsRead, n.IsAcknowledged, meta, n.CreatedAt, n.ExpiresAt, n.DeliverAfter, n.DeliveredAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ConsolidateNotification merges a duplicate into an existing row: the message
// is replaced and the priority becomes the more urgent of the two.
func (s *Postgres) ConsolidateNotification(ctx context.Context, id, message string, priority int, metadata map[string]any) (models.Notification, error) {
	meta, err := marshalJSON(metadata)
	if err != nil {
		return models.Notification{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE notifications
		SET message = $2, priority = LEAST(priority, $3), metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb)
		WHERE id = $1
		RETURNING `+notificationColumns, id, message, priority, meta)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n, err
}

// GetNotification fetches a notification by id.
func (s *Postgres) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n, err
}

// ListAdmins returns the user ids holding the admin role.
func (s *Postgres) ListAdmins(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role = 'admin' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query admins: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListUnacknowledgedCritical returns priority-1 notifications still
// unacknowledged and created before createdBefore.
func (s *Postgres) ListUnacknowledgedCritical(ctx context.Context, createdBefore time.Time) ([]models.Notification, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE priority = $1 AND is_acknowledged = FALSE AND created_at < $2
		ORDER BY created_at ASC
	`, models.PriorityCritical, createdBefore)
}

// ListNotificationsSince returns a user's notifications created at or after since.
func (s *Postgres) ListNotificationsSince(ctx context.Context, userID string, since time.Time) ([]models.Notification, error) {
	return s.queryNotifications(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, userID, since)
}

// MarkDelivered stamps delivered_at on the given undelivered notifications.
func (s *Postgres) MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET delivered_at = $2 WHERE id = ANY($1) AND delivered_at IS NULL
	`, ids, at)
	if err != nil {
		return 0, fmt.Errorf("mark delivered: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteExpiredNotifications removes notifications whose expires_at has passed.
func (s *Postgres) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteReadNotifications removes read notifications created before olderThan.
func (s *Postgres) DeleteReadNotifications(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE is_read = TRUE AND created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete read notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) queryNotifications(ctx context.Context, sql string, args ...any) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var typ, category string
	var sourceID, sourceType pgtype.Text
	var meta []byte
	var expiresAt, deliverAfter, deliveredAt pgtype.Timestamptz
	if err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &typ, &n.Priority, &category, &sourceID, &sourceType,
		&n.IsRead, &n.IsAcknowledged, &meta, &n.CreatedAt, &expiresAt, &deliverAfter, &deliveredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return n, err
		}
		return n, fmt.Errorf("scan notification: %w", err)
	}
	n.Type = models.NotificationType(typ)
	n.Category = models.Category(category)
	n.SourceID = textPtr(sourceID)
	n.SourceType = textPtr(sourceType)
	if expiresAt.Valid {
		n.ExpiresAt = timePtr(expiresAt.Time)
	}
	if deliverAfter.Valid {
		n.DeliverAfter = timePtr(deliverAfter.Time)
	}
	if deliveredAt.Valid {
		n.DeliveredAt = timePtr(deliveredAt.Time)
	}
	var err error
	n.Metadata, err = unmarshalMap(meta)
	return n, err
}
