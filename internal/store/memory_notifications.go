package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"closing-automation/internal/models"
)

// GetPreferences returns stored preferences or defaults.
func (m *Memory) GetPreferences(_ context.Context, userID string) (models.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return models.DefaultPreferences(userID), nil
}

// SavePreferences upserts a user's preferences.
func (m *Memory) SavePreferences(_ context.Context, p models.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
	return nil
}

// AddAdmin grants the admin role to userID.
func (m *Memory) AddAdmin(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins = append(m.admins, userID)
	sort.Strings(m.admins)
}

// ListAdmins returns the user ids holding the admin role.
func (m *Memory) ListAdmins(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.admins...), nil
}

// FindRecentNotification returns the newest notification for the dedup key created at or after since.
func (m *Memory) FindRecentNotification(_ context.Context, userID string, category models.Category, sourceID string, since time.Time) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Notification
	for _, n := range m.notifications {
		if n.UserID != userID || n.Category != category || n.SourceID == nil || *n.SourceID != sourceID {
			continue
		}
		if n.CreatedAt.Before(since) {
			continue
		}
		if best == nil || n.CreatedAt.After(best.CreatedAt) {
			cp := copyNotification(n)
			best = &cp
		}
	}
	return best, nil
}

// InsertNotification stores a new notification.
func (m *Memory) InsertNotification(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

// ConsolidateNotification merges a duplicate into an existing row.
func (m *Memory) ConsolidateNotification(_ context.Context, id, message string, priority int, metadata map[string]any) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Message = message
	if priority < n.Priority {
		n.Priority = priority
	}
	if len(metadata) > 0 {
		merged := copyMap(n.Metadata)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		n.Metadata = merged
	}
	m.notifications[id] = n
	return copyNotification(n), nil
}

// GetNotification fetches a notification by id.
func (m *Memory) GetNotification(_ context.Context, id string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return copyNotification(n), nil
}

// ListUnacknowledgedCritical returns unacknowledged priority-1 notifications created before createdBefore.
func (m *Memory) ListUnacknowledgedCritical(_ context.Context, createdBefore time.Time) ([]models.Notification, error) {
	return m.selectNotifications(func(n models.Notification) bool {
		return n.Priority == models.PriorityCritical && !n.IsAcknowledged && n.CreatedAt.Before(createdBefore)
	}), nil
}

// ListNotificationsSince returns a user's notifications created at or after since.
func (m *Memory) ListNotificationsSince(_ context.Context, userID string, since time.Time) ([]models.Notification, error) {
	return m.selectNotifications(func(n models.Notification) bool {
		return n.UserID == userID && !n.CreatedAt.Before(since)
	}), nil
}

// Notifications returns every notification addressed to userID, or all when userID is empty.
func (m *Memory) Notifications(userID string) []models.Notification {
	return m.selectNotifications(func(n models.Notification) bool {
		return userID == "" || n.UserID == userID
	})
}

// MarkDelivered stamps delivered_at on undelivered notifications.
func (m *Memory) MarkDelivered(_ context.Context, ids []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range ids {
		n, ok := m.notifications[id]
		if !ok || n.DeliveredAt != nil {
			continue
		}
		n.DeliveredAt = timePtr(at)
		m.notifications[id] = n
		count++
	}
	return count, nil
}

// DeleteExpiredNotifications removes notifications past expires_at.
func (m *Memory) DeleteExpiredNotifications(_ context.Context, now time.Time) (int, error) {
	return m.deleteNotifications(func(n models.Notification) bool {
		return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
	}), nil
}

// DeleteReadNotifications removes read notifications created before olderThan.
func (m *Memory) DeleteReadNotifications(_ context.Context, olderThan time.Time) (int, error) {
	return m.deleteNotifications(func(n models.Notification) bool {
		return n.IsRead && n.CreatedAt.Before(olderThan)
	}), nil
}

func (m *Memory) selectNotifications(keep func(models.Notification) bool) []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if keep(n) {
			out = append(out, copyNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Memory) deleteNotifications(match func(models.Notification) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ntf := range m.notifications {
		if match(ntf) {
			delete(m.notifications, id)
			n++
		}
	}
	return n
}

func copyNotification(n models.Notification) models.Notification {
	n.Metadata = copyMap(n.Metadata)
	return n
}
