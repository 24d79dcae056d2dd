// Package notify is the single ingress for operator-facing alerts. It applies
// user preferences, consolidates duplicates and escalates unacknowledged
// critical alerts to administrators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/telemetry"
)

// ErrInvalidRequest is returned for malformed create requests.
var ErrInvalidRequest = errors.New("invalid notification request")

// EscalatedPrefix marks notifications forwarded to administrators.
const EscalatedPrefix = "[ESCALATED] "

const dedupStripes = 64

// Store is the persistence surface the manager needs.
type Store interface {
	GetPreferences(ctx context.Context, userID string) (models.Preferences, error)
	FindRecentNotification(ctx context.Context, userID string, category models.Category, sourceID string, since time.Time) (*models.Notification, error)
	InsertNotification(ctx context.Context, n models.Notification) error
	ConsolidateNotification(ctx context.Context, id, message string, priority int, metadata map[string]any) (models.Notification, error)
	ListAdmins(ctx context.Context) ([]string, error)
	ListUnacknowledgedCritical(ctx context.Context, createdBefore time.Time) ([]models.Notification, error)
	ListNotificationsSince(ctx context.Context, userID string, since time.Time) ([]models.Notification, error)
	MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
	HasAuditMarker(ctx context.Context, action, entityID string) (bool, error)
}

// Deferrer postpones delivery of a stored notification.
type Deferrer interface {
	Schedule(ctx context.Context, id string, at time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Request is a create-notification call.
type Request struct {
	UserID       string                  `json:"user_id"`
	Title        string                  `json:"title"`
	Message      string                  `json:"message"`
	Type         models.NotificationType `json:"type"`
	Priority     int                     `json:"priority"`
	Category     models.Category         `json:"category"`
	SourceID     string                  `json:"source_id,omitempty"`
	SourceType   string                  `json:"source_type,omitempty"`
	Metadata     map[string]any          `json:"metadata,omitempty"`
	AutoEscalate bool                    `json:"auto_escalate,omitempty"`
}

// Outcome reports what create-notification did with a request.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeConsolidated Outcome = "consolidated"
	OutcomeCreated      Outcome = "created"
)

// Result is returned from Create.
type Result struct {
	Status       Outcome              `json:"status"`
	Reason       string               `json:"reason,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	Escalated    int                  `json:"escalated,omitempty"`
}

// Manager implements create, escalation, cleanup and suggestion operations.
type Manager struct {
	store    Store
	deferrer Deferrer
	cfg      config.NotificationConfig
	loc      *time.Location
	logger   *zap.Logger

	// dedup serializes lookup and insert for one consolidation key.
	dedup [dedupStripes]sync.Mutex

	now func() time.Time
}

// NewManager builds a manager. deferrer may be nil, in which case quiet
// hours never postpone delivery.
func NewManager(st Store, deferrer Deferrer, cfg config.NotificationConfig, logger *zap.Logger) *Manager {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.UTC
	}
	return &Manager{
		store:    st,
		deferrer: deferrer,
		cfg:      cfg,
		loc:      loc,
		logger:   logging.OrNop(logger).Named("notify"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the manager clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (r Request) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	case r.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidRequest)
	case r.Priority < models.PriorityCritical || r.Priority > models.PriorityLow:
		return fmt.Errorf("%w: priority must be between 1 and 4", ErrInvalidRequest)
	}
	switch r.Type {
	case models.NotifyError, models.NotifyWarning, models.NotifyInfo, models.NotifySuccess:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, r.Type)
	}
	for _, c := range models.Categories {
		if r.Category == c {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, r.Category)
}

// Create applies preferences, quiet hours and consolidation, then stores the
// notification. Critical auto_escalate requests are copied to every other
// administrator.
func (m *Manager) Create(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	now := m.now()

	prefs, err := m.store.GetPreferences(ctx, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}
	if prefs.PriorityThreshold > 0 && req.Priority > prefs.PriorityThreshold {
		telemetry.NotificationsCreated.WithLabelValues(string(OutcomeSkipped)).Inc()
		return Result{Status: OutcomeSkipped, Reason: "below user priority threshold"}, nil
	}

	var deliverAfter *time.Time
	if m.deferrer != nil && req.Priority >= models.PriorityMedium {
		if qh, ok := parseQuietHours(prefs.QuietHoursStart, prefs.QuietHoursEnd); ok {
			if end, quiet := qh.deferUntil(now.In(m.loc)); quiet {
				at := end.UTC()
				deliverAfter = &at
			}
		}
	}

	if req.SourceID != "" {
		mu := m.dedupLock(req)
		mu.Lock()
		defer mu.Unlock()

		existing, err := m.store.FindRecentNotification(ctx, req.UserID, req.Category, req.SourceID, now.Add(-m.cfg.ConsolidationWindow))
		if err != nil {
			return Result{}, fmt.Errorf("find duplicate: %w", err)
		}
		if existing != nil {
			merged, err := m.store.ConsolidateNotification(ctx, existing.ID, req.Message, req.Priority, consolidationMeta(existing, req.Metadata, now))
			if err != nil {
				return Result{}, fmt.Errorf("consolidate: %w", err)
			}
			telemetry.NotificationsCreated.WithLabelValues(string(OutcomeConsolidated)).Inc()
			m.logger.Debug("notification consolidated", zap.String("notification_id", merged.ID), zap.Int("priority", merged.Priority))
			return Result{Status: OutcomeConsolidated, Notification: &merged}, nil
		}
	}

	n := m.build(req, now)
	res := Result{Status: OutcomeCreated, Notification: &n}
	if deliverAfter != nil {
		// Every stored deferred row must already have a pending delivery.
		if err := m.deferrer.Schedule(ctx, n.ID, *deliverAfter); err != nil {
			return Result{}, fmt.Errorf("schedule deferred delivery: %w", err)
		}
		n.DeliverAfter = deliverAfter
		res.Status = OutcomeDeferred
	} else {
		n.DeliveredAt = &now
	}
	if err := m.store.InsertNotification(ctx, n); err != nil {
		return Result{}, err
	}

	if req.Priority == models.PriorityCritical && req.AutoEscalate {
		count, err := m.escalate(ctx, n, now)
		if err != nil {
			return res, err
		}
		res.Escalated = count
	}
	telemetry.NotificationsCreated.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (m *Manager) dedupLock(req Request) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.UserID + "\x00" + string(req.Category) + "\x00" + req.SourceID))
	return &m.dedup[h.Sum32()%dedupStripes]
}

func (m *Manager) build(req Request, now time.Time) models.Notification {
	n := models.Notification{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Priority:  req.Priority,
		Category:  req.Category,
		Metadata:  req.Metadata,
		CreatedAt: now,
	}
	if req.SourceID != "" {
		n.SourceID = &req.SourceID
	}
	if req.SourceType != "" {
		n.SourceType = &req.SourceType
	}
	if m.cfg.DefaultTTL > 0 {
		exp := now.Add(m.cfg.DefaultTTL)
		n.ExpiresAt = &exp
	}
	return n
}

func consolidationMeta(existing *models.Notification, incoming map[string]any, now time.Time) map[string]any {
	meta := make(map[string]any, len(incoming)+2)
	for k, v := range incoming {
		meta[k] = v
	}
	count := 1
	switch v := existing.Metadata["consolidated_count"].(type) {
	case float64:
		count = int(v) + 1
	case int:
		count = v + 1
	}
	meta["consolidated_count"] = count
	meta["last_consolidated_at"] = now.Format(time.RFC3339)
	return meta
}

// escalate copies n to every administrator except its recipient.
func (m *Manager) escalate(ctx context.Context, n models.Notification, now time.Time) (int, error) {
	admins, err := m.store.ListAdmins(ctx)
	if err != nil {
		return 0, fmt.Errorf("list admins: %w", err)
	}
	count := 0
	for _, admin := range admins {
		if admin == n.UserID {
			continue
		}
		cp := n
		cp.ID = uuid.New().String()
		cp.UserID = admin
		if !strings.HasPrefix(cp.Title, EscalatedPrefix) {
			cp.Title = EscalatedPrefix + cp.Title
		}
		cp.IsRead, cp.IsAcknowledged = false, false
		cp.CreatedAt = now
		cp.DeliverAfter = nil
		cp.DeliveredAt = &now
		cp.Metadata = map[string]any{
			"escalated_from":    n.ID,
			"original_user_id":  n.UserID,
			"escalation_reason": "critical notification",
		}
		if err := m.store.InsertNotification(ctx, cp); err != nil {
			return count, fmt.Errorf("insert escalation: %w", err)
		}
		count++
	}
	return count, nil
}

// EscalationResult describes one escalated notification.
type EscalationResult struct {
	NotificationID string `json:"notification_id"`
	AdminsNotified int    `json:"admins_notified"`
}

// EscalationReport is returned from ProcessEscalations.
type EscalationReport struct {
	Checked   int                `json:"checked"`
	Escalated int                `json:"escalated"`
	Results   []EscalationResult `json:"results"`
}

// ProcessEscalations forwards critical notifications left unacknowledged past
// the escalation delay. An audit marker per notification id keeps repeated
// runs from escalating the same notification twice.
func (m *Manager) ProcessEscalations(ctx context.Context) (EscalationReport, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "notify.process_escalations")
	defer span.End()

	now := m.now()
	pending, err := m.store.ListUnacknowledgedCritical(ctx, now.Add(-m.cfg.EscalationDelay))
	if err != nil {
		return EscalationReport{}, fmt.Errorf("list unacknowledged: %w", err)
	}
	report := EscalationReport{Results: []EscalationResult{}}
	for _, n := range pending {
		if _, isCopy := n.Metadata["escalated_from"]; isCopy {
			continue
		}
		report.Checked++
		done, err := m.store.HasAuditMarker(ctx, models.AuditNotificationEscalate, n.ID)
		if err != nil {
			return report, fmt.Errorf("check escalation marker: %w", err)
		}
		if done {
			continue
		}
		count, err := m.escalate(ctx, n, now)
		if err != nil {
			return report, err
		}
		if err := m.store.AppendAudit(ctx, models.AuditEntry{
			Action:     models.AuditNotificationEscalate,
			EntityType: "notification",
			EntityID:   n.ID,
			Details:    map[string]any{"admins_notified": count, "user_id": n.UserID},
			CreatedAt:  now,
		}); err != nil {
			return report, fmt.Errorf("write escalation marker: %w", err)
		}
		telemetry.Escalations.Inc()
		m.logger.Warn("critical notification escalated",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Int("admins_notified", count))
		report.Escalated++
		report.Results = append(report.Results, EscalationResult{NotificationID: n.ID, AdminsNotified: count})
	}
	return report, nil
}

// CleanupExpired deletes notifications past their expires_at.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredNotifications(ctx, m.now())
	if err != nil {
		return 0, err
	}
	m.logger.Info("expired notifications removed", zap.Int("count", n))
	return n, nil
}

// DeliverDeferred stamps delivered_at on deferred notifications now due. Ids
// popped from the deferrer are scheduled again when the store update fails.
func (m *Manager) DeliverDeferred(ctx context.Context, limit int64) (int, error) {
	if m.deferrer == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}
	now := m.now()
	ids, err := m.deferrer.PopDue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("pop deferred: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := m.store.MarkDelivered(ctx, ids, now)
	if err != nil {
		for _, id := range ids {
			if serr := m.deferrer.Schedule(ctx, id, now); serr != nil {
				m.logger.Error("reschedule deferred notification", zap.String("notification_id", id), zap.Error(serr))
			}
		}
		return 0, fmt.Errorf("mark delivered: %w", err)
	}
	m.logger.Info("deferred notifications delivered", zap.Int("count", n))
	return n, nil
}
