package models

import "time"

// NotificationType is the visual severity of an alert.
type NotificationType string

const (
	NotifyError   NotificationType = "error"
	NotifyWarning NotificationType = "warning"
	NotifyInfo    NotificationType = "info"
	NotifySuccess NotificationType = "success"
)

// Priorities: lower is more urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityMedium   = 3
	PriorityLow      = 4
)

// Category groups notifications for preferences and analytics.
type Category string

const (
	CategoryClosing     Category = "closing"
	CategoryCompliance  Category = "compliance"
	CategorySystem      Category = "system"
	CategoryIntegration Category = "integration"
)

// Categories lists every known category.
var Categories = []Category{CategoryClosing, CategoryCompliance, CategorySystem, CategoryIntegration}

// Notification is an operator-facing alert.
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Type           NotificationType `json:"type"`
	Priority       int              `json:"priority"`
	Category       Category         `json:"category"`
	SourceID       *string          `json:"source_id,omitempty"`
	SourceType     *string          `json:"source_type,omitempty"`
	IsRead         bool             `json:"is_read"`
	IsAcknowledged bool             `json:"is_acknowledged"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	DeliverAfter   *time.Time       `json:"deliver_after,omitempty"`
	DeliveredAt    *time.Time       `json:"delivered_at,omitempty"`
}

// Preferences are per-user delivery settings.
type Preferences struct {
	UserID            string `json:"user_id"`
	PriorityThreshold int    `json:"priority_threshold"`
	QuietHoursStart   string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string `json:"quiet_hours_end,omitempty"`
}

// DefaultPreferences lets everything through at any hour.
func DefaultPreferences(userID string) Preferences {
	return Preferences{UserID: userID, PriorityThreshold: PriorityLow}
}
