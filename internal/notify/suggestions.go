package notify

import (
	"context"
	"fmt"
	"math"

	"closing-automation/internal/models"
)

// Suggestion thresholds.
const (
	noisyAckRate     = 0.30
	noisyMinCount    = 5
	engagedAckRate   = 0.90
	engagedMinCount  = 10
	dailyVolumeLimit = 10.0
)

// CategoryStats summarises one category over the suggestion window.
type CategoryStats struct {
	Total        int     `json:"total"`
	Acknowledged int     `json:"acknowledged"`
	AckRate      float64 `json:"ack_rate"`
}

// Suggestion is one advisory preference change.
type Suggestion struct {
	Kind     string          `json:"kind"`
	Category models.Category `json:"category,omitempty"`
	Message  string          `json:"message"`
}

// Suggestions is returned from SmartSuggestions.
type Suggestions struct {
	UserID       string                            `json:"user_id"`
	Total        int                               `json:"total"`
	DailyAverage float64                           `json:"daily_average"`
	Categories   map[models.Category]CategoryStats `json:"categories"`
	Suggestions  []Suggestion                      `json:"suggestions"`
}

// SmartSuggestions analyses acknowledgment rates over the suggestion window.
// It never changes preferences.
func (m *Manager) SmartSuggestions(ctx context.Context, userID string) (Suggestions, error) {
	if userID == "" {
		return Suggestions{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	window := m.cfg.SuggestionWindow
	now := m.now()
	list, err := m.store.ListNotificationsSince(ctx, userID, now.Add(-window))
	if err != nil {
		return Suggestions{}, fmt.Errorf("list notifications: %w", err)
	}

	out := Suggestions{
		UserID:      userID,
		Total:       len(list),
		Categories:  make(map[models.Category]CategoryStats),
		Suggestions: []Suggestion{},
	}
	for _, n := range list {
		st := out.Categories[n.Category]
		st.Total++
		if n.IsAcknowledged {
			st.Acknowledged++
		}
		out.Categories[n.Category] = st
	}

	for _, c := range models.Categories {
		st, ok := out.Categories[c]
		if !ok {
			continue
		}
		st.AckRate = float64(st.Acknowledged) / float64(st.Total)
		out.Categories[c] = st
		switch {
		case st.Total >= noisyMinCount && st.AckRate < noisyAckRate:
			out.Suggestions = append(out.Suggestions, Suggestion{
				Kind:     "raise_threshold",
				Category: c,
				Message:  fmt.Sprintf("Only %.0f%% of %s notifications are acknowledged; consider raising the priority threshold for this category.", st.AckRate*100, c),
			})
		case st.Total >= engagedMinCount && st.AckRate > engagedAckRate:
			out.Suggestions = append(out.Suggestions, Suggestion{
				Kind:     "lower_threshold",
				Category: c,
				Message:  fmt.Sprintf("You acknowledge %.0f%% of %s notifications; you could receive lower-priority ones too.", st.AckRate*100, c),
			})
		}
	}

	days := math.Max(1, window.Hours()/24)
	out.DailyAverage = float64(out.Total) / days
	if out.DailyAverage > dailyVolumeLimit {
		out.Suggestions = append(out.Suggestions, Suggestion{
			Kind:    "broader_filtering",
			Message: fmt.Sprintf("You receive %.1f notifications per day on average; consider broader filtering.", out.DailyAverage),
		})
	}
	return out, nil
}
