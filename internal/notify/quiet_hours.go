package notify

import (
	"fmt"
	"time"
)

// quietHours is a daily window expressed as minutes since midnight. A window
// whose start is after its end wraps past midnight.
type quietHours struct {
	start, end int
}

func parseQuietHours(start, end string) (quietHours, bool) {
	s, err := parseClock(start)
	if err != nil {
		return quietHours{}, false
	}
	e, err := parseClock(end)
	if err != nil || s == e {
		return quietHours{}, false
	}
	return quietHours{start: s, end: e}, true
}

func parseClock(v string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("invalid clock value %q", v)
}

func (q quietHours) contains(minute int) bool {
	if q.start < q.end {
		return minute >= q.start && minute < q.end
	}
	return minute >= q.start || minute < q.end
}

// deferUntil reports whether t falls in the window and, if so, when it ends.
func (q quietHours) deferUntil(t time.Time) (time.Time, bool) {
	minute := t.Hour()*60 + t.Minute()
	if !q.contains(minute) {
		return time.Time{}, false
	}
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	end := midnight.Add(time.Duration(q.end) * time.Minute)
	if !end.After(t) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true
}
