package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closing-automation/internal/config"
	"closing-automation/internal/models"
	"closing-automation/internal/queue"
	"closing-automation/internal/store"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testConfig() config.NotificationConfig {
	return config.NotificationConfig{
		ConsolidationWindow: 15 * time.Minute,
		EscalationDelay:     30 * time.Minute,
		DefaultTTL:          30 * 24 * time.Hour,
		SuggestionWindow:    30 * 24 * time.Hour,
		Timezone:            "UTC",
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T, deferrer Deferrer) (*Manager, *store.Memory, *clock) {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{t: base}
	st.Now = clk.now
	m := NewManager(st, deferrer, testConfig(), nil)
	m.SetClock(clk.now)
	return m, st, clk
}

func request(priority int) Request {
	return Request{
		UserID:     "user-1",
		Title:      "Bank feed failed",
		Message:    "first",
		Type:       models.NotifyError,
		Priority:   priority,
		Category:   models.CategoryIntegration,
		SourceID:   "feed-7",
		SourceType: "bank_feed",
	}
}

func TestCreateValidatesRequest(t *testing.T) {
	m, _, _ := newManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, Request{Title: "x", Type: models.NotifyInfo, Priority: 3, Category: models.CategorySystem})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req := request(3)
	req.Priority = 7
	_, err = m.Create(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = request(3)
	req.Category = "billing"
	_, err = m.Create(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateSkipsBelowThreshold(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()
	require.NoError(t, st.SavePreferences(ctx, models.Preferences{UserID: "user-1", PriorityThreshold: 2}))

	res, err := m.Create(ctx, request(models.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Status)
	assert.Empty(t, st.Notifications("user-1"))

	res, err = m.Create(ctx, request(models.PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Status)
}

func TestCreateConsolidatesWithinWindow(t *testing.T) {
	m, st, clk := newManager(t, nil)
	ctx := context.Background()

	first, err := m.Create(ctx, request(models.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, first.Status)

	clk.advance(10 * time.Minute)
	second := request(models.PriorityHigh)
	second.Message = "second"
	res, err := m.Create(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsolidated, res.Status)

	stored := st.Notifications("user-1")
	require.Len(t, stored, 1)
	assert.Equal(t, first.Notification.ID, stored[0].ID)
	assert.Equal(t, models.PriorityHigh, stored[0].Priority)
	assert.Equal(t, "second", stored[0].Message)
	assert.EqualValues(t, 1, stored[0].Metadata["consolidated_count"])

	// A less urgent duplicate never lowers the stored priority.
	third := request(models.PriorityLow)
	_, err = m.Create(ctx, third)
	require.NoError(t, err)
	stored = st.Notifications("user-1")
	require.Len(t, stored, 1)
	assert.Equal(t, models.PriorityHigh, stored[0].Priority)
}

func TestConcurrentDuplicatesConsolidateIntoOneRow(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request(models.PriorityMedium)
			req.Message = fmt.Sprintf("attempt %d", i)
			_, err := m.Create(ctx, req)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, st.Notifications("user-1"), 1)
}

func TestCreateOutsideWindowInsertsNewRow(t *testing.T) {
	m, st, clk := newManager(t, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, request(models.PriorityMedium))
	require.NoError(t, err)
	clk.advance(16 * time.Minute)
	res, err := m.Create(ctx, request(models.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Status)
	assert.Len(t, st.Notifications("user-1"), 2)
}

func TestCreateWithoutSourceNeverConsolidates(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()
	req := request(models.PriorityMedium)
	req.SourceID = ""

	_, err := m.Create(ctx, req)
	require.NoError(t, err)
	_, err = m.Create(ctx, req)
	require.NoError(t, err)
	assert.Len(t, st.Notifications("user-1"), 2)
}

func TestCreateDefersDuringQuietHours(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	deferred := queue.NewDeferred(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:deferred")

	m, st, clk := newManager(t, deferred)
	ctx := context.Background()
	clk.t = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	require.NoError(t, st.SavePreferences(ctx, models.Preferences{
		UserID: "user-1", PriorityThreshold: 4, QuietHoursStart: "22:00", QuietHoursEnd: "07:00",
	}))

	res, err := m.Create(ctx, request(models.PriorityLow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Status)
	require.NotNil(t, res.Notification.DeliverAfter)
	assert.Equal(t, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC), *res.Notification.DeliverAfter)
	assert.Nil(t, res.Notification.DeliveredAt)

	// High priority ignores quiet hours.
	high := request(models.PriorityHigh)
	high.SourceID = "other"
	res, err = m.Create(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Status)

	delivered, err := m.DeliverDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, delivered)

	clk.t = time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	delivered, err = m.DeliverDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	for _, n := range st.Notifications("user-1") {
		assert.NotNil(t, n.DeliveredAt, "notification %s should be delivered", n.ID)
	}
}

type flakyDeliveryStore struct {
	*store.Memory
	failures int
}

func (s *flakyDeliveryStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) (int, error) {
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("connection reset")
	}
	return s.Memory.MarkDelivered(ctx, ids, at)
}

type brokenDeferrer struct{}

func (brokenDeferrer) Schedule(context.Context, string, time.Time) error {
	return errors.New("redis unavailable")
}

func (brokenDeferrer) PopDue(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func quietUser(t *testing.T, st *store.Memory) {
	t.Helper()
	require.NoError(t, st.SavePreferences(context.Background(), models.Preferences{
		UserID: "user-1", PriorityThreshold: 4, QuietHoursStart: "22:00", QuietHoursEnd: "07:00",
	}))
}

func TestDeliverDeferredKeepsIdsWhenStoreFails(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	deferred := queue.NewDeferred(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:deferred")

	st := store.NewMemory()
	clk := &clock{t: time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)}
	st.Now = clk.now
	flaky := &flakyDeliveryStore{Memory: st, failures: 1}
	m := NewManager(flaky, deferred, testConfig(), nil)
	m.SetClock(clk.now)
	ctx := context.Background()
	quietUser(t, st)

	res, err := m.Create(ctx, request(models.PriorityLow))
	require.NoError(t, err)
	require.Equal(t, OutcomeDeferred, res.Status)

	clk.t = time.Date(2026, 3, 11, 7, 5, 0, 0, time.UTC)
	_, err = m.DeliverDeferred(ctx, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	delivered, err := m.DeliverDeferred(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	notes := st.Notifications("user-1")
	require.Len(t, notes, 1)
	assert.NotNil(t, notes[0].DeliveredAt)
}

func TestCreateDeferredFailsWithoutStoringWhenScheduleFails(t *testing.T) {
	m, st, clk := newManager(t, brokenDeferrer{})
	ctx := context.Background()
	clk.t = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	quietUser(t, st)

	_, err := m.Create(ctx, request(models.PriorityLow))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule deferred delivery")
	assert.Empty(t, st.Notifications("user-1"))
}

func TestCreateAutoEscalatesCritical(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()
	st.AddAdmin("admin-a")
	st.AddAdmin("admin-b")
	st.AddAdmin("user-1")

	req := request(models.PriorityCritical)
	req.AutoEscalate = true
	res, err := m.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Escalated)

	for _, admin := range []string{"admin-a", "admin-b"} {
		got := st.Notifications(admin)
		require.Len(t, got, 1)
		assert.True(t, strings.HasPrefix(got[0].Title, EscalatedPrefix))
	}
	assert.Len(t, st.Notifications("user-1"), 1, "the recipient does not receive an escalated copy")
}

func TestProcessEscalationsIsIdempotent(t *testing.T) {
	m, st, clk := newManager(t, nil)
	ctx := context.Background()
	st.AddAdmin("admin-a")
	st.AddAdmin("admin-b")

	res, err := m.Create(ctx, request(models.PriorityCritical))
	require.NoError(t, err)
	require.Zero(t, res.Escalated)

	report, err := m.ProcessEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Escalated, "not yet past the escalation delay")

	clk.advance(31 * time.Minute)
	report, err = m.ProcessEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)
	require.Len(t, report.Results, 1)
	assert.Equal(t, 2, report.Results[0].AdminsNotified)

	clk.advance(time.Hour)
	report, err = m.ProcessEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Escalated)

	assert.Len(t, st.Notifications("admin-a"), 1)
	assert.Len(t, st.Notifications("admin-b"), 1)
	markers := st.AuditEntries(models.AuditNotificationEscalate)
	require.Len(t, markers, 1)
	assert.Equal(t, res.Notification.ID, markers[0].EntityID)
	assert.EqualValues(t, 2, markers[0].Details["admins_notified"])
}

func TestCleanupExpired(t *testing.T) {
	m, st, clk := newManager(t, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, request(models.PriorityMedium))
	require.NoError(t, err)

	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.advance(31 * 24 * time.Hour)
	n, err = m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, st.Notifications(""))
}

func TestSmartSuggestions(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()

	insert := func(category models.Category, count, acked int) {
		for i := 0; i < count; i++ {
			require.NoError(t, st.InsertNotification(ctx, models.Notification{
				ID:             fmt.Sprintf("%s-%d", category, i),
				UserID:         "user-1",
				Title:          "t",
				Type:           models.NotifyInfo,
				Priority:       models.PriorityMedium,
				Category:       category,
				IsAcknowledged: i < acked,
				CreatedAt:      base.Add(-time.Duration(i+1) * time.Hour),
			}))
		}
	}
	insert(models.CategorySystem, 6, 1)
	insert(models.CategoryClosing, 10, 10)
	insert(models.CategoryCompliance, 3, 0)

	out, err := m.SmartSuggestions(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 19, out.Total)

	kinds := map[string]models.Category{}
	for _, s := range out.Suggestions {
		kinds[s.Kind] = s.Category
	}
	assert.Equal(t, models.CategorySystem, kinds["raise_threshold"])
	assert.Equal(t, models.CategoryClosing, kinds["lower_threshold"])
	assert.NotContains(t, kinds, "broader_filtering")
	assert.Len(t, st.Notifications("user-1"), 19, "suggestions are read-only")
}

func TestSmartSuggestionsHighVolume(t *testing.T) {
	m, st, _ := newManager(t, nil)
	ctx := context.Background()
	for i := 0; i < 330; i++ {
		require.NoError(t, st.InsertNotification(ctx, models.Notification{
			ID:        fmt.Sprintf("n-%d", i),
			UserID:    "user-1",
			Type:      models.NotifyInfo,
			Priority:  models.PriorityLow,
			Category:  models.CategoryIntegration,
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}))
	}
	out, err := m.SmartSuggestions(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 11.0, out.DailyAverage, 0.01)

	var found bool
	for _, s := range out.Suggestions {
		if s.Kind == "broader_filtering" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestQuietHoursWindow(t *testing.T) {
	qh, ok := parseQuietHours("22:00", "07:00")
	require.True(t, ok)
	assert.True(t, qh.contains(23*60))
	assert.True(t, qh.contains(3*60))
	assert.False(t, qh.contains(7*60))
	assert.False(t, qh.contains(12*60))

	day, ok := parseQuietHours("12:00", "13:30")
	require.True(t, ok)
	end, quiet := day.deferUntil(time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC))
	assert.True(t, quiet)
	assert.Equal(t, time.Date(2026, 1, 1, 13, 30, 0, 0, time.UTC), end)

	_, ok = parseQuietHours("", "07:00")
	assert.False(t, ok)
	_, ok = parseQuietHours("08:00", "08:00")
	assert.False(t, ok)
}
