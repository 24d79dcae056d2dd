package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closing-automation/internal/config"
	"closing-automation/internal/notify"
	"closing-automation/internal/recovery"
	"closing-automation/internal/telemetry"
)

type fakeRecovery struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (f *fakeRecovery) Dispatch(_ context.Context, req recovery.Request) (recovery.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, req.Action)
	return recovery.Report{Action: req.Action}, f.err
}

type fakeNotifications struct {
	escalations, cleanups int
	deliverLimit          int64
}

func (f *fakeNotifications) ProcessEscalations(context.Context) (notify.EscalationReport, error) {
	f.escalations++
	return notify.EscalationReport{}, nil
}

func (f *fakeNotifications) CleanupExpired(context.Context) (int, error) {
	f.cleanups++
	return 0, nil
}

func (f *fakeNotifications) DeliverDeferred(_ context.Context, limit int64) (int, error) {
	f.deliverLimit = limit
	return 0, nil
}

type fakeLocker struct {
	held map[string]bool
	runs []string
}

func (l *fakeLocker) TryRun(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	if l.held[name] {
		return false, nil
	}
	l.runs = append(l.runs, name)
	return true, fn(ctx)
}

func TestJobsFromDefaults(t *testing.T) {
	jobs := Jobs(config.Defaults().Schedule, &fakeRecovery{}, &fakeNotifications{}, nil)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{
		recovery.ActionRecoverStuck,
		recovery.ActionRetryFailed,
		recovery.ActionRequeueStale,
		recovery.ActionCleanup,
		SweepEscalations,
		SweepDeliverDeferred,
		SweepCleanupExpired,
	}, names)
}

func TestJobsSkipsEmptySpecs(t *testing.T) {
	cfg := config.Defaults().Schedule
	cfg.CleanupOrphaned = ""
	cfg.DeliverDeferred = ""
	jobs := Jobs(cfg, &fakeRecovery{}, &fakeNotifications{}, nil)
	assert.Len(t, jobs, 5)
}

func TestTriggerRunsUnderLock(t *testing.T) {
	rec := &fakeRecovery{}
	notes := &fakeNotifications{}
	locker := &fakeLocker{held: map[string]bool{SweepCleanupExpired: true}}
	s := New(locker, nil)
	ctx := context.Background()
	for _, j := range Jobs(config.Defaults().Schedule, rec, notes, nil) {
		require.NoError(t, s.Add(ctx, j))
	}

	require.NoError(t, s.Trigger(ctx, recovery.ActionRecoverStuck))
	require.NoError(t, s.Trigger(ctx, SweepEscalations))
	require.NoError(t, s.Trigger(ctx, SweepDeliverDeferred))
	require.NoError(t, s.Trigger(ctx, SweepCleanupExpired))

	assert.Equal(t, []string{recovery.ActionRecoverStuck}, rec.actions)
	assert.Equal(t, 1, notes.escalations)
	assert.Equal(t, int64(deliverBatch), notes.deliverLimit)
	assert.Zero(t, notes.cleanups, "locked sweep must not run")
	assert.Equal(t, []string{recovery.ActionRecoverStuck, SweepEscalations, SweepDeliverDeferred}, locker.runs)

	assert.Error(t, s.Trigger(ctx, "nope"))
}

func TestSweepOutcomesAreCounted(t *testing.T) {
	rec := &fakeRecovery{err: errors.New("db down")}
	s := New(nil, nil)
	ctx := context.Background()
	for _, j := range Jobs(config.Defaults().Schedule, rec, &fakeNotifications{}, nil) {
		require.NoError(t, s.Add(ctx, j))
	}

	errBefore := testutil.ToFloat64(telemetry.SweepRuns.WithLabelValues(recovery.ActionRetryFailed, "error"))
	okBefore := testutil.ToFloat64(telemetry.SweepRuns.WithLabelValues(SweepEscalations, "ok"))
	require.NoError(t, s.Trigger(ctx, recovery.ActionRetryFailed))
	require.NoError(t, s.Trigger(ctx, SweepEscalations))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(telemetry.SweepRuns.WithLabelValues(recovery.ActionRetryFailed, "error")))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(telemetry.SweepRuns.WithLabelValues(SweepEscalations, "ok")))
}

func TestAddRejectsBadSpecAndDuplicates(t *testing.T) {
	s := New(nil, nil)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(ctx, Job{Name: "bad", Spec: "not a cron", Run: noop}))
	require.NoError(t, s.Add(ctx, Job{Name: "hourly", Spec: "@hourly", Run: noop}))
	assert.Error(t, s.Add(ctx, Job{Name: "hourly", Spec: "0 * * * *", Run: noop}))
}

func TestCronFiresJobs(t *testing.T) {
	s := New(nil, nil)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add(context.Background(), Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}}))
	s.Start()
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestRunJobSkipsCancelledContext(t *testing.T) {
	rec := &fakeRecovery{}
	s := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunJob(ctx, Jobs(config.Defaults().Schedule, rec, &fakeNotifications{}, nil)[0])
	assert.Empty(t, rec.actions)
}
