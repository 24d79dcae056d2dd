// Package scheduler triggers the periodic recovery, escalation and cleanup
// sweeps on cron schedules, each guarded by an advisory lock.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/notify"
	"closing-automation/internal/recovery"
	"closing-automation/internal/telemetry"
)

// Sweep names, also used as advisory lock keys.
const (
	SweepEscalations     = "process_escalations"
	SweepDeliverDeferred = "deliver_deferred"
	SweepCleanupExpired  = "cleanup_expired"
)

const deliverBatch = 500

// Locker runs fn only when no other replica holds the named lock.
type Locker interface {
	TryRun(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// Recovery is the recovery engine surface the sweeps call.
type Recovery interface {
	Dispatch(ctx context.Context, req recovery.Request) (recovery.Report, error)
}

// Notifications is the notification manager surface the sweeps call.
type Notifications interface {
	ProcessEscalations(ctx context.Context) (notify.EscalationReport, error)
	CleanupExpired(ctx context.Context) (int, error)
	DeliverDeferred(ctx context.Context, limit int64) (int, error)
}

// Job is one named sweep on a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Jobs builds the standard sweep set from the schedule config. A sweep with
// an empty spec is disabled.
func Jobs(cfg config.ScheduleConfig, rec Recovery, notes Notifications, logger *zap.Logger) []Job {
	logger = logging.OrNop(logger)
	recoveryJob := func(action string) func(context.Context) error {
		return func(ctx context.Context) error {
			report, err := rec.Dispatch(ctx, recovery.Request{Action: action})
			if err != nil {
				return err
			}
			logger.Info("recovery sweep", zap.String("action", action), zap.Int("affected", report.Affected), zap.Int("errors", len(report.Errors)))
			return nil
		}
	}

	all := []Job{
		{Name: recovery.ActionRecoverStuck, Spec: cfg.RecoverStuck, Run: recoveryJob(recovery.ActionRecoverStuck)},
		{Name: recovery.ActionRetryFailed, Spec: cfg.RetryFailed, Run: recoveryJob(recovery.ActionRetryFailed)},
		{Name: recovery.ActionRequeueStale, Spec: cfg.RequeueStale, Run: recoveryJob(recovery.ActionRequeueStale)},
		{Name: recovery.ActionCleanup, Spec: cfg.CleanupOrphaned, Run: recoveryJob(recovery.ActionCleanup)},
		{Name: SweepEscalations, Spec: cfg.Escalations, Run: func(ctx context.Context) error {
			report, err := notes.ProcessEscalations(ctx)
			if err != nil {
				return err
			}
			logger.Info("escalation sweep", zap.Int("checked", report.Checked), zap.Int("escalated", report.Escalated))
			return nil
		}},
		{Name: SweepDeliverDeferred, Spec: cfg.DeliverDeferred, Run: func(ctx context.Context) error {
			n, err := notes.DeliverDeferred(ctx, deliverBatch)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("deferred notifications delivered", zap.Int("count", n))
			}
			return nil
		}},
		{Name: SweepCleanupExpired, Spec: cfg.CleanupExpired, Run: func(ctx context.Context) error {
			n, err := notes.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			logger.Info("expired notifications removed", zap.Int("count", n))
			return nil
		}},
	}
	jobs := all[:0]
	for _, j := range all {
		if j.Spec != "" {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

// New builds a scheduler. locker may be nil for a single-replica deployment.
func New(locker Locker, logger *zap.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		locker: locker,
		logger: logging.OrNop(logger).Named("scheduler"),
		jobs:   make(map[string]Job),
	}
}

// Add registers job under ctx. It fails on a malformed spec or duplicate name.
func (s *Scheduler) Add(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("duplicate sweep %q", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.RunJob(ctx, job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = job
	return nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Trigger runs a registered job immediately.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sweep %q", name)
	}
	s.RunJob(ctx, job)
	return nil
}

// RunJob executes job under its lock and records the outcome.
func (s *Scheduler) RunJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	run := job.Run
	if s.locker == nil {
		s.finish(job.Name, true, run(ctx))
		return
	}
	ran, err := s.locker.TryRun(ctx, job.Name, run)
	s.finish(job.Name, ran, err)
}

func (s *Scheduler) finish(name string, ran bool, err error) {
	switch {
	case err != nil:
		telemetry.SweepRuns.WithLabelValues(name, "error").Inc()
		s.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
	case !ran:
		telemetry.SweepRuns.WithLabelValues(name, "locked").Inc()
		s.logger.Debug("sweep held by another replica", zap.String("sweep", name))
	default:
		telemetry.SweepRuns.WithLabelValues(name, "ok").Inc()
	}
}
