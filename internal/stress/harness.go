// Package stress drives synthetic probe tasks through the executor under
// load, concurrency, volume and injected-failure conditions.
package stress

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/ratelimit"
	"closing-automation/internal/recovery"
	"closing-automation/internal/telemetry"
	"closing-automation/internal/worker"
)

// Mode selects which phases a run executes.
type Mode string

const (
	ModeLoad       Mode = "load"
	ModeConcurrent Mode = "concurrent"
	ModeVolume     Mode = "volume"
	ModeFull       Mode = "full"
)

// Resilience scenarios injected by a full run.
const (
	ScenarioTimeout        = "timeout"
	ScenarioRateLimit      = "rate_limit"
	ScenarioMemoryPressure = "memory_pressure"
	ScenarioNetworkError   = "network_error"
)

// ErrInvalidMode is returned for an unknown testType.
var ErrInvalidMode = errors.New("invalid test type")

const (
	defaultDuration    = 10
	defaultRate        = 10
	maxRate            = 1000000
	defaultConcurrency = 10
	defaultVolume      = 1000
	defaultInFlight    = 64
	volumeBatch        = 100
	rateLimitAttempts  = 1000
	pressureChunk      = 1 << 20
	maxPressureBytes   = 64 << 20
)

// Request is the stress-test invocation input. Duration is in seconds.
type Request struct {
	TestType          Mode `json:"testType"`
	Duration          int  `json:"duration,omitempty"`
	RequestsPerSecond int  `json:"requestsPerSecond,omitempty"`
	Concurrency       int  `json:"concurrency,omitempty"`
	DataVolume        int  `json:"dataVolume,omitempty"`
}

// TestResult is one synthetic attempt.
type TestResult struct {
	Name         string         `json:"name"`
	Phase        string         `json:"phase"`
	Success      bool           `json:"success"`
	ResponseTime float64        `json:"responseTime"`
	Error        string         `json:"error,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Summary aggregates every attempt of a run. Times are in milliseconds and
// throughput in attempts per second.
type Summary struct {
	TotalTests      int     `json:"totalTests"`
	Passed          int     `json:"passed"`
	Failed          int     `json:"failed"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	MaxResponseTime float64 `json:"maxResponseTime"`
	MinResponseTime float64 `json:"minResponseTime"`
	Throughput      float64 `json:"throughput"`
}

// Results is a run's response. Tests holds at most the configured sample.
type Results struct {
	TestType Mode         `json:"testType"`
	LogID    string       `json:"logId"`
	Tests    []TestResult `json:"tests"`
	Summary  Summary      `json:"summary"`
}

// Runner executes one task. *worker.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, task models.Task) worker.Outcome
}

// LogStore records the run's automation log.
type LogStore interface {
	CreateAutomationLog(ctx context.Context, l models.AutomationLog) error
	UpdateAutomationLog(ctx context.Context, l models.AutomationLog) error
}

// Limiter is the rate limiter probed by the rate_limit scenario.
type Limiter interface {
	Allow(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Harness runs stress tests.
type Harness struct {
	runner  Runner
	logs    LogStore
	limiter Limiter
	cfg     config.StressConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewHarness builds a harness. limiter may be nil, in which case the
// rate_limit scenario is not run.
func NewHarness(runner Runner, logs LogStore, limiter Limiter, cfg config.StressConfig, logger *zap.Logger) *Harness {
	return &Harness{
		runner:  runner,
		logs:    logs,
		limiter: limiter,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("stress"),
		now:     time.Now,
	}
}

type collector struct {
	mu    sync.Mutex
	tests []TestResult
}

func (c *collector) add(r TestResult) {
	c.mu.Lock()
	c.tests = append(c.tests, r)
	c.mu.Unlock()
}

// Run executes the phases selected by req and writes one automation log
// that moves from running to completed.
func (h *Harness) Run(ctx context.Context, req Request) (Results, error) {
	switch req.TestType {
	case ModeLoad, ModeConcurrent, ModeVolume, ModeFull:
	default:
		return Results{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.TestType)
	}
	req = h.normalize(req)

	ctx, span := telemetry.Tracer().Start(ctx, "stress.run")
	span.SetAttributes(attribute.String("stress.test_type", string(req.TestType)))
	defer span.End()

	started := h.now()
	log := models.AutomationLog{
		ID:        uuid.NewString(),
		Status:    models.LogRunning,
		StartedAt: started,
		Metadata:  map[string]any{"kind": "stress_test", "test_type": string(req.TestType)},
	}
	if err := h.logs.CreateAutomationLog(ctx, log); err != nil {
		return Results{}, fmt.Errorf("create stress log: %w", err)
	}
	h.logger.Info("stress run started", zap.String("log_id", log.ID), zap.String("test_type", string(req.TestType)))

	c := &collector{}
	var runErr error
	switch req.TestType {
	case ModeLoad:
		runErr = h.load(ctx, req, c)
	case ModeConcurrent:
		runErr = h.concurrent(ctx, req, c)
	case ModeVolume:
		runErr = h.volume(ctx, req, c)
	case ModeFull:
		for _, phase := range []func(context.Context, Request, *collector) error{h.load, h.concurrent, h.volume, h.resilience} {
			if runErr = phase(ctx, req, c); runErr != nil {
				break
			}
		}
	}

	elapsed := h.now().Sub(started)
	summary := summarize(c.tests, elapsed)
	sample := c.tests
	if h.cfg.SampleLimit > 0 && len(sample) > h.cfg.SampleLimit {
		sample = sample[:h.cfg.SampleLimit]
	}

	completed := h.now()
	log.Status = models.LogCompleted
	log.CompletedAt = &completed
	log.DurationMS = elapsed.Milliseconds()
	log.RecordsProcessed = summary.TotalTests
	log.Metadata = map[string]any{
		"kind":      "stress_test",
		"test_type": string(req.TestType),
		"summary":   summary,
		"sample":    sample,
	}
	if runErr != nil {
		msg := runErr.Error()
		log.Status = models.LogFailed
		log.ErrorMessage = &msg
	}
	if err := h.logs.UpdateAutomationLog(context.WithoutCancel(ctx), log); err != nil {
		h.logger.Error("update stress log", zap.String("log_id", log.ID), zap.Error(err))
	}

	h.logger.Info("stress run finished",
		zap.String("log_id", log.ID),
		zap.Int("total", summary.TotalTests),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", elapsed))

	res := Results{TestType: req.TestType, LogID: log.ID, Tests: sample, Summary: summary}
	return res, runErr
}

func (h *Harness) normalize(req Request) Request {
	if req.Duration <= 0 {
		req.Duration = defaultDuration
	}
	if h.cfg.MaxDuration > 0 && time.Duration(req.Duration)*time.Second > h.cfg.MaxDuration {
		req.Duration = int(h.cfg.MaxDuration / time.Second)
	}
	if req.RequestsPerSecond <= 0 {
		req.RequestsPerSecond = defaultRate
	}
	if h.cfg.MaxRequestsPerSecond > 0 && req.RequestsPerSecond > h.cfg.MaxRequestsPerSecond {
		req.RequestsPerSecond = h.cfg.MaxRequestsPerSecond
	}
	// Keeps the load ticker interval positive.
	if req.RequestsPerSecond > maxRate {
		req.RequestsPerSecond = maxRate
	}
	if req.Concurrency <= 0 {
		req.Concurrency = defaultConcurrency
	}
	if h.cfg.MaxConcurrency > 0 && req.Concurrency > h.cfg.MaxConcurrency {
		req.Concurrency = h.cfg.MaxConcurrency
	}
	if req.DataVolume <= 0 {
		req.DataVolume = defaultVolume
	}
	if h.cfg.MaxVolume > 0 && req.DataVolume > h.cfg.MaxVolume {
		req.DataVolume = h.cfg.MaxVolume
	}
	return req
}

// load issues probes at a fixed rate for the requested duration.
func (h *Harness) load(ctx context.Context, req Request, c *collector) error {
	total := req.Duration * req.RequestsPerSecond
	ticker := time.NewTicker(time.Second / time.Duration(req.RequestsPerSecond))
	defer ticker.Stop()

	limit := int64(h.cfg.MaxConcurrency)
	if limit <= 0 {
		limit = defaultInFlight
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < total; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		name := fmt.Sprintf("load-%d", i+1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()
			c.add(h.probe(ctx, name, "load", map[string]any{}))
		}()
	}
	return nil
}

// concurrent releases all probes at once.
func (h *Harness) concurrent(ctx context.Context, req Request, c *collector) error {
	start := make(chan struct{})
	var g errgroup.Group
	for i := 0; i < req.Concurrency; i++ {
		name := fmt.Sprintf("concurrent-%d", i+1)
		g.Go(func() error {
			select {
			case <-start:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.add(h.probe(ctx, name, "concurrent", map[string]any{}))
			return nil
		})
	}
	close(start)
	return g.Wait()
}

// volume processes DataVolume synthetic records in fixed-size batches.
func (h *Harness) volume(ctx context.Context, req Request, c *collector) error {
	for offset, batch := 0, 1; offset < req.DataVolume; offset, batch = offset+volumeBatch, batch+1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := min(volumeBatch, req.DataVolume-offset)
		r := h.probe(ctx, fmt.Sprintf("volume-batch-%d", batch), "volume", map[string]any{"records": size})
		if r.Success && r.Details["records_processed"] != size {
			r.Success = false
			r.Error = fmt.Sprintf("processed %v of %d records", r.Details["records_processed"], size)
		}
		c.add(r)
	}
	return nil
}

// resilience injects failures and records whether each was surfaced cleanly.
func (h *Harness) resilience(ctx context.Context, req Request, c *collector) error {
	c.add(h.timeoutScenario(ctx))
	if h.limiter != nil {
		c.add(h.rateLimitScenario(ctx))
	}
	c.add(h.memoryPressureScenario(ctx, req))
	c.add(h.networkErrorScenario(ctx))
	return nil
}

func (h *Harness) timeoutScenario(ctx context.Context) TestResult {
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	r := h.probe(tctx, ScenarioTimeout, "resilience", map[string]any{"latency_ms": 500})
	surfaced := !r.Success && strings.Contains(r.Error, "timeout")
	return scenarioResult(r, surfaced, "probe outlived its deadline without a timeout error")
}

func (h *Harness) rateLimitScenario(ctx context.Context) TestResult {
	caller := "stress:" + uuid.NewString()
	started := time.Now()
	r := TestResult{Name: ScenarioRateLimit, Phase: "resilience"}
	for i := 1; i <= rateLimitAttempts; i++ {
		d, err := h.limiter.Allow(ctx, caller)
		if err != nil {
			r.Error = err.Error()
			break
		}
		if !d.Allowed {
			r.Success = true
			r.Details = map[string]any{"rejected_after": i}
			break
		}
	}
	if !r.Success && r.Error == "" {
		r.Error = fmt.Sprintf("no rejection after %d requests", rateLimitAttempts)
	}
	r.ResponseTime = millis(time.Since(started))
	return r
}

func (h *Harness) memoryPressureScenario(ctx context.Context, req Request) TestResult {
	size := min(req.DataVolume*1024, maxPressureBytes)
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	ballast := make([][]byte, 0, size/pressureChunk+1)
	for remaining := size; remaining > 0; remaining -= pressureChunk {
		ballast = append(ballast, make([]byte, min(pressureChunk, remaining)))
	}
	r := h.probe(ctx, ScenarioMemoryPressure, "resilience", map[string]any{"records": req.DataVolume})
	runtime.ReadMemStats(&after)
	runtime.KeepAlive(ballast)
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	r.Details["ballast_bytes"] = size
	r.Details["heap_alloc_delta"] = int64(after.HeapAlloc) - int64(before.HeapAlloc)
	return r
}

func (h *Harness) networkErrorScenario(ctx context.Context) TestResult {
	r := h.probe(ctx, ScenarioNetworkError, "resilience", map[string]any{"fail_with": "network error: connection reset by peer"})
	surfaced := !r.Success && recovery.IsRetryable(r.Error)
	return scenarioResult(r, surfaced, "network failure was not reported as a retryable error")
}

// scenarioResult turns an expected failure into a pass.
func scenarioResult(r TestResult, surfaced bool, reason string) TestResult {
	observed := r.Error
	r.Success = surfaced
	r.Error = ""
	if !surfaced {
		r.Error = reason
	}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	r.Details["observed_error"] = observed
	return r
}

func (h *Harness) probe(ctx context.Context, name, phase string, params map[string]any) TestResult {
	task := models.Task{
		ID:          uuid.NewString(),
		ProcessType: models.ProcessStressProbe,
		Priority:    5,
		Parameters:  params,
		Status:      models.TaskRunning,
		CreatedAt:   h.now(),
	}
	out := h.runner.Execute(ctx, task)
	return TestResult{
		Name:         name,
		Phase:        phase,
		Success:      out.Success,
		ResponseTime: millis(out.Duration),
		Error:        out.Error,
		Details:      map[string]any{"records_processed": out.RecordsProcessed},
	}
}

func summarize(tests []TestResult, elapsed time.Duration) Summary {
	s := Summary{TotalTests: len(tests)}
	if len(tests) == 0 {
		return s
	}
	times := make([]float64, 0, len(tests))
	var sum float64
	for _, t := range tests {
		if t.Success {
			s.Passed++
		} else {
			s.Failed++
		}
		sum += t.ResponseTime
		times = append(times, t.ResponseTime)
	}
	sort.Float64s(times)
	s.MinResponseTime = times[0]
	s.MaxResponseTime = times[len(times)-1]
	s.AvgResponseTime = sum / float64(len(tests))
	if elapsed > 0 {
		s.Throughput = float64(len(tests)) / elapsed.Seconds()
	}
	return s
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
