package stress

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closing-automation/internal/config"
	"closing-automation/internal/models"
	"closing-automation/internal/ratelimit"
	"closing-automation/internal/store"
	"closing-automation/internal/worker"
)

func newHarness(t *testing.T, cfg config.StressConfig, limiter Limiter) (*Harness, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	exec := worker.NewExecutor(mem, config.WorkerConfig{}, nil)
	worker.RegisterDefaults(exec, worker.Deps{})
	return NewHarness(exec, mem, limiter, cfg, nil), mem
}

func TestConcurrentRunWritesLog(t *testing.T) {
	h, mem := newHarness(t, config.StressConfig{SampleLimit: 100}, nil)

	res, err := h.Run(context.Background(), Request{TestType: ModeConcurrent, Concurrency: 5})
	require.NoError(t, err)
	assert.Equal(t, ModeConcurrent, res.TestType)
	assert.Len(t, res.Tests, 5)
	assert.Equal(t, 5, res.Summary.TotalTests)
	assert.Equal(t, 5, res.Summary.Passed)
	assert.Zero(t, res.Summary.Failed)
	assert.LessOrEqual(t, res.Summary.MinResponseTime, res.Summary.AvgResponseTime)
	assert.LessOrEqual(t, res.Summary.AvgResponseTime, res.Summary.MaxResponseTime)
	assert.Greater(t, res.Summary.Throughput, 0.0)

	log, err := mem.GetAutomationLog(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Equal(t, models.LogCompleted, log.Status)
	assert.NotNil(t, log.CompletedAt)
	assert.Equal(t, 5, log.RecordsProcessed)
	assert.Equal(t, res.Summary, log.Metadata["summary"])
}

func TestVolumeRunBatchesRecords(t *testing.T) {
	h, _ := newHarness(t, config.StressConfig{SampleLimit: 100}, nil)

	res, err := h.Run(context.Background(), Request{TestType: ModeVolume, DataVolume: 250})
	require.NoError(t, err)
	require.Len(t, res.Tests, 3)
	assert.Equal(t, 3, res.Summary.Passed)
	assert.Equal(t, 100, res.Tests[0].Details["records_processed"])
	assert.Equal(t, 50, res.Tests[2].Details["records_processed"])
}

func TestSampleIsCapped(t *testing.T) {
	h, mem := newHarness(t, config.StressConfig{SampleLimit: 3}, nil)

	res, err := h.Run(context.Background(), Request{TestType: ModeConcurrent, Concurrency: 10})
	require.NoError(t, err)
	assert.Len(t, res.Tests, 3)
	assert.Equal(t, 10, res.Summary.TotalTests)

	log, err := mem.GetAutomationLog(context.Background(), res.LogID)
	require.NoError(t, err)
	assert.Len(t, log.Metadata["sample"], 3)
}

func TestLoadRunIssuesFixedRate(t *testing.T) {
	h, _ := newHarness(t, config.StressConfig{}, nil)

	started := time.Now()
	res, err := h.Run(context.Background(), Request{TestType: ModeLoad, Duration: 1, RequestsPerSecond: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Summary.TotalTests)
	assert.GreaterOrEqual(t, time.Since(started), 700*time.Millisecond)
}

func TestFullRunSurfacesInjectedFailures(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "stress", 3, 0.001, time.Minute)

	h, _ := newHarness(t, config.StressConfig{SampleLimit: 100}, limiter)
	res, err := h.Run(context.Background(), Request{
		TestType:          ModeFull,
		Duration:          1,
		RequestsPerSecond: 2,
		Concurrency:       2,
		DataVolume:        100,
	})
	require.NoError(t, err)
	assert.Equal(t, 9, res.Summary.TotalTests)
	assert.Zero(t, res.Summary.Failed, "%+v", res.Tests)

	byName := map[string]TestResult{}
	for _, tr := range res.Tests {
		byName[tr.Name] = tr
	}
	for _, name := range []string{ScenarioTimeout, ScenarioRateLimit, ScenarioMemoryPressure, ScenarioNetworkError} {
		require.Contains(t, byName, name)
		assert.Equal(t, "resilience", byName[name].Phase)
	}
	assert.Equal(t, 4, byName[ScenarioRateLimit].Details["rejected_after"])
	assert.Contains(t, byName[ScenarioTimeout].Details["observed_error"], "timeout")
}

func TestFullRunWithoutLimiterSkipsRateLimitScenario(t *testing.T) {
	h, _ := newHarness(t, config.StressConfig{}, nil)
	res, err := h.Run(context.Background(), Request{TestType: ModeFull, Duration: 1, RequestsPerSecond: 1, Concurrency: 1, DataVolume: 10})
	require.NoError(t, err)
	for _, tr := range res.Tests {
		assert.NotEqual(t, ScenarioRateLimit, tr.Name)
	}
	assert.Equal(t, 6, res.Summary.TotalTests)
}

func TestInvalidMode(t *testing.T) {
	h, _ := newHarness(t, config.StressConfig{}, nil)
	_, err := h.Run(context.Background(), Request{TestType: "soak"})
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestRequestLimitsAreClamped(t *testing.T) {
	h, _ := newHarness(t, config.StressConfig{MaxDuration: 2 * time.Second, MaxConcurrency: 4, MaxVolume: 500}, nil)
	req := h.normalize(Request{TestType: ModeFull, Duration: 60, Concurrency: 50, DataVolume: 10000})
	assert.Equal(t, 2, req.Duration)
	assert.Equal(t, 4, req.Concurrency)
	assert.Equal(t, 500, req.DataVolume)
	assert.Equal(t, defaultRate, req.RequestsPerSecond)

	h, _ = newHarness(t, config.StressConfig{MaxRequestsPerSecond: 50}, nil)
	req = h.normalize(Request{TestType: ModeLoad, RequestsPerSecond: 2_000_000_000})
	assert.Equal(t, 50, req.RequestsPerSecond)

	h, _ = newHarness(t, config.StressConfig{}, nil)
	req = h.normalize(Request{TestType: ModeLoad, RequestsPerSecond: 2_000_000_000})
	assert.Equal(t, maxRate, req.RequestsPerSecond)
	assert.Positive(t, time.Second/time.Duration(req.RequestsPerSecond))
}

func TestSummarize(t *testing.T) {
	s := summarize([]TestResult{
		{Success: true, ResponseTime: 10},
		{Success: false, ResponseTime: 30},
		{Success: true, ResponseTime: 20},
	}, 2*time.Second)
	assert.Equal(t, Summary{
		TotalTests:      3,
		Passed:          2,
		Failed:          1,
		AvgResponseTime: 20,
		MaxResponseTime: 30,
		MinResponseTime: 10,
		Throughput:      1.5,
	}, s)

	assert.Equal(t, Summary{}, summarize(nil, time.Second))
}
