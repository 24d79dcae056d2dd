package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closing-automation/internal/config"
	"closing-automation/internal/models"
	"closing-automation/internal/notify"
	"closing-automation/internal/queue"
	"closing-automation/internal/ratelimit"
	"closing-automation/internal/recovery"
	"closing-automation/internal/store"
	"closing-automation/internal/stress"
	"closing-automation/internal/worker"
)

type testEnv struct {
	srv *httptest.Server
	mem *store.Memory
	dlq *queue.DeadLetter
}

func newTestEnv(t *testing.T, rateCapacity int) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Defaults()
	mem := store.NewMemory()
	exec := worker.NewExecutor(mem, cfg.Worker, nil)
	worker.RegisterDefaults(exec, worker.Deps{})
	dlq := queue.NewDeadLetter(client, "")
	notes := notify.NewManager(mem, nil, cfg.Notification, nil)

	deps := Deps{
		Tasks:         mem,
		Worker:        worker.NewProcessor(mem, exec, dlq, cfg.Worker, nil),
		Recovery:      recovery.NewEngine(mem, notes, dlq, cfg.Recovery, nil),
		Notifications: notes,
		Stress:        stress.NewHarness(exec, mem, nil, cfg.Stress, nil),
		DLQ:           dlq,
	}
	if rateCapacity > 0 {
		deps.Limiter = ratelimit.NewTokenBucket(client, "api", rateCapacity, 0.001, time.Minute)
	}
	srv := httptest.NewServer(New(cfg, deps, nil).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mem: mem, dlq: dlq}
}

func (e *testEnv) post(t *testing.T, path string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, 0)
	var body map[string]string
	assert.Equal(t, http.StatusOK, env.get(t, "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestEnqueueAndGetTask(t *testing.T) {
	env := newTestEnv(t, 0)

	var created struct {
		Task models.Task `json:"task"`
	}
	code := env.post(t, "/tasks", map[string]any{
		"process_type": "daily_accounting",
		"priority":     2,
		"parameters":   map[string]any{"date": "2026-04-30"},
	}, &created)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.TaskPending, created.Task.Status)
	assert.Equal(t, 2, created.Task.Priority)
	assert.Equal(t, 3, created.Task.MaxRetries)

	var fetched models.Task
	require.Equal(t, http.StatusOK, env.get(t, "/tasks/"+created.Task.ID, &fetched))
	assert.Equal(t, created.Task.ID, fetched.ID)

	assert.Equal(t, http.StatusNotFound, env.get(t, "/tasks/missing", nil))

	var stats struct {
		Counts map[models.TaskStatus]int64 `json:"counts"`
	}
	require.Equal(t, http.StatusOK, env.get(t, "/stats/tasks", &stats))
	assert.Equal(t, int64(1), stats.Counts[models.TaskPending])
}

func TestEnqueueKeepsExplicitZeroes(t *testing.T) {
	env := newTestEnv(t, 0)

	var created struct {
		Task models.Task `json:"task"`
	}
	code := env.post(t, "/tasks", map[string]any{
		"process_type": "backup",
		"priority":     0,
		"max_retries":  0,
	}, &created)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 0, created.Task.Priority)
	assert.Equal(t, 0, created.Task.MaxRetries)

	var defaulted struct {
		Task models.Task `json:"task"`
	}
	require.Equal(t, http.StatusAccepted, env.post(t, "/tasks", map[string]any{"process_type": "backup"}, &defaulted))
	assert.Equal(t, 5, defaulted.Task.Priority)
	assert.Equal(t, 3, defaulted.Task.MaxRetries)

	var body map[string]any
	code = env.post(t, "/tasks", map[string]any{"process_type": "backup", "max_retries": -1}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEnqueueRejectsUnknownProcessType(t *testing.T) {
	env := newTestEnv(t, 0)
	var body map[string]any
	code := env.post(t, "/tasks", map[string]any{"process_type": "resize_image"}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], `unknown process type "resize_image"`)

	resp, err := http.Post(env.srv.URL+"/tasks", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerInvocationProcessesQueue(t *testing.T) {
	env := newTestEnv(t, 0)
	code := env.post(t, "/tasks", map[string]any{
		"process_type": "daily_accounting",
		"parameters": map[string]any{"entries": []map[string]any{
			{"side": "debit", "amount": 125.5},
			{"side": "credit", "amount": 125.5},
		}},
	}, nil)
	require.Equal(t, http.StatusAccepted, code)

	var res worker.InvocationResult
	require.Equal(t, http.StatusOK, env.post(t, "/functions/worker", map[string]any{}, &res))
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.WorkerID)
	require.Equal(t, 1, res.TasksProcessed)
	assert.Equal(t, "completed", res.ProcessedTasks[0].Status)
	assert.Equal(t, models.ProcessDailyAccounting, res.ProcessedTasks[0].ProcessType)

	tasks := env.mem.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
}

func TestRecoveryInvocation(t *testing.T) {
	env := newTestEnv(t, 0)

	var body map[string]any
	require.Equal(t, http.StatusOK, env.post(t, "/functions/recovery", map[string]any{"action": "recover_stuck_closings", "max_age_hours": 2}, &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "recover_stuck_closings", body["action"])
	assert.EqualValues(t, 0, body["affected"])
	assert.NotNil(t, body["results"])

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/functions/recovery", map[string]any{"action": "reboot"}, nil))
}

func TestNotificationInvocations(t *testing.T) {
	env := newTestEnv(t, 0)

	var created struct {
		Success bool          `json:"success"`
		Result  notify.Result `json:"result"`
	}
	req := map[string]any{
		"action":    "create_notification",
		"user_id":   "u1",
		"title":     "Close blocked",
		"message":   "Bank reconciliation failed",
		"type":      "error",
		"priority":  2,
		"category":  "closing",
		"source_id": "closing-1",
	}
	require.Equal(t, http.StatusOK, env.post(t, "/functions/notifications", req, &created))
	assert.True(t, created.Success)
	assert.Equal(t, notify.OutcomeCreated, created.Result.Status)

	req["priority"] = 1
	require.Equal(t, http.StatusOK, env.post(t, "/functions/notifications", req, &created))
	assert.Equal(t, notify.OutcomeConsolidated, created.Result.Status)
	require.Len(t, env.mem.Notifications("u1"), 1)
	assert.Equal(t, 1, env.mem.Notifications("u1")[0].Priority)

	var bad map[string]any
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/functions/notifications", map[string]any{"action": "create_notification", "title": "x"}, &bad))
	assert.Contains(t, bad["error"], "user_id is required")

	var sugg map[string]any
	require.Equal(t, http.StatusOK, env.post(t, "/functions/notifications", map[string]any{"action": "get_smart_suggestions", "user_id": "u1"}, &sugg))
	assert.Equal(t, true, sugg["success"])
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/functions/notifications", map[string]any{"action": "get_smart_suggestions"}, nil))

	for _, action := range []string{"process_escalations", "cleanup_expired", "deliver_deferred"} {
		assert.Equal(t, http.StatusOK, env.post(t, "/functions/notifications", map[string]any{"action": action}, nil), action)
	}
	assert.Equal(t, http.StatusBadRequest, env.post(t, "/functions/notifications", map[string]any{"action": "broadcast"}, nil))
}

func TestStressInvocation(t *testing.T) {
	env := newTestEnv(t, 0)

	var body struct {
		Success bool           `json:"success"`
		Results stress.Results `json:"results"`
	}
	require.Equal(t, http.StatusOK, env.post(t, "/functions/stress", map[string]any{"testType": "concurrent", "concurrency": 3}, &body))
	assert.True(t, body.Success)
	assert.Equal(t, 3, body.Results.Summary.TotalTests)
	assert.Equal(t, 3, body.Results.Summary.Passed)

	assert.Equal(t, http.StatusBadRequest, env.post(t, "/functions/stress", map[string]any{"testType": "soak"}, nil))
}

func TestDLQPeek(t *testing.T) {
	env := newTestEnv(t, 0)
	require.NoError(t, env.dlq.Push(context.Background(), "task-1"))
	require.NoError(t, env.dlq.Push(context.Background(), "task-2"))

	var body struct {
		Items []string `json:"items"`
	}
	require.Equal(t, http.StatusOK, env.get(t, "/dlq", &body))
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, body.Items)
}

func TestRateLimitPerCaller(t *testing.T) {
	env := newTestEnv(t, 2)
	send := func(caller string) int {
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/functions/worker", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
		req.Header.Set("X-Caller-ID", caller)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send("scheduler"))
	assert.Equal(t, http.StatusOK, send("scheduler"))
	assert.Equal(t, http.StatusTooManyRequests, send("scheduler"))
	assert.Equal(t, http.StatusOK, send("admin-ui"))

	assert.Equal(t, http.StatusOK, env.get(t, "/healthz", nil), "health is not rate limited")
}
