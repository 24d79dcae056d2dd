package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/notify"
	"closing-automation/internal/ratelimit"
	"closing-automation/internal/recovery"
	"closing-automation/internal/store"
	"closing-automation/internal/stress"
	"closing-automation/internal/telemetry"
	"closing-automation/internal/worker"
)

// TaskStore enqueues and reads tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
	CountTasks(ctx context.Context) (map[models.TaskStatus]int64, error)
}

// Worker runs one bounded Worker Loop invocation.
type Worker interface {
	RunBatch(ctx context.Context) (worker.InvocationResult, error)
}

// Recovery dispatches recovery actions.
type Recovery interface {
	Dispatch(ctx context.Context, req recovery.Request) (recovery.Report, error)
}

// Notifications is the notification manager surface exposed over HTTP.
type Notifications interface {
	Create(ctx context.Context, req notify.Request) (notify.Result, error)
	ProcessEscalations(ctx context.Context) (notify.EscalationReport, error)
	CleanupExpired(ctx context.Context) (int, error)
	SmartSuggestions(ctx context.Context, userID string) (notify.Suggestions, error)
	DeliverDeferred(ctx context.Context, limit int64) (int, error)
}

// Stress runs stress tests.
type Stress interface {
	Run(ctx context.Context, req stress.Request) (stress.Results, error)
}

// DeadLetter exposes the dead-letter list.
type DeadLetter interface {
	Peek(ctx context.Context, count int64) ([]string, error)
}

// Limiter rate limits callers.
type Limiter interface {
	Allow(ctx context.Context, caller string) (ratelimit.Decision, error)
}

// Deps are the collaborators behind each route. Nil members disable their
// routes with 503.
type Deps struct {
	Tasks         TaskStore
	Worker        Worker
	Recovery      Recovery
	Notifications Notifications
	Stress        Stress
	DLQ           DeadLetter
	Limiter       Limiter
	Ping          func(ctx context.Context) error
}

// Server wires HTTP handlers for the invocation API.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logging.OrNop(logger).Named("api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/stats/tasks", s.handleTaskStats)
	r.Get("/dlq", s.handleDLQ)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/tasks", s.handleEnqueue)
		r.Post("/functions/worker", s.handleWorker)
		r.Post("/functions/recovery", s.handleRecovery)
		r.Post("/functions/notifications", s.handleNotifications)
		r.Post("/functions/stress", s.handleStress)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	ProcessType  models.ProcessType `json:"process_type"`
	ClientID     string             `json:"client_id"`
	Priority     *int               `json:"priority"`
	Parameters   map[string]any     `json:"parameters"`
	MaxRetries   *int               `json:"max_retries"`
	ScheduledAt  *time.Time         `json:"scheduled_at"`
	DelaySeconds int                `json:"delay_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !req.ProcessType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown process type %q", req.ProcessType))
		return
	}
	priority, maxRetries := s.cfg.Worker.DefaultPriority, s.cfg.Worker.DefaultMaxRetries
	if req.Priority != nil {
		priority = *req.Priority
	}
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if priority < 0 || maxRetries < 0 {
		writeError(w, http.StatusBadRequest, "priority and max_retries must not be negative")
		return
	}
	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	if req.DelaySeconds > 0 {
		scheduledAt = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	task, err := s.deps.Tasks.CreateTask(r.Context(), store.CreateTaskParams{
		ProcessType: req.ProcessType,
		ClientID:    req.ClientID,
		Priority:    priority,
		Parameters:  req.Parameters,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		s.logger.Error("enqueue task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.TasksEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	task, err := s.deps.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	counts, err := s.deps.Tasks.CountTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.DLQ == nil {
		writeError(w, http.StatusServiceUnavailable, "dead-letter list not configured")
		return
	}
	count := int64(100)
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			count = n
		}
	}
	items, err := s.deps.DLQ.Peek(r.Context(), count)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker not configured")
		return
	}
	res, err := s.deps.Worker.RunBatch(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type recoveryResponse struct {
	Success bool `json:"success"`
	recovery.Report
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		writeError(w, http.StatusServiceUnavailable, "recovery not configured")
		return
	}
	var req recovery.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	report, err := s.deps.Recovery.Dispatch(r.Context(), req)
	switch {
	case errors.Is(err, recovery.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("recovery invocation", zap.String("action", req.Action), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, recoveryResponse{Success: true, Report: report})
	}
}

// Notification actions.
const (
	actionCreate      = "create_notification"
	actionEscalations = "process_escalations"
	actionCleanup     = "cleanup_expired"
	actionSuggestions = "get_smart_suggestions"
	actionDeliver     = "deliver_deferred"
)

type notificationInvocation struct {
	Action string `json:"action"`
	Limit  int64  `json:"limit,omitempty"`
	notify.Request
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "notifications not configured")
		return
	}
	var req notificationInvocation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ctx := r.Context()
	var (
		payload any
		err     error
	)
	switch req.Action {
	case actionCreate:
		payload, err = s.deps.Notifications.Create(ctx, req.Request)
	case actionEscalations:
		payload, err = s.deps.Notifications.ProcessEscalations(ctx)
	case actionCleanup:
		var n int
		n, err = s.deps.Notifications.CleanupExpired(ctx)
		payload = map[string]int{"deleted": n}
	case actionSuggestions:
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "user_id is required")
			return
		}
		payload, err = s.deps.Notifications.SmartSuggestions(ctx, req.UserID)
	case actionDeliver:
		limit := req.Limit
		if limit <= 0 {
			limit = 500
		}
		var n int
		n, err = s.deps.Notifications.DeliverDeferred(ctx, limit)
		payload = map[string]int{"delivered": n}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown notification action %q", req.Action))
		return
	}
	switch {
	case errors.Is(err, notify.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("notification invocation", zap.String("action", req.Action), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": req.Action, "result": payload})
	}
}

func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stress == nil {
		writeError(w, http.StatusServiceUnavailable, "stress harness not configured")
		return
	}
	var req stress.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.deps.Stress.Run(r.Context(), req)
	switch {
	case errors.Is(err, stress.ErrInvalidMode):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error(), "results": res})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": res})
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Limiter.Allow(r.Context(), callerFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
