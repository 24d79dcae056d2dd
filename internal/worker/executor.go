package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"closing-automation/internal/config"
	"closing-automation/internal/logging"
	"closing-automation/internal/models"
	"closing-automation/internal/telemetry"
)

// Result is what a handler reports on success.
type Result struct {
	RecordsProcessed int
	Details          map[string]any
}

// Handler executes one task of a given process type.
type Handler func(ctx context.Context, task models.Task) (Result, error)

// LogStore receives run-record and rule-counter updates.
type LogStore interface {
	GetAutomationLog(ctx context.Context, id string) (models.AutomationLog, error)
	UpdateAutomationLog(ctx context.Context, l models.AutomationLog) error
	IncrementRuleCounter(ctx context.Context, ruleID string, success bool) error
}

// ActionResult is the outcome of one rule_execution sub-action.
type ActionResult struct {
	Action           models.ProcessType `json:"action"`
	Success          bool               `json:"success"`
	RecordsProcessed int                `json:"records_processed"`
	Error            string             `json:"error,omitempty"`
	Details          map[string]any     `json:"details,omitempty"`
}

// Outcome is the normalized result of executing a task. Handler errors and
// panics always end up here, never as a returned error.
type Outcome struct {
	Success          bool
	RecordsProcessed int
	Details          map[string]any
	Actions          []ActionResult
	Error            string
	Duration         time.Duration
}

// Payload renders the outcome as the structured result stored on the task.
func (o Outcome) Payload() map[string]any {
	p := map[string]any{
		"success":           o.Success,
		"records_processed": o.RecordsProcessed,
		"duration_ms":       o.Duration.Milliseconds(),
	}
	if len(o.Details) > 0 {
		p["details"] = o.Details
	}
	if len(o.Actions) > 0 {
		p["actions"] = o.Actions
	}
	if o.Error != "" {
		p["error"] = o.Error
	}
	return p
}

// Executor routes leased tasks to handlers by process type.
type Executor struct {
	handlers map[models.ProcessType]Handler
	logs     LogStore
	timeout  time.Duration
	logger   *zap.Logger
}

// NewExecutor builds an executor with no handlers. logs may be nil.
func NewExecutor(logs LogStore, cfg config.WorkerConfig, logger *zap.Logger) *Executor {
	return &Executor{
		handlers: make(map[models.ProcessType]Handler),
		logs:     logs,
		timeout:  cfg.TaskTimeout,
		logger:   logging.OrNop(logger).Named("executor"),
	}
}

// Register binds a handler to a process type. rule_execution is dispatched
// by the executor itself and cannot be overridden.
func (e *Executor) Register(pt models.ProcessType, h Handler) {
	if !pt.Valid() || pt == models.ProcessRuleExecution || h == nil {
		return
	}
	e.handlers[pt] = h
}

// Execute runs task and updates its linked automation log and rule counter.
func (e *Executor) Execute(ctx context.Context, task models.Task) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "task.execute")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.process_type", string(task.ProcessType)),
		attribute.Int("task.retry_count", task.RetryCount),
	)
	defer span.End()

	started := time.Now()
	var out Outcome
	if task.ProcessType == models.ProcessRuleExecution {
		out = e.runComposite(ctx, task)
	} else {
		res, err := e.run(ctx, task)
		out = Outcome{Success: err == nil, RecordsProcessed: res.RecordsProcessed, Details: res.Details}
		if err != nil {
			out.Error = err.Error()
		}
	}
	out.Duration = time.Since(started)
	telemetry.TaskDuration.WithLabelValues(string(task.ProcessType)).Observe(out.Duration.Seconds())

	if !out.Success {
		span.SetStatus(codes.Error, out.Error)
		e.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("process_type", string(task.ProcessType)),
			zap.Int("retry_count", task.RetryCount),
			zap.String("error", out.Error))
	}
	e.record(ctx, task, out)
	return out
}

// run invokes a single handler with a timeout and a panic boundary.
func (e *Executor) run(ctx context.Context, task models.Task) (res Result, err error) {
	h, ok := e.handlers[task.ProcessType]
	if !ok {
		return Result{}, fmt.Errorf("unknown process type %q", task.ProcessType)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	res, err = h(ctx, task)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timeout: %s did not finish in time: %w", task.ProcessType, err)
	}
	return res, err
}

type action struct {
	kind   models.ProcessType
	params map[string]any
}

func parseActions(raw any) ([]action, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, errors.New("missing required parameter: actions")
	}
	out := make([]action, 0, len(list))
	for i, entry := range list {
		switch v := entry.(type) {
		case string:
			out = append(out, action{kind: models.ProcessType(v)})
		case map[string]any:
			kind, _ := v["type"].(string)
			if kind == "" {
				return nil, fmt.Errorf("invalid data: actions[%d] has no type", i)
			}
			params, _ := v["parameters"].(map[string]any)
			out = append(out, action{kind: models.ProcessType(kind), params: params})
		default:
			return nil, fmt.Errorf("invalid data: actions[%d] is %T", i, entry)
		}
	}
	return out, nil
}

// runComposite executes each sub-action in order, continuing past failures.
// The task succeeds only when every sub-action does.
func (e *Executor) runComposite(ctx context.Context, task models.Task) Outcome {
	actions, err := parseActions(task.Parameters["actions"])
	if err != nil {
		return Outcome{Error: err.Error()}
	}
	out := Outcome{Success: true, Actions: make([]ActionResult, 0, len(actions))}
	var failures []string
	for _, a := range actions {
		ar := ActionResult{Action: a.kind}
		if a.kind == models.ProcessRuleExecution {
			ar.Error = "nested rule_execution is not supported"
		} else {
			sub := task
			sub.ProcessType = a.kind
			sub.Parameters = mergeParams(task.Parameters, a.params)
			res, err := e.run(ctx, sub)
			ar.Success = err == nil
			ar.RecordsProcessed = res.RecordsProcessed
			ar.Details = res.Details
			if err != nil {
				ar.Error = err.Error()
			}
		}
		if !ar.Success {
			out.Success = false
			failures = append(failures, fmt.Sprintf("%s: %s", a.kind, ar.Error))
		}
		out.RecordsProcessed += ar.RecordsProcessed
		out.Actions = append(out.Actions, ar)
	}
	if len(failures) > 0 {
		out.Error = fmt.Sprintf("%d of %d actions failed: %s", len(failures), len(actions), strings.Join(failures, "; "))
	}
	return out
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		if k == "actions" {
			continue
		}
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// record updates the linked automation log and rule counter. Failures here
// are logged and never change the task outcome.
func (e *Executor) record(ctx context.Context, task models.Task, out Outcome) {
	if e.logs == nil {
		return
	}
	if logID := task.StringParam("log_id"); logID != "" {
		l, err := e.logs.GetAutomationLog(ctx, logID)
		if err != nil {
			e.logger.Error("load automation log", zap.String("log_id", logID), zap.Error(err))
		} else {
			completed := time.Now().UTC()
			l.Status = models.LogCompleted
			l.ErrorMessage = nil
			if !out.Success {
				l.Status = models.LogFailed
				msg := out.Error
				l.ErrorMessage = &msg
			}
			l.CompletedAt = &completed
			l.DurationMS = out.Duration.Milliseconds()
			l.RecordsProcessed = out.RecordsProcessed
			if err := e.logs.UpdateAutomationLog(ctx, l); err != nil {
				e.logger.Error("update automation log", zap.String("log_id", logID), zap.Error(err))
			}
		}
	}
	if ruleID := task.StringParam("rule_id"); ruleID != "" {
		if err := e.logs.IncrementRuleCounter(ctx, ruleID, out.Success); err != nil {
			e.logger.Error("increment rule counter", zap.String("rule_id", ruleID), zap.Error(err))
		}
	}
}
