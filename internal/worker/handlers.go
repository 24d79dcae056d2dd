package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"closing-automation/internal/models"
	"closing-automation/internal/notify"
)

// Notifier is the create-notification ingress used by send_emails.
type Notifier interface {
	Create(ctx context.Context, req notify.Request) (notify.Result, error)
}

// Deps are the collaborators the built-in handlers need. Nil collaborators
// leave the matching process types unregistered.
type Deps struct {
	Closings    ClosingStore
	Notifier    Notifier
	Uploader    Uploader
	Scripts     map[string]Script
	ReviewRatio float64
}

// RegisterDefaults installs the built-in handlers on e.
func RegisterDefaults(e *Executor, deps Deps) {
	e.Register(models.ProcessDailyAccounting, dailyAccounting)
	e.Register(models.ProcessStressProbe, stressProbe)
	e.Register(models.ProcessCustomScript, NewScriptRunner(deps.Scripts).Handle)
	if deps.Notifier != nil {
		e.Register(models.ProcessSendEmails, NewEmailHandler(deps.Notifier).Handle)
	}
	if deps.Uploader != nil {
		e.Register(models.ProcessMonthlyReports, NewReportHandler(deps.Uploader).Handle)
	}
	if deps.Closings != nil {
		e.Register(models.ProcessMonthlyClosing, NewClosingHandler(deps.Closings, deps.ReviewRatio).Handle)
		if deps.Uploader != nil {
			e.Register(models.ProcessBackup, NewBackupHandler(deps.Closings, deps.Uploader).Handle)
		}
	}
}

// dailyAccounting posts a day's journal entries. Debits and credits must
// balance to the cent.
func dailyAccounting(ctx context.Context, task models.Task) (Result, error) {
	raw, _ := task.Parameters["entries"].([]any)
	var debit, credit float64
	for i, entry := range raw {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		m, ok := entry.(map[string]any)
		if !ok {
			return Result{}, fmt.Errorf("invalid data: entries[%d] is %T", i, entry)
		}
		amount, ok := asFloat(m["amount"])
		if !ok {
			return Result{}, fmt.Errorf("missing required field: entries[%d].amount", i)
		}
		switch m["side"] {
		case "debit":
			debit += amount
		case "credit":
			credit += amount
		default:
			return Result{}, fmt.Errorf("invalid data: entries[%d].side must be debit or credit", i)
		}
	}
	if math.Round(debit*100) != math.Round(credit*100) {
		return Result{}, fmt.Errorf("validation failed: debits %.2f do not match credits %.2f", debit, credit)
	}
	return Result{
		RecordsProcessed: len(raw),
		Details:          map[string]any{"debit_total": debit, "credit_total": credit, "date": task.StringParam("date")},
	}, nil
}

// stressProbe is the synthetic task used by the stress harness. It waits for
// latency_ms and fails with fail_with when set.
func stressProbe(ctx context.Context, task models.Task) (Result, error) {
	if d := millisParam(task.Parameters, "latency_ms"); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if msg := task.StringParam("fail_with"); msg != "" {
		return Result{}, errors.New(msg)
	}
	records := 1
	if n, ok := asInt(task.Parameters["records"]); ok && n >= 0 {
		records = n
	}
	return Result{RecordsProcessed: records}, nil
}

// EmailHandler fans a message out to recipients through the notification manager.
type EmailHandler struct {
	notifier Notifier
}

// NewEmailHandler builds the send_emails handler.
func NewEmailHandler(n Notifier) *EmailHandler {
	return &EmailHandler{notifier: n}
}

// Handle sends one notification per recipient. Skipped recipients are not
// counted as processed.
func (h *EmailHandler) Handle(ctx context.Context, task models.Task) (Result, error) {
	recipients, err := stringList(task.Parameters, "recipients")
	if err != nil {
		return Result{}, err
	}
	if len(recipients) == 0 {
		return Result{}, errors.New("missing required parameter: recipients")
	}
	subject := task.StringParam("subject")
	if subject == "" {
		return Result{}, errors.New("missing required parameter: subject")
	}
	priority := models.PriorityMedium
	if p, ok := asInt(task.Parameters["priority"]); ok {
		priority = p
	}
	category := models.CategorySystem
	if c := task.StringParam("category"); c != "" {
		category = models.Category(c)
	}

	outcomes := map[string]int{}
	sent := 0
	for _, to := range recipients {
		res, err := h.notifier.Create(ctx, notify.Request{
			UserID:     to,
			Title:      subject,
			Message:    task.StringParam("body"),
			Type:       models.NotifyInfo,
			Priority:   priority,
			Category:   category,
			SourceID:   task.ID,
			SourceType: "task",
		})
		if err != nil {
			return Result{RecordsProcessed: sent, Details: map[string]any{"outcomes": outcomes}}, fmt.Errorf("send to %s: %w", to, err)
		}
		outcomes[string(res.Status)]++
		if res.Status != notify.OutcomeSkipped {
			sent++
		}
	}
	return Result{RecordsProcessed: sent, Details: map[string]any{"outcomes": outcomes}}, nil
}

// Script is a named custom procedure.
type Script func(ctx context.Context, args map[string]any) (Result, error)

// ScriptRunner runs custom_script tasks from a closed set of named scripts.
type ScriptRunner struct {
	scripts map[string]Script
}

// NewScriptRunner builds a runner with the built-in scripts plus extra.
func NewScriptRunner(extra map[string]Script) *ScriptRunner {
	scripts := map[string]Script{
		"noop": func(context.Context, map[string]any) (Result, error) { return Result{}, nil },
		"sleep": func(ctx context.Context, args map[string]any) (Result, error) {
			d := millisParam(args, "duration_ms")
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(d):
			}
			return Result{Details: map[string]any{"slept_ms": d.Milliseconds()}}, nil
		},
		"fail": func(_ context.Context, args map[string]any) (Result, error) {
			msg, _ := args["message"].(string)
			if msg == "" {
				msg = "script requested failure"
			}
			return Result{}, errors.New(msg)
		},
	}
	for name, s := range extra {
		scripts[name] = s
	}
	return &ScriptRunner{scripts: scripts}
}

// Handle resolves parameters.script and runs it with parameters.args.
func (r *ScriptRunner) Handle(ctx context.Context, task models.Task) (Result, error) {
	name := task.StringParam("script")
	if name == "" {
		return Result{}, errors.New("missing required parameter: script")
	}
	script, ok := r.scripts[name]
	if !ok {
		return Result{}, fmt.Errorf("script not found: %q", name)
	}
	args, _ := task.Parameters["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return script(ctx, args)
}
