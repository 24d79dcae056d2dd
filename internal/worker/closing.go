package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"closing-automation/internal/models"
)

// ClosingStore is the workflow surface the closing and backup handlers use.
type ClosingStore interface {
	GetClosing(ctx context.Context, id string) (models.ClosingWorkflow, error)
	ListChecklistItems(ctx context.Context, closingID string) ([]models.ChecklistItem, error)
	UpdateChecklistItem(ctx context.Context, it models.ChecklistItem) error
	SetClosingStatus(ctx context.Context, id string, status models.ClosingStatus, at time.Time) error
	TouchClosing(ctx context.Context, id string, at time.Time) error
}

// ClosingStep performs one checklist item.
type ClosingStep func(ctx context.Context, c models.ClosingWorkflow, item models.ChecklistItem) error

// ClosingHandler drives a monthly closing's pending checklist items.
type ClosingHandler struct {
	store       ClosingStore
	steps       map[string]ClosingStep
	reviewRatio float64
	now         func() time.Time
}

// NewClosingHandler builds the monthly_closing handler.
func NewClosingHandler(st ClosingStore, reviewRatio float64) *ClosingHandler {
	if reviewRatio <= 0 {
		reviewRatio = 0.8
	}
	return &ClosingHandler{
		store:       st,
		steps:       map[string]ClosingStep{},
		reviewRatio: reviewRatio,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Step registers the procedure for an item name. Items without a step run
// the default, which only honours metadata.simulate_error.
func (h *ClosingHandler) Step(itemName string, step ClosingStep) {
	h.steps[itemName] = step
}

func defaultStep(_ context.Context, _ models.ClosingWorkflow, item models.ChecklistItem) error {
	if msg, ok := item.Metadata["simulate_error"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return nil
}

// Handle runs every pending item in order, refreshing last_activity around
// each step. The workflow ends completed when every item is done, in review
// when the completion ratio reaches the review threshold, and otherwise stays
// in progress for recovery to pick up.
func (h *ClosingHandler) Handle(ctx context.Context, task models.Task) (Result, error) {
	id := task.StringParam("closing_id")
	if id == "" {
		return Result{}, errors.New("missing required parameter: closing_id")
	}
	c, err := h.store.GetClosing(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("load closing: %w", err)
	}
	switch c.Status {
	case models.ClosingCompleted, models.ClosingReview, models.ClosingExpired:
		return Result{Details: map[string]any{"closing_id": id, "status": string(c.Status), "skipped": true}}, nil
	}
	if err := h.store.SetClosingStatus(ctx, id, models.ClosingInProgress, h.now()); err != nil {
		return Result{}, fmt.Errorf("start closing: %w", err)
	}

	items, err := h.store.ListChecklistItems(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("list items: %w", err)
	}
	processed, failed := 0, 0
	for i := range items {
		it := items[i]
		if it.Status != models.ItemPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Result{RecordsProcessed: processed}, err
		}
		started := h.now()
		it.Status = models.ItemInProgress
		it.StartedAt = &started
		it.CompletedAt = nil
		it.ErrorMessage = nil
		if err := h.save(ctx, it); err != nil {
			return Result{RecordsProcessed: processed}, err
		}

		step := h.steps[it.ItemName]
		if step == nil {
			step = defaultStep
		}
		stepErr := step(ctx, c, it)
		finished := h.now()
		if stepErr != nil {
			msg := stepErr.Error()
			it.Status = models.ItemFailed
			it.ErrorMessage = &msg
			failed++
		} else {
			it.Status = models.ItemCompleted
			it.CompletedAt = &finished
		}
		if err := h.save(ctx, it); err != nil {
			return Result{RecordsProcessed: processed}, err
		}
		items[i] = it
		processed++
	}

	ratio := models.CompletionRatio(items)
	next := models.ClosingInProgress
	switch {
	case len(items) > 0 && ratio == 1:
		next = models.ClosingCompleted
	case len(items) > 0 && ratio >= h.reviewRatio:
		next = models.ClosingReview
	}
	if err := h.store.SetClosingStatus(ctx, id, next, h.now()); err != nil {
		return Result{RecordsProcessed: processed}, fmt.Errorf("finish closing: %w", err)
	}
	return Result{
		RecordsProcessed: processed,
		Details: map[string]any{
			"closing_id":       id,
			"status":           string(next),
			"completion_ratio": ratio,
			"failed_items":     failed,
		},
	}, nil
}

func (h *ClosingHandler) save(ctx context.Context, it models.ChecklistItem) error {
	if err := h.store.UpdateChecklistItem(ctx, it); err != nil {
		return fmt.Errorf("update item %s: %w", it.ID, err)
	}
	if err := h.store.TouchClosing(ctx, it.ClosingID, h.now()); err != nil {
		return fmt.Errorf("touch closing: %w", err)
	}
	return nil
}
