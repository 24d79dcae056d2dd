package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"closing-automation/internal/models"
)

// CreateClosing inserts a closing workflow with its checklist items.
func (m *Memory) CreateClosing(_ context.Context, c models.ClosingWorkflow, items []models.ChecklistItem) (models.ClosingWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.ClosingPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = now
	}
	c.BlockingIssues = append([]models.BlockingIssue{}, c.BlockingIssues...)
	m.closings[c.ID] = c
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.Status == "" {
			it.Status = models.ItemPending
		}
		it.ClosingID = c.ID
		it.Metadata = copyMap(it.Metadata)
		if it.Metadata == nil {
			it.Metadata = map[string]any{}
		}
		m.items[it.ID] = it
		m.itemOrder = append(m.itemOrder, it.ID)
	}
	return copyClosing(c), nil
}

// GetClosing fetches a closing workflow by id.
func (m *Memory) GetClosing(_ context.Context, id string) (models.ClosingWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.closings[id]
	if !ok {
		return models.ClosingWorkflow{}, fmt.Errorf("closing %s: %w", id, ErrNotFound)
	}
	return copyClosing(c), nil
}

// DeleteClosing removes a workflow but leaves its items, producing orphans.
func (m *Memory) DeleteClosing(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.closings, id)
}

// ListStuckClosings returns in_progress workflows inactive since staleBefore.
func (m *Memory) ListStuckClosings(_ context.Context, staleBefore time.Time) ([]models.ClosingWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ClosingWorkflow
	for _, c := range m.closings {
		if c.Status == models.ClosingInProgress && c.LastActivity.Before(staleBefore) {
			out = append(out, copyClosing(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out, nil
}

// ListChecklistItems returns a workflow's items in checklist order.
func (m *Memory) ListChecklistItems(_ context.Context, closingID string) ([]models.ChecklistItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterItems(func(it models.ChecklistItem) bool { return it.ClosingID == closingID }), nil
}

// ListFailedItems returns failed items, optionally scoped to one workflow.
func (m *Memory) ListFailedItems(_ context.Context, closingID string) ([]models.ChecklistItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterItems(func(it models.ChecklistItem) bool {
		return it.Status == models.ItemFailed && (closingID == "" || it.ClosingID == closingID)
	}), nil
}

// UpdateChecklistItem overwrites an item's mutable fields.
func (m *Memory) UpdateChecklistItem(_ context.Context, it models.ChecklistItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.items[it.ID]
	if !ok {
		return fmt.Errorf("checklist item %s: %w", it.ID, ErrNotFound)
	}
	existing.Status = it.Status
	existing.StartedAt = it.StartedAt
	existing.CompletedAt = it.CompletedAt
	existing.ErrorMessage = it.ErrorMessage
	if it.Metadata != nil {
		existing.Metadata = copyMap(it.Metadata)
	}
	m.items[it.ID] = existing
	return nil
}

// SetClosingStatus moves a workflow to status and refreshes last_activity.
func (m *Memory) SetClosingStatus(_ context.Context, id string, status models.ClosingStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.closings[id]
	if !ok {
		return fmt.Errorf("closing %s: %w", id, ErrNotFound)
	}
	c.Status = status
	c.LastActivity = at
	if status == models.ClosingInProgress && c.StartedAt == nil {
		c.StartedAt = timePtr(at)
	}
	m.closings[id] = c
	return nil
}

// TouchClosing refreshes last_activity.
func (m *Memory) TouchClosing(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.closings[id]; ok {
		c.LastActivity = at
		m.closings[id] = c
	}
	return nil
}

// SetLastActivity overrides last_activity, for simulating stalled workflows.
func (m *Memory) SetLastActivity(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.closings[id]; ok {
		c.LastActivity = at
		m.closings[id] = c
	}
}

// RecoverClosing applies a recovery transition atomically.
func (m *Memory) RecoverClosing(_ context.Context, p RecoverClosingParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.closings[p.ClosingID]
	if !ok || c.Status != models.ClosingInProgress || !c.LastActivity.Before(p.StaleBefore) {
		return false, nil
	}
	c.Status = p.NewStatus
	c.LastActivity = p.At
	c.BlockingIssues = append(c.BlockingIssues, p.Issue)
	m.closings[c.ID] = c
	for _, id := range p.OrphanedItems {
		it, ok := m.items[id]
		if !ok || it.Status != models.ItemInProgress {
			continue
		}
		msg := p.OrphanMessage
		it.Status = models.ItemFailed
		it.ErrorMessage = &msg
		it.CompletedAt = nil
		m.items[id] = it
	}
	return true, nil
}

// RetryChecklistItem resets a failed item to pending.
func (m *Memory) RetryChecklistItem(_ context.Context, p RetryItemParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[p.ItemID]
	if !ok || it.Status != models.ItemFailed {
		return false, nil
	}
	it.Status = models.ItemPending
	it.StartedAt = nil
	it.CompletedAt = nil
	it.ErrorMessage = nil
	it.Metadata = copyMap(it.Metadata)
	if it.Metadata == nil {
		it.Metadata = map[string]any{}
	}
	it.Metadata["retry_count"] = p.RetryCount
	it.Metadata["previous_error"] = p.PreviousError
	it.Metadata["last_retry_at"] = p.At.Format(time.RFC3339)
	m.items[it.ID] = it
	return true, nil
}

// DeleteOrphanedItems removes checklist items whose workflow no longer exists.
func (m *Memory) DeleteOrphanedItems(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	kept := m.itemOrder[:0]
	for _, id := range m.itemOrder {
		it := m.items[id]
		if _, ok := m.closings[it.ClosingID]; !ok {
			delete(m.items, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	m.itemOrder = kept
	return n, nil
}

// ExpirePendingClosings marks never-started workflows untouched since olderThan as expired.
func (m *Memory) ExpirePendingClosings(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.closings {
		if c.Status == models.ClosingPending && c.StartedAt == nil && c.LastActivity.Before(olderThan) {
			c.Status = models.ClosingExpired
			c.LastActivity = m.Now()
			m.closings[id] = c
			n++
		}
	}
	return n, nil
}

func (m *Memory) filterItems(keep func(models.ChecklistItem) bool) []models.ChecklistItem {
	var out []models.ChecklistItem
	for _, id := range m.itemOrder {
		it, ok := m.items[id]
		if !ok || !keep(it) {
			continue
		}
		it.Metadata = copyMap(it.Metadata)
		out = append(out, it)
	}
	return out
}

func copyClosing(c models.ClosingWorkflow) models.ClosingWorkflow {
	c.BlockingIssues = append([]models.BlockingIssue{}, c.BlockingIssues...)
	return c
}
