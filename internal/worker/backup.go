package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"closing-automation/internal/models"
)

// BackupHandler snapshots closing workflows and their checklists as JSON.
type BackupHandler struct {
	store    ClosingStore
	uploader Uploader
}

// NewBackupHandler builds the backup handler.
func NewBackupHandler(st ClosingStore, up Uploader) *BackupHandler {
	return &BackupHandler{store: st, uploader: up}
}

type closingSnapshot struct {
	Closing models.ClosingWorkflow `json:"closing"`
	Items   []models.ChecklistItem `json:"items"`
}

type backupManifest struct {
	TaskID   string            `json:"task_id"`
	TakenAt  time.Time         `json:"taken_at"`
	ClientID string            `json:"client_id,omitempty"`
	Closings []closingSnapshot `json:"closings"`
}

// Handle expects parameters.closing_ids.
func (h *BackupHandler) Handle(ctx context.Context, task models.Task) (Result, error) {
	ids, err := stringList(task.Parameters, "closing_ids")
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, errors.New("missing required parameter: closing_ids")
	}
	manifest := backupManifest{TaskID: task.ID, TakenAt: time.Now().UTC(), Closings: make([]closingSnapshot, 0, len(ids))}
	if task.ClientID != nil {
		manifest.ClientID = *task.ClientID
	}
	records := 0
	for _, id := range ids {
		c, err := h.store.GetClosing(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("load closing %s: %w", id, err)
		}
		items, err := h.store.ListChecklistItems(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("list items for %s: %w", id, err)
		}
		manifest.Closings = append(manifest.Closings, closingSnapshot{Closing: c, Items: items})
		records += 1 + len(items)
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal backup: %w", err)
	}
	owner := manifest.ClientID
	if owner == "" {
		owner = "system"
	}
	key := fmt.Sprintf("backups/%s/%s-%s.json", owner, manifest.TakenAt.Format("20060102T150405Z"), task.ID)
	location, err := h.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}
	return Result{
		RecordsProcessed: records,
		Details:          map[string]any{"location": location, "bytes": len(body)},
	}, nil
}
