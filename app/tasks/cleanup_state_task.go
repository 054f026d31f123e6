package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/harvest/app/state"
)

// CleanupStateTask drops state records older than the retention window.
type CleanupStateTask struct {
	Task
	RetentionDays int
	Removed       int
	store         state.Store
}

func NewCleanupStateTask(store state.Store, retentionDays int, logger *slog.Logger) *CleanupStateTask {
	return &CleanupStateTask{
		Task:          NewTask(TaskTypeCleanupState, "", logger),
		RetentionDays: retentionDays,
		store:         store,
	}
}

func (t *CleanupStateTask) Execute(ctx context.Context) error {
	removed, err := t.store.CleanupOlderThan(ctx, t.RetentionDays)
	if err != nil {
		return fmt.Errorf("failed to clean up state: %w", err)
	}
	t.Removed = removed
	metricStateRemoved.Add(float64(removed))

	t.Logger().Info("Task completed",
		"duration", t.GetDuration(),
		"retention_days", t.RetentionDays,
		"removed", removed)

	return nil
}
