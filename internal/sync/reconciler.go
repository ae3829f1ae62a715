package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	KeyRestoreCompleted = "restore.completed_at"
	KeySyncCompleted    = "sync.completed_at"
)

// Checkpoints persists sync checkpoint values. The local SQLite store implements it.
type Checkpoints interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (string, error)
}

// Reconciler manages sync checkpoints.
type Reconciler struct {
	cp     Checkpoints
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(cp Checkpoints, logger *zap.Logger) *Reconciler {
	return &Reconciler{cp: cp, logger: logger}
}

// UpdateCheckpoint records t under key.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key string, t time.Time) error {
	return r.cp.SetCheckpoint(ctx, key, t.UTC().Format(time.RFC3339Nano))
}

// GetCheckpoint returns the time recorded under key, or the zero time.
func (r *Reconciler) GetCheckpoint(ctx context.Context, key string) (time.Time, error) {
	v, err := r.cp.Checkpoint(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (r *Reconciler) mark(ctx context.Context, key string, t time.Time) {
	if err := r.UpdateCheckpoint(ctx, key, t); err != nil {
		r.logger.Warn("failed to record checkpoint", zap.String("key", key), zap.Error(err))
	}
}
