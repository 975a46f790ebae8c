package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadpipe/flowstate/pkg/schema"
)

// RetentionManager purges executions older than a retention window
// together with their checkpoints and events. Children are deleted before
// their parents inside a single transaction, so an interrupted sweep can
// leave at worst orphan-free parents with no remaining children — never a
// checkpoint or event pointing at a deleted execution.
type RetentionManager struct {
	store  *LibSQLStore
	logger *slog.Logger
}

// NewRetentionManager wraps a LibSQLStore with retention cleanup.
func NewRetentionManager(s *LibSQLStore, logger *slog.Logger) *RetentionManager {
	return &RetentionManager{store: s, logger: logger}
}

// Cleanup removes executions created more than daysToKeep days ago. With
// keepFailed set, executions in failed or error status are protected
// regardless of age.
func (rm *RetentionManager) Cleanup(ctx context.Context, daysToKeep int, keepFailed bool) (CleanupResult, error) {
	var result CleanupResult
	if daysToKeep < 0 {
		return result, schema.NewErrorf(schema.ErrCodeValidation, "negative retention window: %d days", daysToKeep)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	candidates := `SELECT id FROM executions WHERE created_at < ?`
	args := []any{cutoff}
	if keepFailed {
		candidates += ` AND status NOT IN (?, ?)`
		args = append(args, string(schema.StatusFailed), string(schema.StatusError))
	}

	tx, err := rm.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return result, schema.NewError(schema.ErrCodeStore, "begin cleanup transaction").WithCause(err)
	}
	defer tx.Rollback()

	// Children first. The FK constraints make the reverse order fail
	// outright, but the ordering is what guarantees crash safety.
	for _, step := range []struct {
		table string
		count *int64
	}{
		{"checkpoints", &result.CheckpointsDeleted},
		{"events", &result.EventsDeleted},
	} {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE execution_id IN (%s)`, step.table, candidates), args...)
		if err != nil {
			return CleanupResult{}, schema.NewErrorf(schema.ErrCodeStore, "delete old %s", step.table).WithCause(err)
		}
		*step.count, _ = res.RowsAffected()
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM executions WHERE id IN (`+candidates+`)`, args...)
	if err != nil {
		return CleanupResult{}, schema.NewError(schema.ErrCodeStore, "delete old executions").WithCause(err)
	}
	result.ExecutionsDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return CleanupResult{}, schema.NewError(schema.ErrCodeStore, "commit cleanup").WithCause(err)
	}

	rm.logger.Info("retention cleanup finished",
		slog.Int("days_to_keep", daysToKeep),
		slog.Bool("keep_failed", keepFailed),
		slog.Int64("executions_deleted", result.ExecutionsDeleted),
		slog.Int64("checkpoints_deleted", result.CheckpointsDeleted),
		slog.Int64("events_deleted", result.EventsDeleted),
	)
	return result, nil
}
