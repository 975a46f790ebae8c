package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/leadpipe/flowstate/internal/logging"
	"github.com/leadpipe/flowstate/pkg/schema"
)

// StateStore persists one ExecutionContext per workflow execution. It is
// the write/read surface the orchestrator calls on every step transition.
//
// SaveState and the audit log are independent single-row writes: a crash
// between them can leave advanced state with no matching audit event.
// That best-effort-audit trade-off is deliberate; see DESIGN.md.
type StateStore struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
}

// NewStateStore wraps a Store with validation and timestamp
// normalization for execution contexts.
func NewStateStore(s Store, logger *slog.Logger) *StateStore {
	return &StateStore{
		store:    s,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// SaveState upserts the execution context keyed by its execution ID.
// The save is idempotent; repeated saves replace previous values
// (last-write-wins, no optimistic locking). Failures come back as typed
// errors, never panics, so a transient persistence fault cannot abort an
// in-flight business workflow.
func (ss *StateStore) SaveState(ctx context.Context, ec *ExecutionContext) error {
	if ec == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution context is nil")
	}
	if err := ss.validate.Struct(ec); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid execution context").
			WithExecution(ec.ExecutionID).
			WithCause(err)
	}

	normalize(ec)

	if err := ss.store.UpsertExecution(ctx, ec); err != nil {
		logging.LogWith(ctx, ss.logger).Error("save state failed",
			slog.String("execution_id", ec.ExecutionID),
			slog.String("error", err.Error()),
		)
		return schema.NewError(schema.ErrCodeStore, "persist execution context").
			WithExecution(ec.ExecutionID).
			WithCause(err)
	}
	return nil
}

// LoadState loads the execution context for the given ID. A missing row
// yields a NOT_FOUND error; a malformed stored payload yields
// SERIALIZATION_ERROR.
func (ss *StateStore) LoadState(ctx context.Context, executionID string) (*ExecutionContext, error) {
	if executionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id is empty")
	}
	ec, err := ss.store.GetExecution(ctx, executionID)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			if fe.Code != schema.ErrCodeNotFound {
				logging.LogWith(ctx, ss.logger).Error("load state failed",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()),
				)
			}
			return nil, fe
		}
		logging.LogWith(ctx, ss.logger).Error("load state failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return nil, schema.NewError(schema.ErrCodeStore, "read execution context").
			WithExecution(executionID).
			WithCause(err)
	}
	return ec, nil
}

// normalize enforces the timestamp invariants before writing:
// all times in UTC, created_at defaulted, updated_at never behind
// created_at, and completed_at present iff the status is completed or
// failed.
func normalize(ec *ExecutionContext) {
	now := time.Now().UTC()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	} else {
		ec.CreatedAt = ec.CreatedAt.UTC()
	}
	if ec.UpdatedAt.IsZero() {
		ec.UpdatedAt = now
	} else {
		ec.UpdatedAt = ec.UpdatedAt.UTC()
	}
	if ec.UpdatedAt.Before(ec.CreatedAt) {
		ec.UpdatedAt = ec.CreatedAt
	}

	if ec.Status.HasCompletion() {
		if ec.CompletedAt == nil {
			t := now
			ec.CompletedAt = &t
		} else {
			t := ec.CompletedAt.UTC()
			ec.CompletedAt = &t
		}
	} else {
		ec.CompletedAt = nil
	}
}
