package store

import (
	"context"
	"log/slog"

	"github.com/leadpipe/flowstate/internal/logging"
	"github.com/leadpipe/flowstate/pkg/schema"
)

// CheckpointStore records immutable per-step rollback snapshots. The
// orchestrator creates one before a risky transition and, to roll back,
// restores variables and lead data from a chosen checkpoint's payload and
// resumes from its step ID. Checkpoints expire only through the retention
// cascade.
type CheckpointStore struct {
	store  Store
	logger *slog.Logger
}

// NewCheckpointStore wraps a Store with checkpoint operations.
func NewCheckpointStore(s Store, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{store: s, logger: logger}
}

// Create appends a checkpoint for the given execution and step. Pure
// insert; nothing is ever updated or individually deleted.
func (cs *CheckpointStore) Create(ctx context.Context, executionID, stepID string, data schema.Payload) (*Checkpoint, error) {
	if executionID == "" || stepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id and step id are required")
	}
	cp := &Checkpoint{
		ExecutionID: executionID,
		StepID:      stepID,
		Data:        data,
	}
	if err := cs.store.InsertCheckpoint(ctx, cp); err != nil {
		logging.LogWith(ctx, cs.logger).Error("create checkpoint failed",
			slog.String("execution_id", executionID),
			slog.String("step_id", stepID),
			slog.String("error", err.Error()),
		)
		return nil, schema.NewError(schema.ErrCodeStore, "persist checkpoint").
			WithExecution(executionID).
			WithCause(err)
	}
	return cp, nil
}

// Checkpoints returns all snapshots for an execution, most recent first.
func (cs *CheckpointStore) Checkpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	cps, err := cs.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe
		}
		return nil, schema.NewError(schema.ErrCodeStore, "read checkpoints").
			WithExecution(executionID).
			WithCause(err)
	}
	return cps, nil
}
