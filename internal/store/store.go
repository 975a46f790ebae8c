package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Each method is a
// single atomic statement (or one transaction where noted); no cross-call
// locks are held, so concurrent saves resolve last-write-wins.
type Store interface {
	// Executions
	UpsertExecution(ctx context.Context, ec *ExecutionContext) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionContext, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionContext, error)

	// Checkpoints (append-only)
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID, eventType string) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
