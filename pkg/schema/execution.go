package schema

// ExecutionStatus is the lifecycle state of a workflow execution.
//
// The conventional state machine is pending → running, running ⇄ paused,
// running → completed, and running → failed or error. The store records
// whatever status the orchestrator saves and does not reject transitions;
// legality is the orchestrator's concern.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusError     ExecutionStatus = "error"
)

// IsTerminal reports whether the execution has finished for good.
// Terminal executions are only ever re-run by the orchestrator saving a
// fresh context with an incremented retry count.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusError
}

// IsActive reports whether the execution is still in flight (running or
// paused). Paused executions hold no store resources beyond their row.
func (s ExecutionStatus) IsActive() bool {
	return s == StatusRunning || s == StatusPaused
}

// HasCompletion reports whether a completion timestamp belongs on this
// status. completed_at is set iff the status is completed or failed.
func (s ExecutionStatus) HasCompletion() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known execution statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusError:
		return true
	}
	return false
}

// Common audit event types logged by the orchestrator. The event_type
// column is free-form; these are conventions, not an enum.
const (
	EventExecutionStarted = "execution_started"
	EventStepEntered      = "step_entered"
	EventStepCompleted    = "step_completed"
	EventExecutionPaused  = "execution_paused"
	EventExecutionResumed = "execution_resumed"
	EventRollback         = "rollback"
)
