package store

import (
	"time"

	"github.com/leadpipe/flowstate/pkg/schema"
)

// ExecutionContext is the persisted state of one workflow instance for one
// lead. The store treats LeadData, Variables and Path as opaque payloads;
// their business meaning belongs entirely to the orchestrator.
type ExecutionContext struct {
	ExecutionID   string                 `json:"execution_id" validate:"required"`
	WorkflowID    string                 `json:"workflow_id" validate:"required"`
	LeadID        string                 `json:"lead_id" validate:"required"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Status        schema.ExecutionStatus `json:"status" validate:"required,oneof=pending running paused completed failed error"`
	LeadData      schema.Payload         `json:"lead_data,omitempty"`
	Variables     schema.Payload         `json:"variables,omitempty"`
	Path          schema.Payload         `json:"execution_path,omitempty"`
	RetryCount    int                    `json:"retry_count" validate:"gte=0"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// Checkpoint is an immutable per-step rollback snapshot. Checkpoints are
// never updated or individually deleted; they go away only when the
// retention cascade removes their execution.
type Checkpoint struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Data        schema.Payload `json:"checkpoint_data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event is an immutable audit-trail entry. The type tag is free-form.
type Event struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Type        string         `json:"event_type"`
	Data        schema.Payload `json:"event_data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                    `json:"workflow_id,omitempty"`
	LeadID     string                    `json:"lead_id,omitempty"`
	Status     *schema.ExecutionStatus   `json:"status,omitempty"`
	Statuses   []schema.ExecutionStatus  `json:"statuses,omitempty"`
	Since      *time.Time                `json:"since,omitempty"`
	Limit      int                       `json:"limit,omitempty"`
}

// ExecutionStats is the aggregate view served by the query service.
type ExecutionStats struct {
	TotalExecutions    int            `json:"total_executions"`
	StatusCounts       map[string]int `json:"status_counts"`
	AvgDurationSeconds float64        `json:"avg_duration_seconds"`
	DailyCounts        map[string]int `json:"daily_counts"`
	SuccessRate        float64        `json:"success_rate"`
}

// CleanupResult reports how many rows a retention sweep removed.
type CleanupResult struct {
	ExecutionsDeleted  int64 `json:"executions_deleted"`
	CheckpointsDeleted int64 `json:"checkpoints_deleted"`
	EventsDeleted      int64 `json:"events_deleted"`
}

// ExportBundle is the portable form of one execution with its children,
// produced by the backup coordinator and re-ingested in dependency order
// (execution, then events, then checkpoints).
type ExportBundle struct {
	FormatVersion int               `json:"format_version"`
	ExportedAt    time.Time         `json:"exported_at"`
	Execution     *ExecutionContext `json:"execution"`
	Events        []*Event          `json:"events,omitempty"`
	Checkpoints   []*Checkpoint     `json:"checkpoints,omitempty"`
}

// ExportFormatVersion is the current bundle format.
const ExportFormatVersion = 1
