package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/leadpipe/flowstate/pkg/schema"
)

// maxDailyBuckets caps the daily breakdown in statistics responses.
const maxDailyBuckets = 30

// QueryService is the read-side aggregation over executions, checkpoints
// and events. It never mutates the store.
type QueryService struct {
	store  *LibSQLStore
	logger *slog.Logger
}

// NewQueryService wraps a LibSQLStore with read-side queries.
func NewQueryService(s *LibSQLStore, logger *slog.Logger) *QueryService {
	return &QueryService{store: s, logger: logger}
}

// ExecutionsByWorkflow lists executions of one workflow, newest first,
// optionally restricted to a status.
func (q *QueryService) ExecutionsByWorkflow(ctx context.Context, workflowID string, status *schema.ExecutionStatus, limit int) ([]*ExecutionContext, error) {
	return q.list(ctx, ExecutionFilter{WorkflowID: workflowID, Status: status, Limit: limit})
}

// ExecutionsByLead lists executions for one lead, newest first, optionally
// restricted to a status.
func (q *QueryService) ExecutionsByLead(ctx context.Context, leadID string, status *schema.ExecutionStatus, limit int) ([]*ExecutionContext, error) {
	return q.list(ctx, ExecutionFilter{LeadID: leadID, Status: status, Limit: limit})
}

// ActiveExecutions lists every execution that is currently running or
// paused. Paused executions consume nothing beyond their row; resuming is
// a LoadState away.
func (q *QueryService) ActiveExecutions(ctx context.Context) ([]*ExecutionContext, error) {
	return q.list(ctx, ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.StatusRunning, schema.StatusPaused},
	})
}

func (q *QueryService) list(ctx context.Context, filter ExecutionFilter) ([]*ExecutionContext, error) {
	executions, err := q.store.ListExecutions(ctx, filter)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe
		}
		q.logger.Error("list executions failed", slog.String("error", err.Error()))
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	return executions, nil
}

// Statistics aggregates executions created in the last daysBack days,
// optionally for one workflow. Selection is a parameterized query; the
// aggregation itself runs in Go so no statistics string ever reaches the
// SQL engine.
//
// AvgDurationSeconds covers only executions with a completion timestamp.
// SuccessRate is completed/total*100 and exactly 0 for an empty window.
func (q *QueryService) Statistics(ctx context.Context, workflowID string, daysBack int) (*ExecutionStats, error) {
	if daysBack <= 0 {
		daysBack = maxDailyBuckets
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysBack)

	query := `SELECT status, created_at, completed_at FROM executions WHERE created_at >= ?`
	args := []any{cutoff}
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}

	rows, err := q.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		q.logger.Error("statistics query failed", slog.String("error", err.Error()))
		return nil, schema.NewError(schema.ErrCodeStore, "query execution statistics").WithCause(err)
	}
	defer rows.Close()

	stats := &ExecutionStats{
		StatusCounts: make(map[string]int),
		DailyCounts:  make(map[string]int),
	}
	var totalDuration time.Duration
	var completedCount int

	for rows.Next() {
		var status string
		var createdAt time.Time
		var completedAt sql.NullTime
		if err := rows.Scan(&status, &createdAt, &completedAt); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan execution statistics").WithCause(err)
		}
		stats.TotalExecutions++
		stats.StatusCounts[status]++
		stats.DailyCounts[createdAt.UTC().Format("2006-01-02")]++
		if completedAt.Valid {
			totalDuration += completedAt.Time.Sub(createdAt)
			completedCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "read execution statistics").WithCause(err)
	}

	if completedCount > 0 {
		stats.AvgDurationSeconds = totalDuration.Seconds() / float64(completedCount)
	}
	if stats.TotalExecutions > 0 {
		completed := stats.StatusCounts[string(schema.StatusCompleted)]
		stats.SuccessRate = float64(completed) / float64(stats.TotalExecutions) * 100
	}
	trimDailyCounts(stats.DailyCounts)
	return stats, nil
}

// trimDailyCounts keeps only the most recent maxDailyBuckets days.
func trimDailyCounts(daily map[string]int) {
	if len(daily) <= maxDailyBuckets {
		return
	}
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	for _, d := range days[maxDailyBuckets:] {
		delete(daily, d)
	}
}
