package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/leadpipe/flowstate/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, path: dbPath}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. retention, backup).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Path returns the database path the store was opened with.
func (s *LibSQLStore) Path() string { return s.path }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

const executionColumns = `id, workflow_id, lead_id, current_step_id, status, lead_data, variables, execution_path, retry_count, error_message, created_at, updated_at, completed_at`

// UpsertExecution inserts or replaces the execution row keyed by execution_id.
// Concurrent upserts for the same ID resolve last-write-wins; there is no
// optimistic locking.
func (s *LibSQLStore) UpsertExecution(ctx context.Context, ec *ExecutionContext) error {
	leadData, err := nullPayload(ec.LeadData)
	if err != nil {
		return fmt.Errorf("marshal lead_data: %w", err)
	}
	variables, err := nullPayload(ec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	path, err := nullPayload(ec.Path)
	if err != nil {
		return fmt.Errorf("marshal execution_path: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, lead_id=excluded.lead_id,
		   current_step_id=excluded.current_step_id, status=excluded.status,
		   lead_data=excluded.lead_data, variables=excluded.variables,
		   execution_path=excluded.execution_path, retry_count=excluded.retry_count,
		   error_message=excluded.error_message, updated_at=excluded.updated_at,
		   completed_at=excluded.completed_at`,
		ec.ExecutionID, ec.WorkflowID, ec.LeadID, nullStr(ec.CurrentStepID), string(ec.Status),
		leadData, variables, path, ec.RetryCount, nullStr(ec.ErrorMessage),
		timeOrNow(ec.CreatedAt), timeOrNow(ec.UpdatedAt), nullTime(ec.CompletedAt),
	)
	return err
}

// GetExecution loads one execution context by ID.
func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*ExecutionContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	ec, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionContext, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, filter.LeadID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.Repeat("?, ", len(filter.Statuses))
		where = append(where, "status IN ("+placeholders[:len(placeholders)-2]+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*ExecutionContext
	for rows.Next() {
		ec, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ec)
	}
	return executions, rows.Err()
}

// scanExecution maps one executions row via the given scan function.
func scanExecution(scan func(...any) error) (*ExecutionContext, error) {
	ec := &ExecutionContext{}
	var (
		currentStep, errMsg             sql.NullString
		leadData, variables, pathData   sql.NullString
		completedAt                     sql.NullTime
		status                          string
	)
	if err := scan(&ec.ExecutionID, &ec.WorkflowID, &ec.LeadID, &currentStep, &status,
		&leadData, &variables, &pathData, &ec.RetryCount, &errMsg,
		&ec.CreatedAt, &ec.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	ec.CurrentStepID = currentStep.String
	ec.ErrorMessage = errMsg.String
	ec.Status = schema.ExecutionStatus(status)
	var err error
	if ec.LeadData, err = payloadOrNil(leadData); err != nil {
		return nil, serializationError("lead_data", ec.ExecutionID, err)
	}
	if ec.Variables, err = payloadOrNil(variables); err != nil {
		return nil, serializationError("variables", ec.ExecutionID, err)
	}
	if ec.Path, err = payloadOrNil(pathData); err != nil {
		return nil, serializationError("execution_path", ec.ExecutionID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		ec.CompletedAt = &t
	}
	ec.CreatedAt = ec.CreatedAt.UTC()
	ec.UpdatedAt = ec.UpdatedAt.UTC()
	return ec, nil
}

// --- Checkpoints ---

// InsertCheckpoint appends an immutable checkpoint row. Checkpoints are
// never updated or individually deleted.
func (s *LibSQLStore) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	data, err := nullPayload(cp.Data)
	if err != nil {
		return fmt.Errorf("marshal checkpoint_data: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (execution_id, step_id, checkpoint_data, created_at)
		 VALUES (?, ?, ?, ?)`,
		cp.ExecutionID, cp.StepID, data, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		cp.ID = id
	}
	return nil
}

// ListCheckpoints returns all checkpoints for an execution, most recent first.
func (s *LibSQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, checkpoint_data, created_at
		 FROM checkpoints WHERE execution_id = ?
		 ORDER BY created_at DESC, id DESC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var data sql.NullString
		if err := rows.Scan(&cp.ID, &cp.ExecutionID, &cp.StepID, &data, &cp.CreatedAt); err != nil {
			return nil, err
		}
		if cp.Data, err = payloadOrNil(data); err != nil {
			return nil, serializationError("checkpoint_data", cp.ExecutionID, err)
		}
		cp.CreatedAt = cp.CreatedAt.UTC()
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// --- Events ---

// AppendEvent appends an immutable audit event row.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	data, err := nullPayload(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event_data: %w", err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, event_type, event_data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.ExecutionID, event.Type, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// ListEvents returns audit events for an execution, most recent first.
// An empty eventType means no type filter.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID, eventType string) ([]*Event, error) {
	query := `SELECT id, execution_id, event_type, event_data, created_at
	 FROM events WHERE execution_id = ?`
	args := []any{executionID}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Type, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Data, err = payloadOrNil(data); err != nil {
			return nil, serializationError("event_data", e.ExecutionID, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func serializationError(field, executionID string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeSerialization, "decode stored %s", field).
		WithExecution(executionID).
		WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullPayload serializes a payload envelope for storage; zero payloads
// are stored as NULL.
func nullPayload(p schema.Payload) (any, error) {
	if p.IsZero() {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// payloadOrNil decodes a stored payload envelope; NULL columns load back
// as the zero payload.
func payloadOrNil(ns sql.NullString) (schema.Payload, error) {
	if !ns.Valid || ns.String == "" {
		return schema.Payload{}, nil
	}
	var p schema.Payload
	if err := json.Unmarshal([]byte(ns.String), &p); err != nil {
		return schema.Payload{}, err
	}
	return p, nil
}
