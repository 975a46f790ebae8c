package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/leadpipe/flowstate/pkg/schema"
)

// bundleSchemaJSON validates export bundles before import. Embedded as a
// constant to avoid filesystem dependencies.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowstate.dev/schemas/export-bundle.json",
  "type": "object",
  "required": ["format_version", "execution"],
  "properties": {
    "format_version": { "const": 1 },
    "exported_at": { "type": "string" },
    "execution": { "$ref": "#/$defs/execution" },
    "events": {
      "type": "array",
      "items": { "$ref": "#/$defs/event" }
    },
    "checkpoints": {
      "type": "array",
      "items": { "$ref": "#/$defs/checkpoint" }
    }
  },
  "$defs": {
    "execution": {
      "type": "object",
      "required": ["execution_id", "workflow_id", "lead_id", "status"],
      "properties": {
        "execution_id": { "type": "string", "minLength": 1 },
        "workflow_id": { "type": "string", "minLength": 1 },
        "lead_id": { "type": "string", "minLength": 1 },
        "status": {
          "type": "string",
          "enum": ["pending", "running", "paused", "completed", "failed", "error"]
        },
        "retry_count": { "type": "integer", "minimum": 0 }
      }
    },
    "event": {
      "type": "object",
      "required": ["execution_id", "event_type"],
      "properties": {
        "execution_id": { "type": "string", "minLength": 1 },
        "event_type": { "type": "string", "minLength": 1 }
      }
    },
    "checkpoint": {
      "type": "object",
      "required": ["execution_id", "step_id"],
      "properties": {
        "execution_id": { "type": "string", "minLength": 1 },
        "step_id": { "type": "string", "minLength": 1 }
      }
    }
  }
}`

// BackupCoordinator handles whole-store backup/restore and per-execution
// export/import. Backups are online snapshots; restore takes a timestamped
// safety copy before replacing anything.
type BackupCoordinator struct {
	store        *LibSQLStore
	logger       *slog.Logger
	bundleSchema *jsonschema.Schema
}

// NewBackupCoordinator wraps a LibSQLStore with backup operations. The
// export-bundle schema is compiled once up front.
func NewBackupCoordinator(s *LibSQLStore, logger *slog.Logger) (*BackupCoordinator, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal bundle schema: %w", err)
	}
	if err := c.AddResource("https://flowstate.dev/schemas/export-bundle.json", doc); err != nil {
		return nil, fmt.Errorf("add bundle schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowstate.dev/schemas/export-bundle.json")
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	return &BackupCoordinator{store: s, logger: logger, bundleSchema: compiled}, nil
}

// Backup writes an online snapshot of the whole store to path. The target
// file must not already exist.
func (bc *BackupCoordinator) Backup(ctx context.Context, path string) error {
	if path == "" {
		return schema.NewError(schema.ErrCodeValidation, "backup path is empty")
	}
	if _, err := bc.store.DB().ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		bc.logger.Error("backup failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return schema.NewErrorf(schema.ErrCodeBackup, "snapshot store to %q", path).WithCause(err)
	}
	bc.logger.Info("backup written", slog.String("path", path))
	return nil
}

// Restore replaces the store's contents with the executions, checkpoints
// and events found in the backup at path. A timestamped safety snapshot of
// the current store is written next to the database file first, then the
// backup is attached and the three tables are swapped inside one
// transaction.
func (bc *BackupCoordinator) Restore(ctx context.Context, path string) error {
	if path == "" {
		return schema.NewError(schema.ErrCodeValidation, "restore path is empty")
	}

	safety := bc.safetyPath()
	if err := bc.Backup(ctx, safety); err != nil {
		return schema.NewError(schema.ErrCodeBackup, "write pre-restore safety snapshot").WithCause(err)
	}

	db := bc.store.DB()
	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ? AS restore_src`, path); err != nil {
		return schema.NewErrorf(schema.ErrCodeBackup, "attach backup %q", path).WithCause(err)
	}
	defer db.ExecContext(ctx, `DETACH DATABASE restore_src`)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeBackup, "begin restore transaction").WithCause(err)
	}
	defer tx.Rollback()

	// Children first on delete, parents first on insert.
	stmts := []string{
		`DELETE FROM checkpoints`,
		`DELETE FROM events`,
		`DELETE FROM executions`,
		`INSERT INTO executions (` + executionColumns + `)
		 SELECT ` + executionColumns + ` FROM restore_src.executions`,
		`INSERT INTO events (id, execution_id, event_type, event_data, created_at)
		 SELECT id, execution_id, event_type, event_data, created_at FROM restore_src.events`,
		`INSERT INTO checkpoints (id, execution_id, step_id, checkpoint_data, created_at)
		 SELECT id, execution_id, step_id, checkpoint_data, created_at FROM restore_src.checkpoints`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return schema.NewErrorf(schema.ErrCodeBackup, "restore from %q", path).WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeBackup, "commit restore").WithCause(err)
	}

	bc.logger.Info("store restored",
		slog.String("path", path),
		slog.String("safety_snapshot", safety),
	)
	return nil
}

// safetyPath derives a timestamped sibling path for the pre-restore copy.
func (bc *BackupCoordinator) safetyPath() string {
	base := strings.TrimPrefix(bc.store.Path(), "file:")
	return fmt.Sprintf("%s.pre-restore-%s.db", base, time.Now().UTC().Format("20060102T150405"))
}

// Export bundles one execution with, optionally, its events and
// checkpoints for transfer to another store.
func (bc *BackupCoordinator) Export(ctx context.Context, executionID string, includeEvents, includeCheckpoints bool) (*ExportBundle, error) {
	ec, err := bc.store.GetExecution(ctx, executionID)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe
		}
		return nil, schema.NewError(schema.ErrCodeStore, "read execution for export").
			WithExecution(executionID).
			WithCause(err)
	}

	bundle := &ExportBundle{
		FormatVersion: ExportFormatVersion,
		ExportedAt:    time.Now().UTC(),
		Execution:     ec,
	}
	if includeEvents {
		if bundle.Events, err = bc.store.ListEvents(ctx, executionID, ""); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "read events for export").
				WithExecution(executionID).
				WithCause(err)
		}
	}
	if includeCheckpoints {
		if bundle.Checkpoints, err = bc.store.ListCheckpoints(ctx, executionID); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "read checkpoints for export").
				WithExecution(executionID).
				WithCause(err)
		}
	}
	return bundle, nil
}

// Import validates a bundle against the export schema and re-inserts it in
// dependency order: execution first, then events, then checkpoints. The
// whole import is one transaction.
func (bc *BackupCoordinator) Import(ctx context.Context, data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "parse import bundle").WithCause(err)
	}
	if err := bc.bundleSchema.Validate(doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "import bundle failed schema validation").WithCause(err)
	}

	var bundle ExportBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "decode import bundle").WithCause(err)
	}
	ec := bundle.Execution

	tx, err := bc.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin import transaction").WithCause(err)
	}
	defer tx.Rollback()

	leadData, err := nullPayload(ec.LeadData)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "marshal lead_data").WithCause(err)
	}
	variables, err := nullPayload(ec.Variables)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "marshal variables").WithCause(err)
	}
	pathData, err := nullPayload(ec.Path)
	if err != nil {
		return schema.NewError(schema.ErrCodeSerialization, "marshal execution_path").WithCause(err)
	}
	if _, err := tx.ExecContext(ctx,
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
		leadData, variables, pathData, ec.RetryCount, nullStr(ec.ErrorMessage),
		timeOrNow(ec.CreatedAt), timeOrNow(ec.UpdatedAt), nullTime(ec.CompletedAt),
	); err != nil {
		return schema.NewError(schema.ErrCodeStore, "import execution").
			WithExecution(ec.ExecutionID).
			WithCause(err)
	}

	for _, e := range bundle.Events {
		data, err := nullPayload(e.Data)
		if err != nil {
			return schema.NewError(schema.ErrCodeSerialization, "marshal event_data").WithCause(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (execution_id, event_type, event_data, created_at)
			 VALUES (?, ?, ?, ?)`,
			e.ExecutionID, e.Type, data, timeOrNow(e.CreatedAt),
		); err != nil {
			return schema.NewError(schema.ErrCodeStore, "import event").
				WithExecution(e.ExecutionID).
				WithCause(err)
		}
	}

	for _, cp := range bundle.Checkpoints {
		data, err := nullPayload(cp.Data)
		if err != nil {
			return schema.NewError(schema.ErrCodeSerialization, "marshal checkpoint_data").WithCause(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (execution_id, step_id, checkpoint_data, created_at)
			 VALUES (?, ?, ?, ?)`,
			cp.ExecutionID, cp.StepID, data, timeOrNow(cp.CreatedAt),
		); err != nil {
			return schema.NewError(schema.ErrCodeStore, "import checkpoint").
				WithExecution(cp.ExecutionID).
				WithCause(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit import").WithCause(err)
	}

	bc.logger.Info("execution imported",
		slog.String("execution_id", ec.ExecutionID),
		slog.Int("events", len(bundle.Events)),
		slog.Int("checkpoints", len(bundle.Checkpoints)),
	)
	return nil
}
