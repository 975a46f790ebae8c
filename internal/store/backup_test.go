package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadpipe/flowstate/pkg/schema"
)

func newTestBackupCoordinator(t *testing.T) (*BackupCoordinator, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	bc, err := NewBackupCoordinator(s, newTestLogger())
	require.NoError(t, err)
	return bc, s
}

func TestBackup_WritesSnapshot(t *testing.T) {
	bc, s := newTestBackupCoordinator(t)
	ctx := context.Background()

	ec := seedExecution(t, s, "welcome_seq", "lead-1", schema.StatusRunning)

	backupPath := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, bc.Backup(ctx, backupPath))

	// The snapshot is a complete, openable store.
	snap, err := NewLibSQLStore("file:" + backupPath)
	require.NoError(t, err)
	defer snap.Close()

	got, err := snap.GetExecution(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ec.WorkflowID, got.WorkflowID)
}

func TestBackup_EmptyPath(t *testing.T) {
	bc, _ := newTestBackupCoordinator(t)
	err := bc.Backup(context.Background(), "")
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestRestore_RoundTrip(t *testing.T) {
	bc, s := newTestBackupCoordinator(t)
	ctx := context.Background()

	kept := seedAgedExecution(t, s, "welcome_seq", schema.StatusRunning, 1)

	backupPath := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, bc.Backup(ctx, backupPath))

	// Diverge from the snapshot: add a new execution and mutate the old one.
	added := seedExecution(t, s, "winback_seq", "lead-9", schema.StatusRunning)
	kept.Status = schema.StatusFailed
	kept.ErrorMessage = "diverged"
	require.NoError(t, s.UpsertExecution(ctx, kept))

	require.NoError(t, bc.Restore(ctx, backupPath))

	// Post-restore state matches the snapshot exactly.
	got, err := s.GetExecution(ctx, kept.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Empty(t, got.ErrorMessage)

	_, err = s.GetExecution(ctx, added.ExecutionID)
	assert.True(t, schema.IsNotFound(err))

	// Children came back with the snapshot.
	cps, err := s.ListCheckpoints(ctx, kept.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
	events, err := s.ListEvents(ctx, kept.ExecutionID, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// Restore left a timestamped safety snapshot next to the database.
	safeties, err := filepath.Glob(s.Path()[len("file:"):] + ".pre-restore-*")
	require.NoError(t, err)
	assert.Len(t, safeties, 1)
}

func TestExport_IncludesRequestedChildren(t *testing.T) {
	bc, s := newTestBackupCoordinator(t)
	ctx := context.Background()

	ec := seedAgedExecution(t, s, "welcome_seq", schema.StatusPaused, 1)

	bare, err := bc.Export(ctx, ec.ExecutionID, false, false)
	require.NoError(t, err)
	assert.Equal(t, ExportFormatVersion, bare.FormatVersion)
	assert.Equal(t, ec.ExecutionID, bare.Execution.ExecutionID)
	assert.Empty(t, bare.Events)
	assert.Empty(t, bare.Checkpoints)

	full, err := bc.Export(ctx, ec.ExecutionID, true, true)
	require.NoError(t, err)
	assert.Len(t, full.Events, 1)
	assert.Len(t, full.Checkpoints, 1)
}

func TestExport_NotFound(t *testing.T) {
	bc, _ := newTestBackupCoordinator(t)
	_, err := bc.Export(context.Background(), "ghost", true, true)
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestImport_RoundTripIntoFreshStore(t *testing.T) {
	src, srcStore := newTestBackupCoordinator(t)
	dst, dstStore := newTestBackupCoordinator(t)
	ctx := context.Background()

	ec := seedAgedExecution(t, srcStore, "welcome_seq", schema.StatusPaused, 1)

	bundle, err := src.Export(ctx, ec.ExecutionID, true, true)
	require.NoError(t, err)
	data, err := json.Marshal(bundle)
	require.NoError(t, err)

	require.NoError(t, dst.Import(ctx, data))

	got, err := dstStore.GetExecution(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ec.WorkflowID, got.WorkflowID)
	assert.Equal(t, ec.LeadID, got.LeadID)
	assert.Equal(t, schema.StatusPaused, got.Status)

	events, err := dstStore.ListEvents(ctx, ec.ExecutionID, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
	cps, err := dstStore.ListCheckpoints(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestImport_RejectsInvalidBundles(t *testing.T) {
	bc, _ := newTestBackupCoordinator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data string
		code string
	}{
		{"not json", `{{{`, schema.ErrCodeSerialization},
		{"missing execution", `{"format_version": 1}`, schema.ErrCodeValidation},
		{"wrong format version", `{"format_version": 2, "execution": {"execution_id": "e", "workflow_id": "w", "lead_id": "l", "status": "running"}}`, schema.ErrCodeValidation},
		{"unknown status", `{"format_version": 1, "execution": {"execution_id": "e", "workflow_id": "w", "lead_id": "l", "status": "bogus"}}`, schema.ErrCodeValidation},
		{"empty execution id", `{"format_version": 1, "execution": {"execution_id": "", "workflow_id": "w", "lead_id": "l", "status": "running"}}`, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bc.Import(ctx, []byte(tt.data))
			require.Error(t, err)
			fe, ok := err.(*schema.FlowError)
			require.True(t, ok)
			assert.Equal(t, tt.code, fe.Code)
		})
	}
}
