package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadpipe/flowstate/pkg/schema"
)

func newTestStateStore(t *testing.T) (*StateStore, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewStateStore(s, newTestLogger()), s
}

func TestSaveAndLoadState_RoundTrip(t *testing.T) {
	ss, _ := newTestStateStore(t)
	ctx := context.Background()

	ec := newExecution("welcome_seq", "lead-1", schema.StatusRunning)
	ec.CurrentStepID = "step_2"
	ec.LeadData = schema.NewPayload(json.RawMessage(`{"name":"Ada","score":87}`))
	ec.Variables = schema.NewPayload(json.RawMessage(`{"offer":"10%"}`))
	ec.Path = schema.NewPayload(json.RawMessage(`[{"step":"step_1"},{"step":"step_2"}]`))
	require.NoError(t, ss.SaveState(ctx, ec))

	got, err := ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ec.ExecutionID, got.ExecutionID)
	assert.Equal(t, ec.WorkflowID, got.WorkflowID)
	assert.Equal(t, ec.LeadID, got.LeadID)
	assert.Equal(t, ec.CurrentStepID, got.CurrentStepID)
	assert.Equal(t, ec.Status, got.Status)
	assert.JSONEq(t, string(ec.LeadData.Data), string(got.LeadData.Data))
	assert.JSONEq(t, string(ec.Variables.Data), string(got.Variables.Data))
	assert.JSONEq(t, string(ec.Path.Data), string(got.Path.Data))
	assert.Equal(t, time.UTC, got.CreatedAt.Location())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestSaveState_Idempotent(t *testing.T) {
	ss, _ := newTestStateStore(t)
	ctx := context.Background()

	ec := newExecution("welcome_seq", "lead-1", schema.StatusPending)
	require.NoError(t, ss.SaveState(ctx, ec))

	ec.Status = schema.StatusRunning
	ec.CurrentStepID = "step_1"
	ec.RetryCount = 1
	require.NoError(t, ss.SaveState(ctx, ec))

	got, err := ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusRunning, got.Status)
	assert.Equal(t, "step_1", got.CurrentStepID)
	assert.Equal(t, 1, got.RetryCount)
}

func TestSaveState_Validation(t *testing.T) {
	ss, _ := newTestStateStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ec   *ExecutionContext
	}{
		{"nil context", nil},
		{"missing execution id", &ExecutionContext{WorkflowID: "wf", LeadID: "l", Status: schema.StatusRunning}},
		{"missing workflow id", &ExecutionContext{ExecutionID: "e", LeadID: "l", Status: schema.StatusRunning}},
		{"missing lead id", &ExecutionContext{ExecutionID: "e", WorkflowID: "wf", Status: schema.StatusRunning}},
		{"unknown status", &ExecutionContext{ExecutionID: "e", WorkflowID: "wf", LeadID: "l", Status: "bogus"}},
		{"negative retry count", &ExecutionContext{ExecutionID: "e", WorkflowID: "wf", LeadID: "l", Status: schema.StatusRunning, RetryCount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ss.SaveState(ctx, tt.ec)
			require.Error(t, err)
			fe, ok := err.(*schema.FlowError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, fe.Code)
		})
	}
}

func TestSaveState_CompletionTimestamps(t *testing.T) {
	ss, _ := newTestStateStore(t)
	ctx := context.Background()

	// Terminal completed status gets a completion timestamp.
	ec := newExecution("welcome_seq", "lead-1", schema.StatusCompleted)
	require.NoError(t, ss.SaveState(ctx, ec))
	got, err := ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// Back to running clears it again.
	got.Status = schema.StatusRunning
	got.RetryCount++
	require.NoError(t, ss.SaveState(ctx, got))
	got, err = ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	// Error status is terminal but carries no completion timestamp.
	got.Status = schema.StatusError
	got.ErrorMessage = "provider timeout"
	require.NoError(t, ss.SaveState(ctx, got))
	got, err = ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, "provider timeout", got.ErrorMessage)
}

func TestSaveState_UpdatedAtNeverBehindCreatedAt(t *testing.T) {
	ss, _ := newTestStateStore(t)
	ctx := context.Background()

	ec := newExecution("welcome_seq", "lead-1", schema.StatusRunning)
	ec.UpdatedAt = ec.CreatedAt.Add(-time.Hour)
	require.NoError(t, ss.SaveState(ctx, ec))

	got, err := ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestLoadState_NotFound(t *testing.T) {
	ss, _ := newTestStateStore(t)
	_, err := ss.LoadState(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, schema.IsNotFound(err))
}

func TestLoadState_MalformedPayload(t *testing.T) {
	ss, s := newTestStateStore(t)
	ctx := context.Background()

	ec := newExecution("welcome_seq", "lead-1", schema.StatusRunning)
	require.NoError(t, ss.SaveState(ctx, ec))

	// Corrupt the stored payload behind the store's back.
	_, err := s.DB().ExecContext(ctx,
		`UPDATE executions SET variables = 'not json' WHERE id = ?`, ec.ExecutionID)
	require.NoError(t, err)

	_, err = ss.LoadState(ctx, ec.ExecutionID)
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSerialization, fe.Code)
}

// Full pause/resume/complete flow: state, checkpoint, audit event and
// query service working together on one execution.
func TestExecutionLifecycleFlow(t *testing.T) {
	s := newTestStore(t)
	logger := newTestLogger()
	ss := NewStateStore(s, logger)
	cs := NewCheckpointStore(s, logger)
	el := NewEventLog(s, logger)
	qs := NewQueryService(s, logger)
	ctx := context.Background()

	ec := newExecution("welcome_seq", "L1", schema.StatusRunning)
	require.NoError(t, ss.SaveState(ctx, ec))

	_, err := cs.Create(ctx, ec.ExecutionID, "step_2", schema.NewPayload(json.RawMessage(`{"offer":"10%"}`)))
	require.NoError(t, err)

	_, err = el.Append(ctx, ec.ExecutionID, schema.EventStepEntered, schema.NewPayload(json.RawMessage(`{"step":"step_2"}`)))
	require.NoError(t, err)

	ec.Status = schema.StatusCompleted
	require.NoError(t, ss.SaveState(ctx, ec))

	got, err := ss.LoadState(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	cps, err := cs.Checkpoints(ctx, ec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "step_2", cps[0].StepID)

	byWorkflow, err := qs.ExecutionsByWorkflow(ctx, "welcome_seq", nil, 0)
	require.NoError(t, err)
	require.Len(t, byWorkflow, 1)
	assert.Equal(t, ec.ExecutionID, byWorkflow[0].ExecutionID)
}
