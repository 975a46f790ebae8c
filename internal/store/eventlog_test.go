package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadpipe/flowstate/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s, newTestLogger()), s
}

func TestAppendAndEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	ec := seedExecution(t, s, "welcome_seq", "lead-1", schema.StatusRunning)

	_, err := el.Append(ctx, ec.ExecutionID, schema.EventExecutionStarted, schema.Payload{})
	require.NoError(t, err)
	_, err = el.Append(ctx, ec.ExecutionID, schema.EventStepEntered,
		schema.NewPayload(json.RawMessage(`{"step":"step_1"}`)))
	require.NoError(t, err)

	events, err := el.Events(ctx, ec.ExecutionID, "")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	filtered, err := el.Events(ctx, ec.ExecutionID, schema.EventStepEntered)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.JSONEq(t, `{"step":"step_1"}`, string(filtered[0].Data.Data))
}

func TestAppend_Validation(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	_, err := el.Append(ctx, "", "step_entered", schema.Payload{})
	require.Error(t, err)

	_, err = el.Append(ctx, "exec-1", "", schema.Payload{})
	require.Error(t, err)
}

func TestFilterEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	ec := seedExecution(t, s, "welcome_seq", "lead-1", schema.StatusRunning)

	for _, step := range []string{"step_1", "step_2", "step_3"} {
		_, err := el.Append(ctx, ec.ExecutionID, schema.EventStepEntered,
			schema.NewPayload(json.RawMessage(`{"step":"`+step+`"}`)))
		require.NoError(t, err)
	}
	// An event with no payload never matches a filter.
	_, err := el.Append(ctx, ec.ExecutionID, schema.EventExecutionPaused, schema.Payload{})
	require.NoError(t, err)

	matched, err := el.FilterEvents(ctx, ec.ExecutionID, `.step == "step_2"`)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.JSONEq(t, `{"step":"step_2"}`, string(matched[0].Data.Data))

	all, err := el.FilterEvents(ctx, ec.ExecutionID, `.step != null`)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFilterEvents_BadExpression(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	ec := seedExecution(t, s, "welcome_seq", "lead-1", schema.StatusRunning)

	_, err := el.FilterEvents(ctx, ec.ExecutionID, "")
	require.Error(t, err)

	_, err = el.FilterEvents(ctx, ec.ExecutionID, ".[broken")
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestFilterEvents_CachesCompiledPrograms(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	ec := seedExecution(t, s, "welcome_seq", "lead-1", schema.StatusRunning)

	_, err := el.Append(ctx, ec.ExecutionID, schema.EventStepEntered,
		schema.NewPayload(json.RawMessage(`{"step":"step_1"}`)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := el.FilterEvents(ctx, ec.ExecutionID, `.step == "step_1"`)
		require.NoError(t, err)
	}
	el.mu.RLock()
	defer el.mu.RUnlock()
	assert.Len(t, el.cache, 1)
}
