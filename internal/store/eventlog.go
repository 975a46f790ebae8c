package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/leadpipe/flowstate/internal/logging"
	"github.com/leadpipe/flowstate/pkg/schema"
)

// EventLog is the append-only audit trail for executions. Entries are
// mutated or deleted only through the retention cascade.
type EventLog struct {
	store  Store
	logger *slog.Logger

	// mu guards the cache of compiled jq filter programs.
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewEventLog wraps a Store with audit-log operations.
func NewEventLog(s Store, logger *slog.Logger) *EventLog {
	return &EventLog{
		store:  s,
		logger: logger,
		cache:  make(map[string]*gojq.Code),
	}
}

// Append records an audit event for an execution. The event type is a
// free-form tag; the data payload is opaque to the store.
func (el *EventLog) Append(ctx context.Context, executionID, eventType string, data schema.Payload) (*Event, error) {
	if executionID == "" || eventType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution id and event type are required")
	}
	e := &Event{
		ExecutionID: executionID,
		Type:        eventType,
		Data:        data,
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		logging.LogWith(ctx, el.logger).Error("append event failed",
			slog.String("execution_id", executionID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return nil, schema.NewError(schema.ErrCodeStore, "persist event").
			WithExecution(executionID).
			WithCause(err)
	}
	return e, nil
}

// Events returns the audit trail for an execution, most recent first.
// Pass an empty eventType for no type filter.
func (el *EventLog) Events(ctx context.Context, executionID, eventType string) ([]*Event, error) {
	events, err := el.store.ListEvents(ctx, executionID, eventType)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			return nil, fe
		}
		return nil, schema.NewError(schema.ErrCodeStore, "read events").
			WithExecution(executionID).
			WithCause(err)
	}
	return events, nil
}

// FilterEvents returns the events whose data payload satisfies a jq
// expression, most recent first. The expression runs against the decoded
// data object of each event; any output other than false or null keeps
// the event. Events with no data payload never match.
func (el *EventLog) FilterEvents(ctx context.Context, executionID, expression string) ([]*Event, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := el.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	events, err := el.Events(ctx, executionID, "")
	if err != nil {
		return nil, err
	}

	var matched []*Event
	for _, e := range events {
		if len(e.Data.Data) == 0 {
			continue
		}
		var doc any
		if err := json.Unmarshal(e.Data.Data, &doc); err != nil {
			// Opaque payloads are not required to be objects; skip
			// anything jq cannot consume.
			continue
		}
		ok, err := evalTruthy(ctx, code, doc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q", expression).WithCause(err)
		}
		if ok {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// getOrCompile returns a cached compiled jq program or compiles and caches it.
func (el *EventLog) getOrCompile(expression string) (*gojq.Code, error) {
	el.mu.RLock()
	if code, ok := el.cache[expression]; ok {
		el.mu.RUnlock()
		return code, nil
	}
	el.mu.RUnlock()

	el.mu.Lock()
	defer el.mu.Unlock()
	if code, ok := el.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse jq expression %q", expression).WithCause(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile jq expression %q", expression).WithCause(err)
	}
	el.cache[expression] = code
	return code, nil
}

// evalTruthy runs a compiled jq program and reports whether any output is
// truthy in the jq sense (anything but false and null).
func evalTruthy(ctx context.Context, code *gojq.Code, doc any) (bool, error) {
	iter := code.RunWithContext(ctx, doc)
	for {
		val, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := val.(error); isErr {
			return false, err
		}
		if val != nil && val != false {
			return true, nil
		}
	}
}
