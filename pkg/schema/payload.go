package schema

import "encoding/json"

// PayloadSchemaVersion is the current payload envelope version. Bump when
// the envelope shape changes, not when the business data inside changes.
const PayloadSchemaVersion = 1

// Payload is an opaque, schema-versioned JSON blob. The store persists
// lead data, variables, execution paths, checkpoint snapshots and event
// data through this envelope without ever interpreting the business
// semantics inside — those belong entirely to the orchestrator.
type Payload struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewPayload wraps raw JSON in a current-version envelope.
func NewPayload(data json.RawMessage) Payload {
	return Payload{SchemaVersion: PayloadSchemaVersion, Data: data}
}

// MarshalPayload wraps an arbitrary serializable value in a
// current-version envelope.
func MarshalPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, NewError(ErrCodeSerialization, "marshal payload data").WithCause(err)
	}
	return NewPayload(data), nil
}

// IsZero reports whether the payload carries no data at all. Zero payloads
// are stored as NULL and load back as the zero value.
func (p Payload) IsZero() bool {
	return p.SchemaVersion == 0 && len(p.Data) == 0
}
