package storage

import (
	"encoding/json"
	"time"
)

// Bucket names for bbolt database
const (
	ActionsBucket = "actions"
	MetaBucket    = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// Action outcomes
const (
	OutcomeDispatched = "dispatched"
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
)

// ActionRecord is one entry in the server action audit trail. The registry
// itself is never persisted; only the history of dispatched actions and
// their outcomes survives a restart.
type ActionRecord struct {
	ActionID     string    `json:"action_id"`
	ServerID     string    `json:"server_id"`
	ServerName   string    `json:"server_name,omitempty"`
	ActionType   string    `json:"action_type"`
	Outcome      string    `json:"outcome"` // dispatched, completed, failed
	Message      string    `json:"message,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
	ResolvedAt   time.Time `json:"resolved_at,omitempty"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ActionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ActionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
