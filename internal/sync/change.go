// Package sync defines the shared wire protocol and change-record model for
// the studysync engine.
//
// Both halves of the system speak this package:
//  1. The client captures local mutations as ChangeRecords, batches them,
//     and sends them inside Envelope messages.
//  2. The server reconciles batches against its versioned store and answers
//     with per-operation acknowledgments, failures, or conflicts.
//
// ChangeRecords are immutable once created and are identified by their
// OperationID for deduplication: the same OperationID must never be applied
// twice.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DataType identifies which tracked store a change belongs to.
type DataType string

const (
	// DataTypeSettings covers scalar user settings and mirrored
	// key-value entries. Conflicts resolve last-writer-wins.
	DataTypeSettings DataType = "settings"

	// DataTypeProgress covers watch time and completion state.
	// Conflicts merge with max-of-numerics / OR-of-booleans.
	DataTypeProgress DataType = "progress"

	// DataTypeStatistics covers additive counters (e.g. cards reviewed).
	// Conflicts merge by summing.
	DataTypeStatistics DataType = "statistics"

	// DataTypeNotes covers free-text study notes.
	// Conflicts always escalate to the user.
	DataTypeNotes DataType = "notes"

	// DataTypeConversation covers AI-assistant conversations and their
	// messages. Conflicts always escalate to the user.
	DataTypeConversation DataType = "conversation"
)

// Valid reports whether dt is one of the known data types.
func (dt DataType) Valid() bool {
	switch dt {
	case DataTypeSettings, DataTypeProgress, DataTypeStatistics, DataTypeNotes, DataTypeConversation:
		return true
	}
	return false
}

// Action is the kind of mutation a change record carries.
type Action string

const (
	// ActionCreate creates a new aggregate identified by a stable
	// client-assigned id. Replays are idempotent.
	ActionCreate Action = "create"

	// ActionUpdate updates an existing aggregate against a base version.
	ActionUpdate Action = "update"

	// ActionDelete soft-deletes an aggregate or sub-item. Deleting an
	// already-deleted target is an idempotent no-op.
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ChangeRecord is a single captured mutation.
//
// Records are immutable once created. OperationID is client-generated and
// globally unique; it is the deduplication key on the server and the
// acknowledgment key on the client.
type ChangeRecord struct {
	// OperationID uniquely identifies this operation across retries.
	OperationID string `json:"operation_id"`

	// DeviceID identifies the device that produced the change.
	DeviceID string `json:"device_id"`

	// SessionID identifies the connection session that produced it.
	SessionID string `json:"session_id"`

	// DataType selects the tracked store and the conflict policy.
	DataType DataType `json:"data_type"`

	// Action is create, update, or delete.
	Action Action `json:"action"`

	// AggregateID is the stable client-assigned id of the target
	// aggregate. Creation is keyed on it so retried creates are
	// idempotent.
	AggregateID string `json:"aggregate_id"`

	// ItemID optionally targets a sub-item (e.g. a conversation message).
	ItemID string `json:"item_id,omitempty"`

	// BaseVersion is the aggregate sync version the client believes it is
	// mutating. A stored version greater than this is a conflict.
	BaseVersion int64 `json:"base_version"`

	// Payload is the opaque serialized change data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ClientTimestamp is the client wall-clock time of the mutation,
	// in Unix milliseconds. Used by last-writer-wins resolution.
	ClientTimestamp int64 `json:"client_timestamp"`

	// Attempts counts delivery attempts, starting at 1 on first send.
	Attempts int `json:"attempts"`
}

// NewChangeRecord builds an immutable change record with a fresh operation id.
func NewChangeRecord(deviceID, sessionID string, dt DataType, action Action, aggregateID string, payload json.RawMessage, now time.Time) ChangeRecord {
	return ChangeRecord{
		OperationID:     uuid.NewString(),
		DeviceID:        deviceID,
		SessionID:       sessionID,
		DataType:        dt,
		Action:          action,
		AggregateID:     aggregateID,
		Payload:         payload,
		ClientTimestamp: now.UnixMilli(),
	}
}

// Validate checks the structural invariants of a change record.
func (c ChangeRecord) Validate() error {
	if c.OperationID == "" {
		return fmt.Errorf("%w: missing operation_id", ErrValidation)
	}
	if c.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrValidation)
	}
	if !c.DataType.Valid() {
		return fmt.Errorf("%w: unknown data type %q", ErrValidation, c.DataType)
	}
	if !c.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrValidation, c.Action)
	}
	if c.AggregateID == "" {
		return fmt.Errorf("%w: missing aggregate_id", ErrValidation)
	}
	if c.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base_version %d", ErrValidation, c.BaseVersion)
	}
	return nil
}

// ChangeBatch is a group of change records of one data type, flushed together
// after a debounce window.
type ChangeBatch struct {
	DataType DataType `json:"data_type"`

	// Changes are ordered by capture time.
	Changes []ChangeRecord `json:"changes"`

	// ClientSyncVersion is the highest server sync version the client has
	// observed, used as a low-water-mark for catch-up.
	ClientSyncVersion int64 `json:"client_sync_version"`

	// DeviceID identifies the sending device.
	DeviceID string `json:"device_id"`
}
