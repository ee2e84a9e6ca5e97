package sync

import (
	"encoding/json"
	"time"
)

// MessageType defines the type of a wire message.
type MessageType string

const (
	// MessageTypeBatchUpdate carries a client change batch to the server.
	MessageTypeBatchUpdate MessageType = "batch_update"

	// MessageTypeSyncData carries server state down to a client, either as
	// catch-up after force_sync or as fan-out of another session's change.
	MessageTypeSyncData MessageType = "sync_data"

	// MessageTypeOperationConfirmed acknowledges a single applied operation.
	MessageTypeOperationConfirmed MessageType = "operation_confirmed"

	// MessageTypeOperationFailed reports a single rejected operation.
	MessageTypeOperationFailed MessageType = "operation_failed"

	// MessageTypeSyncConflict reports a version conflict that needs
	// resolution.
	MessageTypeSyncConflict MessageType = "sync_conflict"

	// MessageTypeForceSync asks the server for all changes above the
	// client's observed sync version.
	MessageTypeForceSync MessageType = "force_sync"

	// MessageTypeDeviceStatus notifies a user's sessions that one of
	// their devices connected or disconnected.
	MessageTypeDeviceStatus MessageType = "device_status"

	// MessageTypePing and MessageTypePong implement the heartbeat.
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// Envelope is the wire format for all sync messages.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope of the given type.
// Marshal errors are impossible for the protocol payload types and
// reported as an empty body.
func NewEnvelope(t MessageType, data any) Envelope {
	raw, _ := json.Marshal(data)
	return Envelope{Type: t, Timestamp: time.Now().UTC(), Data: raw}
}

// BatchUpdateData is the payload of a batch_update message.
type BatchUpdateData struct {
	Batch ChangeBatch `json:"batch"`
}

// OperationConfirmedData acknowledges one operation and reports the sync
// version the aggregate reached.
type OperationConfirmedData struct {
	OperationID string `json:"operation_id"`
	AggregateID string `json:"aggregate_id"`
	SyncVersion int64  `json:"sync_version"`
}

// OperationFailedData reports one rejected operation.
type OperationFailedData struct {
	Failure OperationError `json:"failure"`

	// SyncVersion is the server's current version for the user,
	// so even failures keep the client's low-water-mark fresh.
	SyncVersion int64 `json:"sync_version"`
}

// ConflictData surfaces a version conflict with both operations intact.
type ConflictData struct {
	ConflictID  string       `json:"conflict_id"`
	DataType    DataType     `json:"data_type"`
	AggregateID string       `json:"aggregate_id"`
	Local       ChangeRecord `json:"local_operation"`
	Remote      RemoteState  `json:"remote_operation"`
	SyncVersion int64        `json:"sync_version"`
}

// RemoteState describes the server-side state a local operation conflicted
// with. UpdatedAt is the client timestamp of the write that produced the
// stored state, not the server apply time, so last-writer-wins compares
// like with like on both sides.
type RemoteState struct {
	DeviceID    string          `json:"device_id"`
	SyncVersion int64           `json:"sync_version"`
	UpdatedAt   int64           `json:"updated_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ForceSyncData asks for every change above SinceVersion.
type ForceSyncData struct {
	SinceVersion int64  `json:"since_version"`
	DeviceID     string `json:"device_id"`
}

// SyncDataPayload carries aggregate state down to clients.
type SyncDataPayload struct {
	DataType    DataType        `json:"data_type"`
	AggregateID string          `json:"aggregate_id"`
	Action      Action          `json:"action"`
	ItemID      string          `json:"item_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	DeviceID    string          `json:"device_id"`
	SyncVersion int64           `json:"sync_version"`
}

// DeviceStatusData notifies sessions about device connectivity.
type DeviceStatusData struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
	Online    bool   `json:"online"`
}

// PingData carries a client heartbeat; the server echoes RequestID in the
// pong together with its current sync version.
type PingData struct {
	RequestID string `json:"request_id"`
}

// PongData answers a ping.
type PongData struct {
	RequestID   string `json:"request_id"`
	SyncVersion int64  `json:"sync_version"`
}
