package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup target does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyResolved is returned when a conflict resolution is attempted a
// second time. A conflict must never be resolved twice.
var ErrAlreadyResolved = errors.New("conflict already resolved")

// Aggregate is a versioned root object, e.g. a conversation.
type Aggregate struct {
	UserID      string
	ClientID    string
	DataType    string
	Payload     json.RawMessage
	SyncVersion int64
	DeviceID    string

	// ClientTimestamp is the client wall-clock time of the write that
	// produced this state, in Unix milliseconds. Last-writer-wins
	// resolution compares client timestamps on both sides; the
	// server-side apply time (UpdatedAt) would make whichever change
	// arrived first look newer.
	ClientTimestamp int64

	UpdatedAt int64 // Unix milliseconds, server apply time
	DeletedAt *int64
}

// Deleted reports whether the aggregate carries a soft-delete marker.
func (a *Aggregate) Deleted() bool {
	return a.DeletedAt != nil
}

// Item is an independently soft-deletable sub-item of an aggregate,
// e.g. a conversation message.
type Item struct {
	UserID      string
	AggregateID string
	ClientID    string
	Payload     json.RawMessage
	UpdatedAt   int64
	DeletedAt   *int64
}

// Deleted reports whether the item carries a soft-delete marker.
func (i *Item) Deleted() bool {
	return i.DeletedAt != nil
}

// Applied describes the versions a successfully applied change produced.
type Applied struct {
	// AggregateVersion is the aggregate's sync version after the change.
	AggregateVersion int64

	// UserVersion is the per-user monotonic version after the change.
	// Clients use it as their catch-up low-water-mark.
	UserVersion int64
}

// LoggedChange is one entry of the per-user change log, replayed to clients
// during catch-up.
type LoggedChange struct {
	UserVersion      int64
	DataType         string
	AggregateID      string
	ItemID           string
	Action           string
	Payload          json.RawMessage
	DeviceID         string
	AggregateVersion int64
	CreatedAt        int64
}

// Conflict is a persisted version conflict. Conflicts are kept forever for
// audit; resolution only flips the resolved flag.
type Conflict struct {
	ConflictID  string
	UserID      string
	DataType    string
	AggregateID string
	LocalOp     json.RawMessage
	RemoteState json.RawMessage
	Resolved    bool
	Resolution  string
	CreatedAt   int64
	ResolvedAt  *int64
}

// Stats are per-user sync counters, maintained additively.
type Stats struct {
	UserID    string
	Applied   int64
	Conflicts int64
	Resolved  int64
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
