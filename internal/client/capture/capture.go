// Package capture turns local data mutations into change records.
//
// Sources register themselves per data type. A source reports its local
// mutations through the capture and receives remote changes through its
// Apply method. While a remote change is being applied, capture for that
// data type is suppressed so an applied change never echoes back into the
// queue as a fresh local operation.
package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// Source is a local data source adapter.
type Source interface {
	// DataType identifies the tracked store this source owns.
	DataType() syncpkg.DataType

	// Apply integrates a remote change into local state. It is called with
	// capture suppressed for the source's data type.
	Apply(payload syncpkg.SyncDataPayload) error
}

// Capture converts local mutations into change records and routes remote
// changes back to their sources.
type Capture struct {
	deviceID  string
	sessionID string
	clock     clock.Clock
	sink      func(syncpkg.ChangeRecord) error
	logger    *slog.Logger

	mu       sync.Mutex
	sources  map[syncpkg.DataType]Source
	applying map[syncpkg.DataType]bool
}

// New creates a Capture. sink receives every captured record, typically the
// operation queue's Enqueue.
func New(deviceID, sessionID string, clk clock.Clock, sink func(syncpkg.ChangeRecord) error, logger *slog.Logger) *Capture {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		deviceID:  deviceID,
		sessionID: sessionID,
		clock:     clk,
		sink:      sink,
		logger:    logger,
		sources:   make(map[syncpkg.DataType]Source),
		applying:  make(map[syncpkg.DataType]bool),
	}
}

// Register adds a source for its data type, replacing any previous one.
func (c *Capture) Register(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[src.DataType()] = src
}

// RecordCreate captures a local create of a new aggregate.
func (c *Capture) RecordCreate(dt syncpkg.DataType, aggregateID string, payload json.RawMessage) error {
	ch := syncpkg.NewChangeRecord(c.deviceID, c.sessionID, dt, syncpkg.ActionCreate, aggregateID, payload, c.clock.Now())
	return c.record(ch)
}

// RecordUpdate captures a local update against the given base version.
// itemID may be empty for aggregate-level updates.
func (c *Capture) RecordUpdate(dt syncpkg.DataType, aggregateID, itemID string, baseVersion int64, payload json.RawMessage) error {
	ch := syncpkg.NewChangeRecord(c.deviceID, c.sessionID, dt, syncpkg.ActionUpdate, aggregateID, payload, c.clock.Now())
	ch.ItemID = itemID
	ch.BaseVersion = baseVersion
	return c.record(ch)
}

// RecordDelete captures a local soft-delete.
func (c *Capture) RecordDelete(dt syncpkg.DataType, aggregateID, itemID string, baseVersion int64) error {
	ch := syncpkg.NewChangeRecord(c.deviceID, c.sessionID, dt, syncpkg.ActionDelete, aggregateID, nil, c.clock.Now())
	ch.ItemID = itemID
	ch.BaseVersion = baseVersion
	return c.record(ch)
}

func (c *Capture) record(ch syncpkg.ChangeRecord) error {
	c.mu.Lock()
	suppressed := c.applying[ch.DataType]
	c.mu.Unlock()

	if suppressed {
		// This mutation is the local effect of a remote change being
		// applied; sending it back would loop it between devices.
		c.logger.Debug("Suppressing echo of remote change",
			"data_type", ch.DataType, "aggregate_id", ch.AggregateID)
		return nil
	}

	if err := ch.Validate(); err != nil {
		return err
	}
	return c.sink(ch)
}

// ApplyRemote routes a server change to its source with capture suppressed.
func (c *Capture) ApplyRemote(payload syncpkg.SyncDataPayload) error {
	c.mu.Lock()
	src, ok := c.sources[payload.DataType]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: no source registered for data type %q", syncpkg.ErrValidation, payload.DataType)
	}
	c.applying[payload.DataType] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.applying[payload.DataType] = false
		c.mu.Unlock()
	}()

	return src.Apply(payload)
}
