// Package queue buffers captured change records before they are sent.
//
// Rapid-fire edits are debounced per data type: a batch is released only
// once its type has been quiet for the debounce window, or once its oldest
// record has waited the maximum batch delay, whichever comes first. An
// update to a target that is already buffered coalesces into the existing
// slot so a burst of keystrokes becomes one operation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// Persister durably stores operations until they are confirmed.
type Persister interface {
	SavePending(ch syncpkg.ChangeRecord) error
	DeletePending(operationID string) error
}

// Config holds queue tuning parameters.
type Config struct {
	// Debounce is how long a data type must be quiet before its buffer
	// is released.
	Debounce time.Duration

	// MaxBatchDelay bounds how long any record may wait in the buffer,
	// regardless of ongoing activity.
	MaxBatchDelay time.Duration

	// SweepInterval is how often the run loop checks for ready batches.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard queue windows.
func DefaultConfig() Config {
	return Config{
		Debounce:      1 * time.Second,
		MaxBatchDelay: 2 * time.Second,
		SweepInterval: 250 * time.Millisecond,
	}
}

type typeBuffer struct {
	records  []syncpkg.ChangeRecord
	byTarget map[string]int // aggregate|item -> index, updates only
	firstAdd time.Time
	lastAdd  time.Time
}

// Queue is the per-data-type debounced operation buffer.
type Queue struct {
	config  Config
	clock   clock.Clock
	persist Persister
	logger  *slog.Logger

	mu      sync.Mutex
	buffers map[syncpkg.DataType]*typeBuffer

	deviceID  string
	versionFn func() int64 // client's observed sync version, for batches

	out chan syncpkg.ChangeBatch
}

// New creates a Queue. persist may be nil for a purely in-memory queue;
// versionFn supplies the low-water-mark stamped on outgoing batches.
func New(config Config, clk clock.Clock, persist Persister, deviceID string, versionFn func() int64, logger *slog.Logger) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if versionFn == nil {
		versionFn = func() int64 { return 0 }
	}
	return &Queue{
		config:    config,
		clock:     clk,
		persist:   persist,
		logger:    logger,
		buffers:   make(map[syncpkg.DataType]*typeBuffer),
		deviceID:  deviceID,
		versionFn: versionFn,
		out:       make(chan syncpkg.ChangeBatch, 16),
	}
}

// Enqueue buffers a captured change record.
//
// An update targeting an aggregate (and item) that already has a buffered
// update coalesces: the newer record replaces the older one in place and the
// older operation is dropped as if it never existed.
func (q *Queue) Enqueue(ch syncpkg.ChangeRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	buf, ok := q.buffers[ch.DataType]
	if !ok {
		buf = &typeBuffer{byTarget: make(map[string]int), firstAdd: now}
		q.buffers[ch.DataType] = buf
	}
	buf.lastAdd = now

	if ch.Action == syncpkg.ActionUpdate {
		target := ch.AggregateID + "|" + ch.ItemID
		if idx, exists := buf.byTarget[target]; exists {
			superseded := buf.records[idx]
			buf.records[idx] = ch
			if q.persist != nil {
				if err := q.persist.DeletePending(superseded.OperationID); err != nil {
					return err
				}
				return q.persist.SavePending(ch)
			}
			return nil
		}
		buf.byTarget[target] = len(buf.records)
	}

	// A delete invalidates the coalescing slot for its target: a later
	// update must land after the delete, not merge into a record before it.
	if ch.Action == syncpkg.ActionDelete {
		delete(buf.byTarget, ch.AggregateID+"|"+ch.ItemID)
	}

	buf.records = append(buf.records, ch)
	if q.persist != nil {
		return q.persist.SavePending(ch)
	}
	return nil
}

// Len returns the number of buffered records across all data types.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, buf := range q.buffers {
		n += len(buf.records)
	}
	return n
}

// Sweep releases every batch whose debounce or maximum delay window has
// elapsed. The run loop calls this periodically; it is exported so flush
// timing stays deterministic under a fake clock.
func (q *Queue) Sweep() []syncpkg.ChangeBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var ready []syncpkg.ChangeBatch
	for dt, buf := range q.buffers {
		quiet := now.Sub(buf.lastAdd) >= q.config.Debounce
		overdue := now.Sub(buf.firstAdd) >= q.config.MaxBatchDelay
		if !quiet && !overdue {
			continue
		}
		ready = append(ready, q.drainLocked(dt, buf))
	}
	return ready
}

// FlushAll releases every non-empty buffer immediately, regardless of
// windows. Used on manual sync and on reconnect.
func (q *Queue) FlushAll() []syncpkg.ChangeBatch {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batches []syncpkg.ChangeBatch
	for dt, buf := range q.buffers {
		batches = append(batches, q.drainLocked(dt, buf))
	}
	return batches
}

func (q *Queue) drainLocked(dt syncpkg.DataType, buf *typeBuffer) syncpkg.ChangeBatch {
	batch := syncpkg.ChangeBatch{
		DataType:          dt,
		Changes:           buf.records,
		ClientSyncVersion: q.versionFn(),
		DeviceID:          q.deviceID,
	}
	delete(q.buffers, dt)
	return batch
}

// Batches is the channel the run loop publishes released batches on.
func (q *Queue) Batches() <-chan syncpkg.ChangeBatch {
	return q.out
}

// Run sweeps the buffers until ctx is canceled, publishing released batches
// on the Batches channel.
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			for _, batch := range q.Sweep() {
				q.logger.Debug("Releasing change batch",
					"data_type", batch.DataType,
					"changes", len(batch.Changes))
				select {
				case q.out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
