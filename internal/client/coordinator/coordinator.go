// Package coordinator tracks in-flight operations from dispatch to outcome.
//
// Every dispatched operation is active until the server confirms, rejects,
// or escalates it, or until its deadline passes. Timed-out and retryably
// failed operations go back to the queue with their attempt count intact;
// an operation that exhausts its attempts is dropped with a terminal event
// rather than retried forever.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// Sender delivers a batch to the server over the active connection.
type Sender interface {
	SendBatch(batch syncpkg.ChangeBatch) error
}

// Persister durably tracks unconfirmed operations.
type Persister interface {
	SavePending(ch syncpkg.ChangeRecord) error
	DeletePending(operationID string) error
}

// VersionTracker records the highest observed server sync version.
type VersionTracker interface {
	AdvanceSyncVersion(version int64) error
	SyncVersion() (int64, error)
}

// EventKind classifies coordinator outcomes.
type EventKind string

const (
	// EventConfirmed means the server applied the operation.
	EventConfirmed EventKind = "confirmed"

	// EventRequeued means the operation failed retryably or timed out and
	// went back to the queue.
	EventRequeued EventKind = "requeued"

	// EventTerminal means the operation was dropped: either the server
	// rejected it non-retryably or its attempts are exhausted.
	EventTerminal EventKind = "terminal"

	// EventConflict means the server escalated a version conflict that
	// needs user resolution.
	EventConflict EventKind = "conflict"
)

// Event reports the outcome of one tracked operation.
type Event struct {
	Kind        EventKind
	OperationID string
	SyncVersion int64
	Failure     *syncpkg.OperationError
	Conflict    *syncpkg.ConflictData
}

// Config holds coordinator tuning parameters.
type Config struct {
	// OperationDeadline is how long a dispatched operation may wait for a
	// server response.
	OperationDeadline time.Duration

	// MaxAttempts bounds delivery attempts per operation.
	MaxAttempts int

	// SweepInterval is how often the run loop checks deadlines.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard coordinator parameters.
func DefaultConfig() Config {
	return Config{
		OperationDeadline: 10 * time.Second,
		MaxAttempts:       3,
		SweepInterval:     time.Second,
	}
}

type activeOp struct {
	record   syncpkg.ChangeRecord
	deadline time.Time
}

// Coordinator tracks dispatched operations until an outcome is known.
type Coordinator struct {
	config  Config
	clock   clock.Clock
	sender  Sender
	persist Persister
	version VersionTracker
	requeue func(syncpkg.ChangeRecord) error
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*activeOp

	events chan Event
}

// New creates a Coordinator. requeue re-buffers an operation for a later
// batch; persist and version may be nil for in-memory operation.
func New(config Config, clk clock.Clock, sender Sender, persist Persister, version VersionTracker, requeue func(syncpkg.ChangeRecord) error, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config:  config,
		clock:   clk,
		sender:  sender,
		persist: persist,
		version: version,
		requeue: requeue,
		logger:  logger,
		active:  make(map[string]*activeOp),
		events:  make(chan Event, 64),
	}
}

// Events is the stream of operation outcomes.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// ActiveCount returns the number of operations awaiting a server response.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Dispatch sends a batch and marks its operations active.
//
// Attempts are counted here, so a record cycling through requeue and
// re-dispatch carries its history. If sending fails the whole batch goes
// straight back to the queue without burning an attempt; a send failure
// says nothing about the operations themselves.
func (c *Coordinator) Dispatch(batch syncpkg.ChangeBatch) error {
	deadline := c.clock.Now().Add(c.config.OperationDeadline)

	for i := range batch.Changes {
		batch.Changes[i].Attempts++
	}

	if err := c.sender.SendBatch(batch); err != nil {
		c.logger.Warn("Batch send failed, requeueing", "error", err, "changes", len(batch.Changes))
		for i := range batch.Changes {
			batch.Changes[i].Attempts-- // not a delivery attempt
			if c.requeue != nil {
				if rqErr := c.requeue(batch.Changes[i]); rqErr != nil {
					return rqErr
				}
			}
		}
		return err
	}

	c.mu.Lock()
	for _, ch := range batch.Changes {
		c.active[ch.OperationID] = &activeOp{record: ch, deadline: deadline}
		if c.persist != nil {
			if err := c.persist.SavePending(ch); err != nil {
				c.logger.Error("Failed to persist in-flight operation", "error", err)
			}
		}
	}
	c.mu.Unlock()
	return nil
}

// HandleConfirmed settles a confirmed operation and advances the observed
// sync version.
func (c *Coordinator) HandleConfirmed(data syncpkg.OperationConfirmedData) {
	c.settle(data.OperationID)
	c.observeVersion(data.SyncVersion)
	c.emit(Event{
		Kind:        EventConfirmed,
		OperationID: data.OperationID,
		SyncVersion: data.SyncVersion,
	})
}

// HandleFailed settles a rejected operation, requeueing it when the failure
// is retryable and attempts remain.
//
// A failure for an operation that is no longer tracked is ignored: the
// deadline sweep already requeued it, and the late response must not drop
// the requeued record or surface a terminal outcome for it.
func (c *Coordinator) HandleFailed(data syncpkg.OperationFailedData) {
	op := c.take(data.Failure.OperationID)
	c.observeVersion(data.SyncVersion)

	if op == nil {
		c.logger.Debug("Ignoring failure for untracked operation",
			"operation_id", data.Failure.OperationID,
			"code", data.Failure.Code)
		return
	}

	if data.Failure.Retryable && op.record.Attempts < c.config.MaxAttempts {
		c.requeueOp(op.record, &data.Failure)
		return
	}

	c.drop(data.Failure.OperationID)
	c.logger.Warn("Operation failed terminally",
		"operation_id", data.Failure.OperationID,
		"code", data.Failure.Code,
		"message", data.Failure.Message)
	c.emit(Event{
		Kind:        EventTerminal,
		OperationID: data.Failure.OperationID,
		SyncVersion: data.SyncVersion,
		Failure:     &data.Failure,
	})
}

// HandleConflict settles an operation the server escalated. The conflict
// lives on the server until resolved; the local operation is no longer
// pending.
func (c *Coordinator) HandleConflict(data syncpkg.ConflictData) {
	c.settle(data.Local.OperationID)
	c.observeVersion(data.SyncVersion)
	c.emit(Event{
		Kind:        EventConflict,
		OperationID: data.Local.OperationID,
		SyncVersion: data.SyncVersion,
		Conflict:    &data,
	})
}

// CheckDeadlines requeues or drops every operation whose deadline passed.
// The run loop calls this periodically; exported for deterministic tests.
func (c *Coordinator) CheckDeadlines() {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []*activeOp
	for id, op := range c.active {
		if now.Before(op.deadline) {
			continue
		}
		expired = append(expired, op)
		delete(c.active, id)
	}
	c.mu.Unlock()

	for _, op := range expired {
		failure := &syncpkg.OperationError{
			OperationID: op.record.OperationID,
			Code:        "timeout",
			Message:     "no server response within operation deadline",
			Retryable:   true,
		}
		if op.record.Attempts < c.config.MaxAttempts {
			c.requeueOp(op.record, failure)
			continue
		}

		c.drop(op.record.OperationID)
		c.logger.Warn("Operation exhausted attempts",
			"operation_id", op.record.OperationID,
			"attempts", op.record.Attempts)
		c.emit(Event{
			Kind:        EventTerminal,
			OperationID: op.record.OperationID,
			Failure:     failure,
		})
	}
}

// RequeueActive returns every in-flight operation to the queue. Called on
// disconnect, when no response can arrive for them anymore.
func (c *Coordinator) RequeueActive() {
	c.mu.Lock()
	ops := make([]*activeOp, 0, len(c.active))
	for id, op := range c.active {
		ops = append(ops, op)
		delete(c.active, id)
	}
	c.mu.Unlock()

	for _, op := range ops {
		// Not a delivery failure; the attempt count stands and the
		// server may still have applied it (dedup makes replay safe).
		c.requeueOp(op.record, nil)
	}
}

// Run checks deadlines until ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.CheckDeadlines()
		}
	}
}

func (c *Coordinator) requeueOp(record syncpkg.ChangeRecord, failure *syncpkg.OperationError) {
	if c.requeue != nil {
		if err := c.requeue(record); err != nil {
			c.logger.Error("Failed to requeue operation",
				"operation_id", record.OperationID, "error", err)
		}
	}
	c.emit(Event{
		Kind:        EventRequeued,
		OperationID: record.OperationID,
		Failure:     failure,
	})
}

// settle removes an operation from tracking and durable storage.
func (c *Coordinator) settle(operationID string) {
	c.take(operationID)
	c.drop(operationID)
}

// take removes and returns the active entry, if any.
func (c *Coordinator) take(operationID string) *activeOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.active[operationID]
	delete(c.active, operationID)
	return op
}

func (c *Coordinator) drop(operationID string) {
	if c.persist != nil {
		if err := c.persist.DeletePending(operationID); err != nil {
			c.logger.Error("Failed to clear settled operation",
				"operation_id", operationID, "error", err)
		}
	}
}

func (c *Coordinator) observeVersion(version int64) {
	if c.version == nil || version == 0 {
		return
	}
	if err := c.version.AdvanceSyncVersion(version); err != nil {
		c.logger.Error("Failed to advance sync version", "error", err)
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Event buffer full, dropping event",
			"kind", ev.Kind, "operation_id", ev.OperationID)
	}
}
