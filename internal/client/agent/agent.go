// Package agent assembles the client-side sync engine.
//
// The agent owns the full local pipeline: capture feeds the debounced
// queue, released batches are dispatched by the coordinator over the
// connection manager, and inbound server messages flow back into the
// coordinator (acknowledgments) or capture (remote changes). Pending
// operations are persisted and reloaded across restarts.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/studykit/studysync/internal/client/capture"
	"github.com/studykit/studysync/internal/client/conn"
	"github.com/studykit/studysync/internal/client/coordinator"
	"github.com/studykit/studysync/internal/client/queue"
	"github.com/studykit/studysync/internal/client/store"
	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// Config holds agent configuration.
type Config struct {
	// ServerURL is the sync endpoint, e.g. "ws://host:8600/sync".
	ServerURL string

	// StorePath is the bbolt database file for durable client state.
	StorePath string

	Queue       queue.Config
	Coordinator coordinator.Config
	Conn        conn.Config

	Logger *slog.Logger
}

// Agent is the client-side sync engine.
type Agent struct {
	config  Config
	logger  *slog.Logger
	clock   clock.Clock
	storage *store.Store

	capture *capture.Capture
	queue   *queue.Queue
	coord   *coordinator.Coordinator
	manager *conn.Manager

	sessionID string
	deviceID  string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an agent from durable state at cfg.StorePath.
func New(cfg Config, tokens conn.TokenSource) (*Agent, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	storage, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	deviceID, err := storage.DeviceID()
	if err != nil {
		storage.Close()
		return nil, err
	}

	a := &Agent{
		config:    cfg,
		logger:    cfg.Logger,
		clock:     clock.System(),
		storage:   storage,
		sessionID: uuid.NewString(),
		deviceID:  deviceID,
	}

	versionFn := func() int64 {
		v, err := storage.SyncVersion()
		if err != nil {
			a.logger.Error("Failed to read sync version", "error", err)
			return 0
		}
		return v
	}

	a.queue = queue.New(cfg.Queue, a.clock, storage, deviceID, versionFn, cfg.Logger)
	a.capture = capture.New(deviceID, a.sessionID, a.clock, a.queue.Enqueue, cfg.Logger)

	cfg.Conn.URL = cfg.ServerURL
	a.manager = conn.NewManager(cfg.Conn, a.clock, nil, tokens, conn.Handlers{
		OnEnvelope:      a.handleEnvelope,
		OnAuthenticated: a.onAuthenticated,
		OnStateChange: func(s conn.State) {
			a.logger.Info("Connection state changed", "state", s)
			if s == conn.StateDisconnected {
				a.coord.RequeueActive()
			}
		},
		OnGiveUp: func() {
			a.logger.Error("Reconnect attempts exhausted; sync is offline until restart")
		},
	}, cfg.Logger)

	a.coord = coordinator.New(cfg.Coordinator, a.clock, a.manager, storage, storage, a.queue.Enqueue, cfg.Logger)

	return a, nil
}

// Capture returns the capture surface application sources register with.
func (a *Agent) Capture() *capture.Capture {
	return a.capture
}

// Events exposes the coordinator's outcome stream.
func (a *Agent) Events() <-chan coordinator.Event {
	return a.coord.Events()
}

// DeviceID returns this installation's stable device identifier.
func (a *Agent) DeviceID() string {
	return a.deviceID
}

// Start reloads persisted pending operations and brings the pipeline up.
func (a *Agent) Start(ctx context.Context) error {
	pending, err := a.storage.ListPending()
	if err != nil {
		return fmt.Errorf("failed to load pending operations: %w", err)
	}
	for _, ch := range pending {
		if err := a.queue.Enqueue(ch); err != nil {
			return fmt.Errorf("failed to restore pending operation: %w", err)
		}
	}
	if len(pending) > 0 {
		a.logger.Info("Restored pending operations", "count", len(pending))
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.queue.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.coord.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.manager.Run(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(runCtx)
	}()

	return nil
}

// Stop tears the pipeline down. Buffered operations stay persisted for the
// next start.
func (a *Agent) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.manager.Close()
	a.wg.Wait()
	return a.storage.Close()
}

// SyncNow flushes all buffered operations immediately, ignoring debounce
// windows.
func (a *Agent) SyncNow() {
	for _, batch := range a.queue.FlushAll() {
		if err := a.coord.Dispatch(batch); err != nil {
			a.logger.Warn("Manual sync dispatch failed", "error", err)
		}
	}
}

func (a *Agent) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-a.queue.Batches():
			if err := a.coord.Dispatch(batch); err != nil {
				a.logger.Warn("Batch dispatch failed, records requeued",
					"data_type", batch.DataType, "error", err)
			}
		}
	}
}

// onAuthenticated runs on every (re)established session: catch up from the
// stored low-water-mark, then push everything buffered locally.
func (a *Agent) onAuthenticated() {
	since, err := a.storage.SyncVersion()
	if err != nil {
		a.logger.Error("Failed to read sync version", "error", err)
		since = 0
	}
	if err := a.manager.RequestCatchup(since, a.deviceID); err != nil {
		a.logger.Warn("Catch-up request failed", "error", err)
	}
	a.SyncNow()
}

func (a *Agent) handleEnvelope(env syncpkg.Envelope) {
	switch env.Type {
	case syncpkg.MessageTypeOperationConfirmed:
		var data syncpkg.OperationConfirmedData
		if err := unmarshalData(env, &data); err != nil {
			a.logger.Warn("Malformed confirmation", "error", err)
			return
		}
		a.coord.HandleConfirmed(data)

	case syncpkg.MessageTypeOperationFailed:
		var data syncpkg.OperationFailedData
		if err := unmarshalData(env, &data); err != nil {
			a.logger.Warn("Malformed failure", "error", err)
			return
		}
		a.coord.HandleFailed(data)

	case syncpkg.MessageTypeSyncConflict:
		var data syncpkg.ConflictData
		if err := unmarshalData(env, &data); err != nil {
			a.logger.Warn("Malformed conflict", "error", err)
			return
		}
		a.logger.Warn("Sync conflict needs resolution",
			"conflict_id", data.ConflictID,
			"data_type", data.DataType,
			"aggregate_id", data.AggregateID)
		a.coord.HandleConflict(data)

	case syncpkg.MessageTypeSyncData:
		var data syncpkg.SyncDataPayload
		if err := unmarshalData(env, &data); err != nil {
			a.logger.Warn("Malformed sync data", "error", err)
			return
		}
		if data.DeviceID == a.deviceID {
			// Our own change reflected back via catch-up: nothing to
			// apply, but the low-water-mark must still move past it or
			// every reconnect replays it.
			if err := a.storage.AdvanceSyncVersion(data.SyncVersion); err != nil {
				a.logger.Error("Failed to advance sync version", "error", err)
			}
			return
		}
		if err := a.capture.ApplyRemote(data); err != nil {
			a.logger.Warn("Failed to apply remote change",
				"data_type", data.DataType,
				"aggregate_id", data.AggregateID,
				"error", err)
			return
		}
		if err := a.storage.AdvanceSyncVersion(data.SyncVersion); err != nil {
			a.logger.Error("Failed to advance sync version", "error", err)
		}

	case syncpkg.MessageTypeDeviceStatus:
		var data syncpkg.DeviceStatusData
		if err := unmarshalData(env, &data); err != nil {
			return
		}
		a.logger.Info("Device status changed",
			"device_id", data.DeviceID, "online", data.Online)

	default:
		a.logger.Warn("Unknown message type", "type", env.Type)
	}
}

func unmarshalData(env syncpkg.Envelope, v any) error {
	return json.Unmarshal(env.Data, v)
}
