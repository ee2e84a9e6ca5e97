// Package reconcile implements the server-side reconciliation of client
// change batches against the versioned store.
//
// For every change in a batch the reconciler:
//  1. Deduplicates by operation id (replays confirm with the original result).
//  2. Applies creates idempotently, keyed on the client-assigned aggregate id.
//  3. Version-checks updates; a stale base version is a conflict, not an
//     error. Conflicts with a safe automatic policy are merged and applied
//     through the same version-checked path; the rest are persisted and
//     surfaced to the user.
//  4. Treats deletes of already-deleted targets as idempotent no-ops.
//
// Applied changes are returned as fan-out payloads for the user's other
// sessions.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/studykit/studysync/internal/resolve"
	"github.com/studykit/studysync/internal/server/store"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

// casRetries bounds how often an automatic merge is retried when another
// writer lands between conflict detection and re-application.
const casRetries = 3

// Reconciler validates and applies change batches.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Reconciler. If logger is nil, slog.Default() is used.
func New(st *store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, logger: logger}
}

// Result is the outcome of processing one batch.
type Result struct {
	Confirmed []syncpkg.OperationConfirmedData
	Failed    []syncpkg.OperationFailedData
	Conflicts []syncpkg.ConflictData

	// Broadcasts are the applied changes to fan out to the user's other
	// sessions.
	Broadcasts []syncpkg.SyncDataPayload

	// SyncVersion is the user's version after the batch.
	SyncVersion int64
}

// ProcessBatch applies a change batch for the authenticated user.
//
// Individual change failures never abort the batch; each change gets its own
// confirmation, failure, or conflict entry.
func (r *Reconciler) ProcessBatch(ctx context.Context, userID string, batch syncpkg.ChangeBatch) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", syncpkg.ErrValidation)
	}

	result := &Result{}
	for _, ch := range batch.Changes {
		r.processChange(ctx, userID, ch, result)
	}

	version, err := r.store.CurrentUserVersion(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.SyncVersion = version

	r.logger.Info("Processed change batch",
		"user_id", userID,
		"data_type", batch.DataType,
		"changes", len(batch.Changes),
		"confirmed", len(result.Confirmed),
		"failed", len(result.Failed),
		"conflicts", len(result.Conflicts),
		"sync_version", version)

	return result, nil
}

func (r *Reconciler) processChange(ctx context.Context, userID string, ch syncpkg.ChangeRecord, result *Result) {
	if err := ch.Validate(); err != nil {
		result.Failed = append(result.Failed, failure(ch, "validation", err.Error(), false))
		return
	}

	// Idempotence: the same operation id must never be applied twice.
	if prior, found, err := r.store.LookupOperation(ctx, ch.OperationID); err != nil {
		result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
		return
	} else if found {
		result.Confirmed = append(result.Confirmed, syncpkg.OperationConfirmedData{
			OperationID: ch.OperationID,
			AggregateID: ch.AggregateID,
			SyncVersion: prior.UserVersion,
		})
		return
	}

	switch ch.Action {
	case syncpkg.ActionCreate:
		r.applyCreate(ctx, userID, ch, result)
	case syncpkg.ActionUpdate:
		r.applyUpdate(ctx, userID, ch, result)
	case syncpkg.ActionDelete:
		r.applyDelete(ctx, userID, ch, result)
	}
}

func (r *Reconciler) applyCreate(ctx context.Context, userID string, ch syncpkg.ChangeRecord, result *Result) {
	applied, created, err := r.store.ApplyCreate(ctx, userID, ch)
	if err != nil {
		result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
		return
	}

	result.Confirmed = append(result.Confirmed, syncpkg.OperationConfirmedData{
		OperationID: ch.OperationID,
		AggregateID: ch.AggregateID,
		SyncVersion: applied.UserVersion,
	})
	if created {
		result.Broadcasts = append(result.Broadcasts, broadcast(ch, ch.Payload, applied))
	}
}

func (r *Reconciler) applyUpdate(ctx context.Context, userID string, ch syncpkg.ChangeRecord, result *Result) {
	applied, err := r.store.ApplyUpdate(ctx, userID, ch, nil)
	switch {
	case err == nil:
		result.Confirmed = append(result.Confirmed, syncpkg.OperationConfirmedData{
			OperationID: ch.OperationID,
			AggregateID: ch.AggregateID,
			SyncVersion: applied.UserVersion,
		})
		result.Broadcasts = append(result.Broadcasts, broadcast(ch, ch.Payload, applied))

	case errors.Is(err, store.ErrNotFound):
		result.Failed = append(result.Failed, failure(ch, "unknown_aggregate",
			fmt.Sprintf("aggregate %s does not exist", ch.AggregateID), false))

	case errors.Is(err, syncpkg.ErrVersionConflict):
		r.handleConflict(ctx, userID, ch, result)

	default:
		result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
	}
}

func (r *Reconciler) applyDelete(ctx context.Context, userID string, ch syncpkg.ChangeRecord, result *Result) {
	applied, err := r.store.ApplyDelete(ctx, userID, ch)
	switch {
	case err == nil:
		result.Confirmed = append(result.Confirmed, syncpkg.OperationConfirmedData{
			OperationID: ch.OperationID,
			AggregateID: ch.AggregateID,
			SyncVersion: applied.UserVersion,
		})
		result.Broadcasts = append(result.Broadcasts, broadcast(ch, nil, applied))

	case errors.Is(err, store.ErrNotFound):
		result.Failed = append(result.Failed, failure(ch, "unknown_aggregate",
			fmt.Sprintf("aggregate %s does not exist", ch.AggregateID), false))

	default:
		result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
	}
}

// handleConflict runs the per-type policy. A safe automatic merge is applied
// through the version-checked update path (retrying a bounded number of
// times if yet another writer intervenes); anything else is persisted as a
// conflict and surfaced for user resolution.
func (r *Reconciler) handleConflict(ctx context.Context, userID string, ch syncpkg.ChangeRecord, result *Result) {
	for attempt := 0; attempt < casRetries; attempt++ {
		agg, err := r.store.GetAggregate(ctx, userID, ch.AggregateID)
		if err != nil {
			result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
			return
		}

		remote := syncpkg.RemoteState{
			DeviceID:    agg.DeviceID,
			SyncVersion: agg.SyncVersion,
			UpdatedAt:   agg.ClientTimestamp,
			Payload:     agg.Payload,
		}

		resolution, err := resolve.Resolve(ch.DataType, ch, remote)
		if err != nil {
			result.Failed = append(result.Failed, failure(ch, "validation", err.Error(), false))
			return
		}
		if resolution == nil {
			r.escalate(ctx, userID, ch, remote, result)
			return
		}

		merged := ch
		merged.BaseVersion = agg.SyncVersion
		if resolution.Strategy == resolve.StrategyUseRemote {
			// The stored payload survives, so its client timestamp must
			// survive with it.
			merged.ClientTimestamp = agg.ClientTimestamp
		}
		applied, err := r.store.ApplyUpdate(ctx, userID, merged, resolution.MergedPayload)
		if errors.Is(err, syncpkg.ErrVersionConflict) {
			continue // re-read and re-merge
		}
		if err != nil {
			result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
			return
		}

		r.logger.Info("Auto-resolved version conflict",
			"user_id", userID,
			"aggregate_id", ch.AggregateID,
			"strategy", resolution.Strategy)

		result.Confirmed = append(result.Confirmed, syncpkg.OperationConfirmedData{
			OperationID: ch.OperationID,
			AggregateID: ch.AggregateID,
			SyncVersion: applied.UserVersion,
		})
		result.Broadcasts = append(result.Broadcasts, broadcast(ch, resolution.MergedPayload, applied))
		return
	}

	result.Failed = append(result.Failed, failure(ch, "contention",
		"could not apply automatic merge under concurrent writes", true))
}

// escalate persists the conflict and surfaces it with both operations intact.
func (r *Reconciler) escalate(ctx context.Context, userID string, ch syncpkg.ChangeRecord, remote syncpkg.RemoteState, result *Result) {
	conflictID := uuid.NewString()

	localOp, _ := json.Marshal(ch)
	remoteState, _ := json.Marshal(remote)

	if err := r.store.SaveConflict(ctx, &store.Conflict{
		ConflictID:  conflictID,
		UserID:      userID,
		DataType:    string(ch.DataType),
		AggregateID: ch.AggregateID,
		LocalOp:     localOp,
		RemoteState: remoteState,
	}); err != nil {
		result.Failed = append(result.Failed, failure(ch, "storage", err.Error(), true))
		return
	}

	r.logger.Warn("Version conflict needs user resolution",
		"user_id", userID,
		"conflict_id", conflictID,
		"aggregate_id", ch.AggregateID,
		"data_type", ch.DataType)

	result.Conflicts = append(result.Conflicts, syncpkg.ConflictData{
		ConflictID:  conflictID,
		DataType:    ch.DataType,
		AggregateID: ch.AggregateID,
		Local:       ch,
		Remote:      remote,
		SyncVersion: remote.SyncVersion,
	})
}

// Catchup returns all changes above sinceVersion for the user, as fan-out
// payloads, plus the user's current sync version.
func (r *Reconciler) Catchup(ctx context.Context, userID string, sinceVersion int64) ([]syncpkg.SyncDataPayload, int64, error) {
	changes, err := r.store.ChangesSince(ctx, userID, sinceVersion, 0)
	if err != nil {
		return nil, 0, err
	}

	payloads := make([]syncpkg.SyncDataPayload, 0, len(changes))
	for _, c := range changes {
		payloads = append(payloads, syncpkg.SyncDataPayload{
			DataType:    syncpkg.DataType(c.DataType),
			AggregateID: c.AggregateID,
			Action:      syncpkg.Action(c.Action),
			ItemID:      c.ItemID,
			Payload:     c.Payload,
			DeviceID:    c.DeviceID,
			SyncVersion: c.UserVersion,
		})
	}

	version, err := r.store.CurrentUserVersion(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return payloads, version, nil
}

// CurrentVersion returns the user's current sync version.
func (r *Reconciler) CurrentVersion(ctx context.Context, userID string) (int64, error) {
	return r.store.CurrentUserVersion(ctx, userID)
}

// ResolveConflict applies a user-chosen resolution for an escalated conflict.
//
// The resolution itself goes through the version-checked update path with
// baseVersion as the expected aggregate version, so a second concurrent
// resolution attempt re-conflicts instead of corrupting state. The conflict
// is marked resolved only after the data change lands; marking is guarded so
// a conflict is never resolved twice.
func (r *Reconciler) ResolveConflict(ctx context.Context, userID, conflictID string, strategy resolve.Strategy, mergedPayload json.RawMessage, baseVersion int64) (store.Applied, error) {
	if !strategy.Valid() {
		return store.Applied{}, fmt.Errorf("%w: unknown resolution strategy %q", syncpkg.ErrValidation, strategy)
	}

	conflict, err := r.store.GetConflict(ctx, conflictID)
	if err != nil {
		return store.Applied{}, err
	}
	if conflict.UserID != userID {
		// Isolation by user id: never reassign, reject.
		return store.Applied{}, fmt.Errorf("%w: conflict %s does not belong to user", syncpkg.ErrValidation, conflictID)
	}
	if conflict.Resolved {
		return store.Applied{}, store.ErrAlreadyResolved
	}

	var localOp syncpkg.ChangeRecord
	if err := json.Unmarshal(conflict.LocalOp, &localOp); err != nil {
		return store.Applied{}, fmt.Errorf("failed to decode conflict operation: %w", err)
	}

	var applied store.Applied
	switch strategy {
	case resolve.StrategyUseRemote:
		// Server state stands; nothing to write.
		if applied.UserVersion, err = r.store.CurrentUserVersion(ctx, userID); err != nil {
			return store.Applied{}, err
		}

	case resolve.StrategyUseLocal, resolve.StrategyMerge:
		payload := mergedPayload
		if strategy == resolve.StrategyUseLocal {
			payload = localOp.Payload
		}

		op := localOp
		op.OperationID = uuid.NewString() // a resolution is a new operation
		op.BaseVersion = baseVersion
		applied, err = r.store.ApplyUpdate(ctx, userID, op, payload)
		if err != nil {
			return store.Applied{}, err
		}
	}

	if err := r.store.MarkConflictResolved(ctx, userID, conflictID, string(strategy)); err != nil {
		return store.Applied{}, err
	}

	r.logger.Info("Conflict resolved",
		"user_id", userID,
		"conflict_id", conflictID,
		"strategy", strategy)

	return applied, nil
}

func failure(ch syncpkg.ChangeRecord, code, message string, retryable bool) syncpkg.OperationFailedData {
	return syncpkg.OperationFailedData{
		Failure: syncpkg.OperationError{
			OperationID: ch.OperationID,
			Code:        code,
			Message:     message,
			Retryable:   retryable,
		},
	}
}

func broadcast(ch syncpkg.ChangeRecord, payload json.RawMessage, applied store.Applied) syncpkg.SyncDataPayload {
	return syncpkg.SyncDataPayload{
		DataType:    ch.DataType,
		AggregateID: ch.AggregateID,
		Action:      ch.Action,
		ItemID:      ch.ItemID,
		Payload:     payload,
		DeviceID:    ch.DeviceID,
		SyncVersion: applied.UserVersion,
	}
}
