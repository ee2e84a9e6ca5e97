package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

// LookupOperation reports whether an operation id was already applied, and
// the versions it produced. This is the deduplication check that makes
// change application idempotent across retries.
func (s *Store) LookupOperation(ctx context.Context, operationID string) (Applied, bool, error) {
	var a Applied
	err := s.conn.QueryRowContext(ctx,
		`SELECT user_version, agg_version FROM applied_operations WHERE operation_id = ?`,
		operationID).Scan(&a.UserVersion, &a.AggregateVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Applied{}, false, nil
	}
	if err != nil {
		return Applied{}, false, fmt.Errorf("failed to look up operation: %w", err)
	}
	return a, true, nil
}

// GetAggregate fetches one aggregate by its stable client-assigned id.
// Returns ErrNotFound if the aggregate does not exist.
func (s *Store) GetAggregate(ctx context.Context, userID, clientID string) (*Aggregate, error) {
	agg := &Aggregate{UserID: userID, ClientID: clientID}
	var payload sql.NullString
	var deletedAt sql.NullInt64

	err := s.conn.QueryRowContext(ctx,
		`SELECT data_type, payload, sync_version, device_id, client_ts, updated_at, deleted_at
		 FROM aggregates WHERE user_id = ? AND client_id = ?`,
		userID, clientID).Scan(&agg.DataType, &payload, &agg.SyncVersion, &agg.DeviceID, &agg.ClientTimestamp, &agg.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate: %w", err)
	}

	if payload.Valid {
		agg.Payload = json.RawMessage(payload.String)
	}
	if deletedAt.Valid {
		agg.DeletedAt = &deletedAt.Int64
	}
	return agg, nil
}

// GetItem fetches a sub-item. Returns ErrNotFound if it does not exist.
func (s *Store) GetItem(ctx context.Context, userID, aggregateID, itemID string) (*Item, error) {
	item := &Item{UserID: userID, AggregateID: aggregateID, ClientID: itemID}
	var payload sql.NullString
	var deletedAt sql.NullInt64

	err := s.conn.QueryRowContext(ctx,
		`SELECT payload, updated_at, deleted_at
		 FROM items WHERE user_id = ? AND aggregate_id = ? AND client_id = ?`,
		userID, aggregateID, itemID).Scan(&payload, &item.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	if payload.Valid {
		item.Payload = json.RawMessage(payload.String)
	}
	if deletedAt.Valid {
		item.DeletedAt = &deletedAt.Int64
	}
	return item, nil
}

// ApplyCreate creates an aggregate keyed by its client-assigned id.
//
// If an aggregate with that id already exists this is NOT an error: the
// create is reported as applied with the current versions and created=false,
// so retried and concurrent creates are idempotent.
func (s *Store) ApplyCreate(ctx context.Context, userID string, ch syncpkg.ChangeRecord) (applied Applied, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMilli()

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO aggregates (user_id, client_id, data_type, payload, sync_version, device_id, client_ts, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
			userID, ch.AggregateID, string(ch.DataType), payloadText(ch.Payload), ch.DeviceID, ch.ClientTimestamp, now)
		if err != nil {
			return fmt.Errorf("failed to insert aggregate: %w", err)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			// Lost the race (or a retry): surface the existing state.
			var aggVersion int64
			if err := tx.QueryRowContext(ctx,
				`SELECT sync_version FROM aggregates WHERE user_id = ? AND client_id = ?`,
				userID, ch.AggregateID).Scan(&aggVersion); err != nil {
				return fmt.Errorf("failed to read existing aggregate: %w", err)
			}
			userVersion, err := currentUserVersion(ctx, tx, userID)
			if err != nil {
				return err
			}
			applied = Applied{AggregateVersion: aggVersion, UserVersion: userVersion}
			created = false
			return nil
		}

		userVersion, err := bumpUserVersion(ctx, tx, userID)
		if err != nil {
			return err
		}
		applied = Applied{AggregateVersion: 1, UserVersion: userVersion}
		created = true

		if err := logChange(ctx, tx, userID, userVersion, ch, ch.Payload, 1, now); err != nil {
			return err
		}
		if err := recordOperation(ctx, tx, userID, ch, applied, now); err != nil {
			return err
		}
		return bumpStats(ctx, tx, userID, 1, 0, 0)
	})
	return applied, created, err
}

// ApplyUpdate applies a version-checked update to an aggregate or, when the
// change targets an item, to the item (bumping the owning aggregate's
// version so sub-item mutations never leave it behind).
//
// The payload argument is applied instead of ch.Payload when non-nil, which
// lets conflict resolutions reuse this same version-checked path.
//
// Returns sync.ErrVersionConflict (wrapped) when the stored version does not
// match ch.BaseVersion, and ErrNotFound when the aggregate does not exist.
func (s *Store) ApplyUpdate(ctx context.Context, userID string, ch syncpkg.ChangeRecord, payload json.RawMessage) (applied Applied, err error) {
	if payload == nil {
		payload = ch.Payload
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMilli()

		// Atomic check-and-increment: the expected version sits in the
		// WHERE clause, so a concurrent writer that got there first
		// makes this a zero-row update.
		var res sql.Result
		var txErr error
		if ch.ItemID == "" {
			res, txErr = tx.ExecContext(ctx,
				`UPDATE aggregates
				 SET payload = ?, sync_version = sync_version + 1, device_id = ?, client_ts = ?, updated_at = ?
				 WHERE user_id = ? AND client_id = ? AND sync_version = ?`,
				payloadText(payload), ch.DeviceID, ch.ClientTimestamp, now, userID, ch.AggregateID, ch.BaseVersion)
		} else {
			res, txErr = tx.ExecContext(ctx,
				`UPDATE aggregates
				 SET sync_version = sync_version + 1, device_id = ?, client_ts = ?, updated_at = ?
				 WHERE user_id = ? AND client_id = ? AND sync_version = ?`,
				ch.DeviceID, ch.ClientTimestamp, now, userID, ch.AggregateID, ch.BaseVersion)
		}
		if txErr != nil {
			return fmt.Errorf("failed to update aggregate: %w", txErr)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			var stored int64
			err := tx.QueryRowContext(ctx,
				`SELECT sync_version FROM aggregates WHERE user_id = ? AND client_id = ?`,
				userID, ch.AggregateID).Scan(&stored)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read aggregate version: %w", err)
			}
			return fmt.Errorf("%w: aggregate %s at version %d, client expected %d",
				syncpkg.ErrVersionConflict, ch.AggregateID, stored, ch.BaseVersion)
		}

		if ch.ItemID != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO items (user_id, aggregate_id, client_id, payload, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (user_id, aggregate_id, client_id)
				 DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at, deleted_at = NULL`,
				userID, ch.AggregateID, ch.ItemID, payloadText(payload), now); err != nil {
				return fmt.Errorf("failed to upsert item: %w", err)
			}
		}

		userVersion, err := bumpUserVersion(ctx, tx, userID)
		if err != nil {
			return err
		}
		applied = Applied{AggregateVersion: ch.BaseVersion + 1, UserVersion: userVersion}

		if err := logChange(ctx, tx, userID, userVersion, ch, payload, applied.AggregateVersion, now); err != nil {
			return err
		}
		if err := recordOperation(ctx, tx, userID, ch, applied, now); err != nil {
			return err
		}
		return bumpStats(ctx, tx, userID, 1, 0, 0)
	})
	return applied, err
}

// ApplyDelete soft-deletes an aggregate or item. The row is retained with a
// deleted_at marker so concurrent operations against it resolve
// deterministically instead of failing on a missing target.
//
// Deleting an already-deleted target is an idempotent no-op success: the
// current versions are returned and nothing is bumped.
func (s *Store) ApplyDelete(ctx context.Context, userID string, ch syncpkg.ChangeRecord) (applied Applied, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowMilli()

		var aggVersion int64
		var aggDeleted sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT sync_version, deleted_at FROM aggregates WHERE user_id = ? AND client_id = ?`,
			userID, ch.AggregateID).Scan(&aggVersion, &aggDeleted)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read aggregate: %w", err)
		}

		noop := false
		if ch.ItemID == "" {
			if aggDeleted.Valid {
				noop = true
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE aggregates
					 SET deleted_at = ?, sync_version = sync_version + 1, device_id = ?, client_ts = ?, updated_at = ?
					 WHERE user_id = ? AND client_id = ?`,
					now, ch.DeviceID, ch.ClientTimestamp, now, userID, ch.AggregateID); err != nil {
					return fmt.Errorf("failed to soft-delete aggregate: %w", err)
				}
			}
		} else {
			var itemDeleted sql.NullInt64
			err := tx.QueryRowContext(ctx,
				`SELECT deleted_at FROM items WHERE user_id = ? AND aggregate_id = ? AND client_id = ?`,
				userID, ch.AggregateID, ch.ItemID).Scan(&itemDeleted)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to read item: %w", err)
			}

			if itemDeleted.Valid {
				noop = true
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE items SET deleted_at = ?, updated_at = ?
					 WHERE user_id = ? AND aggregate_id = ? AND client_id = ?`,
					now, now, userID, ch.AggregateID, ch.ItemID); err != nil {
					return fmt.Errorf("failed to soft-delete item: %w", err)
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE aggregates SET sync_version = sync_version + 1, device_id = ?, client_ts = ?, updated_at = ?
					 WHERE user_id = ? AND client_id = ?`,
					ch.DeviceID, ch.ClientTimestamp, now, userID, ch.AggregateID); err != nil {
					return fmt.Errorf("failed to bump aggregate version: %w", err)
				}
			}
		}

		if noop {
			userVersion, err := currentUserVersion(ctx, tx, userID)
			if err != nil {
				return err
			}
			applied = Applied{AggregateVersion: aggVersion, UserVersion: userVersion}
			// Record the operation so retries of this delete dedupe too.
			return recordOperation(ctx, tx, userID, ch, applied, now)
		}

		userVersion, err := bumpUserVersion(ctx, tx, userID)
		if err != nil {
			return err
		}
		applied = Applied{AggregateVersion: aggVersion + 1, UserVersion: userVersion}

		if err := logChange(ctx, tx, userID, userVersion, ch, nil, applied.AggregateVersion, now); err != nil {
			return err
		}
		if err := recordOperation(ctx, tx, userID, ch, applied, now); err != nil {
			return err
		}
		return bumpStats(ctx, tx, userID, 1, 0, 0)
	})
	return applied, err
}

// ChangesSince returns the user's change log entries above sinceVersion in
// version order, up to limit (0 means no limit).
func (s *Store) ChangesSince(ctx context.Context, userID string, sinceVersion int64, limit int) ([]LoggedChange, error) {
	query := `SELECT user_version, data_type, aggregate_id, item_id, action, payload, device_id, agg_version, created_at
		 FROM change_log WHERE user_id = ? AND user_version > ? ORDER BY user_version`
	args := []any{userID, sinceVersion}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var changes []LoggedChange
	for rows.Next() {
		var c LoggedChange
		var itemID, payload sql.NullString
		if err := rows.Scan(&c.UserVersion, &c.DataType, &c.AggregateID, &itemID, &c.Action, &payload, &c.DeviceID, &c.AggregateVersion, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log entry: %w", err)
		}
		c.ItemID = itemID.String
		if payload.Valid {
			c.Payload = json.RawMessage(payload.String)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CurrentUserVersion returns the user's sync version (0 for a new user).
func (s *Store) CurrentUserVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT sync_version FROM user_sync WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read user version: %w", err)
	}
	return v, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func bumpUserVersion(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO user_sync (user_id, sync_version) VALUES (?, 1)
		 ON CONFLICT (user_id) DO UPDATE SET sync_version = sync_version + 1
		 RETURNING sync_version`,
		userID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to bump user version: %w", err)
	}
	return v, nil
}

func currentUserVersion(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`SELECT sync_version FROM user_sync WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read user version: %w", err)
	}
	return v, nil
}

func logChange(ctx context.Context, tx *sql.Tx, userID string, userVersion int64, ch syncpkg.ChangeRecord, payload json.RawMessage, aggVersion, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (user_id, user_version, data_type, aggregate_id, item_id, action, payload, device_id, agg_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, userVersion, string(ch.DataType), ch.AggregateID, ch.ItemID, string(ch.Action), payloadText(payload), ch.DeviceID, aggVersion, now); err != nil {
		return fmt.Errorf("failed to log change: %w", err)
	}
	return nil
}

func recordOperation(ctx context.Context, tx *sql.Tx, userID string, ch syncpkg.ChangeRecord, applied Applied, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO applied_operations (operation_id, user_id, aggregate_id, user_version, agg_version, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch.OperationID, userID, ch.AggregateID, applied.UserVersion, applied.AggregateVersion, now); err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

func bumpStats(ctx context.Context, tx *sql.Tx, userID string, applied, conflicts, resolved int64) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_stats (user_id, applied, conflicts, resolved) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   applied = applied + excluded.applied,
		   conflicts = conflicts + excluded.conflicts,
		   resolved = resolved + excluded.resolved`,
		userID, applied, conflicts, resolved); err != nil {
		return fmt.Errorf("failed to update sync stats: %w", err)
	}
	return nil
}

// payloadText converts a raw payload to a nullable TEXT column value.
func payloadText(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
