package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveConflict persists a version conflict for audit and later resolution.
func (s *Store) SaveConflict(ctx context.Context, c *Conflict) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conflicts (conflict_id, user_id, data_type, aggregate_id, local_op, remote_state, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ConflictID, c.UserID, c.DataType, c.AggregateID,
			string(c.LocalOp), string(c.RemoteState), nowMilli()); err != nil {
			return fmt.Errorf("failed to save conflict: %w", err)
		}
		return bumpStats(ctx, tx, c.UserID, 0, 1, 0)
	})
}

// GetConflict fetches one conflict by id. Returns ErrNotFound if missing.
func (s *Store) GetConflict(ctx context.Context, conflictID string) (*Conflict, error) {
	c := &Conflict{ConflictID: conflictID}
	var resolution sql.NullString
	var resolvedAt sql.NullInt64
	var resolved int
	var localOp, remoteState string

	err := s.conn.QueryRowContext(ctx,
		`SELECT user_id, data_type, aggregate_id, local_op, remote_state, resolved, resolution, created_at, resolved_at
		 FROM conflicts WHERE conflict_id = ?`,
		conflictID).Scan(&c.UserID, &c.DataType, &c.AggregateID, &localOp, &remoteState, &resolved, &resolution, &c.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	c.LocalOp = json.RawMessage(localOp)
	c.RemoteState = json.RawMessage(remoteState)
	c.Resolved = resolved != 0
	c.Resolution = resolution.String
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Int64
	}
	return c, nil
}

// ListUnresolvedConflicts returns the user's open conflicts, oldest first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, userID string) ([]*Conflict, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT conflict_id, data_type, aggregate_id, local_op, remote_state, created_at
		 FROM conflicts WHERE user_id = ? AND resolved = 0 ORDER BY created_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c := &Conflict{UserID: userID}
		var localOp, remoteState string
		if err := rows.Scan(&c.ConflictID, &c.DataType, &c.AggregateID, &localOp, &remoteState, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.LocalOp = json.RawMessage(localOp)
		c.RemoteState = json.RawMessage(remoteState)
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved flips a conflict to resolved with the chosen strategy.
//
// The WHERE clause guards on resolved = 0 so a conflict can never be
// resolved twice: the second attempt gets ErrAlreadyResolved.
func (s *Store) MarkConflictResolved(ctx context.Context, userID, conflictID, resolution string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conflicts SET resolved = 1, resolution = ?, resolved_at = ?
			 WHERE conflict_id = ? AND user_id = ? AND resolved = 0`,
			resolution, nowMilli(), conflictID, userID)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict: %w", err)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM conflicts WHERE conflict_id = ? AND user_id = ?`,
				conflictID, userID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			} else if err != nil {
				return fmt.Errorf("failed to check conflict: %w", err)
			}
			return ErrAlreadyResolved
		}

		return bumpStats(ctx, tx, userID, 0, 0, 1)
	})
}

// GetStats returns the user's sync counters (zero-valued for a new user).
func (s *Store) GetStats(ctx context.Context, userID string) (*Stats, error) {
	st := &Stats{UserID: userID}
	err := s.conn.QueryRowContext(ctx,
		`SELECT applied, conflicts, resolved FROM sync_stats WHERE user_id = ?`,
		userID).Scan(&st.Applied, &st.Conflicts, &st.Resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync stats: %w", err)
	}
	return st, nil
}
