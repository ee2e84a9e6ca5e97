// Package store persists the client's sync state across restarts.
//
// Two things survive a process restart:
//  1. Pending operations that were captured but not yet confirmed by the
//     server. They are replayed in capture order on reconnect; the server
//     deduplicates by operation id, so replaying an already-applied
//     operation is harmless.
//  2. Sync metadata: the device id and the highest server sync version the
//     client has observed (its catch-up low-water-mark).
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

var (
	bucketPending = []byte("pending")
	bucketIndex   = []byte("pending_index")
	bucketMeta    = []byte("meta")
)

const (
	keySyncVersion = "sync_version"
	keyDeviceID    = "device_id"
)

// Store is the on-disk client sync state.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the client store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open client store: %w", err)
	}

	st := &Store{db: db}
	if err := st.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return st, nil
}

// Close closes the store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// SavePending persists a captured operation.
//
// Operations are keyed by an internal sequence number so ListPending returns
// them in capture order, with a secondary index by operation id for removal
// on confirmation.
func (s *Store) SavePending(ch syncpkg.ChangeRecord) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(bucketPending)
		index := tx.Bucket(bucketIndex)

		// Replace in place if the operation is already queued.
		if prior := index.Get([]byte(ch.OperationID)); prior != nil {
			return pending.Put(prior, data)
		}

		seq, err := pending.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		if err := pending.Put(key, data); err != nil {
			return fmt.Errorf("failed to save operation: %w", err)
		}
		if err := index.Put([]byte(ch.OperationID), key); err != nil {
			return fmt.Errorf("failed to index operation: %w", err)
		}
		return nil
	})
}

// DeletePending removes a confirmed or terminally failed operation.
// Removing an unknown operation id is a no-op.
func (s *Store) DeletePending(operationID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		key := index.Get([]byte(operationID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketPending).Delete(key); err != nil {
			return fmt.Errorf("failed to delete operation: %w", err)
		}
		return index.Delete([]byte(operationID))
	})
}

// ListPending returns all unconfirmed operations in capture order.
func (s *Store) ListPending() ([]syncpkg.ChangeRecord, error) {
	var records []syncpkg.ChangeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var ch syncpkg.ChangeRecord
			if err := json.Unmarshal(v, &ch); err != nil {
				return fmt.Errorf("failed to decode pending operation: %w", err)
			}
			records = append(records, ch)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// PendingCount returns the number of unconfirmed operations.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN
		return nil
	})
	return n, err
}

// SyncVersion returns the highest server sync version observed so far,
// or 0 before the first sync.
func (s *Store) SyncVersion() (int64, error) {
	var version int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get([]byte(keySyncVersion)); data != nil {
			version = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read sync version: %w", err)
	}
	return version, nil
}

// AdvanceSyncVersion records a newly observed server sync version.
//
// The stored version only moves forward; acknowledgments arriving out of
// order never regress the low-water-mark.
func (s *Store) AdvanceSyncVersion(version int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get([]byte(keySyncVersion)); data != nil {
			if current := int64(binary.BigEndian.Uint64(data)); version <= current {
				return nil
			}
		}
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, uint64(version))
		return meta.Put([]byte(keySyncVersion), data)
	})
}

// DeviceID returns the stable device identifier, generating and persisting
// one on first use.
func (s *Store) DeviceID() (string, error) {
	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get([]byte(keyDeviceID)); data != nil {
			id = string(data)
			return nil
		}
		id = uuid.NewString()
		return meta.Put([]byte(keyDeviceID), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return id, nil
}
