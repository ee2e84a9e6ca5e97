package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	syncpkg "github.com/studykit/studysync/internal/sync"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func record(t *testing.T, aggregateID string) syncpkg.ChangeRecord {
	t.Helper()
	return syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeProgress,
		syncpkg.ActionUpdate, aggregateID, json.RawMessage(`{"watchedSeconds":10}`), time.Now())
}

func TestPendingRoundTrip(t *testing.T) {
	st := setupStore(t)

	first := record(t, "deck-1")
	second := record(t, "deck-2")
	for _, ch := range []syncpkg.ChangeRecord{first, second} {
		if err := st.SavePending(ch); err != nil {
			t.Fatalf("SavePending failed: %v", err)
		}
	}

	pending, err := st.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending count = %d, want 2", len(pending))
	}
	if pending[0].OperationID != first.OperationID || pending[1].OperationID != second.OperationID {
		t.Error("Pending operations not in capture order")
	}

	if err := st.DeletePending(first.OperationID); err != nil {
		t.Fatalf("DeletePending failed: %v", err)
	}
	pending, err = st.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].OperationID != second.OperationID {
		t.Errorf("Pending after delete = %v, want only second", pending)
	}
}

func TestSavePendingReplacesInPlace(t *testing.T) {
	st := setupStore(t)

	first := record(t, "deck-1")
	second := record(t, "deck-2")
	if err := st.SavePending(first); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	if err := st.SavePending(second); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	// Re-saving the first operation keeps its original queue position.
	first.Attempts = 2
	if err := st.SavePending(first); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}

	pending, err := st.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending count = %d, want 2", len(pending))
	}
	if pending[0].OperationID != first.OperationID {
		t.Error("Re-saved operation lost its queue position")
	}
	if pending[0].Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", pending[0].Attempts)
	}
}

func TestDeletePendingUnknownIsNoop(t *testing.T) {
	st := setupStore(t)
	if err := st.DeletePending("no-such-op"); err != nil {
		t.Errorf("DeletePending on unknown id failed: %v", err)
	}
}

func TestSyncVersionOnlyAdvances(t *testing.T) {
	st := setupStore(t)

	v, err := st.SyncVersion()
	if err != nil {
		t.Fatalf("SyncVersion failed: %v", err)
	}
	if v != 0 {
		t.Errorf("Initial version = %d, want 0", v)
	}

	for _, step := range []struct {
		observe int64
		want    int64
	}{
		{5, 5},
		{3, 5}, // out-of-order ack must not regress
		{8, 8},
	} {
		if err := st.AdvanceSyncVersion(step.observe); err != nil {
			t.Fatalf("AdvanceSyncVersion(%d) failed: %v", step.observe, err)
		}
		v, err := st.SyncVersion()
		if err != nil {
			t.Fatalf("SyncVersion failed: %v", err)
		}
		if v != step.want {
			t.Errorf("After observing %d: version = %d, want %d", step.observe, v, step.want)
		}
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	id, err := st.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if id == "" {
		t.Fatal("DeviceID returned empty id")
	}
	st.Close()

	// Survives reopen.
	st, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st.Close()

	again, err := st.DeviceID()
	if err != nil {
		t.Fatalf("DeviceID failed: %v", err)
	}
	if again != id {
		t.Errorf("DeviceID changed across reopen: %s vs %s", id, again)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	ch := record(t, "deck-1")
	if err := st.SavePending(ch); err != nil {
		t.Fatalf("SavePending failed: %v", err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st.Close()

	pending, err := st.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].OperationID != ch.OperationID {
		t.Errorf("Pending after reopen = %v, want the saved operation", pending)
	}
}
