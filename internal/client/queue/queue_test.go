package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

func setupQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1000, 0))
	q := New(DefaultConfig(), fake, nil, "device-a", func() int64 { return 7 }, nil)
	return q, fake
}

func update(aggregateID, itemID, payload string) syncpkg.ChangeRecord {
	ch := syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeNotes,
		syncpkg.ActionUpdate, aggregateID, json.RawMessage(payload), time.Unix(1000, 0))
	ch.ItemID = itemID
	return ch
}

func TestSweepWaitsForDebounce(t *testing.T) {
	q, fake := setupQueue(t)

	if err := q.Enqueue(update("note-1", "", `{"text":"a"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.Advance(500 * time.Millisecond)
	if batches := q.Sweep(); len(batches) != 0 {
		t.Fatalf("Sweep before debounce released %d batches, want 0", len(batches))
	}

	fake.Advance(500 * time.Millisecond)
	batches := q.Sweep()
	if len(batches) != 1 {
		t.Fatalf("Sweep after debounce released %d batches, want 1", len(batches))
	}
	if batches[0].DataType != syncpkg.DataTypeNotes {
		t.Errorf("DataType = %s, want notes", batches[0].DataType)
	}
	if batches[0].ClientSyncVersion != 7 {
		t.Errorf("ClientSyncVersion = %d, want 7", batches[0].ClientSyncVersion)
	}
	if batches[0].DeviceID != "device-a" {
		t.Errorf("DeviceID = %s, want device-a", batches[0].DeviceID)
	}
	if q.Len() != 0 {
		t.Errorf("Len after sweep = %d, want 0", q.Len())
	}
}

func TestContinuousActivityCappedByMaxDelay(t *testing.T) {
	q, fake := setupQueue(t)

	// Keep the type busy so the debounce window never elapses.
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(update("note-1", "", `{"text":"x"}`)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		fake.Advance(700 * time.Millisecond)
		if i < 2 {
			if batches := q.Sweep(); len(batches) != 0 {
				t.Fatalf("Sweep at %d released early", i)
			}
		}
	}

	// 2.1s since the first record: the max delay cap releases the batch.
	batches := q.Sweep()
	if len(batches) != 1 {
		t.Fatalf("Sweep after max delay released %d batches, want 1", len(batches))
	}
}

func TestUpdatesCoalescePerTarget(t *testing.T) {
	q, fake := setupQueue(t)

	first := update("note-1", "", `{"text":"a"}`)
	second := update("note-1", "", `{"text":"ab"}`)
	other := update("note-2", "", `{"text":"z"}`)
	for _, ch := range []syncpkg.ChangeRecord{first, second, other} {
		if err := q.Enqueue(ch); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	fake.Advance(time.Second)
	batches := q.Sweep()
	if len(batches) != 1 {
		t.Fatalf("Released %d batches, want 1", len(batches))
	}
	changes := batches[0].Changes
	if len(changes) != 2 {
		t.Fatalf("Batch has %d changes, want 2 after coalescing", len(changes))
	}
	if changes[0].OperationID != second.OperationID {
		t.Error("Coalesced slot does not hold the newer operation")
	}
	if string(changes[0].Payload) != `{"text":"ab"}` {
		t.Errorf("Payload = %s, want the newer payload", changes[0].Payload)
	}
	if changes[1].OperationID != other.OperationID {
		t.Error("Unrelated target was disturbed by coalescing")
	}
}

func TestDistinctItemsDoNotCoalesce(t *testing.T) {
	q, fake := setupQueue(t)

	if err := q.Enqueue(update("conv-1", "msg-1", `{"text":"a"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(update("conv-1", "msg-2", `{"text":"b"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.Advance(time.Second)
	batches := q.Sweep()
	if len(batches) != 1 || len(batches[0].Changes) != 2 {
		t.Fatalf("Expected one batch of 2 changes, got %v", batches)
	}
}

func TestDataTypesFlushIndependently(t *testing.T) {
	q, fake := setupQueue(t)

	note := update("note-1", "", `{"text":"a"}`)
	if err := q.Enqueue(note); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	fake.Advance(800 * time.Millisecond)
	progress := syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeProgress,
		syncpkg.ActionUpdate, "deck-1", json.RawMessage(`{"watchedSeconds":5}`), fake.Now())
	if err := q.Enqueue(progress); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Notes has been quiet for 1s; progress has not.
	fake.Advance(200 * time.Millisecond)
	batches := q.Sweep()
	if len(batches) != 1 || batches[0].DataType != syncpkg.DataTypeNotes {
		t.Fatalf("Expected only the notes batch, got %v", batches)
	}

	fake.Advance(time.Second)
	batches = q.Sweep()
	if len(batches) != 1 || batches[0].DataType != syncpkg.DataTypeProgress {
		t.Fatalf("Expected the progress batch, got %v", batches)
	}
}

func TestFlushAllIgnoresWindows(t *testing.T) {
	q, _ := setupQueue(t)

	if err := q.Enqueue(update("note-1", "", `{"text":"a"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	batches := q.FlushAll()
	if len(batches) != 1 {
		t.Fatalf("FlushAll released %d batches, want 1", len(batches))
	}
	if q.Len() != 0 {
		t.Errorf("Len after FlushAll = %d, want 0", q.Len())
	}
}
