package coordinator

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/studykit/studysync/internal/clock"
	syncpkg "github.com/studykit/studysync/internal/sync"
)

type fakeSender struct {
	batches []syncpkg.ChangeBatch
	err     error
}

func (f *fakeSender) SendBatch(batch syncpkg.ChangeBatch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

type fakeVersions struct {
	version int64
}

func (f *fakeVersions) AdvanceSyncVersion(v int64) error {
	if v > f.version {
		f.version = v
	}
	return nil
}

func (f *fakeVersions) SyncVersion() (int64, error) { return f.version, nil }

type harness struct {
	coord    *Coordinator
	fake     *clock.Fake
	sender   *fakeSender
	versions *fakeVersions
	requeued []syncpkg.ChangeRecord
}

func setup(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fake:     clock.NewFake(time.Unix(1000, 0)),
		sender:   &fakeSender{},
		versions: &fakeVersions{},
	}
	h.coord = New(DefaultConfig(), h.fake, h.sender, nil, h.versions,
		func(ch syncpkg.ChangeRecord) error {
			h.requeued = append(h.requeued, ch)
			return nil
		}, nil)
	return h
}

func batchOf(records ...syncpkg.ChangeRecord) syncpkg.ChangeBatch {
	return syncpkg.ChangeBatch{
		DataType: syncpkg.DataTypeProgress,
		Changes:  records,
		DeviceID: "device-a",
	}
}

func record() syncpkg.ChangeRecord {
	return syncpkg.NewChangeRecord("device-a", "sess-1", syncpkg.DataTypeProgress,
		syncpkg.ActionUpdate, "deck-1", json.RawMessage(`{"watchedSeconds":10}`), time.Unix(1000, 0))
}

func expectEvent(t *testing.T, h *harness, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-h.coord.Events():
		if ev.Kind != kind {
			t.Fatalf("Event kind = %s, want %s", ev.Kind, kind)
		}
		return ev
	default:
		t.Fatalf("Expected %s event, got none", kind)
		return Event{}
	}
}

func TestDispatchAndConfirm(t *testing.T) {
	h := setup(t)
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if h.coord.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", h.coord.ActiveCount())
	}
	if got := h.sender.batches[0].Changes[0].Attempts; got != 1 {
		t.Errorf("Attempts on first dispatch = %d, want 1", got)
	}

	h.coord.HandleConfirmed(syncpkg.OperationConfirmedData{
		OperationID: ch.OperationID,
		AggregateID: ch.AggregateID,
		SyncVersion: 5,
	})

	if h.coord.ActiveCount() != 0 {
		t.Errorf("ActiveCount after confirm = %d, want 0", h.coord.ActiveCount())
	}
	ev := expectEvent(t, h, EventConfirmed)
	if ev.SyncVersion != 5 {
		t.Errorf("Event SyncVersion = %d, want 5", ev.SyncVersion)
	}
	if h.versions.version != 5 {
		t.Errorf("Observed version = %d, want 5", h.versions.version)
	}
}

func TestSendFailureRequeuesWithoutBurningAttempt(t *testing.T) {
	h := setup(t)
	h.sender.err = errors.New("not connected")
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err == nil {
		t.Fatal("Dispatch should surface the send error")
	}
	if h.coord.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0 after failed send", h.coord.ActiveCount())
	}
	if len(h.requeued) != 1 {
		t.Fatalf("Requeued %d records, want 1", len(h.requeued))
	}
	if h.requeued[0].Attempts != 0 {
		t.Errorf("Attempts = %d, want 0: a failed send is not a delivery attempt", h.requeued[0].Attempts)
	}
}

func TestRetryableFailureRequeuesUntilExhausted(t *testing.T) {
	h := setup(t)
	ch := record()

	fail := func(ch syncpkg.ChangeRecord) {
		h.coord.HandleFailed(syncpkg.OperationFailedData{
			Failure: syncpkg.OperationError{
				OperationID: ch.OperationID,
				Code:        "storage",
				Message:     "database locked",
				Retryable:   true,
			},
		})
	}

	// Attempts 1 and 2 requeue.
	for i := 0; i < 2; i++ {
		if err := h.coord.Dispatch(batchOf(ch)); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		ch = h.sender.batches[len(h.sender.batches)-1].Changes[0]
		fail(ch)
		ev := expectEvent(t, h, EventRequeued)
		if ev.OperationID != ch.OperationID {
			t.Errorf("Requeued op = %s, want %s", ev.OperationID, ch.OperationID)
		}
	}

	// Attempt 3 is the last: the next failure is terminal.
	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	ch = h.sender.batches[len(h.sender.batches)-1].Changes[0]
	if ch.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", ch.Attempts)
	}
	fail(ch)
	ev := expectEvent(t, h, EventTerminal)
	if ev.Failure == nil || ev.Failure.Code != "storage" {
		t.Errorf("Terminal event failure = %+v, want storage code", ev.Failure)
	}
}

func TestNonRetryableFailureIsTerminalImmediately(t *testing.T) {
	h := setup(t)
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	h.coord.HandleFailed(syncpkg.OperationFailedData{
		Failure: syncpkg.OperationError{
			OperationID: ch.OperationID,
			Code:        "validation",
			Message:     "unknown data type",
			Retryable:   false,
		},
		SyncVersion: 2,
	})

	expectEvent(t, h, EventTerminal)
	if len(h.requeued) != 0 {
		t.Errorf("Non-retryable failure was requeued")
	}
	if h.versions.version != 2 {
		t.Errorf("Version after failure = %d, want 2: failures still carry the server version", h.versions.version)
	}
}

func TestLateFailureAfterTimeoutDoesNotDropRequeuedOperation(t *testing.T) {
	h := setup(t)
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	sent := h.sender.batches[0].Changes[0]

	// The deadline sweep requeues the operation before any response lands.
	h.fake.Advance(10 * time.Second)
	h.coord.CheckDeadlines()
	expectEvent(t, h, EventRequeued)
	if len(h.requeued) != 1 {
		t.Fatalf("Requeued %d records, want 1", len(h.requeued))
	}

	// The server's failure response arrives late, after the requeue. It
	// must be ignored: the record is back in the queue, not in flight.
	h.coord.HandleFailed(syncpkg.OperationFailedData{
		Failure: syncpkg.OperationError{
			OperationID: sent.OperationID,
			Code:        "storage",
			Message:     "database locked",
			Retryable:   true,
		},
		SyncVersion: 7,
	})

	select {
	case ev := <-h.coord.Events():
		t.Fatalf("Late failure produced %s event for requeued operation", ev.Kind)
	default:
	}
	if len(h.requeued) != 1 {
		t.Errorf("Requeued %d records, want 1: late failure must not requeue again", len(h.requeued))
	}
	if h.versions.version != 7 {
		t.Errorf("Version = %d, want 7: late failures still carry the server version", h.versions.version)
	}
}

func TestDeadlineTimeoutRequeues(t *testing.T) {
	h := setup(t)
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	h.fake.Advance(9 * time.Second)
	h.coord.CheckDeadlines()
	if h.coord.ActiveCount() != 1 {
		t.Fatalf("Operation expired before its deadline")
	}

	h.fake.Advance(time.Second)
	h.coord.CheckDeadlines()
	if h.coord.ActiveCount() != 0 {
		t.Fatalf("Operation still active past its deadline")
	}
	ev := expectEvent(t, h, EventRequeued)
	if ev.Failure == nil || ev.Failure.Code != "timeout" {
		t.Errorf("Requeue failure = %+v, want timeout code", ev.Failure)
	}
	if len(h.requeued) != 1 {
		t.Errorf("Requeued %d records, want 1", len(h.requeued))
	}
}

func TestConflictSettlesOperation(t *testing.T) {
	h := setup(t)
	ch := record()

	if err := h.coord.Dispatch(batchOf(ch)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	sent := h.sender.batches[0].Changes[0]
	h.coord.HandleConflict(syncpkg.ConflictData{
		ConflictID:  "conf-1",
		DataType:    ch.DataType,
		AggregateID: ch.AggregateID,
		Local:       sent,
		SyncVersion: 4,
	})

	if h.coord.ActiveCount() != 0 {
		t.Errorf("ActiveCount after conflict = %d, want 0", h.coord.ActiveCount())
	}
	ev := expectEvent(t, h, EventConflict)
	if ev.Conflict == nil || ev.Conflict.ConflictID != "conf-1" {
		t.Errorf("Conflict event = %+v, want conf-1", ev.Conflict)
	}
	if len(h.requeued) != 0 {
		t.Errorf("Conflicted operation was requeued; it must wait for resolution")
	}
}

func TestRequeueActiveOnDisconnect(t *testing.T) {
	h := setup(t)

	first := record()
	second := record()
	if err := h.coord.Dispatch(batchOf(first, second)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	h.coord.RequeueActive()
	if h.coord.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", h.coord.ActiveCount())
	}
	if len(h.requeued) != 2 {
		t.Errorf("Requeued %d records, want 2", len(h.requeued))
	}
}
