package wal

import (
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

type fakeStore struct {
	rewoundTo  uint64
	rewoundTip uint64
	calls      int
}

func (f *fakeStore) RewindTo(targetIndex, tip uint64) error {
	f.rewoundTo = targetIndex
	f.rewoundTip = tip
	f.calls++
	return nil
}

func TestWAL_BeginCommit_ClearsLog(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "wal.json"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	rec, err := w.Begin(types.Hash{0x01}, types.Hash{0x02}, 5)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	pending, err := w.Pending()
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if pending == nil || pending.Phase != PhaseBegin {
		t.Fatalf("Pending() = %+v, want a begin record", pending)
	}

	if err := w.Commit(rec.ID); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	pending, err = w.Pending()
	if err != nil {
		t.Fatalf("Pending() after commit error: %v", err)
	}
	if pending != nil {
		t.Errorf("Pending() after commit = %+v, want nil", pending)
	}
}

func TestWAL_Begin_RejectsConcurrentBegin(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "wal.json"))
	if _, err := w.Begin(types.Hash{0x01}, types.Hash{0x02}, 5); err != nil {
		t.Fatalf("first Begin() error: %v", err)
	}
	if _, err := w.Begin(types.Hash{0x03}, types.Hash{0x04}, 6); err != ErrAlreadyPending {
		t.Errorf("second Begin() error = %v, want ErrAlreadyPending", err)
	}
}

func TestRecover_UnresolvedBegin_RewindsAndRollsBack(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "wal.json"))
	if _, err := w.Begin(types.Hash{0x01}, types.Hash{0x02}, 5); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	store := &fakeStore{}
	if err := Recover(w, store, 9); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	if store.calls != 1 || store.rewoundTo != 5 || store.rewoundTip != 9 {
		t.Errorf("Recover() store state = %+v, want rewind to 5 from tip 9", store)
	}

	pending, err := w.Pending()
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if pending != nil {
		t.Errorf("Pending() after recovery = %+v, want nil", pending)
	}
}

func TestRecover_NoPendingRecord_IsNoop(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "wal.json"))
	store := &fakeStore{}
	if err := Recover(w, store, 9); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if store.calls != 0 {
		t.Errorf("Recover() called RewindTo %d times, want 0", store.calls)
	}
}

func TestRecover_CommittedRecord_ClearsWithoutRewind(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "wal.json"))
	rec, _ := w.Begin(types.Hash{0x01}, types.Hash{0x02}, 5)
	if err := w.Commit(rec.ID); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	store := &fakeStore{}
	if err := Recover(w, store, 9); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	if store.calls != 0 {
		t.Errorf("Recover() after commit called RewindTo, want no-op")
	}
}

func TestWAL_Rollback_IsIdempotentForUnknownID(t *testing.T) {
	w, _ := Open(filepath.Join(t.TempDir(), "wal.json"))
	if err := w.Rollback(ID{0xff}); err != nil {
		t.Errorf("Rollback() on empty log error: %v", err)
	}
}
