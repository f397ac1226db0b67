// Package wal provides a crash-safe write-ahead log for multi-step chain
// mutations (reorgs). It journals a single in-flight record to a file with
// fsync on every write, so a crash between begin and commit/rollback can
// always be detected and resolved on the next boot.
package wal

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Phase identifies a point in a journaled operation's lifecycle.
type Phase string

const (
	PhaseBegin    Phase = "begin"
	PhaseCommit   Phase = "commit"
	PhaseRollback Phase = "rollback"
)

// ID is a 128-bit record identifier.
type ID [16]byte

// String returns the hex encoding of the id.
func (id ID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// Record is the single journaled unit: a reorg from old_tip to new_tip,
// forking at fork_height. At most one uncommitted record exists at rest.
type Record struct {
	ID         ID         `json:"id"`
	Op         string     `json:"op"`
	Phase      Phase      `json:"phase"`
	OldTip     types.Hash `json:"old_tip"`
	NewTip     types.Hash `json:"new_tip"`
	ForkHeight uint64     `json:"fork_height"`
	CreatedAt  int64      `json:"created_at"`
}

// ErrAlreadyPending is returned by Begin when an uncommitted record already
// exists; the caller must resolve it (via Recover) before starting another.
var ErrAlreadyPending = errors.New("wal: a begin record is already pending")

// WAL journals reorg operations to a single file.
type WAL struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// Open returns a WAL backed by the file at path. The file need not exist yet.
func Open(path string) (*WAL, error) {
	if path == "" {
		return nil, fmt.Errorf("wal: empty path")
	}
	return &WAL{path: path, now: time.Now}, nil
}

// Begin journals the start of a reorg from oldTip to newTip, forking at
// forkHeight. Returns ErrAlreadyPending if a begin record is already on
// disk without a matching commit or rollback.
func (w *WAL) Begin(oldTip, newTip types.Hash, forkHeight uint64) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.readLocked()
	if err != nil {
		return Record{}, err
	}
	if existing != nil && existing.Phase == PhaseBegin {
		return Record{}, ErrAlreadyPending
	}

	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return Record{}, fmt.Errorf("wal: generate record id: %w", err)
	}

	rec := Record{
		ID:         id,
		Op:         "reorg",
		Phase:      PhaseBegin,
		OldTip:     oldTip,
		NewTip:     newTip,
		ForkHeight: forkHeight,
		CreatedAt:  w.now().Unix(),
	}
	if err := w.writeLocked(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Commit journals the successful completion of the record identified by id,
// then clears the log. Commit is idempotent: it is a no-op if no pending
// record with this id is found.
func (w *WAL) Commit(id ID) error {
	return w.finish(id, PhaseCommit)
}

// Rollback journals the abandonment of the record identified by id, then
// clears the log. Rollback is idempotent: it is a no-op if no pending
// record with this id is found.
func (w *WAL) Rollback(id ID) error {
	return w.finish(id, PhaseRollback)
}

func (w *WAL) finish(id ID, phase Phase) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.readLocked()
	if err != nil {
		return err
	}
	if existing == nil || existing.ID != id {
		return nil
	}

	existing.Phase = phase
	if err := w.writeLocked(existing); err != nil {
		return err
	}
	return w.clearLocked()
}

// Pending returns the current on-disk record, or nil if the log is empty.
func (w *WAL) Pending() (*Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readLocked()
}

// Clear removes the log file, discarding any record. Callers should only
// call this once a pending begin record has been fully resolved.
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clearLocked()
}

// RewindStore is the subset of chainstore.Store that boot recovery needs to
// roll an interrupted reorg back to its pre-reorg tip.
type RewindStore interface {
	RewindTo(targetIndex uint64, tip uint64) error
}

// Recover inspects the log on boot. If it holds an unresolved begin record,
// it rewinds store back to the fork point and journals a rollback; commit
// and rollback records already on disk are idempotent no-ops. The log is
// cleared in every case. Call this before serving any P2P traffic.
func Recover(w *WAL, store RewindStore, currentTip uint64) error {
	rec, err := w.Pending()
	if err != nil {
		return fmt.Errorf("wal: read pending record: %w", err)
	}
	if rec == nil {
		return nil
	}

	switch rec.Phase {
	case PhaseBegin:
		if err := store.RewindTo(rec.ForkHeight, currentTip); err != nil {
			return fmt.Errorf("wal: recover rewind to %d: %w", rec.ForkHeight, err)
		}
		return w.Rollback(rec.ID)
	case PhaseCommit, PhaseRollback:
		return w.Clear()
	default:
		return fmt.Errorf("wal: unknown phase %q in recovered record", rec.Phase)
	}
}

func (w *WAL) readLocked() (*Record, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("wal: corrupt record: %w", err)
	}
	return &rec, nil
}

func (w *WAL) writeLocked(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: marshal record: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	return nil
}

func (w *WAL) clearLocked() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: clear: %w", err)
	}
	return nil
}
