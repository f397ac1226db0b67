package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/internal/events"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/wal"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ancestorSegment walks backward from blk, following previous_hash through
// the block store, until it reaches a block that is on the active chain
// (its hash matches the indexed block at its own height) — the fork
// point. It returns the diverging segment in ascending order (fork point's
// child first, blk last) and the fork point's index. Every ancestor in the
// segment must already be present in the store; a block whose parent was
// never seen is orphaned well before reaching this path (see acceptLocked).
func (c *Chain) ancestorSegment(blk *block.Block) ([]*block.Block, uint64, error) {
	var segment []*block.Block
	cur := blk
	for {
		onActive, err := c.isOnActiveChainLocked(cur.Hash(), cur.Header.Index)
		if err != nil {
			return nil, 0, fmt.Errorf("fork point search: %w", err)
		}
		if onActive {
			return segment, cur.Header.Index, nil
		}
		segment = append([]*block.Block{cur}, segment...)

		if cur.Header.Index == 0 {
			return nil, 0, fmt.Errorf("walked back to genesis without finding a common ancestor")
		}
		parent, err := c.store.ReadByHash(cur.Header.PreviousHash)
		if err != nil {
			return nil, 0, fmt.Errorf("missing ancestor %s: %w", cur.Header.PreviousHash, err)
		}
		cur = parent
	}
}

// isOnActiveChainLocked reports whether hash is the block indexed at index
// on the active chain.
func (c *Chain) isOnActiveChainLocked(hash types.Hash, index uint64) (bool, error) {
	hdr, err := c.store.Header(index)
	if err != nil {
		return false, nil // No active-chain block at this index (candidate is taller than our tip).
	}
	return hdr.Hash() == hash, nil
}

// activeSegmentWork sums 2^difficulty for every active-chain block with
// index in [from, to].
func (c *Chain) activeSegmentWork(from, to uint64) (uint64, error) {
	if from > to {
		return 0, nil
	}
	var work uint64
	err := c.store.IterateHeaders(from, to, func(h *block.Header) error {
		work += workForDifficulty(h.Difficulty)
		return nil
	})
	return work, err
}

// considerForkLocked evaluates whether a newly stored fork-candidate block
// makes its branch heavier than the active chain, and reorgs onto it if
// so. Must be called with c.mu held; blk must already be persisted via
// store.StoreBlock.
func (c *Chain) considerForkLocked(blk *block.Block) error {
	segment, forkIndex, err := c.ancestorSegment(blk)
	if err != nil {
		return Reject(RejectUnknownParent, "%v", err)
	}

	if c.maxReorgDepth > 0 && c.tipIndex > forkIndex && c.tipIndex-forkIndex > c.maxReorgDepth {
		return Reject(RejectForkTooDeep, "reorg would rewind %d blocks (fork at %d, tip at %d), max %d",
			c.tipIndex-forkIndex, forkIndex, c.tipIndex, c.maxReorgDepth)
	}

	if c.voter != nil {
		if finalHeight, _, ok := c.voter.LatestFinalized(); ok && forkIndex < finalHeight {
			return Reject(RejectFinalityViolation, "fork point %d is below finalized height %d", forkIndex, finalHeight)
		}
	}

	var candidateWork uint64
	for _, b := range segment {
		candidateWork += workForDifficulty(b.Header.Difficulty)
	}
	activeWork, err := c.activeSegmentWork(forkIndex+1, c.tipIndex)
	if err != nil {
		return Reject(RejectStorageError, "compute active segment work: %v", err)
	}

	if candidateWork <= activeWork {
		// Lighter or equal fork: stored for later, first-seen chain keeps
		// the tip (P8's deterministic tie-break: equal work never moves
		// the tip off the chain that got there first).
		return nil
	}

	return c.reorgToLocked(segment, forkIndex)
}

// oldSideBlock pairs an active-chain block with its decoded undo record,
// collected up front so a reorg never discovers a missing or corrupt undo
// after it has started mutating the ledger.
type oldSideBlock struct {
	blk  *block.Block
	undo *blockUndo
}

// reorgToLocked switches the active chain from its current tip to the
// heavier fork represented by segment (ascending order, tip last),
// diverging at forkIndex. The whole operation is journaled through
// internal/wal: a crash between Begin and Commit is resolved on the next
// boot by wal.Recover rewinding the block-store index back to forkIndex,
// after which the node re-syncs the heavier fork from peers instead of
// risking a half-applied ledger.
//
// Without a crash, any failure mid-switch reapplies the original side
// before returning, so readers only ever see the old chain or the new
// chain, never a mix. To keep that restore simple, the phases are strictly
// ordered: all reads first, then all ledger-state changes, then all
// block-store index changes. A fork tip carrying transactions that don't
// apply against fork-point state (a double spend, a nonce gap) is the
// expected way to land in the restore path — fork candidates are only
// structurally validated before fork choice runs.
func (c *Chain) reorgToLocked(segment []*block.Block, forkIndex uint64) error {
	oldTip := c.tipHash
	oldTipIndex := c.tipIndex
	oldCum := c.cumDifficulty
	newTip := segment[len(segment)-1]

	// Read phase: old-side blocks and their undo records (former tip
	// first). Nothing has been mutated yet, so errors just abort.
	var oldSide []oldSideBlock
	for idx := oldTipIndex; idx > forkIndex; idx-- {
		oldBlk, err := c.store.ReadByIndex(idx)
		if err != nil {
			return Reject(RejectStorageError, "reorg: read old block %d: %v", idx, err)
		}
		undoData, err := c.store.GetUndo(oldBlk.Hash())
		if err != nil {
			return Reject(RejectStorageError, "reorg: read undo for %d: %v", idx, err)
		}
		undo, err := decodeBlockUndo(undoData)
		if err != nil {
			return Reject(RejectStorageError, "reorg: %v", err)
		}
		oldSide = append(oldSide, oldSideBlock{blk: oldBlk, undo: undo})
	}

	removedWork, err := c.activeSegmentWork(forkIndex+1, oldTipIndex)
	if err != nil {
		return Reject(RejectStorageError, "reorg: compute removed work: %v", err)
	}

	rec, err := c.wal.Begin(oldTip, newTip.Hash(), forkIndex)
	if err != nil {
		return Reject(RejectWALCorrupt, "begin: %v", err)
	}

	// restoreOldState rolls the ledger back to exactly the pre-reorg
	// state: unwind whatever new-side blocks were applied, then replay
	// the old side oldest-first. Both only touch accounts that applied
	// cleanly before, so a failure here is a storage write failing
	// mid-recovery — the ledger can no longer be trusted and integrity
	// wins over availability.
	restoreOldState := func(newUndos []*blockUndo) {
		for i := len(newUndos) - 1; i >= 0; i-- {
			if err := c.revertBlockTxs(newUndos[i]); err != nil {
				klog.Chain.Fatal().Err(err).Msg("reorg restore: unwinding new side failed, ledger unrecoverable")
			}
		}
		for i := len(oldSide) - 1; i >= 0; i-- {
			if _, err := c.applyBlockTxs(oldSide[i].blk); err != nil {
				klog.Chain.Fatal().Err(err).
					Uint64("index", oldSide[i].blk.Header.Index).
					Msg("reorg restore: reapplying old side failed, ledger unrecoverable")
			}
		}
	}

	// Ledger phase: revert the old side (former tip first). These writes
	// replay persisted undo snapshots; a failure can strand the ledger
	// mid-block, at no boundary a restore could replay to. Exit with the
	// WAL begin record still pending: boot recovery rewinds the store to
	// the fork point and the node re-syncs from peers.
	for _, ob := range oldSide {
		if err := c.revertBlockTxs(ob.undo); err != nil {
			klog.Chain.Fatal().Err(err).
				Uint64("index", ob.blk.Header.Index).
				Msg("reorg: reverting old side failed mid-block, recovering via WAL at next boot")
		}
	}

	// Ledger phase: apply the new side oldest-first. This is where an
	// invalid fork (insufficient balance, nonce gap) surfaces; restore
	// and reject.
	newUndos := make([]*blockUndo, 0, len(segment))
	for _, nb := range segment {
		undo, err := c.applyBlockTxs(nb)
		if err != nil {
			restoreOldState(newUndos)
			c.rollbackWAL(rec.ID)
			return err
		}
		newUndos = append(newUndos, undo)
	}

	// Store phase: swap the active-chain index over to the new side. Any
	// failure restores both the ledger and the index before returning.
	restoreAll := func(highestAppended uint64) {
		restoreOldState(newUndos)
		if highestAppended > forkIndex {
			if err := c.store.RewindTo(forkIndex, highestAppended); err != nil {
				klog.Chain.Fatal().Err(err).Msg("reorg restore: dropping new-side index failed, store unrecoverable")
			}
		}
		for i := len(oldSide) - 1; i >= 0; i-- {
			if err := c.store.Append(oldSide[i].blk); err != nil {
				klog.Chain.Fatal().Err(err).Msg("reorg restore: reindexing old side failed, store unrecoverable")
			}
		}
		if err := c.store.SetTip(oldTip, oldTipIndex, oldCum); err != nil {
			klog.Chain.Fatal().Err(err).Msg("reorg restore: restoring tip marker failed, store unrecoverable")
		}
		c.rollbackWAL(rec.ID)
	}

	if err := c.store.RewindTo(forkIndex, oldTipIndex); err != nil {
		restoreAll(forkIndex)
		return Reject(RejectStorageError, "reorg: rewind store: %v", err)
	}

	cum := oldCum - removedWork
	highestAppended := forkIndex
	for i, nb := range segment {
		if err := c.store.Append(nb); err != nil {
			// Append writes several keys; scrub whatever subset landed
			// before rolling the index back to the old side.
			_ = c.store.DeleteIndexEntry(nb)
			restoreAll(highestAppended)
			return Reject(RejectStorageError, "reorg: append %d: %v", nb.Header.Index, err)
		}
		highestAppended = nb.Header.Index
		undoData, err := encodeBlockUndo(newUndos[i])
		if err != nil {
			restoreAll(highestAppended)
			return Reject(RejectStorageError, "reorg: encode undo: %v", err)
		}
		if err := c.store.PutUndo(nb.Hash(), undoData); err != nil {
			restoreAll(highestAppended)
			return Reject(RejectStorageError, "reorg: store undo: %v", err)
		}
		cum += workForDifficulty(nb.Header.Difficulty)
	}

	if err := c.store.SetTip(newTip.Hash(), newTip.Header.Index, cum); err != nil {
		restoreAll(highestAppended)
		return Reject(RejectStorageError, "reorg: set tip: %v", err)
	}
	if err := c.wal.Commit(rec.ID); err != nil {
		// The switch is fully written; a WAL that cannot record that fact
		// would replay a stale rollback on the next boot. Stop here rather
		// than run with a journal that disagrees with the store.
		klog.Chain.Fatal().Err(err).Msg("reorg: WAL commit failed after switch, refusing to continue")
	}

	// The old side's undo records are only needed while the switch can
	// still be rolled back; drop them now that it is committed.
	for _, ob := range oldSide {
		_ = c.store.DeleteUndo(ob.blk.Hash())
	}

	c.tipHash = newTip.Hash()
	c.tipIndex = newTip.Header.Index
	c.tipTimestamp = newTip.Header.Timestamp
	c.tipDifficulty = newTip.Header.Difficulty
	c.cumDifficulty = cum

	depth := oldTipIndex - forkIndex
	if c.mempool != nil {
		for _, nb := range segment {
			c.mempool.RemoveConfirmed(nb.Transactions)
		}
		for i := len(oldSide) - 1; i >= 0; i-- {
			for _, t := range oldSide[i].blk.Transactions {
				_, _ = c.mempool.Add(t) // Best-effort: nonce/balance may no longer validate.
			}
		}
	}
	if c.router != nil {
		c.router.Publish(events.ReorgCompleted{From: oldTip, To: newTip.Hash(), Depth: depth})
	}
	if c.metrics != nil {
		c.metrics.ObserveReorg(depth)
	}
	klog.Chain.Warn().
		Str("from", oldTip.String()).
		Str("to", newTip.Hash().String()).
		Uint64("depth", depth).
		Msg("reorg completed")
	return nil
}

// rollbackWAL writes the rollback record for an abandoned reorg. A failed
// write is survivable: the begin record stays pending, so the next boot
// rewinds the index to the fork point and the node re-syncs the suffix
// from peers — never a mixed state, just extra sync work.
func (c *Chain) rollbackWAL(id wal.ID) {
	if err := c.wal.Rollback(id); err != nil {
		klog.Chain.Warn().Err(err).
			Msg("reorg: WAL rollback record write failed; next boot rewinds to the fork point")
	}
}
