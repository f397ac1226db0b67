package chain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// SubmitBlock validates and attempts to apply a single block, then walks
// the orphan pool to promote and apply any of its buffered descendants.
// The outer lock is held for the whole call, including orphan promotion,
// so a submission from one peer can never interleave with a concurrent
// submission from another mid-reorg.
func (c *Chain) SubmitBlock(blk *block.Block) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	outcome, err := c.acceptLocked(blk)
	if outcome != OutcomeAccepted {
		return outcome, err
	}

	// Promote and apply any orphans waiting on this block (and their own
	// descendants in turn), iteratively so a long attacker-seeded orphan
	// chain can't blow the stack. A child that fails to apply is dropped
	// silently; acceptLocked already logged and metered its rejection.
	frontier := []types.Hash{blk.Hash()}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		for _, child := range c.orphans.Promote(parent) {
			childOutcome, _ := c.acceptLocked(child)
			if childOutcome == OutcomeAccepted {
				frontier = append(frontier, child.Hash())
			}
		}
	}
	return outcome, err
}

// acceptLocked runs the full acceptance pipeline for one block: structural
// and consensus validation, parent-known check (orphan if not), difficulty
// retarget check, then either extends the active tip directly or stores
// the block as a fork candidate and re-evaluates fork choice. Must be
// called with c.mu held.
func (c *Chain) acceptLocked(blk *block.Block) (Outcome, error) {
	hash := blk.Hash()
	start := time.Now()

	if known, err := c.store.HasBlock(hash); err == nil && known {
		return OutcomeAccepted, nil // Idempotent resubmission.
	}

	if err := c.validator.ValidateBlock(blk); err != nil {
		return c.reject(hash, classifyValidationError(err))
	}

	if blk.Header.Index != 0 {
		parentKnown, _ := c.store.HasBlock(blk.Header.PreviousHash)
		if !parentKnown {
			c.orphans.Add(blk)
			klog.Chain.Debug().Str("block", hash.String()).Msg("orphaned: parent unknown")
			return OutcomeOrphan, nil
		}

		if err := c.verifyDifficultyLocked(blk); err != nil {
			return c.reject(hash, Reject(RejectInvalidPoW, "%v", err))
		}
		if err := c.verifyTimestampLocked(blk); err != nil {
			return c.reject(hash, Reject(RejectBadTimestamp, "%v", err))
		}
	}

	if blk.Header.PreviousHash == c.tipHash {
		if err := c.extendLocked(blk); err != nil {
			return c.reject(hash, err)
		}
		if c.metrics != nil {
			c.metrics.ObserveBlockApplyDuration(time.Since(start).Seconds())
		}
		return OutcomeAccepted, nil
	}

	// Not the current tip's child: a fork candidate. Store it (not yet
	// indexed onto the active chain) and re-run fork choice.
	if err := c.store.StoreBlock(blk); err != nil {
		return c.reject(hash, Reject(RejectStorageError, "store fork candidate: %v", err))
	}
	if err := c.considerForkLocked(blk); err != nil {
		return c.reject(hash, err)
	}
	return OutcomeAccepted, nil
}

// verifyDifficultyLocked cross-checks a non-genesis block's stated
// difficulty against what chain history demands, when the consensus
// engine supports retargeting (PoW does; a future Engine need not).
func (c *Chain) verifyDifficultyLocked(blk *block.Block) error {
	pow, ok := c.engine.(*consensus.PoW)
	if !ok {
		return nil
	}
	prevHeader, err := c.prevHeaderLocked(blk)
	if err != nil {
		return nil // Parent not on the active chain (fork); checked at reorg time instead.
	}
	getTimestamp := func(index uint64) (int64, error) {
		h, err := c.store.Header(index)
		if err != nil {
			return 0, err
		}
		return h.Timestamp, nil
	}
	return pow.VerifyDifficulty(blk.Header, prevHeader.Difficulty, getTimestamp)
}

// verifyTimestampLocked enforces the timestamp rules: a block's timestamp
// must strictly exceed the median of the last MedianTimeSpan timestamps on
// the active chain and must not sit more than MaxFutureDrift seconds ahead
// of the node's own clock. Like verifyDifficultyLocked, a parent that isn't
// on the active chain defers this check to reorg time.
func (c *Chain) verifyTimestampLocked(blk *block.Block) error {
	if _, err := c.prevHeaderLocked(blk); err != nil {
		return nil
	}

	span := config.MedianTimeSpan
	if int(blk.Header.Index) < span {
		span = int(blk.Header.Index)
	}
	timestamps := make([]int64, 0, span)
	for i := 0; i < span; i++ {
		h, err := c.store.Header(blk.Header.Index - 1 - uint64(i))
		if err != nil {
			return err
		}
		timestamps = append(timestamps, h.Timestamp)
	}
	median := medianTimestamp(timestamps)
	if blk.Header.Timestamp <= median {
		return fmt.Errorf("timestamp %d not strictly greater than median %d of last %d blocks", blk.Header.Timestamp, median, span)
	}

	maxAllowed := time.Now().Unix() + config.MaxFutureDrift
	if blk.Header.Timestamp > maxAllowed {
		return fmt.Errorf("timestamp %d more than %ds ahead of node clock", blk.Header.Timestamp, config.MaxFutureDrift)
	}
	return nil
}

// medianTimestamp returns the median of ts. An even-length window (only
// possible early in a young chain, before MedianTimeSpan worth of history
// exists) averages the two middle values rather than picking either.
func medianTimestamp(ts []int64) int64 {
	sorted := append([]int64(nil), ts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// prevHeaderLocked returns the header of blk's parent if it sits on the
// active chain at the expected index.
func (c *Chain) prevHeaderLocked(blk *block.Block) (*block.Header, error) {
	if blk.Header.Index == 0 {
		return nil, errors.New("genesis has no parent")
	}
	h, err := c.store.Header(blk.Header.Index - 1)
	if err != nil {
		return nil, err
	}
	if h.Hash() != blk.Header.PreviousHash {
		return nil, errors.New("parent not on active chain")
	}
	return h, nil
}

// extendLocked applies blk directly onto the current tip: ledger
// mutation, then store append + tip move, then mempool/event
// notification. If the ledger mutation fails the store is never touched.
func (c *Chain) extendLocked(blk *block.Block) error {
	undo, err := c.applyBlockTxs(blk)
	if err != nil {
		return err
	}

	if err := c.store.Append(blk); err != nil {
		_ = c.revertBlockTxs(undo)
		return Reject(RejectStorageError, "append block: %v", err)
	}

	newCum := c.cumDifficulty + workForDifficulty(blk.Header.Difficulty)
	undoData, err := encodeBlockUndo(undo)
	if err != nil {
		return Reject(RejectStorageError, "encode undo: %v", err)
	}
	if err := c.store.PutUndo(blk.Hash(), undoData); err != nil {
		return Reject(RejectStorageError, "store undo: %v", err)
	}
	if err := c.store.SetTip(blk.Hash(), blk.Header.Index, newCum); err != nil {
		return Reject(RejectStorageError, "set tip: %v", err)
	}

	c.tipHash = blk.Hash()
	c.tipIndex = blk.Header.Index
	c.tipTimestamp = blk.Header.Timestamp
	c.tipDifficulty = blk.Header.Difficulty
	c.cumDifficulty = newCum

	if c.mempool != nil {
		c.mempool.RemoveConfirmed(blk.Transactions)
	}
	if c.router != nil {
		c.router.Publish(events.BlockApplied{Hash: blk.Hash(), Index: blk.Header.Index})
	}
	if c.metrics != nil {
		c.metrics.IncBlockApplied()
	}
	klog.Chain.Info().
		Str("block", blk.Hash().String()).
		Uint64("index", blk.Header.Index).
		Int("txs", len(blk.Transactions)).
		Msg("block applied")
	return nil
}

// classifyValidationError maps a structural/consensus validation failure
// to a RejectReason. block.Block.Validate and consensus.Validator.ValidateBlock
// return plain wrapped errors; this is the one place that translates them
// into the stable taxonomy external callers (P2P ban scoring, metrics) key
// off of.
func classifyValidationError(err error) *RejectError {
	switch {
	case errors.Is(err, consensus.ErrInsufficientWork), errors.Is(err, consensus.ErrZeroDifficulty), errors.Is(err, consensus.ErrBadDifficulty):
		return Reject(RejectInvalidPoW, "%v", err)
	case errors.Is(err, block.ErrDuplicateTx):
		return Reject(RejectDuplicateTx, "%v", err)
	case errors.Is(err, block.ErrZeroTimestamp):
		return Reject(RejectBadTimestamp, "%v", err)
	case errors.Is(err, tx.ErrInvalidSig), errors.Is(err, tx.ErrMissingSig), errors.Is(err, tx.ErrInvalidSigLen),
		errors.Is(err, tx.ErrSenderMismatch), errors.Is(err, tx.ErrMissingPubKey), errors.Is(err, tx.ErrInvalidPubKeyLen),
		errors.Is(err, tx.ErrSelfSponsor):
		return Reject(RejectInvalidSignature, "%v", err)
	default:
		// Every other structural failure (nil header, bad version, bad
		// merkle root, zero miner/recipient address, oversized tx or
		// metadata) is a malformed-block report, bucketed with the
		// other size/shape checks.
		return Reject(RejectBadSize, "%v", err)
	}
}
