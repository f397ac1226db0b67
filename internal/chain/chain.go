// Package chain implements the account-model chain validator: block
// acceptance, cumulative-work fork choice, crash-safe reorgs, and genesis
// bootstrap. It is built against pkg/tx's sender/recipient/amount/nonce
// transactions and internal/state's account ledger: one mutex-guarded
// struct wrapping a block store, a consensus engine, and an events.Router
// for typed event fan-out.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/chainstore"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/internal/orphan"
	"github.com/Klingon-tech/klingnet-chain/internal/state"
	"github.com/Klingon-tech/klingnet-chain/internal/wal"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Outcome is the three-way result of submitting a block: it extends or
// forks the known tree (Accepted), waits on a missing parent (Orphan), or
// fails validation/consensus (Rejected, with a RejectError carrying the
// reason).
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeOrphan
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeRejected:
		return "reject"
	default:
		return "unknown"
	}
}

// MempoolPruner is the subset of mempool.Pool the chain needs: drop
// confirmed transactions after a block applies, and best-effort re-admit
// transactions that a reorg knocked off the active chain.
type MempoolPruner interface {
	RemoveConfirmed(transactions []*tx.Transaction)
	Add(transaction *tx.Transaction) (float64, error)
}

// Chain is the account-model chain validator: it owns the active chain's
// tip state, applies and reverts blocks against internal/state, chooses
// between competing forks by cumulative work, and drives crash-safe
// reorgs through internal/wal. A single mutex serializes every mutation;
// the struct is usable standalone, or behind internal/scheduler's
// chainLock in node wiring.
type Chain struct {
	mu sync.Mutex

	store     *chainstore.Store
	state     *state.Store
	validator *consensus.Validator
	engine    consensus.Engine
	orphans   *orphan.Pool
	wal       *wal.WAL
	voter     *finality.Voter // nil when finality voting is disabled
	mempool   MempoolPruner   // nil when the chain is used headless (e.g. tests)
	router    *events.Router
	metrics   *events.Metrics

	rules         config.ConsensusRules
	maxReorgDepth uint64

	tipHash       types.Hash
	tipIndex      uint64
	tipTimestamp  int64
	tipDifficulty uint32
	cumDifficulty uint64
}

// Options configures a new Chain. Store, State, Validator and Engine are
// required; the rest may be left zero to disable that subsystem.
type Options struct {
	Store     *chainstore.Store
	State     *state.Store
	Validator *consensus.Validator
	Engine    consensus.Engine
	Orphans   *orphan.Pool
	WAL       *wal.WAL
	Voter     *finality.Voter
	Mempool   MempoolPruner
	Router    *events.Router
	Metrics   *events.Metrics

	Rules config.ConsensusRules

	// MaxReorgDepth bounds how many blocks a reorg may rewind. It is
	// deliberately distinct from config.FinalityRules.FinalityDepth,
	// which gates vote *eligibility* after N confirmations: a structural
	// safety bound and a voting-eligibility window are different knobs
	// even when a deployment reuses one number for both. 0 means
	// unbounded.
	MaxReorgDepth uint64
}

// New constructs a Chain from already-open collaborators. It does not load
// or create genesis; call LoadTip (for an existing chain) or InitGenesis
// (for a fresh one) before submitting blocks.
func New(opts Options) (*Chain, error) {
	if opts.Store == nil || opts.State == nil || opts.Validator == nil || opts.Engine == nil {
		return nil, fmt.Errorf("chain: Store, State, Validator and Engine are required")
	}
	c := &Chain{
		store:         opts.Store,
		state:         opts.State,
		validator:     opts.Validator,
		engine:        opts.Engine,
		orphans:       opts.Orphans,
		wal:           opts.WAL,
		voter:         opts.Voter,
		mempool:       opts.Mempool,
		router:        opts.Router,
		metrics:       opts.Metrics,
		rules:         opts.Rules,
		maxReorgDepth: opts.MaxReorgDepth,
	}
	if c.orphans == nil {
		c.orphans = orphan.New(1024, 0)
	}
	return c, nil
}

// LoadTip reads the persisted tip from the block store and caches it on
// the Chain. Call once at boot, after wal.Recover has resolved any
// interrupted reorg.
func (c *Chain) LoadTip() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash, index, err := c.store.Tip()
	if err != nil {
		return fmt.Errorf("chain: load tip: %w", err)
	}
	c.tipHash = hash
	c.tipIndex = index
	c.cumDifficulty = c.store.CumulativeDifficulty()

	if !hash.IsZero() || index == 0 {
		if hdr, err := c.store.Header(index); err == nil {
			c.tipTimestamp = hdr.Timestamp
			c.tipDifficulty = hdr.Difficulty
		}
	}
	return nil
}

// Tip returns the active chain's tip hash, index and cumulative work.
func (c *Chain) Tip() (types.Hash, uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHash, c.tipIndex, c.cumDifficulty
}

// Height returns the active chain's tip index.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipIndex
}

// TipHash returns the active chain's tip hash.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipHash
}

// TipTimestamp returns the active chain tip block's timestamp.
func (c *Chain) TipTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipTimestamp
}

// TipDifficulty returns the active chain tip block's difficulty.
func (c *Chain) TipDifficulty() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipDifficulty
}

// HasBlock reports whether a block with the given hash is known (either on
// the active chain or a stored fork candidate).
func (c *Chain) HasBlock(hash types.Hash) (bool, error) {
	return c.store.HasBlock(hash)
}

// GetBlock retrieves a known block by hash, from the active chain or a
// stored fork.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.store.ReadByHash(hash)
}

// GetBlockByIndex retrieves the active-chain block at the given index.
func (c *Chain) GetBlockByIndex(index uint64) (*block.Block, error) {
	return c.store.ReadByIndex(index)
}

// SnapshotHash returns the deterministic ledger-equality digest for the
// active chain's current tip, over the height, tip hash, and every account
// in the ledger. Two nodes at the same tip must produce the same digest.
func (c *Chain) SnapshotHash() (types.Hash, error) {
	c.mu.Lock()
	height, tipHash := c.tipIndex, c.tipHash
	c.mu.Unlock()
	return c.state.SnapshotHash(height, tipHash)
}

// workForDifficulty returns 2^difficulty, the per-block work contribution
// to cumulative chain work. Difficulty is clamped to 63 bits so a
// pathological header can never overflow the uint64 accumulator.
func workForDifficulty(difficulty uint32) uint64 {
	if difficulty >= 63 {
		difficulty = 63
	}
	return uint64(1) << difficulty
}

// rewardAt computes the block reward at the given height, halving every
// HalvingInterval blocks (HalvingInterval == 0 disables halving).
func (c *Chain) rewardAt(index uint64) codec.Amount {
	if c.rules.HalvingInterval == 0 {
		return c.rules.BlockReward
	}
	halvings := index / c.rules.HalvingInterval
	if halvings == 0 {
		return c.rules.BlockReward
	}
	if halvings >= 64 {
		return codec.ZeroAmount()
	}
	v := c.rules.BlockReward.Int()
	v.Rsh(v, uint(halvings))
	amt, err := codec.NewAmount(v)
	if err != nil {
		return codec.ZeroAmount()
	}
	return amt
}

// blockUndo is the persisted undo record for one applied block: the
// reward credit plus every transaction's account-touch snapshot, restored
// in reverse order by revertBlockTxs.
type blockUndo struct {
	Reward  *state.TxUndo   `json:"reward"`
	TxUndos []*state.TxUndo `json:"tx_undos"`
}

func encodeBlockUndo(u *blockUndo) ([]byte, error) {
	return json.Marshal(u)
}

func decodeBlockUndo(data []byte) (*blockUndo, error) {
	var u blockUndo
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode block undo: %w", err)
	}
	return &u, nil
}

// applyBlockTxs credits the block reward to the miner and applies every
// transaction in order, returning an undo record. On the first failing
// transaction it unwinds everything already applied in this block (reward
// included) before returning, so a rejected block never leaves a partial
// mutation behind.
func (c *Chain) applyBlockTxs(blk *block.Block) (*blockUndo, error) {
	reward := c.rewardAt(blk.Header.Index)
	rewardUndo, err := c.state.CreditReward(blk.MinerAddress, reward, c.rules.MaxSupply)
	if err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}

	txUndos := make([]*state.TxUndo, 0, len(blk.Transactions))
	for i, t := range blk.Transactions {
		undo, err := c.state.ApplyTx(t)
		if err != nil {
			for j := len(txUndos) - 1; j >= 0; j-- {
				_ = c.state.RevertTx(txUndos[j])
			}
			_ = c.state.RevertTx(rewardUndo)
			return nil, Reject(classifyApplyError(err), "tx %d (%s): %v", i, t.Hash(), err)
		}
		txUndos = append(txUndos, undo)
	}

	return &blockUndo{Reward: rewardUndo, TxUndos: txUndos}, nil
}

// revertBlockTxs undoes a previously applied block's reward and
// transactions, in reverse order.
func (c *Chain) revertBlockTxs(u *blockUndo) error {
	for i := len(u.TxUndos) - 1; i >= 0; i-- {
		if err := c.state.RevertTx(u.TxUndos[i]); err != nil {
			return fmt.Errorf("revert tx %d: %w", i, err)
		}
	}
	if u.Reward != nil {
		if err := c.state.RevertTx(u.Reward); err != nil {
			return fmt.Errorf("revert reward: %w", err)
		}
	}
	return nil
}

// classifyApplyError maps a state.ApplyTx failure string to a RejectReason.
// internal/state returns plain fmt errors rather than a typed taxonomy
// (C4's ledger has no reason to know about C8's reject vocabulary), so this
// is a thin substring classifier at the one call site that cares.
func classifyApplyError(err error) RejectReason {
	if strings.Contains(err.Error(), "nonce mismatch") {
		return RejectNonceGap
	}
	return RejectInsufficientBalance
}

// reject publishes a BlockRejected event, counts the metric, and returns
// the Rejected outcome with a RejectError.
func (c *Chain) reject(hash types.Hash, err error) (Outcome, error) {
	var re *RejectError
	if !errors.As(err, &re) {
		re = Reject(RejectStorageError, "%v", err)
	}
	klog.Chain.Warn().Str("block", hash.String()).Str("reason", string(re.Reason)).Msg("block rejected")
	if c.router != nil {
		c.router.Publish(events.BlockRejected{Hash: hash, Reason: string(re.Reason), Detail: re.Detail})
	}
	if c.metrics != nil {
		c.metrics.IncBlockRejected(string(re.Reason))
	}
	return OutcomeRejected, re
}
