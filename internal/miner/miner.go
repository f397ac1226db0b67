// Package miner implements block production for the account-model chain.
// Block reward crediting has no transaction the miner needs to construct;
// internal/chain applies the reward as an implicit state transition when
// the block is accepted, so Miner's only job is to select mempool
// transactions, build a header the consensus engine can seal, and hand
// back the sealed block.
package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// ChainState provides read-only access to the current chain tip.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() int64
}

// MempoolSelector selects transactions for block inclusion in the mempool's
// own fee-rate/arrival-time/txid order.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
}

// Miner produces candidate blocks against the current tip. It never applies
// a block to the chain — ProduceBlock* only builds and seals; the caller
// (internal/node) submits the result through internal/chain.Chain.SubmitBlock.
type Miner struct {
	chain       ChainState
	engine      consensus.Engine
	pool        MempoolSelector
	minerAddr   types.Address
	maxBlockTxs int
}

// New creates a block producer crediting blk.MinerAddress = minerAddr.
// pool may be nil, in which case blocks carry no transactions.
func New(chain ChainState, engine consensus.Engine, pool MempoolSelector, minerAddr types.Address) *Miner {
	return &Miner{
		chain:       chain,
		engine:      engine,
		pool:        pool,
		minerAddr:   minerAddr,
		maxBlockTxs: config.MaxBlockTxs,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current time.
// The block is NOT applied to the chain — the caller must submit it.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background(), time.Now().Unix())
}

// ProduceBlockAt builds and seals a block with the given timestamp, bumped
// to at least parentTimestamp+1 to guarantee monotonicity (invariant I7).
func (m *Miner) ProduceBlockAt(timestamp int64) (*block.Block, error) {
	return m.produceBlock(context.Background(), timestamp)
}

// ProduceBlockCtx builds and seals a block with cancellation support. When
// ctx is cancelled, PoW sealing stops immediately and returns ctx.Err().
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx, time.Now().Unix())
}

func (m *Miner) produceBlock(ctx context.Context, timestamp int64) (*block.Block, error) {
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	var selected []*tx.Transaction
	if m.pool != nil {
		selected = m.pool.SelectForBlock(m.maxBlockTxs)
	}

	txHashes := make([]types.Hash, len(selected))
	for i, t := range selected {
		txHashes[i] = t.Hash()
	}
	merkle := codec.MerkleRoot(txHashes)

	header := &block.Header{
		Version:      block.CurrentVersion,
		Index:        m.chain.Height() + 1,
		PreviousHash: m.chain.TipHash(),
		MerkleRoot:   merkle,
		Timestamp:    timestamp,
	}

	if err := m.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}

	blk := block.NewBlock(header, m.minerAddr, selected)

	if pow, ok := m.engine.(*consensus.PoW); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else if err := m.engine.Seal(blk); err != nil {
		return nil, fmt.Errorf("seal block: %w", err)
	}

	return blk, nil
}
