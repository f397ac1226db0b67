package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/internal/wal"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// BuildGenesisBlock constructs the unsealed genesis header and block from a
// Genesis config. There is no coinbase transaction in the account model —
// genesis allocations are credited directly to the ledger by InitGenesis,
// the same implicit-state-transition path the per-block reward uses.
// Genesis.ExtraData is not carried into the header or the block; minerAddr
// is recorded as the genesis block's MinerAddress.
func BuildGenesisBlock(g *config.Genesis, minerAddr types.Address, difficulty uint32) *block.Block {
	header := &block.Header{
		Version:      block.CurrentVersion,
		Index:        0,
		PreviousHash: types.Hash{},
		Timestamp:    int64(g.Timestamp),
		Difficulty:   difficulty,
		Nonce:        0,
	}
	blk := block.NewBlock(header, minerAddr, nil)
	header.MerkleRoot = types.Hash{} // No transactions at genesis.
	return blk
}

// InitGenesis seals (mines) and applies the genesis block, then credits
// every genesis allocation directly to the ledger. Call only on a chain
// with no persisted tip (a brand-new data directory).
func (c *Chain) InitGenesis(g *config.Genesis, minerAddr types.Address) error {
	c.mu.Lock()
	tipHash, _, err := c.store.Tip()
	hasTip := err == nil && !tipHash.IsZero()
	c.mu.Unlock()
	if hasTip {
		return fmt.Errorf("chain: InitGenesis called on a chain that already has a tip")
	}

	blk := BuildGenesisBlock(g, minerAddr, g.Protocol.Consensus.InitialDifficulty)
	if err := c.engine.Seal(blk); err != nil {
		return fmt.Errorf("chain: seal genesis: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for addrStr, amount := range g.Alloc {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return fmt.Errorf("chain: genesis alloc address %q: %w", addrStr, err)
		}
		if _, err := c.state.CreditReward(addr, amount, g.Protocol.Consensus.MaxSupply); err != nil {
			return fmt.Errorf("chain: credit genesis alloc to %s: %w", addr, err)
		}
	}

	if err := c.store.Append(blk); err != nil {
		return fmt.Errorf("chain: append genesis: %w", err)
	}
	cum := workForDifficulty(blk.Header.Difficulty)
	if err := c.store.SetTip(blk.Hash(), 0, cum); err != nil {
		return fmt.Errorf("chain: set genesis tip: %w", err)
	}

	c.tipHash = blk.Hash()
	c.tipIndex = 0
	c.tipTimestamp = blk.Header.Timestamp
	c.tipDifficulty = blk.Header.Difficulty
	c.cumDifficulty = cum
	return nil
}

// Recover resolves any reorg left mid-flight by a prior crash (via
// internal/wal) and then loads the resulting tip. Call once at boot,
// before serving P2P traffic or accepting new blocks.
func (c *Chain) Recover() error {
	if c.wal != nil {
		c.mu.Lock()
		_, currentTip, _ := c.store.Tip()
		c.mu.Unlock()
		if err := wal.Recover(c.wal, c.store, currentTip); err != nil {
			return fmt.Errorf("chain: wal recovery: %w", err)
		}
	}
	return c.LoadTip()
}
