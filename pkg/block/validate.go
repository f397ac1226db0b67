package block

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader        = errors.New("block has nil header")
	ErrBadMerkleRoot    = errors.New("merkle root mismatch")
	ErrBadVersion       = errors.New("unsupported block version")
	ErrZeroTimestamp    = errors.New("block timestamp is zero")
	ErrZeroMinerAddress = errors.New("miner address is zero")
	ErrTooManyTxs       = errors.New("too many transactions in block")
	ErrBlockTooLarge    = errors.New("block too large")
	ErrDuplicateTx      = errors.New("duplicate transaction in block")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency. It does NOT
// verify consensus rules such as the proof-of-work target or validator
// signature eligibility; those are delegated to internal/consensus.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	if b.MinerAddress.IsZero() {
		return ErrZeroMinerAddress
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	// Check total block size (canonical header + all canonical tx encodings).
	headerBytes, err := codec.Canonical(b.Header)
	if err != nil {
		return fmt.Errorf("encoding header: %w", err)
	}
	blockSize := len(headerBytes)
	for _, t := range b.Transactions {
		size, err := t.Size()
		if err != nil {
			return fmt.Errorf("encoding transaction: %w", err)
		}
		blockSize += size
	}
	if blockSize > config.MaxBlockBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, config.MaxBlockBytes)
	}

	// Verify merkle root.
	txHashes := make([]types.Hash, len(b.Transactions))
	seen := make(map[types.Hash]int, len(b.Transactions))
	for i, t := range b.Transactions {
		h := t.Hash()
		if prev, dup := seen[h]; dup {
			return fmt.Errorf("tx %d: %w: also at index %d", i, ErrDuplicateTx, prev)
		}
		seen[h] = i
		txHashes[i] = h
	}
	expectedRoot := codec.MerkleRoot(txHashes)
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	// Validate each transaction structurally.
	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if err := t.VerifySignatures(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	return nil
}
