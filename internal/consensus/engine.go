// Package consensus defines consensus engine interfaces.
package consensus

import "github.com/Klingon-tech/klingnet-chain/pkg/block"

// Engine is the interface for consensus implementations. PoW is the only
// implementation the core ships (see pow.go); the interface stays narrow so
// a future engine needs only these three methods to slot into
// internal/chain's block-acceptance path.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	Seal(blk *block.Block) error
}
