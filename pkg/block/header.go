package block

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Header contains block metadata. Its JSON encoding is exactly the seven
// consensus-critical fields used for hashing and PoW mining; miner_address
// and the optional validator signature live on Block, not Header.
type Header struct {
	Version      uint32     `json:"version"`
	Index        uint64     `json:"index"`
	PreviousHash types.Hash `json:"previous_hash"`
	MerkleRoot   types.Hash `json:"merkle_root"`
	Timestamp    int64      `json:"timestamp"`
	Difficulty   uint32     `json:"difficulty"`
	Nonce        uint64     `json:"nonce"`
}

// Hash returns the canonical hash of the header, which doubles as the
// block's proof-of-work target hash.
func (h *Header) Hash() types.Hash {
	return codec.MustHash(h)
}
