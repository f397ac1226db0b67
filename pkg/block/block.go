// Package block defines block types and validation.
package block

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Block represents a block in the chain. Header fields are hashed and
// mined over; MinerAddress, Transactions and ValidatorSig sit outside
// that hash.
type Block struct {
	Header       *Header           `json:"header"`
	MinerAddress types.Address     `json:"miner_address"`
	Transactions []*tx.Transaction `json:"transactions"`
	ValidatorSig []byte            `json:"validator_sig,omitempty"`
}

// blockJSON hex-encodes the optional validator signature for the wire.
type blockJSON struct {
	Header       *Header           `json:"header"`
	MinerAddress types.Address     `json:"miner_address"`
	Transactions []*tx.Transaction `json:"transactions"`
	ValidatorSig string            `json:"validator_sig,omitempty"`
}

// MarshalJSON encodes the block with a hex-encoded validator signature.
func (b *Block) MarshalJSON() ([]byte, error) {
	j := blockJSON{
		Header:       b.Header,
		MinerAddress: b.MinerAddress,
		Transactions: b.Transactions,
	}
	if b.ValidatorSig != nil {
		j.ValidatorSig = hex.EncodeToString(b.ValidatorSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a block with a hex-encoded validator signature.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	b.Header = j.Header
	b.MinerAddress = j.MinerAddress
	b.Transactions = j.Transactions
	if j.ValidatorSig != "" {
		sig, err := hex.DecodeString(j.ValidatorSig)
		if err != nil {
			return err
		}
		b.ValidatorSig = sig
	}
	return nil
}

// NewBlock creates a new block with the given header, miner and transactions.
func NewBlock(header *Header, miner types.Address, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		MinerAddress: miner,
		Transactions: txs,
	}
}

// Hash returns the block's identifying hash (the header hash).
func (b *Block) Hash() types.Hash {
	return b.Header.Hash()
}

// IsSignedByValidator reports whether a validator signature is attached.
func (b *Block) IsSignedByValidator() bool {
	return len(b.ValidatorSig) > 0
}
