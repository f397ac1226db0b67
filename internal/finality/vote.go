package finality

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Vote is a single validator's signed attestation that BlockHash is the
// tip at Height.
type Vote struct {
	BlockHash types.Hash `json:"block_hash"`
	Height    uint64     `json:"height"`
	Validator []byte     `json:"validator"` // Compressed secp256k1 public key.
	Signature []byte     `json:"signature"`
}

// voteSigningView is the canonically-hashed, unsigned view of a Vote —
// mirrors pkg/tx.Transaction's signingView pattern of excluding the
// signature field itself from the hash it signs.
type voteSigningView struct {
	BlockHash types.Hash `json:"block_hash"`
	Height    uint64     `json:"height"`
	Validator []byte     `json:"validator"`
}

// SigningHash returns the canonical hash a validator signs to cast this vote.
func (v Vote) SigningHash() (types.Hash, error) {
	return codec.Hash(voteSigningView{
		BlockHash: v.BlockHash,
		Height:    v.Height,
		Validator: v.Validator,
	})
}

// ValidatorHex returns the vote's validator public key, hex-encoded, the
// same keying scheme config.FinalityRules.Voters uses.
func (v Vote) ValidatorHex() string {
	return hex.EncodeToString(v.Validator)
}

// Sign produces a Vote for the given tip, signed by signer.
func Sign(blockHash types.Hash, height uint64, signer crypto.Signer) (Vote, error) {
	v := Vote{
		BlockHash: blockHash,
		Height:    height,
		Validator: signer.PublicKey(),
	}
	hash, err := v.SigningHash()
	if err != nil {
		return Vote{}, fmt.Errorf("finality: signing hash: %w", err)
	}
	sig, err := signer.Sign(hash[:])
	if err != nil {
		return Vote{}, fmt.Errorf("finality: sign vote: %w", err)
	}
	v.Signature = sig
	return v, nil
}

// Verify checks a vote's signature against its own embedded validator
// public key. It does not check set membership — that's the Voter's job,
// since the answer depends on which validator set is currently active.
func Verify(v Vote) error {
	hash, err := v.SigningHash()
	if err != nil {
		return fmt.Errorf("finality: signing hash: %w", err)
	}
	if !crypto.VerifySignature(hash[:], v.Signature, v.Validator) {
		return ErrBadSignature
	}
	return nil
}

// Certificate is emitted once a block accumulates quorum weight at its
// height; the block (and every ancestor) is final from that point on.
type Certificate struct {
	BlockHash types.Hash `json:"block_hash"`
	Height    uint64     `json:"height"`
	Weight    uint64     `json:"weight"`
	Votes     []Vote     `json:"votes"`
}

// Finality voting errors.
var (
	ErrBadSignature     = errors.New("finality: invalid vote signature")
	ErrUnknownValidator = errors.New("finality: validator not in active set")
	ErrDoubleVote       = errors.New("finality: validator already voted for a different block at this height")
	ErrAlreadyVoted     = errors.New("finality: duplicate vote")
	ErrVotingDisabled   = errors.New("finality: voting not enabled on this node")
)
