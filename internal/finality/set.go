// Package finality implements a BFT-style finality-voting overlay on top of
// the PoW longest-chain fork choice: a configured validator set signs votes
// for chain tips, and once a block accumulates more than the configured
// quorum fraction of validator weight it is marked final and immune to
// reorg.
package finality

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
)

// Set is the active validator set: validator public key (hex-encoded,
// compressed secp256k1, matching config.FinalityRules.Voters' keying) to
// stake weight. Loaded at boot from genesis config; governance decisions
// that change the set arrive through Set.Update, and callers outside this
// package own when to invoke it.
type Set struct {
	weights     map[string]uint64
	totalWeight uint64
	quorumNum   uint64
	quorumDen   uint64
}

// NewSet builds a validator set from genesis finality rules. Returns an
// error if the quorum fraction is degenerate or the voter set is empty.
func NewSet(rules config.FinalityRules) (*Set, error) {
	if rules.QuorumDenominator == 0 {
		return nil, fmt.Errorf("finality: quorum denominator must be > 0")
	}
	if rules.QuorumNumerator == 0 || rules.QuorumNumerator >= rules.QuorumDenominator {
		return nil, fmt.Errorf("finality: quorum numerator must satisfy 0 < num < denom")
	}
	if len(rules.Voters) == 0 {
		return nil, fmt.Errorf("finality: voter set must not be empty")
	}

	s := &Set{
		weights:   make(map[string]uint64, len(rules.Voters)),
		quorumNum: rules.QuorumNumerator,
		quorumDen: rules.QuorumDenominator,
	}
	for pubkeyHex, weight := range rules.Voters {
		s.weights[pubkeyHex] = weight
		s.totalWeight += weight
	}
	return s, nil
}

// Weight returns the configured weight for a validator (0 if it is not a
// recognized validator).
func (s *Set) Weight(pubkeyHex string) uint64 {
	return s.weights[pubkeyHex]
}

// IsValidator reports whether pubkeyHex is a recognized validator.
func (s *Set) IsValidator(pubkeyHex string) bool {
	_, ok := s.weights[pubkeyHex]
	return ok
}

// TotalWeight returns the sum of all validator weights.
func (s *Set) TotalWeight() uint64 {
	return s.totalWeight
}

// QuorumMet reports whether weight exceeds the configured quorum fraction
// of total weight, i.e. weight/totalWeight > quorumNum/quorumDen.
func (s *Set) QuorumMet(weight uint64) bool {
	if s.totalWeight == 0 {
		return false
	}
	return weight*s.quorumDen > s.totalWeight*s.quorumNum
}

// Update replaces the validator set in place. This package only stores
// the result of a governance decision made elsewhere.
func (s *Set) Update(weights map[string]uint64) {
	total := uint64(0)
	for _, w := range weights {
		total += w
	}
	s.weights = weights
	s.totalWeight = total
}
