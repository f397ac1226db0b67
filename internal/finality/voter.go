package finality

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/internal/events"
	klog "github.com/Klingon-tech/klingnet-chain/internal/log"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// blockVotes tracks, for one height, every distinct block hash that has
// received votes and the set of validators that voted for each.
type blockVotes struct {
	byBlock map[types.Hash]map[string]Vote // block hash -> validatorHex -> vote
}

// Voter collects and aggregates finality votes against an active Set,
// detects double-voting, and forms Certificates once a block crosses
// quorum weight at its height. Grounded on internal/p2p.BanManager's
// single-mutex-guarded-map shape, generalized from peer offense scores to
// per-height vote tallies.
type Voter struct {
	mu sync.Mutex

	set *Set

	votedAt      map[uint64]map[string]types.Hash // height -> validatorHex -> block hash voted for
	tallies      map[uint64]*blockVotes           // height -> per-block vote aggregation
	certificates map[uint64]*Certificate          // height -> certificate, once quorum is reached
	finalHeight  uint64                           // highest height with a certificate
	finalHash    types.Hash

	router  *events.Router
	metrics *events.Metrics
}

// NewVoter creates a Voter against the given validator set. router and
// metrics may be nil (useful in tests that don't care about misbehavior
// notification).
func NewVoter(set *Set, router *events.Router, metrics *events.Metrics) *Voter {
	return &Voter{
		set:          set,
		votedAt:      make(map[uint64]map[string]types.Hash),
		tallies:      make(map[uint64]*blockVotes),
		certificates: make(map[uint64]*Certificate),
		router:       router,
		metrics:      metrics,
	}
}

// AddVote verifies and records a vote. If the vote pushes its block over
// quorum weight at its height, the resulting Certificate is returned (and
// cached; subsequent votes for already-certified heights are accepted for
// bookkeeping but never produce a second certificate for that height).
// A double vote (same validator, same height, different block) is
// rejected with ErrDoubleVote after publishing a PeerMisbehavior event;
// slashing itself happens outside this package.
func (vt *Voter) AddVote(v Vote) (*Certificate, error) {
	if !vt.set.IsValidator(v.ValidatorHex()) {
		return nil, ErrUnknownValidator
	}
	if err := Verify(v); err != nil {
		return nil, err
	}

	vt.mu.Lock()
	defer vt.mu.Unlock()

	validatorHex := v.ValidatorHex()

	if byValidator, ok := vt.votedAt[v.Height]; ok {
		if existing, voted := byValidator[validatorHex]; voted {
			if existing == v.BlockHash {
				return vt.certificates[v.Height], ErrAlreadyVoted
			}
			vt.reportMisbehavior(validatorHex)
			return nil, ErrDoubleVote
		}
	} else {
		vt.votedAt[v.Height] = make(map[string]types.Hash)
	}
	vt.votedAt[v.Height][validatorHex] = v.BlockHash

	tally, ok := vt.tallies[v.Height]
	if !ok {
		tally = &blockVotes{byBlock: make(map[types.Hash]map[string]Vote)}
		vt.tallies[v.Height] = tally
	}
	votes, ok := tally.byBlock[v.BlockHash]
	if !ok {
		votes = make(map[string]Vote)
		tally.byBlock[v.BlockHash] = votes
	}
	votes[validatorHex] = v

	if cert, exists := vt.certificates[v.Height]; exists {
		return cert, nil
	}

	weight := vt.weightOf(votes)
	if !vt.set.QuorumMet(weight) {
		return nil, nil
	}

	cert := &Certificate{
		BlockHash: v.BlockHash,
		Height:    v.Height,
		Weight:    weight,
		Votes:     voteSlice(votes),
	}
	vt.certificates[v.Height] = cert
	if v.Height >= vt.finalHeight {
		vt.finalHeight = v.Height
		vt.finalHash = v.BlockHash
	}
	return cert, nil
}

// GetCertificate returns the finality certificate for a height, if one has
// formed.
func (vt *Voter) GetCertificate(height uint64) (*Certificate, bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	cert, ok := vt.certificates[height]
	return cert, ok
}

// LatestFinalized returns the highest finalized height and its block hash.
// Returns (0, zero hash, false) if nothing is finalized yet.
func (vt *Voter) LatestFinalized() (uint64, types.Hash, bool) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if len(vt.certificates) == 0 {
		return 0, types.Hash{}, false
	}
	return vt.finalHeight, vt.finalHash, true
}

// IsFinalized reports whether height is at or below the latest certified
// height; ancestors of a finalized block are final too.
func (vt *Voter) IsFinalized(height uint64) bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if len(vt.certificates) == 0 {
		return false
	}
	return height <= vt.finalHeight
}

func (vt *Voter) weightOf(votes map[string]Vote) uint64 {
	var total uint64
	for validatorHex := range votes {
		total += vt.set.Weight(validatorHex)
	}
	return total
}

func (vt *Voter) reportMisbehavior(validatorHex string) {
	klog.Finality.Warn().
		Str("validator", validatorHex).
		Msg("double vote detected")

	if vt.router != nil {
		vt.router.Publish(events.PeerMisbehavior{
			PeerID:      validatorHex,
			Misbehavior: "double_vote",
		})
	}
	if vt.metrics != nil {
		vt.metrics.IncPeerMisbehavior("double_vote")
	}
}

func voteSlice(m map[string]Vote) []Vote {
	out := make([]Vote, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
