package node

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-chain/internal/chain"
	"github.com/Klingon-tech/klingnet-chain/internal/events"
	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TipInfo describes the active chain tip.
type TipInfo struct {
	Index     uint64     `json:"index"`
	Hash      types.Hash `json:"hash"`
	Timestamp int64      `json:"timestamp"`
}

// BlockSelector picks a block by index or by hash. Exactly one field
// should be set; Hash wins when both are.
type BlockSelector struct {
	Index *uint64
	Hash  *types.Hash
}

// Core is the collaborator-facing surface of the consensus engine: the
// operations an RPC layer, wallet, or explorer calls. Node implements it.
type Core interface {
	SubmitTx(t *tx.Transaction) (types.Hash, error)
	SubmitBlock(blk *block.Block) (chain.Outcome, error)
	GetBalance(addr types.Address) (*big.Int, error)
	GetTip() TipInfo
	GetBlock(sel BlockSelector) (*block.Block, error)
	MempoolSnapshot(limit int) []*tx.Transaction
	Subscribe(kind events.Kind) (<-chan events.Event, func())
	SubmitVote(v finality.Vote) (*finality.Certificate, error)
	GetFinality(height uint64) (*finality.Certificate, bool)
}

var _ Core = (*Node)(nil)

// SubmitTx admits a transaction to the mempool, relays it to peers, and
// returns its txid. Rejections surface as one reason per submission.
func (n *Node) SubmitTx(t *tx.Transaction) (types.Hash, error) {
	if err := n.SubmitTransaction(t); err != nil {
		return types.Hash{}, err
	}
	return t.Hash(), nil
}

// SubmitBlock validates and applies an externally produced block under the
// single-writer lock. The outcome distinguishes accepted, orphaned (parent
// unknown, held for promotion) and rejected blocks.
func (n *Node) SubmitBlock(blk *block.Block) (chain.Outcome, error) {
	var outcome chain.Outcome
	err := n.sched.WithLock(func() error {
		var submitErr error
		outcome, submitErr = n.chain.SubmitBlock(blk)
		return submitErr
	})
	if err == nil && outcome == chain.OutcomeAccepted && n.p2pNode != nil {
		if berr := n.p2pNode.BroadcastBlock(blk); berr != nil {
			n.logger.Warn().Err(berr).Msg("relay accepted block failed")
		}
	}
	return outcome, err
}

// GetBalance returns the confirmed balance of an address. Unknown
// addresses report zero, never an error.
func (n *Node) GetBalance(addr types.Address) (*big.Int, error) {
	amt, err := n.state.Balance(addr)
	if err != nil {
		return nil, err
	}
	return amt.Int(), nil
}

// GetTip reports the active chain tip.
func (n *Node) GetTip() TipInfo {
	hash, index, _ := n.chain.Tip()
	return TipInfo{
		Index:     index,
		Hash:      hash,
		Timestamp: n.chain.TipTimestamp(),
	}
}

// GetBlock fetches a block by hash or index.
func (n *Node) GetBlock(sel BlockSelector) (*block.Block, error) {
	if sel.Hash != nil {
		return n.chain.GetBlock(*sel.Hash)
	}
	if sel.Index != nil {
		return n.chain.GetBlockByIndex(*sel.Index)
	}
	return nil, chain.Reject(chain.RejectNotFound, "block selector names neither index nor hash")
}

// MempoolSnapshot returns up to limit pending transactions in block-template
// order: descending fee rate, ties broken by arrival time then txid.
func (n *Node) MempoolSnapshot(limit int) []*tx.Transaction {
	return n.pool.SelectForBlock(limit)
}

// Subscribe streams typed engine events of one kind. The returned cancel
// function must be called when the caller stops draining the channel.
func (n *Node) Subscribe(kind events.Kind) (<-chan events.Event, func()) {
	return n.router.Subscribe(kind)
}

// SubmitVote verifies and records a finality vote. The returned certificate
// is non-nil only when this vote completed a quorum.
func (n *Node) SubmitVote(v finality.Vote) (*finality.Certificate, error) {
	if n.voter == nil {
		return nil, finality.ErrVotingDisabled
	}
	cert, err := n.voter.AddVote(v)
	if err != nil {
		return nil, err
	}
	if n.p2pNode != nil {
		if berr := n.p2pNode.BroadcastVote(v); berr != nil {
			n.logger.Warn().Err(berr).Msg("relay finality vote failed")
		}
	}
	return cert, nil
}

// GetFinality returns the certificate pinning the block at height, if one
// has formed.
func (n *Node) GetFinality(height uint64) (*finality.Certificate, bool) {
	if n.voter == nil {
		return nil, false
	}
	return n.voter.GetCertificate(height)
}
