package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/finality"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// publishSealed wraps payload in a signed envelope and publishes it,
// charging the outbound bandwidth bucket first so a chatty local producer
// cannot exceed the configured egress rate.
func (n *Node) publishSealed(topic *pubsub.Topic, payload []byte) error {
	if topic == nil || n.envKey == nil {
		return fmt.Errorf("p2p node not started")
	}
	raw, err := sealEnvelope(n.envKey, payload)
	if err != nil {
		return err
	}
	if n.outBytes != nil && !n.outBytes.AllowN(time.Now(), len(raw)) {
		return errEnvelopeRateLimited
	}
	return topic.Publish(n.ctx, raw)
}

// BroadcastTx publishes a transaction to the gossip network.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}

	return n.publishSealed(n.topicTx, data)
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}

	return n.publishSealed(n.topicBlock, data)
}

// BroadcastVote publishes a finality vote to the gossip network.
func (n *Node) BroadcastVote(v finality.Vote) error {
	if n.topicVote == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vote: %w", err)
	}

	return n.publishSealed(n.topicVote, data)
}
