// Package events provides a sink-agnostic typed event router and a pull-style
// metrics registry for the chain engine. Mutation paths (chain, mempool, p2p)
// publish typed events instead of calling fixed callback hooks, and any
// number of subscribers can drain them independently.
package events

import (
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Kind identifies the type of an Event without a type assertion.
type Kind string

const (
	KindBlockApplied    Kind = "block_applied"
	KindBlockRejected   Kind = "block_rejected"
	KindReorgCompleted  Kind = "reorg_completed"
	KindMempoolEvicted  Kind = "mempool_evicted"
	KindPeerMisbehavior Kind = "peer_misbehavior"
)

// Event is implemented by every published event type.
type Event interface {
	Kind() Kind
}

// BlockApplied fires when a block extends the active chain tip.
type BlockApplied struct {
	Hash  types.Hash
	Index uint64
}

func (BlockApplied) Kind() Kind { return KindBlockApplied }

// BlockRejected fires when a submitted block fails validation or
// consensus checks. Reason is a short, stable machine-readable tag (see
// internal/chain.RejectReason), Detail carries the human-readable cause.
type BlockRejected struct {
	Hash   types.Hash
	Reason string
	Detail string
}

func (BlockRejected) Kind() Kind { return KindBlockRejected }

// ReorgCompleted fires after the active chain switches from one tip to a
// heavier fork.
type ReorgCompleted struct {
	From  types.Hash
	To    types.Hash
	Depth uint64
}

func (ReorgCompleted) Kind() Kind { return KindReorgCompleted }

// MempoolEvicted fires when one or more transactions leave the mempool for
// a reason other than confirmation (TTL expiry, capacity eviction, RBF).
type MempoolEvicted struct {
	Reason string
	Count  int
}

func (MempoolEvicted) Kind() Kind { return KindMempoolEvicted }

// PeerMisbehavior fires when the P2P layer observes a protocol violation:
// replayed nonce, rate-limit breach, bad signature, double-vote, etc.
type PeerMisbehavior struct {
	PeerID      string
	Misbehavior string // e.g. "nonce_replay", "rate_limited", "invalid_signature"
}

func (PeerMisbehavior) Kind() Kind { return KindPeerMisbehavior }

// subscriberBuffer is the channel depth given to each new subscriber. A slow
// subscriber drops events rather than blocking publishers; Router counts
// drops per kind so operators can see it happening.
const subscriberBuffer = 64

// Router is a fan-out publish/subscribe hub for Event values. The zero value
// is not usable; construct with NewRouter.
type Router struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	metrics     *Metrics
}

// NewRouter creates an event router. m may be nil; if set, every Publish
// also increments m's per-kind published/dropped counters.
func NewRouter(m *Metrics) *Router {
	return &Router{
		subscribers: make(map[Kind][]chan Event),
		metrics:     m,
	}
}

// Subscribe registers a new subscriber for events of the given kind and
// returns a receive-only channel plus an unsubscribe function. Callers must
// call unsubscribe to release the channel once they stop draining it.
func (r *Router) Subscribe(kind Kind) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	r.mu.Lock()
	r.subscribers[kind] = append(r.subscribers[kind], ch)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[kind]
		for i, c := range subs {
			if c == ch {
				r.subscribers[kind] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Publish fans e out to every subscriber registered for e.Kind(). Delivery
// is non-blocking: a subscriber whose buffer is full misses the event and
// the drop is counted, it is never allowed to stall the publisher.
func (r *Router) Publish(e Event) {
	kind := e.Kind()

	r.mu.RLock()
	subs := r.subscribers[kind]
	r.mu.RUnlock()

	delivered := 0
	for _, ch := range subs {
		select {
		case ch <- e:
			delivered++
		default:
			if r.metrics != nil {
				r.metrics.eventsDropped.WithLabelValues(string(kind)).Inc()
			}
		}
	}
	if r.metrics != nil {
		r.metrics.eventsPublished.WithLabelValues(string(kind)).Inc()
	}
}
