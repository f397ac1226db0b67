// Package orphan holds blocks whose parent has not yet been seen, so they
// can be promoted onto the active chain once that parent arrives instead of
// being silently dropped.
package orphan

import (
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// entry is a single pooled orphan with its arrival time, used for TTL
// eviction.
type entry struct {
	block     *block.Block
	expiresAt time.Time
}

// Pool is a bounded, TTL-pruned store of parentless blocks, indexed by hash
// and by previous_hash so a newly applied block can find and promote its
// waiting children. Mirrors the in-memory-map-plus-TTL-sweep shape of
// internal/p2p.BanManager, generalized from peer IDs to block hashes.
type Pool struct {
	mu       sync.Mutex
	byHash   map[types.Hash]*entry
	children map[types.Hash][]types.Hash // previous_hash -> orphan hashes waiting on it
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// New creates an orphan pool bounded to capacity entries, each pruned after
// ttl has elapsed since it was added.
func New(capacity int, ttl time.Duration) *Pool {
	return &Pool{
		byHash:   make(map[types.Hash]*entry),
		children: make(map[types.Hash][]types.Hash),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Add stores blk as an orphan, evicting the oldest entry first if the pool
// is at capacity. Returns false if blk was already present.
func (p *Pool) Add(blk *block.Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := blk.Hash()
	if _, exists := p.byHash[hash]; exists {
		return false
	}

	if p.capacity > 0 && len(p.byHash) >= p.capacity {
		p.evictOldestLocked()
	}

	p.byHash[hash] = &entry{
		block:     blk,
		expiresAt: p.now().Add(p.ttl),
	}
	prev := blk.Header.PreviousHash
	p.children[prev] = append(p.children[prev], hash)
	return true
}

// Has reports whether a block with the given hash is pooled.
func (p *Pool) Has(hash types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byHash[hash]
	return ok
}

// Count returns the number of pooled orphans.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHash)
}

// Remove drops a single orphan without promoting it (used when a block is
// independently rejected, e.g. it turns out invalid once its parent is
// known).
func (p *Pool) Remove(hash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
}

// Promote returns every orphan directly waiting on parentHash, removes them
// from the pool, and clears their child-index entries. It does not recurse;
// callers that successfully apply a promoted block should call Promote
// again with that block's own hash to walk the chain depth-first without
// risking a deep recursive call stack on pathological orphan chains.
func (p *Pool) Promote(parentHash types.Hash) []*block.Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := p.children[parentHash]
	if len(hashes) == 0 {
		return nil
	}
	delete(p.children, parentHash)

	out := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if e, ok := p.byHash[h]; ok {
			out = append(out, e.block)
			delete(p.byHash, h)
		}
	}
	return out
}

// PromoteChain walks the orphan pool breadth-first starting from root's hash,
// returning every descendant orphan in the order a caller should attempt to
// apply them (parents before children). The traversal is iterative so an
// attacker-seeded pool of deeply chained orphans cannot exhaust the stack.
func (p *Pool) PromoteChain(root types.Hash) []*block.Block {
	var out []*block.Block
	frontier := []types.Hash{root}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		children := p.Promote(next)
		for _, c := range children {
			out = append(out, c)
			frontier = append(frontier, c.Hash())
		}
	}
	return out
}

// PruneExpired removes every orphan whose TTL has elapsed. Intended to be
// called periodically from a ticker loop, matching
// internal/p2p.BanManager.RunPruneLoop.
func (p *Pool) PruneExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var expired []types.Hash
	for h, e := range p.byHash {
		if now.After(e.expiresAt) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		p.removeLocked(h)
	}
	return len(expired)
}

// RunPruneLoop periodically prunes expired orphans until done is closed.
// Call in a goroutine.
func (p *Pool) RunPruneLoop(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.PruneExpired()
		}
	}
}

func (p *Pool) removeLocked(hash types.Hash) {
	e, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)

	prev := e.block.Header.PreviousHash
	siblings := p.children[prev]
	for i, h := range siblings {
		if h == hash {
			p.children[prev] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(p.children[prev]) == 0 {
		delete(p.children, prev)
	}
}

// evictOldestLocked drops the orphan with the earliest expiry to make room
// for a new arrival. Called with p.mu held.
func (p *Pool) evictOldestLocked() {
	var oldestHash types.Hash
	var oldestAt time.Time
	first := true
	for h, e := range p.byHash {
		if first || e.expiresAt.Before(oldestAt) {
			oldestHash = h
			oldestAt = e.expiresAt
			first = false
		}
	}
	if !first {
		p.removeLocked(oldestHash)
	}
}
