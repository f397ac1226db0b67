// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("replacement fee too low to evict the pending transaction for this nonce")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
	ErrNonceGap      = errors.New("nonce is not the next admissible nonce for this sender")
)

// ReplaceByFeeMultiple is the minimum fee-rate multiple a replacement
// transaction must pay over the one it displaces for the same
// (sender, nonce) slot.
const ReplaceByFeeMultiple = 1.25

// StateProvider supplies the confirmed balance and nonce the mempool
// validates incoming transactions against. internal/state.Store satisfies
// this directly.
type StateProvider interface {
	Balance(addr types.Address) (codec.Amount, error)
	Nonce(addr types.Address) (uint64, error)
}

// conflictKey identifies a (sender, nonce) mempool slot: only one
// transaction may occupy a slot at a time, and a replacement must beat it
// by ReplaceByFeeMultiple.
type conflictKey struct {
	sender types.Address
	nonce  uint64
}

// entry wraps a transaction with its fee-rate and expiry metadata.
type entry struct {
	tx          *tx.Transaction
	txHash      types.Hash
	feeRate     float64
	arrivalTime time.Time
	expiresAt   time.Time
}

// Pool holds unconfirmed transactions, keyed by hash, with a secondary
// (sender, nonce) conflict index so at most one pending transaction per
// account nonce slot is held at a time.
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry
	bySlot     map[conflictKey]types.Hash
	bySender   map[types.Address]map[uint64]types.Hash
	maxSize    int
	ttl        time.Duration
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).
	state      StateProvider
	now        func() time.Time
}

// New creates a new mempool that validates transactions against state and
// holds at most maxSize entries.
func New(state StateProvider, maxSize int, ttl time.Duration) *Pool {
	if maxSize <= 0 {
		maxSize = 50_000
	}
	return &Pool{
		txs:      make(map[types.Hash]*entry),
		bySlot:   make(map[conflictKey]types.Hash),
		bySender: make(map[types.Address]map[uint64]types.Hash),
		maxSize:  maxSize,
		ttl:     ttl,
		state:   state,
		now:     time.Now,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// Add validates and adds a transaction to the mempool. Returns the
// transaction's fee rate. A transaction sharing a (sender, nonce) slot
// with an existing entry replaces it only if its fee rate is at least
// ReplaceByFeeMultiple times the existing one's.
func (p *Pool) Add(transaction *tx.Transaction) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	txHash := transaction.Hash()
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	if err := transaction.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := transaction.VerifySignatures(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	balance, err := p.state.Balance(transaction.FeePayer())
	if err != nil {
		return 0, fmt.Errorf("load payer balance: %w", err)
	}
	confirmedNonce, err := p.state.Nonce(transaction.Sender)
	if err != nil {
		return 0, fmt.Errorf("load sender nonce: %w", err)
	}
	if transaction.Nonce <= confirmedNonce {
		return 0, fmt.Errorf("%w: nonce %d already confirmed (account at %d)", ErrValidation, transaction.Nonce, confirmedNonce)
	}

	senderSlots := p.bySender[transaction.Sender]
	if _, isReplacement := senderSlots[transaction.Nonce]; !isReplacement {
		nextAdmissible := confirmedNonce + 1
		for n := range senderSlots {
			if n+1 > nextAdmissible {
				nextAdmissible = n + 1
			}
		}
		if transaction.Nonce != nextAdmissible {
			return 0, fmt.Errorf("%w: nonce %d, next admissible is %d", ErrNonceGap, transaction.Nonce, nextAdmissible)
		}
	}

	required := transaction.Fee
	if transaction.FeePayer() == transaction.Sender {
		required = required.Add(transaction.Amount)
	}
	if balance.Cmp(required) < 0 {
		return 0, fmt.Errorf("%w: payer balance %s insufficient for %s", ErrValidation, balance, required)
	}

	feeRate, err := transaction.FeeRate()
	if err != nil {
		return 0, fmt.Errorf("compute fee rate: %w", err)
	}
	if p.minFeeRate > 0 && feeRate < float64(p.minFeeRate) {
		return 0, fmt.Errorf("%w: rate %.4f below minimum %d", ErrFeeTooLow, feeRate, p.minFeeRate)
	}

	slot := conflictKey{sender: transaction.Sender, nonce: transaction.Nonce}
	if existingHash, exists := p.bySlot[slot]; exists {
		existing := p.txs[existingHash]
		ok, err := tx.MeetsReplaceByFee(transaction, existing.tx, ReplaceByFeeMultiple)
		if err != nil {
			return 0, fmt.Errorf("compare replacement fee: %w", err)
		}
		if !ok {
			return 0, ErrConflict
		}
		p.removeLocked(existingHash)
	}

	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	arrival := p.now()
	e := &entry{tx: transaction, txHash: txHash, feeRate: feeRate, arrivalTime: arrival}
	if p.ttl > 0 {
		e.expiresAt = arrival.Add(p.ttl)
	}
	p.txs[txHash] = e
	p.bySlot[slot] = txHash
	if p.bySender[transaction.Sender] == nil {
		p.bySender[transaction.Sender] = make(map[uint64]types.Hash)
	}
	p.bySender[transaction.Sender][transaction.Nonce] = txHash

	return feeRate, nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	slot := conflictKey{sender: e.tx.Sender, nonce: e.tx.Nonce}
	delete(p.bySlot, slot)
	delete(p.txs, txHash)
	if slots := p.bySender[e.tx.Sender]; slots != nil {
		delete(slots, e.tx.Nonce)
		if len(slots) == 0 {
			delete(p.bySender, e.tx.Sender)
		}
	}
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
	}
}

// PruneExpired removes every entry whose TTL has elapsed. Returns the
// number of transactions evicted. Intended to be called from a periodic
// ticker.
func (p *Pool) PruneExpired() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl <= 0 {
		return 0
	}
	now := p.now()
	var expired []types.Hash
	for h, e := range p.txs {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		p.removeLocked(h)
	}
	return len(expired)
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by descending fee rate, ties
// broken by earlier arrival time and then lexicographic txid, up to the
// given limit — while preserving per-sender nonce continuity. A sender may
// hold several chained pending nonces whose fee rates sort in any order, so
// each fee-ranked slot emits its sender's lowest still-pending nonce rather
// than the slot's own transaction; a sender whose lowest pending nonce does
// not follow on from the confirmed one contributes nothing (its entries
// could never apply). The ordering is fully deterministic so two nodes with
// the same pool and state contents build the same template.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.feeRate != b.feeRate {
			return a.feeRate > b.feeRate
		}
		if !a.arrivalTime.Equal(b.arrivalTime) {
			return a.arrivalTime.Before(b.arrivalTime)
		}
		return a.txHash.String() < b.txHash.String()
	})

	queues := make(map[types.Address][]*entry, len(entries))
	for _, e := range entries {
		queues[e.tx.Sender] = append(queues[e.tx.Sender], e)
	}
	for _, q := range queues {
		sort.Slice(q, func(i, j int) bool { return q[i].tx.Nonce < q[j].tx.Nonce })
	}

	if limit > len(entries) || limit < 0 {
		limit = len(entries)
	}

	nextNonce := make(map[types.Address]uint64, len(queues))
	result := make([]*tx.Transaction, 0, limit)
	for _, e := range entries {
		if len(result) >= limit {
			break
		}
		sender := e.tx.Sender
		q := queues[sender]
		if len(q) == 0 {
			continue // Sender exhausted, or dropped below for a gap.
		}
		expected, ok := nextNonce[sender]
		if !ok {
			confirmed, err := p.state.Nonce(sender)
			if err != nil {
				queues[sender] = nil
				continue
			}
			expected = confirmed + 1
		}
		head := q[0]
		if head.tx.Nonce != expected {
			// Gap against confirmed state: none of this sender's entries
			// can apply until the missing nonce arrives.
			queues[sender] = nil
			continue
		}
		queues[sender] = q[1:]
		nextNonce[sender] = expected + 1
		result = append(result, head.tx)
	}
	return result
}
