package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// maxDifficultyBits is the hash width in bits (SHA-256). A difficulty at or
// above this value would require an all-zero hash and can never be mined.
const maxDifficultyBits = 256

// one is reused by target() to avoid reallocating on every call.
var one = big.NewInt(1)

// target returns the largest 256-bit integer a header hash may equal or
// fall under to satisfy `difficulty` required leading zero bits:
// 2^(256-difficulty) - 1, i.e. SHA256(header) < 2^(256-difficulty).
func target(difficulty uint32) *big.Int {
	if difficulty >= maxDifficultyBits {
		return big.NewInt(0)
	}
	t := new(big.Int).Lsh(one, uint(maxDifficultyBits-difficulty))
	return t.Sub(t, one)
}

// PoW implements proof-of-work consensus: a header is valid when its hash,
// read as a big-endian 256-bit integer, has at least Header.Difficulty
// leading zero bits. The engine holds no per-chain mutable state — every
// block's difficulty is self-describing in its header, and retargeting is
// computed from chain history by ExpectedDifficulty/VerifyDifficulty.
type PoW struct {
	InitialDifficulty uint32 // Required leading zero bits at genesis.
	AdjustInterval    uint64 // Blocks between difficulty retargets (0 = fixed difficulty).
	TargetBlockTime   int    // Target seconds between blocks.

	// DifficultyFn computes the expected difficulty for a new block given
	// its index. Set by the node operator (klingnetd); if nil, Prepare
	// uses InitialDifficulty unconditionally.
	DifficultyFn func(index uint64) uint32

	// Threads controls the number of parallel mining goroutines used by
	// Seal. 0 or 1 = single-threaded; each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

// NewPoW creates a PoW engine requiring at least `difficulty` leading zero
// bits, retargeting every adjustInterval blocks toward targetBlockTime.
func NewPoW(difficulty uint32, adjustInterval uint64, targetBlockTime int) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty: difficulty,
		AdjustInterval:    adjustInterval,
		TargetBlockTime:   targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this index.
func (p *PoW) ShouldAdjust(index uint64) bool {
	return index > 0 && p.AdjustInterval > 0 && index%p.AdjustInterval == 0
}

// VerifyHeader checks that the header's hash meets its own stated
// difficulty (invariant I3). Cross-checking that the stated difficulty is
// itself the one chain history demands is VerifyDifficulty's job.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.Difficulty)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the candidate header's difficulty for mining, computed from
// DifficultyFn if set, otherwise InitialDifficulty.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Difficulty = p.DifficultyFn(header.Index)
	} else {
		header.Difficulty = p.InitialDifficulty
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets
// the difficulty already set on the header.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines with cancellation support. When ctx is cancelled,
// mining stops and ctx.Err() is returned. If Threads > 1, mining runs in
// parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// candidateHash recomputes the header hash for a trial nonce without
// mutating the shared header until a winning nonce is found.
func candidateHash(h *block.Header, nonce uint64) [32]byte {
	trial := *h
	trial.Nonce = nonce
	return trial.Hash()
}

func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.Difficulty)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		hash := candidateHash(blk.Header, nonce)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.Difficulty)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				hash := candidateHash(blk.Header, nonce)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedDifficulty computes the correct difficulty for a block at the
// given index. prevDifficulty is the difficulty of the block at index-1
// (0 for index <= 1). getTimestamp retrieves a block's timestamp by index.
func (p *PoW) ExpectedDifficulty(index uint64, prevDifficulty uint32, getTimestamp func(uint64) (int64, error)) uint32 {
	if index <= 1 || prevDifficulty == 0 {
		return p.InitialDifficulty
	}
	if !p.ShouldAdjust(index) {
		return prevDifficulty
	}
	if p.AdjustInterval > index {
		return prevDifficulty
	}

	startTS, err := getTimestamp(index - p.AdjustInterval)
	if err != nil {
		return prevDifficulty
	}
	endTS, err := getTimestamp(index - 1)
	if err != nil {
		return prevDifficulty
	}

	actual := endTS - startTS
	expected := int64(p.AdjustInterval) * int64(p.TargetBlockTime)
	return CalcNextDifficulty(prevDifficulty, actual, expected)
}

// VerifyDifficulty checks that a header's stated difficulty matches the
// expected difficulty computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevDifficulty uint32, getTimestamp func(uint64) (int64, error)) error {
	expected := p.ExpectedDifficulty(header.Index, prevDifficulty, getTimestamp)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: index %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Index, header.Difficulty, expected)
	}
	return nil
}

// CalcNextDifficulty computes the new required leading-zero-bit count after
// a retarget period. The actual/expected time-span ratio is converted into a
// bit shift (doubling the ratio moves one bit, 4x moves two), clamped to
// keep a single retarget from swinging difficulty too far, and never lets
// difficulty fall below 1 bit.
func CalcNextDifficulty(prevDifficulty uint32, actualTimeSpan, expectedTimeSpan int64) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	ratio := new(big.Float).Quo(big.NewFloat(float64(expectedTimeSpan)), big.NewFloat(float64(actualTimeSpan)))
	ratioF, _ := ratio.Float64()

	shift := 0
	switch {
	case ratioF >= 3.5:
		shift = 2
	case ratioF >= 1.5:
		shift = 1
	case ratioF <= 0.25:
		shift = -2
	case ratioF <= 0.667:
		shift = -1
	}

	next := int64(prevDifficulty) + int64(shift)
	if next < 1 {
		next = 1
	}
	if next >= maxDifficultyBits {
		next = maxDifficultyBits - 1
	}
	return uint32(next)
}
