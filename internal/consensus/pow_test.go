package consensus

import (
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestNewPoW_ZeroDifficulty(t *testing.T) {
	_, err := NewPoW(0, 0, 3)
	if err != ErrZeroDifficulty {
		t.Fatalf("NewPoW(0) err = %v, want ErrZeroDifficulty", err)
	}
}

func TestPoW_Target(t *testing.T) {
	// Difficulty 0 bits required: any hash passes (target = 2^256 - 1).
	t0 := target(0)
	maxHash := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if t0.Cmp(maxHash) != 0 {
		t.Fatalf("target(0) = %s, want %s", t0, maxHash)
	}

	// Difficulty 1 required leading zero bit: target = 2^255 - 1.
	t1 := target(1)
	want := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	if t1.Cmp(want) != 0 {
		t.Fatalf("target(1) = %s, want %s", t1, want)
	}

	// Difficulty >= 256 is unmineable: target collapses to 0.
	if target(256).Sign() != 0 {
		t.Fatalf("target(256) should be 0")
	}
}

func newTestHeader(index uint64, difficulty uint32) *block.Header {
	return &block.Header{
		Version:      block.CurrentVersion,
		Index:        index,
		PreviousHash: types.Hash{},
		MerkleRoot:   types.Hash{1, 2, 3},
		Timestamp:    1000,
		Difficulty:   difficulty,
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	blk := block.NewBlock(newTestHeader(1, 1), types.Address{}, nil)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader after Seal: %v", err)
	}
}

func TestPoW_VerifyHeader_Rejects(t *testing.T) {
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	// Near-maximum required bits — a fixed nonce has essentially no chance.
	header := newTestHeader(1, 255)
	header.Nonce = 42

	err = pow.VerifyHeader(header)
	if err != ErrInsufficientWork {
		t.Fatalf("VerifyHeader with difficulty=255 = %v, want ErrInsufficientWork", err)
	}
}

func TestPoW_VerifyHeader_ZeroDifficulty(t *testing.T) {
	pow, err := NewPoW(1, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	header := newTestHeader(1, 0)
	err = pow.VerifyHeader(header)
	if err != ErrZeroDifficulty {
		t.Fatalf("VerifyHeader(difficulty=0) = %v, want ErrZeroDifficulty", err)
	}
}

func TestPoW_SealModerateDifficulty(t *testing.T) {
	// A handful of required leading zero bits finds a nonce quickly.
	pow, err := NewPoW(8, 0, 3)
	if err != nil {
		t.Fatal(err)
	}

	blk := block.NewBlock(newTestHeader(5, 8), types.Address{}, nil)
	if err := pow.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := pow.VerifyHeader(blk.Header); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}

	hash := blk.Header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	tgt := target(8)
	if hashInt.Cmp(tgt) > 0 {
		t.Fatalf("hash %s > target %s", hashInt, tgt)
	}
}

func TestPoW_Prepare_SetsDifficulty(t *testing.T) {
	pow, _ := NewPoW(42, 0, 3)
	header := newTestHeader(1, 0)
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if header.Difficulty != 42 {
		t.Fatalf("Prepare set difficulty = %d, want 42", header.Difficulty)
	}
}

func TestPoW_Prepare_UsesDifficultyFn(t *testing.T) {
	pow, _ := NewPoW(10, 0, 3)
	pow.DifficultyFn = func(index uint64) uint32 {
		return uint32(index) * 3
	}

	header := newTestHeader(5, 0)
	if err := pow.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if header.Difficulty != 15 {
		t.Fatalf("Prepare with DifficultyFn set difficulty = %d, want 15", header.Difficulty)
	}
}

// ── Difficulty adjustment tests ──────────────────────────────────────

func TestCalcNextDifficulty_ExactTarget(t *testing.T) {
	got := CalcNextDifficulty(20, 600, 600)
	if got != 20 {
		t.Fatalf("CalcNextDifficulty(exact) = %d, want 20", got)
	}
}

func TestCalcNextDifficulty_TooFast(t *testing.T) {
	// Blocks 2x faster → bit count increases by one.
	got := CalcNextDifficulty(20, 300, 600)
	if got != 21 {
		t.Fatalf("CalcNextDifficulty(2x fast) = %d, want 21", got)
	}
}

func TestCalcNextDifficulty_TooSlow(t *testing.T) {
	// Blocks 2x slower → bit count decreases by one.
	got := CalcNextDifficulty(20, 1200, 600)
	if got != 19 {
		t.Fatalf("CalcNextDifficulty(2x slow) = %d, want 19", got)
	}
}

func TestCalcNextDifficulty_ClampUp(t *testing.T) {
	// Blocks 10x faster → clamped to a 2-bit increase.
	got := CalcNextDifficulty(20, 60, 600)
	if got != 22 {
		t.Fatalf("CalcNextDifficulty(clamp up) = %d, want 22", got)
	}
}

func TestCalcNextDifficulty_ClampDown(t *testing.T) {
	// Blocks 10x slower → clamped to a 2-bit decrease.
	got := CalcNextDifficulty(20, 6000, 600)
	if got != 18 {
		t.Fatalf("CalcNextDifficulty(clamp down) = %d, want 18", got)
	}
}

func TestCalcNextDifficulty_MinOne(t *testing.T) {
	got := CalcNextDifficulty(1, 10000, 10)
	if got < 1 {
		t.Fatalf("CalcNextDifficulty(min) = %d, want >= 1", got)
	}
}

func TestPoW_ShouldAdjust(t *testing.T) {
	pow, _ := NewPoW(1, 10, 3)

	tests := []struct {
		index uint64
		want  bool
	}{
		{0, false},
		{1, false},
		{9, false},
		{10, true},
		{11, false},
		{20, true},
		{30, true},
		{100, true},
	}

	for _, tt := range tests {
		got := pow.ShouldAdjust(tt.index)
		if got != tt.want {
			t.Errorf("ShouldAdjust(%d) = %v, want %v", tt.index, got, tt.want)
		}
	}

	pow0, _ := NewPoW(1, 0, 3)
	if pow0.ShouldAdjust(10) {
		t.Error("ShouldAdjust with interval=0 should be false")
	}
}

func TestPoW_ExpectedDifficulty(t *testing.T) {
	pow, _ := NewPoW(20, 10, 3) // Adjust every 10 blocks, target 3s/block.

	if got := pow.ExpectedDifficulty(0, 0, nil); got != 20 {
		t.Fatalf("ExpectedDifficulty(0) = %d, want 20", got)
	}
	if got := pow.ExpectedDifficulty(1, 0, nil); got != 20 {
		t.Fatalf("ExpectedDifficulty(1) = %d, want 20", got)
	}

	if got := pow.ExpectedDifficulty(5, 24, nil); got != 24 {
		t.Fatalf("ExpectedDifficulty(5, prev=24) = %d, want 24", got)
	}

	getTS := func(h uint64) (int64, error) {
		if h == 0 {
			return 0, nil
		}
		return 30, nil
	}
	if got := pow.ExpectedDifficulty(10, 24, getTS); got != 24 {
		t.Fatalf("ExpectedDifficulty(10, exact) = %d, want 24", got)
	}

	getFastTS := func(h uint64) (int64, error) {
		if h == 0 {
			return 0, nil
		}
		return 15, nil
	}
	if got := pow.ExpectedDifficulty(10, 24, getFastTS); got != 25 {
		t.Fatalf("ExpectedDifficulty(10, 2x fast) = %d, want 25", got)
	}
}

func TestPoW_VerifyDifficulty(t *testing.T) {
	pow, _ := NewPoW(20, 10, 3)

	header := newTestHeader(1, 20)
	if err := pow.VerifyDifficulty(header, 0, nil); err != nil {
		t.Fatalf("VerifyDifficulty(index=1, diff=20) = %v, want nil", err)
	}

	header2 := newTestHeader(1, 10)
	if err := pow.VerifyDifficulty(header2, 0, nil); err == nil {
		t.Fatal("VerifyDifficulty(index=1, diff=10) = nil, want error")
	}

	header3 := newTestHeader(5, 24)
	if err := pow.VerifyDifficulty(header3, 24, nil); err != nil {
		t.Fatalf("VerifyDifficulty(index=5, diff=24) = %v, want nil", err)
	}
}
