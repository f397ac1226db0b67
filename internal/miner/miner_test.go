package miner

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/internal/consensus"
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

type mockChainState struct {
	height  uint64
	tipHash types.Hash
	tipTime int64
}

func (m *mockChainState) Height() uint64      { return m.height }
func (m *mockChainState) TipHash() types.Hash { return m.tipHash }
func (m *mockChainState) TipTimestamp() int64 { return m.tipTime }

type mockMempool struct {
	txs []*tx.Transaction
}

func (m *mockMempool) SelectForBlock(limit int) []*tx.Transaction {
	if limit >= len(m.txs) {
		return m.txs
	}
	return m.txs[:limit]
}

func testEngine(t *testing.T) *consensus.PoW {
	t.Helper()
	pow, err := consensus.NewPoW(1, 0, 120)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	return pow
}

func TestMiner_ProduceBlock(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.AddressFromPubKey(key.PublicKey())

	chain := &mockChainState{height: 0, tipHash: types.Hash{0xaa, 0xbb}}
	m := New(chain, testEngine(t), nil, addr)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}

	if blk.Header.Index != 1 {
		t.Errorf("index: got %d, want 1", blk.Header.Index)
	}
	if blk.Header.PreviousHash != (types.Hash{0xaa, 0xbb}) {
		t.Error("PreviousHash should match chain tip")
	}
	if blk.Header.Version != 1 {
		t.Errorf("version: got %d, want 1", blk.Header.Version)
	}
	if blk.Header.Timestamp == 0 {
		t.Error("timestamp should not be zero")
	}
	if blk.MinerAddress != addr {
		t.Error("miner address mismatch")
	}
	if len(blk.Transactions) != 0 {
		t.Errorf("expected no transactions without a mempool, got %d", len(blk.Transactions))
	}
}

func TestMiner_ProduceBlock_MeetsPoWTarget(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	chain := &mockChainState{height: 5, tipHash: types.Hash{0x11}}
	engine := testEngine(t)
	m := New(chain, engine, nil, addr)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if err := engine.VerifyHeader(blk.Header); err != nil {
		t.Errorf("sealed block should pass PoW verification: %v", err)
	}
	if blk.Header.Index != 6 {
		t.Errorf("index: got %d, want 6", blk.Header.Index)
	}
}

func TestMiner_ProduceBlock_WithMempool(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}}

	senderKey, _ := crypto.GenerateKey()
	sender := crypto.AddressFromPubKey(senderKey.PublicKey())
	recipient := crypto.AddressFromPubKey(addr[:])

	txn := mustSignedTx(t, senderKey, sender, recipient, 1)
	pool := &mockMempool{txs: []*tx.Transaction{txn}}

	m := New(chain, testEngine(t), pool, addr)

	blk, err := m.ProduceBlock()
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if len(blk.Transactions) != 1 {
		t.Fatalf("expected 1 mempool tx, got %d", len(blk.Transactions))
	}
	if blk.Transactions[0].Hash() != txn.Hash() {
		t.Error("included transaction does not match mempool selection")
	}
}

func TestMiner_ProduceBlockAt_MonotonicTimestamp(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.AddressFromPubKey(key.PublicKey())
	parentTime := time.Now().Unix()
	chain := &mockChainState{height: 0, tipHash: types.Hash{0x01}, tipTime: parentTime}
	m := New(chain, testEngine(t), nil, addr)

	blk, err := m.ProduceBlockAt(parentTime)
	if err != nil {
		t.Fatalf("ProduceBlockAt: %v", err)
	}
	if blk.Header.Timestamp <= parentTime {
		t.Errorf("timestamp %d must be strictly greater than parent %d", blk.Header.Timestamp, parentTime)
	}
}

type constNonce struct{ n uint64 }

func (c constNonce) NextNonce(types.Address) (uint64, error) { return c.n, nil }

func mustSignedTx(t *testing.T, key *crypto.PrivateKey, sender, recipient types.Address, nonce uint64) *tx.Transaction {
	t.Helper()
	factory := tx.NewFactory(constNonce{nonce}, nil)
	unsigned, err := factory.Build(tx.BuildRequest{
		Sender:    sender,
		Recipient: recipient,
		Amount:    codec.AmountFromUint64(1),
		Fee:       codec.AmountFromUint64(1),
	})
	if err != nil {
		t.Fatalf("build tx: %v", err)
	}
	if err := tx.SignWith(unsigned, key); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return unsigned.Tx
}
