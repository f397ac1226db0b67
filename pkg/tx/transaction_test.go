package tx

import (
	"encoding/json"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func signedTx(t *testing.T, sender *crypto.PrivateKey, recipient types.Address, amount, fee uint64, nonce uint64) *Transaction {
	t.Helper()
	tr := &Transaction{
		Sender:    crypto.AddressFromPubKey(sender.PublicKey()),
		Recipient: recipient,
		Amount:    codec.AmountFromUint64(amount),
		Fee:       codec.AmountFromUint64(fee),
		Nonce:     nonce,
		Timestamp: 1700000000,
	}
	if err := tr.Sign(sender); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return tr
}

func TestTransaction_Hash_Deterministic(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)

	h1 := tr.Hash()
	h2 := tr.Hash()
	if h1 != h2 {
		t.Error("Hash() should be deterministic")
	}
	if h1.IsZero() {
		t.Error("Hash() should not be zero")
	}
}

func TestTransaction_Hash_ChangesWithContent(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr1 := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)
	tr2 := signedTx(t, key, types.Address{0x02}, 2000, 10, 1)

	if tr1.Hash() == tr2.Hash() {
		t.Error("different transactions should have different hashes")
	}
}

func TestTransaction_Hash_IgnoresSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)

	h1 := tr.Hash()
	tr.Signature = []byte("a different signature entirely here ok")
	h2 := tr.Hash()

	if h1 != h2 {
		t.Error("Hash() should not change when the signature is replaced")
	}
}

func TestTransaction_Hash_IgnoresSponsorSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sponsor, _ := crypto.GenerateKey()
	payer := crypto.AddressFromPubKey(sponsor.PublicKey())

	tr := &Transaction{
		Sender:       crypto.AddressFromPubKey(key.PublicKey()),
		Recipient:    types.Address{0x02},
		Amount:       codec.AmountFromUint64(1000),
		Fee:          codec.AmountFromUint64(10),
		Nonce:        1,
		Timestamp:    1700000000,
		PayerAddress: &payer,
	}
	if err := tr.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	h1 := tr.Hash()

	if err := tr.SignSponsor(sponsor); err != nil {
		t.Fatalf("SignSponsor() error: %v", err)
	}
	h2 := tr.Hash()

	if h1 != h2 {
		t.Error("Hash() should not change when the sponsor signature is attached")
	}
}

func TestTransaction_FeePayer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.AddressFromPubKey(key.PublicKey())
	tr := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)

	if tr.FeePayer() != sender {
		t.Errorf("FeePayer() = %s, want sender %s", tr.FeePayer(), sender)
	}

	payer := types.Address{0x03}
	tr.PayerAddress = &payer
	if tr.FeePayer() != payer {
		t.Errorf("FeePayer() = %s, want payer %s", tr.FeePayer(), payer)
	}
	if !tr.IsSponsored() {
		t.Error("IsSponsored() should be true once PayerAddress is set")
	}
}

func TestTransaction_JSON_RoundTrip(t *testing.T) {
	key, _ := crypto.GenerateKey()
	original := &Transaction{
		Sender:    crypto.AddressFromPubKey(key.PublicKey()),
		Recipient: types.Address{0x02},
		Amount:    codec.AmountFromUint64(1000),
		Fee:       codec.AmountFromUint64(10),
		Nonce:     1,
		Timestamp: 1700000000,
		Metadata:  json.RawMessage(`{"memo":"hi"}`),
	}
	if err := original.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Transaction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Hash() != original.Hash() {
		t.Errorf("roundtrip hash mismatch: got %s, want %s", decoded.Hash(), original.Hash())
	}
	if decoded.Amount.String() != original.Amount.String() {
		t.Errorf("amount mismatch: got %s, want %s", decoded.Amount, original.Amount)
	}
	if err := decoded.VerifySignatures(); err != nil {
		t.Errorf("decoded tx should still verify: %v", err)
	}
}

func TestTransaction_JSON_AmountIsDecimalString(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)

	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := generic["amount"].(string); !ok {
		t.Errorf("amount should encode as a JSON string, got %T", generic["amount"])
	}
}

func TestTransaction_Size_GrowsWithMetadata(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tr := signedTx(t, key, types.Address{0x02}, 1000, 10, 1)

	base, err := tr.Size()
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}

	tr.Metadata = json.RawMessage(`{"note":"a fairly long memo field for size testing"}`)
	withMeta, err := tr.Size()
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}

	if withMeta <= base {
		t.Errorf("Size() with metadata = %d, want > base %d", withMeta, base)
	}
}
