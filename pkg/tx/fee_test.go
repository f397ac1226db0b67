package tx

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func feeTestTx(t *testing.T, fee uint64) *Transaction {
	t.Helper()
	key, _ := crypto.GenerateKey()
	tr := &Transaction{
		Sender:    crypto.AddressFromPubKey(key.PublicKey()),
		Recipient: types.Address{0x02},
		Amount:    codec.AmountFromUint64(1000),
		Fee:       codec.AmountFromUint64(fee),
		Nonce:     1,
		Timestamp: 1700000000,
	}
	if err := tr.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return tr
}

func TestFeeRate_Positive(t *testing.T) {
	tr := feeTestTx(t, 1000)
	rate, err := tr.FeeRate()
	if err != nil {
		t.Fatalf("FeeRate() error: %v", err)
	}
	if rate <= 0 {
		t.Errorf("FeeRate() = %f, want > 0", rate)
	}
}

func TestFeeRate_Zero(t *testing.T) {
	tr := feeTestTx(t, 0)
	rate, err := tr.FeeRate()
	if err != nil {
		t.Fatalf("FeeRate() error: %v", err)
	}
	if rate != 0 {
		t.Errorf("FeeRate() = %f, want 0", rate)
	}
}

func TestFeeRate_HigherFeeHigherRate(t *testing.T) {
	low := feeTestTx(t, 100)
	high := feeTestTx(t, 10000)

	lowRate, err := low.FeeRate()
	if err != nil {
		t.Fatalf("FeeRate() error: %v", err)
	}
	highRate, err := high.FeeRate()
	if err != nil {
		t.Fatalf("FeeRate() error: %v", err)
	}
	if highRate <= lowRate {
		t.Errorf("higher fee should yield higher rate: low=%f high=%f", lowRate, highRate)
	}
}

func TestMeetsReplaceByFee(t *testing.T) {
	existing := feeTestTx(t, 1000)

	tests := []struct {
		name      string
		candidate *Transaction
		want      bool
	}{
		{"below threshold", feeTestTx(t, 1100), false}, // ~1.1x, needs 1.25x
		{"above threshold", feeTestTx(t, 1300), true},
		{"equal fee", feeTestTx(t, 1000), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MeetsReplaceByFee(tt.candidate, existing, 1.25)
			if err != nil {
				t.Fatalf("MeetsReplaceByFee() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MeetsReplaceByFee() = %v, want %v", got, tt.want)
			}
		})
	}
}
