package tx

import (
	"fmt"
	"math/big"
)

// FeeRate returns fee/size in base units per byte, the ordering key the
// mempool uses to select transactions for a block template.
func (t *Transaction) FeeRate() (float64, error) {
	size, err := t.Size()
	if err != nil {
		return 0, fmt.Errorf("fee rate: %w", err)
	}
	if size == 0 {
		return 0, fmt.Errorf("fee rate: zero-size transaction")
	}

	feeF := new(big.Float).SetInt(t.Fee.Int())
	rate, _ := new(big.Float).Quo(feeF, big.NewFloat(float64(size))).Float64()
	return rate, nil
}

// MeetsReplaceByFee reports whether candidate's fee rate is at least the
// required multiple of existing's fee rate — the 1.25x replace-by-fee
// threshold for transactions sharing a (sender, nonce) slot in the mempool.
func MeetsReplaceByFee(candidate, existing *Transaction, minMultiple float64) (bool, error) {
	candRate, err := candidate.FeeRate()
	if err != nil {
		return false, err
	}
	existRate, err := existing.FeeRate()
	if err != nil {
		return false, err
	}
	return candRate >= existRate*minMultiple, nil
}
