package mempool

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
)

// Policy defines transaction acceptance rules layered on top of the
// structural checks tx.Transaction.Validate already performs. This is
// separate from consensus validation — policy rules can vary per node.
type Policy struct {
	MaxTxBytes int // Maximum transaction size in bytes (0 = use config.MaxTxBytes).
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{MaxTxBytes: config.MaxTxBytes}
}

// Check validates a transaction against policy rules, as defense-in-depth
// ahead of the full structural and signature validation Pool.Add performs.
func (p *Policy) Check(transaction *tx.Transaction) error {
	size, err := transaction.Size()
	if err != nil {
		return fmt.Errorf("compute size: %w", err)
	}
	limit := p.MaxTxBytes
	if limit <= 0 {
		limit = config.MaxTxBytes
	}
	if size > limit {
		return fmt.Errorf("transaction too large: %d bytes, max %d", size, limit)
	}
	return nil
}
