// Package state manages the account/nonce ledger: balances and confirmed
// nonces keyed by address, committed by internal/chain as it applies and
// reverts blocks.
package state

import (
	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Account is the ledger entry for a single address: its spendable balance
// and the nonce of the last transaction it confirmed (the next valid
// transaction from this address must carry Nonce+1).
type Account struct {
	Balance        codec.Amount `json:"balance"`
	ConfirmedNonce uint64       `json:"confirmed_nonce"`
}

// Set is the interface for account storage.
type Set interface {
	Get(addr types.Address) (*Account, error)
	Put(addr types.Address, acct *Account) error
	Delete(addr types.Address) error
	Has(addr types.Address) (bool, error)
}
