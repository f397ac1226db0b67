package state

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/tx"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// TxUndo captures the pre-application snapshot of every account a
// transaction touched, so RevertTx can restore the ledger exactly to how
// it looked before ApplyTx ran (used when internal/chain unwinds a block
// during a reorg). Minted is non-zero only for reward credits: the amount
// newly emitted, which RevertTx subtracts back out of the minted-supply
// counter.
type TxUndo struct {
	Accounts map[types.Address]Account `json:"accounts"`
	Minted   codec.Amount              `json:"minted,omitempty"`
}

// ApplyTx debits Fee (and Amount, unless sponsored) from the fee payer,
// debits Amount from the sender, credits Amount to the recipient, and
// advances the sender's confirmed nonce to t.Nonce. Callers must have
// already validated t (sufficient balance, correct nonce, signature) via
// pkg/tx; ApplyTx itself re-checks balance sufficiency defensively and
// returns an error rather than allowing a negative balance.
//
// All three accounts are loaded into a working set before any are mutated,
// so a sponsor, sender, and recipient that collide on the same address
// (e.g. a self-transfer) are debited and credited against one consistent
// in-memory copy instead of racing separate store reads.
func (s *Store) ApplyTx(t *tx.Transaction) (*TxUndo, error) {
	undo := &TxUndo{Accounts: make(map[types.Address]Account)}
	working := make(map[types.Address]*Account)

	load := func(addr types.Address) (*Account, error) {
		if acct, ok := working[addr]; ok {
			return acct, nil
		}
		acct, err := s.Get(addr)
		if err != nil {
			return nil, err
		}
		undo.Accounts[addr] = *acct
		cp := *acct
		working[addr] = &cp
		return &cp, nil
	}

	payer := t.FeePayer()

	senderAcct, err := load(t.Sender)
	if err != nil {
		return nil, fmt.Errorf("apply tx: load sender: %w", err)
	}
	if senderAcct.ConfirmedNonce+1 != t.Nonce {
		return nil, fmt.Errorf("apply tx: nonce mismatch: account at %d, tx carries %d", senderAcct.ConfirmedNonce, t.Nonce)
	}

	payerAcct, err := load(payer)
	if err != nil {
		return nil, fmt.Errorf("apply tx: load payer: %w", err)
	}
	newPayerBalance, ok := payerAcct.Balance.SubChecked(t.Fee)
	if !ok {
		return nil, fmt.Errorf("apply tx: payer %s has insufficient balance for fee", payer)
	}
	payerAcct.Balance = newPayerBalance

	newSenderBalance, ok := senderAcct.Balance.SubChecked(t.Amount)
	if !ok {
		return nil, fmt.Errorf("apply tx: sender %s has insufficient balance", t.Sender)
	}
	senderAcct.Balance = newSenderBalance
	senderAcct.ConfirmedNonce = t.Nonce

	recipientAcct, err := load(t.Recipient)
	if err != nil {
		return nil, fmt.Errorf("apply tx: load recipient: %w", err)
	}
	recipientAcct.Balance = recipientAcct.Balance.Add(t.Amount)

	for addr, acct := range working {
		if err := s.Put(addr, acct); err != nil {
			return nil, fmt.Errorf("apply tx: store %s: %w", addr, err)
		}
	}

	return undo, nil
}

// RevertTx restores every account touched by a previously applied
// transaction to its pre-application snapshot, and unwinds any minting the
// application recorded.
func (s *Store) RevertTx(undo *TxUndo) error {
	if !undo.Minted.IsZero() {
		minted, err := s.MintedSupply()
		if err != nil {
			return fmt.Errorf("revert tx: %w", err)
		}
		restored, ok := minted.SubChecked(undo.Minted)
		if !ok {
			return fmt.Errorf("revert tx: minted supply %s below undo amount %s", minted, undo.Minted)
		}
		if err := s.putMintedSupply(restored); err != nil {
			return fmt.Errorf("revert tx: %w", err)
		}
	}
	for addr, snap := range undo.Accounts {
		acct := snap
		if acct.Balance.IsZero() && acct.ConfirmedNonce == 0 {
			if err := s.Delete(addr); err != nil {
				return fmt.Errorf("revert tx: delete %s: %w", addr, err)
			}
			continue
		}
		if err := s.Put(addr, &acct); err != nil {
			return fmt.Errorf("revert tx: restore %s: %w", addr, err)
		}
	}
	return nil
}

// CreditReward mints amount to addr's balance, used by internal/chain to
// apply the block reward as an implicit state transition (there is no
// coinbase transaction in the account model). The credit is clamped so the
// total ever minted never exceeds maxSupply (a zero maxSupply means
// uncapped): once emission reaches the cap, rewards taper to the remaining
// headroom and then to nothing, deterministically on every node. Returns an
// undo record the caller should keep alongside the block's transaction
// undos so a reorg can unwind the reward, minted-supply counter included.
func (s *Store) CreditReward(addr types.Address, amount, maxSupply codec.Amount) (*TxUndo, error) {
	minted, err := s.MintedSupply()
	if err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}
	if !maxSupply.IsZero() {
		headroom, ok := maxSupply.SubChecked(minted)
		if !ok {
			headroom = codec.ZeroAmount()
		}
		if amount.Cmp(headroom) > 0 {
			amount = headroom
		}
	}

	acct, err := s.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("credit reward: load %s: %w", addr, err)
	}
	undo := &TxUndo{Accounts: map[types.Address]Account{addr: *acct}, Minted: amount}
	acct.Balance = acct.Balance.Add(amount)
	if err := s.Put(addr, acct); err != nil {
		return nil, fmt.Errorf("credit reward: store %s: %w", addr, err)
	}
	if err := s.putMintedSupply(minted.Add(amount)); err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}
	return undo, nil
}
