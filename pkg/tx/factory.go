package tx

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// NonceSource reports the next admissible nonce for a sender, mirroring
// confirmed-nonce lookups against chain state plus whatever is already
// pending in the mempool. Neither internal/state nor internal/mempool
// implements it; callers supply an adapter.
type NonceSource interface {
	NextNonce(sender types.Address) (uint64, error)
}

// Clock returns the current unix timestamp. Abstracted so factories and
// their tests don't depend on wall-clock time directly.
type Clock func() int64

// BuildRequest describes the transaction a caller wants constructed.
type BuildRequest struct {
	Sender       types.Address
	Recipient    types.Address
	Amount       codec.Amount
	Fee          codec.Amount
	Metadata     json.RawMessage
	PayerAddress *types.Address // set for a sponsored fee
}

// UnsignedTx is a transaction awaiting a signature, paired with the hash the
// caller must sign.
type UnsignedTx struct {
	Tx   *Transaction
	Hash types.Hash
}

// Factory builds, signs, and validates transactions. It never performs
// network I/O — callers are responsible for broadcasting a finished
// transaction.
type Factory struct {
	nonces NonceSource
	clock  Clock
}

// NewFactory constructs a Factory. If clock is nil, a wall-clock Clock is
// used.
func NewFactory(nonces NonceSource, clock Clock) *Factory {
	if clock == nil {
		clock = defaultClock
	}
	return &Factory{nonces: nonces, clock: clock}
}

// Build produces a canonical unsigned transaction for req, with the next
// admissible nonce for the sender and the hash the caller must sign.
func (f *Factory) Build(req BuildRequest) (*UnsignedTx, error) {
	nonce, err := f.nonces.NextNonce(req.Sender)
	if err != nil {
		return nil, fmt.Errorf("build tx: next nonce: %w", err)
	}

	t := &Transaction{
		Sender:       req.Sender,
		Recipient:    req.Recipient,
		Amount:       req.Amount,
		Fee:          req.Fee,
		Nonce:        nonce,
		Timestamp:    f.clock(),
		Metadata:     req.Metadata,
		PayerAddress: req.PayerAddress,
	}

	return &UnsignedTx{Tx: t, Hash: t.Hash()}, nil
}

// Attach finalizes an unsigned transaction with the sender's public key and
// signature, recomputes the hash to guard against a stale UnsignedTx, and
// runs full local validation. The sponsor's key and signature are attached
// separately by AttachSponsor.
func (u *UnsignedTx) Attach(publicKey, signature []byte) error {
	u.Tx.PublicKey = publicKey
	u.Tx.Signature = signature

	if got := u.Tx.Hash(); got != u.Hash {
		return fmt.Errorf("attach: hash changed since Build: got %s, want %s", got, u.Hash)
	}
	if err := u.Tx.Validate(); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return u.Tx.VerifySignatures()
}

// AttachSponsor attaches a fee sponsor's public key and signature to an
// already sender-signed transaction. Call after Attach.
func (u *UnsignedTx) AttachSponsor(publicKey, signature []byte) error {
	if u.Tx.PayerAddress == nil {
		return fmt.Errorf("attach sponsor: payer_address not set")
	}
	u.Tx.SponsorPublicKey = publicKey
	u.Tx.SponsorSignature = signature
	if err := u.Tx.Validate(); err != nil {
		return fmt.Errorf("attach sponsor: %w", err)
	}
	return u.Tx.VerifySignatures()
}

// SignWith is a convenience for callers holding the raw private key rather
// than performing signing out-of-process (e.g. hardware wallets, remote
// signers). Production paths should prefer Build + external signing + Attach.
func SignWith(u *UnsignedTx, key *crypto.PrivateKey) error {
	if err := u.Tx.Sign(key); err != nil {
		return err
	}
	if u.Tx.PayerAddress != nil {
		// Caller is signing both roles; only valid in tests/tools.
		if err := u.Tx.SignSponsor(key); err != nil {
			return err
		}
	}
	u.Hash = u.Tx.Hash()
	return u.Tx.Validate()
}
