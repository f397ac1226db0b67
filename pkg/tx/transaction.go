// Package tx defines the transaction type and the factory that builds,
// signs, and validates it against the account/nonce model.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/pkg/codec"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction moves Amount base units from Sender to Recipient, paying Fee
// to the block producer. Sender authorizes it with Signature over the
// transaction's Txid (everything except the signature fields themselves).
//
// An optional sponsor may co-sign to pay the fee on the sender's behalf:
// when PayerAddress is set, validation charges Fee against that address
// instead of Sender, and SponsorSignature must verify against the same
// Txid using SponsorPublicKey.
type Transaction struct {
	Sender    types.Address   `json:"sender"`
	Recipient types.Address   `json:"recipient"`
	Amount    codec.Amount    `json:"amount"`
	Fee       codec.Amount    `json:"fee"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	PublicKey []byte          `json:"public_key"`
	Signature []byte          `json:"signature,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Sponsorship hook: optional fee sponsor. When present, Fee is charged
	// to PayerAddress rather than Sender.
	SponsorPublicKey []byte         `json:"sponsor_public_key,omitempty"`
	SponsorSignature []byte         `json:"sponsor_signature,omitempty"`
	PayerAddress     *types.Address `json:"payer_address,omitempty"`
}

// txJSON is the wire representation, hex-encoding every byte field.
type txJSON struct {
	Sender           types.Address   `json:"sender"`
	Recipient        types.Address   `json:"recipient"`
	Amount           codec.Amount    `json:"amount"`
	Fee              codec.Amount    `json:"fee"`
	Nonce            uint64          `json:"nonce"`
	Timestamp        int64           `json:"timestamp"`
	PublicKey        string          `json:"public_key"`
	Signature        string          `json:"signature,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	SponsorPublicKey string          `json:"sponsor_public_key,omitempty"`
	SponsorSignature string          `json:"sponsor_signature,omitempty"`
	PayerAddress     *types.Address  `json:"payer_address,omitempty"`
}

// MarshalJSON encodes the transaction with hex-encoded key/signature fields.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	j := txJSON{
		Sender:       t.Sender,
		Recipient:    t.Recipient,
		Amount:       t.Amount,
		Fee:          t.Fee,
		Nonce:        t.Nonce,
		Timestamp:    t.Timestamp,
		PublicKey:    hex.EncodeToString(t.PublicKey),
		Metadata:     t.Metadata,
		PayerAddress: t.PayerAddress,
	}
	if t.Signature != nil {
		j.Signature = hex.EncodeToString(t.Signature)
	}
	if t.SponsorPublicKey != nil {
		j.SponsorPublicKey = hex.EncodeToString(t.SponsorPublicKey)
	}
	if t.SponsorSignature != nil {
		j.SponsorSignature = hex.EncodeToString(t.SponsorSignature)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a transaction with hex-encoded key/signature fields.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	t.Sender = j.Sender
	t.Recipient = j.Recipient
	t.Amount = j.Amount
	t.Fee = j.Fee
	t.Nonce = j.Nonce
	t.Timestamp = j.Timestamp
	t.Metadata = j.Metadata
	t.PayerAddress = j.PayerAddress

	if j.PublicKey != "" {
		b, err := hex.DecodeString(j.PublicKey)
		if err != nil {
			return fmt.Errorf("public_key: %w", err)
		}
		t.PublicKey = b
	}
	if j.Signature != "" {
		b, err := hex.DecodeString(j.Signature)
		if err != nil {
			return fmt.Errorf("signature: %w", err)
		}
		t.Signature = b
	}
	if j.SponsorPublicKey != "" {
		b, err := hex.DecodeString(j.SponsorPublicKey)
		if err != nil {
			return fmt.Errorf("sponsor_public_key: %w", err)
		}
		t.SponsorPublicKey = b
	}
	if j.SponsorSignature != "" {
		b, err := hex.DecodeString(j.SponsorSignature)
		if err != nil {
			return fmt.Errorf("sponsor_signature: %w", err)
		}
		t.SponsorSignature = b
	}
	return nil
}

// signingView is the subset of fields that are hashed for Txid and for the
// message both the sender and an optional sponsor sign. It excludes every
// signature field so the hash is stable before and after signing.
type signingView struct {
	Sender           types.Address   `json:"sender"`
	Recipient        types.Address   `json:"recipient"`
	Amount           codec.Amount    `json:"amount"`
	Fee              codec.Amount    `json:"fee"`
	Nonce            uint64          `json:"nonce"`
	Timestamp        int64           `json:"timestamp"`
	PublicKey        string          `json:"public_key"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	SponsorPublicKey string          `json:"sponsor_public_key,omitempty"`
	PayerAddress     *types.Address  `json:"payer_address,omitempty"`
}

func (t *Transaction) signingView() signingView {
	return signingView{
		Sender:           t.Sender,
		Recipient:        t.Recipient,
		Amount:           t.Amount,
		Fee:              t.Fee,
		Nonce:            t.Nonce,
		Timestamp:        t.Timestamp,
		PublicKey:        hex.EncodeToString(t.PublicKey),
		Metadata:         t.Metadata,
		SponsorPublicKey: hex.EncodeToString(t.SponsorPublicKey),
		PayerAddress:     t.PayerAddress,
	}
}

// Hash returns the transaction ID: the SHA-256 hash of the canonical JSON
// encoding of the transaction with the signature fields removed.
func (t *Transaction) Hash() types.Hash {
	h, err := codec.Hash(t.signingView())
	if err != nil {
		// signingView only contains types with infallible MarshalJSON
		// implementations, so this can only happen on programmer error.
		panic(fmt.Sprintf("tx: hash canonical view: %v", err))
	}
	return h
}

// SigningBytes returns the canonical bytes that Sign/VerifySignatures
// operate on: the Txid itself, so verification never re-serializes the
// transaction.
func (t *Transaction) SigningBytes() []byte {
	h := t.Hash()
	return h[:]
}

// Size returns the canonical-encoded byte length of the transaction,
// used for mempool fee-rate calculation and block-size accounting.
func (t *Transaction) Size() (int, error) {
	b, err := codec.Canonical(t)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// IsSponsored reports whether a third party is paying this transaction's fee.
func (t *Transaction) IsSponsored() bool {
	return t.PayerAddress != nil
}

// FeePayer returns the address that Fee is charged against: PayerAddress
// when sponsored, otherwise Sender.
func (t *Transaction) FeePayer() types.Address {
	if t.PayerAddress != nil {
		return *t.PayerAddress
	}
	return t.Sender
}

// Sign computes the Txid and signs it with key, setting t.PublicKey and
// t.Signature.
func (t *Transaction) Sign(key *crypto.PrivateKey) error {
	t.PublicKey = key.PublicKey()
	hash := t.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	t.Signature = sig
	return nil
}

// SignSponsor computes the Txid and signs it on behalf of a fee sponsor,
// setting t.SponsorPublicKey and t.SponsorSignature. PayerAddress must
// already be set to the sponsor's address.
func (t *Transaction) SignSponsor(key *crypto.PrivateKey) error {
	if t.PayerAddress == nil {
		return fmt.Errorf("sign sponsor: payer_address not set")
	}
	t.SponsorPublicKey = key.PublicKey()
	hash := t.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign sponsor: %w", err)
	}
	t.SponsorSignature = sig
	return nil
}

// VerifySignatures checks the sender's signature, and the sponsor's
// signature when the transaction is sponsored.
func (t *Transaction) VerifySignatures() error {
	hash := t.Hash()
	if !crypto.VerifySignature(hash[:], t.Signature, t.PublicKey) {
		return ErrInvalidSig
	}
	if t.IsSponsored() {
		if !crypto.VerifySignature(hash[:], t.SponsorSignature, t.SponsorPublicKey) {
			return fmt.Errorf("%w: sponsor", ErrInvalidSig)
		}
	}
	return nil
}
