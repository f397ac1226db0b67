package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-chain/config"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
)

// Validation errors.
var (
	ErrZeroAmount       = errors.New("transaction amount is zero")
	ErrZeroRecipient    = errors.New("recipient address is zero")
	ErrZeroTimestamp    = errors.New("transaction timestamp is zero")
	ErrMissingPubKey    = errors.New("transaction missing public key")
	ErrMissingSig       = errors.New("transaction missing signature")
	ErrInvalidPubKeyLen = errors.New("public key has invalid length")
	ErrInvalidSigLen    = errors.New("signature has invalid length")
	ErrSenderMismatch   = errors.New("sender address does not match public key")
	ErrSelfSponsor      = errors.New("payer address must not equal sender")
	ErrMetadataTooLarge = errors.New("metadata too large")
	ErrInvalidSig       = errors.New("invalid signature")
	ErrTxTooLarge       = errors.New("transaction too large")
)

// Validate checks transaction structure and basic field rules. It does not
// verify signatures (use VerifySignatures) or check nonce/balance
// continuity against chain state (the Mempool/ChainValidator do that).
func (t *Transaction) Validate() error {
	if t.Amount.IsZero() {
		return ErrZeroAmount
	}
	if t.Recipient.IsZero() {
		return ErrZeroRecipient
	}
	if t.Timestamp <= 0 {
		return ErrZeroTimestamp
	}
	if len(t.PublicKey) == 0 {
		return ErrMissingPubKey
	}
	if len(t.PublicKey) != 33 {
		return fmt.Errorf("%w: got %d, want 33", ErrInvalidPubKeyLen, len(t.PublicKey))
	}
	if len(t.Signature) == 0 {
		return ErrMissingSig
	}
	if len(t.Signature) != 64 {
		return fmt.Errorf("%w: got %d, want 64", ErrInvalidSigLen, len(t.Signature))
	}

	derived := crypto.AddressFromPubKey(t.PublicKey)
	if derived != t.Sender {
		return fmt.Errorf("%w: derived=%s declared=%s", ErrSenderMismatch, derived, t.Sender)
	}

	if t.PayerAddress != nil {
		if *t.PayerAddress == t.Sender {
			return ErrSelfSponsor
		}
		if len(t.SponsorPublicKey) != 33 {
			return fmt.Errorf("%w: sponsor public key", ErrInvalidPubKeyLen)
		}
		if len(t.SponsorSignature) != 64 {
			return fmt.Errorf("%w: sponsor signature", ErrInvalidSigLen)
		}
		sponsorAddr := crypto.AddressFromPubKey(t.SponsorPublicKey)
		if sponsorAddr != *t.PayerAddress {
			return fmt.Errorf("%w: sponsor", ErrSenderMismatch)
		}
	}

	if len(t.Metadata) > config.MaxMetadataBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrMetadataTooLarge, len(t.Metadata), config.MaxMetadataBytes)
	}

	size, err := t.Size()
	if err != nil {
		return fmt.Errorf("compute size: %w", err)
	}
	if size > config.MaxTxBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTxTooLarge, size, config.MaxTxBytes)
	}

	return nil
}
