package crypto

import (
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer signs messages with a private key using ECDSA/secp256k1.
type Signer interface {
	// Sign produces a low-S ECDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the compressed 33-byte public key.
	PublicKey() []byte
}

// Verifier verifies ECDSA/secp256k1 signatures.
type Verifier interface {
	// Verify checks a signature against a hash and compressed public key.
	Verify(hash, signature, publicKey []byte) bool
}

// PrivateKey wraps a secp256k1 private key for ECDSA signing.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GenerateKey creates a new random secp256k1 private key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Sign produces a deterministic (RFC 6979), low-S ECDSA signature over a
// 32-byte hash, serialized in compact 64-byte (R||S) form.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig := ecdsa.Sign(pk.key, hash)
	return serializeCompact(sig), nil
}

// PublicKey returns the compressed 33-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PubKey().SerializeCompressed()
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// serializeCompact converts a DER ECDSA signature to the compact 64-byte
// R||S form used on the wire.
func serializeCompact(sig *ecdsa.Signature) []byte {
	der := sig.Serialize()
	r, s := parseDER(der)
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

// parseDER extracts the R and S integers from a minimal-form DER-encoded
// ECDSA signature (SEQUENCE of two INTEGERs). Signatures produced by this
// package never exceed the short-form length encoding.
func parseDER(der []byte) (r, s *big.Int) {
	r, s = new(big.Int), new(big.Int)
	if len(der) < 8 || der[0] != 0x30 || der[1]&0x80 != 0 {
		return r, s
	}
	idx := 2
	if idx >= len(der) || der[idx] != 0x02 {
		return r, s
	}
	idx++
	rLen := int(der[idx])
	idx++
	if idx+rLen > len(der) {
		return r, s
	}
	r.SetBytes(der[idx : idx+rLen])
	idx += rLen

	if idx >= len(der) || der[idx] != 0x02 {
		return r, s
	}
	idx++
	sLen := int(der[idx])
	idx++
	if idx+sLen > len(der) {
		return r, s
	}
	s.SetBytes(der[idx : idx+sLen])
	return r, s
}

// compactToSignature parses a compact 64-byte (R||S) signature, rejecting
// malformed, out-of-range, or malleable (high-S) values.
func compactToSignature(sig []byte) *ecdsa.Signature {
	if len(sig) != 64 {
		return nil
	}
	var rBytes, sBytes [32]byte
	copy(rBytes[:], sig[:32])
	copy(sBytes[:], sig[32:])

	var r, s secp256k1.ModNScalar
	if r.SetBytes(&rBytes) != 0 || s.SetBytes(&sBytes) != 0 {
		return nil
	}
	if r.IsZero() || s.IsZero() {
		return nil
	}
	if s.IsOverHalfOrder() {
		return nil
	}
	return ecdsa.NewSignature(&r, &s)
}

// VerifySignature checks a compact 64-byte (R||S) ECDSA signature against a
// 32-byte hash and a compressed public key. Returns false on any error,
// including a malleable (high-S) signature.
func VerifySignature(hash, signature, publicKey []byte) bool {
	if len(signature) != 64 {
		return false
	}
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig := compactToSignature(signature)
	if sig == nil {
		return false
	}
	return sig.Verify(hash, pubKey)
}

// ECDSAVerifier implements the Verifier interface.
type ECDSAVerifier struct{}

// Verify checks a signature against a hash and compressed public key.
func (v ECDSAVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
