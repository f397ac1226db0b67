package chain

import "fmt"

// RejectReason is a short, stable, machine-readable tag describing why a
// block was rejected. It is what crosses package boundaries (into
// internal/events, into P2P ban-scoring, into logs) instead of an opaque
// error chain, so callers can switch on it without string matching.
type RejectReason string

const (
	RejectInvalidSignature   RejectReason = "invalid_signature"
	RejectInvalidPoW         RejectReason = "invalid_pow"
	RejectBadTimestamp       RejectReason = "bad_timestamp"
	RejectBadSize            RejectReason = "bad_size"
	RejectDuplicateTx        RejectReason = "duplicate_tx"
	RejectNonceGap           RejectReason = "nonce_gap"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectUnknownParent      RejectReason = "unknown_parent"
	RejectForkTooDeep        RejectReason = "fork_too_deep"
	RejectFinalityViolation  RejectReason = "finality_violation"
	RejectMempoolFull        RejectReason = "mempool_full"
	RejectReplayNonce        RejectReason = "replay_nonce"
	RejectRateLimited        RejectReason = "rate_limited"
	RejectStorageError       RejectReason = "storage_error"
	RejectWALCorrupt         RejectReason = "wal_corrupt"
	RejectPeerMisbehavior    RejectReason = "peer_misbehavior"
	RejectCancelled          RejectReason = "cancelled"
	RejectNotFound           RejectReason = "not_found"
)

// RejectError pairs a RejectReason with a human-readable detail string.
// internal/chain is the only package that constructs these; everything
// downstream (events, metrics, P2P) just reads the Reason tag.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Reject builds a RejectError, formatting Detail like fmt.Errorf.
func Reject(reason RejectReason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
