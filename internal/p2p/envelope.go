package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Envelope wraps a gossip payload with a self-contained signature, the same
// pattern HeartbeatMessage uses: the signer's pubkey and signature travel
// with the message, so verification never depends on handshake state or
// stream ordering.
type Envelope struct {
	PubKey    []byte `json:"pubkey"`    // 33-byte compressed public key
	SeqNonce  []byte `json:"seq_nonce"` // 16 random bytes, unique per message
	Timestamp int64  `json:"timestamp"` // unix seconds
	Payload   []byte `json:"payload"`
	Signature []byte `json:"signature"`
}

// envelopeSigningBytes returns the bytes that are signed/verified for an
// envelope: pubkey || seq_nonce || timestamp_le8 || payload.
func envelopeSigningBytes(pubKey, seqNonce []byte, timestamp int64, payload []byte) []byte {
	buf := make([]byte, 0, len(pubKey)+len(seqNonce)+8+len(payload))
	buf = append(buf, pubKey...)
	buf = append(buf, seqNonce...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, payload...)
	return buf
}

// sealEnvelope signs payload with key and returns the wire-ready bytes.
func sealEnvelope(key *crypto.PrivateKey, payload []byte) ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope nonce: %w", err)
	}
	env := Envelope{
		PubKey:    key.PublicKey(),
		SeqNonce:  nonce,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	hash := crypto.Hash(envelopeSigningBytes(env.PubKey, env.SeqNonce, env.Timestamp, env.Payload))
	sig, err := key.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	env.Signature = sig
	return json.Marshal(&env)
}

// envelopeVerifyError classifies why an envelope failed verification, so
// callers can apply the right ban penalty and metric.
type envelopeVerifyError struct {
	reason string
}

func (e *envelopeVerifyError) Error() string { return e.reason }

var (
	errEnvelopeMalformed   = &envelopeVerifyError{"malformed envelope"}
	errEnvelopeBadSig      = &envelopeVerifyError{"invalid envelope signature"}
	errEnvelopeReplay      = &envelopeVerifyError{"replayed nonce"}
	errEnvelopeRateLimited = &envelopeVerifyError{"rate limited"}
	errEnvelopeUntrusted   = &envelopeVerifyError{"signer not in trust list"}
)

// openEnvelope unmarshals and signature-verifies raw, but does not check
// replay/rate limits — those require per-peer state the caller supplies.
func openEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errEnvelopeMalformed
	}
	if len(env.PubKey) != 33 || len(env.SeqNonce) != 16 || len(env.Signature) == 0 {
		return nil, errEnvelopeMalformed
	}
	hash := crypto.Hash(envelopeSigningBytes(env.PubKey, env.SeqNonce, env.Timestamp, env.Payload))
	if !crypto.VerifySignature(hash[:], env.Signature, env.PubKey) {
		return nil, errEnvelopeBadSig
	}
	return &env, nil
}

// seenNonce is a replay-window entry: the moment a nonce expires.
type seenNonce struct {
	expiresAt time.Time
}

// peerGuard tracks per-peer replay and rate-limiting state. One guard is
// created lazily per connected peer and discarded when the peer disconnects.
type peerGuard struct {
	mu      sync.Mutex
	nonces  map[string]seenNonce
	msgRate *rate.Limiter
	inBytes *rate.Limiter
}

func newPeerGuard(msgRateMax float64, bandwidthIn int) *peerGuard {
	if msgRateMax <= 0 {
		msgRateMax = defaultMsgRateMax
	}
	if bandwidthIn <= 0 {
		bandwidthIn = defaultBandwidthIn
	}
	return &peerGuard{
		nonces:  make(map[string]seenNonce),
		msgRate: rate.NewLimiter(rate.Limit(msgRateMax), int(msgRateMax)+1),
		inBytes: rate.NewLimiter(rate.Limit(bandwidthIn), bandwidthIn),
	}
}

// admit checks the nonce-replay window and token buckets for one inbound
// envelope, recording the nonce on success. ttl bounds how long a nonce is
// remembered; messages with a timestamp older than ttl are also rejected
// outright so the window can't be starved by backdated nonces.
func (g *peerGuard) admit(nonce []byte, timestamp int64, size int, ttl time.Duration) error {
	now := time.Now()
	if ttl > 0 && now.Sub(time.Unix(timestamp, 0)) > ttl {
		return errEnvelopeReplay
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictExpiredLocked(now)

	key := string(nonce)
	if _, seen := g.nonces[key]; seen {
		return errEnvelopeReplay
	}

	if !g.msgRate.AllowN(now, 1) {
		return errEnvelopeRateLimited
	}
	if !g.inBytes.AllowN(now, size) {
		return errEnvelopeRateLimited
	}

	g.nonces[key] = seenNonce{expiresAt: now.Add(ttl)}
	return nil
}

func (g *peerGuard) evictExpiredLocked(now time.Time) {
	for k, v := range g.nonces {
		if now.After(v.expiresAt) {
			delete(g.nonces, k)
		}
	}
}

// defaults used when Config leaves the corresponding knob at its zero value.
const (
	defaultNonceTTL    = 120 * time.Second
	defaultMsgRateMax  = 50
	defaultBandwidthIn = 1 << 20
)

// guardSet manages one peerGuard per remote peer, created on first sight and
// dropped on disconnect so memory doesn't grow with churn.
type guardSet struct {
	mu          sync.Mutex
	guards      map[peer.ID]*peerGuard
	nonceTTL    time.Duration
	msgRateMax  float64
	bandwidthIn int
}

func newGuardSet(nonceTTLSec int, msgRateMax float64, bandwidthIn int) *guardSet {
	ttl := defaultNonceTTL
	if nonceTTLSec > 0 {
		ttl = time.Duration(nonceTTLSec) * time.Second
	}
	return &guardSet{
		guards:      make(map[peer.ID]*peerGuard),
		nonceTTL:    ttl,
		msgRateMax:  msgRateMax,
		bandwidthIn: bandwidthIn,
	}
}

func (s *guardSet) forPeer(id peer.ID) *peerGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[id]
	if !ok {
		g = newPeerGuard(s.msgRateMax, s.bandwidthIn)
		s.guards[id] = g
	}
	return g
}

func (s *guardSet) drop(id peer.ID) {
	s.mu.Lock()
	delete(s.guards, id)
	s.mu.Unlock()
}

// admit verifies and replay/rate-checks an inbound envelope payload for a
// given peer, returning the inner payload bytes on success.
func (s *guardSet) admit(id peer.ID, raw []byte) ([]byte, error) {
	env, err := openEnvelope(raw)
	if err != nil {
		return nil, err
	}
	g := s.forPeer(id)
	if err := g.admit(env.SeqNonce, env.Timestamp, len(raw), s.nonceTTL); err != nil {
		return nil, err
	}
	return env.Payload, nil
}
