package p2p

import (
	"bytes"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestEnvelope_SealOpenRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	payload := []byte(`{"hello":"world"}`)
	raw, err := sealEnvelope(key, payload)
	if err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}

	env, err := openEnvelope(raw)
	if err != nil {
		t.Fatalf("openEnvelope: %v", err)
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Errorf("payload mismatch: got %s, want %s", env.Payload, payload)
	}
	if !bytes.Equal(env.PubKey, key.PublicKey()) {
		t.Error("pubkey mismatch")
	}
	if len(env.SeqNonce) != 16 {
		t.Errorf("nonce length: got %d, want 16", len(env.SeqNonce))
	}
}

func TestEnvelope_TamperedPayload(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	raw, err := sealEnvelope(key, []byte(`{"amount":"1"}`))
	if err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}

	// Flip a payload byte inside the JSON wire form.
	tampered := bytes.Replace(raw, []byte(`"1"`), []byte(`"9"`), 1)
	if bytes.Equal(tampered, raw) {
		t.Fatal("tamper had no effect on wire bytes")
	}

	if _, err := openEnvelope(tampered); err != errEnvelopeBadSig {
		t.Errorf("expected errEnvelopeBadSig, got %v", err)
	}
}

func TestEnvelope_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte("{}"),
		[]byte(`{"pubkey":"YWI=","seq_nonce":"YWI=","timestamp":1,"payload":"YWI=","signature":"YWI="}`),
	}
	for _, raw := range cases {
		if _, err := openEnvelope(raw); err != errEnvelopeMalformed {
			t.Errorf("openEnvelope(%.20q): expected errEnvelopeMalformed, got %v", raw, err)
		}
	}
}

func TestPeerGuard_ReplayRejected(t *testing.T) {
	g := newPeerGuard(100, 1<<20)
	nonce := []byte("0123456789abcdef")
	now := time.Now().Unix()

	if err := g.admit(nonce, now, 128, time.Minute); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := g.admit(nonce, now, 128, time.Minute); err != errEnvelopeReplay {
		t.Errorf("second admit: expected errEnvelopeReplay, got %v", err)
	}

	// A different nonce is still fine.
	if err := g.admit([]byte("fedcba9876543210"), now, 128, time.Minute); err != nil {
		t.Errorf("fresh nonce rejected: %v", err)
	}
}

func TestPeerGuard_StaleTimestampRejected(t *testing.T) {
	g := newPeerGuard(100, 1<<20)
	stale := time.Now().Add(-2 * time.Minute).Unix()

	if err := g.admit([]byte("0123456789abcdef"), stale, 64, time.Minute); err != errEnvelopeReplay {
		t.Errorf("expected errEnvelopeReplay for stale timestamp, got %v", err)
	}
}

func TestPeerGuard_MsgRateLimited(t *testing.T) {
	g := newPeerGuard(1, 1<<20) // 1 msg/sec, burst 2.
	now := time.Now().Unix()

	var limited bool
	for i := 0; i < 10; i++ {
		nonce := []byte{byte(i), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
		if err := g.admit(nonce, now, 16, time.Minute); err == errEnvelopeRateLimited {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected rate limiting to kick in within 10 messages")
	}
}

func TestPeerGuard_BandwidthLimited(t *testing.T) {
	g := newPeerGuard(1000, 512) // 512 B/s budget.
	now := time.Now().Unix()

	var limited bool
	for i := 0; i < 10; i++ {
		nonce := []byte{byte(i), 0xff, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
		if err := g.admit(nonce, now, 256, time.Minute); err == errEnvelopeRateLimited {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected bandwidth limiting to kick in within 10 messages")
	}
}

func TestGuardSet_AdmitReplayAcrossInterface(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s := newGuardSet(60, 100, 1<<20)
	id := peer.ID("peer-a")

	raw, err := sealEnvelope(key, []byte(`{"n":42}`))
	if err != nil {
		t.Fatalf("sealEnvelope: %v", err)
	}

	payload, err := s.admit(id, raw)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if string(payload) != `{"n":42}` {
		t.Errorf("unexpected payload: %s", payload)
	}

	// Byte-identical resend within the nonce TTL is refused exactly once.
	if _, err := s.admit(id, raw); err != errEnvelopeReplay {
		t.Errorf("resend: expected errEnvelopeReplay, got %v", err)
	}
}

func TestGuardSet_DropForgetsPeer(t *testing.T) {
	s := newGuardSet(60, 100, 1<<20)
	id := peer.ID("peer-b")

	s.forPeer(id)
	if len(s.guards) != 1 {
		t.Fatalf("expected 1 guard, got %d", len(s.guards))
	}
	s.drop(id)
	if len(s.guards) != 0 {
		t.Errorf("expected guard dropped, got %d", len(s.guards))
	}
}
