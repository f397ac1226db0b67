package events

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func TestRouter_PublishSubscribe(t *testing.T) {
	m := NewMetrics()
	r := NewRouter(m)

	ch, unsubscribe := r.Subscribe(KindBlockApplied)
	defer unsubscribe()

	want := BlockApplied{Hash: types.Hash{1}, Index: 7}
	r.Publish(want)

	select {
	case got := <-ch:
		ba, ok := got.(BlockApplied)
		if !ok {
			t.Fatalf("got %T, want BlockApplied", got)
		}
		if ba.Index != 7 {
			t.Fatalf("Index = %d, want 7", ba.Index)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRouter_DoesNotDeliverWrongKind(t *testing.T) {
	r := NewRouter(nil)
	ch, unsubscribe := r.Subscribe(KindBlockApplied)
	defer unsubscribe()

	r.Publish(MempoolEvicted{Reason: "ttl", Count: 1})

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery to wrong-kind subscriber: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := NewRouter(nil)
	ch, unsubscribe := r.Subscribe(KindReorgCompleted)
	unsubscribe()

	r.Publish(ReorgCompleted{Depth: 2})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestRouter_DropsWhenSubscriberBufferFull(t *testing.T) {
	m := NewMetrics()
	r := NewRouter(m)
	ch, unsubscribe := r.Subscribe(KindMempoolEvicted)
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		r.Publish(MempoolEvicted{Reason: "ttl", Count: 1})
	}

	families, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	foundDropped := false
	for _, f := range families {
		if f.GetName() == "klingnet_events_dropped_total" {
			foundDropped = true
		}
	}
	if !foundDropped {
		t.Fatal("expected a dropped-events metric family after overflowing a subscriber")
	}

	// Drain the buffer so the test doesn't leak a blocked goroutine via defer.
	for len(ch) > 0 {
		<-ch
	}
}

func TestMetrics_CountersIncrement(t *testing.T) {
	m := NewMetrics()
	m.IncBlockApplied()
	m.IncBlockRejected("bad_pow")
	m.ObserveReorg(3)
	m.IncMempoolEvicted("rbf", 2)
	m.SetMempoolSize(5)
	m.IncNonceReplay()
	m.IncRateLimited()
	m.IncInvalidSignature()
	m.IncPeerMisbehavior("double_vote")
	m.ObserveBlockApplyDuration(0.01)

	families, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}
