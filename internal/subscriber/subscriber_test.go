package subscriber

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rocketspeed-go/core/internal/wire"
)

func newDeterministicRand() *rand.Rand { return rand.New(rand.NewSource(42)) }

type recordingObserver struct {
	data  []uint64
	gaps  int
	done  wire.UnsubscribeReason
	ended bool
}

func (r *recordingObserver) OnData(seqno uint64, payload []byte) { r.data = append(r.data, seqno) }
func (r *recordingObserver) OnGap(gapType wire.GapType, from, to uint64) { r.gaps++ }
func (r *recordingObserver) OnTermination(reason wire.UnsubscribeReason) {
	r.ended = true
	r.done = reason
}

func TestStartSubscriptionDefaultsTailExpectedToZero(t *testing.T) {
	s := New(DefaultOptions(nil), nil)
	obs := &recordingObserver{}
	id := s.StartSubscription(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}, obs)
	if id == 0 {
		t.Fatal("expected nonzero subscription id")
	}
	s.mu.Lock()
	sub := s.subs[id]
	s.mu.Unlock()
	if sub.state != StatePendingSubscribe {
		t.Fatalf("state = %v, want PendingSubscribe", sub.state)
	}
	// No record ever has seqno 0; the real floor arrives later via
	// onTailSeqno once the FindTailSeqno round trip resolves it.
	if sub.expected != 0 {
		t.Fatalf("expected = %d, want 0", sub.expected)
	}
}

func TestOnTailSeqnoRaisesExpectedForMatchingTailSubscription(t *testing.T) {
	s := New(DefaultOptions(nil), nil)
	obs := &recordingObserver{}
	id := s.StartSubscription(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}, obs)

	s.onTailSeqno(wire.TailSeqno{Namespace: "ns", Topic: "t", Seqno: 42})

	s.mu.Lock()
	got := s.subs[id].expected
	s.mu.Unlock()
	if got != 42 {
		t.Fatalf("expected = %d, want 42", got)
	}

	// A stale or lower reply must never lower the floor back down.
	s.onTailSeqno(wire.TailSeqno{Namespace: "ns", Topic: "t", Seqno: 10})
	s.mu.Lock()
	got = s.subs[id].expected
	s.mu.Unlock()
	if got != 42 {
		t.Fatalf("expected dropped to %d after a lower reply, want 42", got)
	}
}

func TestOnTailSeqnoIgnoresNonTailAndMismatchedTopic(t *testing.T) {
	s := New(DefaultOptions(nil), nil)
	obs := &recordingObserver{}
	id := s.StartSubscription(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorSeqno(5)}, obs)

	s.onTailSeqno(wire.TailSeqno{Namespace: "ns", Topic: "t", Seqno: 99})
	s.onTailSeqno(wire.TailSeqno{Namespace: "other", Topic: "t", Seqno: 99})

	s.mu.Lock()
	got := s.subs[id].expected
	s.mu.Unlock()
	if got != 5 {
		t.Fatalf("expected = %d, want unchanged 5", got)
	}
}

func TestProcessMessageFiltersStaleAndDuplicate(t *testing.T) {
	sub := &subscriptionState{expected: 5}
	if sub.processMessage(3, 4) {
		t.Fatal("message below expected should be filtered")
	}
	if !sub.processMessage(4, 6) {
		t.Fatal("message reaching past expected should be delivered")
	}
	if sub.expected != 7 {
		t.Fatalf("expected advanced to %d, want 7", sub.expected)
	}
}

func TestTerminateSubscriptionRemovesAndIgnoresRepeatedTerminate(t *testing.T) {
	s := New(DefaultOptions(nil), nil)
	obs := &recordingObserver{}
	id := s.StartSubscription(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}, obs)

	s.TerminateSubscription(id)
	if !s.Empty() {
		t.Fatal("subscriber should be empty after terminating its only subscription")
	}
	// Terminating an already-removed id must be a no-op, not a panic.
	s.TerminateSubscription(id)
}

func TestNextBackoffStaysWithinBounds(t *testing.T) {
	rng := newDeterministicRand()
	cur := 100 * time.Millisecond
	max := 10 * time.Second
	for i := 0; i < 50; i++ {
		cur = nextBackoff(cur, max, rng)
		if cur < 0 || cur > max+max/2 {
			t.Fatalf("backoff %v out of expected bounds at iter %d", cur, i)
		}
	}
}
