package subscriber

import (
	"testing"

	"github.com/rocketspeed-go/core/internal/wire"
)

func TestTailCollapsingSharesOneUpstreamForSameTopic(t *testing.T) {
	up := New(DefaultOptions(nil), nil)
	tc := NewTailCollapsing(up)

	a := &recordingObserver{}
	b := &recordingObserver{}
	params := Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}

	downA := tc.Subscribe(params, a)
	downB := tc.Subscribe(params, b)
	if downA == downB {
		t.Fatal("downstream ids must be distinct")
	}

	up.mu.Lock()
	numUpstream := len(up.subs)
	up.mu.Unlock()
	if numUpstream != 1 {
		t.Fatalf("upstream subscriptions = %d, want 1 (should collapse)", numUpstream)
	}

	tc.mu.Lock()
	upID := tc.upstreamOf[downA]
	fo, ok := up.subs[upID]
	tc.mu.Unlock()
	if !ok {
		t.Fatal("upstream subscription missing")
	}
	fo.observer.OnData(5, []byte("x"))

	if len(a.data) != 1 || len(b.data) != 1 {
		t.Fatalf("fanout delivered a=%d b=%d, want 1 each", len(a.data), len(b.data))
	}
}

func TestTailCollapsingSharesUpstreamStartedAtMinSeqno(t *testing.T) {
	up := New(DefaultOptions(nil), nil)
	tc := NewTailCollapsing(up)

	a := &recordingObserver{}
	b := &recordingObserver{}
	downA := tc.Subscribe(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorSeqno(7)}, a)
	downB := tc.Subscribe(Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorSeqno(5)}, b)

	up.mu.Lock()
	numUpstream := len(up.subs)
	up.mu.Unlock()
	if numUpstream != 1 {
		t.Fatalf("upstream subscriptions = %d, want 1 (must collapse and restart at the lower start)", numUpstream)
	}

	tc.mu.Lock()
	upIDForA := tc.upstreamOf[downA]
	upIDForB := tc.upstreamOf[downB]
	tc.mu.Unlock()
	if upIDForA != upIDForB {
		t.Fatalf("downstreams riding the same topic got different upstream ids: %d vs %d", upIDForA, upIDForB)
	}

	up.mu.Lock()
	sub, ok := up.subs[upIDForB]
	up.mu.Unlock()
	if !ok {
		t.Fatal("upstream subscription missing")
	}
	if sub.params.Cursor.Seqno() != 5 {
		t.Fatalf("upstream started at seqno %d, want 5 (min of 7 and 5)", sub.params.Cursor.Seqno())
	}

	fo := sub.observer.(*fanoutObserver)
	fo.OnData(5, []byte("x"))
	if len(b.data) != 1 {
		t.Fatalf("downstream at start=5 got %d deliveries for seqno 5, want 1", len(b.data))
	}
	if len(a.data) != 0 {
		t.Fatalf("downstream at start=7 got %d deliveries for seqno 5 (below its own start), want 0", len(a.data))
	}

	fo.OnData(7, []byte("y"))
	if len(a.data) != 1 || len(b.data) != 2 {
		t.Fatalf("after seqno 7: a=%d (want 1) b=%d (want 2)", len(a.data), len(b.data))
	}
}

func TestTailCollapsingUnsubscribeLastRiderTerminatesUpstream(t *testing.T) {
	up := New(DefaultOptions(nil), nil)
	tc := NewTailCollapsing(up)

	a := &recordingObserver{}
	params := Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}
	downA := tc.Subscribe(params, a)

	tc.Unsubscribe(downA)
	if !tc.Empty() {
		t.Fatal("tail-collapsing adaptor should be empty after last rider unsubscribes")
	}
	up.mu.Lock()
	numUpstream := len(up.subs)
	up.mu.Unlock()
	if numUpstream != 0 {
		t.Fatalf("upstream subscriptions = %d, want 0 after last rider leaves", numUpstream)
	}
}

func TestTailCollapsingUnsubscribeOneOfTwoRidersKeepsUpstream(t *testing.T) {
	up := New(DefaultOptions(nil), nil)
	tc := NewTailCollapsing(up)

	a := &recordingObserver{}
	b := &recordingObserver{}
	params := Params{Namespace: "ns", Topic: "t", Cursor: wire.CursorTail()}
	downA := tc.Subscribe(params, a)
	tc.Subscribe(params, b)

	tc.Unsubscribe(downA)
	if tc.Empty() {
		t.Fatal("adaptor should still have one rider")
	}
	up.mu.Lock()
	numUpstream := len(up.subs)
	up.mu.Unlock()
	if numUpstream != 1 {
		t.Fatalf("upstream subscriptions = %d, want 1 while a rider remains", numUpstream)
	}
}
