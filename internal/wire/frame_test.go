package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTrip(t *testing.T, tenant uint16, streamID uint64, body Body) *Envelope {
	t.Helper()
	frame := EncodeFrame(tenant, streamID, body)
	env, err := ReadEnvelope(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	return env
}

func TestRoundTripDeliverData(t *testing.T) {
	body := DeliverData{SubID: 42, SeqnoPrev: 100, SeqnoHi: 105, Payload: []byte("hello")}
	env := roundTrip(t, 7, 99, body)
	if env.Tenant != 7 || env.StreamID != 99 {
		t.Fatalf("unexpected header: %+v", env)
	}
	got, ok := env.Body.(DeliverData)
	if !ok {
		t.Fatalf("wrong body type: %T", env.Body)
	}
	if !reflect.DeepEqual(got, body) {
		t.Fatalf("decode(encode(M)) != M: got %+v want %+v", got, body)
	}
}

func TestRoundTripSubscribeWithoutCursors(t *testing.T) {
	body := Subscribe{Namespace: "ns", Topic: "topic", StartSeqno: 0, SubID: 5}
	env := roundTrip(t, 1, 3, body)
	got := env.Body.(Subscribe)
	if got.Namespace != "ns" || got.Topic != "topic" || got.SubID != 5 || got.StartSeqno != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestBackwardCompatMissingTrailingFields(t *testing.T) {
	// Simulate an older peer that never wrote the Cursors[] field: encode
	// a Subscribe manually without that trailing section.
	w := NewWriter()
	w.PutString("ns")
	w.PutString("topic")
	w.PutVarint(10)
	w.PutVarint(5)
	r := NewReader(w.Bytes())
	got, err := decodeSubscribe(r)
	if err != nil {
		t.Fatalf("decodeSubscribe: %v", err)
	}
	if len(got.Cursors) != 0 {
		t.Fatalf("expected zero cursors for older-peer payload, got %v", got.Cursors)
	}
}

func TestHeartbeatDeltaAscendingDeltaEncoding(t *testing.T) {
	healthy := map[uint64]bool{1: true, 2: true, 3: true}
	// transition to {1,3,4}
	added := []uint64{4}
	removed := []uint64{2}
	body := HeartbeatDelta{Added: added, Removed: removed}
	env := roundTrip(t, 0, 0, body)
	got := env.Body.(HeartbeatDelta)
	if !reflect.DeepEqual(got.Added, added) || !reflect.DeepEqual(got.Removed, removed) {
		t.Fatalf("got %+v", got)
	}

	// apply delta to the healthy set and check the invariant from §8.5
	next := map[uint64]bool{}
	for k := range healthy {
		next[k] = true
	}
	for _, id := range got.Added {
		next[id] = true
	}
	for _, id := range got.Removed {
		delete(next, id)
	}
	want := map[uint64]bool{1: true, 3: true, 4: true}
	if !reflect.DeepEqual(next, want) {
		t.Fatalf("healthy set after delta = %v, want %v", next, want)
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var hdr [5]byte
	hdr[0] = ProtocolVersion
	hdr[1] = 0xFF
	hdr[2] = 0xFF
	hdr[3] = 0xFF
	hdr[4] = 0xFF
	_, _, err := ReadFrame(bytes.NewReader(hdr[:]))
	if err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestCursorTailSentinel(t *testing.T) {
	c := CursorTail()
	if c.ToWire() != 0 {
		t.Fatalf("tail cursor must encode to wire sentinel 0, got %d", c.ToWire())
	}
	if !CursorFromWire(0).IsTail() {
		t.Fatal("wire value 0 must decode to tail cursor")
	}
	if CursorFromWire(5).IsTail() || CursorFromWire(5).Seqno() != 5 {
		t.Fatalf("wire value 5 decoded incorrectly: %+v", CursorFromWire(5))
	}
}
