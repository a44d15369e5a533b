package subscriber

import (
	"sync"

	"github.com/rocketspeed-go/core/internal/wire"
)

// downstreamEntry is one application observer riding a shared upstream
// subscription. expected is the lowest seqno this downstream still wants
// delivered — it starts at the downstream's own requested start position
// and advances past every seqno already delivered to it, exactly like
// subscriptionState.expected on the upstream side, so a downstream that
// joined an upstream started earlier than it asked for never sees data
// below its own request.
type downstreamEntry struct {
	downstreamID uint64
	observer     Observer
	expected     uint64
}

type topicName struct {
	namespace, topic string
}

// tailSentinel stands in for "tail" when comparing start positions: no
// finite start_seqno is ever later than tail, so a tail request never
// pulls a shared upstream's start earlier.
const tailSentinel = ^uint64(0)

// startValue returns c's position in the space min() compares over.
func startValue(c wire.Cursor) uint64 {
	if c.IsTail() {
		return tailSentinel
	}
	return c.Seqno()
}

// TailCollapsing wraps a Subscriber so that every downstream subscription
// on a given (namespace, topic) shares a single upstream subscription
// (§3, §4.5: "Upstream is started at min(downstream.start_seqno)").
// Whichever downstream asks for the earliest position decides where the
// shared upstream starts; a downstream that joins a group whose upstream
// already started later is re-homed onto a freshly restarted upstream at
// its own, earlier position, and every other rider keeps its own
// per-downstream expected-seqno floor so none of them see data earlier
// than they asked for.
type TailCollapsing struct {
	mu          sync.Mutex
	upstream    *Subscriber
	topicMap    *TopicMap
	upstreamOf  map[uint64]uint64            // downstream id -> upstream id
	fanout      map[uint64][]downstreamEntry // upstream id -> downstream observers riding it
	keyOf       map[uint64]topicName         // upstream id -> (namespace, topic), for TopicMap's getKey
	groupMin    map[uint64]uint64            // upstream id -> start position (startValue space) it was opened at
	nextDownID  uint64
}

// NewTailCollapsing wraps subscriber with the tail-collapsing adaptor.
func NewTailCollapsing(subscriber *Subscriber) *TailCollapsing {
	t := &TailCollapsing{
		upstream:   subscriber,
		upstreamOf: make(map[uint64]uint64),
		fanout:     make(map[uint64][]downstreamEntry),
		keyOf:      make(map[uint64]topicName),
		groupMin:   make(map[uint64]uint64),
		nextDownID: 1,
	}
	t.topicMap = NewTopicMap(func(id uint64) (string, string, bool) {
		k, ok := t.keyOf[id]
		return k.namespace, k.topic, ok
	})
	return t
}

// fanoutObserver is installed as the real Observer on a shared upstream
// subscription; it re-broadcasts every event to each downstream observer
// currently riding that upstream ID, filtered per-downstream.
type fanoutObserver struct {
	t  *TailCollapsing
	up uint64
}

func (f *fanoutObserver) OnData(seqno uint64, payload []byte) {
	for _, e := range f.t.admitData(f.up, seqno) {
		e.observer.OnData(seqno, payload)
	}
}

func (f *fanoutObserver) OnGap(gapType wire.GapType, from, to uint64) {
	for _, e := range f.t.admitGap(f.up, to) {
		e.observer.OnGap(gapType, from, to)
	}
}

func (f *fanoutObserver) OnTermination(reason wire.UnsubscribeReason) {
	f.t.mu.Lock()
	entries := f.t.fanout[f.up]
	delete(f.t.fanout, f.up)
	f.t.mu.Unlock()
	for _, e := range entries {
		e.observer.OnTermination(reason)
	}
}

// admitData filters and advances the per-downstream expected floor for a
// delivered seqno, returning only the downstreams that should see it.
func (t *TailCollapsing) admitData(upID uint64, seqno uint64) []downstreamEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.fanout[upID]
	var out []downstreamEntry
	for i := range entries {
		if seqno < entries[i].expected {
			continue
		}
		entries[i].expected = seqno + 1
		out = append(out, entries[i])
	}
	return out
}

// admitGap is admitData's counterpart for a delivered gap, which advances
// expected past its upper bound.
func (t *TailCollapsing) admitGap(upID uint64, to uint64) []downstreamEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.fanout[upID]
	var out []downstreamEntry
	for i := range entries {
		if to < entries[i].expected {
			continue
		}
		entries[i].expected = to + 1
		out = append(out, entries[i])
	}
	return out
}

// Subscribe attaches observer to the shared upstream subscription for
// (namespace, topic), starting one if none exists yet or re-homing the
// group onto an earlier-started upstream if params asks for a position
// before the group's current start. It returns a downstream ID stable for
// the lifetime of this subscription, independent of the upstream ID.
func (t *TailCollapsing) Subscribe(params Params, observer Observer) uint64 {
	t.mu.Lock()

	downID := t.nextDownID
	t.nextDownID++

	if params.Topic == "" {
		t.mu.Unlock()
		observer.OnTermination(wire.ReasonInvalid)
		return downID
	}

	want := startValue(params.Cursor)
	// expected is 0 for a tail cursor: the shared upstream's own
	// subscriptionState.expected is what actually gates fanoutObserver.OnData
	// (Subscriber.onDeliverData filters before ever calling the observer),
	// and it gets raised to the real tail by the upstream's own
	// FindTailSeqno round trip, so this downstream's floor only needs to
	// reject what it has already seen, never what it's joining mid-stream.
	expected := params.Cursor.Seqno()

	upID, ok := t.topicMap.Find(params.Namespace, params.Topic)
	if ok && want < t.groupMin[upID] {
		upID = t.restartGroupLocked(upID, params, want)
	} else if !ok {
		upID = t.startGroupLocked(params, want)
	}

	t.fanout[upID] = append(t.fanout[upID], downstreamEntry{downstreamID: downID, observer: observer, expected: expected})
	t.upstreamOf[downID] = upID
	t.mu.Unlock()
	return downID
}

// startGroupLocked opens a brand new upstream subscription at params'
// cursor and registers it in the topic map. Caller holds t.mu.
func (t *TailCollapsing) startGroupLocked(params Params, want uint64) uint64 {
	fo := &fanoutObserver{t: t}
	upID := t.upstream.StartSubscription(params, fo)
	fo.up = upID
	t.keyOf[upID] = topicName{namespace: params.Namespace, topic: params.Topic}
	t.topicMap.Insert(params.Namespace, params.Topic, upID)
	t.groupMin[upID] = want
	t.fanout[upID] = nil
	return upID
}

// restartGroupLocked tears down oldUpID's upstream subscription and opens
// a new one at params' (earlier) cursor, carrying over every existing
// rider's fanout entry unchanged — their own expected floor already
// protects them from seeing data earlier than what they asked for. Caller
// holds t.mu.
func (t *TailCollapsing) restartGroupLocked(oldUpID uint64, params Params, want uint64) uint64 {
	riders := t.fanout[oldUpID]
	delete(t.fanout, oldUpID)
	key := t.keyOf[oldUpID]
	delete(t.keyOf, oldUpID)
	t.topicMap.Remove(key.namespace, key.topic, oldUpID)
	delete(t.groupMin, oldUpID)
	t.upstream.TerminateSubscription(oldUpID)

	for downID, up := range t.upstreamOf {
		if up == oldUpID {
			t.upstreamOf[downID] = 0 // placeholder, fixed up below once newUpID is known
		}
	}

	newUpID := t.startGroupLocked(Params{
		Tenant:    params.Tenant,
		Namespace: key.namespace,
		Topic:     key.topic,
		Cursor:    params.Cursor,
	}, want)

	for downID, up := range t.upstreamOf {
		if up == 0 {
			t.upstreamOf[downID] = newUpID
		}
	}
	t.fanout[newUpID] = riders
	return newUpID
}

// Unsubscribe removes downID's observer from whatever upstream
// subscription it was riding, terminating the upstream subscription only
// if it has no other downstream riders left.
func (t *TailCollapsing) Unsubscribe(downID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	upID, ok := t.upstreamOf[downID]
	if !ok {
		return
	}
	delete(t.upstreamOf, downID)

	entries := t.fanout[upID]
	for i, e := range entries {
		if e.downstreamID == downID {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.fanout, upID)
		delete(t.groupMin, upID)
		if key, ok := t.keyOf[upID]; ok {
			t.topicMap.Remove(key.namespace, key.topic, upID)
			delete(t.keyOf, upID)
		}
		t.upstream.TerminateSubscription(upID)
		return
	}
	t.fanout[upID] = entries
}

// Empty reports whether any downstream subscription remains.
func (t *TailCollapsing) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.upstreamOf) == 0
}
