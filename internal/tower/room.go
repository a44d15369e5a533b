// Package tower implements the control tower's Rooms and Log Tailer
// (spec §4.4): topics are sharded into a fixed number of rooms, each
// owning authoritative subscription state and a pool of storage readers
// for the logs its subscribers care about.
package tower

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
	"github.com/rocketspeed-go/core/internal/wire"
)

// Sink is anything a room can deliver a message to. *socket.Stream
// satisfies this structurally; tests use lighter fakes.
type Sink interface {
	Write(tenant uint16, body wire.Body) bool
}

// SubscribeRequest is the metadata a room needs to establish or move a
// subscription, per §4.4 step list.
type SubscribeRequest struct {
	HostID    string
	Namespace string
	Topic     string
	SubID     uint64
	Cursor    wire.Cursor
	Tenant    uint16
	Sink      Sink
}

// UnsubscribeRequest identifies a subscription to remove.
type UnsubscribeRequest struct {
	HostID string
	SubID  uint64
}

type subscriber struct {
	hostNumber   uint32
	subID        uint64
	nextExpected storage.Seqno
	sink         Sink
	tenant       uint16
}

type topicState struct {
	logID router.LogID
	subs  []*subscriber
}

type logTail struct {
	reader   storage.ReaderHandle
	expected storage.Seqno
	refcount int
}

// Room holds authoritative subscription state for the topics hashed to
// it, and runs exclusively on its own event loop: every mutation of
// topics/hostTable/logTails happens inside a closure posted to loop, so no
// additional locking is needed around that state (§5: "the host-number
// table in each tower room is thread-local to that room").
type Room struct {
	ID      uint32
	loop    *eventloop.EventLoop
	router  *router.Router
	store   storage.Log
	logf    lg.Func

	readersMu sync.Mutex // guards only the readers slice identity, not its contents
	readers   []storage.ReaderHandle

	topics    map[string]*topicState
	hostTable map[string]uint32
	nextHost  uint32
	logTails  map[router.LogID]*logTail

	stats Stats

	// failInjectRate is a test-only fault-injection knob: the fraction of
	// forwarded deliveries tryForward drops as if the sink had rejected
	// them, independent of the sink's own behavior. Zero in production;
	// never exposed through internal/config, and only ever set directly
	// by _test.go files in this package.
	failInjectRate float64
	rng            *rand.Rand
}

// Stats exposes counters useful for admin/health endpoints.
type Stats struct {
	RecordsDelivered uint64
	GapsDelivered    uint64
	OutOfOrderDrops  uint64
}

func topicKey(namespace, topic string) string { return namespace + "\x00" + topic }

// NewRoom constructs a room with its own pool of numReaders storage
// readers (§4.4: "a fixed pool of async storage readers ... independent
// of number of logs").
func NewRoom(id uint32, loop *eventloop.EventLoop, rt *router.Router, store storage.Log, numReaders int, logf lg.Func) (*Room, *status.Status) {
	if logf == nil {
		logf = lg.Discard
	}
	r := &Room{
		ID:        id,
		loop:      loop,
		router:    rt,
		store:     store,
		logf:      logf,
		topics:    make(map[string]*topicState),
		hostTable: make(map[string]uint32),
		logTails:  make(map[router.LogID]*logTail),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	readers, st := store.CreateAsyncReaders(numReaders, r.onRecord, r.onGap)
	if !st.OK() {
		return nil, st
	}
	r.readers = readers
	return r, status.OK()
}

// onRecord is invoked by the storage substrate, possibly from a
// background goroutine per open log; it is never safe to touch room state
// directly here. Posting onto the room's own loop both marshals the
// access and gives the substrate its back-pressure signal: a false return
// here means "queue full, retry this record" (§4.4).
func (r *Room) onRecord(rec storage.Record) bool {
	return r.loop.Post(func(flow *eventloop.Flow) {
		r.deliverRecord(rec)
	})
}

func (r *Room) onGap(gap storage.Gap) bool {
	return r.loop.Post(func(flow *eventloop.Flow) {
		r.deliverGap(gap)
	})
}

// tryForward writes body to sub's sink, but first honors failInjectRate —
// a dropped forward here looks exactly like the sink itself returning
// false, so production code paths never need to distinguish the two.
func (r *Room) tryForward(sub *subscriber, tenant uint16, body wire.Body) bool {
	if r.failInjectRate > 0 && r.rng.Float64() < r.failInjectRate {
		return false
	}
	return sub.sink.Write(tenant, body)
}

// deliverRecord implements "Room behaviour on record arrival" (§4.4): it
// fans the record out to every subscriber on this log whose
// next-expected-seqno has caught up, advancing each past the record.
func (r *Room) deliverRecord(rec storage.Record) {
	tail, ok := r.logTails[rec.LogID]
	if !ok {
		return // log was closed out from under an in-flight delivery; drop
	}
	if rec.Seqno != tail.expected {
		r.stats.OutOfOrderDrops++
		r.logf(lg.DEBUG, "room %d: dropping out-of-order record log=%d seqno=%d expected=%d",
			r.ID, rec.LogID, rec.Seqno, tail.expected)
		return
	}
	tail.expected = rec.Seqno + 1

	for _, ts := range r.topics {
		if ts.logID != rec.LogID {
			continue
		}
		for _, sub := range ts.subs {
			if sub.nextExpected > storage.Seqno(rec.Seqno) {
				continue
			}
			body := wire.DeliverData{
				SubID:     sub.subID,
				SeqnoPrev: uint64(rec.Seqno) - 1,
				SeqnoHi:   uint64(rec.Seqno),
				Payload:   rec.Payload,
			}
			r.tryForward(sub, sub.tenant, body)
			sub.nextExpected = storage.Seqno(rec.Seqno) + 1
			r.stats.RecordsDelivered++
		}
	}
}

// deliverGap implements the tailer's gap-handling rule (§4.4): stale gaps
// (from != reader.expected) are dropped; otherwise the reader's cursor
// jumps past the gap and every affected subscriber is notified and
// advanced the same way.
func (r *Room) deliverGap(gap storage.Gap) {
	tail, ok := r.logTails[gap.LogID]
	if !ok {
		return
	}
	if gap.From != tail.expected {
		r.logf(lg.DEBUG, "room %d: dropping stale gap log=%d from=%d expected=%d",
			r.ID, gap.LogID, gap.From, tail.expected)
		return
	}
	tail.expected = gap.To + 1

	for _, ts := range r.topics {
		if ts.logID != gap.LogID {
			continue
		}
		for _, sub := range ts.subs {
			if sub.nextExpected > gap.To {
				continue
			}
			r.tryForward(sub, sub.tenant, wire.DeliverGap{
				SubID:     sub.subID,
				SeqnoPrev: uint64(gap.From) - 1,
				SeqnoHi:   uint64(gap.To),
				GapType:   wire.GapType(gap.Type),
			})
			sub.nextExpected = gap.To + 1
			r.stats.GapsDelivered++
		}
	}
}

// Subscribe runs the 5-step metadata sequence from §4.4, posted onto the
// room's own loop so it is safe to run concurrently with record delivery.
// ack is invoked with the resulting Status once the sequence completes.
func (r *Room) Subscribe(req SubscribeRequest, ack func(*status.Status)) bool {
	return r.loop.Post(func(flow *eventloop.Flow) {
		r.doSubscribe(req, ack)
	})
}

// doSubscribe runs on the room's loop. A tail cursor needs an extra,
// potentially asynchronous round trip to the storage substrate to resolve
// the log's current tail (§9 Open Question (c): the sentinel means "the
// current tail", not "the start of the log") before the rest of the 5-step
// sequence can run, so doSubscribe itself no longer returns a Status — it
// always finishes by invoking ack, either immediately or once
// FindTimeAsync's callback re-enters the loop.
func (r *Room) doSubscribe(req SubscribeRequest, ack func(*status.Status)) {
	// §4.5: a Subscribe with unroutable or malformed parameters completes
	// with an immediate Unsubscribe(reason=Invalid), never a SubAck — the
	// caller checks this Status's Kind to decide which one to send.
	if req.HostID == "" || req.Namespace == "" || req.Topic == "" {
		ack(status.New(status.InvalidArgument, "tower: subscribe requires a non-empty host id, namespace, and topic"))
		return
	}

	if !req.Cursor.IsTail() {
		ack(r.finishSubscribe(req, storage.Seqno(req.Cursor.Seqno())))
		return
	}

	logID := r.router.LogFor(req.Namespace, req.Topic)
	r.store.FindTimeAsync(context.Background(), logID, storage.TailSeqno, func(tailSeqno storage.Seqno, st *status.Status) {
		// FindTimeAsync may call back from a substrate goroutine (boltstore)
		// or inline (memstore); either way, touching room state requires
		// hopping back onto the room's own loop first.
		r.loop.Post(func(flow *eventloop.Flow) {
			if !st.OK() {
				ack(st)
				return
			}
			ack(r.finishSubscribe(req, tailSeqno))
		})
	})
}

// finishSubscribe runs the remainder of the §4.4 5-step sequence now that
// startSeqno — the real position a tail cursor resolved to, or the
// caller's explicit seqno — is known. Always called on the room's loop.
func (r *Room) finishSubscribe(req SubscribeRequest, startSeqno storage.Seqno) *status.Status {
	// Step 1: look up or insert origin host in the host-number table.
	hostNum, ok := r.hostTable[req.HostID]
	if !ok {
		hostNum = r.nextHost
		r.nextHost++
		r.hostTable[req.HostID] = hostNum
	}

	// Step 2: verify topic->logID routing matches what the front-end used.
	logID := r.router.LogFor(req.Namespace, req.Topic)

	key := topicKey(req.Namespace, req.Topic)
	ts, exists := r.topics[key]
	if !exists {
		ts = &topicState{logID: logID}
		r.topics[key] = ts
	} else if ts.logID != logID {
		return status.New(status.Corruption, "tower: topic/log routing mismatch")
	}

	// Step 3: insert subscription into TopicList.
	sub := &subscriber{hostNumber: hostNum, subID: req.SubID, nextExpected: startSeqno, sink: req.Sink, tenant: req.Tenant}
	ts.subs = append(ts.subs, sub)

	// Step 4: first subscriber on this log starts a reader; otherwise
	// fold the new subscriber's start point into the existing reader's
	// floor, since a single reader position is kept at the minimum of its
	// subscribers' start seqnos.
	tail, tailExists := r.logTails[logID]
	if !tailExists {
		reader, st := r.leastLoadedReader()
		if !st.OK() {
			return st
		}
		if st := reader.Open(logID, startSeqno); !st.OK() {
			return st
		}
		r.logTails[logID] = &logTail{reader: reader, expected: startSeqno, refcount: 1}
	} else {
		tail.refcount++
		if startSeqno < tail.expected {
			// Reopen at the lower floor; simplest correct behaviour, even
			// though it means already-delivered records in [startSeqno,
			// old-expected) replay through the fan-out filter above
			// (each subscriber's own nextExpected still gates delivery).
			if st := tail.reader.Close(logID); !st.OK() {
				return st
			}
			if st := tail.reader.Open(logID, startSeqno); !st.OK() {
				return st
			}
			tail.expected = startSeqno
		}
	}

	// Step 5 (ack) happens in the caller via the ack callback.
	return status.OK()
}

// Unsubscribe runs the mirror sequence: remove the subscription and, if it
// was the log's last one, close the reader slot.
func (r *Room) Unsubscribe(req UnsubscribeRequest, namespace, topic string, ack func(*status.Status)) bool {
	return r.loop.Post(func(flow *eventloop.Flow) {
		ack(r.doUnsubscribe(req, namespace, topic))
	})
}

func (r *Room) doUnsubscribe(req UnsubscribeRequest, namespace, topic string) *status.Status {
	key := topicKey(namespace, topic)
	ts, ok := r.topics[key]
	if !ok {
		return status.New(status.NotFound, "tower: unknown topic")
	}
	idx := -1
	for i, sub := range ts.subs {
		if sub.subID == req.SubID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return status.New(status.NotFound, "tower: unknown subscription")
	}
	ts.subs = append(ts.subs[:idx], ts.subs[idx+1:]...)

	tail, ok := r.logTails[ts.logID]
	if ok {
		tail.refcount--
		if tail.refcount <= 0 {
			_ = tail.reader.Close(ts.logID)
			delete(r.logTails, ts.logID)
		}
	}
	if len(ts.subs) == 0 {
		delete(r.topics, key)
	}
	return status.OK()
}

func (r *Room) leastLoadedReader() (storage.ReaderHandle, *status.Status) {
	r.readersMu.Lock()
	defer r.readersMu.Unlock()
	if len(r.readers) == 0 {
		return nil, status.New(status.NotInitialized, "tower: room has no reader slots")
	}
	best := r.readers[0]
	for _, rd := range r.readers[1:] {
		if rd.Load() < best.Load() {
			best = rd
		}
	}
	return best, status.OK()
}

// FindTailSeqno resolves namespace/topic's log to the storage substrate's
// current tail (§9 Open Question (c): the wire round trip a Subscribe with
// a tail cursor needs before it can set a correct expected floor). Posted
// onto the room's own loop for the same reason every other room query is:
// it shares router/store with the subscribe/deliver paths that do mutate
// room state.
func (r *Room) FindTailSeqno(namespace, topic string, cb func(storage.Seqno, *status.Status)) bool {
	return r.loop.Post(func(flow *eventloop.Flow) {
		logID := r.router.LogFor(namespace, topic)
		r.store.FindTimeAsync(context.Background(), logID, storage.TailSeqno, cb)
	})
}

// Snapshot returns a copy of this room's stats, safe to call from any
// goroutine (it posts to the room's loop and waits).
func (r *Room) Snapshot() Stats {
	done := make(chan Stats, 1)
	if !r.loop.Post(func(flow *eventloop.Flow) { done <- r.stats }) {
		return Stats{}
	}
	return <-done
}
