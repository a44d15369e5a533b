// Package subscriber implements the client-side per-shard subscription
// state machine (spec §4.5): reconnect with backoff, in-order delivery
// filtering, and the tail-collapsing adaptor that shares one upstream
// subscription across many downstream ones on the same topic.
package subscriber

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/wire"
)

// State is a subscription's position in the lifecycle described in §4.5.
type State int

const (
	StateCreated State = iota
	StatePendingSubscribe
	StateActive
	StatePendingUnsubscribe
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StatePendingSubscribe:
		return "PendingSubscribe"
	case StateActive:
		return "Active"
	case StatePendingUnsubscribe:
		return "PendingUnsubscribe"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Observer receives data, gaps, and termination notices for one
// subscription. Implementations must not block.
type Observer interface {
	OnData(seqno uint64, payload []byte)
	OnGap(gapType wire.GapType, from, to uint64)
	OnTermination(reason wire.UnsubscribeReason)
}

// Params describes a subscription request from the application layer.
type Params struct {
	Tenant    uint16
	Namespace string
	Topic     string
	Cursor    wire.Cursor
}

// subscriptionState mirrors the original's SubscriptionState: everything
// needed to filter and re-home one subscription.
type subscriptionState struct {
	params   Params
	observer Observer
	state    State
	expected uint64 // lower bound on the seqno of the next expected message
}

// processMessage implements the ordering/duplicate filter from §4.5:
// "ordering/gap filtering (seqno >= expected)". It returns true iff the
// message should be delivered to the observer.
func (s *subscriptionState) processMessage(seqnoPrev, seqnoHi uint64) bool {
	if seqnoHi < s.expected {
		return false // already seen, or stale relative to a resubscribe
	}
	s.expected = seqnoHi + 1
	return true
}

// Options configures reconnect timing and backoff for a Subscriber. Dial
// is handed the Subscriber's own dispatch function so the caller's
// socket.New(...) wires inbound frames straight back into this
// Subscriber — the Subscriber, not the transport, owns message routing.
type Options struct {
	TickInterval      time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	RecentTermination time.Duration // window for recent_terminations suppression
	Dial              func(receiver socket.Receiver) (*socket.FramedSocket, error)
}

func DefaultOptions(dial func(receiver socket.Receiver) (*socket.FramedSocket, error)) Options {
	return Options{
		TickInterval:      time.Second,
		BackoffMin:        100 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		RecentTermination: 5 * time.Second,
		Dial:              dial,
	}
}

// Subscriber manages every subscription served by a single shard: one
// stream-multiplexed socket to the current copilot, reconnecting with
// jittered exponential backoff whenever the connection drops (§4.5:
// "reconnect/backoff with jitter").
type Subscriber struct {
	opts Options
	logf lg.Func
	rng  *rand.Rand

	mu              sync.Mutex
	sock            *socket.FramedSocket
	stream          *socket.Stream
	subs            map[uint64]*subscriptionState // sub-id -> state
	nextSubID       uint64
	backoffCurrent  time.Duration
	backoffUntil    time.Time
	recentTerm      map[uint64]time.Time // sub-id -> time of last Unsubscribe sent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Subscriber. It does not dial until Run is called.
func New(opts Options, logf lg.Func) *Subscriber {
	if logf == nil {
		logf = lg.Discard
	}
	return &Subscriber{
		opts:           opts,
		logf:           logf,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:           make(map[uint64]*subscriptionState),
		nextSubID:      1,
		backoffCurrent: opts.BackoffMin,
		recentTerm:     make(map[uint64]time.Time),
		stopCh:         make(chan struct{}),
	}
}

// Run starts the periodic Tick loop that maintains the connection and
// resubscribes anything pending. It returns once Close is called.
func (s *Subscriber) Run() {
	s.wg.Add(1)
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick implements §4.5's periodic maintenance: reopen the connection if
// down and past backoff, flush recent_terminations, and resubscribe
// anything left in PendingSubscribe.
func (s *Subscriber) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, t := range s.recentTerm {
		if now.Sub(t) > s.opts.RecentTermination {
			delete(s.recentTerm, id)
		}
	}

	if s.sock == nil {
		if now.Before(s.backoffUntil) {
			return
		}
		if err := s.restoreServerStreamLocked(); err != nil {
			s.backoffCurrent = nextBackoff(s.backoffCurrent, s.opts.BackoffMax, s.rng)
			s.backoffUntil = now.Add(s.backoffCurrent)
			s.logf(lg.WARN, "subscriber: reconnect failed, backing off %s: %v", s.backoffCurrent, err)
			return
		}
		s.backoffCurrent = s.opts.BackoffMin
	}

	for id, sub := range s.subs {
		if sub.state == StatePendingSubscribe {
			s.sendSubscribeLocked(id, sub)
		}
	}
}

// nextBackoff doubles the current backoff (capped at max) and then applies
// +/-25% jitter, so the result lies in [0.75, 1.25) of the capped value
// and can exceed max by up to a quarter.
func nextBackoff(current, max time.Duration, rng *rand.Rand) time.Duration {
	next := current * 2
	if next > max || next <= 0 {
		next = max
	}
	jitter := time.Duration(rng.Int63n(int64(next))) - next/2
	result := next + jitter/2
	if result < 0 {
		result = next
	}
	return result
}

// dispatch routes one decoded envelope from the upstream connection to
// the matching handler, the receiver every Dial implementation must wire
// its socket.New call to.
func (s *Subscriber) dispatch(streamID uint64, env *wire.Envelope) {
	switch body := env.Body.(type) {
	case wire.DeliverData:
		s.onDeliverData(body)
	case wire.DeliverGap:
		s.onDeliverGap(body)
	case wire.Goodbye:
		s.onGoodbye()
	case wire.SubAck:
		// Subscription acknowledged; no state change needed beyond what
		// sendSubscribeLocked already did when it sent the Subscribe.
	case wire.Unsubscribe:
		s.onServerUnsubscribe(body)
	case wire.TailSeqno:
		s.onTailSeqno(body)
	}
}

// onTailSeqno applies a resolved tail seqno to every tail subscription on
// the same (namespace, topic), whatever its state: it only ever raises
// expected, never lowers it, so a reply racing with delivery that has
// already advanced expected past the resolved point is harmless.
func (s *Subscriber) onTailSeqno(body wire.TailSeqno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.params.Namespace != body.Namespace || sub.params.Topic != body.Topic {
			continue
		}
		if !sub.params.Cursor.IsTail() {
			continue
		}
		if body.Seqno > sub.expected {
			sub.expected = body.Seqno
		}
	}
}

// onServerUnsubscribe handles a server-initiated Unsubscribe, sent instead
// of a SubAck when a subscription's parameters are rejected (§4.5:
// unroutable/malformed parameters complete with an immediate
// Unsubscribe(reason=Invalid)), or at any later point the server drops the
// subscription on its own.
func (s *Subscriber) onServerUnsubscribe(body wire.Unsubscribe) {
	s.mu.Lock()
	sub, ok := s.subs[body.SubID]
	if ok {
		delete(s.subs, body.SubID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.observer.OnTermination(body.Reason)
}

func (s *Subscriber) restoreServerStreamLocked() error {
	sock, err := s.opts.Dial(s.dispatch)
	if err != nil {
		return err
	}
	s.sock = sock
	s.stream = sock.OpenStream(0, wire.Introduction{})
	for _, sub := range s.subs {
		if sub.state == StateActive {
			sub.state = StatePendingSubscribe
		}
	}
	go sock.Run()
	return nil
}

// closeServerStreamLocked drops the connection and marks every active
// subscription pending, so the next successful reconnect resubscribes
// them from the next seqno they have not yet delivered.
func (s *Subscriber) closeServerStreamLocked(reason wire.UnsubscribeReason) {
	if s.sock == nil {
		return
	}
	s.sock.Close(reason)
	s.sock = nil
	s.stream = nil
	for _, sub := range s.subs {
		if sub.state == StateActive {
			sub.state = StatePendingSubscribe
		}
	}
}

func (s *Subscriber) sendSubscribeLocked(id uint64, sub *subscriptionState) {
	if s.stream == nil {
		return
	}
	start := sub.params.Cursor.ToWire()
	if sub.expected > 0 {
		// Resume at the next seqno this subscription has not delivered
		// yet, so a resubscribe after a drop neither replays nor skips.
		start = sub.expected
	} else if sub.params.Cursor.IsTail() {
		// §9 Open Question (c): resolve the real tail so processMessage's
		// expected floor reflects "records from now on", not "records
		// from seqno 1" — the reply is routed back by onTailSeqno and
		// only ever raises expected. It is sent only while the tail is
		// still unresolved (expected == 0).
		s.stream.Write(sub.params.Tenant, wire.FindTailSeqno{Namespace: sub.params.Namespace, Topic: sub.params.Topic})
	}
	s.stream.Write(sub.params.Tenant, wire.Subscribe{
		Namespace:  sub.params.Namespace,
		Topic:      sub.params.Topic,
		StartSeqno: start,
		SubID:      id,
	})
	sub.state = StateActive
}

// StartSubscription begins a new subscription and returns its ID. A
// request with no topic can never route anywhere, so it is rejected
// synchronously — the observer is told Invalid without ever touching the
// wire (§4.5: malformed parameters complete with an immediate
// Unsubscribe(reason=Invalid)).
func (s *Subscriber) StartSubscription(params Params, observer Observer) uint64 {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	if params.Topic == "" {
		s.mu.Unlock()
		observer.OnTermination(wire.ReasonInvalid)
		return id
	}
	// A tail cursor's floor starts at 0 (no record ever has seqno 0) and
	// is raised to the real tail by onTailSeqno once sendSubscribeLocked's
	// FindTailSeqno round trip resolves it; until then, every record this
	// subscription could possibly receive is by definition "at or after
	// the tail", so 0 never lets anything through it shouldn't.
	startSeqno := uint64(0)
	if !params.Cursor.IsTail() {
		startSeqno = params.Cursor.Seqno()
	}
	s.subs[id] = &subscriptionState{params: params, observer: observer, state: StatePendingSubscribe, expected: startSeqno}
	s.mu.Unlock()
	return id
}

// TerminateSubscription ends a subscription locally and, if it had been
// sent upstream, emits an Unsubscribe — suppressed if one was already
// sent recently for this ID (§4.5 recent_terminations).
func (s *Subscriber) TerminateSubscription(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	wasActive := sub.state == StateActive
	sub.state = StateTerminated
	delete(s.subs, id)

	if wasActive && s.stream != nil {
		if _, recent := s.recentTerm[id]; !recent {
			s.stream.Write(sub.params.Tenant, wire.Unsubscribe{SubID: id, Reason: wire.ReasonRequested})
			s.recentTerm[id] = time.Now()
		}
	}
}

// onDeliverData is invoked by the socket receiver for a DeliverData
// message. It drops it if the subscription is unknown, terminated, or the
// message is out of order / duplicate.
func (s *Subscriber) onDeliverData(body wire.DeliverData) {
	s.mu.Lock()
	sub, ok := s.subs[body.SubID]
	s.mu.Unlock()
	if !ok || sub.state != StateActive {
		return
	}
	if !sub.processMessage(body.SeqnoPrev, body.SeqnoHi) {
		return
	}
	sub.observer.OnData(body.SeqnoHi, body.Payload)
}

func (s *Subscriber) onDeliverGap(body wire.DeliverGap) {
	s.mu.Lock()
	sub, ok := s.subs[body.SubID]
	s.mu.Unlock()
	if !ok || sub.state != StateActive {
		return
	}
	if !sub.processMessage(body.SeqnoPrev, body.SeqnoHi) {
		return
	}
	sub.observer.OnGap(body.GapType, body.SeqnoPrev+1, body.SeqnoHi)
}

func (s *Subscriber) onGoodbye() {
	s.mu.Lock()
	s.closeServerStreamLocked(wire.ReasonRequested)
	s.mu.Unlock()
}

// Close stops the Tick loop and tears down the connection.
func (s *Subscriber) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	s.closeServerStreamLocked(wire.ReasonRequested)
	s.mu.Unlock()
}

// Empty reports whether this subscriber currently serves any subscription.
func (s *Subscriber) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) == 0
}
