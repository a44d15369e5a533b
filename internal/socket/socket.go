package socket

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/wire"
)

// Options configures watermarks and timing for a FramedSocket.
type Options struct {
	Tenant            uint16
	HighWatermark     int           // send-queue depth at which Write starts returning false
	LowWatermark      int           // send-queue depth at which writable fires again
	HeartbeatInterval time.Duration // per-tick aggregated heartbeat emission
	StreamTimeout     time.Duration // no-heartbeat-seen deadline before stream-unhealthy fires
	LocalIDStart      uint64        // first local stream id this socket may allocate
	LocalIDStep       uint64        // stride between successive allocations (worker partitioning)
}

func DefaultOptions() Options {
	return Options{
		Tenant:            1,
		HighWatermark:     1000,
		LowWatermark:      100,
		HeartbeatInterval: 3 * time.Second,
		StreamTimeout:     15 * time.Second,
		LocalIDStart:      1,
		LocalIDStep:       1,
	}
}

// FramedSocket is one TCP connection multiplexing many logical streams: a
// Sink<MessageOnStream> and a Source<MessageOnStream> per spec §4.1.
type FramedSocket struct {
	conn net.Conn
	opts Options
	logf lg.Func

	mu          sync.Mutex
	streams     map[uint64]*Stream
	nextLocalID uint64

	sendCh   chan []byte
	queued   atomic.Int64
	writable atomic.Bool

	receiver          Receiver
	onWritable        func()
	onUnwritable      func()
	onStreamUnhealthy func(streamID uint64)

	// heartbeat bookkeeping: lastSentHealthy is the set the socket last
	// told the peer about, for computing the next delta; lastSeen tracks
	// when each remote stream was last heard from, to detect timeouts.
	hbMu           sync.Mutex
	lastSentHealthy map[uint64]struct{}
	lastSeen        map[uint64]time.Time

	closed atomic.Bool
	doneCh chan struct{}

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// New wraps conn as a FramedSocket. The socket does not start reading or
// writing until Run is called.
func New(conn net.Conn, opts Options, logf lg.Func, receiver Receiver) *FramedSocket {
	if logf == nil {
		logf = lg.Discard
	}
	s := &FramedSocket{
		conn:            conn,
		opts:            opts,
		logf:            logf,
		streams:         make(map[uint64]*Stream),
		nextLocalID:     opts.LocalIDStart,
		sendCh:          make(chan []byte, opts.HighWatermark*2+16),
		receiver:        receiver,
		lastSentHealthy: make(map[uint64]struct{}),
		lastSeen:        make(map[uint64]time.Time),
		doneCh:          make(chan struct{}),
	}
	s.writable.Store(true)
	s.resumeCh = make(chan struct{})
	return s
}

// Pause disables dispatch of further inbound reads from this socket,
// implementing the Flow back-pressure contract: the event loop disables
// reads on a source until the implicated sink signals writable.
func (s *FramedSocket) Pause() {
	s.pauseMu.Lock()
	s.paused = true
	s.pauseMu.Unlock()
}

// Resume re-enables dispatch, releasing any read blocked in readLoop.
func (s *FramedSocket) Resume() {
	s.pauseMu.Lock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
		s.resumeCh = make(chan struct{})
	}
	s.pauseMu.Unlock()
}

func (s *FramedSocket) waitIfPaused() {
	s.pauseMu.Lock()
	if !s.paused {
		s.pauseMu.Unlock()
		return
	}
	ch := s.resumeCh
	s.pauseMu.Unlock()
	select {
	case <-ch:
	case <-s.doneCh:
	}
}

func (s *FramedSocket) OnWritable(cb func())               { s.onWritable = cb }
func (s *FramedSocket) OnUnwritable(cb func())              { s.onUnwritable = cb }
func (s *FramedSocket) OnStreamUnhealthy(cb func(uint64))   { s.onStreamUnhealthy = cb }

// OpenStream allocates a local stream ID from this socket's partition,
// emits an Introduction message, and transitions the stream to Open.
func (s *FramedSocket) OpenStream(remoteStreamID uint64, intro wire.Introduction) *Stream {
	s.mu.Lock()
	local := s.nextLocalID
	s.nextLocalID += s.opts.LocalIDStep
	st := newStream(s, local, remoteStreamID)
	s.streams[local] = st
	s.mu.Unlock()

	st.Write(s.opts.Tenant, intro)
	return st
}

// AcceptStream registers a stream created by an inbound message (the peer
// chose the ID that becomes our remote ID; our local ID mirrors it for
// symmetric addressing across one connection).
func (s *FramedSocket) AcceptStream(remoteStreamID uint64) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[remoteStreamID]; ok {
		return st
	}
	st := newStream(s, remoteStreamID, remoteStreamID)
	s.streams[remoteStreamID] = st
	return st
}

func (s *FramedSocket) lookupStream(localID uint64) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[localID]
	return st, ok
}

// Stream exposes lookupStream to callers outside the package — message
// handlers registered on a MsgLoop receive a bare stream ID and need to
// resolve it back to the Stream to reply on.
func (s *FramedSocket) Stream(localID uint64) (*Stream, bool) {
	return s.lookupStream(localID)
}

// enqueue pushes a pre-encoded frame onto the send queue, returning true
// iff the queue depth after this push is still below HighWatermark (the
// low/high-watermark back-pressure signal of §4.1).
func (s *FramedSocket) enqueue(frame []byte) bool {
	if s.closed.Load() {
		return true
	}
	depth := s.queued.Add(1)
	select {
	case s.sendCh <- frame:
	default:
		// queue is actually full (channel buffer exhausted); drop the
		// oldest would violate ordering, so we block briefly instead,
		// mirroring Flow's transitive back-pressure rather than buffering
		// unboundedly.
		s.sendCh <- frame
	}
	if depth == int64(s.opts.HighWatermark) && s.writable.CompareAndSwap(true, false) {
		if s.onUnwritable != nil {
			s.onUnwritable()
		}
	}
	return depth < int64(s.opts.HighWatermark)
}

func (s *FramedSocket) dequeued() {
	depth := s.queued.Add(-1)
	if depth == int64(s.opts.LowWatermark) && s.writable.CompareAndSwap(false, true) {
		if s.onWritable != nil {
			s.onWritable()
		}
	}
}

// Run starts the writer, reader, and heartbeat loops. It blocks until the
// socket is closed.
func (s *FramedSocket) Run() {
	go s.writeLoop()
	go s.heartbeatLoop()
	s.readLoop() // ReadHeader -> ReadBody -> Dispatch, fatal to the socket on parse error
}

func (s *FramedSocket) writeLoop() {
	for {
		select {
		case frame, ok := <-s.sendCh:
			if !ok {
				return
			}
			s.dequeued()
			if _, err := s.conn.Write(frame); err != nil {
				s.Close(wire.UnsubscribeReason(0))
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

func (s *FramedSocket) readLoop() {
	for {
		s.waitIfPaused()
		env, err := wire.ReadEnvelope(s.conn)
		if err != nil {
			s.logf(lg.INFO, "socket: read error, closing: %v", err)
			s.Close(wire.UnsubscribeReason(0))
			return
		}
		s.dispatch(env)
	}
}

func (s *FramedSocket) dispatch(env *wire.Envelope) {
	switch body := env.Body.(type) {
	case wire.Heartbeat:
		s.recordHeartbeat(body.Healthy)
		return
	case wire.HeartbeatDelta:
		s.applyHeartbeatDelta(body)
		return
	case wire.Goodbye:
		if st, ok := s.lookupStream(env.StreamID); ok {
			st.markClosed(s.logf)
		}
	}
	s.noteRemoteActivity(env.StreamID)
	if s.receiver != nil {
		s.receiver(env.StreamID, env)
	}
}

// Close sends a local Goodbye to every local stream (no wire traffic — the
// socket is about to disappear), stops the writer, and closes the fd;
// frames still in the send queue are discarded, not written.
func (s *FramedSocket) Close(reason wire.UnsubscribeReason) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	for _, st := range s.streams {
		st.markClosed(s.logf)
	}
	s.mu.Unlock()
	close(s.doneCh)
	_ = s.conn.Close()
}

// --- heartbeat aggregation (§4.1) ---

// heartbeatLoop emits one Heartbeat or HeartbeatDelta frame per tick,
// covering the set of local streams considered healthy (i.e. still open),
// and checks remote streams for timeout.
func (s *FramedSocket) heartbeatLoop() {
	if s.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emitHeartbeatTick()
			s.checkStreamTimeouts()
		case <-s.doneCh:
			return
		}
	}
}

func (s *FramedSocket) emitHeartbeatTick() {
	s.mu.Lock()
	healthy := make([]uint64, 0, len(s.streams))
	for id, st := range s.streams {
		if !st.Closed() {
			healthy = append(healthy, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(healthy, func(i, j int) bool { return healthy[i] < healthy[j] })

	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	current := make(map[uint64]struct{}, len(healthy))
	for _, id := range healthy {
		current[id] = struct{}{}
	}

	if len(s.lastSentHealthy) == 0 {
		if st, ok := s.firstLiveStream(); ok {
			st.Write(s.opts.Tenant, wire.Heartbeat{Healthy: healthy})
		}
		s.lastSentHealthy = current
		return
	}

	var added, removed []uint64
	for id := range current {
		if _, ok := s.lastSentHealthy[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range s.lastSentHealthy {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	if len(added) > 0 || len(removed) > 0 {
		if st, ok := s.firstLiveStream(); ok {
			st.Write(s.opts.Tenant, wire.HeartbeatDelta{Added: added, Removed: removed})
		}
	}
	s.lastSentHealthy = current
}

func (s *FramedSocket) firstLiveStream() (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if !st.Closed() {
			return st, true
		}
	}
	return nil, false
}

func (s *FramedSocket) recordHeartbeat(healthy []uint64) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	now := time.Now()
	for _, id := range healthy {
		s.lastSeen[id] = now
	}
}

func (s *FramedSocket) applyHeartbeatDelta(d wire.HeartbeatDelta) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	now := time.Now()
	for _, id := range d.Added {
		s.lastSeen[id] = now
	}
	for _, id := range d.Removed {
		delete(s.lastSeen, id)
	}
}

func (s *FramedSocket) noteRemoteActivity(streamID uint64) {
	if streamID == 0 {
		return
	}
	s.hbMu.Lock()
	s.lastSeen[streamID] = time.Now()
	s.hbMu.Unlock()
}

// checkStreamTimeouts signals stream-unhealthy for any stream with no
// heartbeat seen within StreamTimeout — the socket itself stays open.
func (s *FramedSocket) checkStreamTimeouts() {
	if s.opts.StreamTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(-s.opts.StreamTimeout)
	s.hbMu.Lock()
	var unhealthy []uint64
	for id, last := range s.lastSeen {
		if last.Before(deadline) {
			unhealthy = append(unhealthy, id)
		}
	}
	s.hbMu.Unlock()
	if s.onStreamUnhealthy != nil {
		for _, id := range unhealthy {
			s.onStreamUnhealthy(id)
		}
	}
}
