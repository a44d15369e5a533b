// Package msgloop implements the Worker Pool (§4.3): an array of event
// loops sharing one listen socket, load-balancing accepted connections and
// routing commands to the loop that owns a given stream or worker index.
package msgloop

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/wire"
)

// Handler processes one inbound message. It runs on the worker that owns
// the stream it arrived on, with that worker's Flow available for any
// downstream writes.
type Handler func(flow *eventloop.Flow, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope)

// Options configures a MsgLoop.
type Options struct {
	NumWorkers  int
	ListenAddr  string
	QueueDepth  int
	SocketOpts  socket.Options
	Logf        lg.Func
}

// MsgLoop owns N EventLoops and a single accept loop, per §4.3: "worker 0
// owns the listener; others use ephemeral ports" in the original is
// simplified here to one shared net.Listener whose Accept loop
// round-robins new connections across all workers — the effect (load
// balancing across a fixed worker count bound to one listen address) is
// identical, and is the idiomatic Go shape for "N loops share a socket".
type MsgLoop struct {
	opts    Options
	loops   []*eventloop.EventLoop
	next    atomic.Uint64 // round-robin cursor for connection assignment
	logf    lg.Func

	mu        sync.Mutex
	callbacks map[wire.Type]Handler
	started   bool

	listener net.Listener
	doneCh   chan struct{}
}

// New constructs a MsgLoop with opts.NumWorkers event loops. It does not
// start listening until Run is called.
func New(opts Options) *MsgLoop {
	if opts.Logf == nil {
		opts.Logf = lg.Discard
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	m := &MsgLoop{
		opts:      opts,
		logf:      opts.Logf,
		callbacks: make(map[wire.Type]Handler),
		doneCh:    make(chan struct{}),
	}
	m.loops = make([]*eventloop.EventLoop, opts.NumWorkers)
	for i := range m.loops {
		m.loops[i] = eventloop.New(i, opts.QueueDepth, opts.Logf)
	}
	return m
}

// RegisterCallback wires a handler for a message type. Must be called
// before Run; registering the same type twice is rejected, mirroring the
// original's "duplicates are rejected" constraint (§4.3).
func (m *MsgLoop) RegisterCallback(t wire.Type, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("msgloop: cannot register callback for %s after Run", t)
	}
	if _, exists := m.callbacks[t]; exists {
		return fmt.Errorf("msgloop: duplicate callback registration for %s", t)
	}
	m.callbacks[t] = h
	return nil
}

// NumWorkers returns the number of event loops owned by this pool.
func (m *MsgLoop) NumWorkers() int { return len(m.loops) }

// Run starts every worker's reactor goroutine and the shared accept loop.
// It blocks until the listener fails or Close is called.
func (m *MsgLoop) Run() error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	for _, loop := range m.loops {
		go loop.Run()
	}

	ln, err := net.Listen("tcp", m.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("msgloop: listen %s: %w", m.opts.ListenAddr, err)
	}
	m.listener = ln
	m.logf(lg.INFO, "msgloop: listening on %s with %d workers", m.opts.ListenAddr, len(m.loops))

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.doneCh:
				return nil
			default:
			}
			return fmt.Errorf("msgloop: accept: %w", err)
		}
		m.assignConnection(conn)
	}
}

// assignConnection round-robins an accepted connection across workers and
// registers its socket on the chosen worker's event loop.
func (m *MsgLoop) assignConnection(conn net.Conn) {
	idx := int(m.next.Add(1)-1) % len(m.loops)
	loop := m.loops[idx]

	opts := m.opts.SocketOpts
	opts.LocalIDStart = uint64(idx) + 1
	opts.LocalIDStep = uint64(len(m.loops))

	var sock *socket.FramedSocket
	sock = socket.New(conn, opts, m.logf, func(streamID uint64, env *wire.Envelope) {
		m.dispatch(loop, sock, streamID, env)
	})
	loop.RegisterSocket(sock)
}

func (m *MsgLoop) dispatch(loop *eventloop.EventLoop, sock *socket.FramedSocket, streamID uint64, env *wire.Envelope) {
	m.mu.Lock()
	h, ok := m.callbacks[env.Body.Type()]
	m.mu.Unlock()
	if !ok {
		m.logf(lg.WARN, "msgloop: no callback registered for %s, dropping", env.Body.Type())
		return
	}
	if !loop.Post(func(flow *eventloop.Flow) {
		h(flow, sock, streamID, env)
	}) {
		m.logf(lg.WARN, "msgloop: worker %d command queue full, dropping %s", loop.WorkerIndex, env.Body.Type())
	}
}

// SendCommand enqueues cmd onto the given worker's inbound queue (§4.3).
func (m *MsgLoop) SendCommand(workerID int, cmd eventloop.Command) bool {
	if workerID < 0 || workerID >= len(m.loops) {
		return false
	}
	return m.loops[workerID].Post(cmd)
}

// CreateOutboundStream opens a stream to dest on the given worker's
// partition of the stream-ID space (§4.3, §5: stream-ID allocator shared
// across workers within a MsgLoop, coarse mutex — here delegated to the
// per-socket allocator already guarded by FramedSocket's own mutex).
func (m *MsgLoop) CreateOutboundStream(workerID int, dest *socket.FramedSocket, remoteStreamID uint64, intro wire.Introduction) (*socket.Stream, error) {
	if workerID < 0 || workerID >= len(m.loops) {
		return nil, fmt.Errorf("msgloop: worker id %d out of range", workerID)
	}
	return dest.OpenStream(remoteStreamID, intro), nil
}

// Gather broadcasts fn to every worker and invokes onComplete on a separate
// goroutine once every worker has run it, with results collected in
// worker-index order (§4.3). A worker whose queue is full contributes nil.
func (m *MsgLoop) Gather(fn func(flow *eventloop.Flow) interface{}, onComplete func(results []interface{})) {
	results := make([]interface{}, len(m.loops))
	var wg sync.WaitGroup
	wg.Add(len(m.loops))
	for i, loop := range m.loops {
		i, loop := i, loop
		if !loop.Post(func(flow *eventloop.Flow) {
			results[i] = fn(flow)
			wg.Done()
		}) {
			wg.Done()
		}
	}
	go func() {
		wg.Wait()
		onComplete(results)
	}()
}

// Loop returns the event loop for a given worker index, primarily for
// tests and for wiring role-specific state (rooms, reader pools) onto
// specific workers.
func (m *MsgLoop) Loop(workerID int) *eventloop.EventLoop {
	if workerID < 0 || workerID >= len(m.loops) {
		return nil
	}
	return m.loops[workerID]
}

// Loops returns every worker's event loop, in worker-index order, for
// components (like a tower) that need one loop per unit of shardable
// state rather than a single specific worker.
func (m *MsgLoop) Loops() []*eventloop.EventLoop {
	out := make([]*eventloop.EventLoop, len(m.loops))
	copy(out, m.loops)
	return out
}

// Close stops the accept loop and every worker's reactor.
func (m *MsgLoop) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	for _, loop := range m.loops {
		loop.Stop()
	}
	return nil
}
