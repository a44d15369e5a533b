// Package eventloop implements the single-threaded reactor described in
// spec §4.2: one loop owns a set of sockets, an inbound MPSC command queue
// of closures, timers, and a thread-local worker index. Every suspension
// point is an OS-level poll; no shared mutable state is reachable
// concurrently from other workers.
package eventloop

import (
	"sync"
	"time"

	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/socket"
	"github.com/rocketspeed-go/core/internal/wire"
)

// Command is a heap-allocated closure posted from another thread, run on
// this loop with a Flow handle threaded through.
type Command func(flow *Flow)

// Flow is the dispatch-time handle every callback must thread through to
// any downstream sink writes (§9, §4.2). When a write reports "full", Flow
// disables reads on the implicated source until the sink reports writable
// again, providing transitive back-pressure without unbounded buffering.
type Flow struct {
	loop *EventLoop
}

// WriteStream writes body to st on behalf of source, threading
// back-pressure transitively: if the write reports the sink is full, reads
// on source are paused until the stream's socket signals writable again.
func (f *Flow) WriteStream(source *socket.FramedSocket, st *socket.Stream, tenant uint16, body wire.Body) {
	ok := st.Write(tenant, body)
	f.Gate(source, st.Socket(), ok)
}

// Gate wires a source/sink pair into the transitive back-pressure scheme:
// if sink is currently unwritable, source is paused now, and resumed the
// next time sink becomes writable.
func (f *Flow) Gate(source, sink *socket.FramedSocket, wroteOK bool) {
	if wroteOK {
		return
	}
	source.Pause()
	sink.OnWritable(func() { source.Resume() })
}

// EventLoop owns a set of sockets, runs commands posted from other
// workers, and fires timers, all on a single goroutine.
type EventLoop struct {
	WorkerIndex int
	logf        lg.Func

	cmdCh  chan Command
	exitCh chan struct{}
	wg     sync.WaitGroup

	flow *Flow

	mu      sync.Mutex
	sockets map[*socket.FramedSocket]struct{}
}

// New constructs an event loop for the given worker index. queueDepth
// bounds the inbound command queue (§5: "bounded lock-free MPSC command
// queues").
func New(workerIndex int, queueDepth int, logf lg.Func) *EventLoop {
	if logf == nil {
		logf = lg.Discard
	}
	e := &EventLoop{
		WorkerIndex: workerIndex,
		logf:        logf,
		cmdCh:       make(chan Command, queueDepth),
		exitCh:      make(chan struct{}),
		sockets:     make(map[*socket.FramedSocket]struct{}),
	}
	e.flow = &Flow{loop: e}
	return e
}

// Post enqueues a command for execution on this loop's goroutine. Returns
// false if the queue is full — callers must treat this as back-pressure,
// not drop-and-forget.
func (e *EventLoop) Post(cmd Command) bool {
	select {
	case e.cmdCh <- cmd:
		return true
	default:
		return false
	}
}

// PostBlocking enqueues a command, blocking until there is room. Used by
// callers (e.g. the log tailer) for which dropping is not an option; the
// bounded channel still provides the flow-control signal upstream.
func (e *EventLoop) PostBlocking(cmd Command) {
	e.cmdCh <- cmd
}

// RegisterSocket adds a socket to this loop's managed set and starts it.
func (e *EventLoop) RegisterSocket(s *socket.FramedSocket) {
	e.mu.Lock()
	e.sockets[s] = struct{}{}
	e.mu.Unlock()
	go s.Run()
}

// Run is the reactor's main loop: it processes commands until Stop is
// called. Timer firings are modeled with time.Ticker, itself an OS poll.
func (e *EventLoop) Run() {
	for {
		select {
		case cmd := <-e.cmdCh:
			cmd(e.flow)
		case <-e.exitCh:
			return
		}
	}
}

// RunTimer schedules fn to run on this loop, on the loop's own goroutine,
// every interval, until Stop is called.
func (e *EventLoop) RunTimer(interval time.Duration, fn func(flow *Flow)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if !e.Post(func(flow *Flow) { fn(flow) }) {
					e.logf(lg.WARN, "worker %d: timer fn dropped, command queue full", e.WorkerIndex)
				}
			case <-e.exitCh:
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for background timer goroutines.
func (e *EventLoop) Stop() {
	close(e.exitCh)
	e.wg.Wait()
}
