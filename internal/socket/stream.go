// Package socket implements the framed socket: one TCP connection
// multiplexing many logical streams, with per-socket send queue,
// deserialization, and aggregated heartbeats, per spec §4.1.
package socket

import (
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/wire"
)

// StreamState tracks the lifecycle called out in spec §3: "streams are
// created on first outbound message or on inbound accept; destroyed on
// Goodbye, socket close, or explicit unsubscribe of last subscription."
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamClosed
)

// Receiver is invoked for every inbound message on a stream. It must not
// block (§4.5 observer contract / §5 scheduling model).
type Receiver func(streamID uint64, env *wire.Envelope)

// Stream is a pair of unidirectional ordered channels identified by a
// stream ID unique within its physical connection. It holds a non-owning
// back-reference to its socket (§9 "ownership graphs with back-references"
// — represented here as a plain pointer field since Go has no raw-pointer
// danger, but the socket is still the owner and Goodbye invalidates the
// stream the same way the original's index invalidation does).
type Stream struct {
	LocalID  uint64
	RemoteID uint64

	socket *FramedSocket
	state  StreamState
}

func newStream(s *FramedSocket, local, remote uint64) *Stream {
	return &Stream{LocalID: local, RemoteID: remote, socket: s, state: StreamOpen}
}

// Write serializes and enqueues a message on this stream. Returns true iff
// the socket's send queue had capacity; on false the caller must wait for
// the socket's write-ready signal before writing more (§4.1 back-pressure).
func (s *Stream) Write(tenant uint16, body wire.Body) bool {
	if s.state == StreamClosed {
		// The stream is closed; blackhole the value, same as the original's
		// "could happen, as the stream might be closed spontaneously".
		return true
	}
	frame := wire.EncodeFrame(tenant, s.RemoteID, body)
	hasRoom := s.socket.enqueue(frame)
	if body.Type() == wire.TypeGoodbye {
		s.state = StreamClosed
	}
	return hasRoom
}

// Closed reports whether Goodbye has already flowed in either direction on
// this stream (invariant 5 in §3).
func (s *Stream) Closed() bool { return s.state == StreamClosed }

// Socket returns the physical connection this stream is multiplexed over,
// used by the event loop to wire transitive back-pressure (§4.2).
func (s *Stream) Socket() *FramedSocket { return s.socket }

func (s *Stream) markClosed(logf lg.Func) {
	if s.state == StreamClosed {
		return
	}
	s.state = StreamClosed
	logf(lg.DEBUG, "stream(%d,%d) closed", s.LocalID, s.RemoteID)
}
