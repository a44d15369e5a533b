// Package router implements the deterministic topic→log routing described
// in spec §3: "Topics are mapped, by a deterministic hash-based router, to
// log IDs in the storage substrate. Routing is total and stable: the same
// topic always hashes to the same log."
package router

import (
	"github.com/cespare/xxhash/v2"
)

// LogID identifies a log in the storage substrate.
type LogID uint64

// Router maps (namespace, topic) pairs onto a fixed space of log IDs.
// The mapping is a pure function of its inputs and the configured log
// count, so it is safe to share across every worker without locking.
type Router struct {
	numLogs uint64
}

// New constructs a router over numLogs logs, numbered 0..numLogs-1.
// numLogs must be >= 1.
func New(numLogs uint64) *Router {
	if numLogs == 0 {
		numLogs = 1
	}
	return &Router{numLogs: numLogs}
}

// LogFor returns the log a (namespace, topic) pair routes to. The result
// is total (defined for every input) and stable (same input, same log, for
// the lifetime of this Router's numLogs configuration).
func (r *Router) LogFor(namespace, topic string) LogID {
	h := xxhash.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.Write([]byte{0}) // separator: disambiguates ("a","bc") from ("ab","c")
	_, _ = h.WriteString(topic)
	return LogID(h.Sum64() % r.numLogs)
}

// RoomFor returns the control-tower room a topic's subscribe/unsubscribe
// traffic is routed to, per §4.4: "room = hash(topic) mod R". It hashes
// the same bytes as LogFor and reduces the result modulo numRooms instead
// of the log count.
func RoomFor(namespace, topic string, numRooms uint32) uint32 {
	if numRooms == 0 {
		numRooms = 1
	}
	h := xxhash.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(topic)
	return uint32(h.Sum64() % uint64(numRooms))
}
