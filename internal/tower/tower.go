package tower

import (
	"fmt"

	"github.com/rocketspeed-go/core/internal/eventloop"
	"github.com/rocketspeed-go/core/internal/lg"
	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
)

// DefaultNumRooms is the room count used when a deployment doesn't
// override it (§4.4: "shards its work into R rooms (default 16)").
const DefaultNumRooms = 16

// Tower owns every room and the single front-end routing function that
// dispatches a topic's subscribe/unsubscribe traffic to exactly one of
// them.
type Tower struct {
	rooms  []*Room
	router *router.Router
	logf   lg.Func
}

// Options configures a Tower.
type Options struct {
	NumRooms   uint32
	NumLogs    uint64
	NumReaders int
	Logf       lg.Func
}

// New constructs a Tower with opts.NumRooms rooms, each running on its own
// EventLoop (typically loops[i] == some MsgLoop worker's loop) and backed
// by store.
func New(opts Options, loops []*eventloop.EventLoop, store storage.Log) (*Tower, *status.Status) {
	if opts.NumRooms == 0 {
		opts.NumRooms = DefaultNumRooms
	}
	if len(loops) != int(opts.NumRooms) {
		return nil, status.Newf(status.InvalidArgument, "tower: need %d event loops, got %d", opts.NumRooms, len(loops))
	}
	if opts.Logf == nil {
		opts.Logf = lg.Discard
	}
	rt := router.New(opts.NumLogs)
	rooms := make([]*Room, opts.NumRooms)
	for i := range rooms {
		room, st := NewRoom(uint32(i), loops[i], rt, store, opts.NumReaders, opts.Logf)
		if !st.OK() {
			return nil, st
		}
		rooms[i] = room
	}
	return &Tower{rooms: rooms, router: rt, logf: opts.Logf}, status.OK()
}

// RoomFor returns the room a (namespace, topic) pair's metadata routes
// to, per §4.4's room = hash(topic) mod R.
func (t *Tower) RoomFor(namespace, topic string) *Room {
	idx := router.RoomFor(namespace, topic, uint32(len(t.rooms)))
	return t.rooms[idx]
}

// Subscribe routes req to its owning room and runs the subscribe sequence
// there.
func (t *Tower) Subscribe(req SubscribeRequest, ack func(*status.Status)) error {
	room := t.RoomFor(req.Namespace, req.Topic)
	if !room.Subscribe(req, ack) {
		return fmt.Errorf("tower: room %d command queue full", room.ID)
	}
	return nil
}

// FindTailSeqno routes a tail-resolution request to the room owning
// (namespace, topic).
func (t *Tower) FindTailSeqno(namespace, topic string, cb func(storage.Seqno, *status.Status)) error {
	room := t.RoomFor(namespace, topic)
	if !room.FindTailSeqno(namespace, topic, cb) {
		return fmt.Errorf("tower: room %d command queue full", room.ID)
	}
	return nil
}

// Unsubscribe routes req to its owning room.
func (t *Tower) Unsubscribe(req UnsubscribeRequest, namespace, topic string, ack func(*status.Status)) error {
	room := t.RoomFor(namespace, topic)
	if !room.Unsubscribe(req, namespace, topic, ack) {
		return fmt.Errorf("tower: room %d command queue full", room.ID)
	}
	return nil
}

// Rooms exposes the room slice for admin/stats wiring.
func (t *Tower) Rooms() []*Room { return t.rooms }

// RoomSnapshot pairs a room's id with its Stats for Tower.Snapshot's output.
type RoomSnapshot struct {
	RoomID uint32 `json:"room_id"`
	Stats  Stats  `json:"stats"`
}

// Snapshot implements adminapi.StatsProvider: one entry per room.
func (t *Tower) Snapshot() interface{} {
	out := make([]RoomSnapshot, len(t.rooms))
	for i, room := range t.rooms {
		out[i] = RoomSnapshot{RoomID: room.ID, Stats: room.Snapshot()}
	}
	return out
}
