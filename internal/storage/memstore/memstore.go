// Package memstore is an in-memory storage.Log, grounded on the teacher's
// in-process queue shape (mq.diskqueue's per-queue dynamic array guarded by
// a mutex, with a notify channel fanning new writes out to readers) but
// without any disk persistence. It backs unit tests for the tower and
// tailer, and a non-durable deployment mode.
package memstore

import (
	"context"
	"sync"

	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
)

type logState struct {
	mu      sync.Mutex
	records []storage.Record // seqno i+1 lives at records[i]
	gaps    []storage.Gap
	notify  []chan struct{} // one per waiting reader poll loop
}

func (l *logState) tail() storage.Seqno {
	l.mu.Lock()
	defer l.mu.Unlock()
	return storage.Seqno(len(l.records))
}

func (l *logState) wake() {
	for _, ch := range l.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Store is an in-memory implementation of storage.Log: every log is a
// growable slice of records guarded by its own mutex, so independent logs
// never contend with each other.
type Store struct {
	mu   sync.Mutex
	logs map[router.LogID]*logState
}

// New constructs an empty Store.
func New() *Store {
	return &Store{logs: make(map[router.LogID]*logState)}
}

func (s *Store) logFor(id router.LogID) *logState {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		l = &logState{}
		s.logs[id] = l
	}
	return l
}

// Append implements storage.Log.
func (s *Store) Append(_ context.Context, logID router.LogID, payload []byte) (storage.Seqno, *status.Status) {
	l := s.logFor(logID)
	l.mu.Lock()
	seqno := storage.Seqno(len(l.records) + 1)
	l.records = append(l.records, storage.Record{LogID: logID, Seqno: seqno, Payload: payload})
	l.mu.Unlock()
	l.wake()
	return seqno, status.OK()
}

// InjectGap records a gap on logID for tests that need to exercise the
// tailer's gap-handling path without a real storage failure.
func (s *Store) InjectGap(logID router.LogID, typ storage.GapType, from, to storage.Seqno) {
	l := s.logFor(logID)
	l.mu.Lock()
	l.gaps = append(l.gaps, storage.Gap{LogID: logID, Type: typ, From: from, To: to})
	l.mu.Unlock()
	l.wake()
}

// FindTimeAsync resolves storage.TailSeqno to one past the log's current
// length (the seqno the next Append will get) and
// anything else to itself (memstore has no notion of wall-clock time per
// record; it treats "instant" as already being a seqno, which is enough to
// exercise every caller of find-tail in the core).
func (s *Store) FindTimeAsync(_ context.Context, logID router.LogID, instant storage.Seqno, cb func(storage.Seqno, *status.Status)) {
	l := s.logFor(logID)
	if instant == storage.TailSeqno {
		cb(l.tail()+1, status.OK())
		return
	}
	cb(instant, status.OK())
}

// CreateAsyncReaders allocates num independent poll-loop readers.
func (s *Store) CreateAsyncReaders(num int, onRecord storage.OnRecord, onGap storage.OnGap) ([]storage.ReaderHandle, *status.Status) {
	handles := make([]storage.ReaderHandle, num)
	for i := range handles {
		handles[i] = newReader(s, onRecord, onGap)
	}
	return handles, status.OK()
}

// Close tears down every log's notify subscribers.
func (s *Store) Close() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		l.mu.Lock()
		for _, ch := range l.notify {
			close(ch)
		}
		l.notify = nil
		l.mu.Unlock()
	}
	return status.OK()
}

// reader is a storage.ReaderHandle over a Store: a background goroutine
// per open log polls for new records past its cursor and invokes the
// registered callbacks, retrying on back-pressure (callback returns
// false) rather than advancing.
type reader struct {
	store    *Store
	onRecord storage.OnRecord
	onGap    storage.OnGap

	mu      sync.Mutex
	cursors map[router.LogID]*cursor
}

type cursor struct {
	expected storage.Seqno
	stopCh   chan struct{}
}

func newReader(s *Store, onRecord storage.OnRecord, onGap storage.OnGap) *reader {
	return &reader{store: s, onRecord: onRecord, onGap: onGap, cursors: make(map[router.LogID]*cursor)}
}

// Open starts tailing logID at seqno, inclusive.
func (r *reader) Open(logID router.LogID, seqno storage.Seqno) *status.Status {
	r.mu.Lock()
	if _, exists := r.cursors[logID]; exists {
		r.mu.Unlock()
		return status.New(status.InvalidArgument, "memstore: reader already open on this log")
	}
	c := &cursor{expected: seqno, stopCh: make(chan struct{})}
	r.cursors[logID] = c
	r.mu.Unlock()

	l := r.store.logFor(logID)
	notifyCh := make(chan struct{}, 1)
	l.mu.Lock()
	l.notify = append(l.notify, notifyCh)
	l.mu.Unlock()

	go r.pollLoop(logID, l, c, notifyCh)
	return status.OK()
}

func (r *reader) pollLoop(logID router.LogID, l *logState, c *cursor, notifyCh chan struct{}) {
	for {
		r.drain(logID, l, c)
		select {
		case _, ok := <-notifyCh:
			if !ok {
				return
			}
		case <-c.stopCh:
			return
		}
	}
}

func (r *reader) drain(logID router.LogID, l *logState, c *cursor) {
	for {
		l.mu.Lock()
		var rec storage.Record
		haveRecord := false
		if int(c.expected) >= 1 && int(c.expected) <= len(l.records) {
			rec = l.records[c.expected-1]
			haveRecord = true
		}
		var gap storage.Gap
		haveGap := false
		for _, g := range l.gaps {
			if g.From == c.expected {
				gap = g
				haveGap = true
				break
			}
		}
		l.mu.Unlock()

		if haveGap {
			if !r.onGap(gap) {
				return // back-pressure: retry this gap next wake
			}
			c.expected = gap.To + 1
			continue
		}
		if !haveRecord {
			return
		}
		if !r.onRecord(rec) {
			return // back-pressure: retry this record next wake
		}
		c.expected = rec.Seqno + 1
	}
}

// Close stops tailing logID.
func (r *reader) Close(logID router.LogID) *status.Status {
	r.mu.Lock()
	c, ok := r.cursors[logID]
	if ok {
		delete(r.cursors, logID)
	}
	r.mu.Unlock()
	if !ok {
		return status.OK()
	}
	close(c.stopCh)
	return status.OK()
}

// Load reports the number of logs currently open on this reader.
func (r *reader) Load() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}
