// Package boltstore is a durable storage.Log backed by
// github.com/impact-eintr/bolt, grounded on the teacher's dispatcher.go
// (internal/gnode/dispatcher.go), which opens one bolt.DB per node and
// keeps it for the life of the process. Here one bucket per log holds its
// records, keyed by big-endian seqno, so bolt's native key ordering gives
// us ascending iteration for free.
package boltstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "github.com/impact-eintr/bolt"

	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
)

func logBucketName(id router.LogID) []byte {
	return []byte(fmt.Sprintf("log-%020d", uint64(id)))
}

func seqnoKey(seqno storage.Seqno) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seqno))
	return b[:]
}

// gapsBucket holds gap records for every log, keyed by "<id>:<from>" with
// both numbers zero-padded to 20 digits.
var gapsBucket = []byte("gaps")

// Store is a durable storage.Log: every Append is a single bolt
// transaction, and readers poll their cursor position against the log's
// bucket, same wake-on-write shape as memstore but durable across restart.
type Store struct {
	db   *bolt.DB
	lock *logDirLock

	mu      sync.Mutex
	waiters map[router.LogID][]chan struct{}
}

// Open takes ownership of dataDir: it flocks the directory, the same way
// nsqd guards its DataPath against a second process opening it
// concurrently, then opens (creating if absent) a bolt database file
// inside it.
func Open(dataDir string) (*Store, *status.Status) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, status.Newf(status.IOError, "boltstore: create data dir %s: %v", dataDir, err)
	}
	lock, err := lockLogDir(dataDir)
	if err != nil {
		return nil, status.Newf(status.IOError, "boltstore: lock data dir %s: %v", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "rocketspeed.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = lock.unlock()
		return nil, status.Newf(status.IOError, "boltstore: open %s: %v", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(gapsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		_ = lock.unlock()
		return nil, status.Newf(status.IOError, "boltstore: init gaps bucket: %v", err)
	}
	return &Store{db: db, lock: lock, waiters: make(map[router.LogID][]chan struct{})}, status.OK()
}

func (s *Store) wake(logID router.LogID) {
	s.mu.Lock()
	chans := s.waiters[logID]
	s.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Append implements storage.Log: the new seqno is one past the bucket's
// current highest key.
func (s *Store) Append(_ context.Context, logID router.LogID, payload []byte) (storage.Seqno, *status.Status) {
	var seqno storage.Seqno
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(logBucketName(logID))
		if err != nil {
			return err
		}
		k, _ := b.Cursor().Last()
		if k == nil {
			seqno = 1
		} else {
			seqno = storage.Seqno(binary.BigEndian.Uint64(k)) + 1
		}
		return b.Put(seqnoKey(seqno), payload)
	})
	if err != nil {
		return 0, status.Newf(status.IOError, "boltstore: append: %v", err)
	}
	s.wake(logID)
	return seqno, status.OK()
}

// InjectGap records a gap for logID, durably, for tests and for storage
// operators marking known-unrecoverable ranges.
func (s *Store) InjectGap(logID router.LogID, typ storage.GapType, from, to storage.Seqno) *status.Status {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(gapsBucket)
		key := []byte(fmt.Sprintf("%020d:%020d", uint64(logID), uint64(from)))
		var val [17]byte
		val[0] = byte(typ)
		binary.BigEndian.PutUint64(val[1:9], uint64(from))
		binary.BigEndian.PutUint64(val[9:17], uint64(to))
		return b.Put(key, val[:])
	})
	if err != nil {
		return status.Newf(status.IOError, "boltstore: inject gap: %v", err)
	}
	s.wake(logID)
	return status.OK()
}

func (s *Store) gapAt(logID router.LogID, from storage.Seqno) (storage.Gap, bool) {
	var g storage.Gap
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(gapsBucket)
		key := []byte(fmt.Sprintf("%020d:%020d", uint64(logID), uint64(from)))
		v := b.Get(key)
		if v == nil || len(v) != 17 {
			return nil
		}
		g = storage.Gap{
			LogID: logID,
			Type:  storage.GapType(v[0]),
			From:  storage.Seqno(binary.BigEndian.Uint64(v[1:9])),
			To:    storage.Seqno(binary.BigEndian.Uint64(v[9:17])),
		}
		found = true
		return nil
	})
	return g, found
}

// FindTimeAsync resolves storage.TailSeqno to one past the bucket's
// highest key; any other instant is treated as already being a seqno, the
// same simplification memstore makes (bolt stores no per-record
// timestamps here, only seqno-ordered keys).
func (s *Store) FindTimeAsync(_ context.Context, logID router.LogID, instant storage.Seqno, cb func(storage.Seqno, *status.Status)) {
	go func() {
		if instant != storage.TailSeqno {
			cb(instant, status.OK())
			return
		}
		var tail storage.Seqno
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(logBucketName(logID))
			if b == nil {
				tail = 1
				return nil
			}
			k, _ := b.Cursor().Last()
			if k == nil {
				tail = 1
				return nil
			}
			tail = storage.Seqno(binary.BigEndian.Uint64(k)) + 1
			return nil
		})
		if err != nil {
			cb(0, status.Newf(status.IOError, "boltstore: find tail: %v", err))
			return
		}
		cb(tail, status.OK())
	}()
}

// CreateAsyncReaders allocates num independent poll-loop readers over this
// store's bolt database.
func (s *Store) CreateAsyncReaders(num int, onRecord storage.OnRecord, onGap storage.OnGap) ([]storage.ReaderHandle, *status.Status) {
	handles := make([]storage.ReaderHandle, num)
	for i := range handles {
		handles[i] = newReader(s, onRecord, onGap)
	}
	return handles, status.OK()
}

// Close closes the underlying bolt database and releases the data
// directory lock.
func (s *Store) Close() *status.Status {
	if err := s.db.Close(); err != nil {
		return status.Newf(status.IOError, "boltstore: close: %v", err)
	}
	if err := s.lock.unlock(); err != nil {
		return status.Newf(status.IOError, "boltstore: unlock data dir: %v", err)
	}
	return status.OK()
}

type reader struct {
	store    *Store
	onRecord storage.OnRecord
	onGap    storage.OnGap

	mu      sync.Mutex
	cursors map[router.LogID]*cursorState
}

type cursorState struct {
	expected storage.Seqno
	stopCh   chan struct{}
}

func newReader(s *Store, onRecord storage.OnRecord, onGap storage.OnGap) *reader {
	return &reader{store: s, onRecord: onRecord, onGap: onGap, cursors: make(map[router.LogID]*cursorState)}
}

func (r *reader) Open(logID router.LogID, seqno storage.Seqno) *status.Status {
	r.mu.Lock()
	if _, exists := r.cursors[logID]; exists {
		r.mu.Unlock()
		return status.New(status.InvalidArgument, "boltstore: reader already open on this log")
	}
	c := &cursorState{expected: seqno, stopCh: make(chan struct{})}
	r.cursors[logID] = c
	r.mu.Unlock()

	notifyCh := make(chan struct{}, 1)
	r.store.mu.Lock()
	r.store.waiters[logID] = append(r.store.waiters[logID], notifyCh)
	r.store.mu.Unlock()

	go r.pollLoop(logID, c, notifyCh)
	return status.OK()
}

func (r *reader) pollLoop(logID router.LogID, c *cursorState, notifyCh chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		r.drain(logID, c)
		select {
		case <-notifyCh:
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}

func (r *reader) drain(logID router.LogID, c *cursorState) {
	for {
		if gap, ok := r.store.gapAt(logID, c.expected); ok {
			if !r.onGap(gap) {
				return
			}
			c.expected = gap.To + 1
			continue
		}

		var rec storage.Record
		var found bool
		_ = r.store.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(logBucketName(logID))
			if b == nil {
				return nil
			}
			v := b.Get(seqnoKey(c.expected))
			if v == nil {
				return nil
			}
			payload := make([]byte, len(v))
			copy(payload, v)
			rec = storage.Record{LogID: logID, Seqno: c.expected, Payload: payload}
			found = true
			return nil
		})
		if !found {
			return
		}
		if !r.onRecord(rec) {
			return
		}
		c.expected = rec.Seqno + 1
	}
}

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

func (r *reader) Load() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}
