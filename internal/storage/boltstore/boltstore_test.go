package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
	"github.com/rocketspeed-go/core/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	s, st := Open(dir)
	if !st.OK() {
		t.Fatalf("open: %v", st)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendPersistsAscendingSeqnos(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var last storage.Seqno
	for i := 0; i < 4; i++ {
		seqno, st := s.Append(ctx, router.LogID(9), []byte("payload"))
		if !st.OK() {
			t.Fatalf("append: %v", st)
		}
		if seqno <= last {
			t.Fatalf("seqno %d did not advance past %d", seqno, last)
		}
		last = seqno
	}
}

func TestFindTimeAsyncResolvesTail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, st := s.Append(ctx, router.LogID(3), []byte("x")); !st.OK() {
			t.Fatal(st)
		}
	}

	done := make(chan storage.Seqno, 1)
	s.FindTimeAsync(ctx, router.LogID(3), storage.TailSeqno, func(seqno storage.Seqno, st *status.Status) {
		if !st.OK() {
			t.Errorf("find tail: %v", st)
			return
		}
		done <- seqno
	})

	select {
	case got := <-done:
		if got != 4 {
			t.Fatalf("tail seqno = %d, want 4 (3 records appended)", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("FindTimeAsync never called back")
	}
}

func TestReaderDeliversPersistedRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, st := s.Append(ctx, router.LogID(1), []byte("one")); !st.OK() {
		t.Fatal(st)
	}
	if _, st := s.Append(ctx, router.LogID(1), []byte("two")); !st.OK() {
		t.Fatal(st)
	}

	done := make(chan []byte, 2)
	readers, st := s.CreateAsyncReaders(1, func(rec storage.Record) bool {
		done <- rec.Payload
		return true
	}, func(gap storage.Gap) bool { return true })
	if !st.OK() {
		t.Fatal(st)
	}
	if st := readers[0].Open(router.LogID(1), 1); !st.OK() {
		t.Fatal(st)
	}

	for i, want := range []string{"one", "two"} {
		select {
		case got := <-done:
			if string(got) != want {
				t.Fatalf("record %d: got %q want %q", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("record %d never delivered", i)
		}
	}
}
