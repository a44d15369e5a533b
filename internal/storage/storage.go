// Package storage defines the storage-substrate contract consumed by the
// core (spec §6): append, async readers driven by on_record/on_gap
// callbacks, and find_time_async for tail/time-based seeks. The core never
// depends on a specific storage engine directly — only on this contract —
// so the tower and tailer work unmodified against any conforming Log.
package storage

import (
	"context"

	"github.com/rocketspeed-go/core/internal/router"
	"github.com/rocketspeed-go/core/internal/status"
)

// Seqno is a per-log monotonically increasing sequence number. Zero is
// reserved and never assigned to a record; it is used on the wire as the
// "no previous record" / "tail" sentinel (see wire.Cursor).
type Seqno uint64

// TailSeqno is the sentinel passed to FindTimeAsync meaning "resolve to the
// current tail of the log", per §6: "sentinel max() means tail".
const TailSeqno = ^Seqno(0)

// GapType classifies a reported gap (§4.4).
type GapType int

const (
	GapBenign GapType = iota
	GapRetention
	GapDataLoss
)

// Record is one payload appended to a log, with the sequence number the
// substrate assigned it.
type Record struct {
	LogID   router.LogID
	Seqno   Seqno
	Payload []byte
}

// Gap reports a range [From, To] on a log that will never be filled
// (§4.4): "Storage reports {Benign, Retention, DataLoss} gaps [from, to]."
type Gap struct {
	LogID router.LogID
	Type  GapType
	From  Seqno
	To    Seqno
}

// OnRecord is invoked for every record read by a reader. Returning false
// signals back-pressure: the substrate must retry delivery of the same
// record rather than advancing (§6).
type OnRecord func(rec Record) bool

// OnGap is invoked when a reader encounters a gap. Returning false signals
// back-pressure, same contract as OnRecord.
type OnGap func(gap Gap) bool

// Log is the append/read contract a storage engine must satisfy.
type Log interface {
	// Append writes payload to logID and returns the seqno it was
	// assigned, or a non-OK Status (§6: "append(logID, payload) → seqno |
	// Error").
	Append(ctx context.Context, logID router.LogID, payload []byte) (Seqno, *status.Status)

	// CreateAsyncReaders allocates a fixed pool of num independent reader
	// handles, each of which drives onRecord/onGap callbacks after Open
	// (§6: "create_async_reader(num, on_record, on_gap) → ReaderHandle[]").
	CreateAsyncReaders(num int, onRecord OnRecord, onGap OnGap) ([]ReaderHandle, *status.Status)

	// FindTimeAsync resolves instant to the seqno of the first record at
	// or after it, asynchronously; the sentinel TailSeqno means "the
	// current tail" (§6).
	FindTimeAsync(ctx context.Context, logID router.LogID, instant Seqno, cb func(Seqno, *status.Status))

	// Close releases all resources held by the log store, including every
	// outstanding reader.
	Close() *status.Status
}

// ReaderHandle is a long-lived storage cursor that can be repositioned to
// follow a different log without being recreated (§4.4: "a fixed pool of
// async storage readers ... independent of number of logs").
type ReaderHandle interface {
	// Open starts (or repositions) this reader at logID, beginning at
	// seqno inclusive.
	Open(logID router.LogID, seqno Seqno) *status.Status

	// Close stops tailing logID on this reader. A no-op if the reader is
	// not currently open on that log.
	Close(logID router.LogID) *status.Status

	// Load reports how many logs this reader currently tails, used by the
	// tailer to pick the least-loaded reader for a new subscription.
	Load() int
}
