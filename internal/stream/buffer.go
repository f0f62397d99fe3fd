package stream

import (
	"context"
	"time"
)

type EntryKind string

const (
	EntryText      EntryKind = "text"
	EntryReasoning EntryKind = "reasoning"
	EntryDone      EntryKind = "done"
	EntryError     EntryKind = "error"
)

// Entry is one appended element of a stream's ordered log. Offsets are
// 0-based and strictly increasing per stream; entries are immutable once
// appended.
type Entry struct {
	Offset  int64     `json:"offset"`
	Kind    EntryKind `json:"kind"`
	Payload string    `json:"payload"`
}

// Terminal reports whether no further entries follow this one.
func (e Entry) Terminal() bool {
	return e.Kind == EntryDone || e.Kind == EntryError
}

// Buffer is the durable, append-only, per-stream log. The production
// implementation lives in redisstore and is reachable from every
// process; MemoryBuffer is the single-process fallback behind the same
// interface.
//
// There is exactly one writer per stream (its relay) and any number of
// concurrent readers.
type Buffer interface {
	// Append adds an entry and returns its offset.
	Append(ctx context.Context, streamID string, kind EntryKind, payload string) (int64, error)

	// ReadFrom returns all entries currently present with offset > after.
	// Pass -1 to read from the beginning. It never blocks; callers poll.
	ReadFrom(ctx context.Context, streamID string, after int64) ([]Entry, error)

	// Expire schedules the stream's entries for deletion after ttl.
	Expire(ctx context.Context, streamID string, ttl time.Duration) error
}
