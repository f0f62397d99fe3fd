package stream

import (
	"context"
	"sync"
	"time"
)

// MemoryBuffer keeps stream logs in process memory. Development and test
// fallback only: it cannot serve resumption across processes or
// restarts, which is why production wiring uses the redis buffer.
type MemoryBuffer struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

type memStream struct {
	entries  []Entry
	expireAt time.Time // zero until Expire is called
}

func NewMemoryBuffer() *MemoryBuffer {
	return &MemoryBuffer{streams: make(map[string]*memStream)}
}

func (b *MemoryBuffer) Append(ctx context.Context, streamID string, kind EntryKind, payload string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictExpiredLocked()

	s, ok := b.streams[streamID]
	if !ok {
		s = &memStream{}
		b.streams[streamID] = s
	}
	off := int64(len(s.entries))
	s.entries = append(s.entries, Entry{Offset: off, Kind: kind, Payload: payload})
	return off, nil
}

func (b *MemoryBuffer) ReadFrom(ctx context.Context, streamID string, after int64) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.streams[streamID]
	if !ok {
		return nil, nil
	}
	if !s.expireAt.IsZero() && time.Now().After(s.expireAt) {
		return nil, nil
	}
	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(s.entries)) {
		return nil, nil
	}
	out := make([]Entry, len(s.entries)-int(start))
	copy(out, s.entries[start:])
	return out, nil
}

func (b *MemoryBuffer) Expire(ctx context.Context, streamID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[streamID]; ok {
		s.expireAt = time.Now().Add(ttl)
	}
	b.evictExpiredLocked()
	return nil
}

func (b *MemoryBuffer) evictExpiredLocked() {
	now := time.Now()
	for id, s := range b.streams {
		if !s.expireAt.IsZero() && now.After(s.expireAt) {
			delete(b.streams, id)
		}
	}
}
