package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haowen-zh/chat-relay/internal/stream"
)

// Store backs the durable stream buffer and the rate-limit gate with
// redis, so both are reachable from every server process.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func entriesKey(streamID string) string {
	return "stream:" + streamID + ":entries"
}

type wireEntry struct {
	Kind    stream.EntryKind `json:"kind"`
	Payload string           `json:"payload"`
}

// Append pushes one entry onto the stream's list. The offset is the
// entry's list index; RPUSH returns the new length, so offsets are
// assigned atomically by redis and never repeat or leave gaps.
func (s *Store) Append(ctx context.Context, streamID string, kind stream.EntryKind, payload string) (int64, error) {
	b, err := json.Marshal(wireEntry{Kind: kind, Payload: payload})
	if err != nil {
		return 0, err
	}
	n, err := s.rdb.RPush(ctx, entriesKey(streamID), b).Result()
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

// ReadFrom returns all entries currently stored with offset > after.
func (s *Store) ReadFrom(ctx context.Context, streamID string, after int64) ([]stream.Entry, error) {
	start := after + 1
	if start < 0 {
		start = 0
	}
	raw, err := s.rdb.LRange(ctx, entriesKey(streamID), start, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]stream.Entry, 0, len(raw))
	for i, item := range raw {
		var w wireEntry
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			return nil, fmt.Errorf("redisstore: corrupt entry at offset %d: %w", start+int64(i), err)
		}
		out = append(out, stream.Entry{
			Offset:  start + int64(i),
			Kind:    w.Kind,
			Payload: w.Payload,
		})
	}
	return out, nil
}

// Expire bounds retention after terminal state so reconnects shortly
// after a disconnect still replay, without unbounded growth.
func (s *Store) Expire(ctx context.Context, streamID string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, entriesKey(streamID), ttl).Err()
}
