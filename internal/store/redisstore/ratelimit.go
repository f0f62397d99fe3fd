package redisstore

import (
	"context"
	"log"
	"time"

	"github.com/haowen-zh/chat-relay/internal/stream"
)

// Limiter is a fixed-window counter gate. The window lives entirely in
// redis, so all server processes consume from the same quota.
type Limiter struct {
	store  *Store
	limit  int
	window time.Duration
}

func NewLimiter(store *Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{store: store, limit: limit, window: window}
}

// CheckAndConsume counts this request against the bucket and reports
// whether it may proceed. Redis failures fail open: the gate must never
// take the API down.
func (l *Limiter) CheckAndConsume(ctx context.Context, bucketKey string) (stream.RateDecision, error) {
	key := "ratelimit:" + bucketKey

	n, err := l.store.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] incr failed key=%s err=%v", key, err)
		return stream.RateDecision{Allowed: true}, nil
	}
	if n == 1 {
		if err := l.store.rdb.PExpire(ctx, key, l.window).Err(); err != nil {
			log.Printf("[ratelimit] expire failed key=%s err=%v", key, err)
		}
	}
	if n <= int64(l.limit) {
		return stream.RateDecision{Allowed: true}, nil
	}

	retryAfter := l.window
	if ttl, err := l.store.rdb.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return stream.RateDecision{Allowed: false, RetryAfter: retryAfter}, nil
}
