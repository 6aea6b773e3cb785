package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// PublishRateLimiter throttles notification sends per sender using a
// fixed one-minute window in Redis. Capacity allows a short burst above the
// sustained per-minute rate.
type PublishRateLimiter struct {
	rdb      *goredis.Client
	clock    clockwork.Clock
	capacity int
	perMin   int
}

// NewPublishRateLimiter creates a publish rate limiter.
// capacity: maximum burst size within a window
// perMin: sustained rate (sends per minute)
func NewPublishRateLimiter(rdb *goredis.Client, clock clockwork.Clock, capacity, perMin int) *PublishRateLimiter {
	return &PublishRateLimiter{
		rdb:      rdb,
		clock:    clock,
		capacity: capacity,
		perMin:   perMin,
	}
}

// Allow checks whether the sender may publish now. The first send in a window
// sets the key expiry; a counter above max(capacity, perMin) is rejected.
func (l *PublishRateLimiter) Allow(ctx context.Context, senderID uuid.UUID) (bool, error) {
	window := l.clock.Now().Unix() / 60
	key := fmt.Sprintf("rate_limit:publish:%s:%d", senderID, window)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	limit := int64(l.perMin)
	if int64(l.capacity) > limit {
		limit = int64(l.capacity)
	}
	return incr.Val() <= limit, nil
}
