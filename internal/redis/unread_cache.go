package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/openeats/realtime/internal/domain"
	"github.com/openeats/realtime/internal/metrics"
)

const unreadCountTTL = 5 * time.Minute

func unreadCountKey(userID uuid.UUID) string {
	return "unread_count:" + userID.String()
}

// UnreadCache caches per-user unread notification counts in Redis.
// Cache misses recompute from the notification store; singleflight collapses
// concurrent recomputes for the same user. A circuit breaker degrades reads
// to the store directly while Redis is unhealthy.
type UnreadCache struct {
	rdb           *goredis.Client
	notifications domain.NotificationRepository
	breaker       *gobreaker.CircuitBreaker
	group         singleflight.Group
}

func NewUnreadCache(rdb *goredis.Client, notifications domain.NotificationRepository) *UnreadCache {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "unread-cache",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A cache miss is a healthy outcome, not a Redis failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, goredis.Nil)
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Unread cache circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &UnreadCache{
		rdb:           rdb,
		notifications: notifications,
		breaker:       breaker,
	}
}

// Count returns the unread count for a user, from cache when possible.
func (c *UnreadCache) Count(ctx context.Context, userID uuid.UUID) (int64, error) {
	cached, err := c.breaker.Execute(func() (any, error) {
		return c.rdb.Get(ctx, unreadCountKey(userID)).Result()
	})
	if err == nil {
		if n, parseErr := strconv.ParseInt(cached.(string), 10, 64); parseErr == nil {
			metrics.UnreadCacheRequestsTotal.WithLabelValues("hit").Inc()
			return n, nil
		}
	} else if !errors.Is(err, goredis.Nil) {
		// Redis unavailable or circuit open: serve straight from the store.
		metrics.UnreadCacheRequestsTotal.WithLabelValues("bypass").Inc()
		return c.notifications.CountUnread(ctx, userID)
	}

	metrics.UnreadCacheRequestsTotal.WithLabelValues("miss").Inc()
	v, err, _ := c.group.Do(userID.String(), func() (any, error) {
		count, err := c.notifications.CountUnread(ctx, userID)
		if err != nil {
			return int64(0), err
		}
		_, cacheErr := c.breaker.Execute(func() (any, error) {
			return nil, c.rdb.Set(ctx, unreadCountKey(userID), count, unreadCountTTL).Err()
		})
		if cacheErr != nil {
			slog.Debug("Failed to cache unread count", "user_id", userID.String(), "error", cacheErr)
		}
		return count, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute unread count: %w", err)
	}
	return v.(int64), nil
}

// Invalidate drops the cached count for a user. Best-effort: a failed
// invalidation only delays freshness by the TTL.
func (c *UnreadCache) Invalidate(ctx context.Context, userID uuid.UUID) {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.rdb.Del(ctx, unreadCountKey(userID)).Err()
	})
	if err != nil {
		slog.Debug("Failed to invalidate unread count", "user_id", userID.String(), "error", err)
	}
}
