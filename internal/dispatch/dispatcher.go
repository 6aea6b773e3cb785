package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/openeats/realtime/internal/domain"
	"github.com/openeats/realtime/internal/metrics"
	"github.com/openeats/realtime/internal/registry"
)

// UnreadInvalidator drops a user's cached unread count after a new
// notification row lands. Best-effort, never blocks a publish.
type UnreadInvalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID)
}

// notificationEvent is the outbound wire shape for a delivered payload.
type notificationEvent struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sender    domain.Sender   `json:"sender"`
}

// Dispatcher resolves publish targets from the durable directories and
// pushes to every live handle found in the registry.
type Dispatcher struct {
	registry      *registry.Registry
	subs          domain.SubscriptionRepository
	conns         domain.ConnectionRepository
	notifications domain.NotificationRepository
	unread        UnreadInvalidator
	clock         clockwork.Clock
}

// NewDispatcher creates a dispatcher. unread may be nil when no cache layer
// is wired (tests, the sweep CLI).
func NewDispatcher(reg *registry.Registry, subs domain.SubscriptionRepository, conns domain.ConnectionRepository, notifications domain.NotificationRepository, unread UnreadInvalidator, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{
		registry:      reg,
		subs:          subs,
		conns:         conns,
		notifications: notifications,
		unread:        unread,
		clock:         clock,
	}
}

// PublishToChannel fans payload out to every live connection subscribed to
// channel and returns the number of successful in-process sends. Connections
// resolved from the directory but not present in the registry are neither
// counted nor retried. No notification row is created.
func (d *Dispatcher) PublishToChannel(ctx context.Context, sender domain.Sender, channel string, payload domain.Payload) (int, error) {
	start := d.clock.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues("channel").Observe(d.clock.Since(start).Seconds())
	}()

	if d.registry == nil {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "error").Inc()
		return 0, domain.ErrNotInitialized
	}
	if !domain.CanBroadcast(sender) {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "forbidden").Inc()
		return 0, domain.ErrForbidden
	}
	if !domain.ValidChannel(channel) {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "error").Inc()
		return 0, fmt.Errorf("invalid channel %q", channel)
	}
	if err := payload.Validate(); err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "error").Inc()
		return 0, err
	}

	payload.Channel = channel
	data, err := d.encode(sender, payload)
	if err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "error").Inc()
		return 0, err
	}

	targets, err := d.subs.LiveConnectionsForChannel(ctx, channel)
	if err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("channel", "error").Inc()
		return 0, fmt.Errorf("resolving channel %q: %w", channel, err)
	}

	delivered := d.fanOut(targets, data)

	metrics.DispatchPublishesTotal.WithLabelValues("channel", "ok").Inc()
	metrics.DispatchDeliveredTotal.Add(float64(delivered))
	slog.Debug("Channel publish complete",
		"channel", channel,
		"resolved", len(targets),
		"delivered", delivered,
	)
	return delivered, nil
}

// PublishToUser persists one notification row for userID unconditionally,
// then pushes to every live registry hit among that user's connections.
// A zero delivered count with a persisted row is the normal offline case.
func (d *Dispatcher) PublishToUser(ctx context.Context, sender domain.Sender, userID uuid.UUID, payload domain.Payload) (int, error) {
	start := d.clock.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues("user").Observe(d.clock.Since(start).Seconds())
	}()

	if d.registry == nil {
		metrics.DispatchPublishesTotal.WithLabelValues("user", "error").Inc()
		return 0, domain.ErrNotInitialized
	}
	if !domain.CanNotify(sender, userID) {
		metrics.DispatchPublishesTotal.WithLabelValues("user", "forbidden").Inc()
		return 0, domain.ErrForbidden
	}
	if err := payload.Validate(); err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("user", "error").Inc()
		return 0, err
	}

	delivered, err := d.publishToUser(ctx, sender, userID, payload)
	if err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("user", "error").Inc()
		return delivered, err
	}
	metrics.DispatchPublishesTotal.WithLabelValues("user", "ok").Inc()
	return delivered, nil
}

// PublishToUsers is the batch variant: one notification row per user, then
// per-user unicast, summing delivered counts. A persistence failure aborts
// the batch and surfaces the error alongside the count so far.
func (d *Dispatcher) PublishToUsers(ctx context.Context, sender domain.Sender, userIDs []uuid.UUID, payload domain.Payload) (int, error) {
	start := d.clock.Now()
	defer func() {
		metrics.DispatchDuration.WithLabelValues("users").Observe(d.clock.Since(start).Seconds())
	}()

	if d.registry == nil {
		metrics.DispatchPublishesTotal.WithLabelValues("users", "error").Inc()
		return 0, domain.ErrNotInitialized
	}
	for _, userID := range userIDs {
		if !domain.CanNotify(sender, userID) {
			metrics.DispatchPublishesTotal.WithLabelValues("users", "forbidden").Inc()
			return 0, domain.ErrForbidden
		}
	}
	if err := payload.Validate(); err != nil {
		metrics.DispatchPublishesTotal.WithLabelValues("users", "error").Inc()
		return 0, err
	}

	total := 0
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		delivered, err := d.publishToUser(ctx, sender, userID, payload)
		total += delivered
		if err != nil {
			metrics.DispatchPublishesTotal.WithLabelValues("users", "error").Inc()
			return total, err
		}
	}
	metrics.DispatchPublishesTotal.WithLabelValues("users", "ok").Inc()
	return total, nil
}

// publishToUser does the durable insert followed by fan-out. Durability
// precedes delivery: an insert failure means nothing is sent.
func (d *Dispatcher) publishToUser(ctx context.Context, sender domain.Sender, userID uuid.UUID, payload domain.Payload) (int, error) {
	_, err := d.notifications.Insert(ctx, &domain.Notification{
		UserID:  userID,
		Type:    payload.Type,
		Channel: payload.Channel,
		Title:   payload.Title,
		Message: payload.Message,
		Data:    payload.Data,
		Status:  domain.StatusUnread,
	})
	if err != nil {
		return 0, fmt.Errorf("persisting notification for user %s: %w", userID, err)
	}
	metrics.NotificationsPersistedTotal.Inc()

	if d.unread != nil {
		d.unread.Invalidate(ctx, userID)
	}

	data, err := d.encode(sender, payload)
	if err != nil {
		return 0, err
	}

	targets, err := d.conns.LiveByUser(ctx, userID)
	if err != nil {
		// The row is durable; the user sees it on next fetch.
		slog.Warn("Resolving live connections failed after persist",
			"user_id", userID.String(),
			"error", err,
		)
		return 0, fmt.Errorf("resolving live connections for user %s: %w", userID, err)
	}

	delivered := d.fanOut(targets, data)
	metrics.DispatchDeliveredTotal.Add(float64(delivered))
	return delivered, nil
}

// fanOut pushes data to every registry hit among targets, deduplicating
// connection ids, and returns the number of accepted sends.
func (d *Dispatcher) fanOut(targets []uuid.UUID, data []byte) int {
	delivered := 0
	seen := make(map[uuid.UUID]struct{}, len(targets))
	for _, connectionID := range targets {
		if _, dup := seen[connectionID]; dup {
			continue
		}
		seen[connectionID] = struct{}{}

		handle, ok := d.registry.Get(connectionID)
		if !ok {
			continue
		}
		if handle.Send(data) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) encode(sender domain.Sender, payload domain.Payload) ([]byte, error) {
	event := notificationEvent{
		Type:      "notification",
		Channel:   payload.Channel,
		Title:     payload.Title,
		Message:   payload.Message,
		Data:      payload.Data,
		Timestamp: d.clock.Now().UTC(),
		Sender:    sender,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling notification event: %w", err)
	}
	return data, nil
}
