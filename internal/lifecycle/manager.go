// Package lifecycle drives the per-connection state progression
// (open → authenticate → subscribe/unsubscribe → close) and keeps the durable
// directories in sync with the in-process registry.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/openeats/realtime/internal/domain"
	"github.com/openeats/realtime/internal/logging"
	"github.com/openeats/realtime/internal/registry"
)

// activityDebounce limits how often a heartbeat bumps the durable
// last_activity column.
const activityDebounce = time.Minute

// ConnMeta carries transport-level metadata captured at upgrade time.
type ConnMeta struct {
	UserID    *uuid.UUID
	DeviceID  string
	UserAgent string
	IPAddress string
}

// Manager owns connect/authenticate/subscribe/unsubscribe/close transitions.
// It is the only writer of the registry.
type Manager struct {
	registry *registry.Registry
	conns    domain.ConnectionRepository
	subs     domain.SubscriptionRepository
	clock    clockwork.Clock

	mu        sync.Mutex
	lastTouch map[uuid.UUID]time.Time
}

func NewManager(reg *registry.Registry, conns domain.ConnectionRepository, subs domain.SubscriptionRepository, clock clockwork.Clock) *Manager {
	return &Manager{
		registry:  reg,
		conns:     conns,
		subs:      subs,
		clock:     clock,
		lastTouch: make(map[uuid.UUID]time.Time),
	}
}

// Open issues a connection id, inserts the durable row, and registers the
// transport. The durable insert happens first: a connection that cannot be
// recorded is rejected outright rather than left registered but unresolvable.
func (m *Manager) Open(ctx context.Context, conn *websocket.Conn, meta ConnMeta) (uuid.UUID, *registry.Handle, error) {
	connectionID := uuid.New()

	row := &domain.Connection{
		ConnectionID: connectionID,
		UserID:       meta.UserID,
		DeviceID:     meta.DeviceID,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
	}
	if err := m.conns.Insert(ctx, row); err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to record connection: %w", err)
	}

	onPong := func() { m.heartbeat(connectionID) }
	handle, err := m.registry.Register(connectionID, conn, onPong)
	if err != nil {
		// Row exists but the transport is unusable; mark it closed so the
		// dispatcher never resolves it.
		if markErr := m.conns.MarkDisconnected(context.WithoutCancel(ctx), connectionID); markErr != nil {
			logging.WithConnection(connectionID.String()).Error("Failed to mark unregistrable connection disconnected", "error", markErr)
		}
		return uuid.Nil, nil, fmt.Errorf("failed to register connection: %w", err)
	}

	logging.WithConnection(connectionID.String()).Info("Connection opened", "ip", meta.IPAddress)
	return connectionID, handle, nil
}

// OpenDetached records a connection row plus subscriptions without a live
// transport. Used by the pre-transport subscribe handshake; the connection is
// reachable only once the client attaches a transport carrying this id.
func (m *Manager) OpenDetached(ctx context.Context, meta ConnMeta, channels []string) (uuid.UUID, []string, error) {
	connectionID := uuid.New()

	row := &domain.Connection{
		ConnectionID: connectionID,
		UserID:       meta.UserID,
		DeviceID:     meta.DeviceID,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
	}
	if err := m.conns.Insert(ctx, row); err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to record connection: %w", err)
	}

	subscribed, err := m.subs.Subscribe(ctx, connectionID, dedupeChannels(channels))
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to record subscriptions: %w", err)
	}
	return connectionID, subscribed, nil
}

// Attach binds a live transport to an existing durable row, as created by
// OpenDetached.
func (m *Manager) Attach(ctx context.Context, connectionID uuid.UUID, conn *websocket.Conn) (*registry.Handle, error) {
	onPong := func() { m.heartbeat(connectionID) }
	handle, err := m.registry.Register(connectionID, conn, onPong)
	if err != nil {
		return nil, fmt.Errorf("failed to register connection: %w", err)
	}
	if err := m.conns.TouchActivity(ctx, connectionID); err != nil {
		m.registry.Unregister(connectionID)
		return nil, err
	}
	return handle, nil
}

// Authenticate attaches or overwrites the user id on the durable row.
// Idempotent: re-authenticating with the same identity is a no-op update.
func (m *Manager) Authenticate(ctx context.Context, connectionID, userID uuid.UUID, deviceID string) error {
	if err := m.conns.Authenticate(ctx, connectionID, userID, deviceID); err != nil {
		return err
	}
	logging.WithUser(userID.String()).Debug("Connection authenticated", "connection_id", connectionID.String())
	return nil
}

// Subscribe upserts missing subscription rows, bumps activity, and returns
// the full current channel set.
func (m *Manager) Subscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	channels = dedupeChannels(channels)
	for _, ch := range channels {
		if !domain.ValidChannel(ch) {
			return nil, fmt.Errorf("invalid channel name %q", ch)
		}
	}

	subscribed, err := m.subs.Subscribe(ctx, connectionID, channels)
	if err != nil {
		return nil, err
	}
	if err := m.conns.TouchActivity(ctx, connectionID); err != nil {
		logging.WithConnection(connectionID.String()).Warn("Failed to bump connection activity", "error", err)
	}
	return subscribed, nil
}

// Unsubscribe removes matching rows and returns the remaining set. Channels
// not held are a no-op.
func (m *Manager) Unsubscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	remaining, err := m.subs.Unsubscribe(ctx, connectionID, dedupeChannels(channels))
	if err != nil {
		return nil, err
	}
	if err := m.conns.TouchActivity(ctx, connectionID); err != nil {
		logging.WithConnection(connectionID.String()).Warn("Failed to bump connection activity", "error", err)
	}
	return remaining, nil
}

// Close unregisters the transport and sets disconnected_at. Safe to invoke
// more than once; the registry ignores unknown ids and the durable update only
// touches still-live rows.
func (m *Manager) Close(ctx context.Context, connectionID uuid.UUID) {
	m.registry.Unregister(connectionID)

	m.mu.Lock()
	delete(m.lastTouch, connectionID)
	m.mu.Unlock()

	if err := m.conns.MarkDisconnected(ctx, connectionID); err != nil {
		logging.WithConnection(connectionID.String()).Error("Failed to mark connection disconnected", "error", err)
		return
	}
	logging.WithConnection(connectionID.String()).Info("Connection closed")
}

// heartbeat bumps durable last_activity, debounced per connection so pong
// traffic does not turn into a write per ping interval.
func (m *Manager) heartbeat(connectionID uuid.UUID) {
	now := m.clock.Now()

	m.mu.Lock()
	last, seen := m.lastTouch[connectionID]
	if seen && now.Sub(last) < activityDebounce {
		m.mu.Unlock()
		return
	}
	m.lastTouch[connectionID] = now
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.conns.TouchActivity(ctx, connectionID); err != nil {
		logging.WithConnection(connectionID.String()).Debug("Heartbeat touch failed", "error", err)
	}
}

func dedupeChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
