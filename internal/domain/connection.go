package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Connection is the durable record of one persistent transport session.
// DisconnectedAt is nil exactly while the connection is live; once set, no
// dispatch may target it.
type Connection struct {
	ID             int64
	ConnectionID   uuid.UUID
	UserID         *uuid.UUID
	DeviceID       string
	UserAgent      string
	IPAddress      string
	ConnectedAt    time.Time
	LastActivity   time.Time
	DisconnectedAt *time.Time
}

// Live reports whether the durable row still counts as reachable.
func (c *Connection) Live() bool {
	return c.DisconnectedAt == nil
}

// Subscription maps a connection to one subscribed channel.
// (ConnectionID, Channel) pairs are unique; subscribing twice is idempotent.
type Subscription struct {
	ID           int64
	ConnectionID uuid.UUID
	Channel      string
	CreatedAt    time.Time
}

// ConnectionRepository is the durable connection directory.
type ConnectionRepository interface {
	Insert(ctx context.Context, conn *Connection) error
	Authenticate(ctx context.Context, connectionID, userID uuid.UUID, deviceID string) error
	TouchActivity(ctx context.Context, connectionID uuid.UUID) error
	MarkDisconnected(ctx context.Context, connectionID uuid.UUID) error
	// LiveByUser returns the connection ids of all live connections
	// authenticated as the given user.
	LiveByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ListLive(ctx context.Context) ([]Connection, error)
	// MarkStaleDisconnected sets disconnected_at=now on every live row whose
	// last activity is before cutoff. Returns the number of rows repaired.
	MarkStaleDisconnected(ctx context.Context, cutoff time.Time) (int64, error)
}

// SubscriptionRepository is the durable channel subscription directory.
type SubscriptionRepository interface {
	// Subscribe upserts the missing (connectionID, channel) rows and returns
	// the full current channel set for the connection.
	Subscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error)
	// Unsubscribe deletes matching rows and returns the remaining set.
	Unsubscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error)
	Channels(ctx context.Context, connectionID uuid.UUID) ([]string, error)
	// LiveConnectionsForChannel resolves the channel against live connections
	// (disconnected_at IS NULL) and returns deduplicated connection ids.
	LiveConnectionsForChannel(ctx context.Context, channel string) ([]uuid.UUID, error)
}
