package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionRepo implements domain.SubscriptionRepository backed by PostgreSQL.
type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// Subscribe upserts the given channels for the connection in one transaction
// and returns the full resulting channel set. ON CONFLICT DO NOTHING makes
// repeated subscribes idempotent.
func (r *SubscriptionRepo) Subscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, channel := range channels {
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (connection_id, channel)
			VALUES ($1, $2)
			ON CONFLICT (connection_id, channel) DO NOTHING
		`, connectionID, channel)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to channel %q: %w", channel, err)
		}
	}

	current, err := channelsInTx(ctx, tx, connectionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return current, nil
}

// Unsubscribe deletes matching rows and returns the remaining channel set.
// Channels not held are ignored.
func (r *SubscriptionRepo) Unsubscribe(ctx context.Context, connectionID uuid.UUID, channels []string) ([]string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		DELETE FROM subscriptions
		WHERE connection_id = $1 AND channel = ANY($2)
	`, connectionID, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to unsubscribe: %w", err)
	}

	remaining, err := channelsInTx(ctx, tx, connectionID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return remaining, nil
}

func (r *SubscriptionRepo) Channels(ctx context.Context, connectionID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT channel FROM subscriptions
		WHERE connection_id = $1
		ORDER BY channel
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

// LiveConnectionsForChannel joins subscriptions against live connections.
// Rows referencing a disconnected connection are filtered out here rather
// than eagerly deleted.
func (r *SubscriptionRepo) LiveConnectionsForChannel(ctx context.Context, channel string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT s.connection_id
		FROM subscriptions s
		JOIN connections c ON c.connection_id = s.connection_id
		WHERE s.channel = $1 AND c.disconnected_at IS NULL
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %q: %w", channel, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// channelsInTx reads the current channel set inside an open transaction.
func channelsInTx(ctx context.Context, tx pgx.Tx, connectionID uuid.UUID) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT channel FROM subscriptions
		WHERE connection_id = $1
		ORDER BY channel
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
