package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openeats/realtime/internal/domain"
)

// connectionColumns must match the Scan order in scanConnection.
const connectionColumns = `id, connection_id, user_id, device_id, user_agent, ip_address, connected_at, last_activity, disconnected_at`

// ConnectionRepo implements domain.ConnectionRepository backed by PostgreSQL.
type ConnectionRepo struct {
	pool *pgxpool.Pool
}

func NewConnectionRepo(pool *pgxpool.Pool) *ConnectionRepo {
	return &ConnectionRepo{pool: pool}
}

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var conn domain.Connection
	err := row.Scan(
		&conn.ID, &conn.ConnectionID, &conn.UserID, &conn.DeviceID,
		&conn.UserAgent, &conn.IPAddress,
		&conn.ConnectedAt, &conn.LastActivity, &conn.DisconnectedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (r *ConnectionRepo) Insert(ctx context.Context, conn *domain.Connection) error {
	row, err := scanConnection(r.pool.QueryRow(ctx, `
		INSERT INTO connections (connection_id, user_id, device_id, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+connectionColumns+`
	`, conn.ConnectionID, conn.UserID, conn.DeviceID, conn.UserAgent, conn.IPAddress))
	if err != nil {
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	*conn = *row
	return nil
}

func (r *ConnectionRepo) Authenticate(ctx context.Context, connectionID, userID uuid.UUID, deviceID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections
		SET user_id = $1, device_id = $2, last_activity = NOW()
		WHERE connection_id = $3 AND disconnected_at IS NULL
	`, userID, deviceID, connectionID)
	if err != nil {
		return fmt.Errorf("failed to authenticate connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func (r *ConnectionRepo) TouchActivity(ctx context.Context, connectionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections
		SET last_activity = NOW()
		WHERE connection_id = $1 AND disconnected_at IS NULL
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to touch connection activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// MarkDisconnected is idempotent: rows already marked are left untouched.
func (r *ConnectionRepo) MarkDisconnected(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE connections
		SET disconnected_at = NOW()
		WHERE connection_id = $1 AND disconnected_at IS NULL
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark connection disconnected: %w", err)
	}
	return nil
}

func (r *ConnectionRepo) LiveByUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT connection_id
		FROM connections
		WHERE user_id = $1 AND disconnected_at IS NULL
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list live connections for user: %w", err)
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

func (r *ConnectionRepo) ListLive(ctx context.Context) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE disconnected_at IS NULL
		ORDER BY connected_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		var conn domain.Connection
		err := rows.Scan(
			&conn.ID, &conn.ConnectionID, &conn.UserID, &conn.DeviceID,
			&conn.UserAgent, &conn.IPAddress,
			&conn.ConnectedAt, &conn.LastActivity, &conn.DisconnectedAt,
		)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *ConnectionRepo) MarkStaleDisconnected(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE connections
		SET disconnected_at = NOW()
		WHERE last_activity < $1 AND disconnected_at IS NULL
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale connections disconnected: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByConnectionID looks up a single durable row by its connection id.
func (r *ConnectionRepo) GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (*domain.Connection, error) {
	conn, err := scanConnection(r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE connection_id = $1`, connectionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}
