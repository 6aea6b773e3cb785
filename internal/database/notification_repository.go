package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openeats/realtime/internal/domain"
)

// notificationColumns must match the Scan order in scanNotification.
const notificationColumns = `id, user_id, type, channel, title, message, data, status, created_at, read_at`

// NotificationRepo implements domain.NotificationRepository backed by PostgreSQL.
type NotificationRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var channel *string
	err := row.Scan(
		&n.ID, &n.UserID, &n.Type, &channel, &n.Title, &n.Message,
		&n.Data, &n.Status, &n.CreatedAt, &n.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	if channel != nil {
		n.Channel = *channel
	}
	return &n, nil
}

func (r *NotificationRepo) Insert(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	data := n.Data
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	var channel *string
	if n.Channel != "" {
		channel = &n.Channel
	}

	row, err := scanNotification(r.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, channel, title, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+notificationColumns+`
	`, n.UserID, n.Type, channel, n.Title, n.Message, data))
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}
	return row, nil
}

func (r *NotificationRepo) ListByUser(ctx context.Context, userID uuid.UUID, status *domain.NotificationStatus, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var channel *string
		err := rows.Scan(
			&n.ID, &n.UserID, &n.Type, &channel, &n.Title, &n.Message,
			&n.Data, &n.Status, &n.CreatedAt, &n.ReadAt,
		)
		if err != nil {
			return nil, err
		}
		if channel != nil {
			n.Channel = *channel
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepo) CountUnread(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND status = $2
	`, userID, domain.StatusUnread).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead transitions UNREAD → READ and records read_at. Targeting a row in
// any other state reports ErrInvalidTransition.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error {
	return r.transition(ctx, userID, notificationID, domain.StatusUnread, `
		UPDATE notifications
		SET status = 'READ', read_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'UNREAD'
	`)
}

// Archive transitions READ → ARCHIVED.
func (r *NotificationRepo) Archive(ctx context.Context, userID, notificationID uuid.UUID) error {
	return r.transition(ctx, userID, notificationID, domain.StatusRead, `
		UPDATE notifications
		SET status = 'ARCHIVED'
		WHERE id = $1 AND user_id = $2 AND status = 'READ'
	`)
}

func (r *NotificationRepo) transition(ctx context.Context, userID, notificationID uuid.UUID, from domain.NotificationStatus, query string) error {
	tag, err := r.pool.Exec(ctx, query, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing rows from rows in the wrong state.
		var status domain.NotificationStatus
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM notifications WHERE id = $1 AND user_id = $2`,
			notificationID, userID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotificationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check notification status: %w", err)
		}
		if status != from {
			return domain.ErrInvalidTransition
		}
	}
	return nil
}

func (r *NotificationRepo) Delete(ctx context.Context, userID, notificationID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM notifications WHERE id = $1 AND user_id = $2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}
