package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationStatus is the read-state of a notification row.
// Transitions only move forward: UNREAD → READ → ARCHIVED.
type NotificationStatus string

const (
	StatusUnread   NotificationStatus = "UNREAD"
	StatusRead     NotificationStatus = "READ"
	StatusArchived NotificationStatus = "ARCHIVED"
)

// Valid reports whether s is a known status value.
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusUnread, StatusRead, StatusArchived:
		return true
	}
	return false
}

// Notification is the durable, user-addressed message log entry. Created on
// every user-targeted publish regardless of live delivery.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Type      string
	Channel   string
	Title     string
	Message   string
	Data      json.RawMessage
	Status    NotificationStatus
	CreatedAt time.Time
	ReadAt    *time.Time
}

// NotificationRepository is the durable notification record store.
type NotificationRepository interface {
	Insert(ctx context.Context, n *Notification) (*Notification, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status *NotificationStatus, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int64, error)
	MarkRead(ctx context.Context, userID, notificationID uuid.UUID) error
	Archive(ctx context.Context, userID, notificationID uuid.UUID) error
	Delete(ctx context.Context, userID, notificationID uuid.UUID) error
}
