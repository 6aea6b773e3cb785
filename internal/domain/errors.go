package domain

import "errors"

var (
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotInitialized       = errors.New("dispatcher not initialized")
	ErrForbidden            = errors.New("caller lacks permission for this target")
	ErrInvalidTransition    = errors.New("invalid notification status transition")
)
