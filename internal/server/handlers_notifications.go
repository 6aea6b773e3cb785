package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openeats/realtime/internal/domain"
	apperrors "github.com/openeats/realtime/internal/errors"
	"github.com/openeats/realtime/internal/metrics"
)

const defaultListLimit = 50

type sendNotificationRequest struct {
	Channel string          `json:"channel,omitempty"`
	UserID  string          `json:"userId,omitempty"`
	UserIDs []string        `json:"userIds,omitempty"`
	Type    string          `json:"type"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleSendNotification(c echo.Context) error {
	sender := senderFrom(c)
	ctx := c.Request().Context()

	var req sendNotificationRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	if s.publishLimiter != nil {
		allowed, err := s.publishLimiter.Allow(ctx, sender.ID)
		if err != nil {
			// Rate limiting is advisory; a broken limiter must not block sends.
			slog.Warn("Publish rate limiter unavailable", "error", err)
		} else if !allowed {
			metrics.PublishRateLimitedTotal.Inc()
			return apperrors.RateLimitedError("publish rate exceeded")
		}
	}

	payload := domain.Payload{
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
		Data:    req.Data,
	}

	var (
		delivered int
		err       error
	)
	switch {
	case req.Channel != "":
		delivered, err = s.dispatcher.PublishToChannel(ctx, sender, req.Channel, payload)
	case len(req.UserIDs) > 0:
		userIDs := make([]uuid.UUID, 0, len(req.UserIDs))
		for _, raw := range req.UserIDs {
			userID, parseErr := uuid.Parse(raw)
			if parseErr != nil {
				return apperrors.ValidationError("invalid userIds entry")
			}
			userIDs = append(userIDs, userID)
		}
		delivered, err = s.dispatcher.PublishToUsers(ctx, sender, userIDs, payload)
	case req.UserID != "":
		userID, parseErr := uuid.Parse(req.UserID)
		if parseErr != nil {
			return apperrors.ValidationError("invalid userId")
		}
		delivered, err = s.dispatcher.PublishToUser(ctx, sender, userID, payload)
	default:
		return apperrors.ValidationError("one of channel, userId, userIds is required")
	}

	if err != nil {
		switch {
		case errors.Is(err, domain.ErrForbidden):
			return apperrors.ForbiddenError("not allowed to send this notification")
		case errors.Is(err, domain.ErrNotInitialized):
			return apperrors.InternalError("notification service not initialized", err)
		default:
			return apperrors.ValidationError(err.Error())
		}
	}

	return c.JSON(http.StatusOK, map[string]int{"delivered": delivered})
}

func (s *Server) handleListNotifications(c echo.Context) error {
	sender := senderFrom(c)

	var status *domain.NotificationStatus
	if raw := c.QueryParam("status"); raw != "" {
		parsed := domain.NotificationStatus(raw)
		if !parsed.Valid() {
			return apperrors.ValidationError("invalid status filter")
		}
		status = &parsed
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return apperrors.ValidationError("invalid limit")
		}
		limit = parsed
	}

	notifications, err := s.notifications.ListByUser(c.Request().Context(), sender.ID, status, limit)
	if err != nil {
		return apperrors.InternalError("failed to list notifications", err)
	}

	return c.JSON(http.StatusOK, map[string]any{"notifications": toNotificationViews(notifications)})
}

func (s *Server) handleUnreadCount(c echo.Context) error {
	sender := senderFrom(c)
	ctx := c.Request().Context()

	var (
		count int64
		err   error
	)
	if s.unreadCache != nil {
		count, err = s.unreadCache.Count(ctx, sender.ID)
	} else {
		count, err = s.notifications.CountUnread(ctx, sender.ID)
	}
	if err != nil {
		return apperrors.InternalError("failed to count unread notifications", err)
	}

	return c.JSON(http.StatusOK, map[string]int64{"unreadCount": count})
}

func (s *Server) handleMarkRead(c echo.Context) error {
	return s.transitionNotification(c, s.notifications.MarkRead)
}

func (s *Server) handleArchive(c echo.Context) error {
	return s.transitionNotification(c, s.notifications.Archive)
}

func (s *Server) handleDeleteNotification(c echo.Context) error {
	return s.transitionNotification(c, s.notifications.Delete)
}

// transitionNotification runs one read-state operation scoped to the
// caller's own rows. The unread count changes on every transition, so the
// cache entry is dropped on success.
func (s *Server) transitionNotification(c echo.Context, op func(ctx context.Context, userID, notificationID uuid.UUID) error) error {
	sender := senderFrom(c)
	ctx := c.Request().Context()

	notificationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperrors.ValidationError("invalid notification id")
	}

	if err := op(ctx, sender.ID, notificationID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotificationNotFound):
			return apperrors.NotFoundError("notification not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			return apperrors.ValidationError("invalid status transition")
		default:
			return apperrors.InternalError("notification update failed", err)
		}
	}

	if s.unreadCache != nil {
		s.unreadCache.Invalidate(ctx, sender.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

type notificationView struct {
	ID        uuid.UUID                 `json:"id"`
	Type      string                    `json:"type"`
	Channel   string                    `json:"channel,omitempty"`
	Title     string                    `json:"title"`
	Message   string                    `json:"message"`
	Data      json.RawMessage           `json:"data,omitempty"`
	Status    domain.NotificationStatus `json:"status"`
	CreatedAt string                    `json:"createdAt"`
	ReadAt    string                    `json:"readAt,omitempty"`
}

func toNotificationViews(notifications []domain.Notification) []notificationView {
	views := make([]notificationView, 0, len(notifications))
	for _, n := range notifications {
		view := notificationView{
			ID:        n.ID,
			Type:      n.Type,
			Channel:   n.Channel,
			Title:     n.Title,
			Message:   n.Message,
			Data:      n.Data,
			Status:    n.Status,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
		}
		if n.ReadAt != nil {
			view.ReadAt = n.ReadAt.UTC().Format(time.RFC3339)
		}
		views = append(views, view)
	}
	return views
}
