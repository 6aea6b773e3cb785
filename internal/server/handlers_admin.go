package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openeats/realtime/internal/domain"
	apperrors "github.com/openeats/realtime/internal/errors"
)

type connectionView struct {
	ConnectionID       uuid.UUID  `json:"connectionId"`
	UserID             *uuid.UUID `json:"userId,omitempty"`
	DeviceID           string     `json:"deviceId"`
	SubscribedChannels []string   `json:"subscribedChannels"`
	ConnectedAt        string     `json:"connectedAt"`
	LastActivity       string     `json:"lastActivity"`
	UserAgent          string     `json:"userAgent,omitempty"`
	IPAddress          string     `json:"ipAddress,omitempty"`
}

// handleListConnections reports every live connection row with its current
// channel set. Admin only.
func (s *Server) handleListConnections(c echo.Context) error {
	ctx := c.Request().Context()

	live, err := s.conns.ListLive(ctx)
	if err != nil {
		return apperrors.InternalError("failed to list connections", err)
	}

	views := make([]connectionView, 0, len(live))
	for _, conn := range live {
		channels, err := s.subs.Channels(ctx, conn.ConnectionID)
		if err != nil {
			slog.Warn("Failed to load channels for connection",
				"connection_id", conn.ConnectionID.String(),
				"error", err,
			)
			channels = nil
		}
		views = append(views, toConnectionView(conn, channels))
	}

	return c.JSON(http.StatusOK, map[string]any{"connections": views})
}

func toConnectionView(conn domain.Connection, channels []string) connectionView {
	if channels == nil {
		channels = []string{}
	}
	return connectionView{
		ConnectionID:       conn.ConnectionID,
		UserID:             conn.UserID,
		DeviceID:           conn.DeviceID,
		SubscribedChannels: channels,
		ConnectedAt:        conn.ConnectedAt.UTC().Format(time.RFC3339),
		LastActivity:       conn.LastActivity.UTC().Format(time.RFC3339),
		UserAgent:          conn.UserAgent,
		IPAddress:          conn.IPAddress,
	}
}
