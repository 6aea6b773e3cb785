package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apperrors "github.com/openeats/realtime/internal/errors"
	"github.com/openeats/realtime/internal/lifecycle"
)

type subscribeHandshakeRequest struct {
	Channels []string `json:"channels"`
	UserID   string   `json:"userId,omitempty"`
	DeviceID string   `json:"deviceId"`
}

type subscribeHandshakeResponse struct {
	ConnectionID       uuid.UUID `json:"connectionId"`
	SubscribedChannels []string  `json:"subscribedChannels"`
}

// handleSubscribeHandshake creates the durable connection and subscription
// rows before any transport exists. The client follows up with
// GET /ws?connectionId= to bind a live websocket to the reserved id.
func (s *Server) handleSubscribeHandshake(c echo.Context) error {
	var req subscribeHandshakeRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if len(req.Channels) == 0 {
		return apperrors.ValidationError("channels is required")
	}

	meta := lifecycle.ConnMeta{
		DeviceID:  req.DeviceID,
		UserAgent: c.Request().UserAgent(),
		IPAddress: c.RealIP(),
	}
	if req.UserID != "" {
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			return apperrors.ValidationError("invalid userId")
		}
		meta.UserID = &userID
	}

	connectionID, subscribed, err := s.lifecycle.OpenDetached(c.Request().Context(), meta, req.Channels)
	if err != nil {
		return apperrors.ValidationError(err.Error())
	}

	return c.JSON(http.StatusOK, subscribeHandshakeResponse{
		ConnectionID:       connectionID,
		SubscribedChannels: subscribed,
	})
}
