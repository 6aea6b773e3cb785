package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/openeats/realtime/internal/lifecycle"
	"github.com/openeats/realtime/internal/metrics"
	"github.com/openeats/realtime/internal/registry"
)

const maxInboundFrameBytes = 32 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser and app clients connect from arbitrary origins
	},
}

type inboundFrame struct {
	Type     string   `json:"type"`
	UserID   string   `json:"userId,omitempty"`
	DeviceID string   `json:"deviceId,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

type outboundFrame struct {
	Type               string    `json:"type"`
	ConnectionID       uuid.UUID `json:"connectionId,omitempty"`
	SubscribedChannels []string  `json:"subscribedChannels,omitempty"`
	Message            string    `json:"message,omitempty"`
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.WSConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		slog.Warn("WebSocket upgrade rejected", "ip", ip, "reason", reason)
		if reason == LimitReasonRate {
			return c.String(http.StatusTooManyRequests, "connection rate exceeded")
		}
		return c.String(http.StatusServiceUnavailable, "connection limit reached")
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrading websocket: %w", err)
	}

	ctx := c.Request().Context()
	meta := lifecycle.ConnMeta{
		DeviceID:  c.QueryParam("deviceId"),
		UserAgent: c.Request().UserAgent(),
		IPAddress: ip,
	}

	var (
		connectionID uuid.UUID
		handle       *registry.Handle
	)
	if raw := c.QueryParam("connectionId"); raw != "" {
		// Resume a pre-transport handshake connection.
		connectionID, err = uuid.Parse(raw)
		if err != nil {
			conn.Close()
			return nil
		}
		handle, err = s.lifecycle.Attach(ctx, connectionID, conn)
	} else {
		connectionID, handle, err = s.lifecycle.Open(ctx, conn, meta)
	}
	if err != nil {
		slog.Error("Failed to open connection", "ip", ip, "error", err)
		conn.Close()
		return nil
	}

	sendFrame(handle, outboundFrame{Type: "connected", ConnectionID: connectionID})

	s.readLoop(conn, connectionID, handle)

	// The request context dies with the transport; disconnect bookkeeping
	// must still run.
	s.lifecycle.Close(context.WithoutCancel(ctx), connectionID)
	return nil
}

// readLoop consumes inbound frames until the connection drops.
func (s *Server) readLoop(conn *websocket.Conn, connectionID uuid.UUID, handle *registry.Handle) {
	conn.SetReadLimit(maxInboundFrameBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			sendFrame(handle, outboundFrame{Type: "error", Message: "malformed frame"})
			continue
		}
		metrics.WSEventsTotal.WithLabelValues(eventLabel(frame.Type)).Inc()

		ctx := context.Background()
		switch frame.Type {
		case "authenticate":
			userID, err := uuid.Parse(frame.UserID)
			if err != nil {
				sendFrame(handle, outboundFrame{Type: "error", Message: "authenticate requires a valid userId"})
				continue
			}
			if err := s.lifecycle.Authenticate(ctx, connectionID, userID, frame.DeviceID); err != nil {
				sendFrame(handle, outboundFrame{Type: "error", Message: "authentication failed"})
				continue
			}
			sendFrame(handle, outboundFrame{Type: "authenticated", ConnectionID: connectionID})

		case "subscribe":
			channels, err := s.lifecycle.Subscribe(ctx, connectionID, frame.Channels)
			if err != nil {
				sendFrame(handle, outboundFrame{Type: "error", Message: "subscribe failed"})
				continue
			}
			sendFrame(handle, outboundFrame{Type: "subscribed", ConnectionID: connectionID, SubscribedChannels: channels})

		case "unsubscribe":
			channels, err := s.lifecycle.Unsubscribe(ctx, connectionID, frame.Channels)
			if err != nil {
				sendFrame(handle, outboundFrame{Type: "error", Message: "unsubscribe failed"})
				continue
			}
			sendFrame(handle, outboundFrame{Type: "unsubscribed", ConnectionID: connectionID, SubscribedChannels: channels})

		case "ping":
			sendFrame(handle, outboundFrame{Type: "pong"})

		default:
			sendFrame(handle, outboundFrame{Type: "error", Message: fmt.Sprintf("unknown frame type %q", frame.Type)})
		}
	}
}

// eventLabel bounds the metric label set; frame.Type is client input.
func eventLabel(frameType string) string {
	switch frameType {
	case "authenticate", "subscribe", "unsubscribe", "ping":
		return frameType
	default:
		return "unknown"
	}
}

func sendFrame(handle *registry.Handle, frame outboundFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal outbound frame", "type", frame.Type, "error", err)
		return
	}
	handle.Send(data)
}
