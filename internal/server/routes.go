package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// WebSocket upgrade and the pre-transport subscribe handshake
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.POST("/api/subscribe", s.handleSubscribeHandshake)

	// Notification API (session required)
	s.echo.POST("/api/notifications/send", s.handleSendNotification, s.requireSession)
	s.echo.GET("/api/notifications", s.handleListNotifications, s.requireSession)
	s.echo.GET("/api/notifications/unread-count", s.handleUnreadCount, s.requireSession)
	s.echo.POST("/api/notifications/:id/read", s.handleMarkRead, s.requireSession)
	s.echo.POST("/api/notifications/:id/archive", s.handleArchive, s.requireSession)
	s.echo.DELETE("/api/notifications/:id", s.handleDeleteNotification, s.requireSession)

	// Administrative boundary
	s.echo.GET("/api/admin/connections", s.handleListConnections, s.requireSession, s.requireAdmin)
}
