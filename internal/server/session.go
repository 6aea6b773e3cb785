package server

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/openeats/realtime/internal/domain"
	apperrors "github.com/openeats/realtime/internal/errors"
)

const (
	sessionName      = "openeats_session"
	sessionKeyUserID = "userId"
	sessionKeyRole   = "role"
	senderContextKey = "sender"
)

// requireSession resolves the caller's identity from the session cookie and
// stores a domain.Sender in the request context.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			return apperrors.ForbiddenError("invalid session")
		}

		userIDStr, ok := session.Values[sessionKeyUserID].(string)
		if !ok {
			return apperrors.ForbiddenError("not authenticated")
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			return apperrors.ForbiddenError("not authenticated")
		}

		roleStr, ok := session.Values[sessionKeyRole].(string)
		if !ok {
			return apperrors.ForbiddenError("not authenticated")
		}

		c.Set(senderContextKey, domain.Sender{ID: userID, Role: domain.Role(roleStr)})
		return next(c)
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		sender := senderFrom(c)
		if sender.Role != domain.RoleAdmin {
			return apperrors.ForbiddenError("admin role required")
		}
		return next(c)
	}
}

func senderFrom(c echo.Context) domain.Sender {
	sender, _ := c.Get(senderContextKey).(domain.Sender)
	return sender
}
