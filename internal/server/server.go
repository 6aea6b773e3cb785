package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openeats/realtime/internal/config"
	"github.com/openeats/realtime/internal/dispatch"
	"github.com/openeats/realtime/internal/domain"
	apperrors "github.com/openeats/realtime/internal/errors"
	"github.com/openeats/realtime/internal/lifecycle"
	appredis "github.com/openeats/realtime/internal/redis"
)

const sessionMaxAgeDays = 7

// Dependencies carries everything the HTTP layer needs. All fields are
// required except UnreadCache and PublishLimiter, which degrade gracefully
// when nil (tests, redis-less setups).
type Dependencies struct {
	Lifecycle      *lifecycle.Manager
	Dispatcher     *dispatch.Dispatcher
	Connections    domain.ConnectionRepository
	Subscriptions  domain.SubscriptionRepository
	Notifications  domain.NotificationRepository
	UnreadCache    *appredis.UnreadCache
	PublishLimiter *appredis.PublishRateLimiter
	DB             *pgxpool.Pool
	Redis          *goredis.Client
}

type Server struct {
	echo           *echo.Echo
	config         *config.Config
	lifecycle      *lifecycle.Manager
	dispatcher     *dispatch.Dispatcher
	conns          domain.ConnectionRepository
	subs           domain.SubscriptionRepository
	notifications  domain.NotificationRepository
	unreadCache    *appredis.UnreadCache
	publishLimiter *appredis.PublishRateLimiter
	db             *pgxpool.Pool
	redisClient    *goredis.Client
	sessionStore   *sessions.CookieStore
	limits         *ConnectionLimits
	startTime      time.Time
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * sessionMaxAgeDays,
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}

	srv := &Server{
		echo:           e,
		config:         cfg,
		lifecycle:      deps.Lifecycle,
		dispatcher:     deps.Dispatcher,
		conns:          deps.Connections,
		subs:           deps.Subscriptions,
		notifications:  deps.Notifications,
		unreadCache:    deps.UnreadCache,
		publishLimiter: deps.PublishLimiter,
		db:             deps.DB,
		redisClient:    deps.Redis,
		sessionStore:   sessionStore,
		limits:         NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst),
		startTime:      time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
