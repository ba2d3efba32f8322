// Package web exposes the connector API over HTTP.
package web

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/stefanogebara/twin-connector/authflow"
	"github.com/stefanogebara/twin-connector/models"
	"github.com/stefanogebara/twin-connector/scheduler"
	"github.com/stefanogebara/twin-connector/vault"
)

// Server wires the HTTP layer to the flow manager, scheduler and vault.
type Server struct {
	manager    *authflow.Manager
	providers  *authflow.Providers
	sched      *scheduler.Scheduler
	vault      *vault.Vault
	dispatcher authflow.Dispatcher
	logger     *zap.Logger
	appURL     string

	echo *echo.Echo
}

// Option configures the server.
type Option func(*Server)

// WithAppURL sets the frontend location the OAuth callback redirects back to.
func WithAppURL(u string) Option {
	return func(s *Server) {
		if u != "" {
			s.appURL = u
		}
	}
}

// New creates the HTTP server and registers all routes.
func New(manager *authflow.Manager, providers *authflow.Providers, sched *scheduler.Scheduler, v *vault.Vault, dispatcher authflow.Dispatcher, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		manager:    manager,
		providers:  providers,
		sched:      sched,
		vault:      v,
		dispatcher: dispatcher,
		logger:     logger,
		appURL:     "/",
		echo:       echo.New(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger())

	s.routes()

	return s
}

func (s *Server) routes() {
	s.echo.GET("/health", s.health)
	s.echo.GET("/providers", s.listProviders)

	s.echo.GET("/connect/:provider", s.connect)
	s.echo.GET("/oauth/callback", s.callback)

	s.echo.GET("/jobs/stats/:provider", s.jobStats)
	s.echo.GET("/jobs/:id", s.jobStatus)
	s.echo.POST("/jobs/pause/:provider", s.pauseProvider)
	s.echo.POST("/jobs/resume/:provider", s.resumeProvider)

	s.echo.POST("/connectors/:provider/sync", s.syncConnector)
	s.echo.DELETE("/connectors/:provider", s.disconnectConnector)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	})
}

// errorBody is the uniform error shape. Security-class failures stay vague on
// purpose; details go to the log, not the caller.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorBody{Error: msg})
}

func (s *Server) mapError(c echo.Context, err error) error {
	var rl *models.RateLimitedError

	switch {
	case errors.Is(err, models.ErrNotFound):
		return s.jsonError(c, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrStateInvalid):
		return s.jsonError(c, http.StatusBadRequest, "authorization state is invalid or expired")
	case errors.Is(err, models.ErrNeedsReauth), errors.Is(err, models.ErrTampered):
		return s.jsonError(c, http.StatusConflict, "connector requires re-authentication")
	case errors.Is(err, models.ErrQueueUnavailable):
		return s.jsonError(c, http.StatusServiceUnavailable, "temporarily unable to schedule work")
	case errors.As(err, &rl):
		// Retry-After is delta-seconds per RFC 9110, rounded up so clients
		// never come back early.
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		return s.jsonError(c, http.StatusTooManyRequests, "provider rate limit hit")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return s.jsonError(c, http.StatusBadGateway, "upstream provider error")
	}
}
