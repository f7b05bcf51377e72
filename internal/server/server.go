// Package server exposes transfer progress, the event stream and process
// metrics over HTTP.
package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/jobs"
	"github.com/rileyhilliard/fleet/internal/logger"
	"github.com/rileyhilliard/fleet/internal/store"
	"github.com/rileyhilliard/fleet/internal/telemetry"
	"github.com/rileyhilliard/fleet/internal/transfer"
	"github.com/rileyhilliard/fleet/internal/validate"
)

// Deps are the services the HTTP surface reads from and submits to.
type Deps struct {
	Store     *store.Store
	Tracker   *transfer.Tracker
	// Runner executes transfers started over HTTP. Without one, starting
	// transfers is refused.
	Runner    *jobs.Runner
	Hub       *events.Hub
	Metrics   *telemetry.Metrics
	Log       logger.Logger
	RateLimit float64 // /api requests per second per client; 0 disables
}

// Server is the fleet HTTP API.
type Server struct {
	echo *echo.Echo
	deps Deps
	log  logger.Logger
	now  func() time.Time
}

// New builds the server and registers its routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := deps.Log
	if log == nil {
		log = logger.Noop()
	}
	s := &Server{echo: e, deps: deps, log: log, now: time.Now}
	e.HTTPErrorHandler = s.errorHandler
	e.Validator = requestValidator{}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURIPath: true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("%d %s %s (%s)", v.Status, v.Method, v.URIPath, v.Latency)
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	api := s.echo.Group("/api")
	if s.deps.RateLimit > 0 {
		burst := int(s.deps.RateLimit)
		if burst < 1 {
			burst = 1
		}
		api.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(s.deps.RateLimit), Burst: burst},
		)))
	}
	api.GET("/hosts", s.listHosts)
	api.GET("/transfers", s.listTransfers)
	api.POST("/transfers", s.startTransfer)
	api.GET("/transfers/id/:id", s.getTransferByID)
	api.GET("/transfers/:key", s.getTransfer)
	api.POST("/transfers/:key/cancel", s.cancelTransfer)
	api.POST("/events/test", s.testEvent)

	if s.deps.Hub != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.deps.Hub))
	}
	if s.deps.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}
}

// ServeHTTP lets the server be mounted or exercised with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening on %s", addr)
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second
	err := s.echo.Start(addr)
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestValidator checks request bodies against their validate tags.
type requestValidator struct{}

func (requestValidator) Validate(i interface{}) error {
	return validate.Struct("Request", i)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
