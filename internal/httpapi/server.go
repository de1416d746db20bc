// Package httpapi serves the control API used by the render host and
// operators, together with the Prometheus metrics endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/lightfield/internal/catalog"
	"github.com/tphakala/lightfield/internal/errors"
	"github.com/tphakala/lightfield/internal/framebuffer"
	"github.com/tphakala/lightfield/internal/logger"
	"github.com/tphakala/lightfield/internal/manager"
	"github.com/tphakala/lightfield/internal/recorder"
)

const (
	defaultBodyLimit       = "64K"
	defaultShutdownTimeout = 10 * time.Second
)

// StreamController is the part of the stream manager the API drives.
type StreamController interface {
	Streams() []manager.Info
	AddStream(spec manager.StreamSpec) (string, error)
	RemoveStream(id string) error
	ReadMask(id string) (*framebuffer.Mask, error)
	StartRecording() (*recorder.Session, error)
	StopRecording() (*recorder.Manifest, error)
	Recording() manager.RecordingStatus
}

// SessionLister lists catalogued sessions.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]catalog.Session, error)
}

// Config configures the HTTP server.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the control API.
type Server struct {
	echo      *echo.Echo
	config    Config
	streams   StreamController
	sessions  SessionLister
	metrics   http.Handler
	log       logger.Logger
	startTime time.Time
	errCh     chan error
}

// Option configures optional dependencies.
type Option func(*Server)

// WithSessions enables GET /api/v1/sessions.
func WithSessions(s SessionLister) Option {
	return func(srv *Server) {
		srv.sessions = s
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) {
		srv.metrics = h
	}
}

// New builds the server and registers its routes.
func New(cfg Config, streams StreamController, opts ...Option) (*Server, error) {
	if streams == nil {
		return nil, errors.Newf("stream controller is required").
			Component("httpapi").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		config:    cfg,
		streams:   streams,
		log:       GetLogger(),
		startTime: time.Now(),
		errCh:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.log))
	s.echo.Use(echomw.BodyLimit(defaultBodyLimit))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	g := s.echo.Group("/api/v1")
	g.GET("/streams", s.listStreams)
	g.POST("/streams", s.addStream)
	g.DELETE("/streams/:id", s.removeStream)
	g.GET("/streams/:id/mask.png", s.streamMask)

	g.GET("/recording", s.recordingStatus)
	g.POST("/recording/start", s.startRecording)
	g.POST("/recording/stop", s.stopRecording)

	g.GET("/sessions", s.listSessions)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start serves in a background goroutine and returns immediately. A listen
// failure is reported by Err.
func (s *Server) Start() {
	go func() {
		s.log.Info("starting HTTP server", logger.String("address", s.config.Listen))
		if err := s.echo.Start(s.config.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", logger.Error(err))
			s.errCh <- errors.New(err).
				Component("httpapi").
				Category(errors.CategoryNetwork).
				Context("address", s.config.Listen).
				Build()
		}
		close(s.errCh)
	}()
}

// Err delivers the listen error, if any, and is closed when the server stops.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return errors.New(err).
			Component("httpapi").
			Category(errors.CategoryTimeout).
			Build()
	}
	s.log.Info("HTTP server stopped")
	return nil
}
