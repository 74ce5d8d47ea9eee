// Package http provides the HTTP and WebSocket server.
package http

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/hub"
	"github.com/xiaot623/aiva/internal/metrics"
	"github.com/xiaot623/aiva/internal/service"
	v1 "github.com/xiaot623/aiva/internal/transport/http/v1"
)

// Server serves the REST API, the WebSocket channel and /metrics.
type Server struct {
	echo     *echo.Echo
	svc      *service.Service
	hub      *hub.Hub
	cfg      config.ServerConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	// turns tracks in-flight WebSocket turns so Shutdown can wait for them.
	turns sync.WaitGroup
}

// NewServer creates and configures the HTTP server.
func NewServer(svc *service.Service, h *hub.Hub, m *metrics.Metrics, cfg config.ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Debug("http request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowedOrigins}))
	}

	s := &Server{
		echo: e,
		svc:  svc,
		hub:  h,
		cfg:  cfg,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}

	// Handlers
	v1.NewHandler(svc, cfg.AdminToken).RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))
	e.GET("/ws", s.HandleWebSocket)

	return s
}

// Echo exposes the underlying router.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on addr. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and waits for running WebSocket turns.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
