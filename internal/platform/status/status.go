// Package status serves the run's live progress over HTTP while a pipeline
// is in flight.
package status

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/view-runner/internal/pipeline"
)

// Server exposes /healthz and /progress for one pipeline run.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger

	mu       sync.RWMutex
	trackers map[string]*pipeline.Tracker
}

// NewServer creates the status server.
func NewServer(logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, logger: logger, trackers: make(map[string]*pipeline.Tracker)}
	e.GET("/healthz", s.health)
	e.GET("/progress", s.progress)
	return s
}

// Track registers a view's tracker so its counters appear under /progress.
func (s *Server) Track(viewName string, t *pipeline.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackers[viewName] = t
}

// Start serves on the given port until Shutdown.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	s.logger.Info().Str("addr", addr).Msg("status server listening")
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) progress(c echo.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]pipeline.Stats, len(s.trackers))
	for name, t := range s.trackers {
		out[name] = t.Snapshot()
	}
	return c.JSON(http.StatusOK, out)
}
