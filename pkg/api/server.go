// Package api wires the engine's external HTTP/WebSocket surface (spec.md
// §6): job submission, the StreamHub broadcaster/viewer sockets, the
// EventBus subscription socket, and a health endpoint.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/scribeframe/engine/pkg/events"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/processor"
	"github.com/scribeframe/engine/pkg/store"
	"github.com/scribeframe/engine/pkg/stream"
	"github.com/scribeframe/engine/pkg/submissions"
)

// SubmissionCreator is the narrow seam a real multipart-upload handler would
// call into; *submissions.Registry satisfies it directly. The engine's own
// POST /submissions handler accepts a declared path/mime/size only — actual
// multipart file upload handling is out of scope (spec.md §1).
type SubmissionCreator interface {
	Create(ctx context.Context, p submissions.CreateParams) (*models.Submission, error)
}

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	store     *store.Store
	jobs      *jobregistry.Registry
	subs      SubmissionCreator
	hub       *stream.Hub
	bus       *events.Bus
	processor *processor.Processor
}

// Config bundles Server construction parameters.
type Config struct {
	Store       *store.Store
	Jobs        *jobregistry.Registry
	Submissions SubmissionCreator
	Hub         *stream.Hub
	Bus         *events.Bus
	Processor   *processor.Processor
}

// NewServer constructs a Server with routes registered.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		jobs:      cfg.Jobs,
		subs:      cfg.Submissions,
		hub:       cfg.Hub,
		bus:       cfg.Bus,
		processor: cfg.Processor,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo = e
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/submissions", s.createSubmissionHandler)
	v1.GET("/jobs/events", s.jobEventsHandler)
	v1.GET("/stream/broadcast", s.streamBroadcastHandler)
	v1.GET("/stream/watch", s.streamWatchHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartWithListener starts the HTTP server on a pre-created listener,
// used by tests serving on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.store.Health(reqCtx)
	status := http.StatusOK
	resp := &HealthResponse{Status: "healthy", Database: dbHealth}
	if err != nil {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if s.processor != nil {
		resp.ProcessorState = s.processor.State().String()
	}
	if s.hub != nil {
		resp.StreamLive = s.hub.IsLive()
		resp.ViewerCount = s.hub.ViewerCount()
	}
	if s.jobs != nil {
		if qs, err := s.jobs.QueueStatus(reqCtx); err == nil {
			resp.Queue = &qs
		}
	}
	return c.JSON(status, resp)
}
