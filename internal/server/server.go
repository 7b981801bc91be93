// File: internal/server/server.go
// Description: Control-plane daemon. Owns the trace store, the single-slot
// session registry and the progress hub, and turns run_task requests into
// running sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
	"github.com/xkilldash9x/retrace-cli/internal/screen"
	"github.com/xkilldash9x/retrace-cli/internal/session"
	"github.com/xkilldash9x/retrace-cli/internal/trace"
)

// ScreenFactory creates the screen backend a new session binds to. The
// returned interface may also implement io.Closer-style cleanup via the
// optional Close method.
type ScreenFactory func(ctx context.Context) (screen.Interface, error)

// GrounderFactory builds a grounding client for a session, after per-request
// overrides (server_url) are applied to the base configuration.
type GrounderFactory func(cfg config.GroundingConfig) (grounding.Client, error)

// Server hosts the control plane.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	traces   *trace.Store
	registry *session.Registry
	hub      *Hub

	newScreen   ScreenFactory
	newGrounder GrounderFactory

	httpServer *http.Server
}

// New wires a server from its collaborators. Factories default to the real
// CDP screen and the configured grounding provider when nil.
func New(cfg *config.Config, logger *zap.Logger, newScreen ScreenFactory, newGrounder GrounderFactory) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger.Named("server"),
		traces:      trace.NewStore(cfg.Trace.Dir, logger),
		registry:    session.NewRegistry(),
		hub:         NewHub(logger),
		newScreen:   newScreen,
		newGrounder: newGrounder,
	}
	if s.newScreen == nil {
		s.newScreen = func(ctx context.Context) (screen.Interface, error) {
			return screen.NewCDPScreen(ctx, cfg.Screen, logger)
		}
	}
	if s.newGrounder == nil {
		s.newGrounder = func(gcfg config.GroundingConfig) (grounding.Client, error) {
			return grounding.NewClient(gcfg, logger)
		}
	}
	return s
}

// Registry exposes the session slot, mainly for the stop path and tests.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Router assembles the chi router for the control plane.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The websocket route stays outside the timeout middleware; the feed is
	// long-lived by design.
	r.Get("/ws/progress", s.hub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
		NewHandlers(s.logger, s).RegisterRoutes(r)
	})

	return r
}

// StartSession validates the request, loads the trace, claims the session
// slot and launches the loop. Trace integrity problems surface synchronously;
// the loop's outcome is observed through status polls and the progress feed.
func (s *Server) StartSession(ctx context.Context, req *schemas.RunTaskRequest) (*session.Session, error) {
	// Cheap busy check before any resources are spun up. The registry's
	// Acquire below is the authoritative one.
	if active := s.registry.Active(); active != nil && !active.Status().Terminal() {
		return nil, session.ErrSessionBusy
	}

	tr, err := s.traces.Load(req.TraceID)
	if err != nil {
		return nil, err
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.cfg.Session.DefaultMaxSteps
	}

	gcfg := s.cfg.Grounding
	if req.ServerURL != "" {
		gcfg.Endpoint = req.ServerURL
	}
	grounder, err := s.newGrounder(gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build grounding client: %w", err)
	}

	// The screen is bound for the session's lifetime and released when the
	// loop exits.
	scr, err := s.newScreen(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to bind screen: %w", err)
	}

	sess := session.New(session.Params{
		Task:           req.Task,
		Trace:          tr,
		SelectedScreen: req.SelectedScreen,
		MaxSteps:       maxSteps,
		ServerEndpoint: gcfg.Endpoint,
		Config:         s.cfg.Session,
		Screen:         scr,
		Grounder:       grounder,
		Logger:         s.logger,
		Events:         s.hub.Broadcast,
	})

	if err := s.registry.Acquire(sess); err != nil {
		releaseScreen(scr)
		return nil, err
	}
	if err := sess.Start(context.Background()); err != nil {
		releaseScreen(scr)
		return nil, err
	}
	go func() {
		<-sess.Done()
		releaseScreen(scr)
	}()

	return sess, nil
}

func releaseScreen(scr screen.Interface) {
	if closer, ok := scr.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Start runs the HTTP listener until ctx is cancelled, then shuts down
// gracefully, stopping any running session first.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Router(),
	}

	s.logger.Info("Control plane starting", zap.String("address", s.cfg.Server.ListenAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		s.logger.Info("Shutting down gracefully...")
		s.registry.StopActive()
		if active := s.registry.Active(); active != nil {
			select {
			case <-active.Done():
			case <-time.After(30 * time.Second):
				s.logger.Warn("Session did not stop within the shutdown grace period")
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.logger.Info("Control plane stopped.")
	return err
}
