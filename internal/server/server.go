package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/fixiplug/internal/config"
	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/introspect"
	"github.com/watzon/fixiplug/internal/realtime"
	"github.com/watzon/fixiplug/internal/state"
)

// Server exposes a hook engine over HTTP.
type Server struct {
	cfg         *config.Config
	engine      *hooks.Engine
	coordinator *state.Coordinator
	broker      *realtime.Broker
	catalog     *introspect.Catalog
	version     string
	httpServer  *http.Server
	router      *Router
}

type Option func(*Server)

// WithCoordinator serves /api/state from c.
func WithCoordinator(c *state.Coordinator) Option {
	return func(s *Server) {
		s.coordinator = c
	}
}

// WithBroker serves /api/realtime from b.
func WithBroker(b *realtime.Broker) Option {
	return func(s *Server) {
		s.broker = b
	}
}

// WithCatalog sets the catalog used by /api/capabilities.
func WithCatalog(c *introspect.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

func New(cfg *config.Config, engine *hooks.Engine, opts ...Option) *Server {
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		version: "dev",
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv
}

// Start serves until Shutdown is called. ctx becomes the base context of
// every request.
func (s *Server) Start(ctx context.Context) error {
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Msg("Starting server")

	s.httpServer.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	if s.broker != nil {
		s.broker.Stop()
		log.Info().Msg("Realtime broker stopped")
	}

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Engine() *hooks.Engine {
	return s.engine
}

func (s *Server) Config() *config.Config {
	return s.cfg
}
