package server

import (
	"net/http"

	"github.com/watzon/fixiplug/internal/metrics"
	"github.com/watzon/fixiplug/internal/server/handlers"
)

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	cfg := r.server.cfg

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(LoggingMiddleware(cfg.Metrics.Path))

	if cfg.Metrics.Enabled {
		r.Use(MetricsMiddleware(cfg.Metrics.Path))
	}

	if cfg.Server.CORS.Enabled {
		r.Use(CORSMiddleware(cfg.Server.CORS))
	}

	if cfg.Server.MaxBodySize > 0 {
		r.Use(MaxBodySizeMiddleware(cfg.Server.MaxBodySize))
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	srv := r.server
	h := handlers.New(srv.engine, handlers.Options{
		Coordinator: srv.coordinator,
		Broker:      srv.broker,
		Catalog:     srv.catalog,
		Version:     srv.version,
	})

	r.mux.HandleFunc("GET /health", r.wrap(h.HealthCheck))

	if srv.cfg.Metrics.Enabled {
		r.mux.Handle("GET "+srv.cfg.Metrics.Path, metrics.Handler())
	}

	r.mux.HandleFunc("POST /api/dispatch/{hook}", r.wrap(h.Dispatch))
	r.mux.HandleFunc("POST /api/emit/{hook}", r.wrap(h.Emit))

	r.mux.HandleFunc("GET /api/plugins", r.wrap(h.ListPlugins))
	r.mux.HandleFunc("POST /api/plugins/{name}/enable", r.wrap(h.EnablePlugin))
	r.mux.HandleFunc("POST /api/plugins/{name}/disable", r.wrap(h.DisablePlugin))
	r.mux.HandleFunc("DELETE /api/plugins/{name}", r.wrap(h.RemovePlugin))

	r.mux.HandleFunc("GET /api/capabilities", r.wrap(h.Capabilities))
	r.mux.HandleFunc("GET /api/state", r.wrap(h.CurrentState))
	r.mux.HandleFunc("GET /api/state/history", r.wrap(h.StateHistory))

	r.mux.HandleFunc("POST /rpc", r.wrap(h.RPC))

	if srv.broker != nil {
		rt := handlers.NewRealtimeHandler(srv.broker)
		r.mux.HandleFunc("GET /api/realtime", rt.HandleWebSocket)
	}
}

func (r *Router) wrap(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fn(w, req)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	handler.ServeHTTP(w, req)
}
