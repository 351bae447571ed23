// Package rpc exposes the bridge to browsers: a WebSocket endpoint speaking
// JSON-RPC 2.0, health probes, and optional static file serving for the UI.
package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/acp-client/bridge/internal/broker"
	"github.com/acp-client/bridge/internal/registry"
	"github.com/acp-client/bridge/internal/session"
	"github.com/acp-client/bridge/internal/store"
)

// Options configures a Server.
type Options struct {
	Core      *session.Core
	Broker    *broker.Broker
	Registry  *registry.Registry
	Store     store.Store
	Logger    *slog.Logger
	StaticDir string
}

// Server is the HTTP surface of the bridge.
type Server struct {
	core   *session.Core
	broker *broker.Broker
	reg    *registry.Registry
	store  store.Store
	logger *slog.Logger

	mux *chi.Mux
}

func NewServer(opts Options) *Server {
	srv := &Server{
		core:   opts.Core,
		broker: opts.Broker,
		reg:    opts.Registry,
		store:  opts.Store,
		logger: opts.Logger.With("component", "rpc"),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/ws", srv.handleWS)

	// Serve UI static files if configured.
	if opts.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(opts.StaticDir))
		mux.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Try serving the file, fall back to index.html for SPA routing.
			path := r.URL.Path
			if path != "/" && !strings.Contains(path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		}))
	}

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
