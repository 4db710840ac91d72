// Package server exposes the tunnel service over HTTP: the management API,
// the websocket attach endpoint, and the public ingress edge.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/routetunnel/internal/store"
	"github.com/routetunnel/internal/tunnel"
)

// Server wires the registry, the token store, and the HTTP surface together.
type Server struct {
	cfg      *Config
	registry *tunnel.Registry
	store    *store.Store
	auth     *authenticator
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a configured server.
func New(cfg *Config, registry *tunnel.Registry, st *store.Store) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		auth:     newAuthenticator(cfg.SecretKey),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/tunnels", s.auth.require(s.handleCreateTunnel))
	mux.HandleFunc("GET /api/tunnels", s.auth.require(s.handleListTunnels))
	mux.HandleFunc("GET /api/tunnels/public", s.handleListPublicTunnels)
	mux.HandleFunc("DELETE /api/tunnels/{route}", s.auth.require(s.handleDeleteTunnel))
	mux.HandleFunc("GET /api/tunnels/ws/tunnel", s.handleTunnelWS)
	mux.HandleFunc("/r/{route}", s.handleIngress)
	mux.HandleFunc("/r/{route}/{rest...}", s.handleIngress)
	s.mux = mux
	return s
}

// Handler returns the server's root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP listener and the registry's ping ticker, blocking
// until ctx is cancelled, then shuts both down.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.mux,
	}

	go s.registry.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.cfg.Addr())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}
