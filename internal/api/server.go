package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/softtalk/internal/config"
	"github.com/npezzotti/softtalk/internal/server"
	"github.com/npezzotti/softtalk/internal/store"
)

type Server struct {
	log            *slog.Logger
	store          store.Store
	cs             *server.ChatServer
	srv            *http.Server
	allowedOrigins []string
}

// NewServer mounts the chat endpoints on mux. The mux may already carry other
// routes, such as the stats handler.
func NewServer(logger *slog.Logger, mux *http.ServeMux, cs *server.ChatServer, st store.Store, cfg *config.Config) *Server {
	s := &Server{
		log:            logger,
		store:          st,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthz)
	if cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(compress(mux))

	h = securityHeaders(h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Info("api.start", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api.shutdown")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
