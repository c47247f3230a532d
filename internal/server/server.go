// Package server provides the HTTP API for utsushi.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/app"
	"github.com/hyperjump/utsushi/internal/config"
	"github.com/hyperjump/utsushi/pkg/utils"
)

// maxUploadBytes bounds a query image upload.
const maxUploadBytes = 32 << 20

// Server is the HTTP server for the utsushi API.
type Server struct {
	rt     *app.Runtime
	config *config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server answering queries with the components of rt.
func NewServer(rt *app.Runtime, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		rt:     rt,
		config: cfg,
		logger: utils.LoggerOrNop(logger),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/search", s.handleSearchUpload)
		r.Post("/search/path", s.handleSearchPath)
		r.Get("/gallery", s.handleGallery)
		r.Get("/image", s.handleImage)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
