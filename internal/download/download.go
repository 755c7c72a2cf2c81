// Package download serves archived original images over HTTP.
//
// The MCP response only ever inlines the compressed rendition; when an
// archive directory is configured, callers can fetch the untouched
// provider output from this server instead. The same listener exposes
// health and Prometheus metrics endpoints.
package download

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sietchtabr/openai-image-mcp/internal/metrics"
)

// Server is the HTTP download server.
type Server struct {
	dir    string
	logger zerolog.Logger
	router chi.Router
	srv    *http.Server
}

// New builds a server that serves files from dir on addr.
func New(addr, dir string, logger zerolog.Logger) *Server {
	s := &Server{
		dir:    dir,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/images/{filename}", s.handleDownload)

	s.router = r
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Str("dir", s.dir).Msg("download server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	// Only bare filenames are served; anything path-like is refused.
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.dir, filename)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, path)
}
