package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/utsushi/internal/embedding"
	"github.com/hyperjump/utsushi/internal/gallery"
	"github.com/hyperjump/utsushi/internal/indexer"
	"github.com/hyperjump/utsushi/internal/models"
	"github.com/hyperjump/utsushi/internal/search"
	"github.com/hyperjump/utsushi/internal/storage"
)

const defaultGalleryLimit = 100

func (s *Server) handleSearchUpload(w http.ResponseWriter, r *http.Request) {
	engine, err := s.rt.Engine()
	if err != nil {
		s.fail(w, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	k, ok := s.parseK(w, r.FormValue("k"), engine.DefaultK())
	if !ok {
		return
	}
	s.logger.Debug("search upload request", zap.String("filename", header.Filename), zap.Int("k", k))
	resp, err := engine.SearchReader(r.Context(), file, k)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchPath(w http.ResponseWriter, r *http.Request) {
	engine, err := s.rt.Engine()
	if err != nil {
		s.fail(w, err)
		return
	}
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	k, _, err := query.ResolveK(engine.DefaultK(), 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.rt.Gallery()
	if err != nil {
		s.fail(w, err)
		return
	}
	path, err := g.Resolve(query.Path)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Debug("search path request", zap.String("path", path), zap.Int("k", k))
	resp, err := engine.SearchFile(r.Context(), path, k)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	g, err := s.rt.Gallery()
	if err != nil {
		s.fail(w, err)
		return
	}
	limit := defaultGalleryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	q := r.URL.Query().Get("q")
	images, err := g.Find(q, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"root":   g.Root(),
		"query":  q,
		"images": images,
		"total":  len(images),
	})
}

// handleImage serves an image from the gallery or the indexed source folder so
// clients can show query images and hits. Other paths are rejected.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	cfg := s.rt.Config()
	if !indexer.ExtensionAllowed(filepath.Ext(abs), cfg.Index.Extensions) {
		s.respondError(w, http.StatusBadRequest, "not an image")
		return
	}
	if !gallery.Within(cfg.Gallery.Folder, abs) && !gallery.Within(cfg.Index.SourceFolder, abs) {
		s.respondError(w, http.StatusForbidden, "path is outside the served folders")
		return
	}
	http.ServeFile(w, r, abs)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.rt.Status(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseK reads k from a form value, falling back to def when empty.
func (s *Server) parseK(w http.ResponseWriter, v string, def int) (int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, true
	}
	k, err := strconv.Atoi(v)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "k must be an integer")
		return 0, false
	}
	return k, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrCollectionNotFound):
		return http.StatusServiceUnavailable
	case errors.Is(err, embedding.ErrImageNotFound):
		return http.StatusNotFound
	case errors.Is(err, embedding.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, gallery.ErrOutside),
		errors.Is(err, gallery.ErrNotFound):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
