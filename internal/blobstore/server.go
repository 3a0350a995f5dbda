package blobstore

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler serves stored blobs at GET /blobs/{path} so the URLs handed out by
// URL resolve.
func (s *Store) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}).Methods(http.MethodGet)
	r.HandleFunc("/blobs/{path:.+}", s.serveBlob).Methods(http.MethodGet, http.MethodHead)
	return r
}

func (s *Store) serveBlob(w http.ResponseWriter, r *http.Request) {
	p := mux.Vars(r)["path"]
	rc, err := s.Open(r.Context(), p)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, ErrInvalidPath):
			http.Error(w, "bad path", http.StatusBadRequest)
		default:
			s.log.Error("serve blob", zap.String("path", p), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Cache-Control", "public, max-age=3600")
	if ct, err := s.ContentType(p); err != nil {
		s.log.Warn("read content type", zap.String("path", p), zap.Error(err))
	} else if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	// Open returns *os.File, which ServeContent needs for range requests
	seeker, ok := rc.(io.ReadSeeker)
	if !ok {
		_, _ = io.Copy(w, rc)
		return
	}
	http.ServeContent(w, r, p, time.Time{}, seeker)
}
