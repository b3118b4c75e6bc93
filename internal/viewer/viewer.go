// Package viewer serves a read-only HTTP view of a running queue: its statistics, the
// dataset, the event log, filed results and metadata.
package viewer

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/internal/storage"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

// Backend is the read side of a queue. *queue.Queue satisfies it.
type Backend interface {
	ID() string
	Stats() types.QueueStats
	OpenCount(exact bool) int
	Query(req queue.Request) (any, error)
	MetadataKeys() []string
	Metadata(key string) (any, bool)
	DriftResults(startingAt int64) ([]types.DriftEntry, error)
}

// Server is the viewer HTTP server.
type Server struct {
	backend Backend
	metrics http.Handler // nil when metrics are served elsewhere
}

// NewServer creates a viewer over backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "queue": s.backend.ID()})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/open", s.handleOpen)
		r.Get("/frames/{index}", s.handleFrame)
		r.Get("/frames/{index}/raw", s.handleFrameRaw)
		r.Get("/metadata", s.handleMetadataList)
		r.Get("/metadata/{key}", s.handleMetadata)
		r.Get("/drift", s.handleDrift)
		r.Get("/data/{field}", s.handleData)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	exact := r.URL.Query().Get("exact") == "true"
	writeJSON(w, http.StatusOK, map[string]int{"open": s.backend.OpenCount(exact)})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	idx, ok := intParam(w, chi.URLParam(r, "index"))
	if !ok {
		return
	}
	s.query(w, queue.ImageDataRequest{Index: idx})
}

func (s *Server) handleFrameRaw(w http.ResponseWriter, r *http.Request) {
	idx, ok := intParam(w, chi.URLParam(r, "index"))
	if !ok {
		return
	}
	v, err := s.backend.Query(queue.ImageDataRequest{Index: idx})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(types.EncodeFrame(v.(types.Frame)))
}

func (s *Server) handleMetadataList(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, k := range s.backend.MetadataKeys() {
		if v, ok := s.backend.Metadata(k); ok {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.query(w, queue.MetadataRequest{Key: chi.URLParam(r, "key")})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	from, ok := intParam(w, r.URL.Query().Get("from"))
	if !ok {
		return
	}
	rows, err := s.backend.DriftResults(from)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleData answers the generic inspection request: /api/data/{field}?index=&from=&key=
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	field, err := queue.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	params := r.URL.Query()
	var req queue.Request
	switch field {
	case queue.FieldImageShape:
		req = queue.ImageShapeRequest{}
	case queue.FieldImageData:
		idx, ok := intParam(w, params.Get("index"))
		if !ok {
			return
		}
		req = queue.ImageDataRequest{Index: idx}
	case queue.FieldNumSlices:
		req = queue.NumSlicesRequest{}
	case queue.FieldEvents:
		req = queue.EventsRequest{}
	case queue.FieldFitResults:
		from, ok := intParam(w, params.Get("from"))
		if !ok {
			return
		}
		req = queue.FitResultsRequest{StartingAt: from}
	case queue.FieldPSF:
		req = queue.PSFRequest{}
	case queue.FieldMetadata:
		req = queue.MetadataRequest{Key: params.Get("key")}
	}
	s.query(w, req)
}

func (s *Server) query(w http.ResponseWriter, req queue.Request) {
	v, err := s.backend.Query(req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if b, ok := v.([]byte); ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// intParam parses a non-negative integer parameter; an empty value is 0.
func intParam(w http.ResponseWriter, s string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid index "+strconv.Quote(s))
		return 0, false
	}
	return n, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNoSuchFrame),
		errors.Is(err, queue.ErrNoSuchKey),
		errors.Is(err, queue.ErrNoPSF),
		errors.Is(err, queue.ErrUnknownField),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
