// Package api provides the HTTP server and handlers.
package api

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/printvault/printvault/internal/config"
	"github.com/printvault/printvault/internal/events"
	"github.com/printvault/printvault/internal/history"
	"github.com/printvault/printvault/internal/ingest"
	"github.com/printvault/printvault/internal/library"
	"github.com/printvault/printvault/internal/logging"
	"github.com/printvault/printvault/internal/metrics"
)

// Pool gzip writers to reduce allocations on the list endpoints.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Server is the HTTP server.
type Server struct {
	store    *library.Store
	pipeline *ingest.Pipeline
	settings *config.SettingsManager
	history  *history.Store

	broadcaster   *events.Broadcaster
	maxUploadSize int64
}

// NewServer creates a new server. The history store is optional.
func NewServer(
	store *library.Store,
	pipeline *ingest.Pipeline,
	settings *config.SettingsManager,
	historyStore *history.Store,
	broadcaster *events.Broadcaster,
	maxUploadSize int64,
) *Server {
	return &Server{
		store:         store,
		pipeline:      pipeline,
		settings:      settings,
		history:       historyStore,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Read endpoints
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("GET /api/sliced-files", s.handleSlicedFiles)
	mux.HandleFunc("GET /api/projects/{name}", s.handleProjectDetail)
	mux.HandleFunc("GET /api/projects/{name}/files/{file}/plates/{index}", s.handlePlateSTL)
	mux.HandleFunc("GET /api/projects/{name}/download", s.handleProjectZip)

	// Raw asset downloads
	mux.HandleFunc("GET /api/files/model/{path...}", s.handleModelFile)
	mux.HandleFunc("GET /api/files/sliced/{path...}", s.handleSlicedFile)

	// Write endpoints
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("DELETE /api/projects/{name}", s.handleDelete)
	mux.HandleFunc("POST /api/reindex", s.handleReindex)

	// Settings
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/settings", s.handleUpdateSettings)

	// Printer
	mux.HandleFunc("POST /api/queue", s.handleQueue)

	// SSE endpoint
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if snap := s.store.Load(); snap != nil {
		status["index_generation"] = snap.Generation
		status["projects"] = len(snap.Projects)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(code)
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		if err := json.NewEncoder(gw).Encode(v); err != nil {
			logging.Warn("encode response", logging.Err(err))
		}
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", logging.Err(err))
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}
