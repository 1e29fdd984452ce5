package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genjutsu/internal/logging"
	"genjutsu/internal/models"
)

var _ Repository = (*Store)(nil)
var _ Repository = (*MemoryRepository)(nil)

// Server is the status-of-record HTTP surface: workers and the API push
// snapshots in, clients read records and stream updates out.
type Server struct {
	repo      Repository
	hub       *Hub
	logger    zerolog.Logger
	keepAlive time.Duration
}

func NewServer(repo Repository, hub *Hub, logger zerolog.Logger) *Server {
	if hub == nil {
		hub = NewHub()
	}
	return &Server{repo: repo, hub: hub, logger: logger, keepAlive: 15 * time.Second}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/job/{id}/progress", s.handleProgress)
	r.Get("/job/{id}", s.handleGet)
	r.Get("/jobs", s.handleList)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var snap models.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if snap.ID == "" {
		snap.ID = id
	}
	if snap.ID != id {
		http.Error(w, "snapshot id does not match path", http.StatusBadRequest)
		return
	}
	if err := snap.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	merged, applied, err := s.repo.Apply(r.Context(), snap)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("persist snapshot")
		http.Error(w, "failed to persist snapshot", http.StatusInternalServerError)
		return
	}
	if applied {
		s.hub.Publish(merged)
	} else {
		s.logger.Debug().Str("job_id", id).Str("status", string(snap.Data.Status)).Msg("snapshot ignored; record is terminal")
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "status": merged.Data.Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, err := s.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.repo.List(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to list records", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.hub.Subscribe(64)
	defer unsubscribe()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case snap, ok := <-events:
			if !ok {
				return
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: job\ndata: %s\n\n", raw)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
