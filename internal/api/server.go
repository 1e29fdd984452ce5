package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genjutsu/internal/jobs"
	"genjutsu/internal/logging"
	"genjutsu/internal/models"
	"genjutsu/internal/queue"
	"genjutsu/internal/ratelimit"
	"genjutsu/internal/telemetry"
)

// JobService is the façade the handlers call.
type JobService interface {
	Submit(ctx context.Context, p models.Params) (models.Snapshot, error)
	Status(ctx context.Context, id string) (models.Snapshot, error)
	Cancel(ctx context.Context, id string) (models.Snapshot, error)
	Workers(ctx context.Context) ([]queue.WorkerInfo, error)
	QueueInfo(ctx context.Context) (queue.Stats, error)
	Health(ctx context.Context) jobs.Health
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	jobs      JobService
	limiter   *ratelimit.TokenBucket
	logger    zerolog.Logger
	outputDir string
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(svc JobService, limiter *ratelimit.TokenBucket, logger zerolog.Logger, outputDir string) *Server {
	return &Server{
		jobs:      svc,
		limiter:   limiter,
		logger:    logger,
		outputDir: outputDir,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/workers", s.handleWorkers)
	r.Get("/queue", s.handleQueue)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/generate", s.handleGenerate)
	r.Get("/status/{job_id}", s.handleStatus)
	r.Delete("/cancel/{job_id}", s.handleCancel)
	return r
}

type generateRequest struct {
	Prompt            string   `json:"prompt"`
	Model             *string  `json:"model"`
	GuidanceScale     *float64 `json:"guidance_scale"`
	NumInferenceSteps *int     `json:"num_inference_steps"`
}

func (req generateRequest) params() models.Params {
	p := models.Params{
		Prompt:        req.Prompt,
		Model:         models.DefaultModel,
		GuidanceScale: models.DefaultGuidanceScale,
		Steps:         models.DefaultSteps,
	}
	if req.Model != nil {
		p.Model = *req.Model
	}
	if req.GuidanceScale != nil {
		p.GuidanceScale = *req.GuidanceScale
	}
	if req.NumInferenceSteps != nil {
		p.Steps = *req.NumInferenceSteps
	}
	return p
}

type generateResponse struct {
	ID      string              `json:"id"`
	Status  models.ClientStatus `json:"status"`
	Message string              `json:"message"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "Genjutsu 3D Generation API", "version": "2.0"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), ratelimit.Key(r.Header.Get("X-Tenant-ID")))
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limit")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	p := req.params()
	snap, err := s.jobs.Submit(r.Context(), p)
	if errors.Is(err, jobs.ErrInvalidParameter) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("submit job")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	msg := fmt.Sprintf("Job submitted for model '%s'", p.Model)
	if snap.Data.Error != nil {
		msg = *snap.Data.Error
	}
	writeJSON(w, http.StatusCreated, generateResponse{ID: snap.ID, Status: snap.Data.Status, Message: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("read job status")
		writeError(w, http.StatusInternalServerError, "failed to read job status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	snap, err := s.jobs.Cancel(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("cancel job")
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": snap.Data.Status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.jobs.Health(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     h.Status,
		"redis":      h.Redis,
		"record":     h.Record,
		"workers":    h.Workers,
		"output_dir": s.outputDir,
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.jobs.Workers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	st, err := s.jobs.QueueInfo(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
