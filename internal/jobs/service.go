// Package jobs is the submission and query façade shared by the HTTP API:
// it validates requests, creates queue jobs and reconciles status between the
// status-of-record service and the queue's own record.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genjutsu/internal/backend"
	"genjutsu/internal/models"
	"genjutsu/internal/queue"
	"genjutsu/internal/telemetry"
)

var (
	ErrInvalidParameter = models.ErrInvalidParameter
	ErrNotFound         = queue.ErrNotFound
)

// RecordReader reads the status-of-record service.
type RecordReader interface {
	Get(ctx context.Context, id string) (models.Snapshot, bool, error)
	Ping(ctx context.Context) error
}

type Notifier interface {
	Notify(models.Snapshot)
}

// Service implements submit, status and cancel.
type Service struct {
	queue    *queue.RedisQueue
	records  RecordReader
	notifier Notifier
	bounds   models.Bounds
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService wires the façade. records may be nil, in which case status is
// always answered from the queue.
func NewService(q *queue.RedisQueue, records RecordReader, notifier Notifier, bounds models.Bounds, logger zerolog.Logger) *Service {
	return &Service{
		queue:    q,
		records:  records,
		notifier: notifier,
		bounds:   bounds,
		logger:   logger.With().Str("component", "jobs").Logger(),
		now:      time.Now,
	}
}

// Submit validates p and queues a new job. Queued jobs are not pushed to the
// status-of-record service; its first checkpoint comes from the executor.
// When live workers exist but none serves p.Model, the job is recorded and
// failed immediately so the caller can read the reason from its status. Jobs
// queued while no worker is live are failed by the workers' sweep if their
// model turns out to be unserved.
func (s *Service) Submit(ctx context.Context, p models.Params) (models.Snapshot, error) {
	if err := s.bounds.Validate(p); err != nil {
		return models.Snapshot{}, err
	}
	job := models.NewJob(uuid.NewString(), p, s.now())
	log := s.logger.With().Str("job_id", job.ID).Str("model", p.Model).Logger()

	active, err := s.queue.ActiveModels(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("list active models: %w", err)
	}
	if len(active) > 0 && !contains(active, p.Model) {
		if err := s.queue.Create(ctx, job); err != nil {
			return models.Snapshot{}, fmt.Errorf("create job: %w", err)
		}
		telemetry.JobsSubmitted.WithLabelValues(p.Model).Inc()
		failed, err := s.queue.Transition(ctx, job.ID, models.Transition{
			To:    models.StateFailed,
			Error: backend.NotAvailable(p.Model, active).Error(),
		})
		if err != nil {
			return models.Snapshot{}, fmt.Errorf("fail job: %w", err)
		}
		telemetry.JobsFinished.WithLabelValues(p.Model, string(failed.State)).Inc()
		log.Warn().Strs("available", active).Msg("model not available; job failed")
		s.notifier.Notify(failed.Snapshot())
		return failed.Snapshot(), nil
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return models.Snapshot{}, fmt.Errorf("enqueue job: %w", err)
	}
	telemetry.JobsSubmitted.WithLabelValues(p.Model).Inc()
	log.Info().Msg("job queued")
	return job.Snapshot(), nil
}

// Status answers from the status-of-record service when it has the job,
// unless the queue already holds a terminal state the record is missing.
// An unknown or unreachable record falls back to the queue's record.
func (s *Service) Status(ctx context.Context, id string) (models.Snapshot, error) {
	native, nerr := s.queue.Get(ctx, id)
	if nerr != nil && !errors.Is(nerr, queue.ErrNotFound) {
		s.logger.Warn().Err(nerr).Str("job_id", id).Msg("read queue record")
	}

	if s.records != nil {
		rec, found, rerr := s.records.Get(ctx, id)
		switch {
		case rerr != nil:
			s.logger.Debug().Err(rerr).Str("job_id", id).Msg("record service unavailable")
		case found && nerr == nil && native.State.Terminal() && !rec.Terminal():
			telemetry.RecordFallbacks.Inc()
			return native.Snapshot(), nil
		case found:
			return rec, nil
		}
	}

	if nerr != nil {
		return models.Snapshot{}, nerr
	}
	telemetry.RecordFallbacks.Inc()
	return native.Snapshot(), nil
}

// Cancel stops a QUEUED or RUNNING job. Cancelling a finished job is a no-op
// that returns its current status.
func (s *Service) Cancel(ctx context.Context, id string) (models.Snapshot, error) {
	job, applied, err := s.queue.Cancel(ctx, id)
	if err != nil && !applied {
		return models.Snapshot{}, err
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("cancel signal not published")
	}
	if applied {
		telemetry.JobsFinished.WithLabelValues(job.Params.Model, string(job.State)).Inc()
		s.logger.Info().Str("job_id", id).Msg("job cancelled")
		s.notifier.Notify(job.Snapshot())
	}
	return job.Snapshot(), nil
}

// Workers lists live workers.
func (s *Service) Workers(ctx context.Context) ([]queue.WorkerInfo, error) {
	return s.queue.Workers(ctx)
}

// QueueInfo summarizes queue occupancy.
func (s *Service) QueueInfo(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// Health is the dependency report behind GET /health.
type Health struct {
	Status  string `json:"status"`
	Redis   string `json:"redis"`
	Record  string `json:"record"`
	Workers int    `json:"workers"`
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Redis: "connected", Record: "connected"}
	if err := s.queue.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Redis = "disconnected: " + err.Error()
	} else if workers, err := s.queue.Workers(ctx); err == nil {
		h.Workers = len(workers)
	}
	switch {
	case s.records == nil:
		h.Record = "disabled"
	default:
		if err := s.records.Ping(ctx); err != nil {
			h.Record = "unreachable: " + err.Error()
		}
	}
	return h
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
