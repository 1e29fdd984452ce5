package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genjutsu/internal/artifact"
	"genjutsu/internal/backend"
	"genjutsu/internal/config"
	"genjutsu/internal/models"
	"genjutsu/internal/queue"
	"genjutsu/internal/telemetry"
)

// DegenerateMessage replaces the runtime's text when a generation produced
// flat or degenerate geometry.
const DegenerateMessage = "Generated mesh is flat/invalid. Try:\n" +
	"  • More specific prompt (add details about shape/structure)\n" +
	"  • Higher guidance scale (try 20-25)\n" +
	"  • Different prompt entirely"

const (
	claimMessage    = "Initializing generation..."
	completeMessage = "Generation complete!"
	shutdownError   = "generation interrupted: worker shutting down"
	previewExt      = ".png"
)

var (
	ErrArtifactMissing = errors.New("output file not created")
	errCancelledByUser = errors.New("cancelled by user")
)

// Notifier receives every recorded snapshot.
type Notifier interface {
	Notify(models.Snapshot)
}

// Deps are the collaborators shared by every processor of a worker process.
type Deps struct {
	Queue    *queue.RedisQueue
	Registry *backend.Registry
	Store    *artifact.FileStore
	Mirror   artifact.Mirror
	Notifier Notifier
	Logger   zerolog.Logger
}

// Processor drives one backend: it leases jobs for its model one at a time,
// runs them and records the outcome.
type Processor struct {
	cfg      config.Config
	model    string
	workerID string
	deps     Deps
	cancels  *Cancels
	logger   zerolog.Logger

	mu      sync.Mutex
	current string
}

func NewProcessor(cfg config.Config, model, workerID string, deps Deps, cancels *Cancels) *Processor {
	if cancels == nil {
		cancels = NewCancels()
	}
	return &Processor{
		cfg:      cfg,
		model:    model,
		workerID: workerID,
		deps:     deps,
		cancels:  cancels,
		logger:   deps.Logger.With().Str("model", model).Logger(),
	}
}

// Model is the model name whose ready list this processor drains.
func (p *Processor) Model() string { return p.model }

// Current returns the id of the job being generated, if any.
func (p *Processor) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Processor) setCurrent(id string) {
	p.mu.Lock()
	p.current = id
	p.mu.Unlock()
}

// Run starts the processing loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Msg("processor started")
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		jobID, err := p.deps.Queue.Dequeue(ctx, p.model)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("dequeue failed")
			sleepCtx(ctx, wait)
			continue
		}
		failures = 0
		if jobID == "" {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.Process(ctx, jobID)
	}
}

// Process runs one leased job to a terminal state.
func (p *Processor) Process(ctx context.Context, jobID string) {
	log := p.logger.With().Str("job_id", jobID).Logger()
	final := context.WithoutCancel(ctx)

	job, err := p.deps.Queue.Transition(ctx, jobID, models.Transition{
		To:       models.StateRunning,
		Message:  claimMessage,
		WorkerID: p.workerID,
	})
	switch {
	case errors.Is(err, models.ErrTerminal), errors.Is(err, models.ErrInvalidTransition), errors.Is(err, queue.ErrNotFound):
		log.Debug().Err(err).Msg("skipping job that can no longer run")
		_ = p.deps.Queue.Ack(final, jobID)
		return
	case err != nil:
		// The lease stays; the reaper requeues the job if we never claim it.
		log.Error().Err(err).Msg("claim failed")
		return
	}
	p.deps.Notifier.Notify(job.Snapshot())

	p.setCurrent(jobID)
	defer p.setCurrent("")
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	b, err := p.deps.Registry.Get(job.Params.Model)
	if err != nil {
		p.finish(final, log, job, models.Transition{To: models.StateFailed, Error: err.Error()})
		return
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	p.cancels.register(jobID, cancel)
	defer func() {
		p.cancels.unregister(jobID)
		cancel(nil)
	}()
	go p.keepLease(jobCtx, jobID)

	outPath := p.deps.Store.Reserve(job.Params.Model, job.Params.Prompt, "ply")
	log.Info().
		Str("prompt", job.Params.Prompt).
		Float64("guidance_scale", job.Params.GuidanceScale).
		Int("steps", job.Params.Steps).
		Str("output", outPath).
		Msg("generation started")

	progress := func(fraction float64, message string) {
		updated, err := p.deps.Queue.Progress(ctx, jobID, fraction, message)
		if err != nil {
			log.Debug().Err(err).Float64("progress", fraction).Msg("progress not recorded")
			return
		}
		p.deps.Notifier.Notify(updated.Snapshot())
	}

	start := time.Now()
	path, genErr := b.Generate(jobCtx, backend.Request{
		JobID:         jobID,
		Prompt:        job.Params.Prompt,
		GuidanceScale: job.Params.GuidanceScale,
		Steps:         job.Params.Steps,
		OutputPath:    outPath,
	}, progress)
	telemetry.GenerationTime.WithLabelValues(job.Params.Model).Observe(time.Since(start).Seconds())

	switch {
	case genErr == nil:
		p.succeed(final, log, job, path)
	case errors.Is(context.Cause(jobCtx), errCancelledByUser):
		log.Info().Msg("generation stopped after cancel")
		_ = p.deps.Queue.Ack(final, jobID)
	case ctx.Err() != nil:
		p.finish(final, log, job, models.Transition{To: models.StateFailed, Error: shutdownError})
	case errors.Is(genErr, backend.ErrDegenerateOutput):
		log.Warn().Err(genErr).Msg("degenerate output")
		p.finish(final, log, job, models.Transition{To: models.StateFailed, Error: DegenerateMessage})
	default:
		log.Error().Err(genErr).Msg("generation failed")
		p.finish(final, log, job, models.Transition{To: models.StateFailed, Error: genErr.Error()})
	}
}

func (p *Processor) succeed(ctx context.Context, log zerolog.Logger, job models.Job, path string) {
	if path == "" || !p.deps.Store.Exists(path) {
		p.finish(ctx, log, job, models.Transition{
			To:    models.StateFailed,
			Error: fmt.Sprintf("%s: %s", ErrArtifactMissing, p.displayRef(path)),
		})
		return
	}
	ref, err := p.deps.Store.Ref(path)
	if err != nil {
		p.finish(ctx, log, job, models.Transition{To: models.StateFailed, Error: err.Error()})
		return
	}

	previewRef := ""
	previewPath := strings.TrimSuffix(path, filepath.Ext(path)) + previewExt
	if p.cfg.PreviewSize > 0 {
		switch err := artifact.RenderPreview(path, previewPath, p.cfg.PreviewSize); {
		case err == nil:
			previewRef, _ = p.deps.Store.Ref(previewPath)
		case errors.Is(err, artifact.ErrUnsupportedPLY):
			log.Debug().Err(err).Msg("preview skipped")
		default:
			log.Warn().Err(err).Msg("preview failed")
		}
	}

	done := p.finish(ctx, log, job, models.Transition{
		To:      models.StateSucceeded,
		Message: completeMessage,
		Result:  ref,
		Preview: previewRef,
	})
	if done && p.deps.Mirror != nil {
		p.mirror(ctx, log, ref, path)
		if previewRef != "" {
			p.mirror(ctx, log, previewRef, previewPath)
		}
	}
}

func (p *Processor) mirror(ctx context.Context, log zerolog.Logger, ref, path string) {
	loc, err := p.deps.Mirror.Upload(ctx, ref, path)
	if err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("artifact mirror failed")
		return
	}
	log.Debug().Str("ref", ref).Str("location", loc).Msg("artifact mirrored")
}

// finish writes the terminal state through the queue guard. Only the writer
// that wins the transition notifies; it reports whether this call won.
func (p *Processor) finish(ctx context.Context, log zerolog.Logger, job models.Job, t models.Transition) bool {
	defer func() { _ = p.deps.Queue.Ack(ctx, job.ID) }()
	done, err := p.deps.Queue.Transition(ctx, job.ID, t)
	if errors.Is(err, models.ErrTerminal) {
		log.Info().Str("outcome", string(t.To)).Msg("job already terminal; outcome discarded")
		return false
	}
	if err != nil {
		log.Error().Err(err).Str("outcome", string(t.To)).Msg("record terminal state")
		return false
	}
	telemetry.JobsFinished.WithLabelValues(job.Params.Model, string(done.State)).Inc()
	p.deps.Notifier.Notify(done.Snapshot())
	log.Info().Str("state", string(done.State)).Str("result", done.Result).Msg("job finished")
	return true
}

func (p *Processor) keepLease(ctx context.Context, jobID string) {
	interval := p.cfg.VisibilityTimeout / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.deps.Queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				p.logger.Warn().Err(err).Str("job_id", jobID).Msg("extend lease failed")
			}
		}
	}
}

func (p *Processor) displayRef(path string) string {
	if path == "" {
		return "(no path returned)"
	}
	if ref, err := p.deps.Store.Ref(path); err == nil {
		return ref
	}
	return path
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
