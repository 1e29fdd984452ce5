package worker

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"genjutsu/internal/backend"
	"genjutsu/internal/config"
	"genjutsu/internal/queue"
	"genjutsu/internal/telemetry"
)

// Pool runs one Processor per loaded backend plus the process-wide loops:
// cancel signal routing, registry heartbeats and lease reaping.
type Pool struct {
	cfg        config.Config
	workerID   string
	hostname   string
	deps       Deps
	cancels    *Cancels
	processors []*Processor
	startedAt  time.Time
}

func NewPool(cfg config.Config, workerID string, deps Deps) *Pool {
	hostname, _ := os.Hostname()
	p := &Pool{
		cfg:       cfg,
		workerID:  workerID,
		hostname:  hostname,
		deps:      deps,
		cancels:   NewCancels(),
		startedAt: time.Now().UTC(),
	}
	for _, name := range deps.Registry.Names() {
		p.processors = append(p.processors, NewProcessor(cfg, name, workerID, deps, p.cancels))
	}
	return p
}

// Processors exposes the per-model processors.
func (p *Pool) Processors() []*Processor { return p.processors }

// Run blocks until ctx is cancelled or a loop fails.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.heartbeat(ctx); err != nil {
		p.deps.Logger.Warn().Err(err).Msg("initial heartbeat failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.heartbeatLoop(gctx) })
	g.Go(func() error { return p.cancelLoop(gctx) })
	g.Go(func() error { return p.reapLoop(gctx) })
	for _, proc := range p.processors {
		proc := proc
		g.Go(func() error { return proc.Run(gctx) })
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if derr := p.deps.Queue.Deregister(shutdownCtx, p.workerID); derr != nil {
		p.deps.Logger.Warn().Err(derr).Msg("deregister worker")
	}
	return err
}

// Info is the registry entry this process advertises.
func (p *Pool) Info() queue.WorkerInfo {
	active := map[string]string{}
	for _, proc := range p.processors {
		if id := proc.Current(); id != "" {
			active[proc.Model()] = id
		}
	}
	return queue.WorkerInfo{
		ID:         p.workerID,
		Hostname:   p.hostname,
		Device:     p.cfg.Device,
		Models:     p.deps.Registry.Names(),
		ActiveJobs: active,
		StartedAt:  p.startedAt,
	}
}

func (p *Pool) heartbeat(ctx context.Context) error {
	return p.deps.Queue.Heartbeat(ctx, p.Info())
}

func (p *Pool) heartbeatLoop(ctx context.Context) error {
	interval := p.cfg.HeartbeatTTL / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.heartbeat(ctx); err != nil && ctx.Err() == nil {
				p.deps.Logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// cancelLoop routes cancel signals to local generations, resubscribing with
// backoff when the subscription drops.
func (p *Pool) cancelLoop(ctx context.Context) error {
	failures := 0
	for ctx.Err() == nil {
		ids, err := p.deps.Queue.SubscribeCancel(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, failures)
			p.deps.Logger.Warn().Err(err).Dur("retry_in", wait).Msg("cancel subscription failed")
			sleepCtx(ctx, wait)
			continue
		}
		failures = 0
		for id := range ids {
			if p.cancels.Cancel(id) {
				p.deps.Logger.Info().Str("job_id", id).Msg("cancel signal delivered to running generation")
			}
		}
	}
	return nil
}

func (p *Pool) reapLoop(ctx context.Context) error {
	interval := p.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}

func (p *Pool) reapOnce(ctx context.Context) {
	failed, err := p.deps.Queue.ReapExpired(ctx, 100)
	if err != nil && ctx.Err() == nil {
		p.deps.Logger.Warn().Err(err).Msg("reap expired leases")
	}
	for _, job := range failed {
		telemetry.LeasesReaped.Inc()
		telemetry.JobsFinished.WithLabelValues(job.Params.Model, string(job.State)).Inc()
		p.deps.Notifier.Notify(job.Snapshot())
		p.deps.Logger.Warn().Str("job_id", job.ID).Str("worker_id", job.WorkerID).Msg("lease expired; job failed")
	}

	unserved, err := p.deps.Queue.FailUnserved(ctx, 100, unavailableReason)
	if err != nil && ctx.Err() == nil {
		p.deps.Logger.Warn().Err(err).Msg("fail unserved jobs")
	}
	for _, job := range unserved {
		telemetry.JobsFinished.WithLabelValues(job.Params.Model, string(job.State)).Inc()
		p.deps.Notifier.Notify(job.Snapshot())
		p.deps.Logger.Warn().Str("job_id", job.ID).Str("model", job.Params.Model).Msg("no live worker serves model; job failed")
	}
	if st, err := p.deps.Queue.Stats(ctx); err == nil {
		for model, n := range st.Ready {
			telemetry.QueueDepthGauge.WithLabelValues(model).Set(float64(n))
		}
	}
}

func unavailableReason(model string, active []string) string {
	return backend.NotAvailable(model, active).Error()
}
