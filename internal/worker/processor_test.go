package worker

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjutsu/internal/artifact"
	"genjutsu/internal/backend"
	"genjutsu/internal/config"
	"genjutsu/internal/jobs"
	"genjutsu/internal/models"
	"genjutsu/internal/notify"
	"genjutsu/internal/queue"
	"genjutsu/internal/record"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(0, 0, 2); b != 0 {
		t.Fatalf("zero backoff expected, got %s", b)
	}
}

type fakeBackend struct {
	name  backend.ModelName
	gen   func(ctx context.Context, r backend.Request, progress backend.ProgressFunc) (string, error)
	calls atomic.Int32
}

func (f *fakeBackend) Name() backend.ModelName { return f.name }

func (f *fakeBackend) Generate(ctx context.Context, r backend.Request, progress backend.ProgressFunc) (string, error) {
	f.calls.Add(1)
	return f.gen(ctx, r, progress)
}

type captureNotifier struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (c *captureNotifier) Notify(s models.Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *captureNotifier) all() []models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Snapshot(nil), c.snaps...)
}

func (c *captureNotifier) terminal() []models.Snapshot {
	var out []models.Snapshot
	for _, s := range c.all() {
		if s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	cfg      config.Config
	q        *queue.RedisQueue
	store    *artifact.FileStore
	notifier *captureNotifier
	deps     Deps
}

func newHarness(t *testing.T, backends ...backend.GenerationBackend) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		Device:             "cpu",
		VisibilityTimeout:  time.Minute,
		WorkerPollInterval: 10 * time.Millisecond,
		BackoffInitial:     10 * time.Millisecond,
		BackoffMax:         50 * time.Millisecond,
		HeartbeatTTL:       30 * time.Second,
		PreviewSize:        32,
	}
	q := queue.New(client, queue.Options{VisibilityTimeout: cfg.VisibilityTimeout, HeartbeatTTL: cfg.HeartbeatTTL})
	store, err := artifact.NewFileStore(filepath.Join(t.TempDir(), "outputs"), 50)
	require.NoError(t, err)
	reg, err := backend.NewRegistry(backends...)
	require.NoError(t, err)

	h := &harness{cfg: cfg, q: q, store: store, notifier: &captureNotifier{}}
	h.deps = Deps{Queue: q, Registry: reg, Store: store, Notifier: h.notifier, Logger: zerolog.Nop()}
	return h
}

func (h *harness) submit(t *testing.T, id, model, prompt string) {
	t.Helper()
	job := models.NewJob(id, models.Params{Prompt: prompt, Model: model, GuidanceScale: 15, Steps: 16}, time.Now())
	require.NoError(t, h.q.Enqueue(context.Background(), job))
}

func (h *harness) lease(t *testing.T, model string) string {
	t.Helper()
	id, err := h.q.Dequeue(context.Background(), model)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func assertMonotonic(t *testing.T, snaps []models.Snapshot) {
	t.Helper()
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Data.Progress, snaps[i-1].Data.Progress, "snapshot %d", i)
	}
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, backend.NewProceduralBackend("procedural", backend.WithPointsPerStep(8)))
	h.submit(t, "j1", "procedural", "a red sphere")
	p := NewProcessor(h.cfg, "procedural", "w1", h.deps, nil)

	p.Process(context.Background(), h.lease(t, "procedural"))

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, job.State)
	assert.Equal(t, 1.0, job.Progress)
	assert.Equal(t, "w1", job.WorkerID)
	assert.True(t, strings.HasPrefix(job.Result, "outputs/procedural_a_red_sphere_"), job.Result)
	assert.False(t, filepath.IsAbs(job.Result))
	assert.True(t, strings.HasSuffix(job.Preview, ".png"))

	snaps := h.notifier.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, models.StatusGenerating, snaps[0].Data.Status)
	assert.Equal(t, 0.0, snaps[0].Data.Progress)
	require.NotNil(t, snaps[0].Data.Message)
	assert.Equal(t, "Initializing generation...", *snaps[0].Data.Message)
	assertMonotonic(t, snaps)

	terminal := h.notifier.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.StatusComplete, terminal[0].Data.Status)
	require.NotNil(t, terminal[0].Outputs)
	assert.Equal(t, job.Result, terminal[0].Outputs.PlyPath)

	abs, err := h.store.Resolve(job.Result)
	require.NoError(t, err)
	_, err = os.Stat(abs)
	assert.NoError(t, err)
}

func TestProcessDegenerateOutput(t *testing.T) {
	h := newHarness(t, backend.NewProceduralBackend("procedural"))
	h.submit(t, "j1", "procedural", "a flat sheet of paper")
	p := NewProcessor(h.cfg, "procedural", "w1", h.deps, nil)

	p.Process(context.Background(), h.lease(t, "procedural"))

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, DegenerateMessage, job.Error)
	assert.Empty(t, job.Result)

	terminal := h.notifier.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.StatusFailed, terminal[0].Data.Status)
	assert.Nil(t, terminal[0].Outputs)
}

func TestProcessRuntimeError(t *testing.T) {
	fb := &fakeBackend{name: "shap_e", gen: func(context.Context, backend.Request, backend.ProgressFunc) (string, error) {
		return "", errors.New("CUDA out of memory")
	}}
	h := newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	NewProcessor(h.cfg, "shap_e", "w1", h.deps, nil).Process(context.Background(), h.lease(t, "shap_e"))

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, "CUDA out of memory", job.Error)
}

func TestProcessMissingArtifact(t *testing.T) {
	fb := &fakeBackend{name: "shap_e", gen: func(_ context.Context, r backend.Request, _ backend.ProgressFunc) (string, error) {
		return r.OutputPath, nil
	}}
	h := newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	NewProcessor(h.cfg, "shap_e", "w1", h.deps, nil).Process(context.Background(), h.lease(t, "shap_e"))

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.True(t, strings.HasPrefix(job.Error, "output file not created: outputs/shap_e_a_chair_"), job.Error)
	assert.Empty(t, job.Result)
}

func TestProcessProgressNeverDecreases(t *testing.T) {
	fb := &fakeBackend{name: "shap_e", gen: func(_ context.Context, r backend.Request, progress backend.ProgressFunc) (string, error) {
		for _, f := range []float64{0.5, 0.3, 0.7, 1.4} {
			progress(f, "step")
		}
		return r.OutputPath, os.WriteFile(r.OutputPath, []byte("ply\nformat binary_little_endian 1.0\nend_header\n"), 0o644)
	}}
	h := newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	NewProcessor(h.cfg, "shap_e", "w1", h.deps, nil).Process(context.Background(), h.lease(t, "shap_e"))

	snaps := h.notifier.all()
	assertMonotonic(t, snaps)
	for _, s := range snaps {
		assert.LessOrEqual(t, s.Data.Progress, 1.0)
		assert.GreaterOrEqual(t, s.Data.Progress, 0.0)
	}
	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateSucceeded, job.State)
	assert.Empty(t, job.Preview)
}

func TestProcessCancelledBeforeClaim(t *testing.T) {
	fb := &fakeBackend{name: "shap_e", gen: func(context.Context, backend.Request, backend.ProgressFunc) (string, error) {
		return "", errors.New("should not run")
	}}
	h := newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	id := h.lease(t, "shap_e")
	_, applied, err := h.q.Cancel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, applied)

	NewProcessor(h.cfg, "shap_e", "w1", h.deps, nil).Process(context.Background(), id)

	assert.EqualValues(t, 0, fb.calls.Load())
	assert.Empty(t, h.notifier.all())
	job, err := h.q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, job.State)
}

func TestProcessCancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	fb := &fakeBackend{name: "shap_e", gen: func(ctx context.Context, _ backend.Request, progress backend.ProgressFunc) (string, error) {
		progress(0.2, "sampling")
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	cancels := NewCancels()
	p := NewProcessor(h.cfg, "shap_e", "w1", h.deps, cancels)

	done := make(chan struct{})
	go func() {
		p.Process(context.Background(), h.lease(t, "shap_e"))
		close(done)
	}()
	<-started
	assert.Equal(t, "j1", p.Current())

	_, applied, err := h.q.Cancel(context.Background(), "j1")
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, cancels.Cancel("j1"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop after cancel")
	}

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, job.State)
	assert.Empty(t, h.notifier.terminal())
	assert.Empty(t, p.Current())
}

func TestLateSuccessAfterCancelIsDiscarded(t *testing.T) {
	var h *harness
	fb := &fakeBackend{name: "shap_e", gen: func(_ context.Context, r backend.Request, _ backend.ProgressFunc) (string, error) {
		_, _, err := h.q.Cancel(context.Background(), r.JobID)
		if err != nil {
			return "", err
		}
		return r.OutputPath, os.WriteFile(r.OutputPath, []byte("ply\n"), 0o644)
	}}
	h = newHarness(t, fb)
	h.submit(t, "j1", "shap_e", "a chair")
	NewProcessor(h.cfg, "shap_e", "w1", h.deps, nil).Process(context.Background(), h.lease(t, "shap_e"))

	job, err := h.q.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, job.State)
	assert.Empty(t, job.Result)
	assert.Empty(t, h.notifier.terminal())
}

func TestPoolRunsJobsAndRoutesCancel(t *testing.T) {
	blocked := make(chan struct{}, 1)
	slow := &fakeBackend{name: "slow", gen: func(ctx context.Context, _ backend.Request, _ backend.ProgressFunc) (string, error) {
		blocked <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	h := newHarness(t, backend.NewProceduralBackend("procedural", backend.WithPointsPerStep(4)), slow)
	pool := NewPool(h.cfg, "w1", h.deps)
	require.Len(t, pool.Processors(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	h.submit(t, "fast", "procedural", "a blue cube")
	h.submit(t, "stuck", "slow", "anything")

	require.Eventually(t, func() bool {
		job, err := h.q.Get(context.Background(), "fast")
		return err == nil && job.State == models.StateSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	workers, err := h.q.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, []string{"procedural", "slow"}, workers[0].Models)

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("slow backend never started")
	}
	_, applied, err := h.q.Cancel(context.Background(), "stuck")
	require.NoError(t, err)
	require.True(t, applied)
	require.Eventually(t, func() bool {
		for _, p := range pool.Processors() {
			if p.Model() == "slow" {
				return p.Current() == ""
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	workers, err = h.q.Workers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestReapFailsJobsForUnservedModel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backend.NewProceduralBackend("procedural"))
	h.submit(t, "j-unknown", "does_not_exist", "a chair")
	pool := NewPool(h.cfg, "w1", h.deps)

	// no live worker yet: the job keeps waiting
	pool.reapOnce(ctx)
	job, err := h.q.Get(ctx, "j-unknown")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, job.State)

	require.NoError(t, pool.heartbeat(ctx))
	pool.reapOnce(ctx)

	job, err = h.q.Get(ctx, "j-unknown")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, job.State)
	assert.Equal(t, "Model 'does_not_exist' not available. Available models: [procedural]", job.Error)

	depth, err := h.q.ReadyDepth(ctx, "does_not_exist")
	require.NoError(t, err)
	assert.Zero(t, depth)
	st, err := h.q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.InFlight)

	terminal := h.notifier.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.StatusFailed, terminal[0].Data.Status)
}

func TestFailingStatusPushesDoNotAffectOutcome(t *testing.T) {
	ctx := context.Background()
	var pushes atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		pushes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer sink.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	gone.Close()

	h := newHarness(t, backend.NewProceduralBackend("procedural", backend.WithPointsPerStep(8)))
	n := notify.New(notify.Config{BaseURL: sink.URL, Timeout: time.Second, Lanes: 2, Buffer: 16}, zerolog.Nop())
	h.deps.Notifier = n
	h.submit(t, "j1", "procedural", "a blue cube")

	NewProcessor(h.cfg, "procedural", "w1", h.deps, nil).Process(ctx, h.lease(t, "procedural"))

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, n.Close(closeCtx))
	assert.Positive(t, pushes.Load())

	svc := jobs.NewService(h.q, record.NewClient(gone.URL, 200*time.Millisecond), n, models.DefaultBounds(), zerolog.Nop())
	snap, err := svc.Status(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, snap.Data.Status)
	assert.Equal(t, 1.0, snap.Data.Progress)
	require.NotNil(t, snap.Outputs)
	assert.True(t, strings.HasSuffix(snap.Outputs.PlyPath, ".ply"), snap.Outputs.PlyPath)
}
