package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjutsu/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := New(client, Options{VisibilityTimeout: time.Minute, Retention: time.Hour, HeartbeatTTL: 30 * time.Second})
	return q, mr
}

func testJob(id, model string) models.Job {
	return models.NewJob(id, models.Params{Prompt: "a red chair", Model: model, GuidanceScale: 15, Steps: 64},
		time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
}

func TestEnqueueDequeueClaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, testJob("j1", "shap_e")))
	require.NoError(t, q.Enqueue(ctx, testJob("j2", "shap_e")))

	depth, err := q.ReadyDepth(ctx, "shap_e")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	id, err := q.Dequeue(ctx, "shap_e")
	require.NoError(t, err)
	assert.Equal(t, "j1", id)

	id, err = q.Dequeue(ctx, "point_e")
	require.NoError(t, err)
	assert.Empty(t, id)

	job, err := q.Transition(ctx, "j1", models.Transition{To: models.StateRunning, WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, job.State)
	assert.Equal(t, "w1", job.WorkerID)

	stored, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.State, stored.State)
	assert.Equal(t, "a red chair", stored.Params.Prompt)
	assert.Equal(t, 15.0, stored.Params.GuidanceScale)
	assert.Equal(t, 64, stored.Params.Steps)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Ready["shap_e"])
	assert.EqualValues(t, 1, st.InFlight)
}

func TestGetNotFound(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = q.Transition(context.Background(), "missing", models.Transition{To: models.StateRunning})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestProgressMonotonicAndTerminalGuard(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, testJob("j1", "shap_e")))
	_, err := q.Dequeue(ctx, "shap_e")
	require.NoError(t, err)
	_, err = q.Transition(ctx, "j1", models.Transition{To: models.StateRunning})
	require.NoError(t, err)

	job, err := q.Progress(ctx, "j1", 0.5, "Sampling")
	require.NoError(t, err)
	assert.Equal(t, 0.5, job.Progress)

	job, err = q.Progress(ctx, "j1", 0.3, "late checkpoint")
	require.NoError(t, err)
	assert.Equal(t, 0.5, job.Progress)

	job, err = q.Progress(ctx, "j1", 7, "")
	require.NoError(t, err)
	assert.Equal(t, 1.0, job.Progress)

	done, err := q.Transition(ctx, "j1", models.Transition{To: models.StateSucceeded, Result: "outputs/x.ply"})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	_, err = q.Transition(ctx, "j1", models.Transition{To: models.StateFailed, Error: "late"})
	assert.True(t, errors.Is(err, models.ErrTerminal))
	_, err = q.Progress(ctx, "j1", 1, "")
	assert.True(t, errors.Is(err, models.ErrNotRunning))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.InFlight)
	assert.Greater(t, mr.TTL(q.jobKey("j1")), time.Duration(0))
}

func TestCancelQueuedRemovesFromReadyList(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, testJob("j1", "shap_e")))

	job, applied, err := q.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StateCancelled, job.State)

	id, err := q.Dequeue(ctx, "shap_e")
	require.NoError(t, err)
	assert.Empty(t, id)

	again, applied, err := q.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, models.StateCancelled, again.State)
}

func TestCancelRunningRejectsLateSuccess(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, testJob("j1", "shap_e")))
	_, _ = q.Dequeue(ctx, "shap_e")
	_, err := q.Transition(ctx, "j1", models.Transition{To: models.StateRunning})
	require.NoError(t, err)

	sub, err := q.SubscribeCancel(ctx)
	require.NoError(t, err)

	_, applied, err := q.Cancel(ctx, "j1")
	require.NoError(t, err)
	require.True(t, applied)

	select {
	case id := <-sub:
		assert.Equal(t, "j1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel signal not delivered")
	}

	_, err = q.Transition(ctx, "j1", models.Transition{To: models.StateSucceeded, Result: "outputs/x.ply"})
	assert.True(t, errors.Is(err, models.ErrTerminal))
	job, err := q.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, job.State)
	assert.Empty(t, job.Result)
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Enqueue(ctx, testJob("running", "shap_e")))
	require.NoError(t, q.Enqueue(ctx, testJob("popped", "shap_e")))
	id, _ := q.Dequeue(ctx, "shap_e")
	require.Equal(t, "running", id)
	_, err := q.Transition(ctx, "running", models.Transition{To: models.StateRunning})
	require.NoError(t, err)
	id, _ = q.Dequeue(ctx, "shap_e")
	require.Equal(t, "popped", id)

	reaped, err := q.ReapExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, reaped)

	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	reaped, err = q.ReapExpired(ctx, 100)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "running", reaped[0].ID)
	assert.Equal(t, models.StateFailed, reaped[0].State)
	assert.Contains(t, reaped[0].Error, "worker lost")

	id, err = q.Dequeue(ctx, "shap_e")
	require.NoError(t, err)
	assert.Equal(t, "popped", id)

	popped, err := q.Get(ctx, "popped")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, popped.State)
}

func TestExtendLeaseKeepsJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Enqueue(ctx, testJob("j1", "shap_e")))
	_, _ = q.Dequeue(ctx, "shap_e")
	_, err := q.Transition(ctx, "j1", models.Transition{To: models.StateRunning})
	require.NoError(t, err)

	q.now = func() time.Time { return base.Add(50 * time.Second) }
	require.NoError(t, q.ExtendLease(ctx, "j1", time.Minute))

	q.now = func() time.Time { return base.Add(90 * time.Second) }
	reaped, err := q.ReapExpired(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestWorkerRegistry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	require.NoError(t, q.Heartbeat(ctx, WorkerInfo{ID: "w2", Models: []string{"shap_e"}}))
	require.NoError(t, q.Heartbeat(ctx, WorkerInfo{ID: "w1", Models: []string{"procedural", "shap_e"}}))

	workers, err := q.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].ID)

	active, err := q.ActiveModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"procedural", "shap_e"}, active)

	q.now = func() time.Time { return base.Add(time.Minute) }
	workers, err = q.Workers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	require.NoError(t, q.Heartbeat(ctx, WorkerInfo{ID: "w1", Models: []string{"procedural"}}))
	require.NoError(t, q.Deregister(ctx, "w1"))
	workers, err = q.Workers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestEnqueueRejectsNonQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	job := testJob("j1", "shap_e")
	job.State = models.StateRunning
	assert.Error(t, q.Enqueue(context.Background(), job))
}
