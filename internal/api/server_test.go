package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genjutsu/internal/jobs"
	"genjutsu/internal/models"
	"genjutsu/internal/queue"
	"genjutsu/internal/ratelimit"
)

type nopNotifier struct{}

func (nopNotifier) Notify(models.Snapshot) {}

type testAPI struct {
	srv *httptest.Server
	q   *queue.RedisQueue
}

func newTestAPI(t *testing.T, capacity int) *testAPI {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.New(client, queue.Options{})
	require.NoError(t, q.Heartbeat(context.Background(), queue.WorkerInfo{ID: "w1", Models: []string{"shap_e"}}))

	var limiter *ratelimit.TokenBucket
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, capacity, 0.001, time.Minute)
	}
	svc := jobs.NewService(q, nil, nopNotifier{}, models.DefaultBounds(), zerolog.Nop())
	srv := httptest.NewServer(New(svc, limiter, zerolog.Nop(), "./outputs").Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, q: q}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestGenerateAndStatus(t *testing.T) {
	a := newTestAPI(t, 0)

	resp, out := a.do(t, http.MethodPost, "/generate", `{"prompt":"a red wooden chair"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "QUEUED", out["status"])
	assert.Equal(t, "Job submitted for model 'shap_e'", out["message"])
	id, _ := out["id"].(string)
	require.NotEmpty(t, id)

	job, err := a.q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 15.0, job.Params.GuidanceScale)
	assert.Equal(t, 64, job.Params.Steps)

	resp, out = a.do(t, http.MethodGet, "/status/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, out["id"])
	data, ok := out["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "QUEUED", data["status"])
	assert.Equal(t, 0.0, data["progress"])
	assert.Equal(t, "Job is queued", data["message"])
	assert.Nil(t, out["outputs"])
}

func TestGenerateValidation(t *testing.T) {
	a := newTestAPI(t, 0)

	for _, body := range []string{
		`{"prompt":""}`,
		`{"prompt":"chair","guidance_scale":0.5}`,
		`{"prompt":"chair","guidance_scale":-1}`,
		`{"prompt":"chair","num_inference_steps":0}`,
		`{"prompt":"chair","num_inference_steps":4}`,
		`{"prompt":"chair","num_inference_steps":1000}`,
		`not json`,
	} {
		resp, out := a.do(t, http.MethodPost, "/generate", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.NotEmpty(t, out["detail"], body)
	}

	st, err := a.q.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Ready)
}

func TestGenerateUnknownModel(t *testing.T) {
	a := newTestAPI(t, 0)
	resp, out := a.do(t, http.MethodPost, "/generate", `{"prompt":"chair","model":"does_not_exist"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "FAILED", out["status"])
	assert.Contains(t, out["message"], "Model 'does_not_exist' not available. Available models: [shap_e]")

	resp, out = a.do(t, http.MethodGet, "/status/"+out["id"].(string), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := out["data"].(map[string]any)
	assert.Equal(t, "FAILED", data["status"])
	assert.Contains(t, data["error"], "not available")
}

func TestStatusNotFound(t *testing.T) {
	a := newTestAPI(t, 0)
	resp, out := a.do(t, http.MethodGet, "/status/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Job not found", out["detail"])

	resp, _ = a.do(t, http.MethodDelete, "/cancel/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	a := newTestAPI(t, 0)
	_, out := a.do(t, http.MethodPost, "/generate", `{"prompt":"chair"}`)
	id := out["id"].(string)

	resp, out := a.do(t, http.MethodDelete, "/cancel/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, out["job_id"])
	assert.Equal(t, "CANCELLED", out["status"])

	resp, out = a.do(t, http.MethodDelete, "/cancel/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", out["status"])

	_, out = a.do(t, http.MethodGet, "/status/"+id, "")
	assert.Equal(t, "CANCELLED", out["data"].(map[string]any)["status"])
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, 1)
	resp, _ := a.do(t, http.MethodPost, "/generate", `{"prompt":"chair"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, out := a.do(t, http.MethodPost, "/generate", `{"prompt":"chair"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limited", out["detail"])
}

func TestOperationalEndpoints(t *testing.T) {
	a := newTestAPI(t, 0)
	_, _ = a.do(t, http.MethodPost, "/generate", `{"prompt":"chair"}`)

	resp, out := a.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, "connected", out["redis"])
	assert.Equal(t, 1.0, out["workers"])

	resp, out = a.do(t, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["workers"], 1)

	resp, out = a.do(t, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1.0, out["ready"].(map[string]any)["shap_e"])

	resp, _ = a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
