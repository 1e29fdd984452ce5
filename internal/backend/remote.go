package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteBackend delegates generation to an external model runtime over HTTP.
// The runtime writes the artifact to a filesystem shared with the worker.
type RemoteBackend struct {
	name    ModelName
	baseURL string
	client  *http.Client
}

// NewRemoteBackend targets the runtime at baseURL. timeout bounds a whole
// generation call, so it should be generous (minutes).
func NewRemoteBackend(name ModelName, baseURL string, timeout time.Duration) *RemoteBackend {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &RemoteBackend{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (b *RemoteBackend) Name() ModelName { return b.name }

type runtimeHealth struct {
	Status string `json:"status"`
	Device string `json:"device"`
	Models map[string]struct {
		Name   string `json:"name"`
		Loaded bool   `json:"loaded"`
	} `json:"models"`
}

type runtimeGenerateRequest struct {
	Prompt            string  `json:"prompt"`
	Model             string  `json:"model"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	OutputPath        string  `json:"output_path"`
}

type runtimeGenerateResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path"`
	Error      string `json:"error"`
}

// Probe checks that the runtime reports this model as loaded.
func (b *RemoteBackend) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe runtime: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe runtime: status %d", resp.StatusCode)
	}
	var health runtimeHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode runtime health: %w", err)
	}
	if m, ok := health.Models[string(b.name)]; !ok || !m.Loaded {
		names := make([]string, 0, len(health.Models))
		for n, m := range health.Models {
			if m.Loaded {
				names = append(names, n)
			}
		}
		return NotAvailable(string(b.name), names)
	}
	return nil
}

// Generate posts the request and blocks until the runtime answers. The
// runtime offers no progress stream, so only a start checkpoint is reported.
func (b *RemoteBackend) Generate(ctx context.Context, r Request, progress ProgressFunc) (string, error) {
	if progress != nil {
		progress(0.1, "Starting generation...")
	}
	body, err := json.Marshal(runtimeGenerateRequest{
		Prompt:            r.Prompt,
		Model:             string(b.name),
		GuidanceScale:     r.GuidanceScale,
		NumInferenceSteps: r.Steps,
		OutputPath:        r.OutputPath,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("call runtime: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read runtime response: %w", err)
	}
	var out runtimeGenerateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("runtime status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if resp.StatusCode >= http.StatusBadRequest || out.Status == "error" {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("runtime status %d", resp.StatusCode)
		}
		return "", ClassifyRuntimeError(errors.New(msg))
	}
	if out.OutputPath == "" {
		return r.OutputPath, nil
	}
	return out.OutputPath, nil
}
