package record

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"genjutsu/internal/models"
)

// Client reads records from the status-of-record service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets baseURL; timeout bounds every call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Get returns the record for id. found is false when the service has no
// record; err is set when the service could not be asked.
func (c *Client) Get(ctx context.Context, id string) (models.Snapshot, bool, error) {
	if c.baseURL == "" {
		return models.Snapshot{}, false, fmt.Errorf("record service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/job/"+url.PathEscape(id), nil)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("read record: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.Snapshot{}, false, nil
	case resp.StatusCode != http.StatusOK:
		return models.Snapshot{}, false, fmt.Errorf("read record: status %d", resp.StatusCode)
	}
	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("decode record: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("invalid record: %w", err)
	}
	return snap, true, nil
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("record service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("record service status %d", resp.StatusCode)
	}
	return nil
}
