package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"genjutsu/internal/models"
	"genjutsu/internal/telemetry"
)

// Config controls delivery to the status-of-record service.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Lanes   int
	Buffer  int
	Client  *http.Client
}

// Notifier pushes job snapshots to {BaseURL}/job/{id}/progress. A job always
// hashes to the same lane and each lane is drained by a single goroutine, so
// snapshots of one job are delivered in the order they were submitted. Pushes
// are fire-and-forget: failures are logged and counted, never retried.
type Notifier struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	lanes  []chan models.Snapshot
	wg     sync.WaitGroup
}

// New starts the lane goroutines. An empty BaseURL yields a disabled notifier
// whose Notify is a no-op.
func New(cfg Config, logger zerolog.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	n := &Notifier{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
	if n.baseURL == "" {
		n.logger.Info().Msg("callback base url not set; status pushes disabled")
		return n
	}
	n.lanes = make([]chan models.Snapshot, cfg.Lanes)
	for i := range n.lanes {
		ch := make(chan models.Snapshot, cfg.Buffer)
		n.lanes[i] = ch
		n.wg.Add(1)
		go n.drain(ch)
	}
	return n
}

// Enabled reports whether pushes are delivered anywhere.
func (n *Notifier) Enabled() bool { return n.baseURL != "" }

// Notify queues a snapshot for delivery. When the job's lane is full it
// waits at most the push timeout and then drops the snapshot.
func (n *Notifier) Notify(s models.Snapshot) {
	if !n.Enabled() {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	ch := n.lanes[xxhash.Sum64String(s.ID)%uint64(len(n.lanes))]
	select {
	case ch <- s:
		return
	default:
	}
	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	select {
	case ch <- s:
	case <-timer.C:
		telemetry.NotifyDropped.Inc()
		n.logger.Warn().Str("job_id", s.ID).Str("status", string(s.Data.Status)).Msg("notify lane full; snapshot dropped")
	}
}

// Close stops accepting snapshots and waits for queued ones to be pushed.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	for _, ch := range n.lanes {
		close(ch)
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) drain(ch <-chan models.Snapshot) {
	defer n.wg.Done()
	for s := range ch {
		if err := n.push(s); err != nil {
			telemetry.NotifyFailures.Inc()
			n.logger.Warn().Err(err).Str("job_id", s.ID).Str("status", string(s.Data.Status)).Msg("status push failed")
		}
	}
}

func (n *Notifier) push(s models.Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/job/%s/progress", n.baseURL, url.PathEscape(s.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("record service returned status %d", resp.StatusCode)
	}
	return nil
}
