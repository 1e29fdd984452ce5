package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"genjutsu/internal/models"
)

// WorkerInfo is the liveness record a worker process publishes.
type WorkerInfo struct {
	ID         string            `json:"id"`
	Hostname   string            `json:"hostname,omitempty"`
	Device     string            `json:"device,omitempty"`
	Models     []string          `json:"models"`
	ActiveJobs map[string]string `json:"active_jobs,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	LastSeen   time.Time         `json:"last_seen"`
}

// Stats summarizes queue occupancy.
type Stats struct {
	Ready    map[string]int64 `json:"ready"`
	InFlight int64            `json:"in_flight"`
}

func (q *RedisQueue) workerKey(id string) string {
	return "queue:worker:" + id
}

// Heartbeat refreshes a worker's registry entry. Entries expire after the
// heartbeat TTL unless refreshed.
func (q *RedisQueue) Heartbeat(ctx context.Context, info WorkerInfo) error {
	if info.ID == "" {
		return fmt.Errorf("heartbeat: worker id is required")
	}
	now := q.now().UTC()
	info.LastSeen = now
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal worker info: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.workerKey(info.ID), raw, q.heartbeatTTL)
	pipe.ZAdd(ctx, q.workersKey, redis.Z{Score: float64(now.UnixMilli()), Member: info.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Deregister removes a worker on clean shutdown.
func (q *RedisQueue) Deregister(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.workerKey(id))
	pipe.ZRem(ctx, q.workersKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Workers lists live workers ordered by id.
func (q *RedisQueue) Workers(ctx context.Context) ([]WorkerInfo, error) {
	cutoff := q.now().Add(-q.heartbeatTTL).UnixMilli()
	if err := q.client.ZRemRangeByScore(ctx, q.workersKey, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	ids, err := q.client.ZRange(ctx, q.workersKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []WorkerInfo{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.workerKey(id)
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]WorkerInfo, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var info WorkerInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveModels is the sorted union of models served by live workers.
func (q *RedisQueue) ActiveModels(ctx context.Context) ([]string, error) {
	workers, err := q.Workers(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, w := range workers {
		for _, m := range w.Models {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Stats reports ready depth per known model and the number of leased jobs.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Ready: map[string]int64{}}
	names, err := q.client.SMembers(ctx, q.modelsKey).Result()
	if err != nil {
		return st, err
	}
	for _, m := range names {
		n, err := q.ReadyDepth(ctx, m)
		if err != nil {
			return st, err
		}
		st.Ready[m] = n
	}
	if st.InFlight, err = q.client.ZCard(ctx, q.inflightKey).Result(); err != nil {
		return st, err
	}
	return st, nil
}

// FailUnserved fails up to limit waiting jobs per model that no live worker
// serves, using reason(model, active) as the error text. With no live worker
// at all it does nothing, so jobs submitted during a cold start wait for the
// first heartbeat.
func (q *RedisQueue) FailUnserved(ctx context.Context, limit int, reason func(model string, active []string) string) ([]models.Job, error) {
	active, err := q.ActiveModels(ctx)
	if err != nil || len(active) == 0 {
		return nil, err
	}
	served := make(map[string]bool, len(active))
	for _, m := range active {
		served[m] = true
	}
	st, err := q.Stats(ctx)
	if err != nil {
		return nil, err
	}

	var failed []models.Job
	for model, depth := range st.Ready {
		if depth == 0 || served[model] {
			continue
		}
		msg := reason(model, active)
		for i := 0; i < limit; i++ {
			id, err := q.Dequeue(ctx, model)
			if err != nil {
				return failed, err
			}
			if id == "" {
				break
			}
			job, err := q.Transition(ctx, id, models.Transition{To: models.StateFailed, Error: msg})
			switch {
			case err == nil:
				failed = append(failed, job)
			case errors.Is(err, models.ErrTerminal), errors.Is(err, ErrNotFound):
				_ = q.Ack(ctx, id)
			default:
				return failed, fmt.Errorf("fail unserved job %s: %w", id, err)
			}
		}
	}
	return failed, nil
}
