package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"genjutsu/internal/config"
	"genjutsu/internal/models"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrContention = errors.New("job update contention")
)

const maxUpdateRetries = 16

// Options tunes lease and retention behaviour.
type Options struct {
	VisibilityTimeout time.Duration
	Retention         time.Duration
	HeartbeatTTL      time.Duration
}

// RedisQueue keeps per-model ready lists, an in-flight lease set and the
// queue-native job records. Job records are only changed through Update, which
// applies the models state machine under WATCH so concurrent writers (the
// executor, a cancel request, a lease reaper) cannot both win a transition.
type RedisQueue struct {
	client        *redis.Client
	inflightKey   string
	modelsKey     string
	workersKey    string
	cancelChannel string
	visibilityTTL time.Duration
	retention     time.Duration
	heartbeatTTL  time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return New(client, Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.JobRetention,
		HeartbeatTTL:      cfg.HeartbeatTTL,
	})
}

// New wraps an existing client.
func New(client *redis.Client, opts Options) *RedisQueue {
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.HeartbeatTTL == 0 {
		opts.HeartbeatTTL = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		inflightKey:   "queue:inflight",
		modelsKey:     "queue:models",
		workersKey:    "queue:workers",
		cancelChannel: "queue:cancel",
		visibilityTTL: opts.VisibilityTimeout,
		retention:     opts.Retention,
		heartbeatTTL:  opts.HeartbeatTTL,
		now:           time.Now,
	}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// VisibilityTimeout is the lease length granted by Dequeue.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

func (q *RedisQueue) readyKey(model string) string {
	return fmt.Sprintf("queue:ready:%s", model)
}

func (q *RedisQueue) jobKey(jobID string) string {
	return "queue:job:" + jobID
}

// Create stores a job record without making it runnable.
func (q *RedisQueue) Create(ctx context.Context, job models.Job) error {
	return q.client.HSet(ctx, q.jobKey(job.ID), encodeJob(job)).Err()
}

// Enqueue stores a QUEUED job and appends it to its model's ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.Job) error {
	if job.State != models.StateQueued {
		return fmt.Errorf("enqueue %s: state is %s", job.ID, job.State)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), encodeJob(job))
	pipe.SAdd(ctx, q.modelsKey, job.Params.Model)
	pipe.RPush(ctx, q.readyKey(job.Params.Model), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the queue-native record.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, err
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return decodeJob(fields)
}

// Update loads the job, lets fn mutate it and writes it back atomically.
// Errors from fn abort the write and are returned unchanged. Terminal jobs
// leave the ready list and lease set and expire after the retention window.
func (q *RedisQueue) Update(ctx context.Context, jobID string, fn func(*models.Job) error) (models.Job, error) {
	key := q.jobKey(jobID)
	var out models.Job
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		job, err := decodeJob(fields)
		if err != nil {
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeJob(job))
			if job.State.Terminal() {
				pipe.ZRem(ctx, q.inflightKey, jobID)
				pipe.LRem(ctx, q.readyKey(job.Params.Model), 0, jobID)
				if q.retention > 0 {
					pipe.Expire(ctx, key, q.retention)
				}
			}
			return nil
		})
		if err == nil {
			out = job
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := q.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.Job{}, err
	}
	return models.Job{}, fmt.Errorf("%w: %s", ErrContention, jobID)
}

// Transition applies a state change through the state machine guard.
func (q *RedisQueue) Transition(ctx context.Context, jobID string, t models.Transition) (models.Job, error) {
	if t.At.IsZero() {
		t.At = q.now()
	}
	return q.Update(ctx, jobID, func(j *models.Job) error {
		return j.Apply(t)
	})
}

// Progress records a RUNNING progress checkpoint.
func (q *RedisQueue) Progress(ctx context.Context, jobID string, fraction float64, message string) (models.Job, error) {
	at := q.now()
	return q.Update(ctx, jobID, func(j *models.Job) error {
		_, err := j.SetProgress(fraction, message, at)
		return err
	})
}

// Cancel moves a QUEUED or RUNNING job to CANCELLED and signals executors.
// For a job that is already terminal it returns the current record and
// applied=false.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (models.Job, bool, error) {
	job, err := q.Transition(ctx, jobID, models.Transition{To: models.StateCancelled, Message: "Job cancelled"})
	if errors.Is(err, models.ErrTerminal) {
		current, getErr := q.Get(ctx, jobID)
		return current, false, getErr
	}
	if err != nil {
		return models.Job{}, false, err
	}
	if err := q.client.Publish(ctx, q.cancelChannel, jobID).Err(); err != nil {
		return job, true, fmt.Errorf("publish cancel: %w", err)
	}
	return job, true, nil
}

// SubscribeCancel streams ids of cancelled jobs until ctx ends. The
// subscription is active when the call returns.
func (q *RedisQueue) SubscribeCancel(ctx context.Context) (<-chan string, error) {
	ps := q.client.Subscribe(ctx, q.cancelChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe cancel: %w", err)
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Dequeue pops the next job id for model and leases it for the visibility timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, model string) (string, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey(model), q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// ReapExpired resolves leases that ran out. A job that was claimed (RUNNING)
// by a worker that stopped heartbeating is failed; a job that was popped but
// never claimed goes back to its ready list. The failed jobs are returned so
// the caller can report their terminal state.
func (q *RedisQueue) ReapExpired(ctx context.Context, limit int64) ([]models.Job, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", q.now().UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var failed []models.Job
	for _, id := range ids {
		job, reaped, err := q.reapOne(ctx, id)
		if err != nil {
			return failed, err
		}
		if reaped {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

func (q *RedisQueue) reapOne(ctx context.Context, jobID string) (models.Job, bool, error) {
	key := q.jobKey(jobID)
	var (
		out    models.Job
		failed bool
	)
	txf := func(tx *redis.Tx) error {
		failed = false
		score, err := tx.ZScore(ctx, q.inflightKey, jobID).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if int64(score) > q.now().UnixMilli() {
			return nil
		}
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.inflightKey, jobID)
				return nil
			})
			return err
		}
		job, err := decodeJob(fields)
		if err != nil {
			return err
		}
		switch job.State {
		case models.StateQueued:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.inflightKey, jobID)
				pipe.LPush(ctx, q.readyKey(job.Params.Model), jobID)
				return nil
			})
			return err
		case models.StateRunning:
			if err := job.Apply(models.Transition{
				To:    models.StateFailed,
				Error: "worker lost: lease expired before the job finished",
				At:    q.now(),
			}); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, encodeJob(job))
				pipe.ZRem(ctx, q.inflightKey, jobID)
				if q.retention > 0 {
					pipe.Expire(ctx, key, q.retention)
				}
				return nil
			})
			if err == nil {
				out, failed = job, true
			}
			return err
		default:
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, q.inflightKey, jobID)
				return nil
			})
			return err
		}
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := q.client.Watch(ctx, txf, key, q.inflightKey)
		if err == nil {
			return out, failed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return models.Job{}, false, err
	}
	return models.Job{}, false, fmt.Errorf("%w: %s", ErrContention, jobID)
}

// ReadyDepth returns the number of jobs waiting for model.
func (q *RedisQueue) ReadyDepth(ctx context.Context, model string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(model)).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
