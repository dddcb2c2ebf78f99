package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"canpany-jobqueue/internal/config"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// priorityBand separates priority tiers in the main queue score. Unix
// milliseconds stay below it until the year 2286.
const priorityBand = 1e13

// RedisQueue is the durable, priority-ordered job queue.
type RedisQueue struct {
	client     redis.Cmdable
	keys       keys
	visibility time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

// Option configures a RedisQueue.
type Option func(*RedisQueue)

// WithPrefix namespaces all keys under prefix.
func WithPrefix(prefix string) Option {
	return func(q *RedisQueue) { q.keys = newKeys(prefix) }
}

// WithVisibilityTimeout sets how long a dequeued job may stay unacknowledged
// before ReclaimExpired returns it to the main queue.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(q *RedisQueue) { q.log = l }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connect %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}

// NewRedisQueue wraps client. The caller owns the client lifecycle.
func NewRedisQueue(client redis.Cmdable, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		keys:       newKeys(DefaultPrefix),
		visibility: 5 * time.Minute,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Client returns the underlying Redis client.
func (q *RedisQueue) Client() redis.Cmdable {
	return q.client
}

// Enqueue inserts msg into the main queue. Inserts are idempotent on JobId:
// a second insert of a live id returns ErrDuplicateJob and changes nothing.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	return q.insert(ctx, msg, q.keys.main, mainScore(msg.Priority, q.now()))
}

// Schedule inserts msg into the delayed area; it becomes eligible for
// dequeue once a promotion sweep runs at or after at.
func (q *RedisQueue) Schedule(ctx context.Context, msg *Message, at time.Time) error {
	if err := validate(msg); err != nil {
		return err
	}
	at = at.UTC()
	msg.ScheduledAt = &at
	return q.insert(ctx, msg, q.keys.delayed, float64(at.UnixMilli()))
}

func (q *RedisQueue) insert(ctx context.Context, msg *Message, target string, score float64) error {
	body, err := msg.encode()
	if err != nil {
		return err
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.keys.jobs, target},
		msg.JobID, body, formatScore(score),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", msg.JobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, msg.JobID)
	}
	return nil
}

// Dequeue atomically claims the most urgent job, or returns (nil, nil) when
// the main queue is empty. Concurrent callers, in any process, never receive
// the same job. Ordering within a priority tier follows the time the job
// entered the main queue at millisecond resolution, with Redis member order
// breaking ties, so it is approximately FIFO and must not be relied on as
// strict FIFO.
//
// Entries without a stored body are dropped and undecodable bodies are moved
// to the dead-letter list; either way Dequeue goes on to the next entry.
//
// The claim stays in the in-flight set until Acknowledge, Requeue or the
// visibility timeout.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		deadline := q.now().Add(q.visibility).UnixMilli()
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.keys.main, q.keys.inflight, q.keys.jobs},
			deadline,
		).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if len(res) < 2 {
			q.log.WithField("job_id", res[0]).Warn("dropped queue entry without a stored body")
			continue
		}

		msg, err := decodeMessage(res[1])
		if err != nil {
			q.parkUndecodable(ctx, res[0], res[1], err)
			continue
		}
		return msg, nil
	}
}

// parkUndecodable keeps a body that cannot be decoded visible in the
// dead-letter list and releases its claim.
func (q *RedisQueue) parkUndecodable(ctx context.Context, jobID, raw string, cause error) {
	entry := q.log.WithField("job_id", jobID)
	if err := q.client.RPush(ctx, q.keys.deadLetter, raw).Err(); err != nil {
		// The claim stays in-flight; the reclaim sweep dead-letters it later.
		entry.WithError(err).Error("failed to dead-letter undecodable job")
		return
	}
	if err := q.release(ctx, jobID); err != nil {
		entry.WithError(err).Warn("failed to release undecodable job")
	}
	entry.WithError(cause).Error("bad job json, moved to dead-letter")
}

// Requeue returns a claimed job to the main queue (delay <= 0) or to the
// delayed area. The caller increments RetryCount beforehand.
func (q *RedisQueue) Requeue(ctx context.Context, msg *Message, delay time.Duration) error {
	now := q.now()
	target := q.keys.main
	score := mainScore(msg.Priority, now)
	if delay > 0 {
		at := now.Add(delay).UTC()
		msg.ScheduledAt = &at
		target = q.keys.delayed
		score = float64(at.UnixMilli())
	}

	body, err := msg.encode()
	if err != nil {
		return err
	}
	n, err := requeueScript.Run(ctx, q.client,
		[]string{q.keys.inflight, q.keys.jobs, target, q.keys.main, q.keys.delayed},
		msg.JobID, body, formatScore(score),
	).Int()
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", msg.JobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is already waiting", ErrDuplicateJob, msg.JobID)
	}
	return nil
}

// MoveToDeadLetter stamps the failure reason and time into the job's
// metadata and appends it to the dead-letter list. In-flight bookkeeping is
// left alone; call Acknowledge afterwards.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, msg *Message, reason string) error {
	msg.setMeta(MetaDeadLetterReason, reason)
	msg.setMeta(MetaDeadLetteredAt, q.now().UTC().Format(time.RFC3339Nano))

	body, err := msg.encode()
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.keys.deadLetter, body).Err(); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", msg.JobID, err)
	}
	return nil
}

// Acknowledge resolves a claimed job: its in-flight entry and stored body
// are removed so nothing reconsiders it.
func (q *RedisQueue) Acknowledge(ctx context.Context, msg *Message) error {
	if err := q.release(ctx, msg.JobID); err != nil {
		return fmt.Errorf("queue: ack %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *RedisQueue) release(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keys.inflight, jobID)
	pipe.HDel(ctx, q.keys.jobs, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth is the approximate number of pending jobs, immediate plus delayed.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	st, err := q.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return st.Main + st.Delayed, nil
}

// Stats counts the jobs in each area of the queue.
type Stats struct {
	Main       int64 `json:"main"`
	Delayed    int64 `json:"delayed"`
	InFlight   int64 `json:"in_flight"`
	DeadLetter int64 `json:"dead_letter"`
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	main := pipe.ZCard(ctx, q.keys.main)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	inflight := pipe.ZCard(ctx, q.keys.inflight)
	dead := pipe.LLen(ctx, q.keys.deadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Main:       main.Val(),
		Delayed:    delayed.Val(),
		InFlight:   inflight.Val(),
		DeadLetter: dead.Val(),
	}, nil
}

// PromoteDue moves up to limit delayed jobs whose execution time is at or
// before now into the main queue and returns them.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	return q.sweep(ctx, q.keys.delayed, now, limit)
}

// ReclaimExpired returns claims whose visibility deadline passed (the worker
// crashed or stalled) to the main queue. RetryCount is not changed.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	return q.sweep(ctx, q.keys.inflight, now, limit)
}

func (q *RedisQueue) sweep(ctx context.Context, from string, now time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRangeByScore(ctx, from, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan %s: %w", from, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.client.HMGet(ctx, q.keys.jobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load bodies: %w", err)
	}

	moved := make([]*Message, 0, len(ids))
	for i, id := range ids {
		raw, ok := bodies[i].(string)
		if !ok {
			q.log.WithField("job_id", id).Warn("removing queue entry without a stored body")
			_ = q.client.ZRem(ctx, from, id).Err()
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			q.log.WithError(err).WithField("job_id", id).Error("bad job json, moving to dead-letter")
			pipe := q.client.TxPipeline()
			pipe.ZRem(ctx, from, id)
			pipe.HDel(ctx, q.keys.jobs, id)
			pipe.RPush(ctx, q.keys.deadLetter, raw)
			_, _ = pipe.Exec(ctx)
			continue
		}

		n, err := moveScript.Run(ctx, q.client,
			[]string{from, q.keys.main},
			id, formatScore(mainScore(msg.Priority, now)),
		).Int()
		if err != nil {
			return moved, fmt.Errorf("queue: move %s: %w", id, err)
		}
		if n == 1 {
			moved = append(moved, msg)
		}
	}
	return moved, nil
}

func validate(msg *Message) error {
	if msg == nil || msg.JobID == "" || msg.JobType == "" {
		return errors.New("queue: job id and type are required")
	}
	if !msg.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, msg.Priority)
	}
	return nil
}

// mainScore sorts higher priorities first, then by entry time.
func mainScore(p Priority, at time.Time) float64 {
	return float64(PriorityCritical-p)*priorityBand + float64(at.UnixMilli())
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
