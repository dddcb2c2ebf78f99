// Package store keeps per-job progress records in Redis hashes (job:<id>).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job statuses written by the tracker.
const (
	StatusQueued    = "queued"
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by GetJob for unknown ids.
var ErrNotFound = errors.New("store: job not found")

type Tracker struct {
	rdb redis.Cmdable
	// ttl applies to completed and failed records; zero keeps them forever.
	ttl time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl}
}

func key(jobID string) string {
	return "job:" + jobID
}

// SetStatus writes status plus any extra fields for jobID.
func (s *Tracker) SetStatus(ctx context.Context, jobID, status string, fields ...map[string]interface{}) error {
	data := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Unix(),
	}
	if len(fields) > 0 {
		for k, v := range fields[0] {
			data[k] = v
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key(jobID), data)
	if s.ttl > 0 && (status == StatusCompleted || status == StatusFailed) {
		pipe.Expire(ctx, key(jobID), s.ttl)
	} else {
		pipe.Persist(ctx, key(jobID))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// transitionScript writes a pre-execution status only when the current one
// is listed. It keeps a late producer or sweeper write from replacing a
// status a worker already recorded.
//
// KEYS: job key. ARGV: n, n allowed statuses ("" = no record), field/value pairs.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status') or ''
local n = tonumber(ARGV[1])
local allowed = false
for i = 2, n + 1 do
  if ARGV[i] == cur then
    allowed = true
    break
  end
end
if not allowed then
  return 0
end
for i = n + 2, #ARGV - 1, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PERSIST', KEYS[1])
return 1
`)

// transition sets status when the record is in one of the from states. A
// refused write is not an error: a later state is already recorded.
func (s *Tracker) transition(ctx context.Context, jobID, status string, from []string, fields map[string]interface{}) error {
	args := make([]interface{}, 0, 1+len(from)+2*(len(fields)+2))
	args = append(args, len(from))
	for _, f := range from {
		args = append(args, f)
	}
	args = append(args, "status", status, "updated_at", time.Now().Unix())
	for k, v := range fields {
		args = append(args, k, fmt.Sprint(v))
	}
	return transitionScript.Run(ctx, s.rdb, []string{key(jobID)}, args...).Err()
}

// MarkQueued records a job waiting in the main queue. It never replaces a
// running or finished status.
func (s *Tracker) MarkQueued(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, StatusQueued,
		[]string{"", StatusQueued, StatusScheduled, StatusRetrying},
		map[string]interface{}{"queued_at": time.Now().Unix()})
}

// MarkScheduled records a newly delayed job.
func (s *Tracker) MarkScheduled(ctx context.Context, jobID string, at time.Time) error {
	return s.transition(ctx, jobID, StatusScheduled,
		[]string{"", StatusScheduled},
		map[string]interface{}{"scheduled_at": at.Unix()})
}

// MarkReclaimed records a claim that timed out and went back to the main
// queue.
func (s *Tracker) MarkReclaimed(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, StatusQueued,
		[]string{"", StatusRunning, StatusRetrying},
		map[string]interface{}{"queued_at": time.Now().Unix(), "reclaimed_at": time.Now().Unix()})
}

// MarkReplayed records a dead-lettered job sent back to the main queue. It
// also drops the expiry set when the job failed.
func (s *Tracker) MarkReplayed(ctx context.Context, jobID string) error {
	return s.transition(ctx, jobID, StatusQueued,
		[]string{"", StatusFailed},
		map[string]interface{}{"queued_at": time.Now().Unix(), "replayed_at": time.Now().Unix()})
}

func (s *Tracker) MarkRunning(ctx context.Context, jobID string) error {
	return s.SetStatus(ctx, jobID, StatusRunning, map[string]interface{}{
		"started_at": time.Now().Unix(),
	})
}

// MarkCompleted stores the handler's result metadata as a JSON field.
func (s *Tracker) MarkCompleted(ctx context.Context, jobID string, metadata map[string]string) error {
	fields := map[string]interface{}{
		"finished_at": time.Now().Unix(),
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		fields["result"] = string(b)
	}
	return s.SetStatus(ctx, jobID, StatusCompleted, fields)
}

func (s *Tracker) MarkRetrying(ctx context.Context, jobID string, attempt int, lastErr string, nextRunAt time.Time) error {
	return s.SetStatus(ctx, jobID, StatusRetrying, map[string]interface{}{
		"attempts":    attempt,
		"last_error":  lastErr,
		"next_run_at": nextRunAt.Unix(),
	})
}

func (s *Tracker) MarkFailed(ctx context.Context, jobID, reason string) error {
	return s.SetStatus(ctx, jobID, StatusFailed, map[string]interface{}{
		"last_error":  reason,
		"finished_at": time.Now().Unix(),
	})
}

// GetJob returns the raw progress record for jobID.
func (s *Tracker) GetJob(ctx context.Context, jobID string) (map[string]string, error) {
	data, err := s.rdb.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// Status returns only the status field, or "" when the job is unknown.
func (s *Tracker) Status(ctx context.Context, jobID string) (string, error) {
	v, err := s.rdb.HGet(ctx, key(jobID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
