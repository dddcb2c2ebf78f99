package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Queue is the part of RedisQueue the worker needs.
type Queue interface {
	Dequeue(ctx context.Context) (*Message, error)
	Requeue(ctx context.Context, msg *Message, delay time.Duration) error
	MoveToDeadLetter(ctx context.Context, msg *Message, reason string) error
	Acknowledge(ctx context.Context, msg *Message) error
}

// ProgressTracker records job lifecycle transitions. The worker reports to it
// but never depends on its answers; errors are logged and ignored.
type ProgressTracker interface {
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, metadata map[string]string) error
	MarkRetrying(ctx context.Context, jobID string, attempt int, lastErr string, nextRunAt time.Time) error
	MarkFailed(ctx context.Context, jobID, reason string) error
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Name              string
	MaxConcurrentJobs int
	PollInterval      time.Duration

	// RetryBase and MaxRetryDelay shape the job-level backoff
	// (RetryBase * 2^RetryCount).
	RetryBase     time.Duration
	MaxRetryDelay time.Duration

	// BreakerRequeueDelay is the fixed delay used when the circuit breaker
	// rejected a job.
	BreakerRequeueDelay time.Duration
}

// Worker polls the queue and runs up to MaxConcurrentJobs jobs at once.
type Worker struct {
	q        Queue
	registry *Registry
	pipeline *Pipeline
	tracker  ProgressTracker
	opts     WorkerOptions
	log      logrus.FieldLogger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	active atomic.Int64
}

func NewWorker(q Queue, registry *Registry, pipeline *Pipeline, tracker ProgressTracker, opts WorkerOptions, log logrus.FieldLogger) *Worker {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if tracker == nil {
		tracker = nopTracker{}
	}
	return &Worker{
		q:        q,
		registry: registry,
		pipeline: pipeline,
		tracker:  tracker,
		opts:     opts,
		log:      log.WithField("worker", opts.Name),
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
	}
}

// Active is the number of jobs currently being processed.
func (w *Worker) Active() int64 {
	return w.active.Load()
}

// Run polls until ctx is cancelled, then waits for every job it already
// claimed to be resolved. Claimed jobs run on a context that is not
// cancelled by shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.log.WithField("concurrency", w.opts.MaxConcurrentJobs).Info("worker started")

	jobCtx := context.WithoutCancel(ctx)
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = w.opts.PollInterval
	errBackoff.MaxInterval = 30 * time.Second
	errBackoff.MaxElapsedTime = 0
	errBackoff.Reset()

	for {
		// Permit is held from before the dequeue until the outcome is written.
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}

		msg, err := w.q.Dequeue(ctx)
		if err != nil {
			w.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			wait := errBackoff.NextBackOff()
			w.log.WithError(err).WithField("retry_in", wait).Error("dequeue failed")
			if !sleep(ctx, wait) {
				break
			}
			continue
		}
		errBackoff.Reset()

		if msg == nil {
			w.sem.Release(1)
			if !sleep(ctx, w.opts.PollInterval) {
				break
			}
			continue
		}

		w.wg.Add(1)
		w.active.Add(1)
		go func(msg *Message) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			defer w.active.Add(-1)
			w.process(jobCtx, msg)
		}(msg)
	}

	w.log.WithField("active", w.Active()).Info("worker stopping, draining claimed jobs")
	w.wg.Wait()
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) process(ctx context.Context, msg *Message) {
	entry := w.log.WithFields(logrus.Fields{
		"job_id":      msg.JobID,
		"job_type":    msg.JobType,
		"retry_count": msg.RetryCount,
	})

	h, ok := w.registry.Get(msg.JobType)
	if !ok {
		// Retrying cannot make a handler appear, so this skips the retry path.
		reason := fmt.Sprintf("%v for job type %q", ErrNoHandler, msg.JobType)
		w.note(entry, "failed", w.tracker.MarkFailed(ctx, msg.JobID, reason))
		w.deadLetter(ctx, entry, msg, reason)
		return
	}

	w.note(entry, "running", w.tracker.MarkRunning(ctx, msg.JobID))

	res, err := w.pipeline.Execute(ctx, msg, h)
	switch {
	case err == nil:
		w.note(entry, "completed", w.tracker.MarkCompleted(ctx, msg.JobID, res.Metadata))
		if ackErr := w.q.Acknowledge(ctx, msg); ackErr != nil {
			entry.WithError(ackErr).Error("ack failed; job may run again after the visibility timeout")
			return
		}
		entry.Info("job completed")
	case isCircuitOpen(err):
		w.retry(ctx, entry, msg, err, w.opts.BreakerRequeueDelay)
	default:
		w.retry(ctx, entry, msg, err, -1)
	}
}

// retry counts the failure and either requeues msg or dead-letters it once
// the budget is spent. A negative delay selects the exponential backoff.
func (w *Worker) retry(ctx context.Context, entry logrus.FieldLogger, msg *Message, cause error, delay time.Duration) {
	next := msg.RetryCount + 1
	if next >= msg.MaxRetries {
		if next > msg.MaxRetries {
			next = msg.MaxRetries
		}
		msg.RetryCount = next
		reason := fmt.Sprintf("retries exhausted (%d/%d): %v", msg.RetryCount, msg.MaxRetries, cause)
		w.note(entry, "failed", w.tracker.MarkFailed(ctx, msg.JobID, reason))
		w.deadLetter(ctx, entry, msg, reason)
		return
	}

	msg.RetryCount = next
	msg.setMeta(MetaLastError, cause.Error())
	if delay < 0 {
		delay = RetryDelay(w.opts.RetryBase, msg.RetryCount, w.opts.MaxRetryDelay)
	}

	// Recorded before the job becomes visible again so a fast redelivery's
	// running status is not overwritten.
	w.note(entry, "retrying", w.tracker.MarkRetrying(ctx, msg.JobID, msg.RetryCount, cause.Error(), time.Now().Add(delay)))
	if err := w.q.Requeue(ctx, msg, delay); err != nil {
		// The claim stays in-flight and is reclaimed after the visibility timeout.
		entry.WithError(err).Error("requeue failed")
		return
	}
	entry.WithFields(logrus.Fields{
		"attempt":     msg.RetryCount,
		"max_retries": msg.MaxRetries,
		"delay":       delay,
	}).WithError(cause).Info("job scheduled for retry")
}

func (w *Worker) deadLetter(ctx context.Context, entry logrus.FieldLogger, msg *Message, reason string) {
	if err := w.q.MoveToDeadLetter(ctx, msg, reason); err != nil {
		// Leave the claim in place so the reclaim sweep brings it back.
		entry.WithError(err).Error("dead-letter push failed")
		return
	}
	if err := w.q.Acknowledge(ctx, msg); err != nil {
		entry.WithError(err).Error("ack after dead-letter failed")
	}
	entry.WithField("reason", reason).Warn("job moved to dead-letter queue")
}

func (w *Worker) note(entry logrus.FieldLogger, status string, err error) {
	if err != nil {
		entry.WithError(err).WithField("status", status).Warn("progress update failed")
	}
}

func isCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// sleep waits for d or until ctx is done; it reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type nopTracker struct{}

func (nopTracker) MarkRunning(context.Context, string) error { return nil }

func (nopTracker) MarkCompleted(context.Context, string, map[string]string) error { return nil }

func (nopTracker) MarkRetrying(context.Context, string, int, string, time.Time) error { return nil }

func (nopTracker) MarkFailed(context.Context, string, string) error { return nil }
