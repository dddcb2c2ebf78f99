package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper is implemented by RedisQueue.
type Sweeper interface {
	PromoteDue(ctx context.Context, now time.Time, limit int) ([]*Message, error)
	ReclaimExpired(ctx context.Context, now time.Time, limit int) ([]*Message, error)
}

// ReleaseRecorder receives the status of jobs the scheduler puts back in the
// main queue. Implementations must not replace a status a worker recorded
// in the meantime.
type ReleaseRecorder interface {
	MarkQueued(ctx context.Context, jobID string) error
	MarkReclaimed(ctx context.Context, jobID string) error
}

// Scheduler moves delayed jobs whose time has come into the main queue and
// returns expired in-flight claims to it. Several schedulers may run against
// the same queue.
type Scheduler struct {
	q        Sweeper
	status   ReleaseRecorder
	interval time.Duration
	batch    int
	log      logrus.FieldLogger
}

// NewScheduler builds a scheduler. status may be nil.
func NewScheduler(q Sweeper, status ReleaseRecorder, interval time.Duration, batch int, log logrus.FieldLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{q: q, status: status, interval: interval, batch: batch, log: log.WithField("component", "scheduler")}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithField("interval", s.interval).Info("scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one promotion and one reclaim pass as of now. It drains full
// batches before returning so a backlog does not wait a whole interval.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (promoted, reclaimed int) {
	for {
		jobs, err := s.q.PromoteDue(ctx, now, s.batch)
		if err != nil {
			s.log.WithError(err).Error("promote delayed jobs failed")
			break
		}
		for _, j := range jobs {
			s.released(j, "released delayed job", s.mark(ctx, j, false))
		}
		promoted += len(jobs)
		if len(jobs) < s.batch {
			break
		}
	}

	jobs, err := s.q.ReclaimExpired(ctx, now, s.batch)
	if err != nil {
		s.log.WithError(err).Error("reclaim expired claims failed")
		return promoted, 0
	}
	for _, j := range jobs {
		s.released(j, "reclaimed job after visibility timeout", s.mark(ctx, j, true))
	}
	return promoted, len(jobs)
}

func (s *Scheduler) mark(ctx context.Context, msg *Message, reclaimed bool) error {
	if s.status == nil {
		return nil
	}
	if reclaimed {
		return s.status.MarkReclaimed(ctx, msg.JobID)
	}
	return s.status.MarkQueued(ctx, msg.JobID)
}

func (s *Scheduler) released(msg *Message, what string, statusErr error) {
	entry := s.log.WithFields(logrus.Fields{
		"job_id":      msg.JobID,
		"job_type":    msg.JobType,
		"retry_count": msg.RetryCount,
	})
	if statusErr != nil {
		entry.WithError(statusErr).Warn("progress update failed")
	}
	entry.Info(what)
}
