package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusRecorder receives the state a producer assigns to a new job. The
// write lands after the job is visible to workers, so implementations must
// not replace a status a worker already recorded.
type StatusRecorder interface {
	MarkQueued(ctx context.Context, jobID string) error
	MarkScheduled(ctx context.Context, jobID string, at time.Time) error
}

// Submitter is the write side of the queue used by the producer.
type Submitter interface {
	Enqueue(ctx context.Context, msg *Message) error
	Schedule(ctx context.Context, msg *Message, at time.Time) error
}

// Producer is the only entry point business code should use to submit work.
type Producer struct {
	q          Submitter
	status     StatusRecorder
	maxRetries int
	log        logrus.FieldLogger
}

// EnqueueOption adjusts a message before it is submitted.
type EnqueueOption func(*Message)

func WithMaxRetries(n int) EnqueueOption {
	return func(m *Message) {
		if n >= 0 {
			m.MaxRetries = n
		}
	}
}

func WithMetadata(key, value string) EnqueueOption {
	return func(m *Message) { m.setMeta(key, value) }
}

// NewProducer builds a producer. status may be nil.
func NewProducer(q Submitter, status StatusRecorder, defaultMaxRetries int, log logrus.FieldLogger) *Producer {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = DefaultMaxRetries
	}
	return &Producer{q: q, status: status, maxRetries: defaultMaxRetries, log: log}
}

// NewMessage builds a message with the producer's defaults. payload may be a
// string or []byte holding JSON, a json.RawMessage, or any value that is
// marshalled to JSON.
func (p *Producer) NewMessage(jobType string, payload any, priority Priority, opts ...EnqueueOption) (*Message, error) {
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s payload: %w", jobType, err)
	}
	msg := NewMessage(jobType, body, priority, p.maxRetries)
	for _, o := range opts {
		o(msg)
	}
	return msg, nil
}

// Enqueue submits a job for immediate execution and returns its id once the
// store accepted it. An error means the job was not submitted.
func (p *Producer) Enqueue(ctx context.Context, jobType string, payload any, priority Priority, opts ...EnqueueOption) (string, error) {
	msg, err := p.NewMessage(jobType, payload, priority, opts...)
	if err != nil {
		return "", err
	}
	if err := p.q.Enqueue(ctx, msg); err != nil {
		return "", err
	}
	if p.status != nil {
		p.note(msg.JobID, p.status.MarkQueued(ctx, msg.JobID))
	}
	p.log.WithFields(logrus.Fields{
		"job_id":   msg.JobID,
		"job_type": msg.JobType,
		"priority": msg.Priority.String(),
	}).Debug("job enqueued")
	return msg.JobID, nil
}

// Schedule holds msg back for delay before it becomes eligible. A
// non-positive delay enqueues it immediately.
func (p *Producer) Schedule(ctx context.Context, msg *Message, delay time.Duration) (string, error) {
	if delay <= 0 {
		if err := p.q.Enqueue(ctx, msg); err != nil {
			return "", err
		}
		if p.status != nil {
			p.note(msg.JobID, p.status.MarkQueued(ctx, msg.JobID))
		}
		return msg.JobID, nil
	}

	at := time.Now().Add(delay)
	if err := p.q.Schedule(ctx, msg, at); err != nil {
		return "", err
	}
	if p.status != nil {
		p.note(msg.JobID, p.status.MarkScheduled(ctx, msg.JobID, at))
	}
	p.log.WithFields(logrus.Fields{
		"job_id":   msg.JobID,
		"job_type": msg.JobType,
		"run_at":   at,
	}).Debug("job scheduled")
	return msg.JobID, nil
}

func (p *Producer) note(jobID string, err error) {
	if err != nil {
		p.log.WithError(err).WithField("job_id", jobID).Warn("progress update failed")
	}
}

func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
