package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// ResilienceOptions tunes the in-call retry and the per-type circuit breaker.
type ResilienceOptions struct {
	// HandlerRetries is the number of immediate extra attempts for one
	// dequeue, independent of the job-level RetryCount.
	HandlerRetries int
	RetryInitial   time.Duration
	RetryMax       time.Duration

	// The breaker opens once, within Window, at least MinRequests attempts
	// were made and the failure ratio reached FailureRatio. It stays open for
	// BreakDuration, then lets a single probe through.
	FailureRatio  float64
	MinRequests   uint32
	Window        time.Duration
	BreakDuration time.Duration
}

func DefaultResilienceOptions() ResilienceOptions {
	return ResilienceOptions{
		HandlerRetries: 2,
		RetryInitial:   200 * time.Millisecond,
		RetryMax:       2 * time.Second,
		FailureRatio:   0.5,
		MinRequests:    10,
		Window:         30 * time.Second,
		BreakDuration:  30 * time.Second,
	}
}

// Pipeline runs handlers through middleware, a circuit breaker per job type
// and a short exponential retry.
type Pipeline struct {
	opts ResilienceOptions
	mw   Middleware
	log  logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[Result]
}

func NewPipeline(opts ResilienceOptions, log logrus.FieldLogger, mws ...Middleware) *Pipeline {
	return &Pipeline{
		opts:     opts,
		mw:       Chain(mws...),
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker[Result]),
	}
}

// Execute calls h for msg. An error wrapping ErrCircuitOpen means the breaker
// rejected the call; any other error comes from the handler's last attempt.
func (p *Pipeline) Execute(ctx context.Context, msg *Message, h Handler) (Result, error) {
	cb := p.breaker(msg.JobType)

	var res Result
	attempt := func() error {
		r, err := cb.Execute(func() (Result, error) {
			return p.mw(ctx, msg, func(ctx context.Context) (Result, error) {
				return h.Handle(ctx, msg)
			})
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w for %s: %v", ErrCircuitOpen, msg.JobType, err))
		}
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.opts.RetryInitial
	if p.opts.RetryMax > 0 {
		eb.MaxInterval = p.opts.RetryMax
	}
	eb.MaxElapsedTime = 0

	retries := p.opts.HandlerRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		return Result{}, err
	}
	return res, nil
}

// BreakerState reports the breaker state for jobType ("closed", "open",
// "half-open").
func (p *Pipeline) BreakerState(jobType string) string {
	return p.breaker(jobType).State().String()
}

func (p *Pipeline) breaker(jobType string) *gobreaker.CircuitBreaker[Result] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[jobType]; ok {
		return cb
	}
	minRequests, ratio := p.opts.MinRequests, p.opts.FailureRatio
	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        jobType,
		MaxRequests: 1,
		Interval:    p.opts.Window,
		Timeout:     p.opts.BreakDuration,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < minRequests || c.Requests == 0 {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.WithFields(logrus.Fields{
				"job_type": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	p.breakers[jobType] = cb
	return cb
}
