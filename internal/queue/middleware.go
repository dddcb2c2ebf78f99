package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "canpany-jobqueue/internal/queue"

// Next continues a middleware chain.
type Next func(ctx context.Context) (Result, error)

// Middleware wraps one handler attempt. It must call next unless it
// short-circuits with an error.
type Middleware func(ctx context.Context, msg *Message, next Next) (Result, error)

// Chain composes middleware; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, msg *Message, next Next) (Result, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], h
			h = func(ctx context.Context) (Result, error) {
				return mw(ctx, msg, inner)
			}
		}
		return h(ctx)
	}
}

// Recover turns a handler panic into an error so it is retried like any
// other failure.
func Recover(log logrus.FieldLogger) Middleware {
	return func(ctx context.Context, msg *Message, next Next) (res Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"job_id":   msg.JobID,
					"job_type": msg.JobType,
					"panic":    r,
					"stack":    string(debug.Stack()),
				}).Error("job handler panicked")
				err = fmt.Errorf("panic in %s handler: %v", msg.JobType, r)
			}
		}()
		return next(ctx)
	}
}

// Logging logs every handler attempt at debug level and failures at warn.
func Logging(log logrus.FieldLogger) Middleware {
	return func(ctx context.Context, msg *Message, next Next) (Result, error) {
		entry := log.WithFields(logrus.Fields{
			"job_id":      msg.JobID,
			"job_type":    msg.JobType,
			"retry_count": msg.RetryCount,
		})
		entry.Debug("job attempt started")

		start := time.Now()
		res, err := next(ctx)
		entry = entry.WithField("elapsed", time.Since(start))
		if err != nil {
			entry.WithError(err).Warn("job attempt failed")
		} else {
			entry.Debug("job attempt succeeded")
		}
		return res, err
	}
}

// Metrics records attempt duration and count on the global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter records:
//   - jobqueue.job.duration (histogram, seconds)
//   - jobqueue.job.executions (counter)
//
// both with job_type and status ("ok" or "error") attributes.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, _ := meter.Float64Histogram(
		"jobqueue.job.duration",
		metric.WithDescription("Duration of job handler attempts in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"jobqueue.job.executions",
		metric.WithDescription("Number of job handler attempts"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, msg *Message, next Next) (Result, error) {
		start := time.Now()
		res, err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("job_type", msg.JobType),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return res, err
	}
}

// Tracing wraps each attempt in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, msg *Message, next Next) (Result, error) {
		ctx, span := tracer.Start(ctx, "jobqueue.job.execute",
			trace.WithAttributes(
				attribute.String("jobqueue.job.id", msg.JobID),
				attribute.String("jobqueue.job.type", msg.JobType),
				attribute.Int("jobqueue.job.priority", int(msg.Priority)),
				attribute.Int("jobqueue.job.retry_count", msg.RetryCount),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return res, err
	}
}

// RegisterQueueMetrics exposes the per-area queue sizes as observable gauges
// (jobqueue.queue.size with an "area" attribute).
func RegisterQueueMetrics(meter metric.Meter, q *RedisQueue) error {
	size, err := meter.Int64ObservableGauge(
		"jobqueue.queue.size",
		metric.WithDescription("Jobs currently held in each queue area"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		st, err := q.Stats(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(size, st.Main, metric.WithAttributes(attribute.String("area", "main")))
		o.ObserveInt64(size, st.Delayed, metric.WithAttributes(attribute.String("area", "delayed")))
		o.ObserveInt64(size, st.InFlight, metric.WithAttributes(attribute.String("area", "inflight")))
		o.ObserveInt64(size, st.DeadLetter, metric.WithAttributes(attribute.String("area", "deadletter")))
		return nil
	}, size)
	return err
}
