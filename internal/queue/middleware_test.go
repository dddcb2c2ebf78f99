package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func okNext(context.Context) (Result, error) { return Result{}, nil }

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	return reader, sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(ctx context.Context, _ *Message, next Next) (Result, error) {
			order = append(order, name+":before")
			res, err := next(ctx)
			order = append(order, name+":after")
			return res, err
		}
	}

	_, err := Chain(mark("a"), mark("b"))(context.Background(), &Message{}, func(context.Context) (Result, error) {
		order = append(order, "handler")
		return Result{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, order)
}

func TestChain_Empty(t *testing.T) {
	res, err := Chain()(context.Background(), &Message{}, func(context.Context) (Result, error) {
		return Result{Metadata: map[string]string{"k": "v"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "v", res.Metadata["k"])
}

func TestRecover_CatchesPanic(t *testing.T) {
	m := Recover(quietLogger())
	_, err := m(context.Background(), &Message{JobType: "boom"}, func(context.Context) (Result, error) {
		panic("kaboom")
	})
	assert.ErrorContains(t, err, "panic in boom handler: kaboom")
}

func TestLogging_PassesThroughError(t *testing.T) {
	want := errors.New("handler failed")
	_, err := Logging(quietLogger())(context.Background(), &Message{}, func(context.Context) (Result, error) {
		return Result{}, want
	})
	assert.ErrorIs(t, err, want)
}

func TestMetrics_RecordsExecutions(t *testing.T) {
	reader, mp := setupTestMeter()
	m := MetricsWithMeter(mp.Meter("test"))
	msg := &Message{JobType: "email"}

	_, _ = m(context.Background(), msg, okNext)
	_, _ = m(context.Background(), msg, func(context.Context) (Result, error) {
		return Result{}, errors.New("x")
	})

	rm := collectMetrics(t, reader)

	dur := findMetric(rm, "jobqueue.job.duration")
	require.NotNil(t, dur)
	_, ok := dur.Data.(metricdata.Histogram[float64])
	assert.True(t, ok)

	execs := findMetric(rm, "jobqueue.job.executions")
	require.NotNil(t, execs)
	sum, ok := execs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	byStatus := map[string]int64{}
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value("status")
		jobType, _ := dp.Attributes.Value("job_type")
		assert.Equal(t, "email", jobType.AsString())
		byStatus[status.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, byStatus)
}

func TestTracing_SpanStatus(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)).Tracer("test")
	m := TracingWithTracer(tracer)
	msg := &Message{JobID: "j1", JobType: "email", Priority: PriorityHigh, RetryCount: 2}

	_, _ = m(context.Background(), msg, okNext)
	_, _ = m(context.Background(), msg, func(context.Context) (Result, error) {
		return Result{}, errors.New("bad")
	})

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "jobqueue.job.execute", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "j1", attrs["jobqueue.job.id"])
	assert.Equal(t, "email", attrs["jobqueue.job.type"])
	assert.Equal(t, int64(2), attrs["jobqueue.job.priority"])
	assert.Equal(t, int64(2), attrs["jobqueue.job.retry_count"])
}

func TestRegisterQueueMetrics_ObservesAreas(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob("1", "email", PriorityNormal)))
	require.NoError(t, q.Enqueue(ctx, newJob("2", "email", PriorityNormal)))

	reader, mp := setupTestMeter()
	require.NoError(t, RegisterQueueMetrics(mp.Meter("test"), q))

	rm := collectMetrics(t, reader)
	size := findMetric(rm, "jobqueue.queue.size")
	require.NotNil(t, size)
	gauge, ok := size.Data.(metricdata.Gauge[int64])
	require.True(t, ok)

	byArea := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		area, _ := dp.Attributes.Value("area")
		byArea[area.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), byArea["main"])
	assert.Equal(t, int64(0), byArea["deadletter"])
}
