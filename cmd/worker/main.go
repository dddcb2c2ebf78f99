package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"canpany-jobqueue/internal/config"
	"canpany-jobqueue/internal/handlers"
	"canpany-jobqueue/internal/logging"
	"canpany-jobqueue/internal/queue"
	"canpany-jobqueue/internal/store"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := queue.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb,
		queue.WithPrefix(cfg.QueuePrefix),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		queue.WithLogger(log),
	)
	tracker := store.New(rdb, cfg.StatusTTL())

	if err := queue.RegisterQueueMetrics(otel.Meter("canpany-jobqueue/worker"), q); err != nil {
		log.WithError(err).Warn("queue metrics disabled")
	}

	registry := handlers.Register(queue.NewRegistry(), log)
	pipeline := queue.NewPipeline(resilienceOptions(cfg), log,
		queue.Recover(log),
		queue.Logging(log),
		queue.Metrics(),
		queue.Tracing(),
	)

	worker := queue.NewWorker(q, registry, pipeline, tracker, queue.WorkerOptions{
		Name:                cfg.WorkerName,
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		PollInterval:        cfg.PollInterval(),
		RetryBase:           cfg.RetryBase(),
		MaxRetryDelay:       cfg.MaxRetryDelay(),
		BreakerRequeueDelay: cfg.BreakerRequeueDelay(),
	}, log)
	scheduler := queue.NewScheduler(q, tracker, cfg.PromoteInterval(), cfg.PromoteBatch, log)

	log.WithField("job_types", registry.Types()).Info("worker running, press Ctrl+C to exit")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("worker exited with error")
		os.Exit(1)
	}
}

func resilienceOptions(cfg config.Config) queue.ResilienceOptions {
	opts := queue.DefaultResilienceOptions()
	opts.HandlerRetries = cfg.HandlerRetries
	if d := cfg.HandlerRetryInitial(); d > 0 {
		opts.RetryInitial = d
	}
	if d := cfg.HandlerRetryMax(); d > 0 {
		opts.RetryMax = d
	}
	opts.FailureRatio = cfg.BreakerFailureRatio
	opts.MinRequests = cfg.BreakerMinRequests
	if d := cfg.BreakerWindow(); d > 0 {
		opts.Window = d
	}
	if d := cfg.BreakerBreak(); d > 0 {
		opts.BreakDuration = d
	}
	return opts
}
