package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"canpany-jobqueue/internal/api"
	"canpany-jobqueue/internal/config"
	"canpany-jobqueue/internal/logging"
	"canpany-jobqueue/internal/queue"
	"canpany-jobqueue/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

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

	router := api.NewRouter(api.Deps{
		Producer:  queue.NewProducer(q, tracker, cfg.DefaultMaxRetries, log),
		Admin:     q,
		Progress:  tracker,
		APIKey:    cfg.APIKey,
		RateLimit: cfg.APIRateLimit,
		Log:       log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", srv.Addr).Info("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("api server failed")
	}
}
