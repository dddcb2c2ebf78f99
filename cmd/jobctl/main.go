// Command jobctl inspects the job queue and operates on its dead-letter list.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"canpany-jobqueue/internal/config"
	"canpany-jobqueue/internal/logging"
	"canpany-jobqueue/internal/queue"
	"canpany-jobqueue/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfg     config.Config
	logger  *logrus.Logger
	rdb     *redis.Client
	jobs    *queue.RedisQueue
	tracker *store.Tracker
)

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "Inspect the job queue",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.LoadEnv()
		if err != nil {
			return err
		}
		logger = logging.New(cfg.LogLevel, cfg.LogFormat)
		rdb, err = queue.NewRedisClient(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		jobs = queue.NewRedisQueue(rdb, queue.WithPrefix(cfg.QueuePrefix), queue.WithLogger(logger))
		tracker = store.New(rdb, cfg.StatusTTL())
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if rdb != nil {
			_ = rdb.Close()
		}
	},
}

func main() {
	rootCmd.AddCommand(statsCmd, dlqCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
