package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Config is read from the environment. A .env file in the working directory
// is loaded first unless ENV is production.
type Config struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	QueuePrefix   string `envconfig:"QUEUE_PREFIX" default:"queue"`

	APIKey       string  `envconfig:"API_KEY" default:"devkey"`
	Port         string  `envconfig:"PORT" default:"8080"`
	APIRateLimit float64 `envconfig:"API_RATE_LIMIT" default:"50"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	WorkerName          string  `envconfig:"WORKER_NAME" default:"worker-1"`
	MaxConcurrentJobs   int     `envconfig:"MAX_CONCURRENT_JOBS" default:"5"`
	PollIntervalSeconds float64 `envconfig:"POLL_INTERVAL_SECONDS" default:"1"`
	DefaultMaxRetries   int     `envconfig:"DEFAULT_MAX_RETRIES" default:"3"`
	RetryBaseSeconds    float64 `envconfig:"RETRY_BASE_SECONDS" default:"5"`
	MaxRetryDelayMins   float64 `envconfig:"MAX_RETRY_DELAY_MINUTES" default:"60"`

	HandlerRetries        int `envconfig:"HANDLER_RETRIES" default:"2"`
	HandlerRetryInitialMS int `envconfig:"HANDLER_RETRY_INITIAL_MS" default:"200"`
	HandlerRetryMaxMS     int `envconfig:"HANDLER_RETRY_MAX_MS" default:"2000"`

	BreakerFailureRatio        float64 `envconfig:"BREAKER_FAILURE_RATIO" default:"0.5"`
	BreakerMinRequests         uint32  `envconfig:"BREAKER_MIN_REQUESTS" default:"10"`
	BreakerWindowSeconds       float64 `envconfig:"BREAKER_WINDOW_SECONDS" default:"30"`
	BreakerBreakSeconds        float64 `envconfig:"BREAKER_BREAK_SECONDS" default:"30"`
	BreakerRequeueDelaySeconds float64 `envconfig:"BREAKER_REQUEUE_DELAY_SECONDS" default:"60"`

	VisibilityTimeoutSeconds float64 `envconfig:"VISIBILITY_TIMEOUT_SECONDS" default:"300"`
	PromoteIntervalSeconds   float64 `envconfig:"PROMOTE_INTERVAL_SECONDS" default:"1"`
	PromoteBatch             int     `envconfig:"PROMOTE_BATCH" default:"100"`
	StatusTTLHours           float64 `envconfig:"STATUS_TTL_HOURS" default:"168"`
}

// Load reads the configuration and exits the process if it is invalid.
func Load() Config {
	cfg, err := LoadEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// LoadEnv is Load without the exit.
func LoadEnv() (Config, error) {
	env := os.Getenv("ENV")
	if env != "production" && env != "prod" {
		if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
			log.Warnf("unable to load .env file: %v", err)
		}
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) PollInterval() time.Duration { return seconds(c.PollIntervalSeconds) }
func (c Config) RetryBase() time.Duration { return seconds(c.RetryBaseSeconds) }
func (c Config) MaxRetryDelay() time.Duration { return seconds(c.MaxRetryDelayMins * 60) }
func (c Config) BreakerWindow() time.Duration { return seconds(c.BreakerWindowSeconds) }
func (c Config) BreakerBreak() time.Duration { return seconds(c.BreakerBreakSeconds) }
func (c Config) BreakerRequeueDelay() time.Duration { return seconds(c.BreakerRequeueDelaySeconds) }
func (c Config) VisibilityTimeout() time.Duration { return seconds(c.VisibilityTimeoutSeconds) }
func (c Config) PromoteInterval() time.Duration { return seconds(c.PromoteIntervalSeconds) }
func (c Config) StatusTTL() time.Duration { return seconds(c.StatusTTLHours * 3600) }

func (c Config) HandlerRetryInitial() time.Duration {
	return time.Duration(c.HandlerRetryInitialMS) * time.Millisecond
}

func (c Config) HandlerRetryMax() time.Duration {
	return time.Duration(c.HandlerRetryMaxMS) * time.Millisecond
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
