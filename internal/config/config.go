// Package config loads pipeline configuration from environment variables
// with sane defaults. Validation is a separate step so callers can layer
// overrides before checking.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the scheduling and delivery pipeline
type Config struct {
	Env          string // "dev" enables console logging
	DatabaseURL  string
	VendorURL    string
	HTTPAddr     string
	HookSecret   string // HS256 secret guarding the internal reschedule hook
	DBMaxConns   int32
	DBMinConns   int32

	Queue     QueueConfig
	Sender    SenderConfig
	Breaker   BreakerConfig
	Scheduler SchedulerConfig
	Workers   WorkerConfig
}

// QueueConfig tunes the durable job queue
type QueueConfig struct {
	Prefetch    int           // claim batch size per worker channel
	MaxRetries  int           // nacks before a job lands in the DLQ
	PollBackoff time.Duration // cap for the consumer poll/reconnect backoff
}

// SenderConfig tunes the outbound vendor call
type SenderConfig struct {
	AttemptTimeout time.Duration
	RetryAttempts  int
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration
}

// BreakerConfig tunes the circuit breaker wrapping the sender
type BreakerConfig struct {
	ErrorPct       int
	RollingWindow  int           // minimum calls before the error ratio is considered
	CountsInterval time.Duration // closed-state counts reset cadence; keeps the trip ratio recent
	OpenFor        time.Duration
	HalfOpenProbes int
}

// SchedulerConfig tunes the three scheduler loops
type SchedulerConfig struct {
	DailyInterval    time.Duration
	EnqueueInterval  time.Duration
	RecoveryInterval time.Duration
	EnqueueLookahead time.Duration
	RecoveryGrace    time.Duration
	UserBatchSize    int
}

// WorkerConfig tunes the per-type worker pools
type WorkerConfig struct {
	Count         int
	DrainTimeout  time.Duration
	MemoryPctMax  int // intake pauses above this share of the soft heap limit
}

// Default returns the pipeline's built-in defaults
func Default() *Config {
	return &Config{
		Env:        "dev",
		HTTPAddr:   ":8081",
		DBMaxConns: 20,
		DBMinConns: 2,
		Queue: QueueConfig{
			Prefetch:    5,
			MaxRetries:  5,
			PollBackoff: 60 * time.Second,
		},
		Sender: SenderConfig{
			AttemptTimeout: 10 * time.Second,
			RetryAttempts:  3,
			BackoffBase:    time.Second,
			BackoffFactor:  2,
			BackoffCap:     60 * time.Second,
		},
		Breaker: BreakerConfig{
			ErrorPct:       50,
			RollingWindow:  20,
			CountsInterval: 60 * time.Second,
			OpenFor:        30 * time.Second,
			HalfOpenProbes: 1,
		},
		Scheduler: SchedulerConfig{
			DailyInterval:    6 * time.Hour,
			EnqueueInterval:  time.Minute,
			RecoveryInterval: 10 * time.Minute,
			EnqueueLookahead: 65 * time.Minute,
			RecoveryGrace:    10 * time.Minute,
			UserBatchSize:    500,
		},
		Workers: WorkerConfig{
			Count:        5,
			DrainTimeout: 30 * time.Second,
			MemoryPctMax: 90,
		},
	}
}

// Load builds a Config from defaults plus environment overrides
func Load() *Config {
	cfg := Default()

	cfg.Env = envStr("ENV", cfg.Env)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.VendorURL = envStr("VENDOR_URL", cfg.VendorURL)
	cfg.HTTPAddr = envStr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.HookSecret = envStr("INTERNAL_API_SECRET", cfg.HookSecret)

	cfg.Queue.Prefetch = envInt("QUEUE_PREFETCH", cfg.Queue.Prefetch)
	cfg.Queue.MaxRetries = envInt("QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)

	cfg.Sender.AttemptTimeout = envMs("SENDER_ATTEMPT_TIMEOUT_MS", cfg.Sender.AttemptTimeout)
	cfg.Sender.RetryAttempts = envInt("SENDER_RETRY_ATTEMPTS", cfg.Sender.RetryAttempts)
	cfg.Sender.BackoffBase = envMs("SENDER_BACKOFF_BASE_MS", cfg.Sender.BackoffBase)
	cfg.Sender.BackoffCap = envMs("SENDER_BACKOFF_CAP_MS", cfg.Sender.BackoffCap)
	if f := envInt("SENDER_BACKOFF_FACTOR", 0); f > 0 {
		cfg.Sender.BackoffFactor = float64(f)
	}

	cfg.Breaker.ErrorPct = envInt("BREAKER_ERROR_PCT", cfg.Breaker.ErrorPct)
	cfg.Breaker.RollingWindow = envInt("BREAKER_ROLLING_WINDOW", cfg.Breaker.RollingWindow)
	cfg.Breaker.CountsInterval = envMs("BREAKER_COUNTS_INTERVAL_MS", cfg.Breaker.CountsInterval)
	cfg.Breaker.OpenFor = envMs("BREAKER_OPEN_MS", cfg.Breaker.OpenFor)
	cfg.Breaker.HalfOpenProbes = envInt("BREAKER_HALF_OPEN_PROBES", cfg.Breaker.HalfOpenProbes)

	cfg.Scheduler.DailyInterval = envMs("SCHEDULER_DAILY_INTERVAL_MS", cfg.Scheduler.DailyInterval)
	cfg.Scheduler.EnqueueInterval = envMs("SCHEDULER_ENQUEUE_INTERVAL_MS", cfg.Scheduler.EnqueueInterval)
	cfg.Scheduler.RecoveryInterval = envMs("SCHEDULER_RECOVERY_INTERVAL_MS", cfg.Scheduler.RecoveryInterval)
	cfg.Scheduler.EnqueueLookahead = envMs("SCHEDULER_ENQUEUE_LOOKAHEAD_MS", cfg.Scheduler.EnqueueLookahead)

	cfg.Workers.Count = envInt("WORKERS_COUNT", cfg.Workers.Count)

	return cfg
}

// Validate checks required fields and invariant bounds
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.VendorURL == "" {
		return fmt.Errorf("VENDOR_URL is required")
	}
	if c.Queue.Prefetch < 1 {
		return fmt.Errorf("queue.prefetch must be >= 1, got %d", c.Queue.Prefetch)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.maxRetries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	if c.Sender.RetryAttempts < 1 {
		return fmt.Errorf("sender.retryAttempts must be >= 1, got %d", c.Sender.RetryAttempts)
	}
	// A zero interval would make gobreaker count failures cumulatively since
	// the breaker last closed, burying an outage under old successes.
	if c.Breaker.CountsInterval <= 0 {
		return fmt.Errorf("breaker.countsIntervalMs must be > 0")
	}
	// The daily materializer must run often enough that a UTC+14 user's
	// 09:00 local is always covered by a pass in the preceding window.
	if c.Scheduler.DailyInterval > 24*time.Hour {
		return fmt.Errorf("scheduler.dailyIntervalMs must be <= 24h")
	}
	if c.Scheduler.EnqueueLookahead <= c.Scheduler.EnqueueInterval {
		return fmt.Errorf("scheduler.enqueueLookaheadMs must exceed the enqueue interval")
	}
	return nil
}

func envStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envMs(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
