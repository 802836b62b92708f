package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/greetingd/internal/auth"
	"github.com/erauner12/greetingd/internal/config"
	"github.com/erauner12/greetingd/internal/db"
	"github.com/erauner12/greetingd/internal/httpapi"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/queue"
	"github.com/erauner12/greetingd/internal/reschedule"
	"github.com/erauner12/greetingd/internal/scheduler"
	"github.com/erauner12/greetingd/internal/sender"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/erauner12/greetingd/internal/supervisor"
	"github.com/erauner12/greetingd/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "greetingd").Logger()

	cfg := config.Load()

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Database connection and schema bootstrap
	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap schema")
	}

	// Build the pipeline once; components receive collaborators explicitly
	met := metrics.New()
	messages := store.NewMessageStore(pool)
	users := store.NewUserStore(pool)
	q := queue.New(pool, cfg.Queue.MaxRetries)

	snd := sender.New(cfg.VendorURL, cfg.Sender, cfg.Breaker, func(from, to gobreaker.State) {
		met.BreakerState.WithLabelValues("vendor").Set(sender.BreakerStateValue(to))
	})

	workers := worker.NewPool(q, messages, users, snd, met, cfg)

	orphanAge := orphanAge(cfg)
	loops := []*scheduler.Loop{
		scheduler.NewLoop("daily", cfg.Scheduler.DailyInterval, met,
			scheduler.NewMaterializer(users, messages, met, cfg.Scheduler.UserBatchSize).RunOnce),
		scheduler.NewLoop("enqueue", cfg.Scheduler.EnqueueInterval, met,
			scheduler.NewEnqueuer(messages, q, met, cfg.Scheduler.EnqueueLookahead).RunOnce),
		scheduler.NewLoop("recovery", cfg.Scheduler.RecoveryInterval, met,
			scheduler.NewSweeper(messages, q, met, cfg.Scheduler.RecoveryGrace, orphanAge, cfg.Queue.MaxRetries).RunOnce),
	}

	sup := supervisor.New(loops, workers, snd)
	sup.Start(ctx)

	resched := reschedule.NewService(users, messages, met)

	// HTTP server setup
	srv := &httpapi.Server{Sup: sup, Resched: resched, Met: met}
	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.HookSecret,
		DevMode:     cfg.Env == "dev" && cfg.HookSecret == "",
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	sup.Stop()

	log.Info().Msg("server stopped")
}

// orphanAge is how long a record may sit in SENDING (or a queue claim stay
// open) before recovery presumes the owner crashed: twice a full send cycle
// of per-attempt timeouts plus backoff waits.
func orphanAge(cfg *config.Config) time.Duration {
	backoffSum := time.Duration(0)
	d := cfg.Sender.BackoffBase
	for i := 1; i < cfg.Sender.RetryAttempts; i++ {
		backoffSum += d
		d = time.Duration(float64(d) * cfg.Sender.BackoffFactor)
	}
	cycle := time.Duration(cfg.Sender.RetryAttempts)*cfg.Sender.AttemptTimeout + backoffSum
	return 2 * cycle
}
