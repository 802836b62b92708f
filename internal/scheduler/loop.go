// Package scheduler runs the three long-lived pipeline loops: the daily
// materializer, the minute enqueuer, and the recovery sweeper. Each loop is
// a ticker around a single pass function; per-item failures inside a pass
// are isolated by the pass itself, a failed pass only bumps the error
// counter, and health degrades when no pass has succeeded within three
// intervals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Stats is a loop's observable status
type Stats struct {
	Name        string
	LastRun     time.Time
	LastSuccess time.Time
	NextRun     time.Time
	Runs        int64
	Errors      int64
	LastError   string
}

// Loop wraps a pass function in a ticker with status tracking
type Loop struct {
	name     string
	interval time.Duration
	pass     func(context.Context) error
	met      *metrics.Set

	mu    sync.Mutex
	stats Stats
}

// NewLoop creates a loop; it does not start until Run is called
func NewLoop(name string, interval time.Duration, met *metrics.Set, pass func(context.Context) error) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		pass:     pass,
		met:      met,
		stats:    Stats{Name: name},
	}
}

// Name returns the loop's name
func (l *Loop) Name() string { return l.name }

// Interval returns the loop's tick interval
func (l *Loop) Interval() time.Duration { return l.interval }

// Run executes an immediate first pass, then ticks until ctx is done
func (l *Loop) Run(ctx context.Context) {
	log.Info().Str("loop", l.name).Dur("interval", l.interval).Msg("scheduler loop starting")

	l.runPass(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("loop", l.name).Msg("scheduler loop stopped")
			return
		case <-ticker.C:
			l.runPass(ctx)
		}
	}
}

func (l *Loop) runPass(ctx context.Context) {
	start := time.Now()
	err := l.pass(ctx)

	l.mu.Lock()
	l.stats.LastRun = start
	l.stats.NextRun = start.Add(l.interval)
	l.stats.Runs++
	if err != nil {
		l.stats.Errors++
		l.stats.LastError = err.Error()
	} else {
		l.stats.LastSuccess = start
		l.stats.LastError = ""
	}
	l.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.met.LoopErrors.WithLabelValues(l.name).Inc()
		log.Error().Err(err).Str("loop", l.name).Msg("scheduler pass failed")
		return
	}
	l.met.LoopLastSuccess.WithLabelValues(l.name).Set(float64(start.Unix()))
	log.Debug().Str("loop", l.name).Dur("took", time.Since(start)).Msg("scheduler pass complete")
}

// Status returns a snapshot of the loop's stats
func (l *Loop) Status() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Healthy reports whether the loop has succeeded within 3x its interval.
// A loop that has not yet completed its first pass counts as healthy for
// one grace window from process start.
func (l *Loop) Healthy(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stats.LastSuccess.IsZero() {
		return l.stats.Runs == 0 || now.Sub(l.stats.LastRun) < 3*l.interval
	}
	return now.Sub(l.stats.LastSuccess) < 3*l.interval
}
