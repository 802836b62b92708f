// Package supervisor owns the pipeline's long-lived components: the three
// scheduler loops and the worker pool. Components start together and stop
// in reverse dependency order (producers first, then the consuming pool
// drains), and their health is aggregated for the ops endpoint.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/greetingd/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Runner is a long-lived component that blocks until its context ends
type Runner interface {
	Run(ctx context.Context)
}

// BreakerStater exposes the vendor breaker state to health aggregation
type BreakerStater interface {
	State() gobreaker.State
}

// Status levels reported by Health
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// LoopHealth is one loop's contribution to the health report
type LoopHealth struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	LastRun     time.Time `json:"lastRun"`
	LastSuccess time.Time `json:"lastSuccess"`
	NextRun     time.Time `json:"nextRun"`
	Runs        int64     `json:"runs"`
	Errors      int64     `json:"errors"`
	LastError   string    `json:"lastError,omitempty"`
}

// Health is the aggregated report
type Health struct {
	Status  string       `json:"status"`
	Breaker string       `json:"breaker"`
	Loops   []LoopHealth `json:"loops"`
}

// Supervisor wires and runs the pipeline
type Supervisor struct {
	loops   []*scheduler.Loop
	pool    Runner
	breaker BreakerStater

	mu         sync.Mutex
	loopCancel context.CancelFunc
	poolCancel context.CancelFunc
	loopWG     sync.WaitGroup
	poolWG     sync.WaitGroup
	started    bool
}

// New creates a Supervisor over the given loops and worker pool
func New(loops []*scheduler.Loop, pool Runner, breaker BreakerStater) *Supervisor {
	return &Supervisor{loops: loops, pool: pool, breaker: breaker}
}

// Start launches the worker pool and then the scheduler loops
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	poolCtx, poolCancel := context.WithCancel(ctx)
	loopCtx, loopCancel := context.WithCancel(ctx)
	s.poolCancel = poolCancel
	s.loopCancel = loopCancel

	// Consumers first so freshly enqueued work has somewhere to go
	s.poolWG.Add(1)
	go func() {
		defer s.poolWG.Done()
		s.pool.Run(poolCtx)
	}()

	for _, l := range s.loops {
		l := l
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			l.Run(loopCtx)
		}()
	}

	log.Info().Int("loops", len(s.loops)).Msg("supervisor started")
}

// Stop shuts down in reverse order: producers stop enqueueing, then the
// pool drains in-flight deliveries.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	loopCancel, poolCancel := s.loopCancel, s.poolCancel
	s.mu.Unlock()

	log.Info().Msg("supervisor stopping scheduler loops")
	loopCancel()
	s.loopWG.Wait()

	log.Info().Msg("supervisor draining worker pool")
	poolCancel()
	s.poolWG.Wait()

	log.Info().Msg("supervisor stopped")
}

// Health aggregates loop and breaker state. Degraded when any loop missed
// its window, down when every loop has.
func (s *Supervisor) Health() Health {
	now := time.Now()
	h := Health{Status: StatusHealthy}
	if s.breaker != nil {
		h.Breaker = s.breaker.State().String()
	}

	unhealthy := 0
	for _, l := range s.loops {
		st := l.Status()
		ok := l.Healthy(now)
		if !ok {
			unhealthy++
		}
		h.Loops = append(h.Loops, LoopHealth{
			Name:        st.Name,
			Healthy:     ok,
			LastRun:     st.LastRun,
			LastSuccess: st.LastSuccess,
			NextRun:     st.NextRun,
			Runs:        st.Runs,
			Errors:      st.Errors,
			LastError:   st.LastError,
		})
	}

	switch {
	case len(s.loops) > 0 && unhealthy == len(s.loops):
		h.Status = StatusDown
	case unhealthy > 0:
		h.Status = StatusDegraded
	}
	return h
}
