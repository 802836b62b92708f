package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// emptyPollInterval is how long a consumer sleeps when its queue is empty
const emptyPollInterval = time.Second

// Claimer is the claim surface a Consumer pulls from; satisfied by *Queue
type Claimer interface {
	Claim(ctx context.Context, queueName, consumerID string, limit int) ([]*Delivery, error)
}

// Consumer pulls deliveries from one queue with a bounded local buffer of
// prefetch jobs. Broker errors back off exponentially up to the configured
// cap, and a flapping connection (more than flapLimit up/down transitions
// inside a minute) pauses the consumer for the full cap so the upstream can
// stabilize.
type Consumer struct {
	q          Claimer
	queueName  string
	consumerID string
	prefetch   int

	mu  sync.Mutex
	buf []*Delivery

	retry *backoff.ExponentialBackOff
	flap  *flapWatch
}

// NewConsumer creates a consumer for one queue
func NewConsumer(q Claimer, queueName, consumerID string, prefetch int, pollBackoffCap time.Duration) *Consumer {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = pollBackoffCap
	bo.MaxElapsedTime = 0 // retry forever; shutdown comes via ctx
	return &Consumer{
		q:          q,
		queueName:  queueName,
		consumerID: consumerID,
		prefetch:   prefetch,
		retry:      bo,
		flap:       newFlapWatch(3, time.Minute),
	}
}

// Receive blocks until a delivery is available or ctx is done
func (c *Consumer) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if d := c.pop(); d != nil {
			return d, nil
		}

		if c.flap.Flapping() {
			log.Warn().Str("queue", c.queueName).Msg("broker connection flapping; pausing consumer")
			if err := sleepCtx(ctx, c.retry.MaxInterval); err != nil {
				return nil, err
			}
			c.flap.Reset()
		}

		batch, err := c.q.Claim(ctx, c.queueName, c.consumerID, c.prefetch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.flap.Record(false)
			wait := c.retry.NextBackOff()
			log.Warn().Err(err).Str("queue", c.queueName).Dur("backoff", wait).Msg("claim failed; backing off")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		c.flap.Record(true)
		c.retry.Reset()

		if len(batch) == 0 {
			if err := sleepCtx(ctx, emptyPollInterval); err != nil {
				return nil, err
			}
			continue
		}

		c.mu.Lock()
		c.buf = append(c.buf, batch...)
		c.mu.Unlock()
	}
}

func (c *Consumer) pop() *Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		return nil
	}
	d := c.buf[0]
	c.buf = c.buf[1:]
	return d
}

// Drain returns buffered deliveries without claiming more; used at shutdown
// so locally-held jobs can be released promptly.
func (c *Consumer) Drain() []*Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// flapWatch tracks connectivity transitions over a rolling window
type flapWatch struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	lastOK      bool
	initialized bool
	transitions []time.Time
}

func newFlapWatch(limit int, window time.Duration) *flapWatch {
	return &flapWatch{limit: limit, window: window}
}

// Record notes the current connection state and tracks transitions
func (f *flapWatch) Record(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized && ok != f.lastOK {
		f.transitions = append(f.transitions, time.Now())
	}
	f.initialized = true
	f.lastOK = ok
	f.prune()
}

// Flapping reports whether transitions exceeded the limit within the window
func (f *flapWatch) Flapping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prune()
	return len(f.transitions) > f.limit
}

// Reset clears transition history after a deliberate cool-down
func (f *flapWatch) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = nil
}

func (f *flapWatch) prune() {
	cut := time.Now().Add(-f.window)
	for len(f.transitions) > 0 && f.transitions[0].Before(cut) {
		f.transitions = f.transitions[1:]
	}
}
