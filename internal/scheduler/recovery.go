package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/queue"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/rs/zerolog/log"
)

// SweepStore is the record persistence the sweeper depends on; satisfied by
// *store.MessageStore.
type SweepStore interface {
	FindMissed(ctx context.Context, now time.Time, grace time.Duration) ([]*model.MessageRecord, error)
	TransitionStatus(ctx context.Context, id string, from, to model.Status, extras store.TransitionExtras) error
}

// SweepQueue is the queue surface the sweeper depends on; satisfied by
// *queue.Queue.
type SweepQueue interface {
	ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error)
	Depth(ctx context.Context, queueName string) (int, error)
	DLQDepth(ctx context.Context, queueName string) (int, error)
}

// Sweeper is the recovery loop: it finds records that should have completed
// by now and either returns them to SCHEDULED for republication or
// terminates them once retries are exhausted. It also releases queue claims
// orphaned by crashed consumers and refreshes the depth gauges.
type Sweeper struct {
	Messages   SweepStore
	Queue      SweepQueue
	Met        *metrics.Set
	Grace      time.Duration
	OrphanAge  time.Duration // SENDING older than this is presumed crashed
	MaxRetries int
	Now        func() time.Time
}

// NewSweeper creates the recovery sweeper
func NewSweeper(messages SweepStore, q SweepQueue, met *metrics.Set, grace, orphanAge time.Duration, maxRetries int) *Sweeper {
	return &Sweeper{
		Messages:   messages,
		Queue:      q,
		Met:        met,
		Grace:      grace,
		OrphanAge:  orphanAge,
		MaxRetries: maxRetries,
		Now:        time.Now,
	}
}

// RunOnce executes one sweep. Per-record failures are isolated.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.Now().UTC()

	released, err := s.Queue.ReleaseExpiredClaims(ctx, s.OrphanAge)
	if err != nil {
		return err
	}
	if released > 0 {
		log.Info().Int("released", released).Msg("released expired queue claims")
	}

	missed, err := s.Messages.FindMissed(ctx, now, s.Grace)
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range missed {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.recover(ctx, now, rec); err != nil && fault.KindOf(err) != fault.KindConflict {
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("failed to recover record")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.refreshDepthGauges(ctx)
	return firstErr
}

func (s *Sweeper) recover(ctx context.Context, now time.Time, rec *model.MessageRecord) error {
	if rec.RetryCount >= s.MaxRetries {
		msg := fmt.Sprintf("retries exhausted (%d)", rec.RetryCount)
		err := s.Messages.TransitionStatus(ctx, rec.ID, rec.Status, model.StatusFailed,
			store.TransitionExtras{ErrorMessage: &msg})
		if err == nil {
			s.Met.MessagesFailed.WithLabelValues(string(rec.Type), string(fault.KindInternal)).Inc()
			log.Warn().Str("record_id", rec.ID).Int("retries", rec.RetryCount).Msg("record terminated by recovery")
		}
		return err
	}

	switch rec.Status {
	case model.StatusScheduled:
		// Overdue but already in the enqueuer's unbounded window; nothing
		// to do here.
		return nil

	case model.StatusQueued, model.StatusFailedRetry:
		// Publish lost, broker backlogged, or awaiting a retry the broker
		// forgot. Back to SCHEDULED; the enqueuer republishes and the
		// worker's SENT short-circuit absorbs any surviving duplicate job.
		err := s.Messages.TransitionStatus(ctx, rec.ID, rec.Status, model.StatusScheduled, store.TransitionExtras{})
		if err == nil {
			log.Info().Str("record_id", rec.ID).Str("was", string(rec.Status)).Msg("record reset for republication")
		}
		return err

	case model.StatusSending:
		// A live worker may still own this record; only reclaim once it
		// has been in SENDING far longer than a full send cycle.
		if now.Sub(rec.UpdatedAt) < s.OrphanAge {
			return nil
		}
		err := s.Messages.TransitionStatus(ctx, rec.ID, model.StatusSending, model.StatusScheduled, store.TransitionExtras{})
		if err == nil {
			log.Warn().Str("record_id", rec.ID).Msg("orphaned SENDING record reclaimed")
		}
		return err
	}
	return nil
}

func (s *Sweeper) refreshDepthGauges(ctx context.Context) {
	for _, typ := range model.AllTypes {
		name := queue.Name(typ)
		if n, err := s.Queue.Depth(ctx, name); err == nil {
			s.Met.QueueDepth.WithLabelValues(name).Set(float64(n))
		}
		if n, err := s.Queue.DLQDepth(ctx, name); err == nil {
			s.Met.DLQDepth.WithLabelValues(name).Set(float64(n))
		}
	}
}
