package scheduler

import (
	"context"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/rs/zerolog/log"
)

// EnqueueStore is the record persistence the enqueuer depends on; satisfied
// by *store.MessageStore.
type EnqueueStore interface {
	FindScheduledBetween(ctx context.Context, lo, hi time.Time) ([]*model.MessageRecord, error)
	TransitionStatus(ctx context.Context, id string, from, to model.Status, extras store.TransitionExtras) error
}

// Publisher is the queue surface the enqueuer depends on; satisfied by
// *queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, typ model.MessageType, job model.Job, deliverAt time.Time) error
}

// Enqueuer is the minute loop: it publishes near-future SCHEDULED records
// to the queue with a delivery delay so workers receive them at send time.
//
// The claim order is CAS first, publish second: the SCHEDULED→QUEUED
// transition is the mutual exclusion between concurrent enqueuer replicas,
// so only the CAS winner publishes. A publish failure rolls the record back
// to SCHEDULED; if even the rollback is lost, the recovery sweeper finds
// the stuck QUEUED row later.
type Enqueuer struct {
	Messages  EnqueueStore
	Queue     Publisher
	Met       *metrics.Set
	Lookahead time.Duration
	Now       func() time.Time
}

// NewEnqueuer creates the minute enqueuer
func NewEnqueuer(messages EnqueueStore, q Publisher, met *metrics.Set, lookahead time.Duration) *Enqueuer {
	return &Enqueuer{
		Messages:  messages,
		Queue:     q,
		Met:       met,
		Lookahead: lookahead,
		Now:       time.Now,
	}
}

// RunOnce publishes one batch. The window has no lower bound so overdue
// records reset by the recovery sweeper are republished here too; the
// lookahead overlaps successive ticks to tolerate clock skew and missed
// ticks.
func (e *Enqueuer) RunOnce(ctx context.Context) error {
	now := e.Now().UTC()

	due, err := e.Messages.FindScheduledBetween(ctx, time.Time{}, now.Add(e.Lookahead))
	if err != nil {
		return err
	}

	var firstErr error
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.enqueue(ctx, now, rec); err != nil {
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("failed to enqueue record")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Enqueuer) enqueue(ctx context.Context, now time.Time, rec *model.MessageRecord) error {
	err := e.Messages.TransitionStatus(ctx, rec.ID, model.StatusScheduled, model.StatusQueued, store.TransitionExtras{})
	if err != nil {
		if fault.KindOf(err) == fault.KindConflict {
			// Another enqueuer claimed it
			return nil
		}
		return err
	}

	job := model.Job{
		MessageID:      rec.ID,
		UserID:         rec.UserID,
		MessageType:    rec.Type,
		ScheduledAt:    rec.ScheduledSendTime,
		RetryCount:     rec.RetryCount,
		IdempotencyKey: rec.IdempotencyKey,
	}

	deliverAt := rec.ScheduledSendTime
	if deliverAt.Before(now) {
		deliverAt = now
	}

	if err := e.Queue.Publish(ctx, rec.Type, job, deliverAt); err != nil {
		// Roll back so the next tick retries; best effort, recovery covers
		// the stuck QUEUED row if this fails too.
		if rbErr := e.Messages.TransitionStatus(ctx, rec.ID, model.StatusQueued, model.StatusScheduled, store.TransitionExtras{}); rbErr != nil {
			log.Error().Err(rbErr).Str("record_id", rec.ID).Msg("failed to roll back after publish failure")
		}
		return err
	}

	e.Met.MessagesEnqueued.WithLabelValues(string(rec.Type)).Inc()
	log.Debug().
		Str("record_id", rec.ID).
		Time("deliver_at", deliverAt).
		Dur("delay", deliverAt.Sub(now)).
		Msg("record enqueued")
	return nil
}
