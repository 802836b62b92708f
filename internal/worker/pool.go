// Package worker consumes queue deliveries and drives each message record
// through its send attempt: dedupe, claim, call the vendor, record the
// outcome, ack or nack. Every delivery ends in exactly one of ack,
// nack-requeue, or nack-dlq.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/erauner12/greetingd/internal/config"
	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/queue"
	"github.com/erauner12/greetingd/internal/sender"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the outbound call the pool depends on; satisfied by
// *sender.Sender and by test fakes.
type Sender interface {
	Send(ctx context.Context, user *model.User, typ model.MessageType, body, idemKey string) (*sender.Result, error)
}

// MessageStore is the record persistence the pool depends on; satisfied by
// *store.MessageStore.
type MessageStore interface {
	FindByID(ctx context.Context, id string) (*model.MessageRecord, error)
	TransitionStatus(ctx context.Context, id string, from, to model.Status, extras store.TransitionExtras) error
	MarkSent(ctx context.Context, id string, vendorCode int, vendorBody string) error
	MarkFailed(ctx context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error)
	MarkFailedPermanent(ctx context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error)
}

// UserStore is the user lookup the pool depends on; satisfied by
// *store.UserStore.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// Broker is the queue surface the pool depends on; satisfied by
// *queue.Queue.
type Broker interface {
	Claim(ctx context.Context, queueName, consumerID string, limit int) ([]*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	NackRequeue(ctx context.Context, d *queue.Delivery, reason string) error
	NackDead(ctx context.Context, d *queue.Delivery, reason string) error
	Release(ctx context.Context, d *queue.Delivery) error
}

// claimableStatuses are the states a worker may CAS into SENDING. A record
// observed in SENDING belongs to another live worker and must be dropped,
// not re-claimed; the recovery sweeper reclaims genuinely orphaned SENDING
// rows after the orphan age.
var claimableStatuses = map[model.Status]bool{
	model.StatusScheduled:   true,
	model.StatusQueued:      true,
	model.StatusFailedRetry: true,
}

// Pool runs cfg.Count workers per message type
type Pool struct {
	Queue    Broker
	Messages MessageStore
	Users    UserStore
	Send     Sender
	Met      *metrics.Set

	Workers    config.WorkerConfig
	Prefetch   int
	PollCap    time.Duration
	MaxRetries int
}

// NewPool creates a worker pool
func NewPool(q Broker, messages MessageStore, users UserStore, snd Sender, met *metrics.Set, cfg *config.Config) *Pool {
	return &Pool{
		Queue:      q,
		Messages:   messages,
		Users:      users,
		Send:       snd,
		Met:        met,
		Workers:    cfg.Workers,
		Prefetch:   cfg.Queue.Prefetch,
		PollCap:    cfg.Queue.PollBackoff,
		MaxRetries: cfg.Queue.MaxRetries,
	}
}

// Run blocks until ctx is canceled, then drains in-flight work up to the
// drain deadline. Deliveries buffered but untouched are released back to
// the queue for redelivery.
func (p *Pool) Run(ctx context.Context) {
	// In-flight handlers outlive the shutdown signal by at most the drain
	// timeout; after that their context is cut and the recovery sweeper
	// plus claim expiry pick up the pieces.
	handleCtx, handleCancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		timer := time.AfterFunc(p.Workers.DrainTimeout, handleCancel)
		defer timer.Stop()
		<-handleCtx.Done()
	}()

	host, _ := os.Hostname()

	var wg sync.WaitGroup
	for _, typ := range model.AllTypes {
		queueName := queue.Name(typ)
		for i := 0; i < p.Workers.Count; i++ {
			consumerID := fmt.Sprintf("%s-%s-%d-%s", host, queueName, i, uuid.NewString()[:8])
			c := queue.NewConsumer(p.Queue, queueName, consumerID, p.Prefetch, p.PollCap)
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.consume(ctx, handleCtx, c)
			}()
		}
	}
	wg.Wait()
	handleCancel()
	log.Info().Msg("worker pool drained")
}

func (p *Pool) consume(ctx, handleCtx context.Context, c *queue.Consumer) {
	for {
		p.waitForMemory(ctx)

		d, err := c.Receive(ctx)
		if err != nil {
			// Shutdown: release anything still buffered locally
			for _, buffered := range c.Drain() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if rerr := p.Queue.Release(releaseCtx, buffered); rerr != nil {
					log.Warn().Err(rerr).Int64("job_id", buffered.ID).Msg("failed to release buffered job at shutdown")
				}
				cancel()
			}
			return
		}
		p.handle(handleCtx, d)
	}
}

// handle processes one delivery end to end. It always finishes the
// delivery with exactly one of ack, nack-requeue, or nack-dlq.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) {
	logger := log.With().
		Int64("job_id", d.ID).
		Str("record_id", d.Job.MessageID).
		Str("queue", d.Queue).
		Logger()

	rec, err := p.Messages.FindByID(ctx, d.Job.MessageID)
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			logger.Warn().Msg("record gone; dropping job")
			p.ack(ctx, d)
			return
		}
		logger.Error().Err(err).Msg("failed to load record; requeueing")
		p.nackRequeue(ctx, d, err.Error())
		return
	}

	// Idempotent short-circuit: this is what makes broker redelivery safe
	if rec.Status == model.StatusSent {
		logger.Debug().Msg("record already sent; dropping duplicate delivery")
		p.ack(ctx, d)
		return
	}
	if rec.Status == model.StatusFailed {
		logger.Debug().Msg("record already terminal; dropping job")
		p.ack(ctx, d)
		return
	}
	if !claimableStatuses[rec.Status] {
		// Another worker's send is in flight; a SENDING→SENDING CAS would
		// match and let a second vendor call through.
		logger.Debug().Str("status", string(rec.Status)).Msg("record claimed elsewhere; dropping duplicate delivery")
		p.ack(ctx, d)
		return
	}

	// Claim via CAS; a concurrent worker losing this race drops its copy
	if err := p.Messages.TransitionStatus(ctx, rec.ID, rec.Status, model.StatusSending, store.TransitionExtras{}); err != nil {
		if fault.KindOf(err) == fault.KindConflict {
			logger.Debug().Msg("claim lost to concurrent worker; dropping")
			p.ack(ctx, d)
			return
		}
		logger.Error().Err(err).Msg("claim transition failed; requeueing")
		p.nackRequeue(ctx, d, err.Error())
		return
	}

	user, err := p.Users.FindByID(ctx, rec.UserID)
	if err == nil && user.Deleted() {
		err = fault.Newf(fault.KindPermanent, "user %s soft-deleted", rec.UserID)
	}
	if err != nil {
		if fault.IsPermanent(err) {
			p.finishPermanent(ctx, d, rec, err, logger)
			return
		}
		p.finishTransient(ctx, d, rec, err, logger)
		return
	}

	start := time.Now()
	res, err := p.Send.Send(ctx, user, rec.Type, rec.Body, rec.IdempotencyKey)
	p.Met.SendDuration.WithLabelValues(string(rec.Type)).Observe(time.Since(start).Seconds())

	if err != nil {
		if fault.IsPermanent(err) {
			p.finishPermanent(ctx, d, rec, err, logger)
		} else {
			p.finishTransient(ctx, d, rec, err, logger)
		}
		return
	}

	if err := p.Messages.MarkSent(ctx, rec.ID, res.StatusCode, res.Body); err != nil {
		// The vendor accepted the message; never resend. The record state
		// anomaly (a concurrent terminal transition) is logged for audit.
		logger.Error().Err(err).Msg("send succeeded but mark-sent failed")
	} else {
		p.Met.MessagesSent.WithLabelValues(string(rec.Type)).Inc()
		logger.Info().Int("vendor_status", res.StatusCode).Msg("message sent")
	}
	p.ack(ctx, d)
}

func (p *Pool) finishTransient(ctx context.Context, d *queue.Delivery, rec *model.MessageRecord, sendErr error, logger zerolog.Logger) {
	p.Met.MessagesFailed.WithLabelValues(string(rec.Type), string(fault.KindOf(sendErr))).Inc()

	updated, err := p.Messages.MarkFailed(ctx, rec.ID, sendErr.Error(), p.MaxRetries)
	if err != nil {
		logger.Error().Err(err).Msg("mark-failed failed; requeueing anyway")
		p.nackRequeue(ctx, d, sendErr.Error())
		return
	}

	if updated.Status == model.StatusFailed {
		logger.Warn().Int("retries", updated.RetryCount).Msg("retries exhausted; dead-lettering")
		p.Met.JobsDeadLettered.WithLabelValues(d.Queue).Inc()
		p.nackDead(ctx, d, sendErr.Error())
		return
	}

	logger.Warn().Err(sendErr).Int("retries", updated.RetryCount).Msg("transient send failure; requeueing")
	p.nackRequeue(ctx, d, sendErr.Error())
}

func (p *Pool) finishPermanent(ctx context.Context, d *queue.Delivery, rec *model.MessageRecord, sendErr error, logger zerolog.Logger) {
	p.Met.MessagesFailed.WithLabelValues(string(rec.Type), string(fault.KindOf(sendErr))).Inc()

	if _, err := p.Messages.MarkFailedPermanent(ctx, rec.ID, sendErr.Error(), p.MaxRetries); err != nil {
		logger.Error().Err(err).Msg("failed to terminate record after permanent failure")
	}
	logger.Warn().Err(sendErr).Msg("permanent send failure; dead-lettering")
	p.Met.JobsDeadLettered.WithLabelValues(d.Queue).Inc()
	p.nackDead(ctx, d, sendErr.Error())
}

func (p *Pool) ack(ctx context.Context, d *queue.Delivery) {
	if err := p.Queue.Ack(ctx, d); err != nil {
		log.Error().Err(err).Int64("job_id", d.ID).Msg("ack failed")
	}
}

func (p *Pool) nackRequeue(ctx context.Context, d *queue.Delivery, reason string) {
	if err := p.Queue.NackRequeue(ctx, d, reason); err != nil {
		log.Error().Err(err).Int64("job_id", d.ID).Msg("nack-requeue failed")
	}
}

func (p *Pool) nackDead(ctx context.Context, d *queue.Delivery, reason string) {
	if err := p.Queue.NackDead(ctx, d, reason); err != nil {
		log.Error().Err(err).Int64("job_id", d.ID).Msg("nack-dlq failed")
	}
}
