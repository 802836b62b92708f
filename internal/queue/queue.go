// Package queue is a durable per-type job queue over PostgreSQL, standing in
// for an external broker. Publish confirms are transaction commits; delayed
// delivery rides the deliver_at column; claim batches use
// FOR UPDATE SKIP LOCKED so concurrent consumers never double-claim;
// nack-with-requeue applies an exponential delay schedule and after
// MaxRetries the job is parked in the dead-letter state, keeping its origin
// queue for forensics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// MaxPayloadBytes bounds a published job's serialized size
const MaxPayloadBytes = 1 << 20

// Job states in the queue_jobs table
const (
	stateReady   = "ready"
	stateClaimed = "claimed"
	stateDead    = "dead"
)

// retryDelayCap bounds the nack-requeue backoff schedule
const retryDelayCap = 60 * time.Second

// Name returns the queue name for a message type
func Name(typ model.MessageType) string {
	return strings.ToLower(string(typ))
}

// Queue is the broker facade shared by publishers and consumers
type Queue struct {
	DB         *pgxpool.Pool
	MaxRetries int
}

// New creates a Queue
func New(db *pgxpool.Pool, maxRetries int) *Queue {
	return &Queue{DB: db, MaxRetries: maxRetries}
}

// Delivery is a claimed job owned by a consumer until Ack or Nack
type Delivery struct {
	ID         int64
	Queue      string
	RetryCount int
	Job        model.Job
}

// Publish persists a job for delivery no earlier than deliverAt. The insert
// commit is the publisher confirm: once Publish returns nil the job survives
// restarts on either side.
func (q *Queue) Publish(ctx context.Context, typ model.MessageType, job model.Job, deliverAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "failed to encode job", err)
	}
	if len(payload) > MaxPayloadBytes {
		return fault.Newf(fault.KindValidation, "job payload %d bytes exceeds %d", len(payload), MaxPayloadBytes)
	}

	name := Name(typ)
	_, err = q.DB.Exec(ctx, `
		INSERT INTO queue_jobs (queue, origin_queue, payload, state, retry_count, deliver_at)
		VALUES ($1, $1, $2, $3, $4, $5)
	`, name, payload, stateReady, job.RetryCount, deliverAt)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "failed to publish job", err)
	}
	return nil
}

// Claim atomically takes up to limit due jobs from the named queue. Claimed
// jobs are invisible to other consumers until acked, nacked, or released by
// the claim sweeper.
func (q *Queue) Claim(ctx context.Context, queueName, consumerID string, limit int) ([]*Delivery, error) {
	rows, err := q.DB.Query(ctx, `
		UPDATE queue_jobs
		SET state = $4, claimed_at = now(), claimed_by = $3, updated_at = now()
		WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE queue = $1 AND state = $5 AND deliver_at <= now()
			ORDER BY deliver_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, retry_count, payload
	`, queueName, limit, consumerID, stateClaimed, stateReady)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "failed to claim jobs", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		var payload []byte
		if err := rows.Scan(&d.ID, &d.Queue, &d.RetryCount, &payload); err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to scan claimed job", err)
		}
		if err := json.Unmarshal(payload, &d.Job); err != nil {
			// Poison payload goes straight to the DLQ
			log.Error().Err(err).Int64("job_id", d.ID).Msg("undecodable job payload, dead-lettering")
			if derr := q.NackDead(ctx, &d, "undecodable payload: "+err.Error()); derr != nil {
				return nil, derr
			}
			continue
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindTransient, "claim iteration error", err)
	}
	return out, nil
}

// Ack removes the job; delivery is complete
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	tag, err := q.DB.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1 AND state = $2`, d.ID, stateClaimed)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "failed to ack job", err)
	}
	if tag.RowsAffected() == 0 {
		log.Warn().Int64("job_id", d.ID).Msg("ack found no claimed job; claim likely expired")
	}
	return nil
}

// NackRequeue returns the job to the queue after a backoff delay. Once the
// retry counter passes MaxRetries the job is parked dead instead.
func (q *Queue) NackRequeue(ctx context.Context, d *Delivery, reason string) error {
	retries := d.RetryCount + 1
	if retries >= q.MaxRetries {
		return q.NackDead(ctx, d, reason)
	}

	delay := RetryDelay(retries)
	tag, err := q.DB.Exec(ctx, `
		UPDATE queue_jobs
		SET state = $2, retry_count = $3, deliver_at = now() + $4,
		    claimed_at = NULL, claimed_by = NULL, last_error = $5, updated_at = now()
		WHERE id = $1
	`, d.ID, stateReady, retries, delay, reason)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "failed to requeue job", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.Newf(fault.KindNotFound, "job %d vanished before requeue", d.ID)
	}
	log.Debug().Int64("job_id", d.ID).Int("retries", retries).Dur("delay", delay).Msg("job requeued with backoff")
	return nil
}

// Release returns a claimed job to ready without touching its retry
// counter. Used at shutdown for jobs the consumer buffered but never
// started handling.
func (q *Queue) Release(ctx context.Context, d *Delivery) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE queue_jobs
		SET state = $2, claimed_at = NULL, claimed_by = NULL, updated_at = now()
		WHERE id = $1 AND state = $3
	`, d.ID, stateReady, stateClaimed)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "failed to release job", err)
	}
	return nil
}

// NackDead parks the job in the dead-letter state for operator inspection
func (q *Queue) NackDead(ctx context.Context, d *Delivery, reason string) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE queue_jobs
		SET state = $2, claimed_at = NULL, claimed_by = NULL,
		    last_error = $3, updated_at = now()
		WHERE id = $1
	`, d.ID, stateDead, reason)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "failed to dead-letter job", err)
	}
	log.Warn().Int64("job_id", d.ID).Str("queue", d.Queue).Str("reason", reason).Msg("job dead-lettered")
	return nil
}

// ReleaseExpiredClaims returns jobs claimed longer than maxAge ago to the
// ready state. This is the redelivery path after a consumer crash.
func (q *Queue) ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	tag, err := q.DB.Exec(ctx, `
		UPDATE queue_jobs
		SET state = $1, claimed_at = NULL, claimed_by = NULL, updated_at = now()
		WHERE state = $2 AND claimed_at < now() - $3
	`, stateReady, stateClaimed, maxAge)
	if err != nil {
		return 0, fault.Wrap(fault.KindTransient, "failed to release expired claims", err)
	}
	return int(tag.RowsAffected()), nil
}

// Depth returns the number of ready jobs in a queue
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	return q.countState(ctx, queueName, stateReady)
}

// DLQDepth returns the number of dead-lettered jobs originating from a queue
func (q *Queue) DLQDepth(ctx context.Context, queueName string) (int, error) {
	return q.countState(ctx, queueName, stateDead)
}

func (q *Queue) countState(ctx context.Context, queueName, state string) (int, error) {
	var n int
	err := q.DB.QueryRow(ctx,
		`SELECT count(*) FROM queue_jobs WHERE origin_queue = $1 AND state = $2`,
		queueName, state).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fault.Wrap(fault.KindTransient, "failed to count queue depth", err)
	}
	return n, nil
}

// RetryDelay returns the nack-requeue backoff for the given retry number:
// 1s, 2s, 4s, 8s, 16s, ... capped at 60s.
func RetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := time.Second
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= retryDelayCap {
			return retryDelayCap
		}
	}
	if d > retryDelayCap {
		return retryDelayCap
	}
	return d
}
