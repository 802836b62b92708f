// Package store implements the message log and the read-only user queries
// over PostgreSQL. All status transitions are compare-and-set UPDATEs; the
// partial unique index on idempotency_key is the serialization point that
// makes concurrent materializer replicas safe.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const recordColumns = `id, user_id, message_type, message_body, scheduled_send_time,
	actual_send_time, status, retry_count, idempotency_key,
	api_response_code, api_response_body, error_message, created_at, updated_at`

// MessageStore persists MessageRecords and their status transitions
type MessageStore struct {
	DB *pgxpool.Pool
}

// NewMessageStore creates a MessageStore
func NewMessageStore(db *pgxpool.Pool) *MessageStore {
	return &MessageStore{DB: db}
}

// TransitionExtras carries optional columns stamped alongside a CAS
// status transition.
type TransitionExtras struct {
	ErrorMessage *string
}

// Create inserts a fresh SCHEDULED record. A unique-index violation on the
// idempotency key returns a CONFLICT fault; the daily loop treats that as
// an expected duplicate and skips.
func (s *MessageStore) Create(ctx context.Context, rec *model.MessageRecord) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_log (
			id, user_id, message_type, message_body, scheduled_send_time,
			status, retry_count, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`, rec.ID, rec.UserID, rec.Type, rec.Body, rec.ScheduledSendTime, model.StatusScheduled, rec.IdempotencyKey)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fault.Wrap(fault.KindConflict, "idempotency key already held: "+rec.IdempotencyKey, err)
		}
		return fault.Wrap(fault.KindInternal, "failed to insert message record", err)
	}
	rec.Status = model.StatusScheduled
	rec.RetryCount = 0
	return nil
}

// FindByID returns the record or a NOT_FOUND fault
func (s *MessageStore) FindByID(ctx context.Context, id string) (*model.MessageRecord, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM message_log WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.Newf(fault.KindNotFound, "message record %s not found", id)
		}
		return nil, fault.Wrap(fault.KindInternal, "failed to load message record", err)
	}
	return rec, nil
}

// FindScheduledBetween returns SCHEDULED records with scheduled_send_time
// in [lo, hi), ordered by send time.
func (s *MessageStore) FindScheduledBetween(ctx context.Context, lo, hi time.Time) ([]*model.MessageRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM message_log
		WHERE status = $1 AND scheduled_send_time >= $2 AND scheduled_send_time < $3
		ORDER BY scheduled_send_time
	`, model.StatusScheduled, lo, hi)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to query scheduled records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindMissed returns non-terminal records whose scheduled send time passed
// more than grace ago. These should have completed and need recovery.
func (s *MessageStore) FindMissed(ctx context.Context, now time.Time, grace time.Duration) ([]*model.MessageRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM message_log
		WHERE status = ANY($1) AND scheduled_send_time < $2
		ORDER BY scheduled_send_time
	`, statusStrings(model.NonTerminalStatuses), now.Add(-grace))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to query missed records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// FindPendingScheduledForUser returns the user's SCHEDULED records with a
// send time at or after now. Records already claimed (QUEUED, SENDING) are
// deliberately excluded: reschedule never touches in-flight work.
func (s *MessageStore) FindPendingScheduledForUser(ctx context.Context, userID string, now time.Time) ([]*model.MessageRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recordColumns+`
		FROM message_log
		WHERE user_id = $1 AND status = $2 AND scheduled_send_time >= $3
		ORDER BY scheduled_send_time
	`, userID, model.StatusScheduled, now)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "failed to query pending records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CheckIdempotency returns the non-terminal record holding key, or nil
func (s *MessageStore) CheckIdempotency(ctx context.Context, key string) (*model.MessageRecord, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM message_log
		WHERE idempotency_key = $1 AND status = ANY($2)
	`, key, statusStrings(model.NonTerminalStatuses))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindInternal, "failed to check idempotency key", err)
	}
	return rec, nil
}

// TransitionStatus performs a compare-and-set status change. It fails with
// CONFLICT when the record is not in from, NOT_FOUND when it does not exist.
func (s *MessageStore) TransitionStatus(ctx context.Context, id string, from, to model.Status, extras TransitionExtras) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE message_log
		SET status = $3,
		    error_message = COALESCE($4, error_message),
		    updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from, to, extras.ErrorMessage)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Reviving this row would collide with a newer holder of the
			// same idempotency key (a reschedule replaced it).
			return fault.Wrap(fault.KindConflict, "idempotency key reclaimed by a newer record", err)
		}
		return fault.Wrap(fault.KindInternal, "failed to transition status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainCASFailure(ctx, id, from)
	}
	return nil
}

// MarkSent stamps the actual send instant and the vendor response. Accepts
// the record from any claimable state so crash recovery can complete a send
// that was interrupted before its SENDING transition committed.
func (s *MessageStore) MarkSent(ctx context.Context, id string, vendorCode int, vendorBody string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE message_log
		SET status = $2, actual_send_time = now(),
		    api_response_code = $3, api_response_body = $4,
		    error_message = NULL, updated_at = now()
		WHERE id = $1 AND status = ANY($5)
	`, id, model.StatusSent, vendorCode, vendorBody,
		[]string{string(model.StatusSending), string(model.StatusQueued), string(model.StatusScheduled)})
	if err != nil {
		return fault.Wrap(fault.KindInternal, "failed to mark record sent", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainCASFailure(ctx, id, model.StatusSending)
	}
	return nil
}

// MarkFailed increments the retry counter and moves the record to
// FAILED_RETRY, or to terminal FAILED once retries reach maxRetries.
// The updated record is returned so the caller can pick ack vs nack.
func (s *MessageStore) MarkFailed(ctx context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error) {
	return s.markFailed(ctx, id, errMsg, maxRetries, false)
}

// MarkFailedPermanent forces the retry counter to maxRetries and terminates
// the record. Used for permanently classified failures where further
// attempts are pointless.
func (s *MessageStore) MarkFailedPermanent(ctx context.Context, id, errMsg string, maxRetries int) (*model.MessageRecord, error) {
	return s.markFailed(ctx, id, errMsg, maxRetries, true)
}

func (s *MessageStore) markFailed(ctx context.Context, id, errMsg string, maxRetries int, permanent bool) (*model.MessageRecord, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE message_log
		SET retry_count = CASE WHEN $4 THEN GREATEST(retry_count + 1, $3::int) ELSE retry_count + 1 END,
		    status = CASE WHEN $4 OR retry_count + 1 >= $3 THEN $5 ELSE $6 END,
		    error_message = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($7)
		RETURNING `+recordColumns+`
	`, id, errMsg, maxRetries, permanent, model.StatusFailed, model.StatusFailedRetry,
		statusStrings(model.NonTerminalStatuses))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.explainCASFailure(ctx, id, model.StatusSending)
		}
		return nil, fault.Wrap(fault.KindInternal, "failed to mark record failed", err)
	}
	return rec, nil
}

// explainCASFailure distinguishes a lost CAS race from a missing row
func (s *MessageStore) explainCASFailure(ctx context.Context, id string, want model.Status) error {
	var got model.Status
	err := s.DB.QueryRow(ctx, `SELECT status FROM message_log WHERE id = $1`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return fault.Newf(fault.KindNotFound, "message record %s not found", id)
	}
	if err != nil {
		return fault.Wrap(fault.KindInternal, "failed to read status after CAS miss", err)
	}
	log.Debug().Str("record_id", id).Str("want", string(want)).Str("got", string(got)).Msg("status CAS lost")
	return fault.Newf(fault.KindConflict, "record %s is %s, wanted %s", id, got, want)
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Type, &rec.Body, &rec.ScheduledSendTime,
		&rec.ActualSendTime, &rec.Status, &rec.RetryCount, &rec.IdempotencyKey,
		&rec.APIResponseCode, &rec.APIResponseBody, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*model.MessageRecord, error) {
	var out []*model.MessageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to scan message record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "row iteration error", err)
	}
	return out, nil
}
