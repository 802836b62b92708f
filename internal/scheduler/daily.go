package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/idemkey"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/erauner12/greetingd/internal/timezone"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Materializer is the daily loop: it finds every user whose birthday or
// anniversary falls today in their own zone and creates the SCHEDULED
// message records. Safe to run from multiple replicas: losers of the
// create race observe CONFLICT and skip.
type Materializer struct {
	Users     *store.UserStore
	Messages  *store.MessageStore
	Met       *metrics.Set
	BatchSize int
	Now       func() time.Time
}

// NewMaterializer creates the daily materializer
func NewMaterializer(users *store.UserStore, messages *store.MessageStore, met *metrics.Set, batchSize int) *Materializer {
	return &Materializer{
		Users:     users,
		Messages:  messages,
		Met:       met,
		BatchSize: batchSize,
		Now:       time.Now,
	}
}

// RunOnce executes a single materialization pass over both message types.
// Per-user failures are logged and counted, never fatal to the pass.
func (m *Materializer) RunOnce(ctx context.Context) error {
	now := m.Now().UTC()

	var sweepErr error
	for _, typ := range model.AllTypes {
		err := m.Users.ForEachUserWithEventToday(ctx, typ, now, m.BatchSize, func(u *model.User) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.materializeUser(ctx, now, typ, u); err != nil {
				m.Met.LoopErrors.WithLabelValues("daily").Inc()
				log.Warn().Err(err).Str("user_id", u.ID).Str("type", string(typ)).Msg("failed to materialize user")
			}
			return nil
		})
		if err != nil && sweepErr == nil {
			sweepErr = err
		}
	}
	return sweepErr
}

// materializeUser creates one SCHEDULED record for (user, typ) dated today
// in the user's zone.
func (m *Materializer) materializeUser(ctx context.Context, now time.Time, typ model.MessageType, u *model.User) error {
	if u.Deleted() {
		return nil
	}
	if u.Email == "" || u.FirstName == "" {
		return fault.Newf(fault.KindValidation, "user %s is missing email or first name", u.ID)
	}
	cal, ok := typ.PickCalendarDate(u)
	if !ok {
		return nil
	}

	instant, err := SendInstantWithFallback(now, cal, u.Timezone)
	if err != nil {
		return err
	}

	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "unknown timezone "+u.Timezone, err)
	}
	localDate := now.In(loc)

	key, err := idemkey.Generate(u.ID, typ, localDate)
	if err != nil {
		return err
	}

	existing, err := m.Messages.CheckIdempotency(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		m.Met.DuplicatesSkipped.WithLabelValues(string(typ)).Inc()
		log.Debug().Str("key", key).Str("record_id", existing.ID).Msg("duplicate materialization skipped")
		return nil
	}

	rec := &model.MessageRecord{
		ID:                uuid.NewString(),
		UserID:            u.ID,
		Type:              typ,
		Body:              typ.RenderBody(u),
		ScheduledSendTime: instant,
		IdempotencyKey:    key,
	}
	if err := m.Messages.Create(ctx, rec); err != nil {
		if fault.KindOf(err) == fault.KindConflict {
			// Lost the create race to a concurrent replica
			m.Met.DuplicatesSkipped.WithLabelValues(string(typ)).Inc()
			log.Debug().Str("key", key).Msg("create conflict, another replica won")
			return nil
		}
		return err
	}

	m.Met.MessagesMaterialized.WithLabelValues(string(typ)).Inc()
	log.Info().
		Str("record_id", rec.ID).
		Str("user_id", u.ID).
		Str("type", string(typ)).
		Time("send_at", instant).
		Msg("message materialized")
	return nil
}

// SendInstantWithFallback computes the 09:00-local send instant, falling
// back to Feb 28 for Feb 29 anniversaries in non-leap years. The fallback
// is only valid because callers reach here after the leap-aware
// is-anniversary-today predicate already matched.
func SendInstantWithFallback(now time.Time, cal model.CalendarDay, zone string) (time.Time, error) {
	instant, err := timezone.ComputeSendInstant(now, cal, zone)
	if err == nil {
		return instant, nil
	}
	if errors.Is(err, timezone.ErrInvalidDateForYear) && cal.Month == time.February && cal.Day == 29 {
		return timezone.ComputeSendInstant(now, model.CalendarDay{Month: time.February, Day: 28}, zone)
	}
	return time.Time{}, err
}
