// Package reschedule rewrites pending scheduled messages after a user
// mutation (zone, birthday, anniversary, or soft-delete).
//
// Only SCHEDULED rows are touched. A record a worker already claimed
// (QUEUED or SENDING) is deliberately left alone: the user receives the
// old message in that race, and no attempt is made to cancel in-flight
// work. The CAS transitions keep state consistent either way.
package reschedule

import (
	"context"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/idemkey"
	"github.com/erauner12/greetingd/internal/metrics"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/scheduler"
	"github.com/erauner12/greetingd/internal/store"
	"github.com/erauner12/greetingd/internal/timezone"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// reasonRescheduled is the synthetic error message stamped on terminated
// records so audit can tell them from real failures.
const reasonRescheduled = "RESCHEDULED"

// Changes describes which user fields a CRUD write touched. The service
// re-derives scheduling state from the user row regardless; the struct
// exists so callers state their intent and future filtering stays cheap.
type Changes struct {
	Timezone    bool `json:"timezone"`
	Birthday    bool `json:"birthday"`
	Anniversary bool `json:"anniversary"`
	Deleted     bool `json:"deleted"`
}

// UserStore is the user lookup the service depends on; satisfied by
// *store.UserStore.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// MessageStore is the record persistence the service depends on; satisfied
// by *store.MessageStore.
type MessageStore interface {
	FindPendingScheduledForUser(ctx context.Context, userID string, now time.Time) ([]*model.MessageRecord, error)
	TransitionStatus(ctx context.Context, id string, from, to model.Status, extras store.TransitionExtras) error
	CheckIdempotency(ctx context.Context, key string) (*model.MessageRecord, error)
	Create(ctx context.Context, rec *model.MessageRecord) error
}

// Service applies reschedules
type Service struct {
	Users    UserStore
	Messages MessageStore
	Met      *metrics.Set
	Now      func() time.Time
}

// NewService creates a reschedule service
func NewService(users UserStore, messages MessageStore, met *metrics.Set) *Service {
	return &Service{Users: users, Messages: messages, Met: met, Now: time.Now}
}

// Reschedule terminates the user's pending SCHEDULED records (releasing
// their idempotency keys) and re-materializes under the user's current
// state when today still matches in the new zone and the send instant is
// still ahead.
func (s *Service) Reschedule(ctx context.Context, userID string, changes Changes) error {
	now := s.Now().UTC()
	s.Met.RescheduleRuns.Inc()

	user, err := s.Users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	pending, err := s.Messages.FindPendingScheduledForUser(ctx, userID, now)
	if err != nil {
		return err
	}

	reason := reasonRescheduled
	for _, rec := range pending {
		err := s.Messages.TransitionStatus(ctx, rec.ID, model.StatusScheduled, model.StatusFailed,
			store.TransitionExtras{ErrorMessage: &reason})
		if err != nil {
			if fault.KindOf(err) == fault.KindConflict {
				// The enqueuer claimed it between our query and the CAS;
				// the old message will be delivered.
				log.Info().Str("record_id", rec.ID).Msg("record claimed mid-reschedule; leaving in flight")
				continue
			}
			return err
		}
		log.Info().
			Str("record_id", rec.ID).
			Str("user_id", userID).
			Msg("pending record terminated for reschedule")
	}

	if user.Deleted() {
		return nil
	}

	var firstErr error
	for _, typ := range model.AllTypes {
		if err := s.materialize(ctx, now, typ, user); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Str("type", string(typ)).Msg("failed to re-materialize")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Service) materialize(ctx context.Context, now time.Time, typ model.MessageType, user *model.User) error {
	cal, ok := typ.PickCalendarDate(user)
	if !ok {
		return nil
	}

	match, err := timezone.IsAnniversaryToday(now, cal, user.Timezone)
	if err != nil {
		return err
	}
	if !match {
		return nil
	}

	instant, err := scheduler.SendInstantWithFallback(now, cal, user.Timezone)
	if err != nil {
		return err
	}
	if !instant.After(now) {
		// 09:00 local already passed in the new zone; nothing to send today
		return nil
	}

	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "unknown timezone "+user.Timezone, err)
	}
	key, err := idemkey.Generate(user.ID, typ, now.In(loc))
	if err != nil {
		return err
	}

	existing, err := s.Messages.CheckIdempotency(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	rec := &model.MessageRecord{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		Type:              typ,
		Body:              typ.RenderBody(user),
		ScheduledSendTime: instant,
		IdempotencyKey:    key,
	}
	if err := s.Messages.Create(ctx, rec); err != nil {
		if fault.KindOf(err) == fault.KindConflict {
			return nil
		}
		return err
	}

	log.Info().
		Str("record_id", rec.ID).
		Str("user_id", user.ID).
		Str("type", string(typ)).
		Time("send_at", instant).
		Msg("record re-materialized after reschedule")
	return nil
}
