package store

import (
	"context"
	"errors"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
	"github.com/erauner12/greetingd/internal/timezone"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const userColumns = `id, first_name, last_name, email, timezone, birthday, anniversary, deleted_at`

// UserStore is the pipeline's read-only view of users. Writes happen in the
// surrounding CRUD layer.
type UserStore struct {
	DB *pgxpool.Pool
}

// NewUserStore creates a UserStore
func NewUserStore(db *pgxpool.Pool) *UserStore {
	return &UserStore{DB: db}
}

// FindByID returns the user or a NOT_FOUND fault. Soft-deleted users are
// returned with DeletedAt set so callers can observe the deletion.
func (s *UserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.Newf(fault.KindNotFound, "user %s not found", id)
		}
		return nil, fault.Wrap(fault.KindInternal, "failed to load user", err)
	}
	return u, nil
}

// ForEachUserWithEventToday streams every non-deleted user whose birthday or
// anniversary (per typ) falls on today as observed in that user's own zone.
//
// Running at 00:05 UTC, a user in UTC+14 is already a day ahead and one in
// UTC-12 still a day behind, so the SQL over-selects calendar days within
// one day of UTC-today (plus Feb 29 when UTC-today is a non-leap Feb 28)
// and the zone-local predicate filters per row. Iteration is keyset-batched
// by user id; fn errors abort the sweep.
func (s *UserStore) ForEachUserWithEventToday(ctx context.Context, typ model.MessageType, now time.Time, batchSize int, fn func(*model.User) error) error {
	dateCol, ok := map[model.MessageType]string{
		model.TypeBirthday:    "birthday",
		model.TypeAnniversary: "anniversary",
	}[typ]
	if !ok {
		return fault.Newf(fault.KindValidation, "unknown message type %q", typ)
	}

	candidates := candidateMonthDays(now.UTC())

	lastID := ""
	for {
		rows, err := s.DB.Query(ctx, `
			SELECT `+userColumns+`
			FROM users
			WHERE deleted_at IS NULL
			  AND `+dateCol+` IS NOT NULL
			  AND (EXTRACT(MONTH FROM `+dateCol+`)::int * 100 + EXTRACT(DAY FROM `+dateCol+`)::int) = ANY($1)
			  AND id > $2
			ORDER BY id
			LIMIT $3
		`, candidates, lastID, batchSize)
		if err != nil {
			return fault.Wrap(fault.KindInternal, "failed to query users by calendar day", err)
		}

		users, err := collectUsers(rows)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}
		lastID = users[len(users)-1].ID

		for _, u := range users {
			cal, ok := typ.PickCalendarDate(u)
			if !ok {
				continue
			}
			match, err := timezone.IsAnniversaryToday(now, cal, u.Timezone)
			if err != nil {
				// Bad zone data is isolated to this user
				log.Warn().Err(err).Str("user_id", u.ID).Str("zone", u.Timezone).Msg("skipping user with invalid timezone")
				continue
			}
			if !match {
				continue
			}
			if err := fn(u); err != nil {
				return err
			}
		}

		if len(users) < batchSize {
			return nil
		}
	}
}

// candidateMonthDays encodes the (month, day) pairs within one day of
// utcToday as month*100+day integers, adding Feb 29 when the leap-year
// fallback could match.
func candidateMonthDays(utcToday time.Time) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(m time.Month, d int) {
		md := int(m)*100 + d
		if !seen[md] {
			seen[md] = true
			out = append(out, md)
		}
	}
	for _, day := range []time.Time{utcToday.AddDate(0, 0, -1), utcToday, utcToday.AddDate(0, 0, 1)} {
		add(day.Month(), day.Day())
		// A non-leap Feb 28 matches Feb 29 birthdays via the fallback rule
		if day.Month() == time.February && day.Day() == 28 && !isLeap(day.Year()) {
			add(time.February, 29)
		}
	}
	return out
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Timezone,
		&u.Birthday, &u.Anniversary, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func collectUsers(rows pgx.Rows) ([]*model.User, error) {
	defer rows.Close()
	var out []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "failed to scan user row", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "row iteration error", err)
	}
	return out, nil
}
