// Package timezone resolves 09:00-local send instants and the
// "is today the anniversary" predicate across IANA timezones.
//
// All functions are pure; callers pass the reference instant explicitly so
// tests control the clock.
package timezone

import (
	"errors"
	"strings"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
)

// sendHour is the local wall-clock hour at which messages land. The DST
// transitions in every IANA zone fall outside this hour (spring-forward
// skips 02:00-03:00, fall-back repeats 01:00-02:00), so 09:00 local is
// never ambiguous.
const sendHour = 9

// ErrInvalidDateForYear is returned when the calendar day does not exist in
// the reference year (Feb 29 outside leap years).
var ErrInvalidDateForYear = fault.New(fault.KindValidation, "INVALID_DATE_FOR_YEAR")

// ComputeSendInstant returns the UTC instant of 09:00:00 local time on the
// current year's occurrence of cal in zone, where "current year" is the
// year at now as observed in zone. The result carries minute precision.
//
// Feb 29 in a non-leap year fails with ErrInvalidDateForYear; the caller
// decides whether the Feb 28 fallback applies (only when its own
// IsAnniversaryToday check already matched via the leap-year rule).
func ComputeSendInstant(now time.Time, cal model.CalendarDay, zone string) (time.Time, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return time.Time{}, err
	}

	year := now.In(loc).Year()
	if cal.Month == time.February && cal.Day == 29 && !isLeapYear(year) {
		return time.Time{}, ErrInvalidDateForYear
	}

	local := time.Date(year, cal.Month, cal.Day, sendHour, 0, 0, 0, loc)

	// time.Date normalizes out-of-range days (Apr 31 -> May 1); reject
	// anything that did not land on the requested calendar day.
	if local.Month() != cal.Month || local.Day() != cal.Day {
		return time.Time{}, ErrInvalidDateForYear
	}

	return local.UTC().Truncate(time.Minute), nil
}

// IsAnniversaryToday reports whether today, evaluated in zone at the
// instant now, is the anniversary of cal. A Feb 29 anniversary matches
// Feb 28 in non-leap years; Mar 1 never matches.
func IsAnniversaryToday(now time.Time, cal model.CalendarDay, zone string) (bool, error) {
	loc, err := loadZone(zone)
	if err != nil {
		return false, err
	}

	today := now.In(loc)
	if today.Month() == cal.Month && today.Day() == cal.Day {
		return true, nil
	}

	// Leap-year fallback
	if cal.Month == time.February && cal.Day == 29 &&
		today.Month() == time.February && today.Day() == 28 &&
		!isLeapYear(today.Year()) {
		return true, nil
	}

	return false, nil
}

// ValidateZone reports whether s names a usable IANA timezone.
//
// Bare abbreviations ("EST", "PST") are rejected as ambiguous even though
// the IANA database resolves some of them: only slash-qualified names plus
// the literal "UTC" pass. Control characters and shell metacharacters are
// rejected before the database lookup.
func ValidateZone(s string) error {
	if strings.TrimSpace(s) == "" {
		return fault.New(fault.KindValidation, "timezone must not be empty")
	}
	if s != strings.TrimSpace(s) {
		return fault.Newf(fault.KindValidation, "timezone %q has surrounding whitespace", s)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return fault.New(fault.KindValidation, "timezone contains control characters")
		}
		if strings.ContainsRune("$`;&|<>()!*?'\"\\ \t", r) {
			return fault.Newf(fault.KindValidation, "timezone %q contains invalid characters", s)
		}
	}
	if s != "UTC" && !strings.Contains(s, "/") {
		return fault.Newf(fault.KindValidation, "timezone %q is not a qualified IANA name", s)
	}
	if _, err := time.LoadLocation(s); err != nil {
		return fault.Wrap(fault.KindValidation, "unknown timezone "+s, err)
	}
	return nil
}

func loadZone(zone string) (*time.Location, error) {
	if err := ValidateZone(zone); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "unknown timezone "+zone, err)
	}
	return loc, nil
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// IsInvalidDate reports whether err is the nonexistent-calendar-day failure
func IsInvalidDate(err error) bool {
	return errors.Is(err, ErrInvalidDateForYear)
}
