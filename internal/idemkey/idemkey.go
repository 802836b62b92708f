// Package idemkey derives and parses the canonical per-user-per-type-per-date
// idempotency key backing the message_log uniqueness constraint.
//
// Canonical form: <user-id>:<TYPE>:<YYYY-MM-DD>, where the date is the
// calendar date in the user's zone on which the message lands.
package idemkey

import (
	"strings"
	"time"

	"github.com/erauner12/greetingd/internal/fault"
	"github.com/erauner12/greetingd/internal/model"
)

const dateLayout = "2006-01-02"

// Components are the parsed parts of a key
type Components struct {
	UserID string
	Type   model.MessageType
	Date   string // YYYY-MM-DD, zone-local calendar date
}

// Generate builds the canonical key. localDate must already be the calendar
// date in the user's zone; this package never re-interprets timezones.
func Generate(userID string, typ model.MessageType, localDate time.Time) (string, error) {
	if err := checkPart("user id", userID); err != nil {
		return "", err
	}
	if !typ.Valid() {
		return "", fault.Newf(fault.KindValidation, "unknown message type %q", typ)
	}
	if localDate.IsZero() {
		return "", fault.New(fault.KindValidation, "date must not be zero")
	}
	return userID + ":" + string(typ) + ":" + localDate.Format(dateLayout), nil
}

// Parse splits a key into its components, validating each part
func Parse(key string) (Components, error) {
	if strings.TrimSpace(key) == "" {
		return Components{}, fault.New(fault.KindValidation, "idempotency key must not be empty")
	}
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Components{}, fault.Newf(fault.KindValidation, "idempotency key %q must have 3 parts", key)
	}
	c := Components{UserID: parts[0], Type: model.MessageType(parts[1]), Date: parts[2]}
	if err := checkPart("user id", c.UserID); err != nil {
		return Components{}, err
	}
	if !c.Type.Valid() {
		return Components{}, fault.Newf(fault.KindValidation, "unknown message type %q in key", parts[1])
	}
	if _, err := time.Parse(dateLayout, c.Date); err != nil {
		return Components{}, fault.Wrap(fault.KindValidation, "bad date in idempotency key", err)
	}
	return c, nil
}

// Validate reports whether key is well-formed
func Validate(key string) error {
	_, err := Parse(key)
	return err
}

// SameUserAndDate reports whether two valid keys reference the same user
// and calendar date, regardless of message type.
func SameUserAndDate(a, b string) (bool, error) {
	ca, err := Parse(a)
	if err != nil {
		return false, err
	}
	cb, err := Parse(b)
	if err != nil {
		return false, err
	}
	return ca.UserID == cb.UserID && ca.Date == cb.Date, nil
}

func checkPart(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fault.Newf(fault.KindValidation, "%s must not be empty", name)
	}
	if strings.Contains(v, ":") {
		return fault.Newf(fault.KindValidation, "%s must not contain ':'", name)
	}
	return nil
}
