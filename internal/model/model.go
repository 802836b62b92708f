// Package model defines the records shared across the scheduling and
// delivery pipeline.
package model

import (
	"fmt"
	"time"
)

// MessageType is the closed set of calendar-triggered message kinds
type MessageType string

const (
	TypeBirthday    MessageType = "BIRTHDAY"
	TypeAnniversary MessageType = "ANNIVERSARY"
)

// AllTypes lists every message type; queue topology and worker pools are
// built per entry.
var AllTypes = []MessageType{TypeBirthday, TypeAnniversary}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	return t == TypeBirthday || t == TypeAnniversary
}

// CalendarDay is a (month, day) pair without a year or clock time
type CalendarDay struct {
	Month time.Month
	Day   int
}

// CalendarDayOf extracts the calendar day from a full date
func CalendarDayOf(t time.Time) CalendarDay {
	return CalendarDay{Month: t.Month(), Day: t.Day()}
}

func (c CalendarDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(c.Month), c.Day)
}

// PickCalendarDate returns the user's calendar day for this message type,
// or false if the user has no such date set.
func (t MessageType) PickCalendarDate(u *User) (CalendarDay, bool) {
	switch t {
	case TypeBirthday:
		if u.Birthday == nil {
			return CalendarDay{}, false
		}
		return CalendarDayOf(*u.Birthday), true
	case TypeAnniversary:
		if u.Anniversary == nil {
			return CalendarDay{}, false
		}
		return CalendarDayOf(*u.Anniversary), true
	}
	return CalendarDay{}, false
}

// RenderBody produces the fixed message body for this type. Unknown types
// render empty rather than defaulting to a greeting.
func (t MessageType) RenderBody(u *User) string {
	switch t {
	case TypeBirthday:
		return fmt.Sprintf("Hey %s, happy birthday!", u.FirstName)
	case TypeAnniversary:
		return fmt.Sprintf("Hey %s, happy work anniversary!", u.FirstName)
	}
	return ""
}

// Status is the message record state machine position
type Status string

const (
	StatusScheduled   Status = "SCHEDULED"
	StatusQueued      Status = "QUEUED"
	StatusSending     Status = "SENDING"
	StatusFailedRetry Status = "FAILED_RETRY"
	StatusSent        Status = "SENT"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether no further transitions are allowed. FAILED_RETRY
// still holds the idempotency key: the recovery sweeper returns it to
// SCHEDULED, or a broker redelivery re-claims it directly.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// NonTerminalStatuses are the states covered by the partial unique index on
// idempotency_key.
var NonTerminalStatuses = []Status{StatusScheduled, StatusQueued, StatusSending, StatusFailedRetry}

// User is the read-only view of a user the pipeline needs. Mutations happen
// in the surrounding CRUD layer; the pipeline only observes them through
// reschedule notifications.
type User struct {
	ID          string
	FirstName   string
	LastName    string
	Email       string
	Timezone    string
	Birthday    *time.Time
	Anniversary *time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the user is soft-deleted
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// MessageRecord is a materialized scheduled send. Created by the daily
// materializer or a reschedule, terminated by SENT or FAILED-with-retries-
// exhausted. Terminal rows are retained for audit.
type MessageRecord struct {
	ID                string
	UserID            string
	Type              MessageType
	Body              string
	ScheduledSendTime time.Time
	ActualSendTime    *time.Time
	Status            Status
	RetryCount        int
	IdempotencyKey    string
	APIResponseCode   *int
	APIResponseBody   *string
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Job is the wire form handed to the queue. The queue owns the
// authoritative copy until ack.
type Job struct {
	MessageID      string      `json:"messageId"`
	UserID         string      `json:"userId"`
	MessageType    MessageType `json:"messageType"`
	ScheduledAt    time.Time   `json:"scheduledAt"`
	RetryCount     int         `json:"retryCount"`
	IdempotencyKey string      `json:"idempotencyKey"`
}
