// Package fault classifies pipeline errors so that schedulers and workers
// can decide between retrying, dead-lettering, and dropping.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for retry decisions
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindNotFound   Kind = "NOT_FOUND"
	KindConflict   Kind = "CONFLICT"
	KindTransient  Kind = "TRANSIENT_EXTERNAL"
	KindPermanent  Kind = "PERMANENT_EXTERNAL"
	KindInternal   Kind = "INTERNAL"
)

// Error is a classified error with optional structured context
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsPermanent reports whether err must never be retried
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindPermanent, KindValidation, KindNotFound:
		return true
	}
	return false
}
