// Package apperr defines the typed error kinds shared across the module.
// Repositories and the lifecycle controller return these so callers can
// map them to transport-level responses without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the failure categories callers
// are expected to branch on.
type Kind string

const (
	KindNotFound          Kind = "not-found"
	KindInvalidInput      Kind = "invalid-input"
	KindInvalidTransition Kind = "invalid-transition"
	KindDurationExceeded  Kind = "duration-exceeded"
	KindForbidden         Kind = "forbidden"
	KindConflictDetection Kind = "conflict-detection-failed"
	KindInternal          Kind = "internal"
)

// Error is the concrete error type carried by all typed failures.
type Error struct {
	Kind    Kind
	Message string
	// Fields holds field-level detail for invalid-input errors,
	// keyed by the offending field name.
	Fields map[string]string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, detail string) *Error {
	return &Error{
		Kind:    KindInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, detail),
		Fields:  map[string]string{field: detail},
	}
}

// InvalidInputFields reports validation failures on multiple fields.
func InvalidInputFields(fields map[string]string) *Error {
	return &Error{Kind: KindInvalidInput, Message: "validation failed", Fields: fields}
}

// InvalidTransition reports an illegal state machine move.
func InvalidTransition(from, to string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// DurationExceeded reports a moratorium validity span over the allowed maximum.
func DurationExceeded(detail string) *Error {
	return &Error{Kind: KindDurationExceeded, Message: detail}
}

// Forbidden reports a role or territory authorization failure.
func Forbidden(detail string) *Error {
	return &Error{Kind: KindForbidden, Message: detail}
}

// ConflictDetection wraps a spatial store failure surfaced during detection.
func ConflictDetection(err error) *Error {
	return &Error{Kind: KindConflictDetection, Message: "conflict detection failed", Err: err}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not typed.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsForbidden reports whether err is an authorization failure.
func IsForbidden(err error) bool { return IsKind(err, KindForbidden) }
