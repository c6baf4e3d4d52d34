// Package errs defines the error taxonomy shared by every core.
// Components raise typed errors; transport and resilience layers map
// them to retry/no-retry decisions and caller-visible verdicts.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthentication: missing/invalid/expired/revoked credential.
	KindAuthentication
	// KindAuthorization: role or ownership check denied.
	KindAuthorization
	// KindValidation: malformed input or invariant violation.
	KindValidation
	// KindConflict: optimistic lock loss or uniqueness collision.
	KindConflict
	// KindNotFound: entity absent.
	KindNotFound
	// KindUnavailable: downstream failing, breaker open, no fallback.
	KindUnavailable
	// KindTransient: retryable; absorbed by the retry layer.
	KindTransient
	// KindInternal: programmer error or internal invariant violated.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error carries a kind, a message, optional field-level detail and an
// optional wrapped cause.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two taxonomy errors by kind so sentinel comparison works
// with errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind && (te.Msg == "" || te.Msg == e.Msg)
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Authentication(format string, args ...any) *Error {
	return newf(KindAuthentication, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

// ValidationFields attaches field-level detail for the caller.
func ValidationFields(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

func Conflict(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return newf(KindUnavailable, format, args...)
}

func Transient(format string, args ...any) *Error {
	return newf(KindTransient, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newf(KindInternal, format, args...)
}

// Wrap annotates err with a kind and message, preserving the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether the retry layer may re-attempt the
// operation. Only transient failures qualify; authn/authz, validation
// and conflicts never do.
func Retryable(err error) bool { return KindOf(err) == KindTransient }
