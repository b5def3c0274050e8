// Package errs carries the error-kind taxonomy shared by the
// execution engine and the learning-loop runner: validation,
// transient-remote, permanent-remote, invariant-violation, and
// cancellation.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Validation wraps a reject-at-boundary error. Never crashes a
// component; surfaced to the operator and the event log.
type Validation struct {
	Field string
	Err   error
}

func (e *Validation) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Err.Error())
}

func (e *Validation) Unwrap() error { return e.Err }

// NewValidation builds a Validation error.
func NewValidation(field string, format string, args ...any) *Validation {
	return &Validation{Field: field, Err: fmt.Errorf(format, args...)}
}

// Transient wraps a remote error eligible for retry with backoff:
// rate-limit, timeout, 5xx, connection.
type Transient struct {
	Err error
}

func (e *Transient) Error() string { return e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

// NewTransient wraps err as a Transient error.
func NewTransient(err error) *Transient { return &Transient{Err: err} }

// transientSubstrings are case-insensitive markers that classify a
// remote error message as transient, per spec.
var transientSubstrings = []string{
	"429",
	"toomanyrequests",
	"rate limit",
	"ratelimit",
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"502",
	"503",
}

// IsTransientMessage reports whether msg contains a transient-error
// marker. Used by the Tool Executor and Order Router to classify raw
// remote errors that aren't already wrapped in a Transient.
func IsTransientMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range transientSubstrings {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Permanent wraps a remote error that must surface immediately:
// auth failure, order-not-found.
type Permanent struct {
	Err error
}

func (e *Permanent) Error() string { return e.Err.Error() }
func (e *Permanent) Unwrap() error { return e.Err }

// NewPermanent wraps err as a Permanent error.
func NewPermanent(err error) *Permanent { return &Permanent{Err: err} }

// Invariant wraps an impossible-state or corrupt-persistence error.
// Callers that see one should log critical and enter a quiescent
// state; the execution engine additionally activates safe-mode.
type Invariant struct {
	Err error
}

func (e *Invariant) Error() string { return "invariant violated: " + e.Err.Error() }
func (e *Invariant) Unwrap() error { return e.Err }

// NewInvariant wraps err as an Invariant error.
func NewInvariant(format string, args ...any) *Invariant {
	return &Invariant{Err: fmt.Errorf(format, args...)}
}

// Cancellation marks an error expected during shutdown or an
// operator override; recorded as skipped, never as failed.
type Cancellation struct {
	Err error
}

func (e *Cancellation) Error() string { return e.Err.Error() }
func (e *Cancellation) Unwrap() error { return e.Err }

// NewCancellation wraps err as a Cancellation error.
func NewCancellation(err error) *Cancellation { return &Cancellation{Err: err} }

// IsCancellation reports whether err (or anything it wraps) is a
// Cancellation.
func IsCancellation(err error) bool {
	var c *Cancellation
	return errors.As(err, &c)
}

// IsTransient reports whether err (or anything it wraps) is Transient,
// or whether its message matches a transient substring marker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *Transient
	if errors.As(err, &t) {
		return true
	}
	return IsTransientMessage(err.Error())
}

// IsValidation reports whether err (or anything it wraps) is a
// Validation error.
func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}

// IsInvariant reports whether err (or anything it wraps) is an
// Invariant error.
func IsInvariant(err error) bool {
	var i *Invariant
	return errors.As(err, &i)
}
