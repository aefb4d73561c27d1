// Package fault classifies failures into the small closed set of kinds the
// pipeline reacts to. Callers branch on Kind, never on error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of failure classes.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInput is a non-retryable problem with the caller's data (text too
	// short, too long, empty).
	KindInput
	// KindTransient covers timeouts, 408/429/5xx and transport errors.
	KindTransient
	// KindValidation means model output failed the schema after repair.
	KindValidation
	// KindPolicy is a routing outcome (privacy ceiling, circuit open). It is
	// carried for reporting only; the router never returns it as an error.
	KindPolicy
	// KindConfig is a fatal configuration problem such as a missing API key.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPolicy:
		return "policy"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Retryable reports whether a job that failed with this kind may be claimed again.
func (k Kind) Retryable() bool {
	return k != KindInput && k != KindConfig
}

// Error attaches a Kind and operation name to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// kinded is implemented by error types from other packages that know their
// own classification (for example provider errors).
type kinded interface {
	Kind() Kind
}

// KindOf walks the error chain and returns the first classification found.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Cancelled reports whether err stems from context cancellation (not deadline).
func Cancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
