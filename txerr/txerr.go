// Package txerr defines the stable error taxonomy every component reports
// through: a small closed set of Kinds that survive across the API boundary
// (spec §6/§7), independent of whichever juju/errors-wrapped sentinel a
// package used internally to build the error.
package txerr

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind is a stable, numeric-stable-by-convention error category. Values
// never get renumbered; append, never reorder.
type Kind int

const (
	KindOK Kind = iota
	KindCorrupted
	KindOutOfRange
	KindConstraintViolation
	KindDeadlock
	KindLockTimeout
	KindNotFound
	KindAlreadyExists
	KindIoError
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindCorrupted:
		return "Corrupted"
	case KindOutOfRange:
		return "OutOfRange"
	case KindConstraintViolation:
		return "ConstraintViolation"
	case KindDeadlock:
		return "Deadlock"
	case KindLockTimeout:
		return "LockTimeout"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindIoError:
		return "IoError"
	case KindUsage:
		return "Usage"
	default:
		return "Unknown"
	}
}

// Error is what crosses the external API boundary: a stable kind plus a
// human-readable message, never a stack trace (spec §7).
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func (e *Error) Unwrap() error { return e.cause }

// New builds a fresh kinded error, annotated with juju/errors for internal
// tracebacks (visible via errors.ErrorStack in debug logging) without that
// trace ever reaching the caller's Error() string.
func New(kind Kind, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: errors.New(msg)}
}

// Wrap annotates an existing error with a kind, preserving it as the cause
// so errors.Is/errors.As still reach whatever sentinel produced it.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg, cause: errors.Annotate(cause, msg)}
}

// KindOf extracts the stable Kind from err, or KindIoError if err was never
// produced through New/Wrap (an escaped stdlib/os error is almost always an
// I/O failure in this engine).
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindIoError
}

// Is reports whether KindOf(err) equals kind: only the first *Error found
// in err's chain is consulted.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
