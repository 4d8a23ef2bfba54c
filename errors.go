package fiberchan

import (
	"errors"
	"fmt"
)

// Code is the POSIX-flavored result taxonomy used throughout this module's
// API surface. Codes are compared by value, not by the wrapping *Error's
// identity, so errors.Is(err, fiberchan.ErrClosed) works regardless of how
// much context a given *Error carries.
type Code int

const (
	// OK indicates success. Operations that succeed return a nil error,
	// never an *Error wrapping OK; the constant exists for completeness
	// and for APIs that report a Code alongside a bool.
	OK Code = iota
	// EINVAL indicates a programming error: invalid argument, nil
	// channel, or element size mismatch after first use.
	EINVAL
	// ENOMEM indicates resource exhaustion (allocation failure, or a
	// bounded scheduler queue that stayed full after bounded retry).
	ENOMEM
	// EAGAIN indicates the operation would block: a non-blocking call
	// could not proceed immediately, or DROP_NEW rejected a full send.
	EAGAIN
	// EPIPE indicates the operation observed channel closure: send after
	// close, or recv after close-and-drained.
	EPIPE
	// ETIMEDOUT indicates a timed/deadline operation's deadline elapsed
	// before it could complete.
	ETIMEDOUT
	// ECANCELED indicates the caller's Deadline was already cancelled
	// before the operation committed to waiting.
	ECANCELED
	// EDEADLK indicates the deadlock detector aborted, or (when
	// CC_DEADLOCK_ABORT=0) merely diagnosed, a structural deadlock.
	EDEADLK
)

// String renders the code the way the POSIX errno name would read.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case EINVAL:
		return "EINVAL"
	case ENOMEM:
		return "ENOMEM"
	case EAGAIN:
		return "EAGAIN"
	case EPIPE:
		return "EPIPE"
	case ETIMEDOUT:
		return "ETIMEDOUT"
	case ECANCELED:
		return "ECANCELED"
	case EDEADLK:
		return "EDEADLK"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error wraps a Code with optional context. It is the concrete error type
// returned by every operation in this package; callers match on the Code
// via errors.Is against the package-level sentinels below, or by calling
// AsCode.
type Error struct {
	Code  Code
	Op    string // e.g. "send", "recv", "select"
	Cause error  // optional wrapped cause (e.g. a receiver's close error)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fiberchan: %s: %s: %v", e.Op, e.Code, e.Cause)
	}
	return fmt.Sprintf("fiberchan: %s: %s", e.Op, e.Code)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches target against e.Code when target is one of the package-level
// sentinel errors (or any *Error with an equal Code), and otherwise defers
// to errors.Is on the cause chain.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	return false
}

func wrapErr(op string, code Code) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code, Op: op}
}

func wrapErrCause(op string, code Code, cause error) error {
	return &Error{Code: code, Op: op, Cause: cause}
}

// AsCode extracts the Code from err, returning OK if err is nil and EINVAL
// if err is a non-nil error this package did not produce (defensive
// default, since EINVAL is never silently "success-like").
func AsCode(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINVAL
}

// Sentinel errors for errors.Is against each Code, mirroring the POSIX
// errno comparison idiom the spec's error taxonomy is modeled on.
var (
	ErrInvalid   = &Error{Code: EINVAL, Op: "sentinel"}
	ErrNoMemory  = &Error{Code: ENOMEM, Op: "sentinel"}
	ErrWouldBlock = &Error{Code: EAGAIN, Op: "sentinel"}
	ErrClosed    = &Error{Code: EPIPE, Op: "sentinel"}
	ErrTimeout   = &Error{Code: ETIMEDOUT, Op: "sentinel"}
	ErrCanceled  = &Error{Code: ECANCELED, Op: "sentinel"}
	ErrDeadlock  = &Error{Code: EDEADLK, Op: "sentinel"}
)

// WrapError wraps message context around cause while preserving errors.Is
// / errors.As matching against cause, mirroring the teacher's own
// WrapError helper (eventloop/errors.go).
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
