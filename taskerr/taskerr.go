// Package taskerr defines the error-kind taxonomy shared by every
// component of the orchestration core. Operations return (T, error)
// pairs; callers use errors.Is/errors.As against Kind, never exception
// style control flow.
package taskerr

import "fmt"

// Kind names a class of failure. It is a taxonomy, not a Go type per kind.
type Kind string

const (
	InvalidState       Kind = "InvalidState"
	UnknownTaskType    Kind = "UnknownTaskType"
	TimeoutError       Kind = "TimeoutError"
	Cancelled          Kind = "Cancelled"
	HandlerError       Kind = "HandlerError"
	DependencyFailed   Kind = "DependencyFailed"
	CycleDetected      Kind = "CycleDetected"
	DanglingDependency Kind = "DanglingDependency"
)

// Retryable reports whether a failure of this kind may be retried, per the
// propagation policy in the error handling design.
func (k Kind) Retryable() bool {
	switch k {
	case TimeoutError, HandlerError:
		return true
	default:
		return false
	}
}

// Error is the concrete error value carried by every failed operation.
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

// Is allows errors.Is(err, taskerr.Sentinel(taskerr.InvalidState)) style
// comparisons by wrapping a Kind as a sentinel. Two *Error values compare equal for Is
// purposes when their Kind matches, mirroring errors.Is semantics the
// standard library encourages for sentinel-like taxonomies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel returns a comparable sentinel value for a given kind, suitable
// for errors.Is(err, taskerr.Sentinel(taskerr.InvalidState)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, along with
// whether extraction succeeded.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// as is a small hand-rolled stand-in for errors.As, kept unexported and
// trivial. It follows single-error Unwrap chains only; errors joined via
// Unwrap() []error are not searched.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
