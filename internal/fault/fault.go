package fault

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers and bus consumers can react
// without string matching.
type Kind string

const (
	// KindNone marks errors that carry no engine classification.
	KindNone Kind = ""
	// KindResourceUnavailable covers missing devices, models or accelerators.
	KindResourceUnavailable Kind = "resource_unavailable"
	// KindValidationFailed covers out-of-range or malformed caller input.
	KindValidationFailed Kind = "validation_failed"
	// KindBusy covers conflicting concurrent requests.
	KindBusy Kind = "busy"
	// KindPartialRenderFailure covers a failed render unit inside a session
	// that keeps going.
	KindPartialRenderFailure Kind = "partial_render_failure"
	// KindFatalSessionFailure covers a session terminated because its model
	// became unusable.
	KindFatalSessionFailure Kind = "fatal_session_failure"
)

// Error attaches a Kind and an operation name to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, fault.Busy("")) style sentinels
// are unnecessary; compare kinds via KindOf instead.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of err, or KindNone.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNone
}
