// Package cpgerr defines the kinded error values returned by the
// orchestration core. Public orchestrator APIs return these rather than
// raising through suspension boundaries; callers branch on Kind.
package cpgerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindInvalidState       Kind = "invalid_state"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindEvaluationError    Kind = "evaluation_error"
	KindActionFailed       Kind = "action_failed"
	KindTimeout            Kind = "timeout"
	KindGovernanceRejected Kind = "governance_rejected"
	KindEventRejected      Kind = "event_rejected"
	KindFatal              Kind = "fatal"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Msg)
	if e.Err != nil {
		if msg == "" {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, unwrapping as needed. Errors outside this
// package report KindFatal: an unclassified failure must never be mistaken
// for a recoverable one.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
