// Package fault defines the structured error kinds surfaced by the bridge.
//
// Every failure that reaches an API caller carries a Kind so the gateway can
// report it without inspecting message text. Errors wrap their cause, so
// errors.Is/As still reach the underlying I/O or exec error.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge failure.
type Kind string

const (
	KindConfigNotFound Kind = "ConfigNotFoundError"
	KindStartup        Kind = "StartupError"
	KindConnection     Kind = "ConnectionError"
	KindStall          Kind = "StallError"
	KindCommand        Kind = "CommandError"
	KindDisconnected   Kind = "DisconnectedError"
)

// Reason narrows a CommandError.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonNotFound          Reason = "NotFound"
	ReasonInvalidParameters Reason = "InvalidParameters"
	ReasonRejected          Reason = "Rejected"
)

// Error is a classified bridge failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string // e.g. "engine: start", "traci: step"
	Msg    string
	Output string // captured engine output, StartupError only
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err returns nil. An err that is
// already a *Error of the same kind is returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Command builds a CommandError with the given reason.
func Command(reason Reason, op, format string, args ...any) *Error {
	return &Error{Kind: KindCommand, Reason: reason, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Disconnected reports an operation attempted with no active session.
func Disconnected(op string) *Error {
	return &Error{Kind: KindDisconnected, Op: op, Msg: "no active control session"}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when err
// is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// ReasonOf returns the Reason of the first *Error in err's chain.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ReasonNone
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
