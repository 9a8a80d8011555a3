// Package tunnelerr classifies errors raised anywhere in the engine into a
// small taxonomy so call sites can decide how far an error propagates
// without re-deriving that decision from the underlying cause.
package tunnelerr

import (
	"errors"
	"fmt"
)

// Kind classifies the underlying cause of an error.
type Kind string

const (
	KindProtocol       Kind = "protocol"
	KindAuthentication Kind = "authentication"
	KindCapacity       Kind = "capacity"
	KindOverload       Kind = "overload"
	KindTransport      Kind = "transport"
	KindUpstream       Kind = "upstream"
	KindTimeout        Kind = "timeout"
	KindConfiguration  Kind = "configuration"
)

// Scope says how far an error's effect reaches: one stream, the whole
// session, or the process.
type Scope string

const (
	ScopeStream  Scope = "stream"
	ScopeSession Scope = "session"
	ScopeProcess Scope = "process"
)

// Error is a classified error: a Kind, a Scope, and the wrapped cause.
type Error struct {
	Kind  Kind
	Scope Scope
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Scope, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err under kind/scope. Passing a nil err returns nil so
// classification can be chained without an extra nil check.
func New(kind Kind, scope Scope, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Scope: scope, Err: err}
}

// Newf classifies a freshly formatted error.
func Newf(kind Kind, scope Scope, format string, args ...any) error {
	return &Error{Kind: kind, Scope: scope, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// classified *Error, and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ScopeOf returns the Scope of err if it (or something it wraps) is a
// classified *Error, and false otherwise.
func ScopeOf(err error) (Scope, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Scope, true
	}
	return "", false
}

// IsFatal reports whether err's scope means the session or process must
// tear down rather than just the one stream.
func IsFatal(err error) bool {
	scope, ok := ScopeOf(err)
	return ok && (scope == ScopeSession || scope == ScopeProcess)
}

// Sentinel errors for conditions with no further detail to attach.
var (
	ErrSessionNotFound   = errors.New("tunnelerr: session not found")
	ErrTunnelNotFound    = errors.New("tunnelerr: tunnel not found")
	ErrStreamNotFound    = errors.New("tunnelerr: stream not found")
	ErrSessionDraining   = errors.New("tunnelerr: session is draining")
	ErrDuplicateTunnelID = errors.New("tunnelerr: tunnel id already registered")
)
