// Package ccmuxerr provides the unified error type used across ccmux's
// daemon packages.
//
// Every error the core produces carries a Kind from the taxonomy in the
// specification (§7): IO, Connection, Protocol, SessionNotFound,
// WindowNotFound, PaneNotFound, InvalidOperation, PTY, Persistence,
// Internal. Handlers at the dispatcher boundary switch on Kind to decide
// whether to answer the originating connection with an Error message
// (and, for the not-found kinds, which specific wire.ErrorCode to use),
// close the connection, or degrade the daemon.
package ccmuxerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by its place in the severity taxonomy.
type Kind string

const (
	KindIO               Kind = "io"
	KindConnection       Kind = "connection"
	KindProtocol         Kind = "protocol"
	KindSessionNotFound  Kind = "session_not_found"
	KindWindowNotFound   Kind = "window_not_found"
	KindPaneNotFound     Kind = "pane_not_found"
	KindInvalidOperation Kind = "invalid_operation"
	KindPTY              Kind = "pty"
	KindPersistence      Kind = "persistence"
	KindInternal         Kind = "internal"
)

// Error is the error type returned by every ccmux daemon package.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, ccmuxerr.SessionNotFound("")) style checks
// against a sentinel built from just the Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func IO(msg string, cause error) *Error               { return newErr(KindIO, msg, cause) }
func Connection(msg string) *Error                    { return newErr(KindConnection, msg, nil) }
func ConnectionWrap(msg string, cause error) *Error    { return newErr(KindConnection, msg, cause) }
func Protocol(msg string) *Error                       { return newErr(KindProtocol, msg, nil) }
func ProtocolWrap(msg string, cause error) *Error      { return newErr(KindProtocol, msg, cause) }
func SessionNotFound(msg string) *Error                { return newErr(KindSessionNotFound, msg, nil) }
func WindowNotFound(msg string) *Error                 { return newErr(KindWindowNotFound, msg, nil) }
func PaneNotFound(msg string) *Error                   { return newErr(KindPaneNotFound, msg, nil) }
func InvalidOperation(msg string) *Error               { return newErr(KindInvalidOperation, msg, nil) }
func PTY(msg string, cause error) *Error               { return newErr(KindPTY, msg, cause) }
func Persistence(msg string, cause error) *Error       { return newErr(KindPersistence, msg, cause) }
func Internal(msg string, cause error) *Error          { return newErr(KindInternal, msg, cause) }

// SessionExists is the specific InvalidOperation raised by a duplicate
// session name (property 5 / scenario S3).
func SessionExists(name string) *Error {
	return newErr(KindInvalidOperation, fmt.Sprintf("session %q already exists", name), nil)
}

// ConnectionTimeout is the specific Connection error raised when an
// outbound request on behalf of a client exceeds its implicit timeout.
func ConnectionTimeout() *Error {
	return newErr(KindConnection, "response timeout", nil)
}

// IsRetryable mirrors CcmuxError::is_retryable: only connection-class
// errors (including timeouts) are safe for a client to retry against,
// since NotFound/InvalidOperation/Protocol reflect the request itself.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindConnection
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that didn't originate from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
