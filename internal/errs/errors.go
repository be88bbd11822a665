// Package errs provides the unified error type used across all of exalink.
//
// Every layer (wire transport, handshake, connection, cursor, decoder) wraps
// its native errors into *errs.Error before returning them to callers.
// Callers use the Is* predicates to handle errors without inspecting
// protocol-level details.
//
// Usage:
//
//	// In the connection — wrap a transport error:
//	return errs.Wrap(errs.KindConnection, "websocket receive failed", err)
//
//	// In application code — check the error kind:
//	if errs.IsAuth(err) {
//	    // credentials rejected, do not retry
//	}
package errs

import (
	"errors"
	"fmt"
)

// Kind categorises an error without exposing protocol-specific detail.
// The connection maps transport, server and caller failures to one of these
// kinds, giving callers a single consistent API.
type Kind int

const (
	KindUnknown    Kind = iota
	KindConnection      // transport failure or dropped channel
	KindAuth            // credentials rejected by the server, never retried
	KindProtocol        // malformed or unexpected server message
	KindQuery           // server rejected the SQL, carries the server code
	KindTimeout         // deadline exceeded or context cancelled
	KindDecode          // unrecognized or malformed wire value
	KindUsage           // caller violated lifecycle rules
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindQuery:
		return "query"
	case KindTimeout:
		return "timeout"
	case KindDecode:
		return "decode"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all exalink operations.
type Error struct {
	Kind    Kind
	Message string
	Code    string // server-supplied SQL code, set for query and auth errors
	Cause   error  // original lower-level error, preserved for logging
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Server creates an *Error carrying a server-reported SQL code and text.
func Server(kind Kind, code, text string) *Error {
	return &Error{Kind: kind, Message: text, Code: code}
}

// --- Predicates ---

// IsConnection reports whether err is a transport-level failure.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}

// IsAuth reports whether err means the server rejected the credentials.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// IsProtocol reports whether err indicates a malformed or unexpected
// server message (usually version skew).
func IsProtocol(err error) bool {
	return KindOf(err) == KindProtocol
}

// IsQuery reports whether err is a SQL-level rejection by the server.
func IsQuery(err error) bool {
	return KindOf(err) == KindQuery
}

// IsTimeout reports whether err was caused by a deadline or cancellation.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsDecode reports whether err came from decoding a wire value.
func IsDecode(err error) bool {
	return KindOf(err) == KindDecode
}

// IsUsage reports whether err was caused by a lifecycle violation,
// such as operating a closed connection or double-releasing a result set.
func IsUsage(err error) bool {
	return KindOf(err) == KindUsage
}

// KindOf extracts the Kind from any error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ServerCode extracts the server SQL code from any error in the chain,
// or "" if none is present.
func ServerCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
