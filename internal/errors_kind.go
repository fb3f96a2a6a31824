package internal

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies driver errors by failure mode.
type ErrorKind int

const (
	KindProtocolViolation ErrorKind = iota
	KindServerError
	KindIO
	KindCancelled
	KindClosed
	KindInvalidState
	KindArgumentError
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindServerError:
		return "ServerError"
	case KindIO:
		return "IO"
	case KindCancelled:
		return "Cancelled"
	case KindClosed:
		return "Closed"
	case KindInvalidState:
		return "InvalidState"
	case KindArgumentError:
		return "ArgumentError"
	default:
		return "Unknown"
	}
}

// sqlstateQueryCanceled is the SQLSTATE the backend reports for a query
// aborted by CancelRequest.
const sqlstateQueryCanceled = "57014"

// DriverError is the single exported error type covering every ErrorKind.
// Fields is populated only for KindServerError, holding the raw
// ErrorResponse/NoticeResponse field map keyed by its single-byte code
// ('C' = SQLSTATE, 'M' = message, 'S' = severity, 'D' = detail, ...).
type DriverError struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Fields  map[byte]string
}

func (e *DriverError) Error() string {
	if e.Kind == KindServerError {
		return fmt.Sprintf("slon: %s: %s (%s): %s",
			e.Kind, e.Fields['S'], e.Fields['C'], e.Fields['M'])
	}
	if e.Cause != nil {
		return fmt.Sprintf("slon: %s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("slon: %s: %s", e.Kind, e.Message)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// SQLSTATE returns the server-reported SQLSTATE for a KindServerError, or
// "" otherwise.
func (e *DriverError) SQLSTATE() string {
	if e.Fields == nil {
		return ""
	}
	return e.Fields['C']
}

// IsQueryCanceled distinguishes a cancellation surfaced as a ServerError
// (SQLSTATE 57014) from other server errors.
func IsQueryCanceled(err error) bool {
	var de *DriverError
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == KindServerError && de.SQLSTATE() == sqlstateQueryCanceled
}

func NewProtocolViolation(format string, args ...interface{}) *DriverError {
	return &DriverError{Kind: KindProtocolViolation, Message: fmt.Sprintf(format, args...)}
}

func NewIOError(cause error) *DriverError {
	return &DriverError{Kind: KindIO, Message: "underlying duplex failed", Cause: errors.WithStack(cause)}
}

func NewCancelled(cause error) *DriverError {
	return &DriverError{Kind: KindCancelled, Message: "operation was cancelled", Cause: cause}
}

func NewClosed(what string) *DriverError {
	return &DriverError{Kind: KindClosed, Message: what + " is closed"}
}

func NewInvalidState(format string, args ...interface{}) *DriverError {
	return &DriverError{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func NewArgumentError(format string, args ...interface{}) *DriverError {
	return &DriverError{Kind: KindArgumentError, Message: fmt.Sprintf(format, args...)}
}

func NewServerError(fields map[byte]string) *DriverError {
	return &DriverError{Kind: KindServerError, Fields: fields}
}
