package slon

import "github.com/roji/slon/internal"

// Error is the public type of the classified driver errors (see ErrorKind)
// that DataSource/Statement operations return; the sentinel errors below
// are separate values. It aliases internal.DriverError so callers can use
// errors.As without reaching into an internal package.
type Error = internal.DriverError

// ErrorKind classifies an Error's failure mode.
type ErrorKind = internal.ErrorKind

const (
	KindProtocolViolation = internal.KindProtocolViolation
	KindServerError       = internal.KindServerError
	KindIO                = internal.KindIO
	KindCancelled         = internal.KindCancelled
	KindClosed            = internal.KindClosed
	KindInvalidState      = internal.KindInvalidState
	KindArgumentError     = internal.KindArgumentError
)

var (
	// ErrNoRows is the sentinel for a result with zero rows where exactly
	// one was expected. No function in this package returns it.
	ErrNoRows = internal.ErrNoRows
	// ErrMultiRows is the sentinel for a result with more than one row where
	// exactly one was expected. No function in this package returns it.
	ErrMultiRows = internal.ErrMultiRows
	// ErrCommandInProgress is returned by Tx.Exec/Tx.Query when a previous
	// Tx.Query's Rows on the same transaction has neither reached the end of
	// its response nor been closed.
	ErrCommandInProgress = internal.ErrCommandInProgress
	// ErrClosed is returned by any DataSource method called after Close.
	ErrClosed = internal.ErrClosed
	// ErrPoolTimeout is returned when a command's context deadline passes
	// before a session becomes available (an outright cancellation is
	// reported as a Cancelled error instead), and is the break error of a
	// session still busy when Close's drain deadline elapses.
	ErrPoolTimeout = internal.ErrPoolTimeout
)

// IsQueryCanceled reports whether err is a ServerError carrying SQLSTATE
// 57014 (query_canceled), the signature of a CancelRequest taking effect.
func IsQueryCanceled(err error) bool {
	return internal.IsQueryCanceled(err)
}
