package slon

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/roji/slon/internal"
	"github.com/roji/slon/internal/pool"
)

// readerState is the Command Reader state machine: Uninitialized -> Active -> Completed -> Exhausted -> Closed.
type readerState int

const (
	readerUninitialized readerState = iota
	readerActive
	readerCompleted
	readerExhausted
	readerClosed
)

// Rows is the result of Query/QuerySimple: a cursor over zero or more
// result sets, each with its own RowDescription and rows, terminated by a
// CommandComplete tag.
//
// A Rows must be read from the moment it is returned: it holds this
// session's single-owner claim on the connection's read side until either
// it reaches ReadyForQuery on its own or Close drains it there.
type Rows struct {
	ctx     context.Context
	session *pool.Session
	slot    *pool.Slot

	state readerState

	desc       *pool.RowDescription
	row        [][]byte
	commandTag string
	hasRows    bool // true once a RowDescription has been seen for the current result set

	err error

	decoder ColumnDecoder

	// onClose, if set, is invoked exactly once when this Rows stops owning
	// its session's read side, letting DataSource return or drop the
	// session without Rows knowing about the Dispatcher.
	onClose func(err error)

	// stmt and stmtIsNew track a Prepared command's statement cache entry:
	// stmtIsNew means this execution just Parsed it, so the
	// first RowDescription/NoData completes the cache entry, and an
	// ErrorResponse during Parse invalidates it.
	stmt      *pool.CachedStatement
	stmtIsNew bool

	// multi marks a Rows driven by the simple query protocol, where a
	// semicolon-separated batch of statements produces one result set per
	// statement. It changes Next's CommandComplete handling to stop at each
	// result-set boundary instead of assuming a single trailing
	// ReadyForQuery, and enables NextResult.
	multi bool

	// drainTimeout bounds Close's drain to ReadyForQuery when the caller
	// abandons a Rows before exhausting it. 0 means no bound beyond ctx's
	// own deadline.
	drainTimeout time.Duration
}

// ColumnDecoder receives each column of the current row during Next; its
// implementation is a caller collaborator, since type decoding is left to
// the caller rather than built into the driver.
type ColumnDecoder interface {
	Decode(columnIndex int, oid uint32, raw []byte) error
}

func newRows(ctx context.Context, session *pool.Session, slot *pool.Slot) *Rows {
	return &Rows{ctx: ctx, session: session, slot: slot, state: readerUninitialized}
}

// withCachedStatement wires a prepared statement's cache entry into this
// Rows: if it was just Parsed (stmtIsNew), the incoming RowDescription/
// NoData completes it; if it was already cached, its stored
// RowDescription is reused since no Describe was sent on the wire.
func (r *Rows) withCachedStatement(stmt *pool.CachedStatement, isNew bool) *Rows {
	r.stmt = stmt
	r.stmtIsNew = isNew
	if !isNew && stmt != nil {
		r.desc = stmt.RowDescription
		r.hasRows = stmt.RowDescription != nil
	}
	return r
}

// asMulti marks this Rows as driven by the simple query protocol.
func (r *Rows) asMulti() *Rows {
	r.multi = true
	return r
}

// withDrainTimeout bounds Close's drain-to-ReadyForQuery, letting a caller
// that abandons a Rows early be bounded by DataSource.Options.DrainTimeout
// instead of only whatever deadline the command's own context happens to
// carry.
func (r *Rows) withDrainTimeout(d time.Duration) *Rows {
	r.drainTimeout = d
	return r
}

// awaitTurn blocks until this Rows' slot is the queue head, i.e. it is the
// sole owner of the connection's read side.
func (r *Rows) awaitTurn() error {
	if r.state != readerUninitialized {
		return nil
	}
	if err := r.slot.WaitReadReady(r.ctx); err != nil {
		return internal.NewCancelled(err)
	}
	r.state = readerActive
	return nil
}

// Next advances to the next row, decoding it into decoder if non-nil, and
// reports whether a row was produced. false with a nil error means the
// current result set (or the whole command, for a single-statement
// extended-query flow) is exhausted.
func (r *Rows) Next(decoder ColumnDecoder) (bool, error) {
	if r.state == readerClosed {
		return false, internal.NewInvalidState("rows are closed")
	}
	if r.state == readerExhausted || r.state == readerCompleted {
		return false, nil
	}
	if err := r.awaitTurn(); err != nil {
		r.fail(err)
		return false, err
	}

	for {
		ev, err := r.session.ReadResponse(r.ctx)
		if err != nil {
			r.fail(err)
			return false, err
		}

		switch ev.Type {
		case pool.MsgParseComplete, pool.MsgBindComplete:
			continue

		case pool.MsgNoData:
			r.hasRows = false
			if r.stmtIsNew && r.stmt != nil {
				r.session.Stmts.MarkComplete(r.stmt, nil)
				r.stmtIsNew = false
			}
			continue

		case pool.MsgRowDescription:
			r.desc = ev.RowDescription
			r.hasRows = true
			if r.stmtIsNew && r.stmt != nil {
				r.session.Stmts.MarkComplete(r.stmt, ev.RowDescription)
				r.stmtIsNew = false
			}
			continue

		case pool.MsgDataRow:
			r.row = ev.Row
			if decoder != nil {
				for i, raw := range ev.Row {
					var oid uint32
					if r.desc != nil && i < len(r.desc.Fields) {
						oid = r.desc.Fields[i].TypeOID
					}
					if err := decoder.Decode(i, oid, raw); err != nil {
						r.fail(err)
						return false, err
					}
				}
			}
			return true, nil

		case pool.MsgCommandComplete:
			r.commandTag = ev.CommandTag
			r.state = readerCompleted
			if r.multi {
				return false, nil
			}
			continue

		case pool.MsgPortalSuspended:
			r.state = readerCompleted
			return false, nil

		case pool.MsgEmptyQueryResponse:
			r.state = readerCompleted
			continue

		case pool.MsgReadyForQuery:
			r.finish(nil)
			return false, nil

		case pool.MsgCloseComplete, pool.MsgParameterDescription:
			continue

		default:
			if ev.Err != nil {
				if r.stmtIsNew && r.stmt != nil {
					r.session.Stmts.Invalidate(r.stmt)
					r.stmtIsNew = false
				}
				// The backend always follows an ErrorResponse with
				// ReadyForQuery once it reaches the Sync we already sent;
				// drain to it here so the session lands back on Ready
				// before its slot is completed, instead of leaving an
				// unread ReadyForQuery for the next command to trip over.
				if drainErr := r.session.DrainToReady(r.ctx); drainErr != nil {
					r.fail(drainErr)
					return false, drainErr
				}
				r.fail(ev.Err)
				return false, ev.Err
			}
		}
	}
}

// NextResult advances a simple-query Rows past the current result set's
// CommandComplete to the next statement's result set, returning true once
// positioned at its RowDescription/NoData/CommandComplete. It returns
// false, nil once ReadyForQuery is reached, at which point the Rows is
// exhausted. On a Rows produced by the extended-query path (Query/Exec/
// Statement), which only ever has one result set, it is a no-op that
// reports false immediately.
func (r *Rows) NextResult() (bool, error) {
	if r.state == readerClosed {
		return false, internal.NewInvalidState("rows are closed")
	}
	if !r.multi || r.state == readerExhausted {
		return false, nil
	}
	if err := r.awaitTurn(); err != nil {
		r.fail(err)
		return false, err
	}

	r.desc = nil
	r.hasRows = false
	r.row = nil

	for {
		ev, err := r.session.ReadResponse(r.ctx)
		if err != nil {
			r.fail(err)
			return false, err
		}

		switch ev.Type {
		case pool.MsgNoData:
			r.hasRows = false
			r.state = readerActive
			return true, nil

		case pool.MsgRowDescription:
			r.desc = ev.RowDescription
			r.hasRows = true
			r.state = readerActive
			return true, nil

		case pool.MsgEmptyQueryResponse:
			r.commandTag = ""
			r.state = readerCompleted
			return true, nil

		case pool.MsgCommandComplete:
			r.commandTag = ev.CommandTag
			r.state = readerCompleted
			return true, nil

		case pool.MsgReadyForQuery:
			r.finish(nil)
			return false, nil

		default:
			if ev.Err != nil {
				if drainErr := r.session.DrainToReady(r.ctx); drainErr != nil {
					r.fail(drainErr)
					return false, drainErr
				}
				r.fail(ev.Err)
				return false, ev.Err
			}
		}
	}
}

// Columns returns the current result set's column metadata, or nil before
// the first RowDescription has been read.
func (r *Rows) Columns() []pool.FieldDescription {
	if r.desc == nil {
		return nil
	}
	return r.desc.Fields
}

// FieldCount returns the number of columns in the current result set, or 0
// before any RowDescription has been read.
func (r *Rows) FieldCount() int {
	if r.desc == nil {
		return 0
	}
	return len(r.desc.Fields)
}

// HasRows reports whether the current result set carries a RowDescription,
// as opposed to a command that returns no rows (e.g. an INSERT with no
// RETURNING clause).
func (r *Rows) HasRows() bool { return r.hasRows }

// IsClosed reports whether Close has already been called.
func (r *Rows) IsClosed() bool { return r.state == readerClosed }

// Values returns the current row's raw column bytes; nil at index i means
// SQL NULL.
func (r *Rows) Values() [][]byte { return r.row }

// CommandTag returns the most recently completed command's tag (e.g.
// "UPDATE 3"), valid once Next has returned false with a nil error.
func (r *Rows) CommandTag() string { return r.commandTag }

// rowsAffectedVerbs are the CommandComplete tag verbs the backend reports a
// meaningful affected-row count for. Every other verb (SELECT, BEGIN, ...)
// reports -1, matching the original driver this one is modeled on.
var rowsAffectedVerbs = map[string]bool{
	"INSERT": true,
	"UPDATE": true,
	"DELETE": true,
	"MOVE":   true,
	"FETCH":  true,
	"COPY":   true,
}

// RowsAffected parses the numeric suffix of CommandTag for a data-modifying
// verb (INSERT/UPDATE/DELETE/MOVE/FETCH/COPY), returning -1 for any other
// verb (e.g. "SELECT 8" -> -1, not 8) and ok=false when the tag has no
// trailing count at all (e.g. "BEGIN").
func (r *Rows) RowsAffected() (int64, bool) {
	idx := strings.IndexByte(r.commandTag, ' ')
	if idx < 0 {
		return 0, false
	}
	verb := r.commandTag[:idx]
	last := strings.LastIndexByte(r.commandTag, ' ')
	n, err := strconv.ParseInt(r.commandTag[last+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	if !rowsAffectedVerbs[verb] {
		return -1, true
	}
	return n, true
}

func (r *Rows) fail(err error) {
	r.err = err
	r.finish(err)
}

// finish releases this Rows' slot and advances the queue, waking whichever
// caller enqueued the next command.
func (r *Rows) finish(err error) {
	if r.state == readerExhausted || r.state == readerClosed {
		return
	}
	r.state = readerExhausted
	r.session.Queue().CompleteHead(err)
	if r.onClose != nil {
		r.onClose(err)
	}
}

// Err returns the error, if any, that terminated iteration early.
func (r *Rows) Err() error { return r.err }

// Close drains any unread responses to the next ReadyForQuery and releases
// this Rows' claim on the connection. Safe to call multiple times and safe to call before
// exhausting Next.
func (r *Rows) Close() error {
	if r.state == readerClosed {
		return nil
	}
	if r.state != readerExhausted {
		if err := r.awaitTurn(); err == nil {
			ctx := r.ctx
			if r.drainTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, r.drainTimeout)
				defer cancel()
			}
			if err := r.session.DrainToReady(ctx); err != nil {
				r.finish(err)
			} else {
				r.finish(nil)
			}
		}
	}
	r.state = readerClosed
	return r.err
}
