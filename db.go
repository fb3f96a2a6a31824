package slon

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/roji/slon/internal"
	"github.com/roji/slon/internal/pool"
)

// Param is one bound query parameter. It is a
// thin alias over the wire-level pool.Parameter so callers outside
// internal/ never need to import it directly.
type Param = pool.Parameter

// pooledParam is kept as the parameter name used by Statement's exported
// signatures; it is the same type as Param.
type pooledParam = Param

// DataSource is the top-level, thread-safe entry point: one Options, one
// Dispatcher, any number of concurrent callers sharing the pool of
// connections it manages.
type DataSource struct {
	opt    *Options
	disp   *pool.Dispatcher
	dialer func(ctx context.Context) (net.Conn, error)
	closed atomic.Bool
}

// Open creates a DataSource without connecting yet; the first command
// dials lazily via the Dispatcher.
func Open(opt *Options) *DataSource {
	o := *opt
	o.init()

	if o.Logger != nil {
		internal.Logger = o.Logger
	}
	if o.QueryLogger != nil {
		internal.QueryLogger = o.QueryLogger
	}

	db := &DataSource{opt: &o}
	db.dialer = func(ctx context.Context) (net.Conn, error) {
		return db.rawDial(ctx)
	}
	db.disp = pool.NewDispatcher(pool.DispatcherConfig{
		Dial:               db.dialSession,
		PoolSize:           o.PoolSize,
		IdleTimeout:        o.IdleTimeout,
		IdleCheckFrequency: o.IdleCheckFrequency,
	})
	return db
}

func (db *DataSource) rawDial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, db.opt.DialTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, db.opt.Network, db.opt.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "slon: dial failed")
	}
	if db.opt.TLSConfig != nil {
		nc = tls.Client(nc, db.opt.TLSConfig)
	}
	return nc, nil
}

// dialWithRetry retries a failed dial with jittered backoff, up to
// Options.MaxRetries times.
func (db *DataSource) dialWithRetry(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= db.opt.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := internal.RetryBackoff(attempt-1, db.opt.MinRetryBackoff, db.opt.MaxRetryBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, lastErr
			}
		}
		nc, err := db.rawDial(ctx)
		if err == nil {
			return nc, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (db *DataSource) dialSession(ctx context.Context) (*pool.Session, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, db.opt.ConnectionTimeout)
	defer cancel()

	nc, err := db.dialWithRetry(handshakeCtx)
	if err != nil {
		return nil, err
	}

	cn := pool.NewConn(nc)
	sess := pool.NewSession(cn, pool.SessionConfig{
		Credentials: pool.Credentials{
			User:          db.opt.User,
			Password:      db.opt.Password,
			Database:      db.opt.Database,
			RuntimeParams: db.opt.RuntimeParams,
			Authenticator: db.opt.Authenticator,
		},
		FlushThreshold: db.opt.FlushThreshold,
		ReadTimeout:    db.opt.CommandTimeout,
		WriteTimeout:   db.opt.CommandTimeout,
	})

	if err := sess.Handshake(handshakeCtx); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close waits up to Options.DrainTimeout for in-flight commands to finish,
// then closes every pooled connection. Any session still busy once
// DrainTimeout elapses is broken rather than left to finish. Further calls
// against this DataSource fail immediately with internal.ErrClosed instead
// of reaching the dispatcher.
func (db *DataSource) Close() error {
	db.closed.Store(true)
	return db.disp.Close(db.opt.DrainTimeout)
}

// Stats returns a snapshot of pool counters.
func (db *DataSource) Stats() pool.Stats {
	return db.disp.Stats()
}

// acquire selects a session for one command: Submit's least-pending policy
// when pipelining is allowed, otherwise an exclusively pinned session
// returned immediately after the command finishes.
func (db *DataSource) acquire(ctx context.Context) (sess *pool.Session, exclusive bool, err error) {
	if db.closed.Load() {
		return nil, false, internal.ErrClosed
	}
	if db.opt.AllowPipelining {
		sess, err = db.disp.Submit(ctx)
		return sess, false, err
	}
	sess, err = db.disp.Open(ctx)
	return sess, true, err
}

func (db *DataSource) release(sess *pool.Session, exclusive bool, cmdErr error) {
	if !exclusive {
		return
	}
	if sess.State() == pool.StateBroken || internal.IsQueryCanceled(cmdErr) {
		db.disp.Drop(sess)
		return
	}
	db.disp.Return(sess)
}

// finishRelease is release plus CloseConnection handling: a command flagged
// CloseConnection drops its (necessarily exclusive) session instead of
// returning it to the pool, regardless of whether it succeeded.
func (db *DataSource) finishRelease(sess *pool.Session, exclusive bool, flags CommandFlags, cmdErr error) {
	if exclusive && flags.has(CloseConnection) {
		db.disp.Drop(sess)
		return
	}
	db.release(sess, exclusive, cmdErr)
}

func toParamOIDs(params []Param) []uint32 {
	if len(params) == 0 {
		return nil
	}
	oids := make([]uint32, len(params))
	for i, p := range params {
		oids[i] = p.TypeOID
	}
	return oids
}

func toParamFormats(params []Param) []pool.ParamFormat {
	if len(params) == 0 {
		return nil
	}
	formats := make([]pool.ParamFormat, len(params))
	for i, p := range params {
		formats[i] = p.Format
	}
	return formats
}

// runQuery is the shared extended-query path behind Exec/Query and
// Statement.Exec/Query.
func (db *DataSource) runQuery(ctx context.Context, sql string, paramOIDs []uint32, params []Param, flags CommandFlags) (*Rows, *pool.Session, bool, error) {
	if flags.has(CloseConnection) && db.opt.AllowPipelining {
		return nil, nil, false, internal.NewArgumentError("CloseConnection is not supported on a multiplexed (pipelined) session")
	}

	internal.LogQuery(sql)

	sess, exclusive, err := db.acquire(ctx)
	if err != nil {
		return nil, nil, false, err
	}

	if flags.has(Unprepared) || flags.has(Preparing) {
		if cached, ok := sess.Stmts.Lookup(sql, paramOIDs); ok {
			sess.Stmts.Invalidate(cached)
			// The cache entry is gone, but the server still holds the named
			// statement; release it before the caller's replacement Parse
			// reuses the slot this SQL text maps to.
			if err := sess.CloseStatement(ctx, cached.Name); err != nil {
				db.release(sess, exclusive, err)
				return nil, nil, false, err
			}
		}
	}

	if err := sess.AcquireWrite(ctx); err != nil {
		db.release(sess, exclusive, err)
		return nil, nil, false, internal.NewCancelled(err)
	}

	slot := sess.Enqueue()

	q := &pool.ExtendedQuery{
		SQL:           sql,
		Portal:        pool.NewSizedString(""),
		Statement:     pool.NewSizedString(""),
		ParamOIDs:     paramOIDs,
		ParamFormats:  toParamFormats(params),
		Params:        params,
		ResultFormats: nil,
		Flags: pool.ExecFlags{
			Prepared:   flags.has(Prepared),
			SchemaOnly: flags.has(SchemaOnly),
		},
	}
	if flags.has(SingleRow) {
		q.Flags.MaxRows = 1
	}

	needParse, cachedStmt, err := sess.WriteExtendedQuery(ctx, q)
	if err != nil {
		sess.Queue().CompleteHead(err)
		db.release(sess, exclusive, err)
		return nil, nil, false, err
	}

	rows := newRows(ctx, sess, slot).withDrainTimeout(db.opt.DrainTimeout)
	if cachedStmt != nil {
		rows.withCachedStatement(cachedStmt, needParse)
	}
	return rows, sess, exclusive, nil
}

// Exec runs sql for effect and returns the final command's RowsAffected.
func (db *DataSource) Exec(ctx context.Context, sql string, params ...Param) (*Result, error) {
	return db.execFlags(ctx, sql, toParamOIDs(params), params, Default)
}

func (db *DataSource) execFlags(ctx context.Context, sql string, paramOIDs []uint32, params []Param, flags CommandFlags) (*Result, error) {
	rows, sess, exclusive, err := db.runQuery(ctx, sql, paramOIDs, params, flags)
	if err != nil {
		return nil, err
	}
	for {
		ok, err := rows.Next(nil)
		if err != nil {
			db.finishRelease(sess, exclusive, flags, err)
			return nil, err
		}
		if !ok {
			break
		}
	}
	db.finishRelease(sess, exclusive, flags, rows.Err())
	return newResult(rows), nil
}

// Query runs sql and returns a Rows cursor. The underlying session is
// released back to the pool once Next returns false (end of the response or
// an error) or Rows.Close is called; Close on a partly read Rows drains the
// rest of the response first.
func (db *DataSource) Query(ctx context.Context, sql string, params ...Param) (*Rows, error) {
	return db.queryFlags(ctx, sql, toParamOIDs(params), params, Default)
}

func (db *DataSource) queryFlags(ctx context.Context, sql string, paramOIDs []uint32, params []Param, flags CommandFlags) (*Rows, error) {
	rows, sess, exclusive, err := db.runQuery(ctx, sql, paramOIDs, params, flags)
	if err != nil {
		return nil, err
	}
	rows.onClose = func(closeErr error) { db.finishRelease(sess, exclusive, flags, closeErr) }
	return rows, nil
}

// QuerySimple runs sql through the simple query protocol instead of the
// extended-query flow: sql may be a semicolon-separated batch of statements,
// each producing its own result set. Parameters are not supported by the
// simple protocol. Use Rows.NextResult to move between result sets and
// Rows.Next to iterate the rows of the current one.
func (db *DataSource) QuerySimple(ctx context.Context, sql string) (*Rows, error) {
	internal.LogQuery(sql)

	sess, exclusive, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}

	if err := sess.AcquireWrite(ctx); err != nil {
		db.release(sess, exclusive, err)
		return nil, internal.NewCancelled(err)
	}

	slot := sess.Enqueue()
	if err := sess.WriteSimpleQuery(ctx, sql); err != nil {
		sess.Queue().CompleteHead(err)
		db.release(sess, exclusive, err)
		return nil, err
	}

	rows := newRows(ctx, sess, slot).asMulti().withDrainTimeout(db.opt.DrainTimeout)
	rows.onClose = func(closeErr error) { db.release(sess, exclusive, closeErr) }
	return rows, nil
}

// Begin starts a transaction on an exclusively pinned session.
func (db *DataSource) Begin(ctx context.Context) (*Tx, error) {
	if db.closed.Load() {
		return nil, internal.ErrClosed
	}
	sess, err := db.disp.Open(ctx)
	if err != nil {
		return nil, err
	}
	tx := &Tx{db: db, sess: sess}
	if _, err := tx.exec(ctx, "BEGIN"); err != nil {
		db.disp.Drop(sess)
		return nil, err
	}
	return tx, nil
}

// Cancel requests cancellation of whatever command is currently in flight
// on sess, via a short-lived secondary connection.
func (db *DataSource) Cancel(ctx context.Context, sess *pool.Session) error {
	return sess.CancelInFlight(ctx, db.dialer, db.opt.CancellationTimeout)
}
