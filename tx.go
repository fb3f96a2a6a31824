package slon

import (
	"context"

	"github.com/roji/slon/internal"
	"github.com/roji/slon/internal/pool"
)

// Tx is a transaction pinned to one exclusively-checked-out session for its
// entire lifetime, so every statement inside it lands on the same
// connection.
type Tx struct {
	db   *DataSource
	sess *pool.Session
	done bool
	// busy is true from the moment a command is issued on sess until its
	// Rows is fully consumed (Exec), or, for Query, until its Rows reaches
	// ReadyForQuery, fails, or is closed, enforcing one command in flight at
	// a time on this exclusively-owned session.
	busy bool
}

func (tx *Tx) exec(ctx context.Context, sql string, params ...Param) (*Result, error) {
	if tx.done {
		return nil, internal.NewInvalidState("transaction has already been committed or rolled back")
	}
	if tx.busy {
		return nil, internal.ErrCommandInProgress
	}
	tx.busy = true
	defer func() { tx.busy = false }()

	if err := tx.sess.AcquireWrite(ctx); err != nil {
		return nil, internal.NewCancelled(err)
	}
	slot := tx.sess.Enqueue()

	q := &pool.ExtendedQuery{
		SQL:          sql,
		Portal:       pool.NewSizedString(""),
		Statement:    pool.NewSizedString(""),
		ParamOIDs:    toParamOIDs(params),
		ParamFormats: toParamFormats(params),
		Params:       params,
	}
	if _, _, err := tx.sess.WriteExtendedQuery(ctx, q); err != nil {
		tx.sess.Queue().CompleteHead(err)
		return nil, err
	}

	rows := newRows(ctx, tx.sess, slot)
	for {
		ok, err := rows.Next(nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return newResult(rows), rows.Err()
}

// Exec runs sql within the transaction.
func (tx *Tx) Exec(ctx context.Context, sql string, params ...Param) (*Result, error) {
	return tx.exec(ctx, sql, params...)
}

// Query runs sql within the transaction and returns a Rows cursor bound to
// the transaction's session; Rows.Close does not return the session to the
// pool since Tx still owns it.
func (tx *Tx) Query(ctx context.Context, sql string, params ...Param) (*Rows, error) {
	if tx.done {
		return nil, internal.NewInvalidState("transaction has already been committed or rolled back")
	}
	if tx.busy {
		return nil, internal.ErrCommandInProgress
	}
	tx.busy = true

	if err := tx.sess.AcquireWrite(ctx); err != nil {
		tx.busy = false
		return nil, internal.NewCancelled(err)
	}
	slot := tx.sess.Enqueue()

	q := &pool.ExtendedQuery{
		SQL:          sql,
		Portal:       pool.NewSizedString(""),
		Statement:    pool.NewSizedString(""),
		ParamOIDs:    toParamOIDs(params),
		ParamFormats: toParamFormats(params),
		Params:       params,
	}
	if _, _, err := tx.sess.WriteExtendedQuery(ctx, q); err != nil {
		tx.sess.Queue().CompleteHead(err)
		tx.busy = false
		return nil, err
	}
	rows := newRows(ctx, tx.sess, slot).withDrainTimeout(tx.db.opt.DrainTimeout)
	rows.onClose = func(error) { tx.busy = false }
	return rows, nil
}

// Commit runs COMMIT and returns the session to the pool.
func (tx *Tx) Commit(ctx context.Context) error {
	return tx.finish(ctx, "COMMIT")
}

// Rollback runs ROLLBACK and returns the session to the pool.
func (tx *Tx) Rollback(ctx context.Context) error {
	return tx.finish(ctx, "ROLLBACK")
}

func (tx *Tx) finish(ctx context.Context, sql string) error {
	if tx.done {
		return internal.NewInvalidState("transaction has already been committed or rolled back")
	}

	_, err := tx.exec(ctx, sql)
	tx.done = true
	tx.db.release(tx.sess, true, err)
	return err
}
