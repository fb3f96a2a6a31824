package slon

import "context"

// Statement is a handle to a SQL text plus its parameter type vector,
// prepared transparently on whichever session executes it: unlike a
// connection-bound PREPARE, a Statement is bound to a DataSource and gets
// re-prepared, lazily, on each session's own statement cache.
type Statement struct {
	db        *DataSource
	sql       string
	paramOIDs []uint32
}

// Prepare returns a Statement for sql. No network round trip happens here;
// Parse is emitted lazily on first execution against each session,
// matching PostgreSQL's own PREPARE-on-first-use behavior for named
// statements.
func (db *DataSource) Prepare(sql string, paramOIDs ...uint32) *Statement {
	return &Statement{db: db, sql: sql, paramOIDs: paramOIDs}
}

// Exec runs the statement for effect only, discarding any rows.
func (s *Statement) Exec(ctx context.Context, params ...pooledParam) (*Result, error) {
	return s.db.execFlags(ctx, s.sql, s.paramOIDs, params, Prepared)
}

// Query runs the statement and returns a Rows cursor.
func (s *Statement) Query(ctx context.Context, params ...pooledParam) (*Rows, error) {
	return s.db.queryFlags(ctx, s.sql, s.paramOIDs, params, Prepared)
}

// Reprepare evicts whatever cache entry the executing session already has
// for this statement's SQL/parameter signature and forces a fresh Parse,
// then runs it for effect. Useful after DDL changes a table referenced by
// the statement's plan.
func (s *Statement) Reprepare(ctx context.Context, params ...pooledParam) (*Result, error) {
	return s.db.execFlags(ctx, s.sql, s.paramOIDs, params, Prepared|Preparing)
}
