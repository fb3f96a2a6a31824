package slon

// Result is the outcome of Exec: the final command tag with no row data
// retained. RowsAffected exposes the tag's numeric suffix for a
// data-modifying command, -1 for any other command that still reports a
// count (e.g. a SELECT), and hasCount covers tags that carry none at all
// (e.g. "BEGIN", "CREATE TABLE").
type Result struct {
	tag      string
	affected int64
	hasCount bool
}

func newResult(rows *Rows) *Result {
	n, ok := rows.RowsAffected()
	return &Result{tag: rows.CommandTag(), affected: n, hasCount: ok}
}

// Tag returns the raw CommandComplete tag, e.g. "UPDATE 3".
func (r *Result) Tag() string { return r.tag }

// RowsAffected returns the numeric suffix of Tag for a data-modifying
// command, -1 for a command like SELECT that reports a count but doesn't
// modify rows, or 0 if the command's tag carries no count at all.
func (r *Result) RowsAffected() int64 {
	if !r.hasCount {
		return 0
	}
	return r.affected
}
