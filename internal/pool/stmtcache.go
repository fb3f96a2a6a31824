package pool

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StmtState is the readiness of a cached prepared statement.
type StmtState int

const (
	StmtPreparing StmtState = iota
	StmtComplete
	StmtInvalid
)

// FieldDescription is one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	TypeOID      uint32
	TypeSize     int16
	TypeMod      int32
	Format       ParamFormat
}

// RowDescription is the decoded backend RowDescription/NoData response to
// Describe, cached alongside a prepared statement so repeat executions can
// skip re-describing.
type RowDescription struct {
	Fields []FieldDescription
}

// CachedStatement is one entry in a session's statement cache, keyed by
// (sql_text, parameter_type_vector).
type CachedStatement struct {
	Name           string
	SQL            string
	ParamOIDs      []uint32
	State          StmtState
	RowDescription *RowDescription
}

func stmtKey(sql string, paramOIDs []uint32) string {
	var b strings.Builder
	b.WriteString(sql)
	b.WriteByte(0)
	for _, oid := range paramOIDs {
		b.WriteString(strconv.FormatUint(uint64(oid), 10))
		b.WriteByte(',')
	}
	return b.String()
}

// StmtNamer allocates globally-unique prepared-statement names. The
// production namer is backed by google/uuid so that names never collide
// even when sessions prepare the same SQL text concurrently.
type StmtNamer interface {
	Next() string
}

type uuidStmtNamer struct{}

func (uuidStmtNamer) Next() string {
	return "slon_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// StmtCache is the per-session prepared statement cache. Entries survive
// session-local transaction rollbacks (there is nothing in
// this type that a ROLLBACK touches) but never survive session loss,
// because each Session owns its own StmtCache instance.
type StmtCache struct {
	namer StmtNamer

	mu sync.Mutex
	m  map[string]*CachedStatement
}

func NewStmtCache() *StmtCache {
	return NewStmtCacheWithNamer(uuidStmtNamer{})
}

func NewStmtCacheWithNamer(namer StmtNamer) *StmtCache {
	return &StmtCache{namer: namer, m: make(map[string]*CachedStatement)}
}

// Lookup returns the cached statement for (sql, paramOIDs), if any.
func (c *StmtCache) Lookup(sql string, paramOIDs []uint32) (*CachedStatement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.m[stmtKey(sql, paramOIDs)]
	return st, ok
}

// GetOrPrepare returns the cached statement for (sql, paramOIDs), creating
// a new Preparing entry with a fresh unique name if none exists yet.
// created reports whether a new entry was allocated, meaning the caller
// must emit a Parse message.
func (c *StmtCache) GetOrPrepare(sql string, paramOIDs []uint32) (st *CachedStatement, created bool) {
	key := stmtKey(sql, paramOIDs)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.m[key]; ok && existing.State != StmtInvalid {
		return existing, false
	}

	st = &CachedStatement{
		Name:      c.namer.Next(),
		SQL:       sql,
		ParamOIDs: append([]uint32(nil), paramOIDs...),
		State:     StmtPreparing,
	}
	c.m[key] = st
	return st, true
}

// MarkComplete promotes a Preparing statement to Complete on ParseComplete
// or NoData, recording the RowDescription (nil for NoData) for reuse by
// later executions that skip Describe.
func (c *StmtCache) MarkComplete(st *CachedStatement, rowDesc *RowDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.State = StmtComplete
	st.RowDescription = rowDesc
}

// Invalidate evicts a statement after an ErrorResponse during Parse, so the
// next lookup for the same SQL text re-prepares it under a fresh name.
func (c *StmtCache) Invalidate(st *CachedStatement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.State = StmtInvalid
	delete(c.m, stmtKey(st.SQL, st.ParamOIDs))
}

func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
