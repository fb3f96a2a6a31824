package slon

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roji/slon/internal"
	"github.com/roji/slon/internal/pool"
)

// TestRowsNextDrainsToReadyForQueryOnServerError verifies that an
// ErrorResponse encountered mid-command leaves the session back on
// StateReady and its queue empty, instead of handing back a slot with an
// unread ReadyForQuery still sitting on the wire.
func TestRowsNextDrainsToReadyForQueryOnServerError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cn := pool.NewConn(client)
	sess := pool.NewSession(cn, pool.SessionConfig{Credentials: pool.Credentials{User: "u"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		rd := pool.NewMessageReader(server)
		for _, want := range []byte{'P', 'B', 'D', 'E', 'S'} {
			require.NoError(t, rd.MoveNext())
			c, _ := rd.CurrentMessage()
			require.Equal(t, want, byte(c))
			require.NoError(t, rd.ConsumeCurrent())
		}

		buf := pool.NewWriteBuffer()
		buf.StartMessage(pool.MsgErrorResponse)
		buf.WriteByte('S')
		buf.WriteCString("ERROR")
		buf.WriteByte('C')
		buf.WriteCString("22012")
		buf.WriteByte('M')
		buf.WriteCString("division by zero")
		buf.WriteByte(0)
		buf.FinishMessage()

		buf.StartMessage(pool.MsgReadyForQuery)
		buf.WriteByte('I')
		buf.FinishMessage()

		_, err := server.Write(buf.Take())
		require.NoError(t, err)
	}()

	ctx := context.Background()
	require.NoError(t, sess.AcquireWrite(ctx))
	slot := sess.Enqueue()

	q := &pool.ExtendedQuery{SQL: "select 1/0", Portal: pool.NewSizedString(""), Statement: pool.NewSizedString("")}
	_, _, err := sess.WriteExtendedQuery(ctx, q)
	require.NoError(t, err)

	rows := newRows(ctx, sess, slot)
	ok, err := rows.Next(nil)
	require.False(t, ok)
	require.Error(t, err)

	var driverErr *internal.DriverError
	require.ErrorAs(t, err, &driverErr)
	assert.Equal(t, internal.KindServerError, driverErr.Kind)
	assert.Equal(t, "22012", driverErr.SQLSTATE())

	assert.Equal(t, pool.StateReady, sess.State())
	assert.Equal(t, 0, sess.Queue().Len())

	<-done
}

// TestRowsAffectedByVerb verifies that only data-modifying command tags
// report a real row count, matching the original driver's behavior: a
// SELECT tag carries a count but is not a modification, so it reports -1.
func TestRowsAffectedByVerb(t *testing.T) {
	cases := []struct {
		tag     string
		want    int64
		wantOK  bool
	}{
		{tag: "SELECT 8", want: -1, wantOK: true},
		{tag: "INSERT 0 1", want: 1, wantOK: true},
		{tag: "UPDATE 3", want: 3, wantOK: true},
		{tag: "DELETE 0", want: 0, wantOK: true},
		{tag: "MOVE 2", want: 2, wantOK: true},
		{tag: "FETCH 5", want: 5, wantOK: true},
		{tag: "COPY 100", want: 100, wantOK: true},
		{tag: "BEGIN", want: 0, wantOK: false},
		{tag: "CREATE TABLE", want: 0, wantOK: false},
	}
	for _, tc := range cases {
		r := &Rows{commandTag: tc.tag}
		n, ok := r.RowsAffected()
		assert.Equal(t, tc.wantOK, ok, tc.tag)
		if tc.wantOK {
			assert.Equal(t, tc.want, n, tc.tag)
		}
	}
}

// TestRowsNextResultAdvancesSimpleQueryBatch writes a two-statement simple
// query batch with Session.WriteSimpleQuery, reads it through a Rows marked
// asMulti (as DataSource.QuerySimple builds it), and verifies NextResult
// moves between result sets, stopping for good once ReadyForQuery is
// reached.
func TestRowsNextResultAdvancesSimpleQueryBatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cn := pool.NewConn(client)
	sess := pool.NewSession(cn, pool.SessionConfig{Credentials: pool.Credentials{User: "u"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		rd := pool.NewMessageReader(server)
		require.NoError(t, rd.MoveNext())
		c, _ := rd.CurrentMessage()
		require.Equal(t, pool.MsgQuery, c)
		sql, err := rd.ReadCString()
		require.NoError(t, err)
		assert.Equal(t, "select 1; select 'x'", sql)

		buf := pool.NewWriteBuffer()

		buf.StartMessage(pool.MsgRowDescription)
		buf.WriteInt16(1)
		buf.WriteCString("?column?")
		buf.WriteUint32(0)
		buf.WriteInt16(0)
		buf.WriteUint32(23)
		buf.WriteInt16(4)
		buf.WriteInt32(-1)
		buf.WriteInt16(int16(pool.FormatText))
		buf.FinishMessage()

		buf.StartMessage(pool.MsgDataRow)
		buf.WriteInt16(1)
		buf.WriteInt32(1)
		buf.WriteByte('1')
		buf.FinishMessage()

		buf.StartMessage(pool.MsgCommandComplete)
		buf.WriteCString("SELECT 1")
		buf.FinishMessage()

		buf.StartMessage(pool.MsgRowDescription)
		buf.WriteInt16(1)
		buf.WriteCString("?column?")
		buf.WriteUint32(0)
		buf.WriteInt16(0)
		buf.WriteUint32(23)
		buf.WriteInt16(4)
		buf.WriteInt32(-1)
		buf.WriteInt16(int16(pool.FormatText))
		buf.FinishMessage()

		buf.StartMessage(pool.MsgDataRow)
		buf.WriteInt16(1)
		buf.WriteInt32(1)
		buf.WriteByte('x')
		buf.FinishMessage()

		buf.StartMessage(pool.MsgCommandComplete)
		buf.WriteCString("SELECT 1")
		buf.FinishMessage()

		buf.StartMessage(pool.MsgReadyForQuery)
		buf.WriteByte('I')
		buf.FinishMessage()

		_, err = server.Write(buf.Take())
		require.NoError(t, err)
	}()

	ctx := context.Background()
	require.NoError(t, sess.AcquireWrite(ctx))
	slot := sess.Enqueue()
	require.NoError(t, sess.WriteSimpleQuery(ctx, "select 1; select 'x'"))

	rows := newRows(ctx, sess, slot).asMulti()

	ok, err := rows.Next(nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, rows.FieldCount())
	assert.True(t, rows.HasRows())

	ok, err = rows.Next(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "SELECT 1", rows.CommandTag())

	more, err := rows.NextResult()
	require.NoError(t, err)
	require.True(t, more)
	assert.True(t, rows.HasRows())

	ok, err = rows.Next(nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = rows.Next(nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "SELECT 1", rows.CommandTag())

	more, err = rows.NextResult()
	require.NoError(t, err)
	assert.False(t, more)
	assert.False(t, rows.IsClosed())

	require.NoError(t, rows.Close())
	assert.True(t, rows.IsClosed())

	<-done
}
