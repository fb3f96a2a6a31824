package pool

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readStartupMessage reads and discards a legacy-framed Startup message,
// letting a scripted test decide how to respond.
func readStartupMessage(t *testing.T, nc net.Conn) {
	t.Helper()
	var lenBuf [4]byte
	_, err := readFull(nc, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	rest := make([]byte, n-4)
	_, err = readFull(nc, rest)
	require.NoError(t, err)
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeAuthOK(buf *WriteBuffer) {
	buf.StartMessage(MsgAuthentication)
	buf.WriteInt32(0)
	buf.FinishMessage()
}

func writeBackendKeyData(buf *WriteBuffer, pid, secret int32) {
	buf.StartMessage(MsgBackendKeyData)
	buf.WriteInt32(pid)
	buf.WriteInt32(secret)
	buf.FinishMessage()
}

func writeParamStatus(buf *WriteBuffer, k, v string) {
	buf.StartMessage(MsgParameterStatus)
	buf.WriteCString(k)
	buf.WriteCString(v)
	buf.FinishMessage()
}

func writeReadyForQuery(buf *WriteBuffer, status TxStatus) {
	buf.StartMessage(MsgReadyForQuery)
	buf.WriteByte(byte(status))
	buf.FinishMessage()
}

func TestSessionHandshakeCleartext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readStartupMessage(t, server)

		buf := NewWriteBuffer()
		buf.StartMessage(MsgAuthentication)
		buf.WriteInt32(3) // cleartext
		buf.FinishMessage()
		_, err := server.Write(buf.Take())
		require.NoError(t, err)

		// Expect PasswordMessage back.
		rd := NewMessageReader(server)
		require.NoError(t, rd.MoveNext())
		c, _ := rd.CurrentMessage()
		require.Equal(t, MsgPassword, c)
		pw, err := rd.ReadCString()
		require.NoError(t, err)
		assert.Equal(t, "secret", pw)

		buf.Reset()
		writeAuthOK(buf)
		writeBackendKeyData(buf, 4242, 99)
		writeParamStatus(buf, "server_version", "16.0")
		writeReadyForQuery(buf, TxIdle)
		_, err = server.Write(buf.Take())
		require.NoError(t, err)
	}()

	cn := NewConn(client)
	sess := NewSession(cn, SessionConfig{
		Credentials: Credentials{User: "alice", Password: "secret", Database: "db"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Handshake(ctx))
	assert.Equal(t, StateReady, sess.State())
	assert.EqualValues(t, 4242, cn.BackendPID)

	<-done
}

func TestSessionHandshakeMD5(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	salt := []byte{1, 2, 3, 4}
	done := make(chan struct{})
	go func() {
		defer close(done)
		readStartupMessage(t, server)

		buf := NewWriteBuffer()
		buf.StartMessage(MsgAuthentication)
		buf.WriteInt32(5)
		buf.WriteBytes(salt)
		buf.FinishMessage()
		_, err := server.Write(buf.Take())
		require.NoError(t, err)

		rd := NewMessageReader(server)
		require.NoError(t, rd.MoveNext())
		pw, err := rd.ReadCString()
		require.NoError(t, err)
		assert.Equal(t, md5Password("bob", "hunter2", salt), pw)

		buf.Reset()
		writeAuthOK(buf)
		writeBackendKeyData(buf, 1, 2)
		writeReadyForQuery(buf, TxIdle)
		_, err = server.Write(buf.Take())
		require.NoError(t, err)
	}()

	cn := NewConn(client)
	sess := NewSession(cn, SessionConfig{
		Credentials: Credentials{User: "bob", Password: "hunter2"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Handshake(ctx))
	assert.Equal(t, StateReady, sess.State())

	<-done
}

func TestSessionExtendedQueryRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cn := NewConn(client)
	sess := NewSession(cn, SessionConfig{Credentials: Credentials{User: "u"}})
	sess.setState(StateReady)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rd := NewMessageReader(server)

		// Parse
		require.NoError(t, rd.MoveNext())
		c, _ := rd.CurrentMessage()
		require.Equal(t, MsgParse, c)
		require.NoError(t, rd.ConsumeCurrent())

		// Bind
		require.NoError(t, rd.MoveNext())
		c, _ = rd.CurrentMessage()
		require.Equal(t, MsgBind, c)
		require.NoError(t, rd.ConsumeCurrent())

		// Describe
		require.NoError(t, rd.MoveNext())
		c, _ = rd.CurrentMessage()
		require.Equal(t, MsgDescribe, c)
		require.NoError(t, rd.ConsumeCurrent())

		// Execute
		require.NoError(t, rd.MoveNext())
		c, _ = rd.CurrentMessage()
		require.Equal(t, MsgExecute, c)
		require.NoError(t, rd.ConsumeCurrent())

		// Sync
		require.NoError(t, rd.MoveNext())
		c, _ = rd.CurrentMessage()
		require.Equal(t, MsgSync, c)

		buf := NewWriteBuffer()
		buf.StartMessage(MsgParseComplete)
		buf.FinishMessage()
		buf.StartMessage(MsgBindComplete)
		buf.FinishMessage()

		buf.StartMessage(MsgRowDescription)
		buf.WriteInt16(1)
		buf.WriteCString("id")
		buf.WriteUint32(0)
		buf.WriteInt16(0)
		buf.WriteUint32(23)
		buf.WriteInt16(4)
		buf.WriteInt32(-1)
		buf.WriteInt16(int16(FormatText))
		buf.FinishMessage()

		buf.StartMessage(MsgDataRow)
		buf.WriteInt16(1)
		buf.WriteInt32(1)
		buf.WriteByte('1')
		buf.FinishMessage()

		buf.StartMessage(MsgCommandComplete)
		buf.WriteCString("SELECT 1")
		buf.FinishMessage()

		writeReadyForQuery(buf, TxIdle)
		_, err := server.Write(buf.Take())
		require.NoError(t, err)
	}()

	ctx := context.Background()
	require.NoError(t, sess.AcquireWrite(ctx))
	slot := sess.Enqueue()

	q := &ExtendedQuery{
		SQL:    "select 1",
		Portal: NewSizedString(""),
	}
	_, _, err := sess.WriteExtendedQuery(ctx, q)
	require.NoError(t, err)

	require.NoError(t, slot.WaitReadReady(ctx))

	ev, err := sess.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgParseComplete, ev.Type)

	ev, err = sess.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgBindComplete, ev.Type)

	ev, err = sess.ReadResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, MsgRowDescription, ev.Type)
	require.Len(t, ev.RowDescription.Fields, 1)
	assert.Equal(t, "id", ev.RowDescription.Fields[0].Name)

	ev, err = sess.ReadResponse(ctx)
	require.NoError(t, err)
	require.Equal(t, MsgDataRow, ev.Type)
	assert.Equal(t, []byte("1"), ev.Row[0])

	ev, err = sess.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", ev.CommandTag)

	ev, err = sess.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgReadyForQuery, ev.Type)

	sess.Queue().CompleteHead(nil)
	<-done
}

// writeCountingConn wraps a net.Conn to count Write calls, letting a test
// observe how many separate flushes reached the wire.
type writeCountingConn struct {
	net.Conn
	writes int
}

func (c *writeCountingConn) Write(b []byte) (int, error) {
	c.writes++
	return c.Conn.Write(b)
}

// TestSessionExtendedQueryFlushesEarlyOverThreshold verifies that a low
// FlushThreshold causes WriteExtendedQuery to flush the Bind message to the
// wire separately from Describe/Execute/Sync, and that the split doesn't
// corrupt the response parsing on the other end.
func TestSessionExtendedQueryFlushesEarlyOverThreshold(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	counting := &writeCountingConn{Conn: client}
	cn := NewConn(counting)
	sess := NewSession(cn, SessionConfig{Credentials: Credentials{User: "u"}, FlushThreshold: 1})
	sess.setState(StateReady)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rd := NewMessageReader(server)
		for _, want := range []msgType{MsgParse, MsgBind, MsgDescribe, MsgExecute, MsgSync} {
			require.NoError(t, rd.MoveNext())
			c, _ := rd.CurrentMessage()
			require.Equal(t, want, c)
			require.NoError(t, rd.ConsumeCurrent())
		}

		buf := NewWriteBuffer()
		buf.StartMessage(MsgParseComplete)
		buf.FinishMessage()
		buf.StartMessage(MsgBindComplete)
		buf.FinishMessage()
		buf.StartMessage(MsgNoData)
		buf.FinishMessage()
		buf.StartMessage(MsgCommandComplete)
		buf.WriteCString("SELECT 1")
		buf.FinishMessage()
		writeReadyForQuery(buf, TxIdle)
		_, err := server.Write(buf.Take())
		require.NoError(t, err)
	}()

	ctx := context.Background()
	require.NoError(t, sess.AcquireWrite(ctx))
	slot := sess.Enqueue()

	q := &ExtendedQuery{SQL: "select 1", Portal: NewSizedString("")}
	_, _, err := sess.WriteExtendedQuery(ctx, q)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counting.writes, 2)

	require.NoError(t, slot.WaitReadReady(ctx))
	for i := 0; i < 4; i++ {
		_, err := sess.ReadResponse(ctx)
		require.NoError(t, err)
	}
	ev, err := sess.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, MsgReadyForQuery, ev.Type)

	sess.Queue().CompleteHead(nil)
	<-done
}

// TestSessionCloseStatementRoundTrip verifies that CloseStatement frames
// Close(S, name) + Sync, drains through its own ReadyForQuery, and leaves
// the session's queue empty afterward so a following command starts clean.
func TestSessionCloseStatementRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cn := NewConn(client)
	sess := NewSession(cn, SessionConfig{Credentials: Credentials{User: "u"}})
	sess.setState(StateReady)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rd := NewMessageReader(server)

		require.NoError(t, rd.MoveNext())
		c, _ := rd.CurrentMessage()
		require.Equal(t, MsgClose, c)
		require.NoError(t, rd.ConsumeCurrent())

		require.NoError(t, rd.MoveNext())
		c, _ = rd.CurrentMessage()
		require.Equal(t, MsgSync, c)
		require.NoError(t, rd.ConsumeCurrent())

		buf := NewWriteBuffer()
		buf.StartMessage(MsgCloseComplete)
		buf.FinishMessage()
		writeReadyForQuery(buf, TxIdle)
		_, err := server.Write(buf.Take())
		require.NoError(t, err)
	}()

	ctx := context.Background()
	require.NoError(t, sess.CloseStatement(ctx, "slon_deadbeef"))
	assert.Equal(t, 0, sess.Queue().Len())
	assert.Equal(t, StateReady, sess.State())

	<-done
}
