package slon

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roji/slon/internal/pool"
)

// fakePostgres accepts one connection, completes a trust-auth handshake,
// then answers exactly one simple Exec ("UPDATE 2") extended-query flow.
// It stands in for a live server, since none is available in this
// environment.
func fakePostgres(t *testing.T, ln net.Listener) {
	t.Helper()
	nc, err := ln.Accept()
	require.NoError(t, err)
	defer nc.Close()

	var lenBuf [4]byte
	_, err = io_ReadFull(nc, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	rest := make([]byte, n-4)
	_, err = io_ReadFull(nc, rest)
	require.NoError(t, err)

	buf := pool.NewWriteBuffer()
	buf.StartMessage(pool.MsgAuthentication)
	buf.WriteInt32(0)
	buf.FinishMessage()
	buf.StartMessage(pool.MsgBackendKeyData)
	buf.WriteInt32(1)
	buf.WriteInt32(2)
	buf.FinishMessage()
	buf.StartMessage(pool.MsgReadyForQuery)
	buf.WriteByte('I')
	buf.FinishMessage()
	_, err = nc.Write(buf.Take())
	require.NoError(t, err)

	rd := pool.NewMessageReader(nc)
	wantCodes := []byte{byte(pool.MsgParse), byte(pool.MsgBind), byte(pool.MsgDescribe), byte(pool.MsgExecute), byte(pool.MsgSync)}
	for _, want := range wantCodes {
		require.NoError(t, rd.MoveNext())
		c, _ := rd.CurrentMessage()
		require.Equal(t, want, byte(c))
		require.NoError(t, rd.ConsumeCurrent())
	}

	buf.Reset()
	buf.StartMessage(pool.MsgParseComplete)
	buf.FinishMessage()
	buf.StartMessage(pool.MsgBindComplete)
	buf.FinishMessage()
	buf.StartMessage(pool.MsgNoData)
	buf.FinishMessage()
	buf.StartMessage(pool.MsgCommandComplete)
	buf.WriteCString("UPDATE 2")
	buf.FinishMessage()
	buf.StartMessage(pool.MsgReadyForQuery)
	buf.WriteByte('I')
	buf.FinishMessage()
	_, err = nc.Write(buf.Take())
	require.NoError(t, err)
}

func io_ReadFull(nc net.Conn, buf []byte) (int, error) {
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

// TestDataSourceClosedRejectsFurtherCommands verifies that Close makes
// every subsequent DataSource method fail fast with ErrClosed instead of
// attempting to dial or reach the dispatcher.
func TestDataSourceClosedRejectsFurtherCommands(t *testing.T) {
	db := Open(&Options{Addr: "127.0.0.1:1", User: "u", Database: "d"})
	require.NoError(t, db.Close())

	_, err := db.Exec(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Query(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Begin(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDataSourceExecEndToEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fakePostgres(t, ln)

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	_ = host

	db := Open(&Options{Addr: ln.Addr().String(), User: "u", Database: "d"})
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := db.Exec(ctx, "update t set x = 1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowsAffected())
	assert.Equal(t, "UPDATE 2", res.Tag())

	_ = port
}
