package pool

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var noDeadline = time.Time{}

// Conn is the buffered duplex over an authenticated byte stream. It owns
// the write buffer and the backend-message read cursor for one physical
// socket; everything above it (Session, Queue, Dispatcher) treats it as
// the unit of pipelining. It wraps a MessageReader rather than a raw
// bufio.Reader, and carries a UUID identity used in diagnostics.
type Conn struct {
	ID uuid.UUID

	netConn net.Conn
	Reader  *MessageReader
	Writer  *WriteBuffer

	InitedAt time.Time
	usedAt   atomic.Value

	BackendPID    int32
	BackendSecret int32
}

func NewConn(netConn net.Conn) *Conn {
	cn := &Conn{
		ID:       uuid.New(),
		Reader:   NewMessageReader(netConn),
		Writer:   NewWriteBuffer(),
		InitedAt: time.Now(),
	}
	cn.SetNetConn(netConn)
	cn.SetUsedAt(time.Now())
	return cn
}

func (cn *Conn) UsedAt() time.Time {
	return cn.usedAt.Load().(time.Time)
}

func (cn *Conn) SetUsedAt(tm time.Time) {
	cn.usedAt.Store(tm)
}

func (cn *Conn) SetNetConn(netConn net.Conn) {
	cn.netConn = netConn
	cn.Reader.Reset(netConn)
}

func (cn *Conn) NetConn() net.Conn {
	return cn.netConn
}

func (cn *Conn) RemoteAddr() net.Addr {
	if cn.netConn == nil {
		return nil
	}
	return cn.netConn.RemoteAddr()
}

// SetDeadline applies a read/write timeout pair, further bounded by ctx's
// deadline if it is sooner. This is the mechanism behind command_timeout
// and connection_timeout.
func (cn *Conn) SetDeadline(ctx context.Context, rt, wt time.Duration) {
	now := time.Now()
	cn.SetUsedAt(now)

	deadline, hasDeadline := ctx.Deadline()

	readDeadline := noDeadline
	if rt > 0 {
		readDeadline = now.Add(rt)
	}
	if hasDeadline && (readDeadline == noDeadline || deadline.Before(readDeadline)) {
		readDeadline = deadline
	}
	_ = cn.netConn.SetReadDeadline(readDeadline)

	writeDeadline := noDeadline
	if wt > 0 {
		writeDeadline = now.Add(wt)
	}
	if hasDeadline && (writeDeadline == noDeadline || deadline.Before(writeDeadline)) {
		writeDeadline = deadline
	}
	_ = cn.netConn.SetWriteDeadline(writeDeadline)
}

// Flush writes the write buffer's contents to the network and resets it.
// This is the only point at which frontend bytes actually leave the
// process; StartMessage/FinishMessage calls before it are pure buffer
// arithmetic.
func (cn *Conn) Flush() error {
	b := cn.Writer.Take()
	if len(b) == 0 {
		return nil
	}
	_, err := cn.netConn.Write(b)
	return err
}

// FlushIfOverThreshold flushes when the buffered byte count exceeds an
// advisory threshold, used mid-batch during a large pipelined write so a
// slow reader downstream doesn't force one huge buffered write.
func (cn *Conn) FlushIfOverThreshold(threshold int) error {
	if threshold <= 0 || cn.Writer.Len() <= threshold {
		return nil
	}
	return cn.Flush()
}

func (cn *Conn) Close() error {
	return cn.netConn.Close()
}

// IsStale reports whether the connection has sat idle longer than maxIdle.
func (cn *Conn) IsStale(maxIdle time.Duration) bool {
	return maxIdle > 0 && time.Since(cn.UsedAt()) > maxIdle
}

// CheckHealth reports an error if the connection has buffered, unread
// bytes: a session must never be returned to the pool mid-message.
func (cn *Conn) CheckHealth() error {
	if cn.Reader.Buffered() != 0 {
		return errUnreadData
	}
	return nil
}

type connError string

func (e connError) Error() string { return string(e) }

const errUnreadData = connError("slon: connection has unread data")
