package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roji/slon/internal"
)

// State is one node of the session's connection state machine.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateInTransaction
	StateInFailedTransaction
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateInTransaction:
		return "in_transaction"
	case StateInFailedTransaction:
		return "in_failed_transaction"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Authenticator computes SASL/SCRAM responses. Full SCRAM mechanics are an
// external collaborator: the session frames
// AuthenticationSASL/SASLContinue/SASLFinal and PasswordMessage, but never
// derives proof bytes itself.
type Authenticator interface {
	// Respond computes the client's next message for mechanism given the
	// server's most recent challenge (nil on the very first call). done
	// reports whether the exchange is complete from the client's side.
	Respond(mechanism string, serverData []byte) (clientData []byte, done bool, err error)
}

// Credentials bundles what Session needs to complete Startup +
// authentication. TLS and connection-string parsing happen
// before Dial is ever called; Session only sees the resulting net.Conn.
type Credentials struct {
	User          string
	Password      string
	Database      string
	RuntimeParams map[string]string
	Authenticator Authenticator
}

// SessionConfig bundles the knobs a Session needs beyond the connection
// itself.
type SessionConfig struct {
	Credentials    Credentials
	FlushThreshold int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OnNotify       func(Notification)
	OnParameter    func(name, value string)
}

// Session is the one-per-connection protocol state machine.
// It owns the Conn, drives the startup handshake, sequences extended and
// simple queries, and recovers from server errors via Sync/ReadyForQuery
// without user intervention.
type Session struct {
	conn  *Conn
	cfg   SessionConfig
	queue *Queue
	Stmts *StmtCache

	state int32 // atomic State

	mu          sync.Mutex
	paramStatus map[string]string
	breakErr    error
	txStatus    TxStatus

	saslMechanism string
}

func NewSession(conn *Conn, cfg SessionConfig) *Session {
	return &Session{
		conn:        conn,
		cfg:         cfg,
		queue:       NewQueue(),
		Stmts:       NewStmtCache(),
		state:       int32(StateConnecting),
		paramStatus: make(map[string]string),
	}
}

func (s *Session) Conn() *Conn   { return s.conn }
func (s *Session) Queue() *Queue { return s.queue }

func (s *Session) State() State { return State(atomic.LoadInt32(&s.state)) }

func (s *Session) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

// BreakErr returns the error that broke the session, or nil if it hasn't.
func (s *Session) BreakErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakErr
}

func (s *Session) ParameterStatus(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.paramStatus[name]
	return v, ok
}

// applyTxStatus implements the state transition table:
// Connecting -> Ready on ReadyForQuery(I); Ready <-> InTransaction on
// ReadyForQuery(T); InTransaction -> InFailedTransaction on
// ReadyForQuery(E). A fresh ReadyForQuery(I) also clears a prior failed
// transaction, matching real backend behavior after ROLLBACK.
func (s *Session) applyTxStatus(status TxStatus) {
	s.mu.Lock()
	s.txStatus = status
	s.mu.Unlock()

	switch status {
	case TxIdle:
		s.setState(StateReady)
	case TxInTrans:
		s.setState(StateInTransaction)
	case TxFailed:
		s.setState(StateInFailedTransaction)
	}
}

// Break transitions the session to Broken exactly once, propagates err to
// every pending slot in FIFO order, and closes the duplex. A broken session
// never returns to the pool; Break is idempotent so any of the read path,
// write path, or a caller-initiated cancellation may call it without
// coordination.
func (s *Session) Break(err error) {
	prev := State(atomic.SwapInt32(&s.state, int32(StateBroken)))
	if prev == StateBroken {
		return
	}

	s.mu.Lock()
	if s.breakErr == nil {
		s.breakErr = err
	}
	s.mu.Unlock()

	s.queue.Break(err)
	_ = s.conn.Close()
	internal.Logf("slon: session %s broken: %s", s.conn.ID, err)
}

func (s *Session) breakWithIOError(err error) error {
	wrapped := internal.NewIOError(err)
	s.Break(wrapped)
	return wrapped
}

func (s *Session) breakProtocolViolation(c msgType) error {
	wrapped := internal.NewProtocolViolation("unexpected message %q", byte(c))
	s.Break(wrapped)
	return wrapped
}

func (s *Session) breakProtocolViolationf(format string, args ...interface{}) error {
	wrapped := internal.NewProtocolViolation(format, args...)
	s.Break(wrapped)
	return wrapped
}

// applyDeadline applies the session's configured read/write timeouts, further
// bounded by ctx.
func (s *Session) applyDeadline(ctx context.Context) {
	s.conn.SetDeadline(ctx, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
}

// Handshake performs Startup and authentication.
func (s *Session) Handshake(ctx context.Context) error {
	if s.State() != StateConnecting {
		return internal.NewInvalidState("handshake already completed")
	}
	s.applyDeadline(ctx)

	writeStartupMessage(s.conn.Writer, s.cfg.Credentials.User, s.cfg.Credentials.Database, s.cfg.Credentials.RuntimeParams)
	if err := s.conn.Flush(); err != nil {
		return s.breakWithIOError(err)
	}

	for {
		if err := s.conn.Reader.MoveNext(); err != nil {
			return s.breakWithIOError(err)
		}
		c, _ := s.conn.Reader.CurrentMessage()

		switch c {
		case MsgBackendKeyData:
			pid, err := s.conn.Reader.ReadInt32()
			if err != nil {
				return s.breakWithIOError(err)
			}
			secret, err := s.conn.Reader.ReadInt32()
			if err != nil {
				return s.breakWithIOError(err)
			}
			s.conn.BackendPID = pid
			s.conn.BackendSecret = secret

		case MsgParameterStatus:
			if err := s.readParameterStatus(); err != nil {
				return s.breakWithIOError(err)
			}

		case MsgAuthentication:
			if err := s.handleAuthentication(); err != nil {
				return err
			}

		case MsgReadyForQuery:
			status, err := s.readReadyForQuery()
			if err != nil {
				return s.breakWithIOError(err)
			}
			s.applyTxStatus(status)
			return nil

		case MsgErrorResponse:
			fields, err := s.conn.Reader.ReadFieldMap()
			if err != nil {
				return s.breakWithIOError(err)
			}
			s.Break(internal.NewServerError(fields))
			return internal.NewServerError(fields)

		case MsgNoticeResponse:
			if err := s.consumeNotice(); err != nil {
				return s.breakWithIOError(err)
			}

		default:
			return s.breakProtocolViolation(c)
		}
	}
}

func (s *Session) readParameterStatus() error {
	name, err := s.conn.Reader.ReadCString()
	if err != nil {
		return err
	}
	value, err := s.conn.Reader.ReadCString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.paramStatus[name] = value
	s.mu.Unlock()
	if s.cfg.OnParameter != nil {
		s.cfg.OnParameter(name, value)
	}
	return nil
}

func (s *Session) consumeNotice() error {
	fields, err := s.conn.Reader.ReadFieldMap()
	if err != nil {
		return err
	}
	internal.Logf("slon: notice: %s: %s", fields['S'], fields['M'])
	return nil
}

func (s *Session) consumeNotification() error {
	pid, err := s.conn.Reader.ReadInt32()
	if err != nil {
		return err
	}
	channel, err := s.conn.Reader.ReadCString()
	if err != nil {
		return err
	}
	payload, err := s.conn.Reader.ReadCString()
	if err != nil {
		return err
	}
	if s.cfg.OnNotify != nil {
		s.cfg.OnNotify(Notification{BackendPID: pid, Channel: channel, Payload: payload})
	}
	return nil
}

func (s *Session) readReadyForQuery() (TxStatus, error) {
	b, err := s.conn.Reader.ReadByte()
	if err != nil {
		return 0, err
	}
	return TxStatus(b), nil
}

// handleAuthentication dispatches on the Authentication sub-code. SCRAM
// (sub-code 10, AuthenticationSASL) delegates proof computation to
// Credentials.Authenticator; this session only frames the exchange.
func (s *Session) handleAuthentication() error {
	rd := s.conn.Reader
	code, err := rd.ReadInt32()
	if err != nil {
		return s.breakWithIOError(err)
	}

	switch code {
	case 0: // AuthenticationOk
		return nil

	case 3: // AuthenticationCleartextPassword
		writePasswordMessage(s.conn.Writer, s.cfg.Credentials.Password)
		if err := s.conn.Flush(); err != nil {
			return s.breakWithIOError(err)
		}
		return nil

	case 5: // AuthenticationMD5Password
		salt, err := rd.ReadN(4)
		if err != nil {
			return s.breakWithIOError(err)
		}
		secret := md5Password(s.cfg.Credentials.User, s.cfg.Credentials.Password, salt)
		writePasswordMessage(s.conn.Writer, secret)
		if err := s.conn.Flush(); err != nil {
			return s.breakWithIOError(err)
		}
		return nil

	case 10: // AuthenticationSASL
		return s.beginSASL()

	case 11: // AuthenticationSASLContinue
		return s.continueSASL()

	case 12: // AuthenticationSASLFinal
		return s.finishSASL()

	default:
		return s.breakProtocolViolationf("unsupported authentication method %d", code)
	}
}

func (s *Session) beginSASL() error {
	if s.cfg.Credentials.Authenticator == nil {
		err := internal.NewArgumentError("server requires SASL authentication but no Authenticator was configured")
		s.Break(err)
		return err
	}

	rd := s.conn.Reader
	var mechanisms []string
	for {
		m, err := rd.ReadCString()
		if err != nil {
			return s.breakWithIOError(err)
		}
		if m == "" {
			break
		}
		mechanisms = append(mechanisms, m)
	}
	if len(mechanisms) == 0 {
		return s.breakProtocolViolationf("AuthenticationSASL advertised no mechanisms")
	}

	s.saslMechanism = mechanisms[0]
	clientData, _, err := s.cfg.Credentials.Authenticator.Respond(s.saslMechanism, nil)
	if err != nil {
		wrapped := internal.NewArgumentError("SASL authenticator: %s", err)
		s.Break(wrapped)
		return wrapped
	}
	writeSASLInitialResponse(s.conn.Writer, s.saslMechanism, clientData)
	if err := s.conn.Flush(); err != nil {
		return s.breakWithIOError(err)
	}
	return nil
}

func (s *Session) continueSASL() error {
	serverData, err := s.conn.Reader.ReadN(s.conn.Reader.CurrentRemaining())
	if err != nil {
		return s.breakWithIOError(err)
	}

	clientData, _, err := s.cfg.Credentials.Authenticator.Respond(s.saslMechanism, serverData)
	if err != nil {
		wrapped := internal.NewArgumentError("SASL authenticator: %s", err)
		s.Break(wrapped)
		return wrapped
	}
	writeSASLResponse(s.conn.Writer, clientData)
	if err := s.conn.Flush(); err != nil {
		return s.breakWithIOError(err)
	}
	return nil
}

func (s *Session) finishSASL() error {
	serverData, err := s.conn.Reader.ReadN(s.conn.Reader.CurrentRemaining())
	if err != nil {
		return s.breakWithIOError(err)
	}
	_, _, err = s.cfg.Credentials.Authenticator.Respond(s.saslMechanism, serverData)
	if err != nil {
		wrapped := internal.NewArgumentError("SASL authenticator: %s", err)
		s.Break(wrapped)
		return wrapped
	}
	return nil
}

// Enqueue reserves the next FIFO slot for a new command.
func (s *Session) Enqueue() *Slot {
	return s.queue.Enqueue()
}

// AcquireWrite blocks until the session's write_lock is free.
func (s *Session) AcquireWrite(ctx context.Context) error {
	return s.queue.AcquireWrite(ctx)
}

func (s *Session) ReleaseWrite() {
	s.queue.ReleaseWrite()
}

// DialFunc opens a new authenticated transport-level connection; both the
// pool and out-of-band cancellation reuse it.
type DialFunc func(ctx context.Context) (net.Conn, error)

// CancelInFlight cancels whatever command is currently running on this
// session: it opens a secondary short-lived connection and sends
// CancelRequest for this session's backend, after confirming (within
// deadline) that no write is silently still in flight. If the write_lock
// cannot be confirmed free within deadline, the session's state is unknown
// and is forced Broken.
func (s *Session) CancelInFlight(ctx context.Context, dial DialFunc, deadline time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := s.queue.writeLock.Acquire(waitCtx, 1); err != nil {
		timeoutErr := internal.NewCancelled(err)
		s.Break(timeoutErr)
		return timeoutErr
	}
	s.queue.writeLock.Release(1)

	return sendCancelRequest(waitCtx, dial, s.conn.BackendPID, s.conn.BackendSecret)
}

func sendCancelRequest(ctx context.Context, dial DialFunc, backendPID, backendSecret int32) error {
	nc, err := dial(ctx)
	if err != nil {
		return internal.NewIOError(err)
	}
	defer nc.Close()

	buf := NewWriteBuffer()
	writeCancelRequestMessage(buf, backendPID, backendSecret)
	if _, err := nc.Write(buf.Take()); err != nil {
		return internal.NewIOError(err)
	}
	// The server closes the connection after processing CancelRequest
	// without sending a reply; a short read drains that close.
	one := make([]byte, 1)
	_, _ = nc.Read(one)
	return nil
}
