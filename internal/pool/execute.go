package pool

import (
	"context"

	"github.com/roji/slon/internal"
)

// ExecFlags mirror the caller-visible command flags controlling which
// phases of the extended-query flow to actually emit.
type ExecFlags struct {
	// Prepared reuses (or creates) a named statement instead of the unnamed
	// portal/statement pair.
	Prepared bool
	// SchemaOnly runs Describe but never Execute, used for retrieving a
	// RowDescription without materializing rows.
	SchemaOnly bool
	// MaxRows bounds Execute's row count, triggering PortalSuspended
	// instead of CommandComplete when reached. 0 means unlimited.
	MaxRows int32
}

// ExtendedQuery is one Parse?/Bind/Describe?/Execute/Sync write, addressed
// by an already-Enqueue'd Slot. The caller acquires the
// write_lock, writes the command, and releases the lock as soon as the
// final frontend message is flushed — before any response is read.
type ExtendedQuery struct {
	SQL           string
	Portal        SizedString
	Statement     SizedString
	ParamOIDs     []uint32
	ParamFormats  []ParamFormat
	Params        []Parameter
	ResultFormats []ParamFormat
	Flags         ExecFlags
}

// WriteExtendedQuery emits the frontend side of one extended-query command
// and flushes it, then releases the write_lock. needParse reports whether a Parse message was
// emitted (new statement) as opposed to reusing a cached one.
func (s *Session) WriteExtendedQuery(ctx context.Context, q *ExtendedQuery) (needParse bool, cached *CachedStatement, err error) {
	s.applyDeadline(ctx)
	w := s.conn.Writer

	if q.Flags.Prepared {
		st, created := s.Stmts.GetOrPrepare(q.SQL, q.ParamOIDs)
		cached = st
		needParse = created
		q.Statement = NewSizedString(st.Name)
		if created {
			writeParse(w, q.Statement, q.SQL, q.ParamOIDs)
		}
	} else {
		writeParse(w, q.Statement, q.SQL, q.ParamOIDs)
		needParse = true
	}

	if err := w.WriteBind(q.Portal, q.Statement, q.ParamFormats, q.Params, q.ResultFormats); err != nil {
		s.ReleaseWrite()
		return needParse, cached, err
	}

	// Bind is the message a large parameter batch inflates: once it's fully
	// framed (no message left open, so the buffer holds only complete
	// frames), flush early if it already exceeds the advisory threshold
	// instead of letting Describe/Execute/Sync pile on top of it.
	if flushErr := s.conn.FlushIfOverThreshold(s.cfg.FlushThreshold); flushErr != nil {
		s.ReleaseWrite()
		return needParse, cached, s.breakWithIOError(flushErr)
	}

	if needParse || !q.Flags.Prepared {
		writeDescribePortal(w, q.Portal)
	}

	if !q.Flags.SchemaOnly {
		writeExecute(w, q.Portal, q.Flags.MaxRows)
	}
	writeSync(w)

	if flushErr := s.conn.Flush(); flushErr != nil {
		s.ReleaseWrite()
		return needParse, cached, s.breakWithIOError(flushErr)
	}
	s.ReleaseWrite()
	return needParse, cached, nil
}

// writeParse frames Parse as a complete message of its own; it is finished
// before WriteBind opens the Bind frame, so the two StartMessage/
// FinishMessage pairs never interleave.
func writeParse(w *WriteBuffer, stmt SizedString, sql string, paramOIDs []uint32) {
	w.StartMessage(MsgParse)
	w.WriteSizedString(stmt)
	w.WriteCString(sql)
	w.WriteInt16(int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		w.WriteUint32(oid)
	}
	w.FinishMessage()
}

func writeDescribePortal(w *WriteBuffer, portal SizedString) {
	w.StartMessage(MsgDescribe)
	w.WriteByte('P')
	w.WriteSizedString(portal)
	w.FinishMessage()
}

func writeExecute(w *WriteBuffer, portal SizedString, maxRows int32) {
	w.StartMessage(MsgExecute)
	w.WriteSizedString(portal)
	w.WriteInt32(maxRows)
	w.FinishMessage()
}

func writeSync(w *WriteBuffer) {
	w.StartMessage(MsgSync)
	w.FinishMessage()
}

// WriteSimpleQuery emits a simple-query Query message, backing
// DataSource.QuerySimple. The simple protocol has no Sync of its own;
// ReadyForQuery terminates it directly, once every statement in a
// semicolon-separated batch has produced its result set.
func (s *Session) WriteSimpleQuery(ctx context.Context, sql string) error {
	s.applyDeadline(ctx)
	w := s.conn.Writer
	w.StartMessage(MsgQuery)
	w.WriteCString(sql)
	w.FinishMessage()
	if err := s.conn.Flush(); err != nil {
		s.ReleaseWrite()
		return s.breakWithIOError(err)
	}
	s.ReleaseWrite()
	return nil
}

// ResponseEvent is one decoded backend message surfaced by ReadResponse,
// letting the CommandReader state machine drive its own transitions
// without duplicating message parsing.
type ResponseEvent struct {
	Type           msgType
	RowDescription *RowDescription
	Row            [][]byte
	CommandTag     string
	PortalSuspend  bool
	ReadyStatus    TxStatus
	Err            error
}

// ReadResponse reads and decodes exactly one non-async backend message for
// the slot at the head of the queue, transparently consuming any number of
// async messages (NoticeResponse/ParameterStatus/NotificationResponse)
// first, since those may arrive at any point in the response stream.
func (s *Session) ReadResponse(ctx context.Context) (ResponseEvent, error) {
	s.applyDeadline(ctx)
	rd := s.conn.Reader

	for {
		if err := rd.MoveNext(); err != nil {
			return ResponseEvent{}, s.breakWithIOError(err)
		}
		c, _ := rd.CurrentMessage()

		if isAsyncMessage(c) {
			switch c {
			case MsgParameterStatus:
				if err := s.readParameterStatus(); err != nil {
					return ResponseEvent{}, s.breakWithIOError(err)
				}
			case MsgNoticeResponse:
				if err := s.consumeNotice(); err != nil {
					return ResponseEvent{}, s.breakWithIOError(err)
				}
			case MsgNotificationResponse:
				if err := s.consumeNotification(); err != nil {
					return ResponseEvent{}, s.breakWithIOError(err)
				}
			}
			continue
		}

		switch c {
		case MsgParseComplete, MsgBindComplete, MsgCloseComplete, MsgNoData, MsgEmptyQueryResponse:
			return ResponseEvent{Type: c}, nil

		case MsgParameterDescription:
			n, err := rd.ReadInt16()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			for i := int16(0); i < n; i++ {
				if _, err := rd.ReadUint32(); err != nil {
					return ResponseEvent{}, s.breakWithIOError(err)
				}
			}
			return ResponseEvent{Type: c}, nil

		case MsgRowDescription:
			desc, err := s.readRowDescription()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			return ResponseEvent{Type: c, RowDescription: desc}, nil

		case MsgDataRow:
			row, err := s.readDataRow()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			return ResponseEvent{Type: c, Row: row}, nil

		case MsgCommandComplete:
			tag, err := rd.ReadCString()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			return ResponseEvent{Type: c, CommandTag: tag}, nil

		case MsgPortalSuspended:
			return ResponseEvent{Type: c, PortalSuspend: true}, nil

		case MsgReadyForQuery:
			status, err := s.readReadyForQuery()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			s.applyTxStatus(status)
			return ResponseEvent{Type: c, ReadyStatus: status}, nil

		case MsgErrorResponse:
			fields, err := rd.ReadFieldMap()
			if err != nil {
				return ResponseEvent{}, s.breakWithIOError(err)
			}
			return ResponseEvent{Type: c, Err: internal.NewServerError(fields)}, nil

		default:
			return ResponseEvent{}, s.breakProtocolViolation(c)
		}
	}
}

func (s *Session) readRowDescription() (*RowDescription, error) {
	rd := s.conn.Reader
	n, err := rd.ReadInt16()
	if err != nil {
		return nil, err
	}
	desc := &RowDescription{Fields: make([]FieldDescription, n)}
	for i := range desc.Fields {
		name, err := rd.ReadCString()
		if err != nil {
			return nil, err
		}
		tableOID, err := rd.ReadUint32()
		if err != nil {
			return nil, err
		}
		attr, err := rd.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := rd.ReadUint32()
		if err != nil {
			return nil, err
		}
		typeSize, err := rd.ReadInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := rd.ReadInt32()
		if err != nil {
			return nil, err
		}
		format, err := rd.ReadInt16()
		if err != nil {
			return nil, err
		}
		desc.Fields[i] = FieldDescription{
			Name:       name,
			TableOID:   tableOID,
			ColumnAttr: attr,
			TypeOID:    typeOID,
			TypeSize:   typeSize,
			TypeMod:    typeMod,
			Format:     ParamFormat(format),
		}
	}
	return desc, nil
}

// readDataRow returns one row as raw column slices. A nil element means
// SQL NULL (length -1 on the wire); a non-nil zero-length slice means an
// empty (but non-NULL) value.
func (s *Session) readDataRow() ([][]byte, error) {
	rd := s.conn.Reader
	n, err := rd.ReadInt16()
	if err != nil {
		return nil, err
	}
	row := make([][]byte, n)
	for i := range row {
		length, err := rd.ReadInt32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			continue
		}
		row[i], err = rd.ReadN(int(length))
		if err != nil {
			return nil, err
		}
	}
	return row, nil
}

// DrainToReady discards responses until ReadyForQuery, used when a caller
// abandons a command's slot early.
func (s *Session) DrainToReady(ctx context.Context) error {
	for {
		ev, err := s.ReadResponse(ctx)
		if err != nil {
			return err
		}
		if ev.Type == MsgReadyForQuery {
			return nil
		}
	}
}

// CloseStatement emits Close(S, name) + Sync to release a prepared
// statement the local cache has already evicted, freeing it server-side.
// It is a self-contained round trip: it acquires the write_lock and a
// queue slot itself and drains through its own ReadyForQuery before
// returning, so it can be called between unrelated commands without
// disturbing whichever slot reads next.
func (s *Session) CloseStatement(ctx context.Context, name string) error {
	if err := s.AcquireWrite(ctx); err != nil {
		return internal.NewCancelled(err)
	}
	slot := s.Enqueue()

	s.applyDeadline(ctx)
	w := s.conn.Writer
	w.StartMessage(MsgClose)
	w.WriteByte('S')
	w.WriteCString(name)
	w.FinishMessage()
	writeSync(w)
	if err := s.conn.Flush(); err != nil {
		s.ReleaseWrite()
		ioErr := s.breakWithIOError(err)
		s.queue.CompleteHead(ioErr)
		return ioErr
	}
	s.ReleaseWrite()

	if err := slot.WaitReadReady(ctx); err != nil {
		cancelErr := internal.NewCancelled(err)
		s.queue.CompleteHead(cancelErr)
		return cancelErr
	}
	err := s.DrainToReady(ctx)
	s.queue.CompleteHead(err)
	return err
}
