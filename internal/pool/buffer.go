package pool

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var nullParamLength = int32(-1)

// ErrLengthRequired is returned when a non-NULL Parameter (DeclaredLength
// >= 0) has no Write function, as in a zero-valued Parameter whose
// DeclaredLength was never set: a Bind message cannot be precomputed for
// it, and nothing is written to the wire.
var ErrLengthRequired = errors.New("slon: parameter is missing a declared length")

// ErrParameterLengthMismatch is a debug-assertion failure: a parameter
// writer produced a different number of bytes than it declared.
type ErrParameterLengthMismatch struct {
	Index    int
	Declared int32
	Written  int32
}

func (e *ErrParameterLengthMismatch) Error() string {
	return errors.Errorf(
		"slon: parameter %d wrote %d bytes, declared %d",
		e.Index, e.Written, e.Declared,
	).Error()
}

// SizedString pairs a string with its precomputed UTF-8 byte length so
// message-length arithmetic never has to re-scan the string. Always
// construct one through NewSizedString; SizedString itself is immutable
// once built.
type SizedString struct {
	Value     string
	ByteCount int
}

func NewSizedString(s string) SizedString {
	return SizedString{Value: s, ByteCount: len(s)}
}

// ParamWriter emits exactly the parameter's DeclaredLength bytes. It must
// not call Flush or otherwise force a partial write; the framing layer
// owns buffering.
type ParamWriter func(dst *WriteBuffer) error

// Parameter is one bound value in an extended-query Bind message.
type Parameter struct {
	TypeOID        uint32
	Format         ParamFormat
	DeclaredLength int32 // -1 means SQL NULL
	Write          ParamWriter
}

// WriteBuffer is the frontend message encoder. It accumulates a stream of
// framed messages and hands the result to the connection's flush path,
// with Bind length precomputation (BindLength) and a length-mismatch
// assertion on top of the usual accumulate-then-flush shape. Each
// message's length header is patched in place by FinishMessage.
type WriteBuffer struct {
	Bytes []byte
	start []int
}

func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{Bytes: make([]byte, 0, 8192)}
}

func (buf *WriteBuffer) StartMessage(c msgType) {
	if c == 0 {
		buf.start = append(buf.start, len(buf.Bytes))
		buf.Bytes = append(buf.Bytes, 0, 0, 0, 0)
		return
	}
	buf.start = append(buf.start, len(buf.Bytes)+1)
	buf.Bytes = append(buf.Bytes, byte(c), 0, 0, 0, 0)
}

func (buf *WriteBuffer) popStart() int {
	start := buf.start[len(buf.start)-1]
	buf.start = buf.start[:len(buf.start)-1]
	return start
}

func (buf *WriteBuffer) FinishMessage() {
	start := buf.popStart()
	binary.BigEndian.PutUint32(buf.Bytes[start:], uint32(len(buf.Bytes)-start))
}

func (buf *WriteBuffer) StartParam() {
	buf.StartMessage(0)
}

func (buf *WriteBuffer) FinishParam() {
	start := buf.popStart()
	binary.BigEndian.PutUint32(buf.Bytes[start:], uint32(len(buf.Bytes)-start-4))
}

func (buf *WriteBuffer) FinishNullParam() {
	start := buf.popStart()
	binary.BigEndian.PutUint32(buf.Bytes[start:], uint32(nullParamLength))
}

func (buf *WriteBuffer) Write(b []byte) (int, error) {
	buf.Bytes = append(buf.Bytes, b...)
	return len(b), nil
}

func (buf *WriteBuffer) WriteByte(c byte) {
	buf.Bytes = append(buf.Bytes, c)
}

func (buf *WriteBuffer) WriteInt16(n int16) {
	buf.Bytes = append(buf.Bytes, 0, 0)
	binary.BigEndian.PutUint16(buf.Bytes[len(buf.Bytes)-2:], uint16(n))
}

func (buf *WriteBuffer) WriteInt32(n int32) {
	buf.Bytes = append(buf.Bytes, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf.Bytes[len(buf.Bytes)-4:], uint32(n))
}

func (buf *WriteBuffer) WriteUint32(n uint32) {
	buf.Bytes = append(buf.Bytes, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf.Bytes[len(buf.Bytes)-4:], n)
}

// WriteCString writes a NUL-terminated string (the wire's "cstring" type).
func (buf *WriteBuffer) WriteCString(s string) {
	buf.Bytes = append(buf.Bytes, s...)
	buf.Bytes = append(buf.Bytes, 0)
}

func (buf *WriteBuffer) WriteSizedString(s SizedString) {
	buf.WriteCString(s.Value)
}

func (buf *WriteBuffer) WriteBytes(b []byte) {
	buf.Bytes = append(buf.Bytes, b...)
}

// Len reports the number of buffered, unflushed bytes; the session's write
// path compares this against Options.FlushThreshold to decide whether to
// flush mid-batch.
func (buf *WriteBuffer) Len() int {
	return len(buf.Bytes)
}

func (buf *WriteBuffer) Reset() {
	buf.start = buf.start[:0]
	buf.Bytes = buf.Bytes[:0]
}

// Take returns the buffered bytes and clears the buffer for reuse. Panics
// if a message was started but never finished.
func (buf *WriteBuffer) Take() []byte {
	if len(buf.start) != 0 {
		panic("slon: message was not finished")
	}
	b := buf.Bytes
	buf.Bytes = nil
	return b
}

// writeParam appends one Bind parameter, verifying that the writer emits
// exactly DeclaredLength bytes. index is the parameter's ordinal, used only
// for the mismatch error.
func (buf *WriteBuffer) writeParam(index int, p Parameter) error {
	if p.DeclaredLength == -1 {
		buf.StartParam()
		buf.FinishNullParam()
		return nil
	}
	if p.Write == nil {
		return ErrLengthRequired
	}

	buf.StartParam()
	before := len(buf.Bytes)
	if err := p.Write(buf); err != nil {
		return err
	}
	written := int32(len(buf.Bytes) - before)
	if written != p.DeclaredLength {
		// FinishParam has not run: the caller can discard buf wholesale,
		// no bytes past the offending parameter reach the wire.
		return &ErrParameterLengthMismatch{Index: index, Declared: p.DeclaredLength, Written: written}
	}
	buf.FinishParam()
	return nil
}

// BindLength precomputes the total Bind message body length without
// writing anything. Every parameter must either carry a Write function
// with DeclaredLength >= 0 or be NULL (DeclaredLength == -1); a non-NULL
// parameter without a Write function surfaces ErrLengthRequired.
func BindLength(portal, stmt SizedString, paramFormats []ParamFormat, params []Parameter, resultFormats []ParamFormat) (int, error) {
	n := portal.ByteCount + 1 + stmt.ByteCount + 1

	n += 2
	if allSameFormat(paramFormats) {
		n += 2
	} else {
		n += 2 * len(paramFormats)
	}

	n += 2
	for i, p := range params {
		if p.DeclaredLength < -1 {
			return 0, errors.Errorf("slon: parameter %d has invalid declared length %d", i, p.DeclaredLength)
		}
		if p.DeclaredLength == -1 {
			n += 4
			continue
		}
		if p.Write == nil {
			return 0, ErrLengthRequired
		}
		n += 4 + int(p.DeclaredLength)
	}

	n += 2
	if allSameFormat(resultFormats) {
		n += 2
	} else {
		n += 2 * len(resultFormats)
	}

	return n, nil
}

func allSameFormat(formats []ParamFormat) bool {
	if len(formats) <= 1 {
		return true
	}
	first := formats[0]
	for _, f := range formats[1:] {
		if f != first {
			return false
		}
	}
	return true
}

// WriteBind writes a complete Bind message (frame included) for the given
// portal/statement/parameters, streaming each parameter's bytes directly
// into the message body so a large parameter batch never needs a second
// pass.
func (buf *WriteBuffer) WriteBind(portal, stmt SizedString, paramFormats []ParamFormat, params []Parameter, resultFormats []ParamFormat) error {
	for i, p := range params {
		if p.DeclaredLength < -1 {
			return errors.Errorf("slon: parameter %d has invalid declared length %d", i, p.DeclaredLength)
		}
		if p.DeclaredLength >= 0 && p.Write == nil {
			return ErrLengthRequired
		}
	}

	buf.StartMessage(MsgBind)
	buf.WriteSizedString(portal)
	buf.WriteSizedString(stmt)

	writeFormatCodes(buf, paramFormats)

	buf.WriteInt16(int16(len(params)))
	for i, p := range params {
		if err := buf.writeParam(i, p); err != nil {
			return err
		}
	}

	writeFormatCodes(buf, resultFormats)

	buf.FinishMessage()
	return nil
}

func writeFormatCodes(buf *WriteBuffer, formats []ParamFormat) {
	if allSameFormat(formats) {
		buf.WriteInt16(1)
		if len(formats) == 0 {
			buf.WriteInt16(int16(FormatText))
		} else {
			buf.WriteInt16(int16(formats[0]))
		}
		return
	}
	buf.WriteInt16(int16(len(formats)))
	for _, f := range formats {
		buf.WriteInt16(int16(f))
	}
}
