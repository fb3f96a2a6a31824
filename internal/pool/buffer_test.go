package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textParam(s string) Parameter {
	b := []byte(s)
	return Parameter{
		Format:         FormatText,
		DeclaredLength: int32(len(b)),
		Write: func(dst *WriteBuffer) error {
			dst.WriteBytes(b)
			return nil
		},
	}
}

func TestWriteBindRoundTrip(t *testing.T) {
	portal := NewSizedString("")
	stmt := NewSizedString("s1")
	params := []Parameter{textParam("hello"), {DeclaredLength: -1}}

	length, err := BindLength(portal, stmt, []ParamFormat{FormatText}, params, []ParamFormat{FormatText})
	require.NoError(t, err)

	buf := NewWriteBuffer()
	require.NoError(t, buf.WriteBind(portal, stmt, []ParamFormat{FormatText}, params, []ParamFormat{FormatText}))
	out := buf.Take()

	assert.Equal(t, byte(MsgBind), out[0])
	assert.EqualValues(t, len(out)-1, uint32(out[1])<<24|uint32(out[2])<<16|uint32(out[3])<<8|uint32(out[4]))
	assert.Equal(t, length, len(out)-5)
}

func TestWriteParamLengthMismatch(t *testing.T) {
	bad := Parameter{
		DeclaredLength: 3,
		Write: func(dst *WriteBuffer) error {
			dst.WriteBytes([]byte("nope, too long"))
			return nil
		},
	}

	buf := NewWriteBuffer()
	err := buf.WriteBind(NewSizedString(""), NewSizedString(""), nil, []Parameter{bad}, nil)
	var mismatch *ErrParameterLengthMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int32(3), mismatch.Declared)
}

func TestBindLengthRequiresDeclaredLength(t *testing.T) {
	missing := Parameter{DeclaredLength: 0}
	_, err := BindLength(NewSizedString(""), NewSizedString(""), nil, []Parameter{missing}, nil)
	assert.ErrorIs(t, err, ErrLengthRequired)
}

func TestMessageFraming(t *testing.T) {
	buf := NewWriteBuffer()
	buf.StartMessage(MsgQuery)
	buf.WriteCString("select 1")
	buf.FinishMessage()
	out := buf.Take()

	rd := NewMessageReader(bytes.NewReader(out))
	require.NoError(t, rd.MoveNext())
	c, length := rd.CurrentMessage()
	assert.Equal(t, MsgQuery, c)
	assert.Equal(t, len(out)-5, length)

	sql, err := rd.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "select 1", sql)
}
