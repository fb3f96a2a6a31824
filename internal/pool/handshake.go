package pool

import (
	"crypto/md5"
	"encoding/hex"
)

const protocolVersion3 = 196608 // 3 << 16 | 0

// writeStartupMessage frames the legacy length-prefixed-no-code Startup
// message: protocol version, then "key\x00value\x00" pairs,
// terminated by a lone NUL.
func writeStartupMessage(buf *WriteBuffer, user, database string, runtimeParams map[string]string) {
	buf.StartMessage(0)
	buf.WriteInt32(protocolVersion3)
	buf.WriteCString("user")
	buf.WriteCString(user)
	if database != "" {
		buf.WriteCString("database")
		buf.WriteCString(database)
	}
	for k, v := range runtimeParams {
		buf.WriteCString(k)
		buf.WriteCString(v)
	}
	buf.WriteByte(0)
	buf.FinishMessage()
}

// writeCancelRequestMessage frames a standalone CancelRequest, sent over a
// short-lived secondary connection.
func writeCancelRequestMessage(buf *WriteBuffer, backendPID, backendSecret int32) {
	const cancelRequestCode = 80877102 // 1234 << 16 | 5678
	buf.StartMessage(0)
	buf.WriteInt32(cancelRequestCode)
	buf.WriteInt32(backendPID)
	buf.WriteInt32(backendSecret)
	buf.FinishMessage()
}

func writePasswordMessage(buf *WriteBuffer, password string) {
	buf.StartMessage(MsgPassword)
	buf.WriteCString(password)
	buf.FinishMessage()
}

func writeSASLInitialResponse(buf *WriteBuffer, mechanism string, initial []byte) {
	buf.StartMessage(MsgPassword)
	buf.WriteCString(mechanism)
	if initial == nil {
		buf.WriteInt32(-1)
	} else {
		buf.WriteInt32(int32(len(initial)))
		buf.WriteBytes(initial)
	}
	buf.FinishMessage()
}

func writeSASLResponse(buf *WriteBuffer, data []byte) {
	buf.StartMessage(MsgPassword)
	buf.WriteBytes(data)
	buf.FinishMessage()
}

// md5Password computes the MD5-hashed password response described in the
// PostgreSQL frontend/backend protocol: "md5" + md5(md5(password+user)+salt).
func md5Password(user, password string, salt []byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
