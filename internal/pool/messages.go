package pool

// msgType is a single-byte PostgreSQL v3 frontend/backend message code.
// Some codes are reused between directions (e.g. 'D' is Describe from the
// frontend and DataRow from the backend); which one applies is determined
// by who is doing the reading.
type msgType byte

// Frontend message codes.
const (
	MsgParse    = msgType('P')
	MsgBind     = msgType('B')
	MsgDescribe = msgType('D')
	MsgExecute  = msgType('E')
	MsgSync     = msgType('S')
	MsgQuery    = msgType('Q')
	MsgFlush    = msgType('H')
	MsgClose    = msgType('C')
	MsgTerminate = msgType('X')
	MsgPassword  = msgType('p')
	MsgCopyData  = msgType('d')
	MsgCopyDone  = msgType('c')
	MsgCopyFail  = msgType('f')
)

// Backend message codes.
const (
	MsgParseComplete        = msgType('1')
	MsgBindComplete         = msgType('2')
	MsgCloseComplete        = msgType('3')
	MsgNoData               = msgType('n')
	MsgParameterDescription = msgType('t')
	MsgRowDescription       = msgType('T')
	MsgDataRow              = msgType('D')
	MsgCommandComplete      = msgType('C')
	MsgEmptyQueryResponse   = msgType('I')
	MsgPortalSuspended      = msgType('s')
	MsgErrorResponse        = msgType('E')
	MsgNoticeResponse       = msgType('N')
	MsgNotificationResponse = msgType('A')
	MsgParameterStatus      = msgType('S')
	MsgReadyForQuery        = msgType('Z')
	MsgBackendKeyData       = msgType('K')
	MsgAuthentication       = msgType('R')
	MsgCopyInResponse       = msgType('G')
	MsgCopyOutResponse      = msgType('H')
)

// ParamFormat is the accepted parameter / result format code.
type ParamFormat int16

const (
	FormatText   ParamFormat = 0
	FormatBinary ParamFormat = 1
)

// TxStatus is the transaction indicator byte carried by ReadyForQuery.
type TxStatus byte

const (
	TxIdle    TxStatus = 'I'
	TxInTrans TxStatus = 'T'
	TxFailed  TxStatus = 'E'
)

// isAsyncMessage reports whether c is a backend message that may arrive at
// any point between normal command sequencing: NoticeResponse,
// NotificationResponse and ParameterStatus.
func isAsyncMessage(c msgType) bool {
	switch c {
	case MsgNoticeResponse, MsgNotificationResponse, MsgParameterStatus:
		return true
	default:
		return false
	}
}

// Notification is a decoded NotificationResponse payload (LISTEN/NOTIFY).
type Notification struct {
	BackendPID int32
	Channel    string
	Payload    string
}
