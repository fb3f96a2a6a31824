package slon

// CommandFlags controls how a command is executed.
type CommandFlags int

const (
	// Default runs the command through the extended-query protocol with an
	// unnamed statement, describing and executing in one round trip.
	Default CommandFlags = 0
	// SchemaOnly retrieves the RowDescription without executing (Describe
	// only, no Execute).
	SchemaOnly CommandFlags = 1 << iota
	// KeyInfo requests table OID/column attribute metadata in the
	// RowDescription (always returned by PostgreSQL; the flag exists so
	// callers can express intent without decoding it themselves).
	KeyInfo
	// SingleRow bounds Execute to a MaxRows of 1, using PortalSuspended to
	// avoid transferring more rows than needed.
	SingleRow
	// Prepared reuses (or creates) a named, cached statement instead of an
	// unnamed one.
	Prepared
	// Preparing forces Parse even if a cache entry already exists,
	// refreshing it. Only meaningful together with Prepared.
	Preparing
	// Unprepared evicts any cached entry for this SQL text before running,
	// forcing a fresh Parse.
	Unprepared
	// CloseConnection closes the underlying connection once the command
	// finishes instead of returning it to the pool. Only valid on an
	// exclusively-checked-out session; rejected with an ArgumentError
	// before any I/O when the data source allows pipelining, since a
	// multiplexed session has no caller-owned connection to close.
	CloseConnection
)

func (f CommandFlags) has(bit CommandFlags) bool { return f&bit != 0 }
