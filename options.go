package slon

import (
	"crypto/tls"
	"log"
	"time"

	"github.com/roji/slon/internal/pool"
)

// Options configures a DataSource: a plain struct plus a defaulting pass
// invoked once at Open time, rather than functional options.
type Options struct {
	// Network is either "tcp" or "unix". Default is "tcp".
	Network string
	// Addr is host:port for tcp, or a socket path for unix.
	Addr     string
	User     string
	Password string
	Database string

	// RuntimeParams are sent as additional Startup message key/value pairs
	// (e.g. "application_name", "search_path").
	RuntimeParams map[string]string

	// Authenticator computes SASL/SCRAM responses. Required only if the
	// server negotiates AuthenticationSASL.
	Authenticator pool.Authenticator

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// AllowPipelining permits Submit to interleave commands from several
	// callers on one connection. When false, every
	// caller gets an exclusively pinned session, matching database/sql
	// driver semantics.
	AllowPipelining bool

	// FlushThreshold is the advisory buffered-byte threshold past which a
	// pipelined write flushes mid-batch. 0 disables the
	// advisory flush; the buffer grows until Sync.
	FlushThreshold int

	// MaxRetries bounds how many times a failed dial is retried with
	// jittered backoff before giving up. Default 0 (no retry).
	MaxRetries int
	// MinRetryBackoff and MaxRetryBackoff bound the jittered backoff
	// between dial retries. Defaults 100ms/2s.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	// DialTimeout bounds opening a new physical connection. Default 5s.
	DialTimeout time.Duration
	// ConnectionTimeout bounds the startup handshake, from Dial through
	// the first ReadyForQuery. Default 10s.
	ConnectionTimeout time.Duration
	// CommandTimeout bounds each network write and each backend message
	// read a command performs; the deadline is re-armed on every one, and
	// an expired deadline breaks the session. 0 disables the timeout.
	CommandTimeout time.Duration
	// CancellationTimeout bounds how long a user-initiated Cancel waits to
	// confirm the write_lock is free before forcing the session Broken.
	// Default 5s.
	CancellationTimeout time.Duration
	// DrainTimeout bounds how long Close waits for in-flight commands to
	// finish before forcibly breaking sessions. Default 5s.
	DrainTimeout time.Duration

	// PoolSize is the maximum number of physical connections. Default 10.
	PoolSize int
	// IdleTimeout closes connections idle longer than this. Default: no
	// idle timeout.
	IdleTimeout time.Duration
	// IdleCheckFrequency governs how often idle connections are swept.
	// Default 1 minute.
	IdleCheckFrequency time.Duration

	// Logger receives session lifecycle events (breakage, notices). Nil
	// disables logging.
	Logger *log.Logger
	// QueryLogger receives the SQL text of every command as it is written,
	// tagged with the call site. Nil disables query logging.
	QueryLogger *log.Logger
}

func (opt *Options) init() {
	if opt.Network == "" {
		opt.Network = "tcp"
	}
	if opt.Addr == "" {
		switch opt.Network {
		case "unix":
			opt.Addr = "/var/run/postgresql/.s.PGSQL.5432"
		default:
			opt.Addr = "localhost:5432"
		}
	}
	if opt.PoolSize == 0 {
		opt.PoolSize = 10
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	if opt.MinRetryBackoff == 0 {
		opt.MinRetryBackoff = 100 * time.Millisecond
	}
	if opt.MaxRetryBackoff == 0 {
		opt.MaxRetryBackoff = 2 * time.Second
	}
	if opt.ConnectionTimeout == 0 {
		opt.ConnectionTimeout = 10 * time.Second
	}
	if opt.CancellationTimeout == 0 {
		opt.CancellationTimeout = 5 * time.Second
	}
	if opt.DrainTimeout == 0 {
		opt.DrainTimeout = 5 * time.Second
	}
	if opt.IdleCheckFrequency == 0 {
		opt.IdleCheckFrequency = time.Minute
	}
}
