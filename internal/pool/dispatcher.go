package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roji/slon/internal"
)

// DispatcherConfig bundles what the Dispatcher needs to create and retire
// sessions.
type DispatcherConfig struct {
	Dial               func(ctx context.Context) (*Session, error)
	PoolSize           int
	IdleTimeout        time.Duration
	IdleCheckFrequency time.Duration
}

// Stats is a point-in-time snapshot of dispatcher activity, extended with
// the pipelining counters InFlight (commands queued on pooled sessions at
// snapshot time) and Multiplexed (sessions handed out by Submit).
type Stats struct {
	Requests    uint32
	Hits        uint32
	Timeouts    uint32
	TotalConns  uint32
	FreeConns   uint32
	InFlight    uint32
	Multiplexed uint32
}

// entry is one list.List element: a live session plus whether it is
// currently pinned to an exclusive caller.
type entry struct {
	session *Session
	pinned  bool
	elem    *list.Element
}

// Dispatcher is the connection pool. Sessions checked out via Open are
// pinned to their caller until returned or dropped; sessions submitted to
// via Submit are selected by least-pending-writes with LRU tiebreak and may
// interleave commands from several concurrent callers on the same
// underlying connection.
//
// Uses the same sync.Cond + container/list idle-tracking shape and reaper
// goroutine as a conventional connection pool, generalized from a single
// Get/Put contract into the exclusive/multiplexed split pipelining needs.
type Dispatcher struct {
	cfg DispatcherConfig

	cond    *sync.Cond
	entries *list.List // of *entry, front = most-recently-used

	closed bool

	stats Stats
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		cond:    sync.NewCond(&sync.Mutex{}),
		entries: list.New(),
	}
	if cfg.IdleTimeout > 0 && cfg.IdleCheckFrequency > 0 {
		go d.reaper()
	}
	return d
}

// Open reserves a session exclusively for the caller: no other caller's commands may interleave with it
// until Return or Drop is called.
func (d *Dispatcher) Open(ctx context.Context) (*Session, error) {
	d.cond.L.Lock()
	d.stats.Requests++

	stop := context.AfterFunc(ctx, d.cond.Broadcast)
	defer stop()

	for {
		if d.closed {
			d.cond.L.Unlock()
			return nil, internal.NewClosed("connection pool")
		}

		if el := d.firstUnpinned(); el != nil {
			e := el.Value.(*entry)
			e.pinned = true
			d.entries.MoveToFront(el)
			d.stats.Hits++
			d.cond.L.Unlock()
			return e.session, nil
		}

		if d.entries.Len() < d.cfg.PoolSize {
			d.cond.L.Unlock()
			sess, err := d.cfg.Dial(ctx)
			if err != nil {
				return nil, err
			}
			d.cond.L.Lock()
			e := &entry{session: sess, pinned: true}
			e.elem = d.entries.PushFront(e)
			d.stats.TotalConns++
			d.cond.L.Unlock()
			return sess, nil
		}

		if err := d.waitErr(ctx); err != nil {
			d.cond.L.Unlock()
			return nil, err
		}

		d.cond.Wait()
	}
}

// waitErr reports whether ctx has already ended, distinguishing a deadline
// (ErrPoolTimeout, counted in stats) from an outright cancellation. Caller
// holds d.cond.L.
func (d *Dispatcher) waitErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.stats.Timeouts++
		return internal.ErrPoolTimeout
	}
	return internal.NewCancelled(err)
}

// firstUnpinned returns the first entry available to be pinned: an
// existing unpinned, non-broken session. Caller holds d.cond.L.
func (d *Dispatcher) firstUnpinned() *list.Element {
	for el := d.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.pinned {
			continue
		}
		if e.session.State() == StateBroken {
			continue
		}
		return el
	}
	return nil
}

// Return releases a session pinned via Open back to the shared pool for
// reuse, provided it is still healthy.
func (d *Dispatcher) Return(sess *Session) {
	if err := sess.Conn().CheckHealth(); err != nil {
		d.Drop(sess)
		return
	}

	d.cond.L.Lock()
	defer d.cond.L.Unlock()

	if d.closed {
		return
	}
	if el := d.findElem(sess); el != nil {
		el.Value.(*entry).pinned = false
		d.entries.MoveToFront(el)
	}
	d.cond.Signal()
}

// Drop removes a broken or unhealthy session from the pool entirely.
func (d *Dispatcher) Drop(sess *Session) {
	sess.Break(internal.NewClosed("connection"))

	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	if el := d.findElem(sess); el != nil {
		d.entries.Remove(el)
		d.stats.TotalConns--
	}
	d.cond.Signal()
}

func (d *Dispatcher) findElem(sess *Session) *list.Element {
	for el := d.entries.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).session == sess {
			return el
		}
	}
	return nil
}

// Submit selects a session for one multiplexed command and returns it
// without pinning: several concurrent Submit calls may return the same
// session, relying on Session's own Queue/write_lock to interleave their
// commands safely.
func (d *Dispatcher) Submit(ctx context.Context) (*Session, error) {
	d.cond.L.Lock()
	d.stats.Requests++

	stop := context.AfterFunc(ctx, d.cond.Broadcast)
	defer stop()

	for {
		if d.closed {
			d.cond.L.Unlock()
			return nil, internal.NewClosed("connection pool")
		}

		if sess := d.pickLeastPending(); sess != nil {
			d.stats.Hits++
			d.stats.Multiplexed++
			d.cond.L.Unlock()
			return sess, nil
		}

		if d.entries.Len() < d.cfg.PoolSize {
			d.cond.L.Unlock()
			sess, err := d.cfg.Dial(ctx)
			if err != nil {
				return nil, err
			}
			d.cond.L.Lock()
			e := &entry{session: sess}
			e.elem = d.entries.PushFront(e)
			d.stats.TotalConns++
			d.stats.Multiplexed++
			d.cond.L.Unlock()
			return sess, nil
		}

		if err := d.waitErr(ctx); err != nil {
			d.cond.L.Unlock()
			return nil, err
		}

		d.cond.Wait()
	}
}

// pickLeastPending implements the multiplexed session-selection policy:
// fewest queued operations first, breaking ties by least-recently-used
// (the entry nearer the back of the MRU-ordered list). Caller holds
// d.cond.L.
func (d *Dispatcher) pickLeastPending() *Session {
	var best *entry
	bestPending := -1
	for el := d.entries.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.pinned || e.session.State() == StateBroken {
			continue
		}
		n := e.session.Queue().Len()
		if best == nil || n < bestPending {
			best = e
			bestPending = n
		}
	}
	if best == nil {
		return nil
	}
	d.entries.MoveToFront(best.elem)
	return best.session
}

// Stats returns a snapshot of the pool's counters.
func (d *Dispatcher) Stats() Stats {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	s := d.stats
	s.FreeConns = uint32(d.countUnpinned())
	inFlight := 0
	for el := d.entries.Front(); el != nil; el = el.Next() {
		inFlight += el.Value.(*entry).session.Queue().Len()
	}
	s.InFlight = uint32(inFlight)
	return s
}

func (d *Dispatcher) countUnpinned() int {
	n := 0
	for el := d.entries.Front(); el != nil; el = el.Next() {
		if !el.Value.(*entry).pinned {
			n++
		}
	}
	return n
}

func (d *Dispatcher) Len() int {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	return d.entries.Len()
}

// Close marks the pool closed, so further Open/Submit calls fail
// immediately, then waits up to drainTimeout for every session's queue to
// empty before breaking whatever is left. A session still busy once
// drainTimeout elapses is broken with ErrPoolTimeout rather than a plain
// closed error, so its caller can tell a slow command from a clean
// shutdown.
func (d *Dispatcher) Close(drainTimeout time.Duration) error {
	d.cond.L.Lock()
	if d.closed {
		d.cond.L.Unlock()
		return nil
	}
	d.closed = true
	d.cond.Broadcast()
	d.cond.L.Unlock()

	deadline := time.Now().Add(drainTimeout)
	for drainTimeout > 0 && !d.idle() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	for el := d.entries.Front(); el != nil; el = el.Next() {
		sess := el.Value.(*entry).session
		if sess.Queue().Len() > 0 {
			sess.Break(internal.ErrPoolTimeout)
		} else {
			sess.Break(internal.NewClosed("connection pool"))
		}
	}
	d.entries.Init()
	return nil
}

// idle reports whether every session's queue has drained.
func (d *Dispatcher) idle() bool {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	for el := d.entries.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).session.Queue().Len() > 0 {
			return false
		}
	}
	return true
}

func (d *Dispatcher) reaper() {
	ticker := time.NewTicker(d.cfg.IdleCheckFrequency)
	defer ticker.Stop()
	for range ticker.C {
		d.cond.L.Lock()
		if d.closed {
			d.cond.L.Unlock()
			return
		}
		d.closeIdle()
		d.cond.L.Unlock()
	}
}

func (d *Dispatcher) closeIdle() {
	for el := d.entries.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !e.pinned && e.session.Conn().IsStale(d.cfg.IdleTimeout) {
			e.session.Break(internal.ErrConnStale)
			d.entries.Remove(el)
			d.stats.TotalConns--
		}
		el = next
	}
}
