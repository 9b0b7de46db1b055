// Package conn implements the Connection type from spec.md §3: the
// per-process-connection object owning a pool, a message queue, a
// reply list, and the disconnect/teardown protocol (spec.md §4.7).
package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/samsamfire/busd/internal/pool"
	"github.com/samsamfire/busd/internal/queue"
	"github.com/samsamfire/busd/internal/reply"
)

// Feature flags negotiated at Hello time (spec.md §6).
const (
	FlagAcceptFD uint32 = 1 << iota
	FlagActivator
	FlagMonitor
)

// Attach flags: which metadata items to include (spec.md §3).
const (
	AttachCreds uint32 = 1 << iota
	AttachSeclabel
)

var (
	ErrAlreadyDisconnected = errors.New("conn: already disconnected")
	ErrQueueNotEmpty       = errors.New("conn: message list non-empty")
	ErrDisconnected        = errors.New("conn: connection reset")
)

// Connection is the per-connection object from spec.md §3. Its mutex
// guards the message queue, reply list, names-owned bookkeeping, and
// the disconnected flag — exactly the set spec.md §5 names.
type Connection struct {
	id     uint64
	logger *slog.Logger

	mu           sync.Mutex
	pool         pool.Pool
	flags        uint32
	attachFlags  uint32
	debugLabel   string
	disconnected bool
	queue        *queue.Queue
	replies      reply.List
	namesOwned   []string
	uid          uint32
	rxGeneration uint64

	refcount int32

	// notify is the endpoint poll waiter wake-up (spec.md §4.4 step 8
	// "wake its endpoint poll waiter"). Buffered so a send never blocks
	// on a receiver that hasn't called Wait yet, and so multiple wakeups
	// before a single drain coalesce into one.
	notify chan struct{}
}

// New creates a Connection with the given process-wide unique id.
func New(id uint64, p pool.Pool, flags uint32, uid uint32, debugLabel string, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:         id,
		pool:       p,
		flags:      flags,
		uid:        uid,
		debugLabel: debugLabel,
		queue:      queue.New(),
		logger:     logger.With("service", "[CONN]", "id", id),
		refcount:   1,
		notify:     make(chan struct{}, 1),
	}
}

// ID implements reply.Peer and names.Owner.
func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) Logger() *slog.Logger { return c.logger }

func (c *Connection) Pool() pool.Pool { return c.pool }

func (c *Connection) UID() uint32 { return c.uid }

func (c *Connection) DebugLabel() string { return c.debugLabel }

// Lock/Unlock expose the single-writer mutex spec.md §3 describes;
// callers (pkg/broker) take it explicitly around multi-step operations
// that must be atomic with respect to other connection state.
func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

func (c *Connection) HasFlag(f uint32) bool { return c.flags&f != 0 }

func (c *Connection) Flags() uint32 { return c.flags }

func (c *Connection) AttachFlags() uint32 { return c.attachFlags }

func (c *Connection) SetAttachFlags(f uint32) { c.attachFlags = f }

// Disconnected reports the connection's terminal state. Callers not
// already holding the lock get a snapshot.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// DisconnectedLocked is Disconnected for a caller that already holds
// the connection lock (e.g. introspection taking one lock for a
// multi-field read).
func (c *Connection) DisconnectedLocked() bool { return c.disconnected }

// Enqueue inserts entry into the queue, refusing once disconnected
// (spec.md §3 invariant: "no enqueue occurs after disconnected").
// Must be called with the connection lock held.
func (c *Connection) Enqueue(e *queue.Entry) error {
	if c.disconnected {
		return ErrDisconnected
	}
	c.queue.Insert(e)
	return nil
}

// Queue exposes the underlying queue for read operations performed
// under the lock by the receive pipeline.
func (c *Connection) Queue() *queue.Queue { return c.queue }

func (c *Connection) Replies() *reply.List { return &c.replies }

// NamesOwned returns the names this connection currently holds,
// maintained by pkg/broker as names.Registry operations succeed.
func (c *Connection) NamesOwned() []string { return c.namesOwned }

func (c *Connection) AddOwnedName(name string) {
	c.namesOwned = append(c.namesOwned, name)
}

func (c *Connection) RemoveOwnedName(name string) {
	for i, n := range c.namesOwned {
		if n == name {
			c.namesOwned = append(c.namesOwned[:i], c.namesOwned[i+1:]...)
			return
		}
	}
}

// BeginDisconnect performs the connection-local part of the teardown
// protocol (spec.md §4.7 steps 1-2): CAS disconnected false->true, and
// optionally refuse if the queue is non-empty ("drain-check" mode).
// Must be called with the connection lock held.
func (c *Connection) BeginDisconnect(drainCheck bool) error {
	if c.disconnected {
		return ErrAlreadyDisconnected
	}
	c.disconnected = true
	if drainCheck && c.queue.Len() > 0 {
		return ErrQueueNotEmpty
	}
	return nil
}

// DrainQueue detaches every queued entry (spec.md §4.7 step 4). Must be
// called with the connection lock held.
func (c *Connection) DrainQueue() []*queue.Entry {
	return c.queue.Drain()
}

// Ref/Unref implement the kref-style reference counting spec.md §4.7
// describes: reply slots may legally outlive the peer's removal from
// the bus but never outlive its memory.
func (c *Connection) Ref() {
	atomic.AddInt32(&c.refcount, 1)
}

// Unref drops a reference, returning true if this was the final one
// (caller should then tear down pool/match-db/owner-metadata).
func (c *Connection) Unref() bool {
	return atomic.AddInt32(&c.refcount, -1) == 0
}

func (c *Connection) RefCount() int32 {
	return atomic.LoadInt32(&c.refcount)
}

// Wake notifies a blocked endpoint poll (Wait) that the queue changed.
// Non-blocking: a pending-but-undelivered wakeup is enough.
func (c *Connection) Wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// WaitReadable blocks until Wake is called or ctx is done, for endpoints
// that poll the queue instead of being pushed to directly.
func (c *Connection) WaitReadable(ctx context.Context) error {
	select {
	case <-c.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRxGeneration increments and returns a monotonic counter kept for
// diagnostics only; never consulted by routing logic. Nothing in this
// module calls it, and internal/introspect does not report it.
func (c *Connection) NextRxGeneration() uint64 {
	c.rxGeneration++
	return c.rxGeneration
}
