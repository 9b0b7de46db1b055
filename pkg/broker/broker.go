// Package broker implements the connection subsystem described as the
// core of spec.md: the send/receive pipelines, reply tracking, name
// registry interaction, and disconnect/teardown protocol tying
// together internal/queue, internal/reply, internal/names,
// internal/wire, internal/fdpass, and pkg/conn.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samsamfire/busd/internal/config"
	"github.com/samsamfire/busd/internal/names"
	"github.com/samsamfire/busd/internal/pool"
	"github.com/samsamfire/busd/internal/reply"
	"github.com/samsamfire/busd/pkg/conn"
)

// BroadcastDest is the destination-id sentinel meaning "send to every
// connection matching the predicate" (spec.md §6: "0 = BROADCAST").
const BroadcastDest uint64 = 0

// PolicyFunc is the external authorization collaborator (spec.md §1):
// consulted for unicast sends that aren't a reply match.
type PolicyFunc func(source, dest *conn.Connection) bool

// MatchFunc is the external broadcast subscription predicate
// (spec.md §1), consulted per receiver during broadcast.
type MatchFunc func(receiver *conn.Connection, msg *OutgoingMessage) bool

// CredsFunc gathers opaque credential/metadata bytes for a
// user-originated message (spec.md §1, §4.4 step 2).
type CredsFunc func(source *conn.Connection) []byte

func allowAll(*conn.Connection, *conn.Connection) bool { return true }
func matchAll(*conn.Connection, *OutgoingMessage) bool { return true }

// Broker is the bus-wide object: connection hash, monitor list, name
// registry, and the sequence counters spec.md §9 calls out as
// atomically incremented 64-bit counters.
type Broker struct {
	logger *slog.Logger
	cfg    *config.Config

	mu       sync.Mutex // bus lock: guards conns/monitors (spec.md §5)
	conns    map[uint64]*conn.Connection
	monitors map[uint64]*conn.Connection
	trackers map[uint64]*ReplyTracker

	ctx       context.Context
	ctxCancel context.CancelFunc

	names *names.Registry

	nextConnID uint64
	nextMsgSeq uint64

	Policy PolicyFunc
	Match  MatchFunc
	Creds  CredsFunc
}

// New creates an empty Broker. cfg may be nil (Default() is used).
func New(cfg *config.Config, logger *slog.Logger) *Broker {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		logger:    logger.With("service", "[BUS]", "name", cfg.BusName),
		cfg:       cfg,
		conns:     make(map[uint64]*conn.Connection),
		monitors:  make(map[uint64]*conn.Connection),
		trackers:  make(map[uint64]*ReplyTracker),
		ctx:       ctx,
		ctxCancel: cancel,
		names:     names.New(),
		Policy:    allowAll,
		Match:     matchAll,
		Creds:     func(*conn.Connection) []byte { return nil },
	}
}

// Shutdown stops every connection's reply timeout scan. It does not
// disconnect connections; callers that own the bus lifecycle should
// call Disconnect for each remaining connection first if a clean
// teardown notification is wanted.
func (b *Broker) Shutdown() {
	b.ctxCancel()
	b.mu.Lock()
	trackers := make([]*ReplyTracker, 0, len(b.trackers))
	for _, t := range b.trackers {
		trackers = append(trackers, t)
	}
	b.mu.Unlock()
	for _, t := range trackers {
		t.Wait()
	}
}

func (b *Broker) nextSeq() uint64 {
	return atomic.AddUint64(&b.nextMsgSeq, 1)
}

// HelloOptions mirrors the Hello command from spec.md §6.
type HelloOptions struct {
	AcceptFD    bool
	Activator   bool
	Monitor     bool
	Name        string // required if Activator
	ConnName    string
	PoolSize    uint32
	UID         uint32
	Privileged  bool
	AttachCreds bool
	AttachSecl  bool
}

// Connect implements connection open (spec.md §6 Hello command): it
// allocates a fresh monotonic id, creates the Connection and its pool,
// registers it on the bus, and (for activators) registers the name.
func (b *Broker) Connect(opts HelloOptions) (*conn.Connection, error) {
	if opts.Activator && opts.Monitor {
		return nil, newErr(KindPermissionDenied)
	}
	if opts.Activator && opts.Name == "" {
		return nil, newErr(KindPermissionDenied)
	}
	if (opts.Activator || opts.Monitor || opts.AttachCreds || opts.AttachSecl) && !opts.Privileged {
		return nil, newErr(KindPermissionDenied)
	}

	poolSize := opts.PoolSize
	if poolSize == 0 {
		poolSize = b.cfg.DefaultPoolSize
	}

	var flags uint32
	if opts.AcceptFD {
		flags |= conn.FlagAcceptFD
	}
	if opts.Activator {
		flags |= conn.FlagActivator
	}
	if opts.Monitor {
		flags |= conn.FlagMonitor
	}
	var attach uint32
	if opts.AttachCreds {
		attach |= conn.AttachCreds
	}
	if opts.AttachSecl {
		attach |= conn.AttachSeclabel
	}

	id := atomic.AddUint64(&b.nextConnID, 1)
	c := conn.New(id, pool.NewArena(poolSize), flags, opts.UID, opts.ConnName, b.logger)
	c.SetAttachFlags(attach)

	tracker := NewReplyTracker(c, b.logger, 100*time.Millisecond, func(slot *reply.Slot) {
		b.sendReplyDead(c, slot.Cookie)
	})
	tracker.Start(b.ctx)

	b.mu.Lock()
	b.conns[id] = c
	if opts.Monitor {
		b.monitors[id] = c
	}
	b.trackers[id] = tracker
	b.mu.Unlock()

	if opts.Activator {
		if _, err := b.names.Acquire(opts.Name, c, 0, true); err != nil {
			tracker.Stop()
			b.mu.Lock()
			delete(b.conns, id)
			delete(b.trackers, id)
			b.mu.Unlock()
			return nil, wrap(KindAlready, err)
		}
		c.AddOwnedName(opts.Name)
	}

	b.logger.Info("connection opened", "id", id, "activator", opts.Activator, "monitor", opts.Monitor)
	return c, nil
}

// lookupByID resolves a destination by id (spec.md §4.4 step 4 "By id
// -> hash lookup"). Activator and monitor connections must not be
// addressable by id.
func (b *Broker) lookupByID(id uint64) (*conn.Connection, error) {
	b.mu.Lock()
	c, ok := b.conns[id]
	b.mu.Unlock()
	if !ok {
		return nil, newErr(KindNoSuchID)
	}
	if c.HasFlag(conn.FlagActivator) || c.HasFlag(conn.FlagMonitor) {
		return nil, newErr(KindNoSuchID)
	}
	if c.Disconnected() {
		return nil, newErr(KindConnectionReset)
	}
	return c, nil
}

// snapshotConns copies the current connection set under the bus lock,
// per spec.md §5: "acquire the bus lock briefly to snapshot
// membership, then release it before taking per-connection locks".
func (b *Broker) snapshotConns() []*conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn.Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Broker) snapshotMonitors() []*conn.Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*conn.Connection, 0, len(b.monitors))
	for _, c := range b.monitors {
		out = append(out, c)
	}
	return out
}

// Names exposes the registry for configurators that need List/Lookup
// directly (e.g. internal/introspect).
func (b *Broker) Names() *names.Registry { return b.names }

// Connections returns a point-in-time snapshot of every connection on
// the bus (e.g. internal/introspect).
func (b *Broker) Connections() []*conn.Connection { return b.snapshotConns() }

func (b *Broker) Config() *config.Config { return b.cfg }
