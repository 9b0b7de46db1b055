// Package names implements the Name Registry from spec.md §3/§4.8:
// well-known name ownership, replacement, queueing, and activator
// hand-off bookkeeping.
package names

import (
	"errors"
	"sync"
)

var (
	ErrAlreadyExists = errors.New("names: already-exists")
	ErrNotOwned      = errors.New("names: name not owned by this connection")
	ErrNotFound      = errors.New("names: no such name")
)

// Flags on an acquisition request / Name Entry (spec.md §3/§4.8).
const (
	FlagReplaceable      uint32 = 1 << iota // incumbent allows replacement
	FlagQueue                               // requester queues if name is taken
	FlagReplaceExisting                     // requester wants to replace the incumbent
)

// Owner is the minimal view the registry needs of a connection that
// can own or claim a name. Defined here so this package stays a leaf;
// pkg/conn.Connection implements it.
type Owner interface {
	ID() uint64
}

// Entry is one well-known name's registry record (spec.md §3).
type Entry struct {
	Name      string
	Seq       uint64
	Flags     uint32
	Owner     Owner // nil if only an activator holds the name
	Activator Owner
	Queue     []Owner
}

// Registry maps well-known names to connections.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq uint64
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// AcquireResult reports the outcome of Acquire, including enough
// information for the caller (pkg/broker) to perform queued-message
// hand-off when an activator is displaced.
type AcquireResult struct {
	// Queued means the requester was appended to the claimant queue,
	// did not become owner.
	Queued bool
	// Seq is the name's new sequence number after a successful
	// acquisition (zero if Queued).
	Seq uint64
	// DisplacedActivator is set when requester became the new owner of
	// a name previously held by an activator (no explicit replacement
	// needed: activators are always displaced by a first real owner).
	DisplacedActivator Owner
	// PriorSeq is the sequence number the name carried before this
	// acquisition — used by the caller to find queued messages destined
	// to the old sequence number that must move (spec.md §4.8 handoff).
	PriorSeq uint64
	// NotifyOld and NotifyNew, when both are non-nil, mean both
	// connections should receive a name-change notification.
	NotifyOld Owner
	NotifyNew Owner
}

// Acquire implements spec.md §4.8 acquire(name, flags).
func (r *Registry) Acquire(name string, requester Owner, flags uint32, activator bool) (AcquireResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[name]
	if !exists {
		r.nextSeq++
		e := &Entry{Name: name, Seq: r.nextSeq, Flags: flags}
		if activator {
			e.Activator = requester
		} else {
			e.Owner = requester
		}
		r.entries[name] = e
		return AcquireResult{Seq: e.Seq}, nil
	}

	// Name exists. If it's only held by an activator (no real owner),
	// an ordinary connection displaces it outright (spec.md §4.8
	// "Activator handoff").
	if entry.Owner == nil && entry.Activator != nil && !activator {
		priorSeq := entry.Seq
		oldActivator := entry.Activator
		r.nextSeq++
		entry.Seq = r.nextSeq
		entry.Owner = requester
		entry.Activator = nil
		entry.Flags = flags
		return AcquireResult{
			Seq:                entry.Seq,
			DisplacedActivator: oldActivator,
			PriorSeq:           priorSeq,
			NotifyOld:          oldActivator,
			NotifyNew:          requester,
		}, nil
	}

	if entry.Owner != nil {
		incumbentReplaceable := entry.Flags&FlagReplaceable != 0
		requesterWantsReplace := flags&FlagReplaceExisting != 0
		if requesterWantsReplace && incumbentReplaceable {
			old := entry.Owner
			r.nextSeq++
			entry.Seq = r.nextSeq
			entry.Owner = requester
			entry.Flags = flags
			return AcquireResult{
				Seq:       entry.Seq,
				NotifyOld: old,
				NotifyNew: requester,
			}, nil
		}
		if flags&FlagQueue != 0 {
			entry.Queue = append(entry.Queue, requester)
			return AcquireResult{Queued: true}, nil
		}
		return AcquireResult{}, ErrAlreadyExists
	}

	// Only an activator registering its own name again, or an
	// activator trying to acquire a name another activator holds:
	// treat as already-exists.
	return AcquireResult{}, ErrAlreadyExists
}

// ReleaseResult reports who (if anyone) became the new owner.
type ReleaseResult struct {
	NewOwner Owner
	NewSeq   uint64
}

// Release implements spec.md §4.8 release(name): the first queued
// claimant, if any, becomes owner with a new sequence number.
func (r *Registry) Release(name string, owner Owner) (ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return ReleaseResult{}, ErrNotFound
	}
	if entry.Owner == nil || entry.Owner.ID() != owner.ID() {
		return ReleaseResult{}, ErrNotOwned
	}

	if len(entry.Queue) == 0 {
		delete(r.entries, name)
		return ReleaseResult{}, nil
	}

	next := entry.Queue[0]
	entry.Queue = entry.Queue[1:]
	r.nextSeq++
	entry.Seq = r.nextSeq
	entry.Owner = next
	return ReleaseResult{NewOwner: next, NewSeq: entry.Seq}, nil
}

// Lookup implements spec.md §4.8 lookup(name): routes to the owner, or
// to the activator if there is no owner yet.
func (r *Registry) Lookup(name string) (owner Owner, activator Owner, seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[name]
	if !exists {
		return nil, nil, 0, false
	}
	return entry.Owner, entry.Activator, entry.Seq, true
}

// List implements spec.md §4.8 list(): names currently claimed,
// excluding queued-only claims, for a given owner.
func (r *Registry) List(owner Owner) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, entry := range r.entries {
		if entry.Owner != nil && entry.Owner.ID() == owner.ID() {
			out = append(out, name)
		}
	}
	return out
}

// Snapshot reports every registered name's owner/activator/sequence for
// diagnostics (internal/introspect). Queue contents aren't copied.
type Snapshot struct {
	Name         string
	Seq          uint64
	OwnerID      uint64
	HasOwner     bool
	ActivatorID  uint64
	HasActivator bool
	QueueLen     int
}

func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		s := Snapshot{Name: e.Name, Seq: e.Seq, QueueLen: len(e.Queue)}
		if e.Owner != nil {
			s.HasOwner = true
			s.OwnerID = e.Owner.ID()
		}
		if e.Activator != nil {
			s.HasActivator = true
			s.ActivatorID = e.Activator.ID()
		}
		out = append(out, s)
	}
	return out
}

// ReleaseAll drops every name (owned or queued) held by owner — used
// on disconnect (spec.md §4.7 step 7 "release all owned names").
func (r *Registry) ReleaseAll(owner Owner) []ReleaseResult {
	r.mu.Lock()
	names := make([]string, 0)
	for name, entry := range r.entries {
		if entry.Owner != nil && entry.Owner.ID() == owner.ID() {
			names = append(names, name)
		} else if len(entry.Queue) > 0 {
			filtered := entry.Queue[:0:0]
			for _, q := range entry.Queue {
				if q.ID() != owner.ID() {
					filtered = append(filtered, q)
				}
			}
			entry.Queue = filtered
		}
	}
	r.mu.Unlock()

	results := make([]ReleaseResult, 0, len(names))
	for _, name := range names {
		res, err := r.Release(name, owner)
		if err == nil {
			results = append(results, res)
		}
	}
	return results
}
