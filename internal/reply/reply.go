// Package reply implements the Reply Slot and per-connection Reply
// Tracker from spec.md §3/§4.4/§4.6: the sender-side bookkeeping for an
// outstanding request awaiting a reply, synchronous or asynchronous.
package reply

import (
	"sync"
	"time"
)

// NoneOffset is the sentinel stored in Offset when a synchronous wait
// resolves without a real payload offset: peer died, or timed out
// (spec.md §3 "offset output slot initialized to sentinel none").
const NoneOffset = ^uint32(0)

// Peer is the minimal view a Slot needs of the connection it targets.
// Defined here, not in pkg/conn, so this package stays a leaf: pkg/conn
// implements it.
type Peer interface {
	ID() uint64
}

// State mirrors the Reply Slot state machine in spec.md §4.4.
type State int

const (
	Pending State = iota
	Answered
	TimedOut
	Orphaned
)

// Slot is the sender-side record of one outstanding request.
type Slot struct {
	mu sync.Mutex

	Peer   Peer
	Cookie uint64
	// Deadline is an absolute nanosecond deadline; zero means "peer
	// died" per spec.md §3.
	Deadline int64
	Sync     bool

	state   State
	waiting bool
	wake    chan struct{}
	offset  uint32
}

// NewSlot creates a slot for an outstanding request to peer/cookie.
// For sync slots the wait primitive is initialized eagerly; for async
// slots deadline must already be the absolute expiry.
func NewSlot(peer Peer, cookie uint64, deadline int64, sync bool) *Slot {
	s := &Slot{
		Peer:     peer,
		Cookie:   cookie,
		Deadline: deadline,
		Sync:     sync,
		state:    Pending,
		offset:   NoneOffset,
	}
	if sync {
		s.waiting = true
		s.wake = make(chan struct{})
	}
	return s
}

// Match marks the slot answered with the given payload offset. Returns
// false if the slot was no longer pending (already matched/timed
// out/orphaned) — reply matching is exactly-once per spec.md §5.
func (s *Slot) Match(offset uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return false
	}
	s.state = Answered
	s.offset = offset
	if s.Sync {
		s.waiting = false
		close(s.wake)
	}
	return true
}

// Orphan marks the slot as "counterpart died" (spec.md §4.7 step 5):
// deadline becomes 0, and sync waiters wake with the none sentinel. An
// orphaned async slot is no longer a candidate for ScanExpired (its
// deadline is zeroed and its state is no longer Pending), so it never
// also fires a stale timeout notification once the scanner reaches it.
func (s *Slot) Orphan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Pending {
		return false
	}
	s.state = Orphaned
	s.Deadline = 0
	if s.Sync {
		s.waiting = false
		close(s.wake)
	}
	return true
}

// Expire marks an async slot as timed out. Sync slots own their own
// wait-with-timeout and are never expired by the scanner (spec.md §4.6
// "sync entries are skipped").
func (s *Slot) Expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Sync || s.state != Pending {
		return false
	}
	s.state = TimedOut
	return true
}

// Wait blocks a synchronous caller until the slot is answered,
// orphaned, or the deadline elapses. Returns the resolved offset (or
// NoneOffset) and whether the wait expired locally (timed-out).
func (s *Slot) Wait(deadline time.Time) (offset uint32, timedOut bool) {
	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-s.wake:
		s.mu.Lock()
		offset = s.offset
		s.mu.Unlock()
		return offset, false
	case <-timer.C:
		s.mu.Lock()
		if s.state == Pending {
			s.state = TimedOut
			s.waiting = false
		}
		offset = s.offset
		s.mu.Unlock()
		return offset, true
	}
}

func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Slot) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

// List is a connection's per-connection outstanding-reply list. All
// mutation must happen under the owning connection's lock per spec.md
// §4.6; List itself adds no locking of its own so callers control that
// discipline explicitly.
type List struct {
	slots []*Slot
}

func (l *List) Add(s *Slot) {
	l.slots = append(l.slots, s)
}

// Remove detaches a slot from the list (used once it resolves).
func (l *List) Remove(s *Slot) {
	for i, cur := range l.slots {
		if cur == s {
			l.slots = append(l.slots[:i], l.slots[i+1:]...)
			return
		}
	}
}

// FindByCookie returns the pending slot on this list awaiting a reply
// from peer with the given cookie, if any (spec.md §4.4 step 5).
func (l *List) FindByCookie(peer Peer, cookie uint64) *Slot {
	for _, s := range l.slots {
		if s.Cookie == cookie && s.Peer.ID() == peer.ID() && s.State() == Pending {
			return s
		}
	}
	return nil
}

// OrphanAll orphans every pending slot referencing peer (spec.md §4.7
// step 5, run on every *other* connection when peer disconnects) and
// returns the ones that were sync versus async, so the caller can send
// a reply-dead notification for both kinds.
func (l *List) OrphanAll(peer Peer) (syncSlots, asyncSlots []*Slot) {
	for _, s := range l.slots {
		if s.Peer.ID() != peer.ID() {
			continue
		}
		if s.State() != Pending {
			continue
		}
		if !s.Orphan() {
			continue
		}
		if s.Sync {
			syncSlots = append(syncSlots, s)
		} else {
			asyncSlots = append(asyncSlots, s)
		}
	}
	return
}

// ScanExpired walks the list (spec.md §4.6), skipping sync entries and
// slots that are no longer pending, tracking the nearest future
// deadline, and removing and returning the pending async entries whose
// nonzero deadline has elapsed, for cleanup and a "reply-timed-out"
// notification.
func (l *List) ScanExpired(now int64) (expired []*Slot, nextWake int64) {
	nextWake = 0
	for _, s := range l.slots {
		if s.Sync {
			continue
		}
		if s.State() != Pending {
			continue
		}
		if s.Deadline != 0 && s.Deadline <= now {
			if s.Expire() {
				expired = append(expired, s)
			}
			continue
		}
		if nextWake == 0 || (s.Deadline != 0 && s.Deadline < nextWake) {
			nextWake = s.Deadline
		}
	}
	for _, s := range expired {
		l.Remove(s)
	}
	return expired, nextWake
}

func (l *List) Len() int { return len(l.slots) }

func (l *List) Slots() []*Slot { return l.slots }
