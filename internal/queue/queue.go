// Package queue implements the per-connection dual-indexed Message
// Queue from spec.md §4.1: a FIFO plus a priority index with a cached
// pointer to the highest-priority (numerically smallest) entry.
package queue

import (
	"container/list"
	"errors"
	"sort"

	"github.com/samsamfire/busd/internal/reply"
)

var ErrNoMessageMeetsFloor = errors.New("queue: no message meets priority floor")

// FDRef is a (pool-offset, installed-at-receive fd) pair carried by an
// entry per spec.md §3.
type FDRef struct {
	Offset uint64 // pool offset of the placeholder fd slot (entry offset plus its position in the message)
	FD     int    // sender-side fd (ordinary) or memfd
}

// Entry is one queued, serialized message (spec.md §3).
type Entry struct {
	Offset      uint32
	Length      uint32
	Priority    int64
	Source      uint64
	Cookie      uint64
	DestNameSeq uint64
	FDs         []FDRef
	MemFDs      []FDRef
	Reply       *reply.Slot // optional weak back-pointer, spec.md §9

	fifoElem *list.Element
}

// Queue is a per-connection message queue: FIFO order plus a priority
// index keyed by Entry.Priority, same-priority entries kept in FIFO
// sub-order (spec.md §4.1 invariants).
type Queue struct {
	fifo *list.List

	// keys is kept sorted ascending (numerically smallest = highest
	// priority first) so the minimum is always keys[0]. Entries sharing
	// a key hang off that key's own FIFO list.
	keys    []int64
	byPrio  map[int64]*list.List
}

func New() *Queue {
	return &Queue{
		fifo:   list.New(),
		byPrio: make(map[int64]*list.List),
	}
}

func (q *Queue) Len() int { return q.fifo.Len() }

func (q *Queue) findKeyIndex(p int64) (int, bool) {
	i := sort.Search(len(q.keys), func(i int) bool { return q.keys[i] >= p })
	if i < len(q.keys) && q.keys[i] == p {
		return i, true
	}
	return i, false
}

// Insert appends entry to the FIFO tail and indexes it by priority
// (spec.md §4.1 insert).
func (q *Queue) Insert(e *Entry) {
	e.fifoElem = q.fifo.PushBack(e)

	idx, ok := q.findKeyIndex(e.Priority)
	if !ok {
		q.keys = append(q.keys, 0)
		copy(q.keys[idx+1:], q.keys[idx:])
		q.keys[idx] = e.Priority
		q.byPrio[e.Priority] = list.New()
	}
	q.byPrio[e.Priority].PushBack(e)
}

// Remove detaches entry from both indexes (spec.md §4.1 remove).
func (q *Queue) Remove(e *Entry) {
	if e.fifoElem != nil {
		q.fifo.Remove(e.fifoElem)
		e.fifoElem = nil
	}
	prioList, ok := q.byPrio[e.Priority]
	if !ok {
		return
	}
	for el := prioList.Front(); el != nil; el = el.Next() {
		if el.Value.(*Entry) == e {
			prioList.Remove(el)
			break
		}
	}
	if prioList.Len() == 0 {
		delete(q.byPrio, e.Priority)
		idx, ok := q.findKeyIndex(e.Priority)
		if ok {
			q.keys = append(q.keys[:idx], q.keys[idx+1:]...)
		}
	}
}

// PeekFIFO returns the FIFO head without removing it.
func (q *Queue) PeekFIFO() (*Entry, bool) {
	front := q.fifo.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*Entry), true
}

// PeekPriority returns the cached-highest entry iff its priority is <=
// floor (spec.md §4.1 peek_priority).
func (q *Queue) PeekPriority(floor int64) (*Entry, error) {
	if len(q.keys) == 0 {
		return nil, ErrNoMessageMeetsFloor
	}
	minKey := q.keys[0]
	if minKey > floor {
		return nil, ErrNoMessageMeetsFloor
	}
	prioList := q.byPrio[minKey]
	return prioList.Front().Value.(*Entry), nil
}

// RemoveByOffset detaches and returns the entry at the given pool offset,
// regardless of its FIFO/priority position. Used by the synchronous
// reply path (spec.md §4.4 step 10) to pull exactly the matched reply
// out of the destination's queue without disturbing delivery order for
// any other queued message.
func (q *Queue) RemoveByOffset(offset uint32) (*Entry, bool) {
	for el := q.fifo.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Offset == offset {
			q.Remove(e)
			return e, true
		}
	}
	return nil, false
}

// Drain atomically detaches every entry from both indexes and returns
// them in FIFO order (spec.md §4.1 drain).
func (q *Queue) Drain() []*Entry {
	out := make([]*Entry, 0, q.fifo.Len())
	for el := q.fifo.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry))
	}
	q.fifo = list.New()
	q.keys = nil
	q.byPrio = make(map[int64]*list.List)
	return out
}
