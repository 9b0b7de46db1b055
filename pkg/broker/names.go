package broker

import (
	"github.com/samsamfire/busd/internal/names"
	"github.com/samsamfire/busd/internal/queue"
	"github.com/samsamfire/busd/pkg/conn"
)

// AcquireName implements the Name Registry's acquire(name, flags) external
// operation (spec.md §4.8): conflict resolution (replace, queue, or
// already-exists), activator hand-off when a non-activator displaces the
// name's activator, and the resulting name-change broadcast.
func (b *Broker) AcquireName(c *conn.Connection, name string, flags uint32) (names.AcquireResult, error) {
	res, err := b.names.Acquire(name, c, flags, c.HasFlag(conn.FlagActivator))
	if err != nil {
		return res, wrap(kindForNamesErr(err), err)
	}
	if !res.Queued {
		c.AddOwnedName(name)
	}
	if res.DisplacedActivator != nil {
		if activator, ok := res.DisplacedActivator.(*conn.Connection); ok {
			b.migrateActivatorQueue(activator, c, res.PriorSeq)
		}
	}
	if res.NotifyOld != nil && res.NotifyNew != nil {
		b.broadcastNameChanged(res.NotifyOld, res.NotifyNew, res.Seq)
	}
	return res, nil
}

// ReleaseName implements release(name) (spec.md §4.8): the first queued
// claimant, if any, is promoted and a name-change notification follows.
func (b *Broker) ReleaseName(c *conn.Connection, name string) error {
	res, err := b.names.Release(name, c)
	if err != nil {
		return wrap(kindForNamesErr(err), err)
	}
	c.RemoveOwnedName(name)
	b.broadcastNameOwnerChanged(res)
	return nil
}

// LookupName implements lookup(name) (spec.md §4.8).
func (b *Broker) LookupName(name string) (owner *conn.Connection, activator *conn.Connection, seq uint64, ok bool) {
	o, a, seq, ok := b.names.Lookup(name)
	if o != nil {
		owner, _ = o.(*conn.Connection)
	}
	if a != nil {
		activator, _ = a.(*conn.Connection)
	}
	return owner, activator, seq, ok
}

// ListNames implements list() for c (spec.md §4.8).
func (b *Broker) ListNames(c *conn.Connection) []string {
	return b.names.List(c)
}

func kindForNamesErr(err error) ErrorKind {
	switch err {
	case names.ErrAlreadyExists:
		return KindAlready
	case names.ErrNotOwned, names.ErrNotFound:
		return KindNoSuchAddress
	default:
		return KindNoSuchAddress
	}
}

// migrateActivatorQueue moves every entry queued on activator and
// addressed to priorSeq over to newOwner's queue (spec.md §4.8 last
// sentence): bytes move pool-to-pool via Move, and the entry's reply
// back-pointer (if any) is rewritten so a later disconnect of newOwner,
// not the activator, notifies the waiting sender.
func (b *Broker) migrateActivatorQueue(activator, newOwner *conn.Connection, priorSeq uint64) {
	activator.Lock()
	drained := activator.DrainQueue()
	var keep, moving []*queue.Entry
	for _, e := range drained {
		if e.DestNameSeq == priorSeq {
			moving = append(moving, e)
		} else {
			keep = append(keep, e)
		}
	}
	for _, e := range keep {
		if err := activator.Enqueue(e); err != nil {
			b.logger.Warn("activator handoff: requeue on activator failed", "err", err)
		}
	}
	activator.Unlock()

	for _, e := range moving {
		newOffset, err := activator.Pool().Move(newOwner.Pool(), e.Offset, e.Length)
		if err != nil {
			b.logger.Warn("activator handoff: pool move failed", "seq", priorSeq, "err", err)
			continue
		}
		e.Offset = newOffset
		if e.Reply != nil {
			e.Reply.Peer = newOwner
		}
		newOwner.Lock()
		if err := newOwner.Enqueue(e); err != nil {
			newOwner.Pool().Free(newOffset, e.Length)
		} else {
			newOwner.Wake()
		}
		newOwner.Unlock()
	}
	if len(moving) > 0 {
		b.logger.Info("activator handoff migrated queued messages", "count", len(moving), "prior_seq", priorSeq)
	}
}

// broadcastNameChanged sends the name-change notification spec.md §4.8
// requires on both replacement and activator-displacement acquisitions.
func (b *Broker) broadcastNameChanged(oldOwner, newOwner names.Owner, seq uint64) {
	b.Send(&OutgoingMessage{
		DestID:  BroadcastDest,
		Cookie:  b.nextSeq(),
		Vectors: [][]byte{encodeUint64(oldOwner.ID()), encodeUint64(newOwner.ID()), encodeUint64(seq)},
	})
}
