package broker

import (
	"encoding/binary"

	"github.com/samsamfire/busd/internal/fdpass"
	"github.com/samsamfire/busd/internal/names"
	"github.com/samsamfire/busd/internal/reply"
	"github.com/samsamfire/busd/pkg/conn"
)

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// Disconnect implements the full teardown protocol (spec.md §4.7): the
// connection-local CAS and queue drain (steps 1-2, via
// conn.BeginDisconnect/DrainQueue), bus removal, queued-entry resource
// release, orphaning every other connection's reply slots referencing
// this one, an ID_REMOVE broadcast, and well-known name release. It
// then drops the connection's own reference; finalizeTeardown runs
// right away if that was the last one, or at the last Unref of a
// reference taken with Ref. Reply slots hold a plain pointer to their
// peer and take no counted reference.
func (b *Broker) Disconnect(c *conn.Connection) error {
	c.Lock()
	if err := c.BeginDisconnect(false); err != nil {
		c.Unlock()
		return err
	}
	drained := c.DrainQueue()
	c.Unlock()

	b.mu.Lock()
	delete(b.conns, c.ID())
	delete(b.monitors, c.ID())
	tracker := b.trackers[c.ID()]
	delete(b.trackers, c.ID())
	b.mu.Unlock()
	if tracker != nil {
		tracker.Stop()
	}

	for _, e := range drained {
		if err := c.Pool().Free(e.Offset, e.Length); err != nil {
			b.logger.Warn("pool free during disconnect failed", "id", c.ID(), "err", err)
		}
		if len(e.FDs) > 0 || len(e.MemFDs) > 0 {
			fdpass.CloseAll(collectFDs(e))
		}
		// spec.md §4.7 step 4: a queued entry whose sender expects a
		// reply from c must learn c is gone, since c will never process
		// it now to produce that reply. e.Reply lives on the sender's
		// own reply list (Peer == c); e.Source names that sender.
		if e.Reply != nil {
			e.Reply.Orphan()
			if src, err := b.lookupByID(e.Source); err == nil {
				// A sync waiter removes its own slot when it wakes; an
				// async slot has no waiter, so it is dropped here.
				if !e.Reply.Sync {
					src.Lock()
					src.Replies().Remove(e.Reply)
					src.Unlock()
				}
				b.sendReplyDead(src, e.Cookie)
			}
		}
	}

	for _, other := range b.snapshotConns() {
		if other.ID() == c.ID() {
			continue
		}
		other.Lock()
		syncSlots, asyncSlots := other.Replies().OrphanAll(c)
		for _, slot := range asyncSlots {
			other.Replies().Remove(slot)
		}
		other.Unlock()
		for _, slot := range syncSlots {
			b.sendReplyDead(other, slot.Cookie)
		}
		for _, slot := range asyncSlots {
			b.sendReplyDead(other, slot.Cookie)
		}
	}

	b.broadcastIDRemove(c)

	for _, res := range b.names.ReleaseAll(c) {
		b.broadcastNameOwnerChanged(res)
	}

	b.logger.Info("connection disconnected", "id", c.ID())

	if c.Unref() {
		b.finalizeTeardown(c)
	}
	return nil
}

// finalizeTeardown runs once the last reference to c drops (spec.md
// §4.7 step 8): it resolves any reply slot c itself still owns, so a
// sync waiter (if one is somehow still blocked) wakes with the none
// sentinel rather than hanging forever.
func (b *Broker) finalizeTeardown(c *conn.Connection) {
	c.Lock()
	for _, slot := range c.Replies().Slots() {
		slot.Orphan()
	}
	c.Unlock()
	b.logger.Info("connection torn down", "id", c.ID())
}

// sendReplyDead delivers the asynchronous "reply-dead" notification
// (spec.md §4.7 step 4/5, property 5) carrying the dead cookie to peer,
// best-effort: peer may already be gone too.
func (b *Broker) sendReplyDead(peer reply.Peer, cookie uint64) {
	dest, err := b.lookupByID(peer.ID())
	if err != nil {
		return
	}
	b.Send(&OutgoingMessage{
		DestID:  dest.ID(),
		Cookie:  b.nextSeq(),
		Vectors: [][]byte{encodeUint64(cookie)},
	})
}

// broadcastIDRemove sends the kernel ID_REMOVE notification (spec.md
// §4.7 step 6) to every remaining connection.
func (b *Broker) broadcastIDRemove(c *conn.Connection) {
	b.Send(&OutgoingMessage{
		DestID:  BroadcastDest,
		Cookie:  b.nextSeq(),
		Vectors: [][]byte{encodeUint64(c.ID())},
	})
}

// broadcastNameOwnerChanged sends the kernel name-owner-changed
// notification after a names.Registry release promotes a queued
// claimant (spec.md §4.8 hand-off).
func (b *Broker) broadcastNameOwnerChanged(res names.ReleaseResult) {
	if res.NewOwner == nil {
		return
	}
	b.Send(&OutgoingMessage{
		DestID:  BroadcastDest,
		Cookie:  b.nextSeq(),
		Vectors: [][]byte{encodeUint64(res.NewOwner.ID()), encodeUint64(res.NewSeq)},
	})
}
