package broker

import (
	"github.com/samsamfire/busd/internal/fdpass"
	"github.com/samsamfire/busd/internal/queue"
	"github.com/samsamfire/busd/internal/wire"
	"github.com/samsamfire/busd/pkg/conn"
)

// ReceivedMessage is what Receive hands back to a connection's endpoint:
// the raw bytes (already read out of the connection's own pool) plus the
// fd slots that were installed into the receiving process.
type ReceivedMessage struct {
	Bytes     []byte
	InstalledFDs []int
}

// fdReceiver abstracts the cross-process control socket a connection's
// endpoint uses to pull fds across (spec.md §4.2); tests that enqueue no
// fds never need one.
type fdReceiver interface {
	Receive(maxFDs int) ([]int, error)
}

var _ fdReceiver = (*fdpass.Receiver)(nil)

// Receive implements the Receive Pipeline (spec.md §4.5): FIFO or
// priority-floor selection, full delivery with sealed-memfd-then-
// ordinary fd installation, and pool flush-and-drop on success.
//
// priorityFloor < 0 selects plain FIFO order; otherwise the entry with
// the smallest Priority <= floor is chosen (DROP/PEEK share this
// selection logic via drop/peek).
func (b *Broker) Receive(c *conn.Connection, priorityFloor int64, installer fdReceiver) (*ReceivedMessage, error) {
	c.Lock()
	entry, ok := selectEntry(c, priorityFloor)
	if !ok {
		c.Unlock()
		return nil, newErr(KindNoMessage)
	}
	c.Queue().Remove(entry)
	c.Unlock()

	return b.completeReceive(c, entry, installer)
}

// Drop implements spec.md §4.5 DROP: select then discard without
// returning bytes to the caller, freeing the pool range and closing any
// attached fds that were never installed.
func (b *Broker) Drop(c *conn.Connection, priorityFloor int64) error {
	c.Lock()
	entry, ok := selectEntry(c, priorityFloor)
	if !ok {
		c.Unlock()
		return newErr(KindNoMessage)
	}
	c.Queue().Remove(entry)
	c.Unlock()

	c.Pool().Free(entry.Offset, entry.Length)
	for _, fd := range entry.FDs {
		fdpass.CloseAll([]int{fd.FD})
	}
	for _, fd := range entry.MemFDs {
		fdpass.CloseAll([]int{fd.FD})
	}
	return nil
}

// Peek implements spec.md §4.5 PEEK: returns the bytes of the selected
// entry without removing it from the queue or installing fds.
func (b *Broker) Peek(c *conn.Connection, priorityFloor int64) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	entry, ok := selectEntry(c, priorityFloor)
	if !ok {
		return nil, newErr(KindNoMessage)
	}
	buf, err := c.Pool().ReadAt(entry.Offset, entry.Length)
	if err != nil {
		return nil, newErr(KindOutOfBuffers)
	}
	return buf, nil
}

// ReceiveByOffset installs resources for the exact queued entry at
// offset, regardless of its FIFO/priority position (spec.md §4.4 step
// 10: "invoke the receive pipeline on the source connection to install
// resources for that single message"). A synchronous Send's caller uses
// this right after a successful wait to consume the matched reply
// without disturbing delivery order for any other message already
// queued ahead of it.
func (b *Broker) ReceiveByOffset(c *conn.Connection, offset uint32, installer fdReceiver) (*ReceivedMessage, error) {
	c.Lock()
	entry, ok := c.Queue().RemoveByOffset(offset)
	c.Unlock()
	if !ok {
		return nil, newErr(KindNoMessage)
	}
	return b.completeReceive(c, entry, installer)
}

func selectEntry(c *conn.Connection, priorityFloor int64) (*queue.Entry, bool) {
	if priorityFloor < 0 {
		return c.Queue().PeekFIFO()
	}
	entry, err := c.Queue().PeekPriority(priorityFloor)
	if err != nil {
		return nil, false
	}
	return entry, true
}

// completeReceive performs the full-receive install ordering spec.md
// §4.2 requires: sealed memfds before ordinary fds. On install failure
// the entry is reinserted rather than freed, so the message stays
// queued and consumable for a retry (spec.md §4.5, property 7).
func (b *Broker) completeReceive(c *conn.Connection, entry *queue.Entry, installer fdReceiver) (*ReceivedMessage, error) {
	buf, err := c.Pool().ReadAt(entry.Offset, entry.Length)
	if err != nil {
		return nil, newErr(KindOutOfBuffers)
	}

	var installed []int
	total := len(entry.MemFDs) + len(entry.FDs)
	if total > 0 {
		if installer == nil {
			c.Lock()
			c.Queue().Insert(entry)
			c.Unlock()
			return nil, newErr(KindBadFD)
		}
		fds, err := installer.Receive(total)
		if err != nil {
			fdpass.CloseAll(fds)
			c.Lock()
			c.Queue().Insert(entry)
			c.Unlock()
			return nil, wrap(KindBadFD, err)
		}
		installed = fds

		idx := 0
		for _, ref := range entry.MemFDs {
			wire.PatchUint64(buf, ref.Offset-uint64(entry.Offset), uint64(installed[idx]))
			idx++
		}
		for _, ref := range entry.FDs {
			wire.PatchUint64(buf, ref.Offset-uint64(entry.Offset), uint64(installed[idx]))
			idx++
		}
	}

	if err := c.Pool().Free(entry.Offset, entry.Length); err != nil {
		b.logger.Warn("pool free after receive failed", "id", c.ID(), "err", err)
	}

	return &ReceivedMessage{Bytes: buf, InstalledFDs: installed}, nil
}

func collectFDs(entry *queue.Entry) []int {
	out := make([]int, 0, len(entry.MemFDs)+len(entry.FDs))
	for _, r := range entry.MemFDs {
		out = append(out, r.FD)
	}
	for _, r := range entry.FDs {
		out = append(out, r.FD)
	}
	return out
}
