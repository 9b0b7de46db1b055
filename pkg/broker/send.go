package broker

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/busd/internal/fdpass"
	"github.com/samsamfire/busd/internal/queue"
	"github.com/samsamfire/busd/internal/reply"
	"github.com/samsamfire/busd/internal/wire"
	"github.com/samsamfire/busd/pkg/conn"
)

// defaultReplyTimeout is used when a message requests EXPECT_REPLY
// without naming its own timeout.
const defaultReplyTimeout = 25 * time.Second

// NoneOffset mirrors reply.NoneOffset for callers that never look past
// this package.
const NoneOffset = reply.NoneOffset

// MemFDAttachment is one PAYLOAD_MEMFD vector: a sealed shared-memory
// object the sender hands off by reference (spec.md §4.2).
type MemFDAttachment struct {
	Obj          fdpass.SealedObject
	FD           int
	DeclaredSize uint64
}

// OutgoingMessage is the broker-facing request shape a connection's
// endpoint builds before calling Broker.Send (spec.md §4.3/§4.4).
// Source is nil for kernel-originated notifications (name changes,
// id-add/remove), which bypass credential attachment and the
// per-source ceilings.
type OutgoingMessage struct {
	Source      *conn.Connection
	DestID      uint64 // ignored if DestName is set; BroadcastDest with empty DestName means broadcast
	DestName    string
	Cookie      uint64
	CookieReply uint64
	Priority    int64

	ExpectReply bool
	Sync        bool
	NoAutoStart bool
	TimeoutNs   uint64

	// Vectors holds payload blobs in sender order; a nil element records
	// a null-address vector (spec.md §4.3).
	Vectors [][]byte
	MemFDs  []MemFDAttachment
	FDs     []int
}

func encodeVector(v []byte) []byte {
	if v == nil {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, wire.NoAddress)
		return buf
	}
	buf := make([]byte, 8+len(v))
	copy(buf[8:], v)
	return buf
}

func putUint64Pair(a, b uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], a)
	binary.LittleEndian.PutUint64(buf[8:16], b)
	return buf
}

// sealedErrKind maps fdpass's sealed-memfd validation sentinels onto the
// distinct error kinds spec.md §7 assigns each condition: not a broker
// memfd is wrong-medium, an unsealed payload is text-busy, and a
// declared size past the object's real size is bad-fd.
func sealedErrKind(err error) ErrorKind {
	switch err {
	case fdpass.ErrNotSealed:
		return KindTextBusy
	case fdpass.ErrBadFD:
		return KindBadFD
	default:
		return KindWrongMedium
	}
}

func sourceID(c *conn.Connection) uint64 {
	if c == nil {
		return 0
	}
	return c.ID()
}

func (msg *OutgoingMessage) wireFlags() uint64 {
	var f uint64
	if msg.ExpectReply {
		f |= wire.FlagExpectReply
	}
	if msg.NoAutoStart {
		f |= wire.FlagNoAutoStart
	}
	if len(msg.FDs) > 0 || len(msg.MemFDs) > 0 {
		f |= wire.FlagAcceptFDCheck
	}
	return f
}

// Send implements the Send Pipeline (spec.md §4.4).
func (b *Broker) Send(msg *OutgoingMessage) (uint32, error) {
	seq := b.nextSeq()

	var credsBytes []byte
	if msg.Source != nil {
		credsBytes = b.Creds(msg.Source)
	}

	if msg.DestName == "" && msg.DestID == BroadcastDest {
		b.broadcast(msg, credsBytes, seq)
		return NoneOffset, nil
	}

	dest, destNameSeq, err := b.resolveDestination(msg)
	if err != nil {
		return NoneOffset, err
	}

	offset, err := b.deliverTo(dest, destNameSeq, msg, credsBytes, false)
	if err != nil {
		b.logger.Debug("send failed", "seq", seq, "dest", dest.ID(), "err", err)
	}
	return offset, err
}

// resolveDestination implements spec.md §4.4 step 4.
func (b *Broker) resolveDestination(msg *OutgoingMessage) (*conn.Connection, uint64, error) {
	if msg.DestName != "" {
		owner, activator, seq, ok := b.names.Lookup(msg.DestName)
		if !ok {
			return nil, 0, newErr(KindNoSuchAddress)
		}
		var target interface{ ID() uint64 }
		if owner != nil {
			target = owner
		} else if activator != nil {
			if msg.NoAutoStart {
				return nil, 0, newErr(KindAddressNotAvailable)
			}
			target = activator
		} else {
			return nil, 0, newErr(KindNoSuchAddress)
		}
		dest, ok := target.(*conn.Connection)
		if !ok {
			return nil, 0, newErr(KindNoSuchAddress)
		}
		if dest.Disconnected() {
			return nil, 0, newErr(KindConnectionReset)
		}
		return dest, seq, nil
	}

	dest, err := b.lookupByID(msg.DestID)
	if err != nil {
		return nil, 0, err
	}
	return dest, 0, nil
}

// broadcast implements spec.md §4.4 step 3: fan out to every connection
// matching Match, skipping the sender and activators, best-effort.
func (b *Broker) broadcast(msg *OutgoingMessage, credsBytes []byte, seq uint64) {
	for _, c := range b.snapshotConns() {
		if msg.Source != nil && c.ID() == msg.Source.ID() {
			continue
		}
		if c.HasFlag(conn.FlagActivator) {
			continue
		}
		if !b.Match(c, msg) {
			continue
		}
		copyMsg := *msg
		copyMsg.DestID = c.ID()
		copyMsg.DestName = ""
		copyMsg.ExpectReply = false
		copyMsg.Sync = false
		if _, err := b.deliverTo(c, 0, &copyMsg, credsBytes, true); err != nil {
			b.logger.Debug("broadcast delivery failed", "seq", seq, "dest", c.ID(), "err", err)
		}
	}
}

// deliverTo implements spec.md §4.4 steps 5-10 against one resolved
// destination: reply-match-or-policy, EXPECT_REPLY slot allocation,
// serialization with queue/pool ceilings, enqueue, monitor fan-out, and
// (for synchronous unicast) the blocking wait.
func (b *Broker) deliverTo(dest *conn.Connection, destNameSeq uint64, msg *OutgoingMessage, credsBytes []byte, forBroadcast bool) (uint32, error) {
	srcID := sourceID(msg.Source)

	var matchedSlot *reply.Slot
	dest.Lock()
	if !forBroadcast && msg.Source != nil && msg.CookieReply != 0 {
		matchedSlot = dest.Replies().FindByCookie(msg.Source, msg.CookieReply)
	}
	dest.Unlock()

	if !forBroadcast && matchedSlot == nil {
		if !b.Policy(msg.Source, dest) {
			return NoneOffset, newErr(KindPermissionDenied)
		}
	}

	if (len(msg.FDs) > 0 || len(msg.MemFDs) > 0) && !dest.HasFlag(conn.FlagAcceptFD) {
		return NoneOffset, newErr(KindCommunicationError)
	}

	var newSlot *reply.Slot
	var deadline int64
	if !forBroadcast && msg.ExpectReply && msg.Source != nil {
		msg.Source.Lock()
		if msg.Source.Replies().Len() >= b.cfg.ReplyCeiling {
			msg.Source.Unlock()
			return NoneOffset, newErr(KindTooManyLinks)
		}
		timeout := time.Duration(msg.TimeoutNs)
		if timeout == 0 {
			timeout = defaultReplyTimeout
		}
		deadline = time.Now().Add(timeout).UnixNano()
		newSlot = reply.NewSlot(dest, msg.Cookie, deadline, msg.Sync)
		msg.Source.Replies().Add(newSlot)
		msg.Source.Unlock()
	}

	offset, err := b.serializeAndEnqueue(dest, destNameSeq, msg, credsBytes, srcID, newSlot)
	if err != nil {
		if newSlot != nil {
			msg.Source.Lock()
			msg.Source.Replies().Remove(newSlot)
			msg.Source.Unlock()
		}
		return NoneOffset, err
	}

	if matchedSlot != nil {
		matchedSlot.Match(offset)
		dest.Lock()
		dest.Replies().Remove(matchedSlot)
		dest.Unlock()
	}

	b.fanOutToMonitors(dest, msg, credsBytes)

	if newSlot != nil && msg.Sync {
		waitOffset, timedOut := newSlot.Wait(time.Unix(0, deadline))
		msg.Source.Lock()
		msg.Source.Replies().Remove(newSlot)
		msg.Source.Unlock()
		switch {
		case timedOut:
			return NoneOffset, newErr(KindTimedOut)
		case newSlot.State() == reply.Orphaned:
			// Counterpart disconnected before answering (spec.md §4.7
			// step 5 / scenario "peer death"): the waiter wakes with the
			// none sentinel and learns its peer is gone, not that it
			// got an empty reply.
			return NoneOffset, newErr(KindBrokenPipe)
		default:
			return waitOffset, nil
		}
	}

	return NoneOffset, nil
}

// serializeAndEnqueue builds the wire message, enforces the
// per-connection queue-count ceiling and pool-fairness rule (spec.md
// §4.4 step 7), and inserts the entry (step 8).
func (b *Broker) serializeAndEnqueue(dest *conn.Connection, destNameSeq uint64, msg *OutgoingMessage, credsBytes []byte, srcID uint64, slot *reply.Slot) (uint32, error) {
	w := wire.NewWriter(wire.Header{
		Dest:        dest.ID(),
		Source:      srcID,
		Cookie:      msg.Cookie,
		TimeoutNs:   msg.TimeoutNs,
		CookieReply: msg.CookieReply,
		Priority:    msg.Priority,
		Flags:       msg.wireFlags(),
	})

	if msg.DestName != "" {
		w.AppendItem(wire.ItemDstName, append([]byte(msg.DestName), 0))
	}
	for _, v := range msg.Vectors {
		w.AppendItem(wire.ItemPayloadOff, encodeVector(v))
	}

	type pendingFD struct {
		relPos int
		fd     int
	}
	var memfdRefs, fdRefs []pendingFD

	for _, m := range msg.MemFDs {
		if err := fdpass.ValidateSealed(m.Obj, m.DeclaredSize); err != nil {
			return NoneOffset, wrap(sealedErrKind(err), err)
		}
		before := w.Len()
		w.AppendItem(wire.ItemPayloadMemfd, putUint64Pair(0, m.DeclaredSize))
		memfdRefs = append(memfdRefs, pendingFD{relPos: before + 16, fd: m.FD})
	}
	if len(msg.FDs) > 0 {
		before := w.Len()
		w.AppendItem(wire.ItemFDs, make([]byte, 8*len(msg.FDs)))
		for i, fd := range msg.FDs {
			fdRefs = append(fdRefs, pendingFD{relPos: before + 16 + i*8, fd: fd})
		}
	}
	if len(credsBytes) > 0 {
		w.AppendItem(wire.ItemCreds, credsBytes)
	}

	blobLen := uint32(w.Len())

	dest.Lock()
	if dest.Disconnected() {
		dest.Unlock()
		return NoneOffset, newErr(KindConnectionReset)
	}
	privileged := msg.Source == nil || b.cfg.IsPrivileged(msg.Source.UID())
	if !privileged && dest.Queue().Len() >= b.cfg.QueueCeiling {
		dest.Unlock()
		return NoneOffset, newErr(KindOutOfBuffers)
	}
	free := dest.Pool().FreeSpace()
	total := dest.Pool().Size()
	if free < total && blobLen < free && blobLen > free/2 {
		dest.Unlock()
		return NoneOffset, newErr(KindQuotaExceeded)
	}

	blobOff, err := dest.Pool().Alloc(blobLen)
	if err != nil {
		dest.Unlock()
		return NoneOffset, newErr(KindOutOfBuffers)
	}
	if err := dest.Pool().WriteAt(blobOff, w.Bytes()); err != nil {
		dest.Pool().Free(blobOff, blobLen)
		dest.Unlock()
		return NoneOffset, newErr(KindOutOfBuffers)
	}

	entry := &queue.Entry{
		Offset:      blobOff,
		Length:      blobLen,
		Priority:    msg.Priority,
		Source:      srcID,
		Cookie:      msg.Cookie,
		DestNameSeq: destNameSeq,
		Reply:       slot,
	}
	for _, r := range memfdRefs {
		entry.MemFDs = append(entry.MemFDs, queue.FDRef{Offset: uint64(blobOff) + uint64(r.relPos), FD: r.fd})
	}
	for _, r := range fdRefs {
		entry.FDs = append(entry.FDs, queue.FDRef{Offset: uint64(blobOff) + uint64(r.relPos), FD: r.fd})
	}

	if err := dest.Enqueue(entry); err != nil {
		dest.Pool().Free(blobOff, blobLen)
		dest.Unlock()
		return NoneOffset, wrap(KindConnectionReset, err)
	}
	dest.Unlock()
	dest.Wake()

	return blobOff, nil
}

// fanOutToMonitors enqueues an untracked copy of the message to every
// monitor connection (spec.md §4.4 step 9), best-effort.
func (b *Broker) fanOutToMonitors(dest *conn.Connection, msg *OutgoingMessage, credsBytes []byte) {
	monitors := b.snapshotMonitors()
	if len(monitors) == 0 {
		return
	}
	for _, mon := range monitors {
		copyMsg := *msg
		copyMsg.ExpectReply = false
		copyMsg.Sync = false
		copyMsg.CookieReply = 0
		copyMsg.FDs = nil
		copyMsg.MemFDs = nil
		if _, err := b.serializeAndEnqueue(mon, 0, &copyMsg, credsBytes, sourceID(msg.Source), nil); err != nil {
			b.logger.Debug("monitor fan-out failed", "monitor", mon.ID(), "dest", dest.ID(), "err", err)
		}
	}
}
