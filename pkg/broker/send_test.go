package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/busd/internal/wire"
	"github.com/samsamfire/busd/pkg/conn"
)

func payloadBytes(t *testing.T, msg *ReceivedMessage) []byte {
	t.Helper()
	items, err := wire.Items(msg.Bytes)
	require.NoError(t, err)
	for _, it := range items {
		if it.Type == wire.ItemPayloadOff {
			return it.Payload[8:]
		}
	}
	t.Fatal("no PAYLOAD_OFF item in message")
	return nil
}

// S1: simple unicast by id, cookie and payload round-trip, queue length
// 0 -> 1 -> 0.
func TestSendSimpleUnicast(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	dst := mustConnect(t, b, HelloOptions{})

	assert.Equal(t, 0, dst.Queue().Len())

	payload := []byte("ABCDEFGH")
	_, err := b.Send(&OutgoingMessage{
		Source:  src,
		DestID:  dst.ID(),
		Cookie:  42,
		Vectors: [][]byte{payload},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dst.Queue().Len())

	msg, err := b.Receive(dst, -1, nil)
	require.NoError(t, err)

	hdr, err := wire.ParseHeader(msg.Bytes)
	require.NoError(t, err)
	assert.EqualValues(t, 42, hdr.Cookie)
	assert.EqualValues(t, src.ID(), hdr.Source)
	assert.Equal(t, payload, payloadBytes(t, msg)[:len(payload)])

	assert.Equal(t, 0, dst.Queue().Len())
}

// S1 variant: a null-address vector round-trips as the NoAddress
// sentinel rather than a zero-length payload.
func TestSendNullVector(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	dst := mustConnect(t, b, HelloOptions{})

	_, err := b.Send(&OutgoingMessage{
		Source:  src,
		DestID:  dst.ID(),
		Cookie:  1,
		Vectors: [][]byte{nil},
	})
	require.NoError(t, err)

	msg, err := b.Receive(dst, -1, nil)
	require.NoError(t, err)
	items, err := wire.Items(msg.Bytes)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.EqualValues(t, wire.NoAddress, leUint64(items[0].Payload[:8]))
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// S3: synchronous request/reply. A sends EXPECT_REPLY|SYNC to B; B
// replies with a matching cookie_reply; A's Send call returns success
// with the reply payload installable via ReceiveByOffset.
func TestSendSyncReply(t *testing.T) {
	b := newTestBroker(t)
	a := mustConnect(t, b, HelloOptions{})
	bee := mustConnect(t, b, HelloOptions{})

	type outcome struct {
		offset uint32
		err    error
	}
	result := make(chan outcome, 1)
	go func() {
		off, err := b.Send(&OutgoingMessage{
			Source:      a,
			DestID:      bee.ID(),
			Cookie:      7,
			ExpectReply: true,
			Sync:        true,
			TimeoutNs:   uint64(2 * time.Second),
		})
		result <- outcome{off, err}
	}()

	require.Eventually(t, func() bool {
		return bee.Queue().Len() == 1
	}, time.Second, time.Millisecond)

	_, err := b.Receive(bee, -1, nil)
	require.NoError(t, err)

	replyPayload := []byte("REPLYVAL")
	_, err = b.Send(&OutgoingMessage{
		Source:      bee,
		DestID:      a.ID(),
		Cookie:      99,
		CookieReply: 7,
		Vectors:     [][]byte{replyPayload},
	})
	require.NoError(t, err)

	res := <-result
	require.NoError(t, res.err)
	require.NotEqual(t, NoneOffset, res.offset)

	msg, err := b.ReceiveByOffset(a, res.offset, nil)
	require.NoError(t, err)
	assert.Equal(t, replyPayload, payloadBytes(t, msg)[:len(replyPayload)])
}

// Async counterpart of S4: B never replies to an EXPECT_REPLY, non-sync
// send; the tracker's periodic scan expires the slot and A is notified
// via a reply-timed-out message carrying the cookie, the same
// kernel-originated shape as the disconnect-triggered reply-dead.
func TestAsyncReplyTimeoutNotifies(t *testing.T) {
	b := newTestBroker(t)
	a := mustConnect(t, b, HelloOptions{})
	bee := mustConnect(t, b, HelloOptions{})

	_, err := b.Send(&OutgoingMessage{
		Source:      a,
		DestID:      bee.ID(),
		Cookie:      3,
		ExpectReply: true,
		Sync:        false,
		TimeoutNs:   uint64(10 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.Replies().Len())

	require.Eventually(t, func() bool {
		return a.Queue().Len() == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, a.Replies().Len())
	msg, err := b.Receive(a, -1, nil)
	require.NoError(t, err)
	deadCookie := payloadBytes(t, msg)
	assert.EqualValues(t, 3, leUint64(deadCookie[:8]))
}

// S4: B never replies; A's synchronous Send times out well within the
// requested deadline, and the slot is removed from A's reply list.
func TestSendSyncTimeout(t *testing.T) {
	b := newTestBroker(t)
	a := mustConnect(t, b, HelloOptions{})
	bee := mustConnect(t, b, HelloOptions{})

	start := time.Now()
	_, err := b.Send(&OutgoingMessage{
		Source:      a,
		DestID:      bee.ID(),
		Cookie:      1,
		ExpectReply: true,
		Sync:        true,
		TimeoutNs:   uint64(50 * time.Millisecond),
	})
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, 0, a.Replies().Len())
}

// Property 4 (reply uniqueness): a second inbound message carrying the
// same cookie_reply after the slot already matched is treated as an
// ordinary send subject to policy, not a second match.
func TestReplyMatchesAtMostOnce(t *testing.T) {
	b := newTestBroker(t)
	a := mustConnect(t, b, HelloOptions{})
	bee := mustConnect(t, b, HelloOptions{})

	type outcome struct {
		offset uint32
		err    error
	}
	result := make(chan outcome, 1)
	go func() {
		off, err := b.Send(&OutgoingMessage{
			Source:      a,
			DestID:      bee.ID(),
			Cookie:      5,
			ExpectReply: true,
			Sync:        true,
			TimeoutNs:   uint64(2 * time.Second),
		})
		result <- outcome{off, err}
	}()
	require.Eventually(t, func() bool { return bee.Queue().Len() == 1 }, time.Second, time.Millisecond)
	_, err := b.Receive(bee, -1, nil)
	require.NoError(t, err)

	_, err = b.Send(&OutgoingMessage{Source: bee, DestID: a.ID(), Cookie: 10, CookieReply: 5})
	require.NoError(t, err)
	res := <-result
	require.NoError(t, res.err)
	_, err = b.ReceiveByOffset(a, res.offset, nil)
	require.NoError(t, err)
	require.Equal(t, 0, a.Queue().Len())

	// a's reply slot is gone; a second message with the same
	// cookie_reply no longer finds a match and is policy-gated instead.
	_, err = b.Send(&OutgoingMessage{Source: bee, DestID: a.ID(), Cookie: 11, CookieReply: 5})
	assert.NoError(t, err) // default policy allows all
	assert.Equal(t, 1, a.Queue().Len())
}

// S7: B lacks ACCEPT_FD; sending 1 fd fails with communication-error and
// nothing is enqueued at B.
func TestSendRefusedWithoutAcceptFD(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	dst := mustConnect(t, b, HelloOptions{}) // no AcceptFD

	_, err := b.Send(&OutgoingMessage{
		Source: src,
		DestID: dst.ID(),
		Cookie: 1,
		FDs:    []int{42},
	})
	assert.ErrorIs(t, err, ErrCommunicationError)
	assert.Equal(t, 0, dst.Queue().Len())
}

// S8: pool-fairness rule. A receiver with 600 bytes free out of a 1000
// byte pool cannot be sent a message whose serialized size exceeds half
// of that free space.
func TestSendPoolFairness(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	dst := mustConnect(t, b, HelloOptions{PoolSize: 1000})

	_, err := dst.Pool().Alloc(400) // simulate other traffic consuming 400/1000
	require.NoError(t, err)
	require.EqualValues(t, 600, dst.Pool().FreeSpace())

	_, err = b.Send(&OutgoingMessage{
		Source:  src,
		DestID:  dst.ID(),
		Cookie:  1,
		Vectors: [][]byte{make([]byte, 300)}, // blob = 64 (header) + 16 (item hdr) + 312 (padded payload) = 392, between 300 (free/2) and 600 (free)
	})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

// Broadcast: sender, activators, and match-rejected connections are
// excluded (property 6); other connections receive a copy each.
func TestBroadcastExcludesSenderActivatorsAndRejected(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	activator := mustConnect(t, b, HelloOptions{Activator: true, Name: "org.example.Act", Privileged: true})
	rejected := mustConnect(t, b, HelloOptions{})
	receiver := mustConnect(t, b, HelloOptions{})

	b.Match = func(c *conn.Connection, msg *OutgoingMessage) bool {
		return c.ID() != rejected.ID()
	}

	_, err := b.Send(&OutgoingMessage{
		Source:  src,
		DestID:  BroadcastDest,
		Cookie:  1,
		Vectors: [][]byte{[]byte("HELLOOOO")},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, src.Queue().Len())
	assert.Equal(t, 0, activator.Queue().Len())
	assert.Equal(t, 0, rejected.Queue().Len())
	assert.Equal(t, 1, receiver.Queue().Len())
}

// Sends by well-known name route to the activator before any owner
// exists, and to the owner afterward (property 10: activator handoff
// migrates queued messages addressed to the name's prior sequence
// number from the activator's queue to the new owner's).
func TestSendByNameRoutesToActivatorThenOwner(t *testing.T) {
	b := newTestBroker(t)
	src := mustConnect(t, b, HelloOptions{})
	activator := mustConnect(t, b, HelloOptions{Activator: true, Name: "org.example.Svc", Privileged: true})
	owner := mustConnect(t, b, HelloOptions{})

	_, err := b.Send(&OutgoingMessage{Source: src, DestName: "org.example.Svc", Cookie: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, activator.Queue().Len())

	_, err = b.AcquireName(owner, "org.example.Svc", 0)
	require.NoError(t, err)

	assert.Equal(t, 0, activator.Queue().Len(), "queued message should have migrated off the activator")
	// the migrated message plus the bus-wide name-change notification
	// that the activator displacement broadcasts
	assert.Equal(t, 2, owner.Queue().Len(), "queued message should have migrated to the new owner")

	_, err = b.Send(&OutgoingMessage{Source: src, DestName: "org.example.Svc", Cookie: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, owner.Queue().Len())
}
