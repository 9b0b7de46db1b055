package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/busd/internal/names"
	"github.com/samsamfire/busd/internal/wire"
)

// S5: B disconnects mid-wait; A wakes with "broken-pipe", and A's queue
// later contains an async reply-dead notification carrying the cookie A
// was waiting on (property 5).
func TestDisconnectOrphansSyncWaiter(t *testing.T) {
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
			Cookie:      42,
			ExpectReply: true,
			Sync:        true,
			TimeoutNs:   uint64(2 * time.Second),
		})
		result <- outcome{off, err}
	}()

	require.Eventually(t, func() bool {
		a.Lock()
		defer a.Unlock()
		return a.Replies().Len() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Disconnect(bee))

	res := <-result
	assert.ErrorIs(t, res.err, ErrBrokenPipe)
	assert.Equal(t, NoneOffset, res.offset)
	assert.Equal(t, 0, a.Replies().Len())

	// a's queue now holds two kernel notifications: the reply-dead for
	// its orphaned slot (enqueued first, during teardown of bee's own
	// queued entries) followed by the bus-wide ID_REMOVE.
	require.Equal(t, 2, a.Queue().Len())
	msg, err := b.Receive(a, -1, nil)
	require.NoError(t, err)
	hdr, err := wire.ParseHeader(msg.Bytes)
	require.NoError(t, err)
	assert.EqualValues(t, 0, hdr.Source) // kernel-originated notification
	deadCookie := payloadBytes(t, msg)
	assert.EqualValues(t, 42, leUint64(deadCookie[:8]))
}

// The async counterpart of the same scenario: an asynchronous
// EXPECT_REPLY slot also receives a reply-dead notification on the
// peer's disconnect, even though no local notification was surfaced by
// the timeout scanner (property 5 applies regardless of sync/async).
func TestDisconnectOrphansAsyncSlot(t *testing.T) {
	b := newTestBroker(t)
	a := mustConnect(t, b, HelloOptions{})
	bee := mustConnect(t, b, HelloOptions{})

	_, err := b.Send(&OutgoingMessage{
		Source:      a,
		DestID:      bee.ID(),
		Cookie:      7,
		ExpectReply: true,
		Sync:        false,
		TimeoutNs:   uint64(10 * time.Second),
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.Replies().Len())
	require.Equal(t, 1, bee.Queue().Len())

	require.NoError(t, b.Disconnect(bee))

	assert.Equal(t, 0, a.Replies().Len())
	require.Equal(t, 2, a.Queue().Len()) // reply-dead, then ID_REMOVE
	msg, err := b.Receive(a, -1, nil)
	require.NoError(t, err)
	deadCookie := payloadBytes(t, msg)
	assert.EqualValues(t, 7, leUint64(deadCookie[:8]))
}

// Disconnecting a connection that owns a well-known name promotes the
// first queued claimant (property 9/property covering §4.7 step 7).
func TestDisconnectReleasesOwnedNames(t *testing.T) {
	b := newTestBroker(t)
	owner := mustConnect(t, b, HelloOptions{})
	waiter := mustConnect(t, b, HelloOptions{})

	_, err := b.AcquireName(owner, "org.example.Foo", 0)
	require.NoError(t, err)
	_, err = b.AcquireName(waiter, "org.example.Foo", names.FlagQueue)
	require.NoError(t, err)

	require.NoError(t, b.Disconnect(owner))

	newOwner, _, _, ok := b.LookupName("org.example.Foo")
	require.True(t, ok)
	assert.Equal(t, waiter.ID(), newOwner.ID())
}

// Disconnect is idempotent: a second call fails rather than repeating
// the teardown protocol.
func TestDisconnectIdempotentAtBrokerLevel(t *testing.T) {
	b := newTestBroker(t)
	c := mustConnect(t, b, HelloOptions{})

	require.NoError(t, b.Disconnect(c))
	err := b.Disconnect(c)
	assert.Error(t, err)
}
