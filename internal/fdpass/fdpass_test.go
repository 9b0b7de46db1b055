package fdpass

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketpair returns two connected *net.UnixConn backed by a real
// AF_UNIX SOCK_STREAM pair, suitable for exercising SCM_RIGHTS.
func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	ln, err := net.Listen("unix", "")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	serverCh := make(chan *net.UnixConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverCh <- c.(*net.UnixConn)
		}
	}()

	client, err := net.Dial("unix", addr)
	require.NoError(t, err)
	server := <-serverCh
	return client.(*net.UnixConn), server
}

func TestSendReceiveFDs(t *testing.T) {
	client, server := socketpair(t)
	defer client.Close()
	defer server.Close()

	f, err := os.CreateTemp(t.TempDir(), "fdpass")
	require.NoError(t, err)
	defer f.Close()

	sender, err := NewSender(client)
	require.NoError(t, err)
	receiver, err := NewReceiver(server)
	require.NoError(t, err)

	fd := int(f.Fd())
	require.NoError(t, sender.Send([]int{fd}))

	got, err := receiver.Receive(1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	defer CloseAll(got)
	assert.NotEqual(t, fd, got[0])
}

func TestSendReceiveRejectsNonUnixConn(t *testing.T) {
	pr, pw := net.Pipe()
	defer pr.Close()
	defer pw.Close()
	_, err := NewSender(pw)
	assert.ErrorIs(t, err, ErrNotUnixConn)
	_, err = NewReceiver(pr)
	assert.ErrorIs(t, err, ErrNotUnixConn)
}

type fakeSealed struct {
	sealed   bool
	size     uint64
	isMemfd  bool
}

func (f fakeSealed) IsSealed() bool      { return f.sealed }
func (f fakeSealed) Size() uint64        { return f.size }
func (f fakeSealed) IsBrokerMemfd() bool { return f.isMemfd }

func TestValidateSealed(t *testing.T) {
	assert.ErrorIs(t, ValidateSealed(fakeSealed{isMemfd: false}, 10), ErrWrongMedium)
	assert.ErrorIs(t, ValidateSealed(fakeSealed{isMemfd: true, sealed: false}, 10), ErrNotSealed)
	assert.ErrorIs(t, ValidateSealed(fakeSealed{isMemfd: true, sealed: true, size: 5}, 10), ErrBadFD)
	assert.NoError(t, ValidateSealed(fakeSealed{isMemfd: true, sealed: true, size: 10}, 10))
}
