// Package fdpass implements the Resource Holder's cross-process file
// descriptor installation (spec.md §4.2/§9): moving file descriptors
// and sealed-memfd references between processes over a unix-domain
// control socket using SCM_RIGHTS ancillary data.
//
// This is the platform primitive spec.md §9 says cross-process fd
// installation needs; on a machine without it, receive must run in the
// receiver's own execution context instead, which is why every method
// here is driven by the receiver side (Receive), matching the design's
// observation that "receive is always caller-driven".
package fdpass

import (
	"errors"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrNotUnixConn  = errors.New("fdpass: connection is not a unix-domain socket")
	ErrPartialInstall = errors.New("fdpass: partial fd install")
)

// SealedObject is the external collaborator contract for a sealed
// shared-memory object (spec.md §1 "used only through its
// is-sealed/size/type-check interface").
type SealedObject interface {
	IsSealed() bool
	Size() uint64
	IsBrokerMemfd() bool
}

// Sender installs fds into a receiver process by writing them as
// ancillary data on a unix-domain socket connected to that process.
type Sender struct {
	conn *net.UnixConn
}

func NewSender(conn net.Conn) (*Sender, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, ErrNotUnixConn
	}
	return &Sender{conn: uc}, nil
}

// Send transmits fds as SCM_RIGHTS ancillary data alongside a single
// marker byte (unix sockets require at least one byte of real data to
// carry ancillary data).
func (s *Sender) Send(fds []int) error {
	if len(fds) == 0 {
		return nil
	}
	rights := unix.UnixRights(fds...)
	_, _, err := s.conn.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		log.Warnf("fdpass: send failed: %v", err)
	}
	return err
}

// Receiver reads fds installed by a Sender into this process's own fd
// table (the kernel does the actual installation as part of
// recvmsg(2); this merely parses the control message it already
// placed).
type Receiver struct {
	conn *net.UnixConn
}

func NewReceiver(conn net.Conn) (*Receiver, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, ErrNotUnixConn
	}
	return &Receiver{conn: uc}, nil
}

// Receive reads up to maxFDs fds from one message. If the kernel
// delivered fewer fds than expected, returns what it got along with
// ErrPartialInstall so the caller can close() the partial set per
// spec.md §4.2 rollback rule ("all allocated-but-uninstalled fd slots
// are reclaimed").
func (r *Receiver) Receive(maxFDs int) ([]int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	_, oobn, _, _, err := r.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) < maxFDs {
		return fds, ErrPartialInstall
	}
	return fds, nil
}

// CloseAll is the rollback helper used when install fails partway
// through (spec.md §4.2/§5: "failures are rolled back entry-by-entry").
func CloseAll(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// ValidateSealed implements the Resource Holder's enqueue-time checks
// (spec.md §4.2): the fd must be the broker's own memfd type, sealed,
// and its declared size must not exceed the object's real size.
func ValidateSealed(obj SealedObject, declaredSize uint64) error {
	if !obj.IsBrokerMemfd() {
		return ErrWrongMedium
	}
	if !obj.IsSealed() {
		return ErrNotSealed
	}
	if declaredSize > obj.Size() {
		return ErrBadFD
	}
	return nil
}

var (
	ErrWrongMedium = errors.New("fdpass: fd is not a broker memfd")
	ErrNotSealed   = errors.New("fdpass: memfd payload is not sealed")
	ErrBadFD       = errors.New("fdpass: declared size exceeds memfd size")
)
