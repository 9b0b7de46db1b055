package broker

import "errors"

// ErrorKind enumerates the error kinds from spec.md §7.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNoSuchAddress
	KindNoSuchID
	KindAddressNotAvailable
	KindConnectionReset
	KindCommunicationError
	KindQuotaExceeded
	KindOutOfBuffers
	KindTooManyLinks
	KindBadFD
	KindWrongMedium
	KindTextBusy
	KindPermissionDenied
	KindTimedOut
	KindBrokenPipe
	KindAlready
	KindTryAgain
	KindNoMessage
)

// BrokerError wraps a sentinel error with its kind, so callers that
// need to branch on failure category (spec.md §7 propagation policy)
// don't have to errors.Is against every sentinel individually.
type BrokerError struct {
	kind ErrorKind
	err  error
}

func (e *BrokerError) Error() string { return e.err.Error() }
func (e *BrokerError) Unwrap() error { return e.err }
func (e *BrokerError) Kind() ErrorKind { return e.kind }

func wrap(kind ErrorKind, err error) *BrokerError {
	return &BrokerError{kind: kind, err: err}
}

var (
	ErrNoSuchAddress      = errors.New("no-such-address")
	ErrNoSuchID           = errors.New("no-such-id")
	ErrAddressNotAvailable = errors.New("address-not-available")
	ErrConnectionReset    = errors.New("connection-reset")
	ErrCommunicationError = errors.New("communication-error")
	ErrQuotaExceeded      = errors.New("quota-exceeded")
	ErrOutOfBuffers       = errors.New("out-of-buffers")
	ErrTooManyLinks       = errors.New("too-many-links")
	ErrBadFD              = errors.New("bad-fd")
	ErrWrongMedium        = errors.New("wrong-medium")
	ErrTextBusy           = errors.New("text-busy")
	ErrPermissionDenied   = errors.New("permission-denied")
	ErrTimedOut           = errors.New("timed-out")
	ErrBrokenPipe         = errors.New("broken-pipe")
	ErrAlready            = errors.New("already")
	ErrTryAgain           = errors.New("try-again")
	ErrNoMessage          = errors.New("no-message")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNoSuchAddress:
		return ErrNoSuchAddress
	case KindNoSuchID:
		return ErrNoSuchID
	case KindAddressNotAvailable:
		return ErrAddressNotAvailable
	case KindConnectionReset:
		return ErrConnectionReset
	case KindCommunicationError:
		return ErrCommunicationError
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindOutOfBuffers:
		return ErrOutOfBuffers
	case KindTooManyLinks:
		return ErrTooManyLinks
	case KindBadFD:
		return ErrBadFD
	case KindWrongMedium:
		return ErrWrongMedium
	case KindTextBusy:
		return ErrTextBusy
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindTimedOut:
		return ErrTimedOut
	case KindBrokenPipe:
		return ErrBrokenPipe
	case KindAlready:
		return ErrAlready
	case KindTryAgain:
		return ErrTryAgain
	case KindNoMessage:
		return ErrNoMessage
	default:
		return nil
	}
}

func newErr(kind ErrorKind) *BrokerError {
	return wrap(kind, kind.sentinel())
}
