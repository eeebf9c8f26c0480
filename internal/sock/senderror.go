package sock

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SendErrorClass buckets a socket-send failure per spec §7's error
// taxonomy, so a caller can decide between logging-and-dropping, tearing
// the owning peer down with a specific reason, or surfacing a generic Error
// event.
type SendErrorClass int

const (
	SendErrorOther SendErrorClass = iota
	SendErrorMessageSize
	SendErrorHostUnreachable
	SendErrorConnectionReset
)

// ClassifySendError inspects err (as returned by Socket.SendTo) for the
// syscall errno a send to a bad destination surfaces. A UDP socket only
// learns of an unreachable peer via a later ICMP-triggered error on a
// subsequent send, not the one that triggered it; the classification still
// applies to whichever send observes it.
func ClassifySendError(err error) SendErrorClass {
	switch {
	case errors.Is(err, unix.EMSGSIZE):
		return SendErrorMessageSize
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.ENETUNREACH):
		return SendErrorHostUnreachable
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET):
		return SendErrorConnectionReset
	default:
		return SendErrorOther
	}
}
