// Package dgram provides the unreliable datagram substrate bTCP endpoints
// run on: fire-and-forget sends and a timed receive primitive over opaque
// fixed-size buffers.
package dgram

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"time"
)

// ErrTimeout is returned by [Endpoint.Recv] when the per-receive deadline
// expires before a datagram arrives.
var ErrTimeout = os.ErrDeadlineExceeded

// IsTimeout reports whether err is a receive deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Endpoint is the datagram transport contract consumed by the bTCP state
// machines. Delivery is unreliable and unordered; a received buffer is
// always a whole datagram.
type Endpoint interface {
	// Send transmits b to the peer address. Fire-and-forget.
	Send(b []byte, to netip.AddrPort) error
	// Recv blocks for the next datagram, up to the configured deadline
	// when the endpoint is not in blocking mode. Deadline expiry is
	// reported as ErrTimeout.
	Recv(b []byte) (n int, from netip.AddrPort, err error)
	// SetBlocking toggles between indefinite and deadline-bounded receives.
	SetBlocking(block bool)
	// SetTimeout sets the per-receive deadline used when not blocking.
	SetTimeout(d time.Duration)
	// LocalAddr returns the local address the endpoint is bound to.
	LocalAddr() netip.AddrPort
	// Close releases the endpoint.
	Close() error
}
