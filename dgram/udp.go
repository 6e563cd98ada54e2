package dgram

import (
	"net"
	"net/netip"
	"time"
)

// UDP implements [Endpoint] over a *net.UDPConn. The per-receive deadline
// is armed before every receive; blocking mode clears it.
type UDP struct {
	conn     *net.UDPConn
	timeout  time.Duration
	blocking bool
}

var _ Endpoint = (*UDP)(nil)

// NewUDP wraps an existing UDP socket. The endpoint takes ownership of conn.
func NewUDP(conn *net.UDPConn, timeout time.Duration) *UDP {
	return &UDP{conn: conn, timeout: timeout}
}

// Listen opens a UDP socket bound to laddr, e.g. "127.0.0.1:9001" or
// ":9001". An empty laddr binds an ephemeral local port.
func Listen(laddr string, timeout time.Duration) (*UDP, error) {
	var udpaddr *net.UDPAddr
	if laddr != "" {
		addr, err := net.ResolveUDPAddr("udp", laddr)
		if err != nil {
			return nil, err
		}
		udpaddr = addr
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, err
	}
	return NewUDP(conn, timeout), nil
}

// Send transmits b to the peer address. Implements [Endpoint].
func (u *UDP) Send(b []byte, to netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, to)
	return err
}

// Recv receives a single datagram into b. Implements [Endpoint].
func (u *UDP) Recv(b []byte) (int, netip.AddrPort, error) {
	if u.blocking {
		u.conn.SetReadDeadline(time.Time{})
	} else {
		u.conn.SetReadDeadline(time.Now().Add(u.timeout))
	}
	n, from, err := u.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		if IsTimeout(err) {
			err = ErrTimeout
		}
		return 0, netip.AddrPort{}, err
	}
	return n, from, nil
}

// SetBlocking toggles deadline-bounded receives. Implements [Endpoint].
func (u *UDP) SetBlocking(block bool) { u.blocking = block }

// SetTimeout sets the per-receive deadline. Implements [Endpoint].
func (u *UDP) SetTimeout(d time.Duration) { u.timeout = d }

// LocalAddr returns the bound local address. Implements [Endpoint].
func (u *UDP) LocalAddr() netip.AddrPort {
	addr, ok := u.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return addr.AddrPort()
}

// Close releases the socket. Implements [Endpoint].
func (u *UDP) Close() error { return u.conn.Close() }
