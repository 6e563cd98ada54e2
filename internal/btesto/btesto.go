// Package btesto provides an in-memory datagram network with configurable
// impairments for exercising the bTCP state machines without a real
// socket. It stands in for the kernel traffic shaping the protocol's
// conformance scenarios are usually run under.
package btesto

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/btcpio/btcp/dgram"
)

// Impairments configures the per-packet misbehavior of a [Network]. Each
// probability is evaluated independently for every transmitted packet.
type Impairments struct {
	// Loss is the probability a packet is silently dropped.
	Loss float64
	// Duplicate is the probability a packet is delivered twice.
	Duplicate float64
	// Corrupt is the probability a single random byte of the packet is
	// flipped in flight.
	Corrupt float64
	// Reorder is the probability a packet is held back by ReorderDelay,
	// letting later traffic overtake it.
	Reorder float64
	// ReorderDelay is the hold-back applied to reordered packets.
	// Zero defaults to 20ms.
	ReorderDelay time.Duration
	// Delay is a fixed latency applied to every delivered packet.
	Delay time.Duration
}

// Network joins two [Link] endpoints and applies impairments to traffic in
// both directions. All randomness is drawn from a single seeded source so
// runs are reproducible.
type Network struct {
	mu  sync.Mutex
	rng *rand.Rand
	imp Impairments
	a   *Link
	b   *Link
}

// NewNetwork returns a network seeded with seed. The two endpoints are
// available via [Network.ClientSide] and [Network.ServerSide].
func NewNetwork(seed int64, imp Impairments) *Network {
	if imp.ReorderDelay == 0 {
		imp.ReorderDelay = 20 * time.Millisecond
	}
	n := &Network{rng: rand.New(rand.NewSource(seed)), imp: imp}
	n.a = newLink(n, netip.MustParseAddrPort("127.0.0.1:9002"))
	n.b = newLink(n, netip.MustParseAddrPort("127.0.0.1:9001"))
	n.a.peer = n.b
	n.b.peer = n.a
	return n
}

// ClientSide returns the endpoint a sender machine should run on.
func (n *Network) ClientSide() *Link { return n.a }

// ServerSide returns the endpoint a receiver machine should run on.
func (n *Network) ServerSide() *Link { return n.b }

type packet struct {
	data []byte
	from netip.AddrPort
}

// Link is one side of a [Network]. It implements [dgram.Endpoint].
type Link struct {
	net      *Network
	peer     *Link
	addr     netip.AddrPort
	ch       chan packet
	timeout  time.Duration
	blocking bool
}

var _ dgram.Endpoint = (*Link)(nil)

func newLink(n *Network, addr netip.AddrPort) *Link {
	return &Link{
		net:     n,
		addr:    addr,
		ch:      make(chan packet, 1024),
		timeout: 100 * time.Millisecond,
	}
}

// Send transmits b toward the peer link, subject to the network's
// impairments. The destination address is ignored: the network is a
// point-to-point pair. Implements [dgram.Endpoint].
func (l *Link) Send(b []byte, _ netip.AddrPort) error {
	n := l.net
	n.mu.Lock()
	drop := roll(n.rng, n.imp.Loss)
	dup := roll(n.rng, n.imp.Duplicate)
	corrupt := roll(n.rng, n.imp.Corrupt)
	reorder := roll(n.rng, n.imp.Reorder)
	var corruptAt int
	if corrupt && len(b) > 0 {
		corruptAt = n.rng.Intn(len(b))
	}
	n.mu.Unlock()
	if drop {
		return nil
	}
	data := append([]byte(nil), b...)
	if corrupt && len(data) > 0 {
		data[corruptAt] ^= 0xFF
	}
	delay := n.imp.Delay
	if reorder {
		delay += n.imp.ReorderDelay
	}
	l.deliver(data, delay)
	if dup {
		l.deliver(append([]byte(nil), data...), delay)
	}
	return nil
}

func (l *Link) deliver(data []byte, delay time.Duration) {
	push := func() {
		select {
		case l.peer.ch <- packet{data: data, from: l.addr}:
		default: // Receiver queue full, drop like a kernel would.
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, push)
	} else {
		push()
	}
}

// Recv receives the next delivered packet. Implements [dgram.Endpoint].
func (l *Link) Recv(b []byte) (int, netip.AddrPort, error) {
	if l.blocking {
		p := <-l.ch
		return copy(b, p.data), p.from, nil
	}
	select {
	case p := <-l.ch:
		return copy(b, p.data), p.from, nil
	case <-time.After(l.timeout):
		return 0, netip.AddrPort{}, dgram.ErrTimeout
	}
}

// SetBlocking toggles deadline-bounded receives. Implements [dgram.Endpoint].
func (l *Link) SetBlocking(block bool) { l.blocking = block }

// SetTimeout sets the per-receive deadline. Implements [dgram.Endpoint].
func (l *Link) SetTimeout(d time.Duration) { l.timeout = d }

// LocalAddr returns the link's synthetic address. Implements [dgram.Endpoint].
func (l *Link) LocalAddr() netip.AddrPort { return l.addr }

// Close is a no-op; links carry no OS resources. Implements [dgram.Endpoint].
func (l *Link) Close() error { return nil }

func roll(rng *rand.Rand, p float64) bool {
	return p > 0 && rng.Float64() < p
}
