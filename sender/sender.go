// Package sender implements the transmitting half of a bTCP transfer: the
// connection handshake, the sliding-window reliable-delivery engine and the
// graceful teardown, driven as a single-threaded event loop.
package sender

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/btcpio/btcp"
	"github.com/btcpio/btcp/dgram"
)

// maxSegments bounds the number of data segments in a single transfer so
// that live sequence numbers never wrap the 16-bit sequence space. The
// handshake and teardown consume a few additional sequence numbers.
const maxSegments = 1<<16 - 16

// MaxInputSize is the largest input accepted by [New]. Larger transfers
// would wrap the sequence space and are rejected instead of silently
// misbehaving.
const MaxInputSize = maxSegments * btcp.SizePayload

var (
	errInputTooLarge = errors.New("sender: input exceeds sequence space")
	errNoEndpoint    = errors.New("sender: nil endpoint")
	errBadPeer       = errors.New("sender: invalid peer address")
)

// State enumerates the states the sender progresses through during a
// transfer. StateFinished is terminal.
type State uint8

const (
	StateClosed State = iota // CLOSED
	StateSynSent             // SYN-SENT
	StateEstablished         // ESTABLISHED
	StateFinSent             // FIN-SENT
	StateFinReceived         // FIN-RECEIVED
	StateFinished            // FINISHED
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateSynSent:
		return "SYN-SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN-SENT"
	case StateFinReceived:
		return "FIN-RECEIVED"
	case StateFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// Config parametrizes a sender [Machine].
type Config struct {
	// Endpoint is the datagram substrate the transfer runs on.
	Endpoint dgram.Endpoint
	// Peer is the receiver's address.
	Peer netip.AddrPort
	// Window is the window size advertised to the peer in segments.
	// Zero defaults to 100.
	Window uint8
	// Timeout is both the per-receive deadline and the per-segment
	// retransmission timeout. Zero defaults to 100ms.
	Timeout time.Duration
	// RetryLimit bounds teardown retries. Zero defaults to 100.
	RetryLimit int
	// Logger receives structured state transition and wire logs. May be nil.
	Logger *slog.Logger
}

// pending is a transmitted-but-unacknowledged data segment.
type pending struct {
	payload  []byte
	lastSent time.Time
}

// Machine is the sender state machine. It owns all per-connection state;
// drive it with [Machine.Step] or [Machine.Run] until [Machine.Done].
type Machine struct {
	state   State
	ep      dgram.Endpoint
	peer    netip.AddrPort
	factory btcp.Factory
	timeout time.Duration

	seq        btcp.Value // next sequence number to assign.
	expSeq     btcp.Value // next sequence number expected from the peer.
	highestAck btcp.Value // largest cumulative ack seen; monotone.
	serverWND  uint8      // peer's advertised window, learned from SYN-ACK.

	input      []byte
	unacked    map[btcp.Value]*pending
	total      int
	ackedBytes int

	retryLimit int
	retries    int

	txbuf [btcp.SizeSegment]byte
	rxbuf [btcp.SizeSegment]byte
	now   func() time.Time
	logger
}

// New returns a Machine ready to transfer input to cfg.Peer. The whole
// input is held in memory for the duration of the transfer.
func New(cfg Config, input []byte) (*Machine, error) {
	switch {
	case cfg.Endpoint == nil:
		return nil, errNoEndpoint
	case !cfg.Peer.IsValid():
		return nil, errBadPeer
	case len(input) > MaxInputSize:
		return nil, errInputTooLarge
	}
	if cfg.Window == 0 {
		cfg.Window = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 100
	}
	sm := &Machine{
		state:      StateClosed,
		ep:         cfg.Endpoint,
		peer:       cfg.Peer,
		factory:    btcp.Factory{Window: cfg.Window},
		timeout:    cfg.Timeout,
		retryLimit: cfg.RetryLimit,
		input:      input,
		total:      len(input),
		unacked:    make(map[btcp.Value]*pending),
		now:        time.Now,
		logger:     logger{log: cfg.Logger},
	}
	sm.ep.SetTimeout(cfg.Timeout)
	return sm, nil
}

// State returns the current state of the machine.
func (sm *Machine) State() State { return sm.state }

// Done reports whether the machine reached its terminal state.
func (sm *Machine) Done() bool { return sm.state == StateFinished }

// Progress returns the number of input bytes acknowledged by the peer so
// far and the total transfer size.
func (sm *Machine) Progress() (acked, total int) {
	return sm.ackedBytes, sm.total
}

// Run advances the machine until it reaches its terminal state. It returns
// an error only on unrecoverable transport or construction faults.
func (sm *Machine) Run() error {
	for !sm.Done() {
		if err := sm.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the machine by a single transition. Transient wire
// conditions (timeout, corruption, foreign streams) are handled in-state
// and never surface as errors.
func (sm *Machine) Step() error {
	switch sm.state {
	case StateClosed:
		return sm.stepClosed()
	case StateSynSent:
		return sm.stepSynSent()
	case StateEstablished:
		return sm.stepEstablished()
	case StateFinSent:
		return sm.stepFinSent()
	case StateFinReceived:
		return sm.stepFinReceived()
	case StateFinished:
		return nil
	}
	panic("unexpected sender state")
}

func (sm *Machine) stepClosed() error {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	sm.factory.StreamID = binary.BigEndian.Uint32(b[:])
	sm.seq = 0
	sm.expSeq = 0
	sm.highestAck = 0
	sm.to(StateSynSent)
	return nil
}

func (sm *Machine) stepSynSent() error {
	syn := sm.factory.Syn(sm.seq, sm.expSeq)
	if err := sm.send(syn); err != nil {
		return err
	}
	seg, err := sm.recv()
	if err != nil {
		if isWireErr(err) {
			sm.debugErr("synsent:recv", err)
			return nil
		}
		return err
	}
	if seg.StreamID != sm.factory.StreamID || !seg.Flags.HasAll(btcp.FlagSYN|btcp.FlagACK) {
		sm.debugSeg("synsent:ignore", seg)
		return nil
	}
	sm.serverWND = seg.WND
	sm.acceptAck(seg.ACK)
	sm.expSeq = seg.SEQ + 1
	sm.seq++
	if err := sm.send(sm.factory.Ack(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	sm.info("connection established", slog.Uint64("stream", uint64(sm.factory.StreamID)), slog.Uint64("wnd", uint64(sm.serverWND)))
	sm.to(StateEstablished)
	return nil
}

// stepEstablished implements the sliding-window sender: fill the window
// with fresh data segments, drain cumulative acknowledgments, then sweep
// timed-out segments for retransmission.
func (sm *Machine) stepEstablished() error {
	for len(sm.input) > 0 && sm.seq.LessThan(btcp.Add(sm.highestAck, btcp.Size(sm.serverWND))) {
		n := min(len(sm.input), btcp.SizePayload)
		payload := sm.input[:n]
		sm.input = sm.input[n:]
		if err := sm.send(sm.factory.Data(sm.seq, sm.expSeq, payload)); err != nil {
			return err
		}
		sm.unacked[sm.seq] = &pending{payload: payload, lastSent: sm.now()}
		sm.traceSeq("est:data", sm.seq)
		sm.seq++
	}

	for sm.highestAck.LessThan(sm.seq) {
		seg, err := sm.recv()
		if err != nil {
			if dgram.IsTimeout(err) {
				break
			}
			if isWireErr(err) {
				sm.debugErr("est:recv", err)
				continue
			}
			return err
		}
		if seg.StreamID != sm.factory.StreamID {
			continue
		}
		for v := sm.highestAck; v.LessThan(seg.ACK); v++ {
			if p, ok := sm.unacked[v]; ok {
				sm.ackedBytes += len(p.payload)
				delete(sm.unacked, v)
			}
		}
		sm.acceptAck(seg.ACK)
		if seg.Flags.HasAny(btcp.FlagFIN) {
			sm.expSeq++
			sm.retries = sm.retryLimit
			sm.to(StateFinReceived)
			return nil
		}
	}

	now := sm.now()
	for v := sm.highestAck; v.LessThan(sm.seq); v++ {
		p, ok := sm.unacked[v]
		if !ok || now.Sub(p.lastSent) <= sm.timeout {
			continue
		}
		if err := sm.send(sm.factory.Data(v, sm.expSeq, p.payload)); err != nil {
			return err
		}
		p.lastSent = now
		sm.traceSeq("est:rexmit", v)
	}

	if len(sm.input) > 0 || sm.highestAck.LessThan(sm.seq) {
		return nil
	}
	sm.retries = sm.retryLimit
	sm.to(StateFinSent)
	return nil
}

func (sm *Machine) stepFinSent() error {
	if sm.retries <= 0 {
		sm.logerr("finsent: retry limit reached")
		sm.to(StateFinished)
		return nil
	}
	sm.retries--
	if err := sm.send(sm.factory.Fin(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	seg, err := sm.recv()
	if err != nil {
		if isWireErr(err) {
			sm.debugErr("finsent:recv", err)
			return nil
		}
		return err
	}
	if seg.StreamID != sm.factory.StreamID ||
		!seg.Flags.HasAll(btcp.FlagFIN|btcp.FlagACK) ||
		seg.SEQ != sm.expSeq {
		sm.debugSeg("finsent:ignore", seg)
		return nil
	}
	sm.acceptAck(seg.ACK)
	sm.seq++
	sm.expSeq++
	if err := sm.send(sm.factory.Ack(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	sm.to(StateFinished)
	return nil
}

func (sm *Machine) stepFinReceived() error {
	if sm.retries <= 0 {
		sm.logerr("finrcvd: retry limit reached")
		sm.to(StateFinished)
		return nil
	}
	sm.retries--
	if err := sm.send(sm.factory.FinAck(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	seg, err := sm.recv()
	if err != nil {
		if isWireErr(err) {
			sm.debugErr("finrcvd:recv", err)
			return nil
		}
		return err
	}
	if seg.StreamID != sm.factory.StreamID ||
		!seg.Flags.HasAny(btcp.FlagACK) ||
		seg.SEQ != sm.expSeq {
		sm.debugSeg("finrcvd:ignore", seg)
		return nil
	}
	sm.to(StateFinished)
	return nil
}

// acceptAck clamps highestAck to be monotonically non-decreasing.
func (sm *Machine) acceptAck(ack btcp.Value) {
	if sm.highestAck.LessThan(ack) {
		sm.highestAck = ack
	}
}

func (sm *Machine) send(seg btcp.Segment) error {
	n, err := seg.Encode(sm.txbuf[:])
	if err != nil {
		return err
	}
	return sm.ep.Send(sm.txbuf[:n], sm.peer)
}

func (sm *Machine) recv() (btcp.Segment, error) {
	n, _, err := sm.ep.Recv(sm.rxbuf[:])
	if err != nil {
		return btcp.Segment{}, err
	}
	return btcp.Decode(sm.rxbuf[:n])
}

// isWireErr reports whether err is a transient wire condition handled by
// remaining in the current state.
func isWireErr(err error) bool {
	return dgram.IsTimeout(err) ||
		errors.Is(err, btcp.ErrChecksumMismatch) ||
		errors.Is(err, btcp.ErrShortBuffer)
}

func (sm *Machine) to(next State) {
	sm.trace("sender:transition", slog.String("from", sm.state.String()), slog.String("to", next.String()))
	sm.state = next
}
