// Package receiver implements the receiving half of a bTCP transfer: it
// accepts a connection, buffers out-of-order segments inside the advertised
// window, delivers bytes in sequence order and persists the assembled
// stream on teardown.
package receiver

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/btcpio/btcp"
	"github.com/btcpio/btcp/dgram"
)

// initialSeq is the receiver's fixed initial sequence number.
const initialSeq btcp.Value = 100

var errNoEndpoint = errors.New("receiver: nil endpoint")

// State enumerates the states the receiver progresses through during a
// transfer. StateClosed is terminal.
type State uint8

const (
	StateListen State = iota // LISTEN
	StateSynRcvd             // SYN-RECEIVED
	StateEstablished         // ESTABLISHED
	StateFinSent             // FIN-SENT
	StateFinReceived         // FIN-RECEIVED
	StateClosed              // CLOSED
)

func (s State) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynRcvd:
		return "SYN-RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinSent:
		return "FIN-SENT"
	case StateFinReceived:
		return "FIN-RECEIVED"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Config parametrizes a receiver [Machine].
type Config struct {
	// Endpoint is the datagram substrate the transfer runs on.
	Endpoint dgram.Endpoint
	// Window is the advertised receive window in segments; it also bounds
	// out-of-order buffering. Zero defaults to 100.
	Window uint8
	// Timeout is the per-receive deadline used once a connection request
	// has been accepted. Zero defaults to 100ms.
	Timeout time.Duration
	// RetryLimit bounds teardown retries. Zero defaults to 10, deliberately
	// smaller than the sender's bound so a receiver cannot hang long after
	// the final acknowledgment is lost.
	RetryLimit int
	// OutputPath is where the assembled stream is written, exactly once,
	// on receipt of the peer's FIN. Empty disables persistence (tests).
	OutputPath string
	// FreeDisk reports the free capacity of the storage backing dir.
	// Nil defaults to a statfs-based implementation.
	FreeDisk func(dir string) (uint64, error)
	// Logger receives structured state transition and wire logs. May be nil.
	Logger *slog.Logger
}

// Machine is the receiver state machine. It owns all per-connection state;
// drive it with [Machine.Step] or [Machine.Run] until [Machine.Done].
type Machine struct {
	state   State
	ep      dgram.Endpoint
	factory btcp.Factory

	client netip.AddrPort // peer address, learned from the SYN.
	seq    btcp.Value     // receiver's own sequence number.
	expSeq btcp.Value     // next in-order sequence number expected.
	window uint8

	output  []byte
	reorder map[btcp.Value][]byte

	outputPath string
	freeDisk   func(dir string) (uint64, error)
	wrote      bool

	retryLimit int
	retries    int

	txbuf [btcp.SizeSegment]byte
	rxbuf [btcp.SizeSegment]byte
	logger
}

// New returns a Machine listening for a single inbound transfer.
func New(cfg Config) (*Machine, error) {
	if cfg.Endpoint == nil {
		return nil, errNoEndpoint
	}
	if cfg.Window == 0 {
		cfg.Window = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 10
	}
	if cfg.FreeDisk == nil {
		cfg.FreeDisk = freeDisk
	}
	sm := &Machine{
		state:      StateListen,
		ep:         cfg.Endpoint,
		factory:    btcp.Factory{Window: cfg.Window},
		window:     cfg.Window,
		reorder:    make(map[btcp.Value][]byte),
		outputPath: cfg.OutputPath,
		freeDisk:   cfg.FreeDisk,
		retryLimit: cfg.RetryLimit,
		logger:     logger{log: cfg.Logger},
	}
	sm.ep.SetTimeout(cfg.Timeout)
	return sm, nil
}

// State returns the current state of the machine.
func (sm *Machine) State() State { return sm.state }

// Done reports whether the machine reached its terminal state.
func (sm *Machine) Done() bool { return sm.state == StateClosed }

// Output returns the in-sequence bytes assembled so far. The returned
// slice is owned by the machine.
func (sm *Machine) Output() []byte { return sm.output }

// Run advances the machine until it reaches its terminal state. It returns
// an error only on unrecoverable transport or file I/O faults.
func (sm *Machine) Run() error {
	for !sm.Done() {
		if err := sm.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the machine by a single transition. Transient wire
// conditions are handled in-state and never surface as errors.
func (sm *Machine) Step() error {
	switch sm.state {
	case StateListen:
		return sm.stepListen()
	case StateSynRcvd:
		return sm.stepSynRcvd()
	case StateEstablished:
		return sm.stepEstablished()
	case StateFinSent:
		return sm.stepFinSent()
	case StateFinReceived:
		return sm.stepFinReceived()
	case StateClosed:
		return nil
	}
	panic("unexpected receiver state")
}

// stepListen blocks for a connection request. Only a well-formed SYN with
// a zero acknowledgment number opens a connection; everything else leaves
// the machine listening.
func (sm *Machine) stepListen() error {
	sm.ep.SetBlocking(true)
	sm.seq = initialSeq
	n, from, err := sm.ep.Recv(sm.rxbuf[:])
	if err != nil {
		return err
	}
	seg, err := btcp.Decode(sm.rxbuf[:n])
	if err != nil {
		sm.debugErr("listen:decode", err)
		return nil
	}
	if !seg.Flags.HasAny(btcp.FlagSYN) || seg.ACK != 0 {
		sm.debugSeg("listen:ignore", seg)
		return nil
	}
	sm.client = from
	sm.factory.StreamID = seg.StreamID
	sm.expSeq = seg.SEQ + 1
	sm.to(StateSynRcvd)
	return nil
}

// stepSynRcvd answers the connection request and waits for evidence that
// the acceptance arrived. Any matching segment at or past the expected
// sequence number completes the handshake; it is treated as a pure
// acknowledgment and its payload, if any, is left for the sender's
// retransmission to deliver once established.
func (sm *Machine) stepSynRcvd() error {
	if err := sm.send(sm.factory.SynAck(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	sm.ep.SetBlocking(false)
	seg, err := sm.recv()
	if err != nil {
		if isWireErr(err) {
			sm.debugErr("synrcvd:recv", err)
			return nil
		}
		return err
	}
	if seg.StreamID != sm.factory.StreamID || seg.SEQ.LessThan(sm.expSeq) {
		sm.debugSeg("synrcvd:ignore", seg)
		return nil
	}
	sm.seq++
	sm.info("connection established", slog.Uint64("stream", uint64(sm.factory.StreamID)), slog.String("client", sm.client.String()))
	sm.to(StateEstablished)
	return nil
}

// stepEstablished performs one timed receive and either buffers/delivers a
// data segment or begins teardown on the peer's FIN.
func (sm *Machine) stepEstablished() error {
	seg, err := sm.recv()
	if err != nil {
		if isWireErr(err) {
			sm.debugErr("est:recv", err)
			return nil
		}
		return err
	}
	if seg.StreamID != sm.factory.StreamID {
		return nil
	}
	if seg.IsData() {
		sm.handleData(seg)
		if !sm.canStore() {
			sm.logerr("storage capacity exhausted, closing")
			sm.retries = sm.retryLimit
			sm.to(StateFinSent)
			return nil
		}
		return sm.send(sm.factory.Ack(sm.seq, sm.expSeq))
	}
	if seg.Flags.HasAny(btcp.FlagFIN) && seg.SEQ == sm.expSeq {
		sm.expSeq++
		if err := sm.writeOutput(); err != nil {
			return err
		}
		sm.retries = sm.retryLimit
		sm.to(StateFinReceived)
	}
	return nil
}

// handleData runs the reorder algorithm: in-order payloads are appended to
// the output followed by any buffered successors; out-of-order payloads
// inside the window are buffered idempotently; everything else is dropped.
func (sm *Machine) handleData(seg btcp.Segment) {
	s := seg.SEQ
	switch {
	case s == sm.expSeq:
		sm.output = append(sm.output, seg.Payload...)
		sm.expSeq++
		for {
			p, ok := sm.reorder[sm.expSeq]
			if !ok {
				break
			}
			sm.output = append(sm.output, p...)
			delete(sm.reorder, sm.expSeq)
			sm.expSeq++
		}
		sm.traceSeq("est:deliver", s)
	case sm.expSeq.LessThan(s) && s.LessThan(btcp.Add(sm.expSeq, btcp.Size(sm.window))):
		if _, ok := sm.reorder[s]; !ok {
			// The receive buffer is reused; buffered payloads must be copies.
			sm.reorder[s] = append([]byte(nil), seg.Payload...)
		}
		sm.traceSeq("est:buffer", s)
	default:
		sm.traceSeq("est:drop", s)
	}
}

// canStore checks that the live storage device can still accommodate the
// buffered output.
func (sm *Machine) canStore() bool {
	dir := "."
	if sm.outputPath != "" {
		dir = filepath.Dir(sm.outputPath)
	}
	free, err := sm.freeDisk(dir)
	if err != nil {
		sm.debugErr("est:statfs", err)
		return true
	}
	return free >= uint64(len(sm.output))
}

// writeOutput persists the assembled stream, exactly once. An empty output
// path disables persistence.
func (sm *Machine) writeOutput() error {
	if sm.wrote || sm.outputPath == "" {
		sm.wrote = true
		return nil
	}
	if err := os.WriteFile(sm.outputPath, sm.output, 0o644); err != nil {
		return err
	}
	sm.wrote = true
	sm.info("output written", slog.String("path", sm.outputPath), slog.Int("bytes", len(sm.output)))
	return nil
}

func (sm *Machine) stepFinSent() error {
	if sm.retries <= 0 {
		sm.logerr("finsent: retry limit reached")
		sm.to(StateClosed)
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
	if seg.StreamID != sm.factory.StreamID || !seg.Flags.HasAll(btcp.FlagFIN|btcp.FlagACK) {
		sm.debugSeg("finsent:ignore", seg)
		return nil
	}
	sm.seq++
	sm.expSeq++
	if err := sm.send(sm.factory.Ack(sm.seq, sm.expSeq)); err != nil {
		return err
	}
	sm.to(StateClosed)
	return nil
}

func (sm *Machine) stepFinReceived() error {
	if sm.retries <= 0 {
		sm.logerr("finrcvd: retry limit reached")
		sm.to(StateClosed)
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
	sm.to(StateClosed)
	return nil
}

func (sm *Machine) send(seg btcp.Segment) error {
	n, err := seg.Encode(sm.txbuf[:])
	if err != nil {
		return err
	}
	return sm.ep.Send(sm.txbuf[:n], sm.client)
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
	sm.trace("receiver:transition", slog.String("from", sm.state.String()), slog.String("to", next.String()))
	sm.state = next
}
