package sender

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/btcpio/btcp"
	"github.com/btcpio/btcp/dgram"
)

var testPeer = netip.MustParseAddrPort("127.0.0.1:9001")

// reply produces the raw datagram handed to the machine's next receive.
// Returning ok=false simulates a receive timeout.
type reply func(sent []btcp.Segment) (data []byte, ok bool)

// scriptEndpoint records every outgoing segment and plays back scripted
// replies, one per receive.
type scriptEndpoint struct {
	t       *testing.T
	sent    []btcp.Segment
	replies []reply
}

var _ dgram.Endpoint = (*scriptEndpoint)(nil)

func (ep *scriptEndpoint) Send(b []byte, to netip.AddrPort) error {
	seg, err := btcp.Decode(b)
	if err != nil {
		ep.t.Fatalf("machine sent undecodable segment: %v", err)
	}
	seg.Payload = append([]byte(nil), seg.Payload...)
	ep.sent = append(ep.sent, seg)
	return nil
}

func (ep *scriptEndpoint) Recv(b []byte) (int, netip.AddrPort, error) {
	if len(ep.replies) == 0 {
		return 0, netip.AddrPort{}, dgram.ErrTimeout
	}
	r := ep.replies[0]
	ep.replies = ep.replies[1:]
	data, ok := r(ep.sent)
	if !ok {
		return 0, netip.AddrPort{}, dgram.ErrTimeout
	}
	return copy(b, data), testPeer, nil
}

func (ep *scriptEndpoint) SetBlocking(bool)           {}
func (ep *scriptEndpoint) SetTimeout(time.Duration)   {}
func (ep *scriptEndpoint) LocalAddr() netip.AddrPort  { return netip.AddrPort{} }
func (ep *scriptEndpoint) Close() error               { return nil }
func (ep *scriptEndpoint) queue(r reply)              { ep.replies = append(ep.replies, r) }
func (ep *scriptEndpoint) last() btcp.Segment         { return ep.sent[len(ep.sent)-1] }

func enc(t *testing.T, seg btcp.Segment) []byte {
	t.Helper()
	buf := make([]byte, btcp.SizeSegment)
	if _, err := seg.Encode(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

// segReply scripts a well-formed segment as the next received datagram.
func segReply(t *testing.T, f func(sent []btcp.Segment) btcp.Segment) reply {
	return func(sent []btcp.Segment) ([]byte, bool) {
		return enc(t, f(sent)), true
	}
}

func newTestMachine(t *testing.T, input []byte) (*Machine, *scriptEndpoint) {
	t.Helper()
	ep := &scriptEndpoint{t: t}
	sm, err := New(Config{
		Endpoint: ep,
		Peer:     testPeer,
		Window:   50,
		Timeout:  10 * time.Millisecond,
	}, input)
	if err != nil {
		t.Fatal(err)
	}
	return sm, ep
}

func step(t *testing.T, sm *Machine) {
	t.Helper()
	if err := sm.Step(); err != nil {
		t.Fatalf("step in %s: %v", sm.State(), err)
	}
}

func TestHandshake(t *testing.T) {
	sm, ep := newTestMachine(t, nil)

	step(t, sm) // Closed: pick stream id.
	if sm.State() != StateSynSent {
		t.Fatalf("state after closed: %s", sm.State())
	}

	// No reply: SYN goes out, machine stays put.
	step(t, sm)
	if sm.State() != StateSynSent {
		t.Fatalf("state after timeout: %s", sm.State())
	}
	syn := ep.sent[0]
	if !syn.Flags.HasAll(btcp.FlagSYN) || syn.SEQ != 0 || syn.ACK != 0 || syn.DataLen() != 0 {
		t.Fatalf("bad SYN: %+v", syn)
	}

	// A segment from another stream must not complete the handshake.
	ep.queue(segReply(t, func(sent []btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: sent[0].StreamID + 1, SEQ: 100, ACK: 1, Flags: btcp.FlagSYN | btcp.FlagACK, WND: 10}
	}))
	step(t, sm)
	if sm.State() != StateSynSent {
		t.Fatalf("foreign stream accepted: %s", sm.State())
	}

	// A SYN-ACK without the SYN flag must be ignored too.
	ep.queue(segReply(t, func(sent []btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: sent[0].StreamID, SEQ: 100, ACK: 1, Flags: btcp.FlagACK, WND: 10}
	}))
	step(t, sm)
	if sm.State() != StateSynSent {
		t.Fatalf("bare ACK completed handshake: %s", sm.State())
	}

	// Proper SYN-ACK establishes the connection.
	ep.queue(segReply(t, func(sent []btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: sent[0].StreamID, SEQ: 100, ACK: 1, Flags: btcp.FlagSYN | btcp.FlagACK, WND: 10}
	}))
	step(t, sm)
	if sm.State() != StateEstablished {
		t.Fatalf("state after SYN-ACK: %s", sm.State())
	}
	if sm.serverWND != 10 || sm.expSeq != 101 || sm.seq != 1 || sm.highestAck != 1 {
		t.Fatalf("handshake counters: wnd=%d exp=%d seq=%d ack=%d", sm.serverWND, sm.expSeq, sm.seq, sm.highestAck)
	}
	ack := ep.last()
	if !ack.Flags.HasAll(btcp.FlagACK) || ack.SEQ != 1 || ack.ACK != 101 {
		t.Fatalf("bad handshake ACK: %+v", ack)
	}
}

// establish puts the machine directly into the established state with
// known counters, skipping the handshake.
func establish(sm *Machine, wnd uint8) {
	sm.state = StateEstablished
	sm.factory.StreamID = 0x42
	sm.seq = 1
	sm.expSeq = 101
	sm.highestAck = 1
	sm.serverWND = wnd
}

func TestEstablishedWindowFill(t *testing.T) {
	input := make([]byte, 2500)
	for i := range input {
		input[i] = byte(i)
	}
	sm, ep := newTestMachine(t, input)
	establish(sm, 2)

	step(t, sm)
	if got := len(ep.sent); got != 2 {
		t.Fatalf("segments in flight: got %d want 2 (window-bound)", got)
	}
	for i, seg := range ep.sent {
		if !seg.IsData() || seg.SEQ != btcp.Value(1+i) || seg.ACK != 101 {
			t.Fatalf("data segment %d: %+v", i, seg)
		}
	}
	if int(ep.sent[0].DataLen()) != btcp.SizePayload {
		t.Fatalf("first segment not full-sized: %d", ep.sent[0].DataLen())
	}
	if sm.State() != StateEstablished {
		t.Fatalf("state: %s", sm.State())
	}

	// Cumulative ack for the first segment slides the window; the next
	// invocation's fill phase admits the third and final segment.
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 2, Flags: btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if _, ok := sm.unacked[1]; ok {
		t.Fatal("acked segment not pruned")
	}
	if sm.highestAck != 2 {
		t.Fatalf("highestAck: got %d want 2", sm.highestAck)
	}
	step(t, sm)
	if got := len(ep.sent); got != 3 {
		t.Fatalf("segments after window slide: got %d want 3", got)
	}
	if last := ep.last(); last.SEQ != 3 || int(last.DataLen()) != 500 {
		t.Fatalf("tail segment: %+v len=%d", last, last.DataLen())
	}

	// Ack of everything drains the connection into teardown.
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 4, Flags: btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinSent {
		t.Fatalf("state after full ack: %s", sm.State())
	}
	if len(sm.unacked) != 0 {
		t.Fatalf("unacked not empty: %d", len(sm.unacked))
	}
	if acked, total := sm.Progress(); acked != total || acked != 2500 {
		t.Fatalf("progress: %d/%d", acked, total)
	}
}

func TestHighestAckMonotone(t *testing.T) {
	sm, ep := newTestMachine(t, make([]byte, 3000))
	establish(sm, 100)
	step(t, sm) // Fill: seqs 1,2,3 in flight.

	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 3, Flags: btcp.FlagACK, WND: 100}
	}))
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		// A stale ack must not move highestAck backwards.
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 2, Flags: btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.highestAck != 3 {
		t.Fatalf("highestAck: got %d want 3", sm.highestAck)
	}
}

func TestRetransmitOnTimeout(t *testing.T) {
	sm, ep := newTestMachine(t, make([]byte, 100))
	establish(sm, 100)
	step(t, sm)
	if len(ep.sent) != 1 {
		t.Fatalf("segments sent: %d", len(ep.sent))
	}

	// Nothing is overdue yet: no retransmission.
	step(t, sm)
	if len(ep.sent) != 1 {
		t.Fatalf("premature retransmission: %d segments", len(ep.sent))
	}

	// Age the in-flight segment past the timeout; the ack counter has
	// moved meanwhile and the retransmission must carry the fresh value.
	sm.unacked[1].lastSent = sm.now().Add(-time.Second)
	sm.expSeq = 105
	step(t, sm)
	if len(ep.sent) != 2 {
		t.Fatalf("retransmission missing: %d segments", len(ep.sent))
	}
	re := ep.last()
	if re.SEQ != 1 || re.ACK != 105 || !bytes.Equal(re.Payload, ep.sent[0].Payload) {
		t.Fatalf("bad retransmission: %+v", re)
	}
}

func TestFinDuringDrain(t *testing.T) {
	sm, ep := newTestMachine(t, make([]byte, 100))
	establish(sm, 100)
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 2, Flags: btcp.FlagFIN, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinReceived {
		t.Fatalf("state after peer FIN: %s", sm.State())
	}
	if sm.expSeq != 102 {
		t.Fatalf("expSeq after peer FIN: %d", sm.expSeq)
	}
}

func TestFinSentCompletes(t *testing.T) {
	sm, ep := newTestMachine(t, nil)
	establish(sm, 100)
	step(t, sm) // Empty input, nothing unacked: straight to FinSent.
	if sm.State() != StateFinSent {
		t.Fatalf("state: %s", sm.State())
	}

	// Timeout: FIN is resent on the next invocation.
	step(t, sm)
	fin := ep.last()
	if !fin.Flags.HasAll(btcp.FlagFIN) || fin.SEQ != 1 || fin.ACK != 101 {
		t.Fatalf("bad FIN: %+v", fin)
	}

	// FIN-ACK with the wrong sequence number must be ignored.
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 55, ACK: 2, Flags: btcp.FlagFIN | btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinSent {
		t.Fatalf("wrong-seq FIN-ACK accepted: %s", sm.State())
	}

	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 2, Flags: btcp.FlagFIN | btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinished {
		t.Fatalf("state after FIN-ACK: %s", sm.State())
	}
	final := ep.last()
	if !final.Flags.HasAll(btcp.FlagACK) || final.SEQ != 2 || final.ACK != 102 {
		t.Fatalf("bad final ACK: %+v", final)
	}
}

func TestFinSentRetryExhaustion(t *testing.T) {
	sm, ep := newTestMachine(t, nil)
	establish(sm, 100)
	sm.state = StateFinSent
	sm.retries = 3
	for i := 0; i < 3; i++ {
		step(t, sm)
		if sm.State() != StateFinSent {
			t.Fatalf("left FinSent early at retry %d: %s", i, sm.State())
		}
	}
	step(t, sm)
	if sm.State() != StateFinished {
		t.Fatalf("state after retry exhaustion: %s", sm.State())
	}
	var fins int
	for _, seg := range ep.sent {
		if seg.Flags.HasAll(btcp.FlagFIN) {
			fins++
		}
	}
	if fins != 3 {
		t.Fatalf("FIN count: got %d want 3", fins)
	}
}

func TestFinReceivedCompletes(t *testing.T) {
	sm, ep := newTestMachine(t, nil)
	establish(sm, 100)
	sm.state = StateFinReceived
	sm.expSeq = 102
	sm.retries = sm.retryLimit

	// Data segments are not a valid final acknowledgment.
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 102, WND: 100, Payload: []byte("x")}
	}))
	step(t, sm)
	if sm.State() != StateFinReceived {
		t.Fatalf("data accepted as final ACK: %s", sm.State())
	}
	finack := ep.last()
	if !finack.Flags.HasAll(btcp.FlagFIN | btcp.FlagACK) {
		t.Fatalf("expected FIN-ACK out, got %+v", finack)
	}

	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 102, ACK: 2, Flags: btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinished {
		t.Fatalf("state after final ACK: %s", sm.State())
	}
}

func TestNewRejectsOversizedInput(t *testing.T) {
	ep := &scriptEndpoint{t: t}
	_, err := New(Config{Endpoint: ep, Peer: testPeer}, make([]byte, MaxInputSize+1))
	if err == nil {
		t.Fatal("oversized input accepted")
	}
}

func TestCorruptAndForeignSegmentsIgnoredInDrain(t *testing.T) {
	sm, ep := newTestMachine(t, make([]byte, 100))
	establish(sm, 100)
	ep.queue(func([]btcp.Segment) ([]byte, bool) {
		return make([]byte, btcp.SizeSegment), true // Zeroed garbage: checksum cannot match.
	})
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x41, SEQ: 101, ACK: 2, Flags: btcp.FlagACK, WND: 100}
	}))
	ep.queue(segReply(t, func([]btcp.Segment) btcp.Segment {
		return btcp.Segment{StreamID: 0x42, SEQ: 101, ACK: 2, Flags: btcp.FlagACK, WND: 100}
	}))
	step(t, sm)
	if sm.State() != StateFinSent {
		t.Fatalf("state: %s", sm.State())
	}
	if sm.highestAck != 2 {
		t.Fatalf("highestAck: got %d want 2", sm.highestAck)
	}
}
