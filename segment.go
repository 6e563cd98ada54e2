package btcp

// Segment represents an incoming/outgoing bTCP segment in the sequence space.
type Segment struct {
	StreamID uint32
	SEQ      Value // sequence number of the segment.
	ACK      Value // cumulative acknowledgment number.
	Flags    Flags // bTCP flags.
	WND      uint8 // advertised receive window in segments.
	Payload  []byte
}

// DataLen returns the number of meaningful payload octets.
func (seg *Segment) DataLen() Size { return Size(len(seg.Payload)) }

// IsData reports whether the segment carries no control flags.
func (seg *Segment) IsData() bool { return seg.Flags.Mask() == 0 }

// Encode serializes the segment into dst in network byte order, zero pads
// the payload section and stamps the checksum. dst must hold at least
// SizeSegment octets. Returns the number of bytes written, always
// SizeSegment on success.
func (seg *Segment) Encode(dst []byte) (int, error) {
	if len(seg.Payload) > SizePayload {
		return 0, ErrPayloadTooLarge
	}
	bfrm, err := NewFrame(dst)
	if err != nil {
		return 0, err
	}
	bfrm.SetStreamID(seg.StreamID)
	bfrm.SetSeq(seg.SEQ)
	bfrm.SetAck(seg.ACK)
	bfrm.SetFlags(seg.Flags)
	bfrm.SetWindowSize(seg.WND)
	bfrm.SetDataLength(uint16(len(seg.Payload)))
	n := copy(bfrm.Payload(), seg.Payload)
	clear(bfrm.Payload()[n:])
	bfrm.UpdateCRC()
	return SizeSegment, nil
}

// Decode parses and validates a received segment. The returned payload
// aliases src; callers that retain it past the next receive must copy.
func Decode(src []byte) (Segment, error) {
	bfrm, err := NewFrame(src)
	if err != nil {
		return Segment{}, err
	}
	if err := bfrm.Validate(); err != nil {
		return Segment{}, err
	}
	return bfrm.Segment(), nil
}

// Factory builds outgoing segments stamped with a connection's stream
// identifier and advertised window.
type Factory struct {
	StreamID uint32
	Window   uint8
}

func (fct *Factory) segment(seq, ack Value, flags Flags, payload []byte) Segment {
	return Segment{
		StreamID: fct.StreamID,
		SEQ:      seq,
		ACK:      ack,
		Flags:    flags,
		WND:      fct.Window,
		Payload:  payload,
	}
}

// Data returns a data segment carrying payload.
func (fct *Factory) Data(seq, ack Value, payload []byte) Segment {
	return fct.segment(seq, ack, 0, payload)
}

// Syn returns a connection request segment.
func (fct *Factory) Syn(seq, ack Value) Segment {
	return fct.segment(seq, ack, FlagSYN, nil)
}

// SynAck returns a connection acceptance segment.
func (fct *Factory) SynAck(seq, ack Value) Segment {
	return fct.segment(seq, ack, FlagSYN|FlagACK, nil)
}

// Ack returns a bare acknowledgment segment.
func (fct *Factory) Ack(seq, ack Value) Segment {
	return fct.segment(seq, ack, FlagACK, nil)
}

// Fin returns a teardown request segment.
func (fct *Factory) Fin(seq, ack Value) Segment {
	return fct.segment(seq, ack, FlagFIN, nil)
}

// FinAck returns a teardown acknowledgment segment.
func (fct *Factory) FinAck(seq, ack Value) Segment {
	return fct.segment(seq, ack, FlagFIN|FlagACK, nil)
}
