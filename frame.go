package btcp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer is smaller than SizeSegment.
// Users should call [Frame.Validate] before working with the
// meaningful payload of received frames to avoid panics.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < SizeSegment {
		return Frame{buf: nil}, ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a bTCP segment and provides methods
// for manipulating, validating and retrieving fields and payload data.
//
// The wire layout is fixed at SizeSegment (1016) octets: a 12 byte header,
// a 4 byte CRC-32 over the header and meaningful payload, and a payload
// section zero padded to SizePayload (1000) octets.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (bfrm Frame) RawData() []byte { return bfrm.buf }

// StreamID is the random per-connection identifier chosen by the
// connection initiator and stamped on every subsequent segment.
func (bfrm Frame) StreamID() uint32 {
	return binary.BigEndian.Uint32(bfrm.buf[0:4])
}

// SetStreamID sets the stream identifier. See [Frame.StreamID].
func (bfrm Frame) SetStreamID(id uint32) {
	binary.BigEndian.PutUint32(bfrm.buf[0:4], id)
}

// Seq returns the sender's sequence number for this segment.
func (bfrm Frame) Seq() Value {
	return Value(binary.BigEndian.Uint16(bfrm.buf[4:6]))
}

// SetSeq sets the Seq field. See [Frame.Seq].
func (bfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint16(bfrm.buf[4:6], uint16(v))
}

// Ack is the cumulative acknowledgment number: all sequence numbers
// strictly below it have been received by the sender of the segment.
func (bfrm Frame) Ack() Value {
	return Value(binary.BigEndian.Uint16(bfrm.buf[6:8]))
}

// SetAck sets the Ack field. See [Frame.Ack].
func (bfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint16(bfrm.buf[6:8], uint16(v))
}

// Flags returns the segment's flag bits. A segment with no flag bits set
// is a data segment.
func (bfrm Frame) Flags() Flags { return Flags(bfrm.buf[8]).Mask() }

// SetFlags sets the flag field. Reserved bits are cleared. See [Frame.Flags].
func (bfrm Frame) SetFlags(flags Flags) { bfrm.buf[8] = uint8(flags.Mask()) }

// WindowSize is the advertised receive window capacity in segments.
func (bfrm Frame) WindowSize() uint8 { return bfrm.buf[9] }

// SetWindowSize sets the advertised window. See [Frame.WindowSize].
func (bfrm Frame) SetWindowSize(wnd uint8) { bfrm.buf[9] = wnd }

// DataLength is the number of meaningful payload octets, at most SizePayload.
func (bfrm Frame) DataLength() uint16 {
	return binary.BigEndian.Uint16(bfrm.buf[10:12])
}

// SetDataLength sets the meaningful payload length. See [Frame.DataLength].
func (bfrm Frame) SetDataLength(n uint16) {
	binary.BigEndian.PutUint16(bfrm.buf[10:12], n)
}

// CRC returns the checksum field of the segment.
func (bfrm Frame) CRC() uint32 {
	return binary.BigEndian.Uint32(bfrm.buf[sizeHeader : sizeHeader+sizeCRC])
}

// SetCRC sets the checksum field of the segment. See [Frame.CRC].
func (bfrm Frame) SetCRC(checksum uint32) {
	binary.BigEndian.PutUint32(bfrm.buf[sizeHeader:sizeHeader+sizeCRC], checksum)
}

// HeaderBytes returns the 12 header octets covered by the checksum.
func (bfrm Frame) HeaderBytes() []byte { return bfrm.buf[:sizeHeader] }

// Payload returns the full fixed-size payload section including padding.
func (bfrm Frame) Payload() []byte {
	return bfrm.buf[sizeHeader+sizeCRC : SizeSegment]
}

// Data returns the meaningful prefix of the payload section.
// Be sure to call [Frame.Validate] beforehand on received frames to avoid panics.
func (bfrm Frame) Data() []byte {
	return bfrm.Payload()[:bfrm.DataLength()]
}

// CalculateCRC computes the CRC-32 (ISO 3309 polynomial) over the header
// octets followed by the meaningful payload octets.
func (bfrm Frame) CalculateCRC() uint32 {
	crc := crc32.ChecksumIEEE(bfrm.HeaderBytes())
	return crc32.Update(crc, crc32.IEEETable, bfrm.Data())
}

// UpdateCRC recomputes the checksum field from the current header and
// payload contents.
func (bfrm Frame) UpdateCRC() { bfrm.SetCRC(bfrm.CalculateCRC()) }

// Validate checks the integrity of a received frame. It returns
// ErrChecksumMismatch when the checksum field does not match the computed
// CRC or when the data length field exceeds SizePayload; a corrupted
// length field is indistinguishable from corruption of the covered bytes.
func (bfrm Frame) Validate() error {
	if int(bfrm.DataLength()) > SizePayload {
		return ErrChecksumMismatch
	}
	if bfrm.CalculateCRC() != bfrm.CRC() {
		return ErrChecksumMismatch
	}
	return nil
}

// Segment returns the [Segment] representation of the frame. The returned
// payload aliases the frame's buffer.
func (bfrm Frame) Segment() Segment {
	return Segment{
		StreamID: bfrm.StreamID(),
		SEQ:      bfrm.Seq(),
		ACK:      bfrm.Ack(),
		Flags:    bfrm.Flags(),
		WND:      bfrm.WindowSize(),
		Payload:  bfrm.Data(),
	}
}

// ClearHeader zeros out the header and checksum octets.
func (bfrm Frame) ClearHeader() {
	for i := range bfrm.buf[:sizeHeader+sizeCRC] {
		bfrm.buf[i] = 0
	}
}

func (bfrm Frame) String() string {
	return fmt.Sprintf("bTCP id=%#x %s SEQ=%d ACK=%d WND=%d DATA=%d",
		bfrm.StreamID(), bfrm.Flags().String(), bfrm.Seq(), bfrm.Ack(), bfrm.WindowSize(), bfrm.DataLength())
}
