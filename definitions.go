package btcp

import (
	"errors"
	"math/bits"
)

const (
	// sizeHeader is the fixed header length preceding the checksum field.
	sizeHeader = 12
	// sizeCRC is the length of the checksum field.
	sizeCRC = 4
	// SizePayload is the on-the-wire payload section length. Payloads
	// shorter than this are zero padded up to it.
	SizePayload = 1000
	// SizeSegment is the fixed on-the-wire size of every bTCP segment.
	SizeSegment = sizeHeader + sizeCRC + SizePayload
)

var (
	// ErrChecksumMismatch is returned on decoding a segment whose checksum
	// field does not match the CRC-32 of the header and meaningful payload.
	ErrChecksumMismatch = errors.New("btcp: checksum mismatch")
	// ErrPayloadTooLarge is returned on building a segment with a payload
	// longer than SizePayload.
	ErrPayloadTooLarge = errors.New("btcp: payload too large")
	// ErrShortBuffer is returned when a buffer cannot hold a full segment.
	ErrShortBuffer = errors.New("btcp: buffer shorter than segment size")
)

// Flags is the bTCP flags bit-masked implementation: SYN, ACK, FIN.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota // FlagSYN - Synchronize sequence numbers.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagFIN                   // FlagFIN - No more data from sender.
)

const flagMask = 0b111

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with reserved bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns a human readable flag string. i.e:
//
//	"[SYN,ACK]"
func (flags Flags) String() string {
	switch flags.Mask() {
	case 0:
		return "[]"
	case FlagSYN:
		return "[SYN]"
	case FlagACK:
		return "[ACK]"
	case FlagFIN:
		return "[FIN]"
	case FlagSYN | FlagACK:
		return "[SYN,ACK]"
	case FlagFIN | FlagACK:
		return "[FIN,ACK]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount8(uint8(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	flags = flags.Mask()
	const flaglen = 3
	const strflags = "SYNACKFIN"
	var addcommas bool
	for flags != 0 {
		i := bits.TrailingZeros8(uint8(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}
