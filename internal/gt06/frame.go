// Package gt06 implements the GT06/GT06N binary tracker protocol: stream
// framing, frame validation, and the bidirectional mapping between frames
// and typed messages.
//
// The package is pure: no sockets, no logging, no clocks beyond what the
// caller passes in. The connection handler owns all I/O.
package gt06

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Wire Constants
// -------------------------------------------------------------------------

// Start markers. 0x7878 frames carry a 1-byte length field, 0x7979 frames
// a 2-byte length field (used by extended packets such as 0x94).
const (
	StartShortA = 0x78
	StartLongA  = 0x79
)

// Standard stop marker bytes (0x0D 0x0A).
const (
	StopA = 0x0D
	StopB = 0x0A
)

const (
	// headerShort is start(2) + length(1) for a 0x7878 frame.
	headerShort = 3

	// headerLong is start(2) + length(2) for a 0x7979 frame.
	headerLong = 4

	// trailerSize is serial(2) + crc(2) counted inside the length field.
	trailerSize = 4

	// stopSize is the stop marker size following the counted region.
	stopSize = 2

	// MinLength is the smallest valid length field value: the protocol
	// byte alone, with serial and CRC, gives length 5; a length below 1
	// cannot even hold the protocol number.
	MinLength = 1

	// MaxLength is the largest length field value accepted before the
	// frame is treated as garbage and the start marker skipped.
	MaxLength = 1000

	// AckFrameSize is the fixed size of a generic acknowledgement frame:
	// start(2) + length(1) + protocol(1) + serial(2) + crc(2) + stop(2).
	AckFrameSize = 10

	// ackLength is the length field of a generic acknowledgement:
	// protocol(1) + serial(2) + crc(2).
	ackLength = 0x05
)

// StopVariant identifies which trailer byte pair terminated a frame.
// Devices in the field emit several non-standard trailers; the decoder
// accepts all of them but reports the variant so the handler can log it.
type StopVariant uint8

const (
	// StopStandard is the documented 0x0D0A trailer.
	StopStandard StopVariant = iota

	// StopReversed is the 0x0A0D trailer seen on some clone firmware.
	StopReversed

	// StopZero is the 0x0000 trailer.
	StopZero

	// StopOnes is the 0xFFFF trailer.
	StopOnes

	// StopInvalid is any other byte pair. The frame is still accepted;
	// the CRC decides whether its content is trustworthy.
	StopInvalid
)

// stopVariantNames maps stop variants to human-readable strings.
var stopVariantNames = [5]string{"0D0A", "0A0D", "0000", "FFFF", "invalid"}

// String returns the hex spelling of the trailer variant.
func (v StopVariant) String() string {
	if int(v) < len(stopVariantNames) {
		return stopVariantNames[v]
	}
	return "invalid"
}

// classifyStop maps a trailer byte pair to its StopVariant.
func classifyStop(a, b byte) StopVariant {
	switch {
	case a == StopA && b == StopB:
		return StopStandard
	case a == StopB && b == StopA:
		return StopReversed
	case a == 0x00 && b == 0x00:
		return StopZero
	case a == 0xFF && b == 0xFF:
		return StopOnes
	default:
		return StopInvalid
	}
}

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is one structurally complete GT06 wire unit as extracted by the
// Decoder. Payload and Raw alias the decoder's internal buffer only until
// the next Feed call; the Decoder copies them out, so holding a Frame
// beyond the connection's read loop is safe.
type Frame struct {
	// Extended reports a 0x7979 start marker (2-byte length field).
	Extended bool

	// Protocol is the protocol number byte.
	Protocol byte

	// Payload is the variant-specific body between the protocol number
	// and the serial number. May be empty (heartbeat variants).
	Payload []byte

	// Serial is the device's information serial number, echoed in the
	// acknowledgement.
	Serial uint16

	// CRC is the checksum carried on the wire.
	CRC uint16

	// Stop records which trailer variant terminated the frame.
	Stop StopVariant

	// Raw is the complete frame from start marker through trailer.
	Raw []byte
}

// CRCValid recomputes CRC-16/X-25 over the counted region and compares it
// to the wire checksum.
func (f *Frame) CRCValid() bool {
	hdr := headerShort
	if f.Extended {
		hdr = headerLong
	}
	if len(f.Raw) < hdr+trailerSize {
		return false
	}
	// Counted region: length field through serial number inclusive.
	return Checksum(f.Raw[2:len(f.Raw)-stopSize-2]) == f.CRC
}

// -------------------------------------------------------------------------
// CRC-16/X-25
// -------------------------------------------------------------------------

// crcTable is the reflected CRC-16/X-25 lookup table (polynomial 0x8408).
var crcTable = makeCRCTable()

func makeCRCTable() [256]uint16 {
	var table [256]uint16
	for i := range 256 {
		crc := uint16(i)
		for range 8 {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}

// Checksum computes CRC-16/X-25 (init 0xFFFF, reflected polynomial 0x8408,
// final complement) over data. GT06 computes this from the length field
// through the serial number inclusive.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return ^crc
}

// -------------------------------------------------------------------------
// Encoding — server to device
// -------------------------------------------------------------------------

// Errors returned by the frame encoders.
var (
	// ErrCommandTooLong indicates a command body that does not fit in a
	// single 0x7878 frame.
	ErrCommandTooLong = errors.New("command content exceeds frame capacity")
)

// maxCommandContent bounds the server flag + command text so the length
// field of a short frame cannot overflow its single byte.
const maxCommandContent = 0xFF - 7

// AppendAck appends a generic acknowledgement frame to dst and returns the
// extended slice. The ACK echoes the inbound protocol number and serial:
//
//	7878 05 <proto> <serial:2> <crc:2> 0D0A
//
// Every device-initiated message is answered with this frame; it clears
// the device's retransmit timer.
func AppendAck(dst []byte, protocol byte, serial uint16) []byte {
	start := len(dst)
	dst = append(dst,
		StartShortA, StartShortA,
		ackLength,
		protocol,
		byte(serial>>8), byte(serial),
		0, 0, // crc placeholder
		StopA, StopB,
	)
	crc := Checksum(dst[start+2 : start+6])
	binary.BigEndian.PutUint16(dst[start+6:start+8], crc)
	return dst
}

// Ack returns a freshly allocated generic acknowledgement frame.
func Ack(protocol byte, serial uint16) []byte {
	return AppendAck(make([]byte, 0, AckFrameSize), protocol, serial)
}

// MarshalCommand builds an online-command frame (protocol 0x80). The
// content region is:
//
//	length-of-content(1) + server-flag(4) + command-text + language(2)
//
// serverFlag is an opaque correlation value the device echoes in its
// 0x80/0x8A response. The language flag is fixed to English (0x0002).
func MarshalCommand(serial uint16, serverFlag uint32, command string) ([]byte, error) {
	content := 4 + len(command) // server flag + text
	if content > maxCommandContent {
		return nil, fmt.Errorf("marshal command %d bytes: %w", len(command), ErrCommandTooLong)
	}

	// length field counts protocol(1) + content-len(1) + content +
	// language(2) + serial(2) + crc(2).
	length := 1 + 1 + content + 2 + trailerSize
	total := headerShort + length + stopSize

	buf := make([]byte, 0, total)
	buf = append(buf, StartShortA, StartShortA, byte(length), ProtoCommand, byte(content))
	buf = binary.BigEndian.AppendUint32(buf, serverFlag)
	buf = append(buf, command...)
	buf = append(buf, 0x00, 0x02) // language: English
	buf = binary.BigEndian.AppendUint16(buf, serial)
	crc := Checksum(buf[2:])
	buf = binary.BigEndian.AppendUint16(buf, crc)
	buf = append(buf, StopA, StopB)
	return buf, nil
}

// MarshalFrame builds a short (0x7878) frame with the given protocol
// number and payload. Used by the device simulator and by tests; the
// gateway itself only ever emits ACK and command frames.
func MarshalFrame(protocol byte, payload []byte, serial uint16) []byte {
	length := 1 + len(payload) + trailerSize
	total := headerShort + length + stopSize

	buf := make([]byte, 0, total)
	buf = append(buf, StartShortA, StartShortA, byte(length), protocol)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint16(buf, serial)
	crc := Checksum(buf[2:])
	buf = binary.BigEndian.AppendUint16(buf, crc)
	buf = append(buf, StopA, StopB)
	return buf
}
