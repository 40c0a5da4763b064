package greybus

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softgb/pkg"
)

// Operation header layout.
const (
	HeaderSize = 8 // Bytes preceding every operation payload

	headerOffsetSize   = 0
	headerOffsetID     = 2
	headerOffsetType   = 4
	headerOffsetResult = 5
	headerOffsetPad    = 6
)

// Operation size limits.
const (
	MaxOperationSize = 0x800                         // Largest frame, header included
	MaxPayloadSize   = MaxOperationSize - HeaderSize // Largest payload
)

// Operation type bits and common types.
const (
	TypeResponse        = 0x80 // Set in the type byte of every response
	TypeMask            = 0x7F
	TypeProtocolVersion = 0x01 // Version request, same code for every protocol
)

// Header is the fixed prefix of every operation frame.
type Header struct {
	Size   uint16  // Header plus payload, in bytes
	ID     uint16  // Correlation id; 0 when no response is expected
	Type   uint8   // Operation type, TypeResponse set on responses
	Result uint8   // pkg.OperationStatus on responses, 0 on requests
	Pad    [2]byte // Reserved
}

// ParseHeader parses an operation header from data into out.
// Returns false if data is shorter than HeaderSize.
func ParseHeader(data []byte, out *Header) bool {
	if len(data) < HeaderSize {
		return false
	}
	out.Size = binary.LittleEndian.Uint16(data[headerOffsetSize:])
	out.ID = binary.LittleEndian.Uint16(data[headerOffsetID:])
	out.Type = data[headerOffsetType]
	out.Result = data[headerOffsetResult]
	out.Pad[0] = data[headerOffsetPad]
	out.Pad[1] = data[headerOffsetPad+1]
	return true
}

// MarshalTo serializes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	binary.LittleEndian.PutUint16(buf[headerOffsetSize:], h.Size)
	binary.LittleEndian.PutUint16(buf[headerOffsetID:], h.ID)
	buf[headerOffsetType] = h.Type
	buf[headerOffsetResult] = h.Result
	buf[headerOffsetPad] = h.Pad[0]
	buf[headerOffsetPad+1] = h.Pad[1]
	return HeaderSize
}

// IsResponse returns true if the response bit is set.
func (h *Header) IsResponse() bool {
	return h.Type&TypeResponse != 0
}

// OperationType returns the type with the response bit cleared.
func (h *Header) OperationType() uint8 {
	return h.Type & TypeMask
}

// Status returns the result byte as an operation status.
func (h *Header) Status() pkg.OperationStatus {
	return pkg.OperationStatus(h.Result)
}

// String returns a human-readable representation of the header.
func (h *Header) String() string {
	dir := "request"
	if h.IsResponse() {
		dir = "response"
	}
	return fmt.Sprintf("%s{type=0x%02X id=%d size=%d result=%s}",
		dir, h.OperationType(), h.ID, h.Size, h.Status())
}

// PacketSize returns the frame length recorded in the header's size field.
// Returns 0 if buf does not hold a complete header.
func PacketSize(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	return int(binary.LittleEndian.Uint16(buf[headerOffsetSize:]))
}

// PadBytes returns the two reserved header bytes of buf as a 16-bit
// little-endian value. Returns false if buf is shorter than HeaderSize.
func PadBytes(buf []byte) (uint16, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[headerOffsetPad:]), true
}

// SetPadBytes writes v into the reserved header bytes of buf, low byte first.
// Returns false if buf is shorter than HeaderSize.
func SetPadBytes(buf []byte, v uint16) bool {
	if len(buf) < HeaderSize {
		return false
	}
	binary.LittleEndian.PutUint16(buf[headerOffsetPad:], v)
	return true
}
