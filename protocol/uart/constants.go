package uart

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softgb/pkg"
)

// UART protocol operation types.
const (
	TypeProtocolVersion     = 0x01
	TypeSendData            = 0x02
	TypeReceiveData         = 0x03 // Module to host
	TypeSetLineCoding       = 0x04
	TypeSetControlLineState = 0x05
	TypeSendBreak           = 0x06
	TypeSerialState         = 0x07 // Module to host, sent on change only
)

// Protocol version reported by the version handler.
const (
	VersionMajor = 0
	VersionMinor = 1
)

// Receive pool defaults.
const (
	DefaultEntries    = 5   // Receive operations in the pool
	DefaultBufferSize = 256 // Receive payload bytes per operation
)

// Payload sizes.
const (
	dataSizeFieldSize    = 2 // send-data and receive-data length prefix
	controlLineStateSize = 2
	sendBreakSize        = 1
	serialStateSize      = 3 // control byte + bitmask
)

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// StopBits is the line coding format field.
type StopBits uint8

// Stop bit values.
const (
	StopBits1   StopBits = 0 // 1 stop bit
	StopBits1_5 StopBits = 1 // 1.5 stop bits
	StopBits2   StopBits = 2 // 2 stop bits
)

// String returns the stop bit count.
func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1_5:
		return "1.5"
	case StopBits2:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", uint8(s))
	}
}

// Parity is the line coding parity field.
type Parity uint8

// Parity values.
const (
	ParityNone  Parity = 0
	ParityOdd   Parity = 1
	ParityEven  Parity = 2
	ParityMark  Parity = 3
	ParitySpace Parity = 4
)

// String returns the parity name.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", uint8(p))
	}
}

// Control line state bits (set-control-line-state).
const (
	ControlDTR uint16 = 1 << 0 // Data Terminal Ready
	ControlRTS uint16 = 1 << 1 // Request To Send
)

// Serial state bits (serial-state).
const (
	StateDCD     uint16 = 1 << 0 // Data Carrier Detect
	StateDSR     uint16 = 1 << 1 // Data Set Ready
	StateBreak   uint16 = 1 << 2 // Break detected
	StateRI      uint16 = 1 << 3 // Ring indicator
	StateFraming uint16 = 1 << 4 // Framing error
	StateParity  uint16 = 1 << 5 // Parity error
	StateOverrun uint16 = 1 << 6 // Overrun error
)

// LineCoding is the serial line configuration.
type LineCoding struct {
	Rate     uint32   // Baud rate
	Format   StopBits // Stop bits
	Parity   Parity
	DataBits uint8 // 5 to 8
}

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	Rate:     115200,
	Format:   StopBits1,
	Parity:   ParityNone,
	DataBits: 8,
}

// MarshalTo writes the line coding to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.Rate)
	buf[4] = uint8(lc.Format)
	buf[5] = uint8(lc.Parity)
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses a line coding from data.
// Returns false if data is too short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.Rate = binary.LittleEndian.Uint32(data)
	out.Format = StopBits(data[4])
	out.Parity = Parity(data[5])
	out.DataBits = data[6]
	return true
}

// Validate reports whether every field is in range.
func (lc *LineCoding) Validate() error {
	if lc.Format > StopBits2 {
		return fmt.Errorf("stop bits %d: %w", lc.Format, pkg.ErrInvalidParameter)
	}
	if lc.Parity > ParitySpace {
		return fmt.Errorf("parity %d: %w", lc.Parity, pkg.ErrInvalidParameter)
	}
	if lc.DataBits < 5 || lc.DataBits > 8 {
		return fmt.Errorf("data bits %d: %w", lc.DataBits, pkg.ErrInvalidParameter)
	}
	return nil
}

// String returns the line coding in the usual 115200 8N1 form.
func (lc LineCoding) String() string {
	p := "?"
	if lc.Parity <= ParitySpace {
		p = string("NOEMS"[lc.Parity])
	}
	return fmt.Sprintf("%d %d%s%s", lc.Rate, lc.DataBits, p, lc.Format)
}
