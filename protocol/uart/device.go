package uart

// ModemStatus is the device's modem status register.
type ModemStatus uint8

// Modem status bits.
const (
	ModemCTS ModemStatus = 1 << 4 // Clear To Send
	ModemDSR ModemStatus = 1 << 5 // Data Set Ready
	ModemRI  ModemStatus = 1 << 6 // Ring Indicator
	ModemDCD ModemStatus = 1 << 7 // Data Carrier Detect
)

// LineStatus is the device's line status register.
type LineStatus uint8

// Line status bits.
const (
	LineOverrun LineStatus = 1 << 1
	LineParity  LineStatus = 1 << 2
	LineFraming LineStatus = 1 << 3
	LineBreak   LineStatus = 1 << 4
)

// ModemControl is the device's modem control register.
type ModemControl uint8

// Modem control bits.
const (
	ModemControlDTR ModemControl = 1 << 0
	ModemControlRTS ModemControl = 1 << 1
)

// ReceiveFunc is called by the device when a receive armed with
// StartReceiver completes. It may run on any goroutine and must not block.
type ReceiveFunc func(n int, err error)

// Device is the UART hardware the driver is bound to.
type Device interface {
	// StartReceiver arms a single receive into buf. done is called once
	// when at least one byte has arrived or the receive fails. Only one
	// receive is armed at a time.
	StartReceiver(buf []byte, done ReceiveFunc) error

	// StartTransmitter writes data and returns the number of bytes sent.
	StartTransmitter(data []byte) (int, error)

	// SetConfiguration applies a line coding. Flow control is always off.
	SetConfiguration(lc LineCoding) error

	ModemControl() (ModemControl, error)
	SetModemControl(mc ModemControl) error

	// SetBreak raises or clears a break condition on the transmit line.
	SetBreak(on bool) error

	ModemStatus() (ModemStatus, error)
	LineStatus() (LineStatus, error)

	// OnModemStatus and OnLineStatus install change callbacks. A nil
	// function detaches the callback. Callbacks must not block.
	OnModemStatus(fn func(ModemStatus)) error
	OnLineStatus(fn func(LineStatus)) error

	// Close cancels any armed receive without calling its ReceiveFunc.
	Close() error
}

// OpenFunc opens the device backing a cport.
type OpenFunc func(cport uint16) (Device, error)

// SerialState converts modem and line status registers to the serial-state
// bitmask reported to the host. Bits the protocol does not carry are dropped.
func SerialState(ms ModemStatus, ls LineStatus) uint16 {
	var state uint16
	if ms&ModemDCD != 0 {
		state |= StateDCD
	}
	if ms&ModemDSR != 0 {
		state |= StateDSR
	}
	if ms&ModemRI != 0 {
		state |= StateRI
	}
	if ls&LineBreak != 0 {
		state |= StateBreak
	}
	if ls&LineFraming != 0 {
		state |= StateFraming
	}
	if ls&LineParity != 0 {
		state |= StateParity
	}
	if ls&LineOverrun != 0 {
		state |= StateOverrun
	}
	return state
}
