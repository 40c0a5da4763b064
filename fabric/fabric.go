package fabric

// MaxCPorts is the number of addressable cports on one link.
const MaxCPorts = 1 << 16

// RxHandler receives one frame addressed to a cport.
// The data slice is only valid for the duration of the call.
type RxHandler func(cport uint16, data []byte) error

// ReleaseFunc is invoked exactly once when the fabric is finished with a
// buffer passed to Send. err is nil when the frame was delivered.
type ReleaseFunc func(err error)

// Transport is the multiplexed link carrying every cport.
//
// Receive on a cport is flow-controlled: after a frame is handed to the
// registered RxHandler, no further frame is delivered on that cport until
// UnpauseRx is called.
type Transport interface {
	// InitCPort prepares a cport for traffic. It returns an error wrapping
	// pkg.ErrNotConnected while the link has not connected the cport yet.
	InitCPort(cport uint16) error

	// RegisterDriver installs the receive handler for a cport.
	RegisterDriver(cport uint16, handler RxHandler) error

	// UnregisterDriver removes the receive handler for a cport.
	UnregisterDriver(cport uint16) error

	// UnpauseRx re-arms reception on a cport.
	UnpauseRx(cport uint16) error

	// Send transmits a frame on a cport. The caller may reuse data once Send
	// returns. When Send returns nil, release (if non-nil) is invoked exactly
	// once to report completion; when Send fails, release is never invoked.
	Send(cport uint16, data []byte, release ReleaseFunc) error
}

// Mailbox identifies a supervisory controller mailbox flag.
type Mailbox uint8

// Supervisory mailbox flags.
const (
	MailboxReadyAP    Mailbox = 0x01 // Bridge ready for traffic
	MailboxReadyOther Mailbox = 0x02 // Non-bridge module ready
)

// String returns the mailbox name.
func (m Mailbox) String() string {
	switch m {
	case MailboxReadyAP:
		return "ready-ap"
	case MailboxReadyOther:
		return "ready-other"
	default:
		return "unknown"
	}
}

// Supervisor is the fabric's supervisory controller.
type Supervisor interface {
	// SetMailbox writes a mailbox flag.
	SetMailbox(mb Mailbox, value bool) error
}
