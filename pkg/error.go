package pkg

import "errors"

// Transport and protocol errors.
var (
	// ErrMalformedHeader indicates a frame shorter than an operation header.
	ErrMalformedHeader = errors.New("malformed operation header")

	// ErrNotConnected indicates the fabric has not connected the cport yet.
	ErrNotConnected = errors.New("cport not connected")

	// ErrNoMemory indicates an operation or buffer could not be allocated.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidCPort indicates a cport outside the configured range.
	ErrInvalidCPort = errors.New("invalid cport")

	// ErrNoDriver indicates no protocol driver is attached to the cport.
	ErrNoDriver = errors.New("no driver registered")

	// ErrAlreadyRegistered indicates the cport already has a driver or handler.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrCancelled indicates a cancelled operation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout indicates an operation timed out waiting for its response.
	ErrTimeout = errors.New("operation timeout")

	// ErrDevice indicates an underlying device I/O failure.
	ErrDevice = errors.New("device I/O error")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrPayloadTooLarge indicates a payload exceeding the maximum operation size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrClosed indicates use of a closed transport.
	ErrClosed = errors.New("transport closed")

	// ErrProtocol indicates a peer reported a protocol failure.
	ErrProtocol = errors.New("protocol error")
)

// OperationStatus is the result byte carried in an operation response header.
type OperationStatus uint8

// Operation status values.
const (
	StatusSuccess      OperationStatus = 0x00
	StatusInterrupted  OperationStatus = 0x01
	StatusTimeout      OperationStatus = 0x02
	StatusNoMemory     OperationStatus = 0x03
	StatusProtocolBad  OperationStatus = 0x04
	StatusOverflow     OperationStatus = 0x05
	StatusInvalid      OperationStatus = 0x06
	StatusRetry        OperationStatus = 0x07
	StatusNonexistent  OperationStatus = 0x08
	StatusUnknownError OperationStatus = 0xfe
	StatusInternal     OperationStatus = 0xff
)

// String returns a string representation of the operation status.
func (s OperationStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInterrupted:
		return "interrupted"
	case StatusTimeout:
		return "timeout"
	case StatusNoMemory:
		return "no-memory"
	case StatusProtocolBad:
		return "protocol-bad"
	case StatusOverflow:
		return "overflow"
	case StatusInvalid:
		return "invalid"
	case StatusRetry:
		return "retry"
	case StatusNonexistent:
		return "nonexistent"
	case StatusInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the operation status.
func (s OperationStatus) Error() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusInterrupted:
		return ErrCancelled
	case StatusTimeout:
		return ErrTimeout
	case StatusNoMemory:
		return ErrNoMemory
	case StatusInvalid:
		return ErrInvalidParameter
	default:
		return ErrProtocol
	}
}

// HandlerStatus clamps s to the set a protocol handler may report:
// success, no-memory, invalid or unknown error.
func (s OperationStatus) HandlerStatus() OperationStatus {
	switch s {
	case StatusSuccess, StatusNoMemory, StatusInvalid, StatusUnknownError:
		return s
	default:
		return StatusUnknownError
	}
}
