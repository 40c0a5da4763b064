package greybus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ardnew/softgb/pkg"
)

// Callback is called when an operation completes.
type Callback func(op *Operation)

// Operation is a correlated request/response unit bound to one cport.
type Operation struct {
	// Cport the operation travels on
	CPort uint16

	// Timestamps recorded by the originator and by completion
	SendTime time.Time
	RecvTime time.Time

	// Request frame, header included
	request []byte

	// Response frame, header included; nil until allocated or received
	response []byte

	callback Callback
	timer    *clock.Timer

	// Internal state
	mutex     sync.Mutex
	status    pkg.OperationStatus
	completed bool
	destroyed bool
}

// NewOperation creates an operation of the given type with a zeroed
// request payload of size bytes.
func NewOperation(cport uint16, typ uint8, size int) (*Operation, error) {
	if size < 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("request payload %d: %w", size, pkg.ErrPayloadTooLarge)
	}
	op := &Operation{
		CPort:   cport,
		request: make([]byte, HeaderSize+size),
	}
	hdr := Header{
		Size: uint16(HeaderSize + size),
		Type: typ & TypeMask,
	}
	hdr.MarshalTo(op.request)
	return op, nil
}

// newIncoming wraps a received request frame. The frame is not copied.
func newIncoming(cport uint16, frame []byte) *Operation {
	return &Operation{
		CPort:   cport,
		request: frame,
	}
}

// Type returns the operation type.
func (op *Operation) Type() uint8 {
	if len(op.request) < HeaderSize {
		return 0
	}
	return op.request[headerOffsetType] & TypeMask
}

// ID returns the correlation id assigned when the request was sent.
func (op *Operation) ID() uint16 {
	if len(op.request) < HeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint16(op.request[headerOffsetID:])
}

func (op *Operation) setID(id uint16) {
	binary.LittleEndian.PutUint16(op.request[headerOffsetID:], id)
}

// Request returns the request frame, header included.
func (op *Operation) Request() []byte {
	return op.request
}

// RequestPayload returns the request payload. The slice aliases the request
// frame, so writes through it change what is sent.
func (op *Operation) RequestPayload() []byte {
	if len(op.request) < HeaderSize {
		return nil
	}
	return op.request[HeaderSize:]
}

// SetPayloadSize resizes the request payload to n bytes, within the size the
// operation was created with, and updates the header size field.
func (op *Operation) SetPayloadSize(n int) error {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.request == nil || n < 0 || HeaderSize+n > cap(op.request) {
		return fmt.Errorf("payload size %d: %w", n, pkg.ErrInvalidParameter)
	}
	op.request = op.request[:HeaderSize+n]
	binary.LittleEndian.PutUint16(op.request[headerOffsetSize:], uint16(HeaderSize+n))
	return nil
}

// AllocResponse allocates a response frame with a payload of n bytes and
// returns the zeroed payload.
func (op *Operation) AllocResponse(n int) ([]byte, error) {
	if n < 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("response payload %d: %w", n, pkg.ErrNoMemory)
	}
	op.mutex.Lock()
	defer op.mutex.Unlock()
	op.response = make([]byte, HeaderSize+n)
	return op.response[HeaderSize:], nil
}

// Response returns the response frame, header included, or nil.
func (op *Operation) Response() []byte {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	return op.response
}

// ResponsePayload returns the response payload, or nil if there is none.
func (op *Operation) ResponsePayload() []byte {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if len(op.response) < HeaderSize {
		return nil
	}
	return op.response[HeaderSize:]
}

// Result returns the completion status.
func (op *Operation) Result() pkg.OperationStatus {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	return op.status
}

// Complete marks the operation completed with the given status and response
// frame and invokes its callback. Only the first call has any effect; it
// returns false for later calls.
func (op *Operation) Complete(status pkg.OperationStatus, response []byte, now time.Time) bool {
	op.mutex.Lock()
	if op.completed {
		op.mutex.Unlock()
		return false
	}
	op.completed = true
	op.status = status
	if response != nil {
		op.response = response
	}
	op.RecvTime = now
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	cb := op.callback
	op.mutex.Unlock()

	if cb != nil {
		cb(op)
	}
	return true
}

// IsCompleted returns true if the operation has completed.
func (op *Operation) IsCompleted() bool {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	return op.completed
}

// prepare resets completion state before the operation is (re)sent.
func (op *Operation) prepare(id uint16, cb Callback) error {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.destroyed {
		return fmt.Errorf("operation destroyed: %w", pkg.ErrInvalidParameter)
	}
	op.setID(id)
	op.request[headerOffsetResult] = 0
	op.request[headerOffsetPad] = 0
	op.request[headerOffsetPad+1] = 0
	op.callback = cb
	op.status = pkg.StatusSuccess
	op.completed = false
	op.response = nil
	return nil
}

func (op *Operation) setTimer(t *clock.Timer) {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.completed {
		t.Stop()
		return
	}
	op.timer = t
}

func (op *Operation) stopTimer() {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
}

// release drops the operation's buffers and stops any pending timer.
func (op *Operation) release() {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	op.destroyed = true
	op.callback = nil
	op.request = nil
	op.response = nil
}

// marshalResponse fills in the response header for a handled request.
// A response payload never allocated by the handler is empty.
func (op *Operation) marshalResponse(status pkg.OperationStatus) []byte {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.response == nil {
		op.response = make([]byte, HeaderSize)
	}
	hdr := Header{
		Size:   uint16(len(op.response)),
		ID:     op.ID(),
		Type:   op.Type() | TypeResponse,
		Result: uint8(status),
	}
	hdr.MarshalTo(op.response)
	return op.response
}
