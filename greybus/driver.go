package greybus

import (
	"context"

	"github.com/ardnew/softgb/pkg"
)

// Handler services one inbound request. It may allocate a response payload
// with op.AllocResponse and returns the status reported to the peer.
//
// Handlers report only StatusSuccess, StatusNoMemory, StatusInvalid or
// StatusUnknownError; any other value is sent as StatusUnknownError.
// A handler must not block indefinitely.
type Handler func(op *Operation) pkg.OperationStatus

// OperationHandler binds a handler to an operation type.
type OperationHandler struct {
	Type    uint8
	Handler Handler
}

// Driver is a protocol driver attached to a cport.
type Driver struct {
	Name string

	// Init is called before the cport is connected. An error aborts
	// registration.
	Init func(cport uint16) error

	// Exit is called after the cport is disconnected.
	Exit func(cport uint16)

	// Handlers is the ordered dispatch table. There is no default entry;
	// an unmatched type is answered with StatusInvalid.
	Handlers []OperationHandler
}

// Lookup returns the first handler registered for typ, or nil.
func (d *Driver) Lookup(typ uint8) Handler {
	for i := range d.Handlers {
		if d.Handlers[i].Type == typ {
			return d.Handlers[i].Handler
		}
	}
	return nil
}

// Engine is the operation engine protocol drivers are written against.
type Engine interface {
	// RegisterDriver attaches drv to cport, blocking until the fabric
	// connects the cport or ctx is done.
	RegisterDriver(ctx context.Context, cport uint16, drv *Driver) error

	// UnregisterDriver detaches the driver from cport.
	UnregisterDriver(cport uint16) error

	// NewOperation allocates a request with a payload of size bytes.
	NewOperation(cport uint16, typ uint8, size int) (*Operation, error)

	// SendRequest sends op. If needResponse is set, cb runs when the
	// response arrives or the request times out. Otherwise cb, if non-nil,
	// runs once the fabric has released the frame.
	SendRequest(op *Operation, cb Callback, needResponse bool) error

	// Destroy releases op. A pending request is cancelled without
	// invoking its callback.
	Destroy(op *Operation)
}
