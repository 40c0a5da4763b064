// Package greybus implements the operation model shared by every protocol
// driver: the 8-byte operation header, correlated request/response
// operations, the per-driver dispatch table, and the [Core] engine that
// binds them to a [fabric.Transport].
//
// # Wire Format
//
// Every frame starts with a little-endian header:
//
//	offset  size  field
//	0       2     size    header plus payload
//	2       2     id      0 when no response is expected
//	4       1     type    bit 7 set on responses
//	5       1     result  status on responses
//	6       2     pad     reserved
//
// The pad bytes carry no meaning to protocol logic. The bridge borrows them
// to tag frames with their cport while crossing the host link.
//
// # Dispatch
//
// A [Driver] lists (type, handler) pairs in order. The engine matches the
// type of each inbound request against the table; a request with no match
// is answered with [pkg.StatusInvalid] and the cport stays up.
//
//	drv := &greybus.Driver{
//	    Name: "loopback",
//	    Handlers: []greybus.OperationHandler{
//	        {Type: greybus.TypeProtocolVersion, Handler: version},
//	    },
//	}
//	err := core.RegisterDriver(ctx, 3, drv)
//
// Protocol drivers depend only on the [Engine] interface.
package greybus
