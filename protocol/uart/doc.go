// Package uart implements the uart protocol: a serial port emulated on a
// cport and backed by a [Device].
//
// # Operations
//
// The host sends data, line coding, control line state and break requests.
// The driver sends receive-data and serial-state requests of its own:
//
//	type  operation
//	0x01  protocol version
//	0x02  send data
//	0x03  receive data
//	0x04  set line coding
//	0x05  set control line state
//	0x06  send break
//	0x07  serial state
//
// # Receive Flow Control
//
// Received bytes land in a fixed pool of pre-allocated receive-data
// operations. The device completion path never blocks: it queues the filled
// operation and re-arms the device with a free one. When none is free the
// device stays idle until a worker has sent a filled operation upstream and
// returned it to the pool.
//
// # Serial State
//
// Modem and line status changes wake a second worker that sends the serial
// state bitmask whenever it differs from the last one sent, reusing a single
// operation.
//
// # Usage
//
//	u, err := uart.Register(ctx, core, cport, open, uart.Config{})
//
// See package simuart for an in-memory [Device].
package uart
