// Package simuart provides an in-memory UART device.
//
// Bytes written with Inject appear on the receive side; bytes sent by the
// driver are recorded and, in echo mode, looped back as received input.
// Modem and line status can be changed to drive the status callbacks, and
// an error can be injected into every device call.
package simuart

import (
	"sync"

	"github.com/ardnew/softgb/pkg"
	"github.com/ardnew/softgb/protocol/uart"
)

// Device is a simulated UART.
type Device struct {
	mutex sync.Mutex

	// Armed receive
	rxBuf  []byte
	rxDone uart.ReceiveFunc

	pending    []byte
	delivering bool
	arms       int

	echo    bool
	written []byte

	lineCoding uart.LineCoding
	control    uart.ModemControl
	breakOn    bool
	modem      uart.ModemStatus
	line       uart.LineStatus
	onModem    func(uart.ModemStatus)
	onLine     func(uart.LineStatus)

	err    error
	closed bool
	opens  int
}

// New creates a closed device with the default line coding.
func New() *Device {
	return &Device{
		lineCoding: uart.DefaultLineCoding,
		closed:     true,
	}
}

// Open opens the device. It matches uart.OpenFunc.
func (d *Device) Open(cport uint16) (uart.Device, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.closed {
		return nil, pkg.ErrAlreadyRunning
	}
	d.closed = false
	d.opens++
	return d, nil
}

// SetEcho enables looping transmitted bytes back to the receiver.
func (d *Device) SetEcho(on bool) {
	d.mutex.Lock()
	d.echo = on
	d.mutex.Unlock()
}

// SetError makes every subsequent device call fail with err; nil clears it.
func (d *Device) SetError(err error) {
	d.mutex.Lock()
	d.err = err
	d.mutex.Unlock()
}

func (d *Device) checkLocked() error {
	if d.closed {
		return pkg.ErrClosed
	}
	return d.err
}

// StartReceiver implements uart.Device.
func (d *Device) StartReceiver(buf []byte, done uart.ReceiveFunc) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	if d.rxDone != nil {
		return pkg.ErrAlreadyRunning
	}
	if len(buf) == 0 || done == nil {
		return pkg.ErrInvalidParameter
	}
	d.rxBuf, d.rxDone = buf, done
	d.arms++
	if len(d.pending) > 0 && !d.delivering {
		go d.deliver()
	}
	return nil
}

// Inject makes data arrive on the receive line.
func (d *Device) Inject(data []byte) {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return
	}
	d.pending = append(d.pending, data...)
	d.mutex.Unlock()
	d.deliver()
}

// deliver completes armed receives while input is pending. Completions run
// without the lock held so they may re-arm.
func (d *Device) deliver() {
	d.mutex.Lock()
	if d.delivering {
		d.mutex.Unlock()
		return
	}
	d.delivering = true
	for len(d.pending) > 0 && d.rxDone != nil && !d.closed {
		n := copy(d.rxBuf, d.pending)
		d.pending = d.pending[n:]
		done := d.rxDone
		d.rxBuf, d.rxDone = nil, nil

		d.mutex.Unlock()
		done(n, nil)
		d.mutex.Lock()
	}
	d.delivering = false
	d.mutex.Unlock()
}

// Pending returns the number of injected bytes not yet received.
func (d *Device) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.pending)
}

// Armed reports whether a receive is armed.
func (d *Device) Armed() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.rxDone != nil
}

// Arms returns how many receives have been armed.
func (d *Device) Arms() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.arms
}

// StartTransmitter implements uart.Device.
func (d *Device) StartTransmitter(data []byte) (int, error) {
	d.mutex.Lock()
	if err := d.checkLocked(); err != nil {
		d.mutex.Unlock()
		return 0, err
	}
	d.written = append(d.written, data...)
	echo := d.echo
	d.mutex.Unlock()

	if echo {
		d.Inject(append([]byte(nil), data...))
	}
	return len(data), nil
}

// Written returns every byte transmitted so far.
func (d *Device) Written() []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]byte(nil), d.written...)
}

// SetConfiguration implements uart.Device.
func (d *Device) SetConfiguration(lc uart.LineCoding) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	d.lineCoding = lc
	return nil
}

// LineCoding returns the configured line coding.
func (d *Device) LineCoding() uart.LineCoding {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.lineCoding
}

// ModemControl implements uart.Device.
func (d *Device) ModemControl() (uart.ModemControl, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return 0, err
	}
	return d.control, nil
}

// SetModemControl implements uart.Device.
func (d *Device) SetModemControl(mc uart.ModemControl) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	d.control = mc
	return nil
}

// SetBreak implements uart.Device.
func (d *Device) SetBreak(on bool) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}
	d.breakOn = on
	return nil
}

// Break reports whether a break condition is being sent.
func (d *Device) Break() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.breakOn
}

// ModemStatus implements uart.Device.
func (d *Device) ModemStatus() (uart.ModemStatus, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return 0, err
	}
	return d.modem, nil
}

// LineStatus implements uart.Device.
func (d *Device) LineStatus() (uart.LineStatus, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if err := d.checkLocked(); err != nil {
		return 0, err
	}
	return d.line, nil
}

// OnModemStatus implements uart.Device.
func (d *Device) OnModemStatus(fn func(uart.ModemStatus)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if fn != nil {
		if err := d.checkLocked(); err != nil {
			return err
		}
	}
	d.onModem = fn
	return nil
}

// OnLineStatus implements uart.Device.
func (d *Device) OnLineStatus(fn func(uart.LineStatus)) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if fn != nil {
		if err := d.checkLocked(); err != nil {
			return err
		}
	}
	d.onLine = fn
	return nil
}

// SetModemStatus changes the modem status and runs the change callback.
func (d *Device) SetModemStatus(ms uart.ModemStatus) {
	d.mutex.Lock()
	d.modem = ms
	fn := d.onModem
	d.mutex.Unlock()
	if fn != nil {
		fn(ms)
	}
}

// SetLineStatus changes the line status and runs the change callback.
func (d *Device) SetLineStatus(ls uart.LineStatus) {
	d.mutex.Lock()
	d.line = ls
	fn := d.onLine
	d.mutex.Unlock()
	if fn != nil {
		fn(ls)
	}
}

// Close implements uart.Device. An armed receive is dropped.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return pkg.ErrClosed
	}
	d.closed = true
	d.rxBuf, d.rxDone = nil, nil
	d.pending = nil
	d.onModem, d.onLine = nil, nil
	return nil
}

// IsOpen reports whether the device is open.
func (d *Device) IsOpen() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return !d.closed
}

var _ uart.Device = (*Device)(nil)
