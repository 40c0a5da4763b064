package uart

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// Config sizes the receive pool.
type Config struct {
	Entries    int // Receive operations; DefaultEntries if zero
	BufferSize int // Receive payload bytes; DefaultBufferSize if zero
}

// Stats holds driver counters.
type Stats struct {
	RxFrames      uint64 // Receive-data operations sent
	RxBytes       uint64 // Bytes carried by those operations
	StatusReports uint64 // Serial-state operations sent
	Errors        uint64 // Device and send failures
}

// UART emulates a serial port on one cport, bridging a Device to the host.
type UART struct {
	engine greybus.Engine
	open   OpenFunc
	config Config

	mutex      sync.Mutex
	cport      uint16
	dev        Device
	rx         *rxPool
	status     *statusReporter
	lineCoding LineCoding
	stats      Stats // Totals from previous attachments
}

// New creates a UART driver. open is called from the driver's init hook.
func New(engine greybus.Engine, open OpenFunc, cfg Config) *UART {
	if cfg.Entries == 0 {
		cfg.Entries = DefaultEntries
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &UART{
		engine:     engine,
		open:       open,
		config:     cfg,
		lineCoding: DefaultLineCoding,
	}
}

// Register creates a UART driver and attaches it to cport.
func Register(ctx context.Context, engine greybus.Engine, cport uint16, open OpenFunc, cfg Config) (*UART, error) {
	u := New(engine, open, cfg)
	if err := engine.RegisterDriver(ctx, cport, u.Driver()); err != nil {
		return nil, err
	}
	return u, nil
}

// Driver returns the dispatch table and hooks for this UART.
func (u *UART) Driver() *greybus.Driver {
	return &greybus.Driver{
		Name: "uart",
		Init: u.init,
		Exit: u.exit,
		Handlers: []greybus.OperationHandler{
			{Type: TypeProtocolVersion, Handler: u.handleProtocolVersion},
			{Type: TypeSendData, Handler: u.handleSendData},
			{Type: TypeSetLineCoding, Handler: u.handleSetLineCoding},
			{Type: TypeSetControlLineState, Handler: u.handleSetControlLineState},
			{Type: TypeSendBreak, Handler: u.handleSendBreak},
		},
	}
}

// init brings the driver up in stages. On failure every completed stage is
// undone in reverse order before the error is returned.
func (u *UART) init(cport uint16) (err error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.dev != nil {
		return pkg.ErrAlreadyRunning
	}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	status, err := newStatusReporter(u.engine, cport)
	if err != nil {
		return err
	}
	undo = append(undo, status.close)

	rx, err := newRxPool(u.engine, cport, u.config.Entries, u.config.BufferSize)
	if err != nil {
		return err
	}
	undo = append(undo, rx.close)

	dev, err := u.open(cport)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	undo = append(undo, func() {
		if cerr := dev.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	})

	ms, err := dev.ModemStatus()
	if err != nil {
		return fmt.Errorf("modem status: %w", err)
	}
	ls, err := dev.LineStatus()
	if err != nil {
		return fmt.Errorf("line status: %w", err)
	}
	status.setInitial(ms, ls)

	if err = dev.OnModemStatus(status.onModemStatus); err != nil {
		return fmt.Errorf("attach modem status: %w", err)
	}
	undo = append(undo, func() { dev.OnModemStatus(nil) })

	if err = dev.OnLineStatus(status.onLineStatus); err != nil {
		return fmt.Errorf("attach line status: %w", err)
	}

	status.start()
	rx.setDevice(dev)
	rx.start()
	rx.kick()

	u.cport = cport
	u.dev = dev
	u.rx = rx
	u.status = status

	pkg.LogInfo(pkg.ComponentUART, "uart attached",
		"cport", cport,
		"entries", u.config.Entries,
		"buffer", u.config.BufferSize)
	return nil
}

// exit detaches the device, stops both workers, then releases their
// operations.
func (u *UART) exit(cport uint16) {
	u.mutex.Lock()
	dev, rx, status := u.dev, u.rx, u.status
	if dev == nil {
		u.mutex.Unlock()
		return
	}
	u.stats = u.snapshotLocked()
	u.dev, u.rx, u.status = nil, nil, nil
	u.mutex.Unlock()

	err := multierr.Combine(
		dev.OnLineStatus(nil),
		dev.OnModemStatus(nil),
		dev.Close(),
	)
	rx.close()
	status.close()

	if err != nil {
		pkg.LogWarn(pkg.ComponentUART, "device close failed",
			"func", "UART.exit",
			"cport", cport,
			"error", err)
	}
	pkg.LogInfo(pkg.ComponentUART, "uart detached", "cport", cport)
}

func (u *UART) device() Device {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.dev
}

// CPort returns the cport the driver was last attached to.
func (u *UART) CPort() uint16 {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.cport
}

// LineCoding returns the last line coding applied to the device.
func (u *UART) LineCoding() LineCoding {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.lineCoding
}

// Stats returns the driver counters.
func (u *UART) Stats() Stats {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.snapshotLocked()
}

func (u *UART) snapshotLocked() Stats {
	s := u.stats
	if u.rx != nil {
		s.RxFrames += u.rx.frames.Load()
		s.RxBytes += u.rx.bytes.Load()
		s.Errors += u.rx.errors.Load()
	}
	if u.status != nil {
		s.StatusReports += u.status.reports.Load()
		s.Errors += u.status.errors.Load()
	}
	return s
}

func (u *UART) deviceError(fn string, op *greybus.Operation, err error) pkg.OperationStatus {
	pkg.LogError(pkg.ComponentUART, "device io error",
		"func", fn,
		"cport", op.CPort,
		"error", err)
	return pkg.StatusUnknownError
}

func (u *UART) handleProtocolVersion(op *greybus.Operation) pkg.OperationStatus {
	resp, err := op.AllocResponse(2)
	if err != nil {
		return pkg.StatusNoMemory
	}
	resp[0] = VersionMajor
	resp[1] = VersionMinor
	return pkg.StatusSuccess
}

func (u *UART) handleSendData(op *greybus.Operation) pkg.OperationStatus {
	req := op.RequestPayload()
	if len(req) < dataSizeFieldSize {
		return pkg.StatusInvalid
	}
	size := int(binary.LittleEndian.Uint16(req))
	if size > len(req)-dataSizeFieldSize {
		return pkg.StatusInvalid
	}

	dev := u.device()
	if dev == nil {
		return pkg.StatusUnknownError
	}
	if _, err := dev.StartTransmitter(req[dataSizeFieldSize : dataSizeFieldSize+size]); err != nil {
		return u.deviceError("UART.handleSendData", op, err)
	}
	return pkg.StatusSuccess
}

func (u *UART) handleSetLineCoding(op *greybus.Operation) pkg.OperationStatus {
	var lc LineCoding
	if !ParseLineCoding(op.RequestPayload(), &lc) {
		return pkg.StatusInvalid
	}
	if err := lc.Validate(); err != nil {
		pkg.LogDebug(pkg.ComponentUART, "rejected line coding",
			"cport", op.CPort,
			"error", err)
		return pkg.StatusInvalid
	}

	dev := u.device()
	if dev == nil {
		return pkg.StatusUnknownError
	}
	if err := dev.SetConfiguration(lc); err != nil {
		return u.deviceError("UART.handleSetLineCoding", op, err)
	}

	u.mutex.Lock()
	u.lineCoding = lc
	u.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentUART, "line coding", "cport", op.CPort, "coding", lc.String())
	return pkg.StatusSuccess
}

func (u *UART) handleSetControlLineState(op *greybus.Operation) pkg.OperationStatus {
	req := op.RequestPayload()
	if len(req) < controlLineStateSize {
		return pkg.StatusInvalid
	}
	control := binary.LittleEndian.Uint16(req)

	dev := u.device()
	if dev == nil {
		return pkg.StatusUnknownError
	}
	mc, err := dev.ModemControl()
	if err != nil {
		return u.deviceError("UART.handleSetControlLineState", op, err)
	}
	if control&ControlDTR != 0 {
		mc |= ModemControlDTR
	} else {
		mc &^= ModemControlDTR
	}
	if control&ControlRTS != 0 {
		mc |= ModemControlRTS
	} else {
		mc &^= ModemControlRTS
	}
	if err := dev.SetModemControl(mc); err != nil {
		return u.deviceError("UART.handleSetControlLineState", op, err)
	}
	return pkg.StatusSuccess
}

func (u *UART) handleSendBreak(op *greybus.Operation) pkg.OperationStatus {
	req := op.RequestPayload()
	if len(req) < sendBreakSize {
		return pkg.StatusInvalid
	}

	dev := u.device()
	if dev == nil {
		return pkg.StatusUnknownError
	}
	if err := dev.SetBreak(req[0] != 0); err != nil {
		return u.deviceError("UART.handleSendBreak", op, err)
	}
	return pkg.StatusSuccess
}
