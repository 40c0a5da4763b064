package greybus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ardnew/softgb/fabric"
	"github.com/ardnew/softgb/pkg"
)

// DefaultTimeout is how long a request waits for its response.
const DefaultTimeout = time.Second

type pendingKey struct {
	cport uint16
	id    uint16
}

// Core is the operation engine for one fabric transport. It correlates
// responses with outstanding requests and dispatches inbound requests to
// the protocol driver attached to each cport.
type Core struct {
	transport fabric.Transport
	registrar *fabric.Registrar

	clock   clock.Clock
	timeout time.Duration

	nextID  atomic.Uint32
	stopped atomic.Bool

	mutex   sync.Mutex
	drivers map[uint16]*Driver
	pending map[pendingKey]*Operation
}

// NewCore creates an engine on t. If r is nil a registrar with the default
// retry policy is created.
func NewCore(t fabric.Transport, r *fabric.Registrar) *Core {
	if r == nil {
		r = fabric.NewRegistrar(t)
	}
	return &Core{
		transport: t,
		registrar: r,
		clock:     clock.New(),
		timeout:   DefaultTimeout,
		drivers:   make(map[uint16]*Driver),
		pending:   make(map[pendingKey]*Operation),
	}
}

// SetClock replaces the clock used for timestamps and request timeouts.
func (c *Core) SetClock(clk clock.Clock) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.clock = clk
}

// Clock returns the engine clock.
func (c *Core) Clock() clock.Clock {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.clock
}

// SetTimeout sets the response timeout for new requests.
func (c *Core) SetTimeout(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Registrar returns the channel registrar used to connect cports.
func (c *Core) Registrar() *fabric.Registrar {
	return c.registrar
}

// RegisterDriver runs the driver's Init hook and connects cport, blocking
// until the fabric reports it connected or ctx is done.
func (c *Core) RegisterDriver(ctx context.Context, cport uint16, drv *Driver) error {
	if drv == nil {
		return pkg.ErrInvalidParameter
	}
	if c.stopped.Load() {
		return pkg.ErrNotRunning
	}

	c.mutex.Lock()
	if _, ok := c.drivers[cport]; ok {
		c.mutex.Unlock()
		return fmt.Errorf("cport %d: %w", cport, pkg.ErrAlreadyRegistered)
	}
	c.drivers[cport] = drv
	c.mutex.Unlock()

	if drv.Init != nil {
		if err := drv.Init(cport); err != nil {
			c.dropDriver(cport)
			return fmt.Errorf("%s init: %w", drv.Name, err)
		}
	}

	if err := c.registrar.Connect(ctx, cport, c.Receive); err != nil {
		c.dropDriver(cport)
		if drv.Exit != nil {
			drv.Exit(cport)
		}
		return err
	}

	pkg.LogInfo(pkg.ComponentCore, "driver registered",
		"driver", drv.Name,
		"cport", cport)
	return nil
}

func (c *Core) dropDriver(cport uint16) {
	c.mutex.Lock()
	delete(c.drivers, cport)
	c.mutex.Unlock()
}

// UnregisterDriver disconnects cport and runs the driver's Exit hook.
func (c *Core) UnregisterDriver(cport uint16) error {
	c.mutex.Lock()
	drv, ok := c.drivers[cport]
	delete(c.drivers, cport)
	c.mutex.Unlock()
	if !ok {
		return pkg.ErrNoDriver
	}

	err := c.registrar.Disconnect(cport)
	if drv.Exit != nil {
		drv.Exit(cport)
	}
	c.cancelPending(cport, pkg.StatusInterrupted)

	pkg.LogInfo(pkg.ComponentCore, "driver unregistered",
		"driver", drv.Name,
		"cport", cport)
	return err
}

// Driver returns the driver attached to cport, or nil.
func (c *Core) Driver(cport uint16) *Driver {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.drivers[cport]
}

// NewOperation allocates a request with a payload of size bytes.
func (c *Core) NewOperation(cport uint16, typ uint8, size int) (*Operation, error) {
	return NewOperation(cport, typ, size)
}

// allocID returns the next non-zero correlation id.
func (c *Core) allocID() uint16 {
	for {
		if id := uint16(c.nextID.Inc()); id != 0 {
			return id
		}
	}
}

// SendRequest sends op on its cport.
func (c *Core) SendRequest(op *Operation, cb Callback, needResponse bool) error {
	if op == nil {
		return pkg.ErrInvalidParameter
	}
	if c.stopped.Load() {
		return pkg.ErrNotRunning
	}

	var id uint16
	if needResponse {
		id = c.allocID()
	}
	if err := op.prepare(id, cb); err != nil {
		return err
	}

	c.mutex.Lock()
	clk, timeout := c.clock, c.timeout
	key := pendingKey{cport: op.CPort, id: id}
	if needResponse {
		c.pending[key] = op
	}
	c.mutex.Unlock()

	if needResponse {
		op.setTimer(clk.AfterFunc(timeout, func() {
			if c.takePending(key, op) {
				pkg.LogDebug(pkg.ComponentCore, "request timed out",
					"cport", key.cport,
					"id", key.id,
					"type", op.Type())
				op.Complete(pkg.StatusTimeout, nil, clk.Now())
			}
		}))
	}

	var release fabric.ReleaseFunc
	if !needResponse && cb != nil {
		release = func(err error) {
			status := pkg.StatusSuccess
			if err != nil {
				status = pkg.StatusInternal
			}
			op.Complete(status, nil, clk.Now())
		}
	}

	if err := c.transport.Send(op.CPort, op.Request(), release); err != nil {
		if needResponse {
			c.takePending(key, op)
			op.stopTimer()
		}
		return fmt.Errorf("send cport %d: %w", op.CPort, err)
	}
	return nil
}

// takePending removes op from the pending set. It returns false if op was
// no longer pending.
func (c *Core) takePending(key pendingKey, op *Operation) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.pending[key] != op {
		return false
	}
	delete(c.pending, key)
	return true
}

// Destroy releases op and forgets it if pending.
func (c *Core) Destroy(op *Operation) {
	if op == nil {
		return
	}
	c.takePending(pendingKey{cport: op.CPort, id: op.ID()}, op)
	op.release()
}

// Receive handles one frame from the fabric for cport.
func (c *Core) Receive(cport uint16, data []byte) error {
	var hdr Header
	if !ParseHeader(data, &hdr) {
		pkg.LogWarn(pkg.ComponentCore, "short frame",
			"cport", cport,
			"length", len(data))
		return pkg.ErrMalformedHeader
	}
	size := int(hdr.Size)
	if size < HeaderSize || size > len(data) {
		pkg.LogWarn(pkg.ComponentCore, "bad frame size",
			"cport", cport,
			"size", size,
			"length", len(data))
		return pkg.ErrMalformedHeader
	}

	// The fabric owns data only for the duration of the call.
	frame := make([]byte, size)
	copy(frame, data[:size])

	if hdr.IsResponse() {
		return c.receiveResponse(cport, &hdr, frame)
	}
	return c.receiveRequest(cport, &hdr, frame)
}

func (c *Core) receiveResponse(cport uint16, hdr *Header, frame []byte) error {
	key := pendingKey{cport: cport, id: hdr.ID}

	c.mutex.Lock()
	op := c.pending[key]
	delete(c.pending, key)
	clk := c.clock
	c.mutex.Unlock()

	if op == nil {
		pkg.LogDebug(pkg.ComponentCore, "unexpected response",
			"cport", cport,
			"header", hdr.String())
		return nil
	}
	if op.Type() != hdr.OperationType() {
		pkg.LogWarn(pkg.ComponentCore, "response type mismatch",
			"cport", cport,
			"id", hdr.ID,
			"want", op.Type(),
			"got", hdr.OperationType())
	}
	op.Complete(hdr.Status(), frame, clk.Now())
	return nil
}

func (c *Core) receiveRequest(cport uint16, hdr *Header, frame []byte) error {
	c.mutex.Lock()
	drv := c.drivers[cport]
	c.mutex.Unlock()
	if drv == nil {
		pkg.LogWarn(pkg.ComponentCore, "request on cport without driver",
			"cport", cport,
			"header", hdr.String())
		return pkg.ErrNoDriver
	}

	op := newIncoming(cport, frame)

	var status pkg.OperationStatus
	if h := drv.Lookup(hdr.OperationType()); h != nil {
		status = h(op).HandlerStatus()
	} else {
		pkg.LogWarn(pkg.ComponentCore, "unsupported operation",
			"driver", drv.Name,
			"cport", cport,
			"type", hdr.OperationType())
		status = pkg.StatusInvalid
	}

	if hdr.ID == 0 {
		return nil
	}

	resp := op.marshalResponse(status)
	if err := c.transport.Send(cport, resp, nil); err != nil {
		pkg.LogError(pkg.ComponentCore, "cannot send response",
			"cport", cport,
			"id", hdr.ID,
			"error", err)
		return err
	}
	return nil
}

// cancelPending completes every pending request on cport with status.
func (c *Core) cancelPending(cport uint16, status pkg.OperationStatus) {
	c.mutex.Lock()
	var ops []*Operation
	for key, op := range c.pending {
		if key.cport == cport {
			ops = append(ops, op)
			delete(c.pending, key)
		}
	}
	clk := c.clock
	c.mutex.Unlock()

	for _, op := range ops {
		op.Complete(status, nil, clk.Now())
	}
}

// Stop unregisters every driver and interrupts outstanding requests.
// Requests sent after Stop fail with pkg.ErrNotRunning.
func (c *Core) Stop() error {
	if !c.stopped.CAS(false, true) {
		return nil
	}

	c.mutex.Lock()
	cports := make([]uint16, 0, len(c.drivers))
	for cport := range c.drivers {
		cports = append(cports, cport)
	}
	c.mutex.Unlock()

	var err error
	for _, cport := range cports {
		err = multierr.Append(err, c.UnregisterDriver(cport))
	}

	c.mutex.Lock()
	ops := make([]*Operation, 0, len(c.pending))
	for key, op := range c.pending {
		ops = append(ops, op)
		delete(c.pending, key)
	}
	clk := c.clock
	c.mutex.Unlock()

	for _, op := range ops {
		op.Complete(pkg.StatusInterrupted, nil, clk.Now())
	}
	return err
}

var _ Engine = (*Core)(nil)
