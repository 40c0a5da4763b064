package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ardnew/softgb/pkg"
)

// Default retry policy for Connect.
const (
	DefaultRetryInterval = 200 * time.Millisecond
	DefaultWarnAfter     = 50
)

// Registrar attaches receive handlers to cports, retrying until the fabric
// reports each cport connected.
type Registrar struct {
	transport Transport

	clock     clock.Clock
	interval  time.Duration
	warnAfter int

	mutex     sync.Mutex
	connected map[uint16]struct{}
}

// NewRegistrar creates a registrar for the given transport using the
// default retry policy.
func NewRegistrar(t Transport) *Registrar {
	return &Registrar{
		transport: t,
		clock:     clock.New(),
		interval:  DefaultRetryInterval,
		warnAfter: DefaultWarnAfter,
		connected: make(map[uint16]struct{}),
	}
}

// SetClock replaces the clock used for retry sleeps.
func (r *Registrar) SetClock(c clock.Clock) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.clock = c
}

// SetRetryInterval sets the sleep between connect attempts.
func (r *Registrar) SetRetryInterval(d time.Duration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if d > 0 {
		r.interval = d
	}
}

// SetWarnAfter sets how many consecutive not-connected responses are
// tolerated before the one-time stall warning.
func (r *Registrar) SetWarnAfter(n int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if n > 0 {
		r.warnAfter = n
	}
}

// Connect initializes cport on the fabric and registers handler for it.
//
// Not-connected responses are retried forever; only ctx can stop the loop.
// Any other fabric error is returned immediately. The installed handler
// re-arms reception after every frame it dispatches.
func (r *Registrar) Connect(ctx context.Context, cport uint16, handler RxHandler) error {
	if handler == nil {
		return pkg.ErrInvalidParameter
	}

	r.mutex.Lock()
	clk, interval, warnAfter := r.clock, r.interval, r.warnAfter
	r.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentRegistrar, "connecting cport", "cport", cport)

	for attempt := 0; ; attempt++ {
		err := r.transport.InitCPort(cport)
		if err == nil {
			break
		}
		if !errors.Is(err, pkg.ErrNotConnected) {
			pkg.LogError(pkg.ComponentRegistrar, "cannot init cport",
				"cport", cport,
				"error", err)
			return fmt.Errorf("init cport %d: %w", cport, err)
		}

		if attempt == warnAfter {
			pkg.LogWarn(pkg.ComponentRegistrar, "cport does not seem to be connected, check the supervisor configuration",
				"cport", cport,
				"attempts", attempt+1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		}
	}

	if err := r.transport.RegisterDriver(cport, r.rearm(handler)); err != nil {
		return fmt.Errorf("register cport %d: %w", cport, err)
	}

	r.mutex.Lock()
	r.connected[cport] = struct{}{}
	r.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentRegistrar, "cport connected", "cport", cport)
	return nil
}

// rearm wraps handler so that reception resumes after each frame.
func (r *Registrar) rearm(handler RxHandler) RxHandler {
	return func(cport uint16, data []byte) error {
		err := handler(cport, data)
		if uerr := r.transport.UnpauseRx(cport); uerr != nil {
			pkg.LogWarn(pkg.ComponentRegistrar, "cannot unpause rx",
				"cport", cport,
				"error", uerr)
		}
		return err
	}
}

// Disconnect removes the handler installed by Connect.
func (r *Registrar) Disconnect(cport uint16) error {
	r.mutex.Lock()
	_, ok := r.connected[cport]
	delete(r.connected, cport)
	r.mutex.Unlock()

	if !ok {
		return pkg.ErrNoDriver
	}
	return r.transport.UnregisterDriver(cport)
}

// IsConnected reports whether Connect completed for cport.
func (r *Registrar) IsConnected(cport uint16) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.connected[cport]
	return ok
}
