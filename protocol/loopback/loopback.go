// Package loopback implements the loopback diagnostic protocol.
//
// Each registered cport answers loopback requests from its peer and can
// generate ping, transfer and sink requests of its own. Completed requests
// feed per-cport statistics smoothed with an equal-weight running average:
// every new sample s moves a field from old to (old+s)/2.
//
// Instances live in a Registry. The registry is append-only: Stats, Reset
// and ErrorCount hold the registry lock only long enough to find the
// instance, then release it before taking the instance lock.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// Loopback operation types.
const (
	TypeProtocolVersion = 0x01
	TypePing            = 0x02
	TypeTransfer        = 0x03
	TypeSink            = 0x04
)

// Protocol version reported by the version handler.
const (
	VersionMajor = 0
	VersionMinor = 1
)

// lengthFieldSize is the length prefix of transfer and sink payloads.
const lengthFieldSize = 4

// MaxDataSize is the largest transfer or sink data length.
const MaxDataSize = greybus.MaxPayloadSize - lengthFieldSize

// minRoundTrip bounds the round-trip time used in rate calculations.
const minRoundTrip = time.Microsecond

// Stats is a snapshot of one cport's loopback statistics.
type Stats struct {
	Received          uint64        // Successful completions
	Errors            uint64        // Failed or mismatched completions
	Latency           time.Duration // Smoothed round-trip time
	Throughput        float64       // Smoothed bytes per second
	RequestsPerSecond float64       // Smoothed requests per second
}

type instance struct {
	cport  uint16
	engine greybus.Engine

	mutex sync.Mutex
	stats Stats
}

// Registry holds the loopback instance of every registered cport.
type Registry struct {
	clock clock.Clock

	mutex     sync.Mutex
	instances []*instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clock: clock.New()}
}

// SetClock replaces the clock used to time requests.
func (r *Registry) SetClock(clk clock.Clock) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.clock = clk
}

func (r *Registry) now() time.Time {
	r.mutex.Lock()
	clk := r.clock
	r.mutex.Unlock()
	return clk.Now()
}

// Register adds a loopback instance for cport and attaches the loopback
// driver to it on engine.
func (r *Registry) Register(ctx context.Context, engine greybus.Engine, cport uint16) error {
	inst := &instance{cport: cport, engine: engine}

	r.mutex.Lock()
	for _, other := range r.instances {
		if other.cport == cport {
			r.mutex.Unlock()
			return fmt.Errorf("loopback cport %d: %w", cport, pkg.ErrAlreadyRegistered)
		}
	}
	r.instances = append(r.instances, inst)
	r.mutex.Unlock()

	if err := engine.RegisterDriver(ctx, cport, Driver()); err != nil {
		r.remove(inst)
		return err
	}
	pkg.LogInfo(pkg.ComponentLoopback, "loopback registered", "cport", cport)
	return nil
}

// remove drops an instance whose driver never attached. Holders of the
// pointer keep a valid, detached instance.
func (r *Registry) remove(inst *instance) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, other := range r.instances {
		if other == inst {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			return
		}
	}
}

func (r *Registry) find(cport uint16) *instance {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, inst := range r.instances {
		if inst.cport == cport {
			return inst
		}
	}
	return nil
}

func (r *Registry) lookup(cport uint16) (*instance, error) {
	inst := r.find(cport)
	if inst == nil {
		return nil, fmt.Errorf("loopback cport %d: %w", cport, pkg.ErrInvalidCPort)
	}
	return inst, nil
}

// Valid reports whether cport has a loopback instance.
func (r *Registry) Valid(cport uint16) bool {
	return r.find(cport) != nil
}

// Stats returns a consistent snapshot of the statistics of cport.
func (r *Registry) Stats(cport uint16) (Stats, error) {
	inst, err := r.lookup(cport)
	if err != nil {
		return Stats{}, err
	}
	inst.mutex.Lock()
	defer inst.mutex.Unlock()
	return inst.stats, nil
}

// ErrorCount returns the number of failed requests on cport since the last
// reset.
func (r *Registry) ErrorCount(cport uint16) (uint64, error) {
	inst, err := r.lookup(cport)
	if err != nil {
		return 0, err
	}
	inst.mutex.Lock()
	defer inst.mutex.Unlock()
	return inst.stats.Errors, nil
}

// Reset clears the statistics and error count of cport.
func (r *Registry) Reset(cport uint16) error {
	inst, err := r.lookup(cport)
	if err != nil {
		return err
	}
	inst.mutex.Lock()
	inst.stats = Stats{}
	inst.mutex.Unlock()
	return nil
}

// CPorts returns the registered cports in registration order.
func (r *Registry) CPorts() []uint16 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	cports := make([]uint16, len(r.instances))
	for i, inst := range r.instances {
		cports[i] = inst.cport
	}
	return cports
}

// ForEach calls fn for every registered cport, stopping at the first error.
// fn runs without the registry lock held and may call back into r.
func (r *Registry) ForEach(fn func(cport uint16) error) error {
	for _, cport := range r.CPorts() {
		if err := fn(cport); err != nil {
			return err
		}
	}
	return nil
}

func (inst *instance) recordError() {
	inst.mutex.Lock()
	inst.stats.Errors++
	inst.mutex.Unlock()
}

// recordSuccess folds one completed request into the statistics. size is
// the request size counted once in each direction.
func (inst *instance) recordSuccess(rtt time.Duration, size int) {
	if rtt < minRoundTrip {
		rtt = minRoundTrip
	}
	secs := rtt.Seconds()
	rps := 1 / secs
	tps := float64(2*size) / secs

	inst.mutex.Lock()
	defer inst.mutex.Unlock()
	s := &inst.stats
	s.Received++
	s.Latency = (s.Latency + rtt) / 2
	s.Throughput = (s.Throughput + tps) / 2
	s.RequestsPerSecond = (s.RequestsPerSecond + rps) / 2
}
