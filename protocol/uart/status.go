package uart

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// statusReporter forwards serial state changes to the host using a single
// pre-allocated operation.
type statusReporter struct {
	engine greybus.Engine
	cport  uint16
	op     *greybus.Operation

	// Latest register values from the device callbacks
	modem atomic.Uint32
	line  atomic.Uint32

	// Last state sent; owned by the worker once started
	last uint16

	worker *worker

	reports atomic.Uint64
	errors  atomic.Uint64
}

func newStatusReporter(engine greybus.Engine, cport uint16) (*statusReporter, error) {
	op, err := engine.NewOperation(cport, TypeSerialState, serialStateSize)
	if err != nil {
		return nil, fmt.Errorf("serial state operation: %w", pkg.ErrNoMemory)
	}
	return &statusReporter{
		engine: engine,
		cport:  cport,
		op:     op,
		worker: newWorker(),
	}, nil
}

// setInitial records the state the host is assumed to know already.
func (s *statusReporter) setInitial(ms ModemStatus, ls LineStatus) {
	s.modem.Store(uint32(ms))
	s.line.Store(uint32(ls))
	s.last = SerialState(ms, ls)
}

func (s *statusReporter) start() {
	s.worker.start(func() { s.process() })
}

func (s *statusReporter) onModemStatus(ms ModemStatus) {
	s.modem.Store(uint32(ms))
	s.worker.post()
}

func (s *statusReporter) onLineStatus(ls LineStatus) {
	s.line.Store(uint32(ls))
	s.worker.post()
}

// process sends the current serial state if it differs from the last one
// sent. A failed send leaves the state pending for the next wake. It reports
// whether a send was attempted.
func (s *statusReporter) process() bool {
	state := SerialState(ModemStatus(s.modem.Load()), LineStatus(s.line.Load()))
	if state == s.last {
		return false
	}

	payload := s.op.RequestPayload()
	payload[0] = 0
	binary.LittleEndian.PutUint16(payload[1:], state)
	if err := s.engine.SendRequest(s.op, nil, false); err != nil {
		s.errors.Inc()
		pkg.LogWarn(pkg.ComponentUART, "operation send error",
			"func", "statusReporter.process",
			"cport", s.cport,
			"error", err)
		return true
	}
	s.last = state
	s.reports.Inc()
	pkg.LogDebug(pkg.ComponentUART, "serial state",
		"cport", s.cport,
		"state", fmt.Sprintf("%#04x", state))
	return true
}

func (s *statusReporter) close() {
	s.worker.stop()
	s.engine.Destroy(s.op)
	s.op = nil
}
