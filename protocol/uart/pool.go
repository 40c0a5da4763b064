package uart

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/atomic"

	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// rxNode pairs a pre-allocated receive-data operation with its receive area.
type rxNode struct {
	op   *greybus.Operation
	data []byte // Receive area following the length prefix
	n    int    // Bytes received
}

// rxPool is the bounded receive pool. At most len(nodes) buffers are ever
// armed or waiting to be sent; when none is free the device is left idle
// until the worker returns one.
//
// Every node is always in exactly one place: the free queue, the filled
// queue, or armed with the device. The device completion path only does
// non-blocking queue operations.
type rxPool struct {
	engine greybus.Engine
	cport  uint16
	dev    Device

	nodes  []*rxNode
	free   chan *rxNode
	filled chan *rxNode

	// Set when a completion found no free node to re-arm with.
	requireNode atomic.Bool

	worker *worker

	frames atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64
}

func newRxPool(engine greybus.Engine, cport uint16, entries, size int) (*rxPool, error) {
	if entries <= 0 || size <= 0 || size > greybus.MaxPayloadSize-dataSizeFieldSize {
		return nil, fmt.Errorf("receive pool %dx%d: %w", entries, size, pkg.ErrInvalidParameter)
	}
	p := &rxPool{
		engine: engine,
		cport:  cport,
		nodes:  make([]*rxNode, 0, entries),
		free:   make(chan *rxNode, entries),
		filled: make(chan *rxNode, entries),
		worker: newWorker(),
	}
	for i := 0; i < entries; i++ {
		op, err := engine.NewOperation(cport, TypeReceiveData, dataSizeFieldSize+size)
		if err != nil {
			p.destroy()
			return nil, fmt.Errorf("receive operation %d: %w", i, pkg.ErrNoMemory)
		}
		node := &rxNode{op: op, data: op.RequestPayload()[dataSizeFieldSize:]}
		p.nodes = append(p.nodes, node)
		p.free <- node
	}
	return p, nil
}

func (p *rxPool) setDevice(dev Device) {
	p.dev = dev
}

func (p *rxPool) start() {
	p.worker.start(p.process)
}

// kick asks the worker to arm the device with a free node.
func (p *rxPool) kick() {
	p.requireNode.Store(true)
	p.worker.post()
}

func (p *rxPool) arm(node *rxNode) error {
	return p.dev.StartReceiver(node.data, func(n int, err error) {
		p.complete(node, n, err)
	})
}

// complete runs in the device's completion context and never blocks.
func (p *rxPool) complete(node *rxNode, n int, err error) {
	if err != nil {
		p.errors.Inc()
		pkg.LogWarn(pkg.ComponentUART, "device io error",
			"func", "rxPool.complete",
			"cport", p.cport,
			"error", err)
	}
	if n < 0 {
		n = 0
	}
	if n > len(node.data) {
		n = len(node.data)
	}
	node.n = n

	select {
	case p.filled <- node:
	default:
		// Unreachable while every node is accounted for.
		panic("uart: receive pool overflow")
	}

	select {
	case next := <-p.free:
		if err := p.arm(next); err != nil {
			p.errors.Inc()
			pkg.LogWarn(pkg.ComponentUART, "cannot re-arm receiver",
				"func", "rxPool.complete",
				"cport", p.cport,
				"error", err)
			p.free <- next
			p.requireNode.Store(true)
		}
	default:
		p.requireNode.Store(true)
	}
	p.worker.post()
}

// process sends every filled node upstream in order, then re-arms the
// device if a completion left it idle.
func (p *rxPool) process() {
	for {
		var node *rxNode
		select {
		case node = <-p.filled:
		default:
		}
		if node == nil {
			break
		}
		p.send(node)
		p.free <- node
	}

	if !p.requireNode.Load() {
		return
	}
	select {
	case node := <-p.free:
		p.requireNode.Store(false)
		if err := p.arm(node); err != nil {
			p.errors.Inc()
			pkg.LogError(pkg.ComponentUART, "device io error",
				"func", "rxPool.process",
				"cport", p.cport,
				"error", err)
			p.free <- node
			p.requireNode.Store(true)
		}
	default:
	}
}

func (p *rxPool) send(node *rxNode) {
	if node.n == 0 {
		return
	}
	binary.LittleEndian.PutUint16(node.op.RequestPayload(), uint16(node.n))
	if err := node.op.SetPayloadSize(dataSizeFieldSize + node.n); err != nil {
		p.errors.Inc()
		return
	}
	defer node.op.SetPayloadSize(dataSizeFieldSize + len(node.data))

	if err := p.engine.SendRequest(node.op, nil, false); err != nil {
		p.errors.Inc()
		pkg.LogWarn(pkg.ComponentUART, "operation send error",
			"func", "rxPool.send",
			"cport", p.cport,
			"error", err)
		return
	}
	p.frames.Inc()
	p.bytes.Add(uint64(node.n))
}

// stop stops the worker. Nodes stay allocated until destroy.
func (p *rxPool) stop() {
	p.worker.stop()
}

func (p *rxPool) destroy() {
	for _, node := range p.nodes {
		p.engine.Destroy(node.op)
	}
	p.nodes = nil
}

// close stops the worker, then releases every operation.
func (p *rxPool) close() {
	p.stop()
	p.destroy()
}
