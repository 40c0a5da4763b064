package mem

import (
	"fmt"
	"sync"

	"github.com/ardnew/softgb/fabric"
	"github.com/ardnew/softgb/pkg"
)

// DefaultQueueDepth is the number of frames buffered per cport.
const DefaultQueueDepth = 64

// Fabric is an in-memory fabric transport. Cports are connected in pairs;
// a frame sent on one end of a pair is delivered to the handler registered
// on the other end.
type Fabric struct {
	mutex   sync.Mutex
	ports   map[uint16]*port
	routes  map[uint16]uint16
	mailbox map[fabric.Mailbox]bool
	depth   int
	closed  bool

	mailboxCh chan fabric.Mailbox
}

type port struct {
	cport   uint16
	handler fabric.RxHandler
	queue   chan []byte
	resume  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty fabric.
func New() *Fabric {
	return &Fabric{
		ports:     make(map[uint16]*port),
		routes:    make(map[uint16]uint16),
		mailbox:   make(map[fabric.Mailbox]bool),
		depth:     DefaultQueueDepth,
		mailboxCh: make(chan fabric.Mailbox, 8),
	}
}

// Connect routes cport a to cport b and back. Both become connected.
func (f *Fabric) Connect(a, b uint16) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.closed {
		return pkg.ErrClosed
	}
	if _, ok := f.routes[a]; ok {
		return fmt.Errorf("cport %d: %w", a, pkg.ErrAlreadyRegistered)
	}
	if _, ok := f.routes[b]; ok {
		return fmt.Errorf("cport %d: %w", b, pkg.ErrAlreadyRegistered)
	}
	f.routes[a] = b
	f.routes[b] = a
	f.portLocked(a)
	f.portLocked(b)

	pkg.LogDebug(pkg.ComponentFabric, "route connected", "a", a, "b", b)
	return nil
}

// Disconnect removes the route involving cport.
func (f *Fabric) Disconnect(cport uint16) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if peer, ok := f.routes[cport]; ok {
		delete(f.routes, peer)
	}
	delete(f.routes, cport)
}

// portLocked returns the port state for cport, creating it if needed.
func (f *Fabric) portLocked(cport uint16) *port {
	p, ok := f.ports[cport]
	if !ok {
		p = &port{
			cport:  cport,
			queue:  make(chan []byte, f.depth),
			resume: make(chan struct{}, 1),
		}
		f.ports[cport] = p
	}
	return p
}

// InitCPort reports pkg.ErrNotConnected until the cport has a route.
func (f *Fabric) InitCPort(cport uint16) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.closed {
		return pkg.ErrClosed
	}
	if _, ok := f.routes[cport]; !ok {
		return fmt.Errorf("cport %d: %w", cport, pkg.ErrNotConnected)
	}
	return nil
}

// RegisterDriver installs the receive handler and starts delivery.
func (f *Fabric) RegisterDriver(cport uint16, handler fabric.RxHandler) error {
	if handler == nil {
		return pkg.ErrInvalidParameter
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.closed {
		return pkg.ErrClosed
	}
	p := f.portLocked(cport)
	if p.handler != nil {
		return fmt.Errorf("cport %d: %w", cport, pkg.ErrAlreadyRegistered)
	}
	p.handler = handler
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.deliver(handler, p.done)
	return nil
}

// deliver hands queued frames to the handler one at a time, pausing after
// each until UnpauseRx.
func (p *port) deliver(handler fabric.RxHandler, done <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-done:
			return
		case frame := <-p.queue:
			if err := handler(p.cport, frame); err != nil {
				pkg.LogDebug(pkg.ComponentFabric, "rx handler error",
					"cport", p.cport,
					"error", err)
			}
		}

		select {
		case <-done:
			return
		case <-p.resume:
		}
	}
}

// UnregisterDriver stops delivery and removes the handler.
func (f *Fabric) UnregisterDriver(cport uint16) error {
	f.mutex.Lock()
	p, ok := f.ports[cport]
	if !ok || p.handler == nil {
		f.mutex.Unlock()
		return pkg.ErrNoDriver
	}
	close(p.done)
	p.handler = nil
	f.mutex.Unlock()

	p.wg.Wait()
	return nil
}

// UnpauseRx re-arms reception on cport.
func (f *Fabric) UnpauseRx(cport uint16) error {
	f.mutex.Lock()
	p, ok := f.ports[cport]
	f.mutex.Unlock()
	if !ok {
		return fmt.Errorf("cport %d: %w", cport, pkg.ErrInvalidCPort)
	}
	select {
	case p.resume <- struct{}{}:
	default:
	}
	return nil
}

// Send copies data and queues it on the peer cport.
func (f *Fabric) Send(cport uint16, data []byte, release fabric.ReleaseFunc) error {
	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		return pkg.ErrClosed
	}
	peer, ok := f.routes[cport]
	if !ok {
		f.mutex.Unlock()
		return fmt.Errorf("cport %d: %w", cport, pkg.ErrNotConnected)
	}
	dst := f.portLocked(peer)
	f.mutex.Unlock()

	frame := make([]byte, len(data))
	copy(frame, data)

	select {
	case dst.queue <- frame:
	default:
		return fmt.Errorf("cport %d queue full: %w", peer, pkg.ErrNoMemory)
	}

	if release != nil {
		release(nil)
	}
	return nil
}

// SetMailbox records a supervisor mailbox write.
func (f *Fabric) SetMailbox(mb fabric.Mailbox, value bool) error {
	f.mutex.Lock()
	f.mailbox[mb] = value
	f.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentFabric, "mailbox set", "mailbox", mb.String(), "value", value)

	select {
	case f.mailboxCh <- mb:
	default:
	}
	return nil
}

// MailboxValue returns the last value written to a mailbox.
func (f *Fabric) MailboxValue(mb fabric.Mailbox) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.mailbox[mb]
}

// MailboxEvents returns a channel receiving each mailbox written.
func (f *Fabric) MailboxEvents() <-chan fabric.Mailbox {
	return f.mailboxCh
}

// Close stops delivery on every cport.
func (f *Fabric) Close() error {
	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		return nil
	}
	f.closed = true
	var active []*port
	for _, p := range f.ports {
		if p.handler != nil {
			close(p.done)
			p.handler = nil
			active = append(active, p)
		}
	}
	f.mutex.Unlock()

	for _, p := range active {
		p.wg.Wait()
	}
	return nil
}

var (
	_ fabric.Transport  = (*Fabric)(nil)
	_ fabric.Supervisor = (*Fabric)(nil)
)
