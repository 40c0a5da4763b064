package fifo

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/ardnew/softgb/bridge/hal"
	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// MaxFrameSize is the largest frame carried in one message.
const MaxFrameSize = greybus.MaxOperationSize

// DefaultBufferCount is the number of receive buffers when none is given.
const DefaultBufferCount = 16

// Message types for the FIFO protocol (must match Client).
const (
	msgFrame = 0x02 // Tagged operation frame
)

// Header size for messages.
const headerSize = 3 // type (1) + length (2)

// Connection signal bytes (host to bridge).
const (
	sigReady  = 0x01 // Host ready for traffic
	sigGoaway = 0x00 // Host going away
)

// FIFO file names.
const (
	fifoHostToBridge = "host_to_bridge"
	fifoBridgeToHost = "bridge_to_host"
	fifoConnection   = "connection"
)

// DirPrefix prefixes every bridge directory under the bus directory.
const DirPrefix = "bridge-"

// pollInterval bounds each blocking read or write so cancellation is
// observed.
const pollInterval = 100 * time.Millisecond

// HAL implements hal.HostHAL using named pipes (FIFOs).
// Each bridge instance creates a unique subdirectory under the bus directory
// so several bridges can share one bus.
type HAL struct {
	// Bus directory (root directory shared with host)
	busDir string

	// Bridge subdirectory (busDir/bridge-{uuid}/)
	bridgeDir string
	id        string

	hostToBridgeRead  *os.File // Bridge reads frames from host
	bridgeToHostWrite *os.File // Bridge writes frames to host
	connectionRead    *os.File // Bridge reads host readiness

	pool *hal.BufferPool

	ready atomic.Bool

	// Synchronization
	mutex      sync.RWMutex
	readMutex  sync.Mutex
	writeMutex sync.Mutex
	initDone   bool
	readyCh    chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
}

// New creates a FIFO host HAL with count receive buffers.
// The bridge creates its own subdirectory (bridge-{uuid}/) inside busDir.
func New(busDir string, count int) *HAL {
	if count <= 0 {
		count = DefaultBufferCount
	}
	return &HAL{
		busDir:  busDir,
		pool:    hal.NewBufferPool(count, MaxFrameSize),
		readyCh: make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Init creates the bridge subdirectory and FIFO files.
func (h *HAL) Init(ctx context.Context) (err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	h.id = uuid.NewString()
	h.bridgeDir = filepath.Join(h.busDir, DirPrefix+h.id)

	if err := os.MkdirAll(h.bridgeDir, 0o755); err != nil {
		return fmt.Errorf("create bridge dir: %w", err)
	}

	defer func() {
		if err != nil {
			h.cleanup()
		}
	}()

	for _, name := range []string{fifoHostToBridge, fifoBridgeToHost, fifoConnection} {
		if err := createFIFO(filepath.Join(h.bridgeDir, name)); err != nil {
			return err
		}
	}

	// O_RDWR keeps each pipe open without a peer so the host can attach
	// and detach freely.
	if h.hostToBridgeRead, err = openFIFO(h.bridgeDir, fifoHostToBridge); err != nil {
		return err
	}
	if h.bridgeToHostWrite, err = openFIFO(h.bridgeDir, fifoBridgeToHost); err != nil {
		return err
	}
	if h.connectionRead, err = openFIFO(h.bridgeDir, fifoConnection); err != nil {
		return err
	}

	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo host HAL initialized",
		"busDir", h.busDir,
		"bridgeDir", h.bridgeDir)
	return nil
}

// WaitReady blocks until the host writes the ready signal.
func (h *HAL) WaitReady(ctx context.Context) error {
	if h.IsReady() {
		return nil
	}

	h.mutex.RLock()
	f := h.connectionRead
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotRunning
	}

	var sig [1]byte
	for {
		if _, err := readFull(ctx, h.closeCh, f, sig[:]); err != nil {
			return err
		}
		switch sig[0] {
		case sigReady:
			if h.ready.CAS(false, true) {
				close(h.readyCh)
			}
			pkg.LogInfo(pkg.ComponentHAL, "host ready")
			return nil
		case sigGoaway:
			pkg.LogDebug(pkg.ComponentHAL, "host goaway before ready")
		default:
			pkg.LogWarn(pkg.ComponentHAL, "unknown connection signal", "signal", sig[0])
		}
	}
}

// IsReady returns true once the host has signalled readiness.
func (h *HAL) IsReady() bool {
	return h.ready.Load()
}

// Ready returns a channel closed when the host signals readiness.
func (h *HAL) Ready() <-chan struct{} {
	return h.readyCh
}

// ReadFrame reads the next frame from the host into a pooled buffer.
func (h *HAL) ReadFrame(ctx context.Context) ([]byte, error) {
	h.mutex.RLock()
	f := h.hostToBridgeRead
	h.mutex.RUnlock()
	if f == nil {
		return nil, pkg.ErrNotRunning
	}

	buf, err := h.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	h.readMutex.Lock()
	n, err := readMessage(ctx, h.closeCh, f, buf)
	h.readMutex.Unlock()
	if err != nil {
		h.pool.Put(buf)
		return nil, err
	}
	return buf[:n], nil
}

// ReleaseBuffer returns a buffer from ReadFrame to the pool.
func (h *HAL) ReleaseBuffer(buf []byte) {
	h.pool.Put(buf)
}

// Available returns the number of free receive buffers.
func (h *HAL) Available() int {
	return h.pool.Available()
}

// WriteFrame sends a tagged frame to the host.
func (h *HAL) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrClosed
	default:
	}

	h.mutex.RLock()
	f := h.bridgeToHostWrite
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotRunning
	}

	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()
	return writeMessage(ctx, h.closeCh, f, msgFrame, frame)
}

// Close closes every FIFO and removes the bridge directory.
func (h *HAL) Close() error {
	h.closeOnce.Do(func() {
		close(h.closeCh)
	})

	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.cleanup()
	h.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo host HAL closed")
	return err
}

// cleanup closes all FIFOs and removes the bridge directory.
func (h *HAL) cleanup() error {
	var err error
	for _, f := range []**os.File{&h.hostToBridgeRead, &h.bridgeToHostWrite, &h.connectionRead} {
		if *f != nil {
			err = multierr.Append(err, (*f).Close())
			*f = nil
		}
	}
	if h.bridgeDir != "" {
		err = multierr.Append(err, os.RemoveAll(h.bridgeDir))
	}
	return err
}

// BridgeDir returns the bridge subdirectory path.
func (h *HAL) BridgeDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.bridgeDir
}

// ID returns the bridge's unique identifier.
func (h *HAL) ID() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

// createFIFO creates a named pipe at path, replacing any existing file.
func createFIFO(path string) error {
	os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", filepath.Base(path), err)
	}
	return nil
}

// openFIFO opens a named pipe without blocking on its peer.
func openFIFO(dir, name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, polling so that ctx and done are
// observed between reads.
func readFull(ctx context.Context, done <-chan struct{}, f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-done:
			return total, pkg.ErrClosed
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// readMessage reads one [type, len_lo, len_hi, data...] message into buf and
// returns the data length. Messages of other types are skipped.
func readMessage(ctx context.Context, done <-chan struct{}, f *os.File, buf []byte) (int, error) {
	var header [headerSize]byte
	for {
		if _, err := readFull(ctx, done, f, header[:]); err != nil {
			return 0, err
		}
		typ := header[0]
		length := int(binary.LittleEndian.Uint16(header[1:3]))

		if length > len(buf) {
			if err := discard(ctx, done, f, length); err != nil {
				return 0, err
			}
			return 0, pkg.ErrBufferTooSmall
		}
		if _, err := readFull(ctx, done, f, buf[:length]); err != nil {
			return 0, err
		}
		if typ != msgFrame {
			pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", typ)
			continue
		}
		return length, nil
	}
}

// writeMessage writes one message, polling so that ctx and done are observed
// while the peer is not draining the pipe. Once part of the message is out,
// only done aborts the write, keeping the stream aligned on message headers.
func writeMessage(ctx context.Context, done <-chan struct{}, f *os.File, typ byte, data []byte) error {
	if len(data) > MaxFrameSize {
		return pkg.ErrPayloadTooLarge
	}
	buf := make([]byte, headerSize+len(data))
	buf[0] = typ
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	copy(buf[headerSize:], data)

	for written := 0; written < len(buf); {
		select {
		case <-done:
			return pkg.ErrClosed
		default:
		}
		if written == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		f.SetWriteDeadline(time.Now().Add(pollInterval))
		n, err := f.Write(buf[written:])
		written += n
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// discard drains n bytes so the stream stays aligned on message headers.
func discard(ctx context.Context, done <-chan struct{}, f *os.File, n int) error {
	var scratch [256]byte
	for n > 0 {
		chunk := n
		if chunk > len(scratch) {
			chunk = len(scratch)
		}
		if _, err := readFull(ctx, done, f, scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Compile-time interface check
var _ hal.HostHAL = (*HAL)(nil)
