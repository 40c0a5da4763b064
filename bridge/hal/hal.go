package hal

import (
	"context"

	"github.com/ardnew/softgb/pkg"
)

// HostHAL defines the host-facing link of the bridge.
//
// Every frame crossing the link carries its cport in the operation header's
// pad bytes. Implementations hand out received frames in buffers drawn from
// a bounded pool; the bridge returns each buffer with ReleaseBuffer once the
// fabric is done with it.
//
// All methods should be safe for concurrent use.
type HostHAL interface {
	// Init creates the link resources.
	// The context can be used to cancel initialization.
	Init(ctx context.Context) error

	// WaitReady blocks until the host signals it is ready or the context
	// is cancelled.
	WaitReady(ctx context.Context) error

	// IsReady returns true once the host has signalled readiness.
	IsReady() bool

	// ReadFrame blocks until a frame arrives from the host and returns it
	// in a pooled buffer. The buffer must be passed to ReleaseBuffer.
	ReadFrame(ctx context.Context) ([]byte, error)

	// ReleaseBuffer returns a buffer obtained from ReadFrame to the pool.
	ReleaseBuffer(buf []byte)

	// WriteFrame sends a tagged frame to the host.
	WriteFrame(ctx context.Context, frame []byte) error

	// Close releases the link resources. Blocked calls return.
	Close() error
}

// BufferPool is a fixed set of equally sized buffers.
type BufferPool struct {
	free chan []byte
	size int
}

// NewBufferPool allocates count buffers of size bytes each.
func NewBufferPool(count, size int) *BufferPool {
	p := &BufferPool{
		free: make(chan []byte, count),
		size: size,
	}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

// Get blocks until a buffer is free or the context is cancelled.
func (p *BufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-p.free:
		return buf, nil
	default:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case buf := <-p.free:
		return buf, nil
	}
}

// TryGet returns a free buffer without blocking.
func (p *BufferPool) TryGet() ([]byte, bool) {
	select {
	case buf := <-p.free:
		return buf, true
	default:
		return nil, false
	}
}

// Put returns a buffer to the pool. Buffers not allocated by the pool, and
// buffers beyond its capacity, are dropped.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) != p.size {
		pkg.LogWarn(pkg.ComponentHAL, "foreign buffer returned to pool",
			"cap", cap(buf),
			"size", p.size)
		return
	}
	select {
	case p.free <- buf[:p.size]:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "buffer pool overflow")
	}
}

// Available returns the number of free buffers.
func (p *BufferPool) Available() int {
	return len(p.free)
}

// Size returns the size of each buffer.
func (p *BufferPool) Size() int {
	return p.size
}
