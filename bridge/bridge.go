package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softgb/bridge/hal"
	"github.com/ardnew/softgb/fabric"
	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
)

// DefaultWriteTimeout bounds each frame write to the host.
const DefaultWriteTimeout = time.Second

// Stats holds bridge frame counters.
type Stats struct {
	HostFrames   uint64 // Frames forwarded host to fabric
	FabricFrames uint64 // Frames forwarded fabric to host
	Dropped      uint64 // Frames rejected in either direction
}

// Bridge moves frames between the host link and the fabric, carrying each
// frame's cport in the operation header's pad bytes on the host side.
type Bridge struct {
	host       hal.HostHAL
	transport  fabric.Transport
	supervisor fabric.Supervisor
	registrar  *fabric.Registrar

	writeTimeout atomic.Duration

	hostFrames   atomic.Uint64
	fabricFrames atomic.Uint64
	dropped      atomic.Uint64
}

// New creates a bridge. If r is nil a registrar with the default retry
// policy is created on t.
func New(host hal.HostHAL, t fabric.Transport, svc fabric.Supervisor, r *fabric.Registrar) *Bridge {
	if r == nil {
		r = fabric.NewRegistrar(t)
	}
	b := &Bridge{
		host:       host,
		transport:  t,
		supervisor: svc,
		registrar:  r,
	}
	b.writeTimeout.Store(DefaultWriteTimeout)
	return b
}

// SetWriteTimeout sets how long a fabric frame may wait for the host to
// accept it before it is dropped.
func (b *Bridge) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		b.writeTimeout.Store(d)
	}
}

// HostToFabric forwards one host frame to the fabric.
//
// The cport is taken from the pad bytes, which are cleared before the frame
// is handed to the fabric. On success the bridge owns buf until the fabric
// releases it, after which it goes back to the host HAL's pool. On error buf
// is untouched beyond the cleared pad bytes and the caller keeps it.
func (b *Bridge) HostToFabric(buf []byte) error {
	f, err := DecodeHostFrame(buf)
	if err != nil {
		b.dropped.Inc()
		return err
	}

	if pkg.GetLogLevel() <= zapcore.DebugLevel {
		pkg.LogDebug(pkg.ComponentBridge, "host to fabric", "frame", f.String())
	}

	release := func(err error) {
		if err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "fabric send failed",
				"cport", f.CPort,
				"error", err)
		}
		b.host.ReleaseBuffer(buf)
	}
	if err := b.transport.Send(f.CPort, f.Data, release); err != nil {
		b.dropped.Inc()
		return fmt.Errorf("cport %d: %w", f.CPort, err)
	}
	b.hostFrames.Inc()
	return nil
}

// FabricToHost forwards one fabric frame received on cport to the host.
//
// The frame length is taken from the operation header's size field, not
// from len(data); the pad bytes are tagged only if data holds a full header.
func (b *Bridge) FabricToHost(cport uint16, data []byte) error {
	n := len(data)
	if size := greybus.PacketSize(data); size > 0 {
		if size > n {
			pkg.LogWarn(pkg.ComponentBridge, "frame size exceeds buffer",
				"cport", cport,
				"size", size,
				"length", n)
		} else {
			n = size
		}
	}

	f := Frame{CPort: cport, Data: data[:n]}
	if pkg.GetLogLevel() <= zapcore.DebugLevel {
		pkg.LogDebug(pkg.ComponentBridge, "fabric to host", "frame", f.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout.Load())
	defer cancel()
	if err := b.host.WriteFrame(ctx, f.Encode()); err != nil {
		b.dropped.Inc()
		pkg.LogError(pkg.ComponentBridge, "host write failed",
			"cport", cport,
			"error", err)
		return err
	}
	b.fabricFrames.Inc()
	return nil
}

// BringUp starts the one-shot bring-up sequence on its own goroutine: wait
// for the host, connect every cport on the fabric, then raise the bridge
// ready mailbox. The returned channel yields the outcome and is closed.
func (b *Bridge) BringUp(ctx context.Context, cports []uint16) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- b.bringUp(ctx, cports)
	}()
	return done
}

func (b *Bridge) bringUp(ctx context.Context, cports []uint16) error {
	pkg.LogInfo(pkg.ComponentBridge, "waiting for host")
	if err := b.host.WaitReady(ctx); err != nil {
		return fmt.Errorf("wait host: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cport := range cports {
		cport := cport
		g.Go(func() error {
			return b.registrar.Connect(gctx, cport, b.FabricToHost)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("connect cports: %w", err)
	}

	if err := b.supervisor.SetMailbox(fabric.MailboxReadyAP, true); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	pkg.LogInfo(pkg.ComponentBridge, "bridge ready", "cports", len(cports))
	return nil
}

// Run reads frames from the host and forwards them to the fabric until ctx
// is done or the host link closes.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		buf, err := b.host.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, pkg.ErrClosed) || errors.Is(err, pkg.ErrNotRunning) || errors.Is(err, os.ErrClosed) {
				return err
			}
			pkg.LogWarn(pkg.ComponentBridge, "host read failed", "error", err)
			continue
		}

		if err := b.HostToFabric(buf); err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "dropping host frame",
				"length", len(buf),
				"error", err)
			b.host.ReleaseBuffer(buf)
		}
	}
}

// Stats returns a snapshot of the frame counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		HostFrames:   b.hostFrames.Load(),
		FabricFrames: b.fabricFrames.Load(),
		Dropped:      b.dropped.Load(),
	}
}
