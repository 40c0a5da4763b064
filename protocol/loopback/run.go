package loopback

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ardnew/softgb/pkg"
)

// DefaultWindow is the number of requests a run keeps outstanding.
const DefaultWindow = 1

// Options configures a traffic run.
type Options struct {
	Type   uint8   // TypePing, TypeTransfer or TypeSink
	Size   int     // Data length of transfer and sink requests
	Count  int     // Requests to send; 0 runs until the context is done
	Rate   float64 // Requests per second; 0 sends as fast as the window allows
	Window int     // Outstanding requests; DefaultWindow if zero
}

// Run generates loopback traffic on cport. It returns once Count requests
// have completed, or with the context's error once ctx is done and every
// outstanding request has completed. A request the transport refuses for
// lack of memory counts as an error and the run goes on.
func (r *Registry) Run(ctx context.Context, cport uint16, opts Options) error {
	inst, err := r.lookup(cport)
	if err != nil {
		return err
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}

	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	inflight := semaphore.NewWeighted(int64(window))

	pkg.LogInfo(pkg.ComponentLoopback, "loopback run",
		"cport", cport,
		"type", opts.Type,
		"size", opts.Size,
		"count", opts.Count,
		"rate", opts.Rate)

	for sent := 0; opts.Count == 0 || sent < opts.Count; sent++ {
		if err = limiter.Wait(ctx); err != nil {
			// The limiter refuses waits that would outlast the deadline.
			<-ctx.Done()
			err = ctx.Err()
			break
		}
		if err = inflight.Acquire(ctx, 1); err != nil {
			break
		}
		if err = r.sendRequest(cport, opts.Size, opts.Type, func() { inflight.Release(1) }); err != nil {
			inflight.Release(1)
			if errors.Is(err, pkg.ErrNoMemory) {
				// Transport backpressure fails one request, not the run.
				inst.recordError()
				err = nil
				continue
			}
			break
		}
	}

	// Every request completes, by response, timeout or interruption.
	inflight.Acquire(context.Background(), int64(window))
	return err
}
