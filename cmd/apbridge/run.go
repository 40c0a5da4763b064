package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softgb/bridge"
	"github.com/ardnew/softgb/bridge/hal/fifo"
	"github.com/ardnew/softgb/config"
	"github.com/ardnew/softgb/pkg"
	"github.com/ardnew/softgb/protocol/loopback"
)

func init() {
	var traffic bool
	defineCommand(&cli.Command{
		Name:  "run",
		Usage: "Bridge the FIFO host link to the simulated fabric until interrupted.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "traffic",
				Usage:       "Generate loopback requests toward the host on loopback cports.",
				Destination: &traffic,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signalContext(c)
			defer stop()
			return runBridge(ctx, cfg, traffic, nil)
		},
	})
}

// runBridge serves until ctx is done. ready, if not nil, receives the
// bridge directory once the host FIFOs exist.
func runBridge(ctx context.Context, cfg config.Config, traffic bool, ready chan<- string) error {
	host := fifo.New(cfg.Host.BusDir, cfg.Host.Buffers)
	if err := host.Init(ctx); err != nil {
		return err
	}

	s, err := newStack(ctx, cfg)
	if err != nil {
		host.Close()
		return err
	}
	// The host closes first: fabric deliveries blocked writing to it must
	// return before the fabric waits for them.
	defer func() {
		host.Close()
		s.Close()
	}()

	b := bridge.New(host, s.fabric, s.fabric, newRegistrar(s.fabric, cfg.Fabric))
	pkg.LogInfo(pkg.ComponentBridge, "bridge started",
		"dir", host.BridgeDir(),
		"cports", len(cfg.CPorts))
	if ready != nil {
		ready <- host.BridgeDir()
	}

	opts, err := cfg.Loopback.Options()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := <-b.BringUp(gctx, cfg.HostCPorts()); err != nil {
			return err
		}
		if traffic {
			for _, cp := range cfg.CPorts {
				if cp.Protocol != config.ProtocolLoopback {
					continue
				}
				peer := cp.Peer
				g.Go(func() error {
					return generate(gctx, s.loopback, peer, opts)
				})
			}
		}
		return b.Run(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Listen,
				loopback.NewCollector(s.loopback),
				newBridgeCollector(b))
		})
	}

	err = g.Wait()
	st := b.Stats()
	pkg.LogInfo(pkg.ComponentBridge, "bridge stopped",
		"hostFrames", st.HostFrames,
		"fabricFrames", st.FabricFrames,
		"dropped", st.Dropped)
	s.logStats()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// generate runs loopback traffic on cport. A finished or cancelled run is
// not a bridge failure.
func generate(ctx context.Context, r *loopback.Registry, cport uint16, opts loopback.Options) error {
	err := r.Run(ctx, cport, opts)
	if err != nil && !errors.Is(err, context.Canceled) {
		pkg.LogWarn(pkg.ComponentLoopback, "traffic stopped", "cport", cport, "error", err)
	}
	return nil
}
