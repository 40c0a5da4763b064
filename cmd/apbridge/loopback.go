package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softgb/config"
	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/protocol/loopback"
)

func init() {
	defineCommand(&cli.Command{
		Name:  "loopback",
		Usage: "Generate loopback traffic across the simulated fabric and print statistics.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Usage: "Request `type`: ping, transfer or sink.",
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "Data `length` of transfer and sink requests.",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Requests per cport; 0 runs until interrupted.",
			},
		},
		Action: func(c *cli.Context) error {
			lc := cfg.Loopback
			if c.IsSet("type") {
				lc.Type = c.String("type")
			}
			if c.IsSet("size") {
				lc.Size = c.Int("size")
			}
			if c.IsSet("count") {
				lc.Count = c.Int("count")
			}
			run := cfg
			run.Loopback = lc
			if err := run.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(c)
			defer stop()
			return simulate(ctx, run, c.App.Writer)
		},
	})
}

// simulate runs loopback traffic from a host-side core on every loopback
// cport and writes one statistics row per cport to w.
func simulate(ctx context.Context, cfg config.Config, w io.Writer) (err error) {
	opts, err := cfg.Loopback.Options()
	if err != nil {
		return err
	}

	s, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	host := greybus.NewCore(s.fabric, newRegistrar(s.fabric, cfg.Fabric))
	defer func() {
		err = multierr.Combine(err, host.Stop(), s.Close())
	}()

	client := loopback.NewRegistry()
	for _, cp := range cfg.CPorts {
		if cp.Protocol != config.ProtocolLoopback {
			continue
		}
		if err := client.Register(ctx, host, cp.ID); err != nil {
			return fmt.Errorf("cport %d: %w", cp.ID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cport := range client.CPorts() {
		cport := cport
		g.Go(func() error {
			return client.Run(gctx, cport, opts)
		})
	}
	runErr := g.Wait()
	if ctx.Err() != nil {
		runErr = nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CPORT\tRECEIVED\tERRORS\tLATENCY\tTHROUGHPUT(B/s)\tREQ/s")
	client.ForEach(func(cport uint16) error {
		st, err := client.Stats(cport)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%.0f\t%.1f\n",
			cport, st.Received, st.Errors, st.Latency, st.Throughput, st.RequestsPerSecond)
		return nil
	})
	return multierr.Append(runErr, tw.Flush())
}
