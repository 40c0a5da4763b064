package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/ardnew/softgb/config"
	"github.com/ardnew/softgb/fabric"
	"github.com/ardnew/softgb/fabric/mem"
	"github.com/ardnew/softgb/greybus"
	"github.com/ardnew/softgb/pkg"
	"github.com/ardnew/softgb/protocol/loopback"
	"github.com/ardnew/softgb/protocol/uart"
	"github.com/ardnew/softgb/protocol/uart/simuart"
)

// stack is the module side of the simulated fabric: one core serving the
// configured protocol on the peer of every host cport.
type stack struct {
	fabric   *mem.Fabric
	core     *greybus.Core
	loopback *loopback.Registry
	uarts    []*uart.UART
}

func newRegistrar(t fabric.Transport, fc config.Fabric) *fabric.Registrar {
	r := fabric.NewRegistrar(t)
	r.SetRetryInterval(time.Duration(fc.ConnectInterval))
	r.SetWarnAfter(fc.WarnAfter)
	return r
}

// openEcho opens a simulated serial device that loops transmitted bytes
// back to its receiver.
func openEcho(cport uint16) (uart.Device, error) {
	dev := simuart.New()
	dev.SetEcho(true)
	return dev.Open(cport)
}

func newStack(ctx context.Context, cfg config.Config) (*stack, error) {
	f := mem.New()
	for _, cp := range cfg.CPorts {
		if err := f.Connect(cp.ID, cp.Peer); err != nil {
			f.Close()
			return nil, err
		}
	}

	s := &stack{
		fabric:   f,
		core:     greybus.NewCore(f, newRegistrar(f, cfg.Fabric)),
		loopback: loopback.NewRegistry(),
	}
	for _, cp := range cfg.CPorts {
		if err := s.attach(ctx, cp, cfg.UART); err != nil {
			s.Close()
			return nil, fmt.Errorf("cport %d (%s): %w", cp.Peer, cp.Protocol, err)
		}
	}
	return s, nil
}

func (s *stack) attach(ctx context.Context, cp config.CPort, uc config.UART) error {
	switch cp.Protocol {
	case config.ProtocolUART:
		u, err := uart.Register(ctx, s.core, cp.Peer, openEcho, uc.Config())
		if err != nil {
			return err
		}
		s.uarts = append(s.uarts, u)
	case config.ProtocolLoopback:
		return s.loopback.Register(ctx, s.core, cp.Peer)
	default:
		return pkg.ErrInvalidParameter
	}
	return nil
}

// Close stops the core, which exits every driver, then the fabric.
func (s *stack) Close() error {
	return multierr.Combine(s.core.Stop(), s.fabric.Close())
}

func (s *stack) logStats() {
	for _, u := range s.uarts {
		st := u.Stats()
		pkg.LogInfo(pkg.ComponentUART, "uart statistics",
			"cport", u.CPort(),
			"rxFrames", st.RxFrames,
			"rxBytes", st.RxBytes,
			"statusReports", st.StatusReports,
			"errors", st.Errors)
	}
	s.loopback.ForEach(func(cport uint16) error {
		st, err := s.loopback.Stats(cport)
		if err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentLoopback, "loopback statistics",
			"cport", cport,
			"received", st.Received,
			"errors", st.Errors,
			"latency", st.Latency)
		return nil
	})
}
