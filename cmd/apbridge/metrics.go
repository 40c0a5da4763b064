package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/softgb/bridge"
	"github.com/ardnew/softgb/pkg"
	"github.com/ardnew/softgb/pkg/prof"
)

const shutdownTimeout = 2 * time.Second

var (
	descHostFrames = prometheus.NewDesc(
		"softgb_bridge_host_frames_total",
		"Frames forwarded from the host to the fabric.",
		nil, nil)
	descFabricFrames = prometheus.NewDesc(
		"softgb_bridge_fabric_frames_total",
		"Frames forwarded from the fabric to the host.",
		nil, nil)
	descDropped = prometheus.NewDesc(
		"softgb_bridge_dropped_frames_total",
		"Frames rejected in either direction.",
		nil, nil)
)

type bridgeCollector struct {
	bridge *bridge.Bridge
}

func newBridgeCollector(b *bridge.Bridge) *bridgeCollector {
	return &bridgeCollector{bridge: b}
}

func (c *bridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descHostFrames
	ch <- descFabricFrames
	ch <- descDropped
}

func (c *bridgeCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.bridge.Stats()
	ch <- prometheus.MustNewConstMetric(descHostFrames, prometheus.CounterValue, float64(st.HostFrames))
	ch <- prometheus.MustNewConstMetric(descFabricFrames, prometheus.CounterValue, float64(st.FabricFrames))
	ch <- prometheus.MustNewConstMetric(descDropped, prometheus.CounterValue, float64(st.Dropped))
}

var _ prometheus.Collector = (*bridgeCollector)(nil)

func newMetricsHandler(cs ...prometheus.Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	cs = append(cs, collectors.NewGoCollector())
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	prof.Register(mux)
	return mux, nil
}

// serveMetrics serves /metrics and /debug/pprof/ on listen until ctx is done.
func serveMetrics(ctx context.Context, listen string, cs ...prometheus.Collector) error {
	h, err := newMetricsHandler(cs...)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: listen, Handler: h}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	pkg.LogInfo(pkg.ComponentBridge, "metrics listening", "addr", listen)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
