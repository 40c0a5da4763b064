package loopback

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descReceived = prometheus.NewDesc(
		"softgb_loopback_received_total",
		"Loopback requests completed successfully.",
		[]string{"cport"}, nil)
	descErrors = prometheus.NewDesc(
		"softgb_loopback_errors_total",
		"Loopback requests failed or mismatched.",
		[]string{"cport"}, nil)
	descLatency = prometheus.NewDesc(
		"softgb_loopback_latency_seconds",
		"Smoothed loopback round-trip time.",
		[]string{"cport"}, nil)
	descThroughput = prometheus.NewDesc(
		"softgb_loopback_throughput_bytes",
		"Smoothed loopback throughput in bytes per second.",
		[]string{"cport"}, nil)
	descRequestRate = prometheus.NewDesc(
		"softgb_loopback_requests_per_second",
		"Smoothed loopback request rate.",
		[]string{"cport"}, nil)
)

// Collector exports the statistics of every registered cport.
type Collector struct {
	registry *Registry
}

// NewCollector creates a collector over r.
func NewCollector(r *Registry) *Collector {
	return &Collector{registry: r}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descReceived
	ch <- descErrors
	ch <- descLatency
	ch <- descThroughput
	ch <- descRequestRate
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.registry.ForEach(func(cport uint16) error {
		s, err := c.registry.Stats(cport)
		if err != nil {
			return nil
		}
		label := strconv.Itoa(int(cport))
		ch <- prometheus.MustNewConstMetric(descReceived, prometheus.CounterValue, float64(s.Received), label)
		ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(s.Errors), label)
		ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, s.Latency.Seconds(), label)
		ch <- prometheus.MustNewConstMetric(descThroughput, prometheus.GaugeValue, s.Throughput, label)
		ch <- prometheus.MustNewConstMetric(descRequestRate, prometheus.GaugeValue, s.RequestsPerSecond, label)
		return nil
	})
}

var _ prometheus.Collector = (*Collector)(nil)
