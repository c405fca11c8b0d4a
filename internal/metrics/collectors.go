// Package metrics registers the Prometheus collectors the observability
// API exposes at /metrics, wired against WorkerStats/GlobalStatistics via
// prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// Collectors bundles every gauge/counter this core exposes and registers
// them on construction.
type Collectors struct {
	DevicesTotal     prometheus.Gauge
	DevicesConnected prometheus.Gauge
	RequestsTotal    prometheus.Counter
	RequestsOK       prometheus.Counter
	RequestsFailed   prometheus.Counter
	AvgResponseMs    prometheus.Gauge
	SamplesPerSec    prometheus.Gauge
}

// NewCollectors builds and registers the collector set against reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		DevicesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_devices_total",
			Help: "Number of configured devices.",
		}),
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_devices_connected",
			Help: "Number of devices with an active connection.",
		}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_requests_total",
			Help: "Total Modbus requests issued.",
		}),
		RequestsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_requests_ok_total",
			Help: "Total Modbus requests that succeeded.",
		}),
		RequestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acquisition_requests_failed_total",
			Help: "Total Modbus requests that failed.",
		}),
		AvgResponseMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_avg_response_ms",
			Help: "Rolling average Modbus response time in milliseconds.",
		}),
		SamplesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "acquisition_samples_per_second",
			Help: "Successful Modbus requests per second between statistics ticks.",
		}),
	}
	reg.MustRegister(c.DevicesTotal, c.DevicesConnected, c.RequestsTotal, c.RequestsOK, c.RequestsFailed, c.AvgResponseMs, c.SamplesPerSec)
	return c
}

// Observe folds a fresh GlobalStatistics snapshot into the gauges. Counters
// only move forward, so Observe adds the delta against the last total seen
// rather than setting an absolute value.
func (c *Collectors) Observe(stats domain.GlobalStatistics, lastTotal, lastOK, lastFailed uint64) (newTotal, newOK, newFailed uint64) {
	c.DevicesTotal.Set(float64(stats.DevicesTotal))
	c.DevicesConnected.Set(float64(stats.DevicesConnected))
	c.AvgResponseMs.Set(stats.AvgResponseMs)
	c.SamplesPerSec.Set(stats.SamplesPerSec)

	if stats.TotalRequests > lastTotal {
		c.RequestsTotal.Add(float64(stats.TotalRequests - lastTotal))
	}
	if stats.TotalOK > lastOK {
		c.RequestsOK.Add(float64(stats.TotalOK - lastOK))
	}
	if stats.TotalFailed > lastFailed {
		c.RequestsFailed.Add(float64(stats.TotalFailed - lastFailed))
	}
	return stats.TotalRequests, stats.TotalOK, stats.TotalFailed
}
