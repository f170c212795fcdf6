// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Device connection metrics
	devicesConnected prometheus.Gauge
	framesTotal      *prometheus.CounterVec

	// Command delivery metrics
	commandsForwarded *prometheus.CounterVec

	// Stream consumer metrics
	streamEntriesTotal *prometheus.CounterVec

	// Log store metrics
	storeReconnects prometheus.Counter

	// Fan-out metrics
	broadcastsTotal *prometheus.CounterVec

	// Process metrics updated by the collector
	uptimeSeconds prometheus.Gauge
	goroutines    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the provided registry
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_devices_connected",
			Help: "Number of devices with a live connection",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_device_frames_total",
			Help: "Inbound device frames by kind",
		}, []string{"kind"}),
		commandsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_forwarded_total",
			Help: "Command forward attempts by result",
		}, []string{"result"}),
		streamEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_entries_total",
			Help: "Stream entries processed by stream and outcome",
		}, []string{"stream", "outcome"}),
		storeReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_store_reconnects_total",
			Help: "Number of log store connection resets",
		}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Observer broadcast sends by result",
		}, []string{"result"}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_goroutines",
			Help: "Current number of goroutines",
		}),
	}

	collectors := []prometheus.Collector{
		m.devicesConnected,
		m.framesTotal,
		m.commandsForwarded,
		m.streamEntriesTotal,
		m.storeReconnects,
		m.broadcastsTotal,
		m.uptimeSeconds,
		m.goroutines,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// SetDevicesConnected sets the connected device gauge
func (m *Metrics) SetDevicesConnected(n int) {
	m.devicesConnected.Set(float64(n))
}

// IncFramesTotal increments the inbound frame counter for a kind
// (telemetry, raw, ignored)
func (m *Metrics) IncFramesTotal(kind string) {
	m.framesTotal.WithLabelValues(kind).Inc()
}

// IncCommandsForwarded increments the forward counter for a result
// (delivered, not_connected, error)
func (m *Metrics) IncCommandsForwarded(result string) {
	m.commandsForwarded.WithLabelValues(result).Inc()
}

// IncStreamEntries increments the consumer entry counter for a stream and
// outcome (applied, left, malformed, error)
func (m *Metrics) IncStreamEntries(stream, outcome string) {
	m.streamEntriesTotal.WithLabelValues(stream, outcome).Inc()
}

// IncStoreReconnects increments the log store reset counter
func (m *Metrics) IncStoreReconnects() {
	m.storeReconnects.Inc()
}

// IncBroadcasts increments the fan-out counter for a result
// (delivered, dropped)
func (m *Metrics) IncBroadcasts(result string) {
	m.broadcastsTotal.WithLabelValues(result).Inc()
}

// MetricsCollector periodically updates process-level metrics
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	started  time.Time
	done     chan struct{}
	once     sync.Once
}

// NewMetricsCollector creates a collector with the given update interval
func NewMetricsCollector(metrics *Metrics, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Start begins periodic collection in a background goroutine
func (c *MetricsCollector) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.done:
				return
			}
		}
	}()
}

// Stop halts periodic collection
func (c *MetricsCollector) Stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *MetricsCollector) collect() {
	c.metrics.uptimeSeconds.Set(time.Since(c.started).Seconds())
	c.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
}
