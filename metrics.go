package dds

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks operational statistics for a running backend.
type Metrics struct {
	// Data-plane counters
	ReadOps     atomic.Uint64 // Total data-plane read operations
	WriteOps    atomic.Uint64 // Total data-plane write operations
	ReadBytes   atomic.Uint64 // Total bytes read
	WriteBytes  atomic.Uint64 // Total bytes written
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64

	// Control-plane counters
	ControlOps    atomic.Uint64
	ControlErrors atomic.Uint64

	// Batch statistics
	Batches        atomic.Uint64 // Parsed request batches
	BatchRequests  atomic.Uint64 // Requests across all batches
	BatchRespBytes atomic.Uint64 // Response-ring bytes reserved

	// Session statistics
	SessionsConnected atomic.Uint64
	SessionsReleased  atomic.Uint64

	// Lifecycle
	StartTime atomic.Int64 // Backend start timestamp (UnixNano)
	StopTime  atomic.Int64 // Backend stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// Stop records the stop timestamp
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	ReadOps        uint64
	WriteOps       uint64
	ReadBytes      uint64
	WriteBytes     uint64
	ReadErrors     uint64
	WriteErrors    uint64
	ControlOps     uint64
	ControlErrors  uint64
	Batches        uint64
	BatchRequests  uint64
	BatchRespBytes uint64
	Sessions       uint64
	Uptime         time.Duration
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	end := m.StopTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return MetricsSnapshot{
		ReadOps:        m.ReadOps.Load(),
		WriteOps:       m.WriteOps.Load(),
		ReadBytes:      m.ReadBytes.Load(),
		WriteBytes:     m.WriteBytes.Load(),
		ReadErrors:     m.ReadErrors.Load(),
		WriteErrors:    m.WriteErrors.Load(),
		ControlOps:     m.ControlOps.Load(),
		ControlErrors:  m.ControlErrors.Load(),
		Batches:        m.Batches.Load(),
		BatchRequests:  m.BatchRequests.Load(),
		BatchRespBytes: m.BatchRespBytes.Load(),
		Sessions:       m.SessionsConnected.Load() - m.SessionsReleased.Load(),
		Uptime:         time.Duration(end - m.StartTime.Load()),
	}
}

// metricsObserver feeds the counters from the polling loop.
type metricsObserver struct {
	m *Metrics
}

func (o *metricsObserver) ObserveRead(bytes uint64, success bool) {
	o.m.ReadOps.Add(1)
	if success {
		o.m.ReadBytes.Add(bytes)
	} else {
		o.m.ReadErrors.Add(1)
	}
}

func (o *metricsObserver) ObserveWrite(bytes uint64, success bool) {
	o.m.WriteOps.Add(1)
	if success {
		o.m.WriteBytes.Add(bytes)
	} else {
		o.m.WriteErrors.Add(1)
	}
}

func (o *metricsObserver) ObserveControlOp(msgId uint16, success bool) {
	o.m.ControlOps.Add(1)
	if !success {
		o.m.ControlErrors.Add(1)
	}
}

func (o *metricsObserver) ObserveBatch(requests int, respBytes uint64) {
	o.m.Batches.Add(1)
	o.m.BatchRequests.Add(uint64(requests))
	o.m.BatchRespBytes.Add(respBytes)
}

func (o *metricsObserver) ObserveSession(connected bool) {
	if connected {
		o.m.SessionsConnected.Add(1)
	} else {
		o.m.SessionsReleased.Add(1)
	}
}

// Collector bridges a Metrics instance into a Prometheus registry.
type Collector struct {
	metrics *Metrics

	readOps    *prometheus.Desc
	writeOps   *prometheus.Desc
	readBytes  *prometheus.Desc
	writeBytes *prometheus.Desc
	controlOps *prometheus.Desc
	batches    *prometheus.Desc
	batchBytes *prometheus.Desc
	sessions   *prometheus.Desc
}

// NewCollector creates a Prometheus collector over m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics: m,
		readOps: prometheus.NewDesc("dds_read_ops_total",
			"Total data-plane read operations", nil, nil),
		writeOps: prometheus.NewDesc("dds_write_ops_total",
			"Total data-plane write operations", nil, nil),
		readBytes: prometheus.NewDesc("dds_read_bytes_total",
			"Total bytes read", nil, nil),
		writeBytes: prometheus.NewDesc("dds_write_bytes_total",
			"Total bytes written", nil, nil),
		controlOps: prometheus.NewDesc("dds_control_ops_total",
			"Total control-plane operations", nil, nil),
		batches: prometheus.NewDesc("dds_batches_total",
			"Total parsed request batches", nil, nil),
		batchBytes: prometheus.NewDesc("dds_batch_response_bytes_total",
			"Total response-ring bytes reserved", nil, nil),
		sessions: prometheus.NewDesc("dds_sessions",
			"Currently bound buffer sessions", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readOps
	ch <- c.writeOps
	ch <- c.readBytes
	ch <- c.writeBytes
	ch <- c.controlOps
	ch <- c.batches
	ch <- c.batchBytes
	ch <- c.sessions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.readOps, prometheus.CounterValue, float64(s.ReadOps))
	ch <- prometheus.MustNewConstMetric(c.writeOps, prometheus.CounterValue, float64(s.WriteOps))
	ch <- prometheus.MustNewConstMetric(c.readBytes, prometheus.CounterValue, float64(s.ReadBytes))
	ch <- prometheus.MustNewConstMetric(c.writeBytes, prometheus.CounterValue, float64(s.WriteBytes))
	ch <- prometheus.MustNewConstMetric(c.controlOps, prometheus.CounterValue, float64(s.ControlOps))
	ch <- prometheus.MustNewConstMetric(c.batches, prometheus.CounterValue, float64(s.Batches))
	ch <- prometheus.MustNewConstMetric(c.batchBytes, prometheus.CounterValue, float64(s.BatchRespBytes))
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(s.Sessions))
}
