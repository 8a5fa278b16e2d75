package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks I/O statistics for a bdev, vbdev, vhost-scsi LUN, AE4DMA
// channel, or NVMf connection. Every component in the data plane funnels
// through the same counting core rather than keeping its own ad hoc
// counters, the way the bdev I/O path, the AE4DMA copy-engine path and the
// NVMf fabric-connection lifecycle all need op/byte/error/latency
// accounting but differ in what "an operation" means for each.
type Metrics struct {
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	UnmapOps   atomic.Uint64
	FlushOps   atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64
	UnmapBytes atomic.Uint64

	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	UnmapErrors atomic.Uint64
	FlushErrors atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// DMA* account for the AE4DMA copy engine: BuildCopy/ProcessEvents
	// report in descriptors rather than bytes, since one logical bdev I/O
	// can fan out into many hardware descriptors and the ring-depth limit
	// (ReserveSlots headroom in internal/ae4dma) is what actually throttles
	// a channel, not byte volume.
	DMADescriptorsSubmitted atomic.Uint64
	DMADescriptorsCompleted atomic.Uint64
	DMADescriptorErrors     atomic.Uint64
	DMARingFullEvents       atomic.Uint64

	// Connection* account for the NVMf fabric connection lifecycle
	// (internal/nvmf.Connection): ConnectionsActive tracks the open gauge
	// directly rather than being derived from Opened-Closed, so a snapshot
	// taken mid-update never observes a negative count.
	ConnectionsOpened atomic.Uint64
	ConnectionsClosed atomic.Uint64
	ConnectionsActive atomic.Int64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordUnmap(bytes uint64, latencyNs uint64, success bool) {
	m.UnmapOps.Add(1)
	if success {
		m.UnmapBytes.Add(bytes)
	} else {
		m.UnmapErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// RecordDMASubmit accounts for a BuildCopy call that queued descriptors
// successfully spanning count hardware descriptors.
func (m *Metrics) RecordDMASubmit(descriptors int) {
	m.DMADescriptorsSubmitted.Add(uint64(descriptors))
}

// RecordDMAComplete accounts for a ProcessEvents reap of count descriptors,
// err being the first error encountered among them, if any.
func (m *Metrics) RecordDMAComplete(descriptors int, err error) {
	m.DMADescriptorsCompleted.Add(uint64(descriptors))
	if err != nil {
		m.DMADescriptorErrors.Add(1)
	}
}

// RecordRingFull accounts for a BuildCopy call rejected because the
// channel's descriptor ring had no room left.
func (m *Metrics) RecordRingFull() {
	m.DMARingFullEvents.Add(1)
}

// RecordConnectionOpen accounts for a new NVMf connection entering the
// Running state.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsOpened.Add(1)
	m.ConnectionsActive.Add(1)
}

// RecordConnectionClose accounts for an NVMf connection reaching its final
// Exiting state.
func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsClosed.Add(1)
	m.ConnectionsActive.Add(-1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the owning device/channel as stopped, fixing UptimeNs.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived statistics.
type MetricsSnapshot struct {
	ReadOps  uint64
	WriteOps uint64
	UnmapOps uint64
	FlushOps uint64

	ReadBytes  uint64
	WriteBytes uint64
	UnmapBytes uint64

	ReadErrors  uint64
	WriteErrors uint64
	UnmapErrors uint64
	FlushErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64

	DMADescriptorsSubmitted uint64
	DMADescriptorsCompleted uint64
	DMADescriptorErrors     uint64
	DMARingFullEvents       uint64

	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ConnectionsActive int64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		UnmapOps:      m.UnmapOps.Load(),
		FlushOps:      m.FlushOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		UnmapBytes:    m.UnmapBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		UnmapErrors:   m.UnmapErrors.Load(),
		FlushErrors:   m.FlushErrors.Load(),
		MaxQueueDepth: m.MaxQueueDepth.Load(),

		DMADescriptorsSubmitted: m.DMADescriptorsSubmitted.Load(),
		DMADescriptorsCompleted: m.DMADescriptorsCompleted.Load(),
		DMADescriptorErrors:     m.DMADescriptorErrors.Load(),
		DMARingFullEvents:       m.DMARingFullEvents.Load(),

		ConnectionsOpened: m.ConnectionsOpened.Load(),
		ConnectionsClosed: m.ConnectionsClosed.Load(),
		ConnectionsActive: m.ConnectionsActive.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.UnmapOps + snap.FlushOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.UnmapBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.UnmapErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset clears all counters; used by tests that reuse a device across cases.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.UnmapOps.Store(0)
	m.FlushOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.UnmapBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.UnmapErrors.Store(0)
	m.FlushErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.DMADescriptorsSubmitted.Store(0)
	m.DMADescriptorsCompleted.Store(0)
	m.DMADescriptorErrors.Store(0)
	m.DMARingFullEvents.Store(0)
	m.ConnectionsOpened.Store(0)
	m.ConnectionsClosed.Store(0)
	m.ConnectionsActive.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable, allocation-free metrics collection from hot
// paths; the reactor poller calls these directly instead of taking a mutex.
// Bdev I/O, AE4DMA descriptor traffic and NVMf connection lifecycle each
// get their own observe methods rather than being forced through a single
// generic "record an event" call, since the three domains report
// fundamentally different shapes (bytes+latency, descriptor counts,
// open/close transitions).
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveUnmap(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)

	// ObserveDMASubmit and ObserveDMAComplete report an AE4DMA channel's
	// BuildCopy/ProcessEvents activity in descriptors, not bytes.
	ObserveDMASubmit(descriptors int)
	ObserveDMAComplete(descriptors int, err error)
	ObserveRingFull()

	// ObserveConnectionOpen and ObserveConnectionClose report an NVMf
	// connection entering ConnRunning and ConnExiting respectively.
	ObserveConnectionOpen(isAdmin bool)
	ObserveConnectionClose()
}

// NoOpObserver discards all observations.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveUnmap(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}
func (NoOpObserver) ObserveDMASubmit(int)              {}
func (NoOpObserver) ObserveDMAComplete(int, error)      {}
func (NoOpObserver) ObserveRingFull()                  {}
func (NoOpObserver) ObserveConnectionOpen(bool)        {}
func (NoOpObserver) ObserveConnectionClose()           {}

// MetricsObserver implements Observer by forwarding to a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveUnmap(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordUnmap(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveDMASubmit(descriptors int) {
	o.metrics.RecordDMASubmit(descriptors)
}

func (o *MetricsObserver) ObserveDMAComplete(descriptors int, err error) {
	o.metrics.RecordDMAComplete(descriptors, err)
}

func (o *MetricsObserver) ObserveRingFull() {
	o.metrics.RecordRingFull()
}

func (o *MetricsObserver) ObserveConnectionOpen(bool) {
	o.metrics.RecordConnectionOpen()
}

func (o *MetricsObserver) ObserveConnectionClose() {
	o.metrics.RecordConnectionClose()
}

// PrometheusObserver implements Observer and additionally feeds a
// prometheus.Registry, so `cmd/datapathd` can expose /metrics without every
// component importing prometheus directly.
type PrometheusObserver struct {
	inner *MetricsObserver

	ops     *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency prometheus.Histogram
	qdepth  prometheus.Gauge

	dmaDescriptors *prometheus.CounterVec
	dmaRingFull    prometheus.Counter
	connections    *prometheus.CounterVec
	connActive     prometheus.Gauge
}

// NewPrometheusObserver builds an Observer labeled with name (the bdev,
// vbdev, or LUN this instance tracks) and registers its collectors with reg.
func NewPrometheusObserver(reg prometheus.Registerer, component, name string) *PrometheusObserver {
	labels := prometheus.Labels{"component": component, "name": name}
	p := &PrometheusObserver{
		inner: NewMetricsObserver(NewMetrics()),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "datapath_io_ops_total",
			Help:        "Total I/O operations by type.",
			ConstLabels: labels,
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "datapath_io_bytes_total",
			Help:        "Total bytes transferred by operation type.",
			ConstLabels: labels,
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "datapath_io_errors_total",
			Help:        "Total I/O errors by operation type.",
			ConstLabels: labels,
		}, []string{"op"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "datapath_io_latency_seconds",
			Help:        "I/O operation latency.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 8),
		}),
		qdepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "datapath_queue_depth",
			Help:        "Last observed submission queue depth.",
			ConstLabels: labels,
		}),
		dmaDescriptors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "datapath_dma_descriptors_total",
			Help:        "AE4DMA descriptors submitted, completed or errored.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		dmaRingFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "datapath_dma_ring_full_total",
			Help:        "BuildCopy calls rejected because the channel's descriptor ring was full.",
			ConstLabels: labels,
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "datapath_nvmf_connections_total",
			Help:        "NVMf connections opened or closed.",
			ConstLabels: labels,
		}, []string{"event"}),
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "datapath_nvmf_connections_active",
			Help:        "NVMf connections currently in the Running state.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(p.ops, p.bytes, p.errors, p.latency, p.qdepth,
			p.dmaDescriptors, p.dmaRingFull, p.connections, p.connActive)
	}
	return p
}

func (p *PrometheusObserver) observe(op string, bytes, latencyNs uint64, success bool) {
	p.ops.WithLabelValues(op).Inc()
	p.latency.Observe(float64(latencyNs) / 1e9)
	if success {
		p.bytes.WithLabelValues(op).Add(float64(bytes))
	} else {
		p.errors.WithLabelValues(op).Inc()
	}
}

func (p *PrometheusObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	p.inner.ObserveRead(bytes, latencyNs, success)
	p.observe("read", bytes, latencyNs, success)
}

func (p *PrometheusObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	p.inner.ObserveWrite(bytes, latencyNs, success)
	p.observe("write", bytes, latencyNs, success)
}

func (p *PrometheusObserver) ObserveUnmap(bytes, latencyNs uint64, success bool) {
	p.inner.ObserveUnmap(bytes, latencyNs, success)
	p.observe("unmap", bytes, latencyNs, success)
}

func (p *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	p.inner.ObserveFlush(latencyNs, success)
	p.observe("flush", 0, latencyNs, success)
}

func (p *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	p.inner.ObserveQueueDepth(depth)
	p.qdepth.Set(float64(depth))
}

func (p *PrometheusObserver) ObserveDMASubmit(descriptors int) {
	p.inner.ObserveDMASubmit(descriptors)
	p.dmaDescriptors.WithLabelValues("submitted").Add(float64(descriptors))
}

func (p *PrometheusObserver) ObserveDMAComplete(descriptors int, err error) {
	p.inner.ObserveDMAComplete(descriptors, err)
	p.dmaDescriptors.WithLabelValues("completed").Add(float64(descriptors))
	if err != nil {
		p.dmaDescriptors.WithLabelValues("error").Inc()
	}
}

func (p *PrometheusObserver) ObserveRingFull() {
	p.inner.ObserveRingFull()
	p.dmaRingFull.Inc()
}

func (p *PrometheusObserver) ObserveConnectionOpen(isAdmin bool) {
	p.inner.ObserveConnectionOpen(isAdmin)
	p.connections.WithLabelValues("opened").Inc()
	p.connActive.Inc()
}

func (p *PrometheusObserver) ObserveConnectionClose() {
	p.inner.ObserveConnectionClose()
	p.connections.WithLabelValues("closed").Inc()
	p.connActive.Dec()
}

// Snapshot exposes the underlying Metrics snapshot for RPC diagnostics.
func (p *PrometheusObserver) Snapshot() MetricsSnapshot {
	return p.inner.metrics.Snapshot()
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
	_ Observer = (*PrometheusObserver)(nil)
)
