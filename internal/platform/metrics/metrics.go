package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons reported with chunks_dropped_total.
const (
	DropQueueFull  = "queue_full"
	DropPersist    = "persist"
	DropValidate   = "validate"
	DropSlotBusy   = "slot_busy"
	DropEmptyChunk = "empty"
)

// Metrics holds Prometheus counters and gauges for the timeshift buffer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	bytesRecorded    prometheus.Counter
	chunksWritten    prometheus.Counter
	chunksDropped    *prometheus.CounterVec
	chunksEvicted    prometheus.Counter
	reconnectsTotal  prometheus.Counter
	bufferingTotal   prometheus.Counter
	storageSwitches  *prometheus.CounterVec
	readyChunks      prometheus.Gauge
	bufferedBytes    prometheus.Gauge
	bitrateKbps      prometheus.Gauge
	seekTableEntries prometheus.Gauge
}

// New creates and registers Prometheus metrics for the buffer.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_requests_total",
			Help: "HTTP requests served, by route",
		}, []string{"route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_errors_total",
			Help: "HTTP responses with status 4xx or 5xx, by route",
		}, []string{"route"}),
		bytesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_bytes_recorded_total",
			Help: "Bytes read from the upstream source",
		}),
		chunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_chunks_written_total",
			Help: "Chunks persisted and published to the ready set",
		}),
		chunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_chunks_dropped_total",
			Help: "Chunks that never became ready, by reason",
		}, []string{"reason"}),
		chunksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_chunks_evicted_total",
			Help: "Chunks evicted from the head of the window",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_reconnects_total",
			Help: "Upstream reconnect attempts",
		}),
		bufferingTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_buffering_events_total",
			Help: "Reads that had to fall back to a synchronous load",
		}),
		storageSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_storage_switches_total",
			Help: "Storage backend switches, by target mode and result",
		}, []string{"mode", "result"}),
		readyChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_ready_chunks",
			Help: "Chunks currently readable",
		}),
		bufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_buffered_bytes",
			Help: "Bytes held by ready chunks",
		}),
		bitrateKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_bitrate_kbps",
			Help: "Bitrate the chunk sizing is based on",
		}),
		seekTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_seek_table_entries",
			Help: "Entries in the incremental seek table",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.bytesRecorded,
		m.chunksWritten,
		m.chunksDropped,
		m.chunksEvicted,
		m.reconnectsTotal,
		m.bufferingTotal,
		m.storageSwitches,
		m.readyChunks,
		m.bufferedBytes,
		m.bitrateKbps,
		m.seekTableEntries,
	)

	return m
}

// IncRequests counts one request on route.
func (m *Metrics) IncRequests(route string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
}

// IncErrors counts one error response on route.
func (m *Metrics) IncErrors(route string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) AddBytesRecorded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRecorded.Add(float64(n))
}

func (m *Metrics) IncChunksWritten() {
	if m == nil {
		return
	}
	m.chunksWritten.Inc()
}

// IncChunksDropped counts a chunk lost for the given reason (see Drop* constants).
func (m *Metrics) IncChunksDropped(reason string) {
	if m == nil {
		return
	}
	m.chunksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddChunksEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksEvicted.Add(float64(n))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) IncBuffering() {
	if m == nil {
		return
	}
	m.bufferingTotal.Inc()
}

// IncStorageSwitch records a backend switch attempt. result is "ok", "aborted" or "failed".
func (m *Metrics) IncStorageSwitch(mode, result string) {
	if m == nil {
		return
	}
	m.storageSwitches.WithLabelValues(mode, result).Inc()
}

// SetBuffer refreshes the window gauges.
func (m *Metrics) SetBuffer(readyChunks int, bufferedBytes int64, bitrateKbps int, seekEntries int) {
	if m == nil {
		return
	}
	m.readyChunks.Set(float64(readyChunks))
	m.bufferedBytes.Set(float64(bufferedBytes))
	m.bitrateKbps.Set(float64(bitrateKbps))
	m.seekTableEntries.Set(float64(seekEntries))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
