// Package prometheus implements the metrics interfaces with Prometheus
// collectors on the shared registry.
//
// Importing this package (for side effects) registers its constructors
// with pkg/metrics:
//
//	import _ "github.com/marmos91/pwlog/pkg/metrics/prometheus"
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/pwlog/pkg/metrics"
	"github.com/marmos91/pwlog/pkg/writelog"
)

func init() {
	metrics.RegisterWriteLogMetricsConstructor(NewWriteLogMetrics)
}

// writeLogMetrics is the Prometheus implementation of writelog.Metrics.
type writeLogMetrics struct {
	writeRequests  prometheus.Counter
	writeBytes     prometheus.Histogram
	writeArrToAll  prometheus.Histogram
	writeArrToDis  prometheus.Histogram
	writePersist   prometheus.Histogram
	writeCaller    prometheus.Histogram
	logOps         prometheus.Counter
	logOpBytes     prometheus.Histogram
	logOpDisToBuf  prometheus.Histogram
	logOpBufPersist prometheus.Histogram
	logOpAppendWait prometheus.Histogram
	logOpAppend    prometheus.Histogram
	readRequests   prometheus.Counter
	readBytes      prometheus.Histogram
	readDuration   prometheus.Histogram
	readHitBytes   prometheus.Counter
	readMissBytes  prometheus.Counter
	detained       prometheus.Counter
	deferred       prometheus.Counter
	flushes        prometheus.Counter
	flushDuration  prometheus.Histogram
	discards       prometheus.Counter
	discardBytes   prometheus.Counter
	writebacks     *prometheus.CounterVec
	writebackBytes prometheus.Counter
	retired        prometheus.Counter
	ringFree       prometheus.Gauge
	ringTotal      prometheus.Gauge
	dirtyEntries   prometheus.Gauge
}

var latencyBuckets = []float64{
	0.0001, // 100us
	0.0005, // 500us
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1,      // 1s
	5,      // 5s
}

var sizeBuckets = []float64{
	512,      // one block
	4096,     // 4KB
	32768,    // 32KB
	131072,   // 128KB
	524288,   // 512KB
	1048576,  // 1MB
	4194304,  // 4MB
	16777216, // 16MB
}

// NewWriteLogMetrics creates a new Prometheus-backed writelog.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewWriteLogMetrics() writelog.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &writeLogMetrics{
		writeRequests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_write_requests_total",
			Help: "Total number of user write requests dispatched",
		}),
		writeBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_write_bytes",
			Help:    "Distribution of user write sizes in bytes",
			Buckets: sizeBuckets,
		}),
		writeArrToAll: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_write_arrival_to_allocated_seconds",
			Help:    "Time from write arrival to resource allocation (guard wait included)",
			Buckets: latencyBuckets,
		}),
		writeArrToDis: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_write_arrival_to_dispatch_seconds",
			Help:    "Time from write arrival to dispatch (resource deferral included)",
			Buckets: latencyBuckets,
		}),
		writePersist: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_write_persist_seconds",
			Help:    "Time from write arrival to descriptor durability",
			Buckets: latencyBuckets,
		}),
		writeCaller: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_write_caller_seconds",
			Help:    "Time from write arrival to user completion delivery",
			Buckets: latencyBuckets,
		}),
		logOps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_log_ops_total",
			Help: "Total number of log append operations",
		}),
		logOpBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_log_op_bytes",
			Help:    "Distribution of bytes per log operation",
			Buckets: sizeBuckets,
		}),
		logOpDisToBuf: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_log_op_dispatch_to_buffer_seconds",
			Help:    "Time from op dispatch to payload flush start",
			Buckets: latencyBuckets,
		}),
		logOpBufPersist: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_log_op_buffer_persist_seconds",
			Help:    "Payload flush and drain time",
			Buckets: latencyBuckets,
		}),
		logOpAppendWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_log_op_append_wait_seconds",
			Help:    "Time from payload durability to descriptor append",
			Buckets: latencyBuckets,
		}),
		logOpAppend: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_log_op_append_seconds",
			Help:    "Descriptor append and publish time",
			Buckets: latencyBuckets,
		}),
		readRequests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_read_requests_total",
			Help: "Total number of user read requests",
		}),
		readBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_read_bytes",
			Help:    "Distribution of user read sizes in bytes",
			Buckets: sizeBuckets,
		}),
		readDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_read_seconds",
			Help:    "User read completion latency",
			Buckets: latencyBuckets,
		}),
		readHitBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_read_hit_bytes_total",
			Help: "Bytes served from the log",
		}),
		readMissBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_read_miss_bytes_total",
			Help: "Bytes served from the lower image",
		}),
		detained: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_writes_detained_total",
			Help: "Write requests queued behind the block guard",
		}),
		deferred: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_writes_deferred_total",
			Help: "Write requests deferred on resource exhaustion",
		}),
		flushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_flushes_total",
			Help: "Total number of aio_flush requests",
		}),
		flushDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "pwlog_flush_seconds",
			Help:    "aio_flush completion latency",
			Buckets: latencyBuckets,
		}),
		discards: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_discards_total",
			Help: "Total number of discards passed through",
		}),
		discardBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_discard_bytes_total",
			Help: "Bytes discarded",
		}),
		writebacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pwlog_writebacks_total",
			Help: "Writebacks to the lower image by outcome",
		}, []string{"outcome"}),
		writebackBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_writeback_bytes_total",
			Help: "Bytes written back to the lower image",
		}),
		retired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pwlog_entries_retired_total",
			Help: "Log entries retired from the ring",
		}),
		ringFree: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pwlog_ring_free_entries",
			Help: "Free descriptor ring slots",
		}),
		ringTotal: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pwlog_ring_total_entries",
			Help: "Total descriptor ring slots",
		}),
		dirtyEntries: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pwlog_dirty_entries",
			Help: "Completed log entries awaiting writeback",
		}),
	}
}

func (m *writeLogMetrics) ObserveWriteDispatch(bytes int64, arrToAll, arrToDis time.Duration) {
	m.writeRequests.Inc()
	m.writeBytes.Observe(float64(bytes))
	m.writeArrToAll.Observe(arrToAll.Seconds())
	m.writeArrToDis.Observe(arrToDis.Seconds())
}

func (m *writeLogMetrics) ObserveWritePersist(d time.Duration) {
	m.writePersist.Observe(d.Seconds())
}

func (m *writeLogMetrics) ObserveWriteCaller(d time.Duration) {
	m.writeCaller.Observe(d.Seconds())
}

func (m *writeLogMetrics) ObserveLogOp(bytes int64, disToBuf, bufToBufc, bufcToApp, appToCmp time.Duration) {
	m.logOps.Inc()
	m.logOpBytes.Observe(float64(bytes))
	m.logOpDisToBuf.Observe(disToBuf.Seconds())
	m.logOpBufPersist.Observe(bufToBufc.Seconds())
	m.logOpAppendWait.Observe(bufcToApp.Seconds())
	m.logOpAppend.Observe(appToCmp.Seconds())
}

func (m *writeLogMetrics) ObserveReadRequest(bytes int64, d time.Duration, hitBytes, missBytes int64) {
	m.readRequests.Inc()
	m.readBytes.Observe(float64(bytes))
	m.readDuration.Observe(d.Seconds())
	m.readHitBytes.Add(float64(hitBytes))
	m.readMissBytes.Add(float64(missBytes))
}

func (m *writeLogMetrics) ObserveDetained() {
	m.detained.Inc()
}

func (m *writeLogMetrics) ObserveDeferred() {
	m.deferred.Inc()
}

func (m *writeLogMetrics) ObserveFlush(d time.Duration) {
	m.flushes.Inc()
	m.flushDuration.Observe(d.Seconds())
}

func (m *writeLogMetrics) ObserveDiscard(bytes int64) {
	m.discards.Inc()
	m.discardBytes.Add(float64(bytes))
}

func (m *writeLogMetrics) ObserveWriteback(bytes int64, err error) {
	if err != nil {
		m.writebacks.WithLabelValues("error").Inc()
		return
	}
	m.writebacks.WithLabelValues("ok").Inc()
	m.writebackBytes.Add(float64(bytes))
}

func (m *writeLogMetrics) ObserveRetired(n int) {
	m.retired.Add(float64(n))
}

func (m *writeLogMetrics) SetRingState(free, total uint32, dirty int) {
	m.ringFree.Set(float64(free))
	m.ringTotal.Set(float64(total))
	m.dirtyEntries.Set(float64(dirty))
}
