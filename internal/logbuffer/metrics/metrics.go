package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation  string
	DropReason   string
	FlushTrigger string
)

const (
	DBOperationInsert DBOperation = "insert"
	DBOperationDelete DBOperation = "delete"
	DBOperationRotate DBOperation = "rotate"

	DropReasonBufferFull DropReason = "buffer_full"
	DropReasonDraining   DropReason = "draining"

	FlushTriggerSize     FlushTrigger = "size"
	FlushTriggerTimer    FlushTrigger = "timer"
	FlushTriggerShutdown FlushTrigger = "shutdown"
)

const MetricsPrefix = "logbuffer_"

var recordsAdmittedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_admitted_total",
		Help: "Number of records accepted into the ingestion queue",
	},
)

var recordsDroppedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_dropped_total",
		Help: "Number of records rejected at admission grouped by reason",
	},
	[]string{"reason"},
)

var batchesFlushedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "batches_flushed_total",
		Help: "Number of batches assembled grouped by the trigger that caused the flush",
	},
	[]string{"trigger"},
)

var batchSizeHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "batch_size",
		Help:    "Number of records in each assembled batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 11),
	},
)

var recordsWrittenCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "records_written_total",
		Help: "Number of records durably written to the sink",
	},
)

var batchWriteFailuresCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "batch_write_failures_total",
		Help: "Number of failed batch writes; every failure is retried",
	},
)

var batchRetriesCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "batch_retries_total",
		Help: "Number of failed batches put back on the queue for another attempt",
	},
)

var batchWriteLatencyHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    MetricsPrefix + "batch_write_latency_seconds",
		Help:    "Time taken to write a single batch to the sink",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	},
)

var inFlightGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: MetricsPrefix + "records_in_flight",
		Help: "Number of records admitted but not yet durably written",
	},
)

var dbErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "db_errors_total",
		Help: "Number of sink errors grouped by database operation",
	},
	[]string{"operation"},
)

var rotationsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "sink_rotations_total",
		Help: "Number of times the sink rotated because its capacity was exceeded",
	},
)

var rowsPrunedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "rows_pruned_total",
		Help: "Number of persisted records removed by the retention sweep",
	},
)

var sourceErrorsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: MetricsPrefix + "source_errors_total",
		Help: "Number of errors reading from record sources grouped by source",
	},
	[]string{"source"},
)

type Metrics struct{}

var m = &Metrics{}

func Get() *Metrics {
	return m
}

func (m *Metrics) RecordAdmitted() {
	recordsAdmittedCounter.Inc()
}

func (m *Metrics) RecordDropped(reason DropReason) {
	recordsDroppedCounter.With(map[string]string{"reason": string(reason)}).Inc()
}

func (m *Metrics) RecordFlush(trigger FlushTrigger, numRecords int) {
	batchesFlushedCounter.With(map[string]string{"trigger": string(trigger)}).Inc()
	batchSizeHist.Observe(float64(numRecords))
}

func (m *Metrics) RecordBatchWritten(numRecords int, duration time.Duration) {
	recordsWrittenCounter.Add(float64(numRecords))
	batchWriteLatencyHist.Observe(duration.Seconds())
}

func (m *Metrics) RecordWriteFailure(duration time.Duration) {
	batchWriteFailuresCounter.Inc()
	batchWriteLatencyHist.Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry() {
	batchRetriesCounter.Inc()
}

func (m *Metrics) SetInFlight(n int64) {
	inFlightGauge.Set(float64(n))
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	dbErrorsCounter.With(map[string]string{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordRotation() {
	rotationsCounter.Inc()
}

func (m *Metrics) RecordRowsPruned(numRows int64) {
	rowsPrunedCounter.Add(float64(numRows))
}

func (m *Metrics) RecordSourceError(source string) {
	sourceErrorsCounter.With(map[string]string{"source": source}).Inc()
}
