// Package metrics provides Prometheus metrics for dropzone ingestion and uploads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Traversal metrics
	gesturesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropzone_gestures_started_total",
			Help: "Total number of drop/selection gestures started",
		},
		[]string{"mode"},
	)

	gesturesFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropzone_gestures_finalized_total",
			Help: "Total number of gestures that handed a batch to the sink",
		},
	)

	pendingOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropzone_pending_operations",
			Help: "Outstanding file resolutions and directory read cycles across all gestures",
		},
	)

	filesCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropzone_files_collected_total",
			Help: "Files seen during traversal by outcome",
		},
		[]string{"outcome"},
	)

	directoryPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropzone_directory_pages_total",
			Help: "Directory page reads by result",
		},
		[]string{"result"},
	)

	emptyDirectories = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropzone_empty_directories_total",
			Help: "Directories reported empty in finalized batches",
		},
	)

	traversalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dropzone_traversal_duration_seconds",
			Help:    "Time from gesture start to batch finalization",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue metrics
	queueItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropzone_queue_items_total",
			Help: "Upload queue items processed by kind and status",
		},
		[]string{"kind", "status"},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropzone_bytes_uploaded_total",
			Help: "Total bytes handed to the upload transfer",
		},
	)

	queuePaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dropzone_queue_paused",
			Help: "1 while the upload queue is paused behind the login gate",
		},
	)

	batchesDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dropzone_batches_deferred_total",
			Help: "Batches buffered by the login gate until a session was initialized",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropzone_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dropzone_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Source metrics
	sourceCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dropzone_source_call_duration_seconds",
			Help:    "Entry source call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "call"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordGestureStarted records the start of a drop ("entries") or picker ("selection") gesture.
func RecordGestureStarted(mode string) {
	gesturesStarted.WithLabelValues(mode).Inc()
}

// RecordGestureFinalized records a finalized batch.
func RecordGestureFinalized(duration time.Duration, emptyDirs int) {
	gesturesFinalized.Inc()
	traversalDuration.Observe(duration.Seconds())
	emptyDirectories.Add(float64(emptyDirs))
}

// AddPending adjusts the pending operations gauge.
func AddPending(delta int) {
	pendingOperations.Add(float64(delta))
}

// RecordFile records a file outcome: "resolved", "fallback" or "dropped".
func RecordFile(outcome string) {
	filesCollected.WithLabelValues(outcome).Inc()
}

// RecordDirectoryPage records a directory page read.
func RecordDirectoryPage(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	directoryPages.WithLabelValues(result).Inc()
}

// RecordQueueItem records a processed queue item. kind is "file" or "dir".
func RecordQueueItem(kind string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	} else {
		bytesUploaded.Add(float64(bytes))
	}
	queueItemsTotal.WithLabelValues(kind, status).Inc()
}

// SetQueuePaused sets the queue paused gauge.
func SetQueuePaused(paused bool) {
	if paused {
		queuePaused.Set(1)
		return
	}
	queuePaused.Set(0)
}

// RecordBatchDeferred records a batch buffered behind the login gate.
func RecordBatchDeferred() {
	batchesDeferred.Inc()
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordSourceCall records an entry source call (resolve_file, open_dir, read_page).
func RecordSourceCall(source, call string, duration time.Duration) {
	sourceCallDuration.WithLabelValues(source, call).Observe(duration.Seconds())
}
