// Package metrics defines custom Prometheus metrics for filestore.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Storage metrics.
var (
	// StorageOperationsTotal counts adapter operations by target, operation
	// and outcome ("success" or an error kind).
	StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_storage_operations_total",
			Help: "Storage adapter operations",
		},
		[]string{"target", "operation", "outcome"},
	)

	// StorageOperationDuration observes adapter call latency in seconds.
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filestore_storage_operation_duration_seconds",
			Help:    "Storage adapter operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target", "operation"},
	)

	// AdapterConstructionsTotal counts adapter constructions by target, kind
	// and outcome.
	AdapterConstructionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_adapter_constructions_total",
			Help: "Storage adapter constructions",
		},
		[]string{"target", "kind", "outcome"},
	)

	// StreamBytesTotal counts bytes moved through stream handles by target
	// and direction ("read" or "write").
	StreamBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filestore_stream_bytes_total",
			Help: "Bytes transferred through storage streams",
		},
		[]string{"target", "direction"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			StorageOperationsTotal,
			StorageOperationDuration,
			AdapterConstructionsTotal,
			StreamBytesTotal,
		)
	})
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. This avoids high-cardinality
// labels from individual target and file names.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health":
		return "/health"
	case "/healthz":
		return "/healthz"
	case "/readyz":
		return "/readyz"
	case "/docs", "/docs/":
		return "/docs"
	case "/metrics":
		return "/metrics"
	case "/targets":
		return "/targets"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if strings.HasPrefix(path, "/openapi") {
		return "/openapi"
	}

	rest, ok := strings.CutPrefix(path, "/files/")
	if !ok {
		return "/other"
	}
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || rest[idx+1:] == "" {
		return "/files/{target}"
	}
	return "/files/{target}/{path}"
}
