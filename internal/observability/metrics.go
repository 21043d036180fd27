package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts ops-server requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	// HTTPRequestDuration observes ops-server request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)

	// BlockchainEventsIndexed counts events written by the index pipeline.
	BlockchainEventsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockchain_events_indexed",
			Help: "Total number of blockchain events indexed",
		},
	)
	// AIExtractionsPerformed counts LLM extraction rows written.
	AIExtractionsPerformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ai_extractions_performed",
			Help: "Total number of AI extractions performed",
		},
	)
	// IPFSUploads counts successful CAS puts.
	IPFSUploads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipfs_uploads",
			Help: "Total number of IPFS uploads",
		},
	)
	// CreditTransactions counts on-chain credit operations by kind.
	CreditTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_transactions",
			Help: "Total number of credit transactions",
		},
		[]string{"kind"},
	)
	// JobProcessingDuration observes end-to-end pipeline time per job type.
	JobProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"type", "outcome"},
	)
	// ActiveWorkers gauges live heartbeat keys.
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Number of workers with a live heartbeat",
		},
	)
	// QueueDepth gauges queued jobs per priority bucket plus dead_letter.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Queued jobs per priority bucket",
		},
		[]string{"bucket"},
	)
)

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BlockchainEventsIndexed,
		AIExtractionsPerformed,
		IPFSUploads,
		CreditTransactions,
		JobProcessingDuration,
		ActiveWorkers,
		QueueDepth,
	)
}

// Middleware records request metrics for the ops router.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
