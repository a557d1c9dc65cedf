package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts returned to pending"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their retry budget"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Processing jobs reclaimed by the timeout watchdog"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently being processed by this worker"})
	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "result_cache_hits_total", Help: "Result cache lookups that returned an entry"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "result_cache_misses_total", Help: "Result cache lookups that missed"})
	LedgerDuplicates = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_duplicate_events_total", Help: "Event reservations that observed an existing record"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the tenant rate limiter"})
	SweepDeleted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sweep_deleted_total", Help: "Rows deleted by maintenance sweeps"}, []string{"store"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			JobsInFlight,
			CacheHits,
			CacheMisses,
			LedgerDuplicates,
			RateLimitRejects,
			SweepDeleted,
		)
	})
	return promhttp.Handler()
}
