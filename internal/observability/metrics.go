package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	walletOpCounter       *prometheus.CounterVec
	balanceDriftCounter   *prometheus.CounterVec
	partialFailureCounter *prometheus.CounterVec
	rateFetchCounter      *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		walletOpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_operations_total",
			Help: "Balance engine operation outcomes",
		}, []string{"operation", "result"})

		balanceDriftCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_drift_total",
			Help: "Number of times ledger replay diverged from stored balances",
		}, []string{"currency"})

		partialFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "partial_failures_total",
			Help: "External call succeeded but local bookkeeping failed",
		}, []string{"operation"})

		rateFetchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_fetches_total",
			Help: "Exchange rate lookup outcomes",
		}, []string{"result"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			walletOpCounter,
			balanceDriftCounter,
			partialFailureCounter,
			rateFetchCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementWalletOp(operation, result string) {
	if walletOpCounter == nil {
		return
	}
	walletOpCounter.WithLabelValues(operation, result).Inc()
}

func IncrementBalanceDrift(currency string) {
	if balanceDriftCounter == nil {
		return
	}
	balanceDriftCounter.WithLabelValues(currency).Inc()
}

func IncrementPartialFailure(operation string) {
	if partialFailureCounter == nil {
		return
	}
	partialFailureCounter.WithLabelValues(operation).Inc()
}

func IncrementRateFetch(result string) {
	if rateFetchCounter == nil {
		return
	}
	rateFetchCounter.WithLabelValues(result).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
