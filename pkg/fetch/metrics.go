package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchRequests tracks origin requests by method and status
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_fetch_requests_total",
		Help: "Total origin requests by method and status",
	}, []string{"method", "status"})

	// FetchDuration tracks origin request latency including body transfer
	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamcache_fetch_request_duration_seconds",
		Help:    "Origin request duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	// FetchErrors tracks failed attempts by class
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_fetch_errors_total",
		Help: "Total failed origin attempts by error class",
	}, []string{"class"})

	// FetchRetries tracks retry attempts
	FetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_fetch_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	// FetchRetryBackoff tracks the waited backoff
	FetchRetryBackoff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamcache_fetch_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	// FetchRetryExhausted tracks requests that ran out of attempts
	FetchRetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_fetch_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)
