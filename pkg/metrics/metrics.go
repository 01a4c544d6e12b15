// Package metrics provides the Prometheus registry shared by streamcache.
// All metrics are defined in their respective packages (cache, fetch,
// loader, preload) to maintain modularity and avoid circular dependencies.
//
// This package exposes them over HTTP and documents what is available.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all streamcache metrics use via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Snapshot returns the summed value of every counter and gauge whose name
// starts with prefix. Labelled series of one metric are added up.
func Snapshot(prefix string) (map[string]float64, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[name] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] += m.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - streamcache_cache_hits_total (Counter): Reads served from disk
//   - streamcache_cache_misses_total (Counter): Reads that found no covered bytes
//   - streamcache_cache_bytes_stored_total (Counter): Bytes written to cache files
//   - streamcache_cache_size_bytes (Gauge): Directory size at the last scan
//   - streamcache_cache_evictions_total{policy} (Counter): Entries removed by "age" or "size"
//   - streamcache_cache_errors_total{operation} (Counter): Cache operation errors
//
// Fetch Metrics (pkg/fetch):
//   - streamcache_fetch_requests_total{method, status} (Counter): Origin requests
//   - streamcache_fetch_request_duration_seconds{method} (Histogram): Origin latency
//   - streamcache_fetch_errors_total{class} (Counter): Failed attempts by class
//   - streamcache_fetch_retries_total{error_class} (Counter): Retry attempts
//   - streamcache_fetch_retry_backoff_seconds{error_class} (Histogram): Waited backoff
//   - streamcache_fetch_retry_exhausted_total{error_class} (Counter): Requests out of attempts
//
// Loader Metrics (pkg/loader):
//   - streamcache_loader_requests_total{kind, outcome} (Counter): Completed loading requests
//   - streamcache_loader_inflight_fetches (Gauge): Requests waiting on the network
//   - streamcache_loader_coordinators (Gauge): Active resource coordinators
//
// Preload Metrics (pkg/preload):
//   - streamcache_preload_tasks_total{outcome} (Counter): Finished preload tasks
//   - streamcache_preload_bytes_total (Counter): Bytes stored by preloads
//   - streamcache_preload_lease_errors_total (Counter): Lease backend failures
//
// Proxy Metrics (internal/proxy):
//   - streamcache_proxy_requests_total{route, status} (Counter): Answered proxy requests
//   - streamcache_proxy_bytes_served_total (Counter): Body bytes written to players
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(streamcache_cache_hits_total[5m])) /
//   (sum(rate(streamcache_cache_hits_total[5m])) + sum(rate(streamcache_cache_misses_total[5m])))
//
//   # Share of loading requests answered from disk
//   sum(rate(streamcache_loader_requests_total{outcome="cache"}[5m])) /
//   sum(rate(streamcache_loader_requests_total[5m]))
//
//   # P95 Origin Latency
//   histogram_quantile(0.95, rate(streamcache_fetch_request_duration_seconds_bucket[5m]))
