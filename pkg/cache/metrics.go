package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads served from disk
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcache_cache_hits_total",
			Help: "Total number of byte reads served from the disk cache",
		},
	)

	// CacheMisses tracks reads that found no covered bytes
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcache_cache_misses_total",
			Help: "Total number of byte reads that missed the disk cache",
		},
	)

	// BytesStored tracks bytes written into cache files
	BytesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcache_cache_bytes_stored_total",
			Help: "Total number of bytes written to the disk cache",
		},
	)

	// CacheSize tracks the cache directory size observed by the last scan
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamcache_cache_size_bytes",
			Help: "Size of the cache directory in bytes at the last scan",
		},
	)

	// CacheEvictions tracks entries removed by retention
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcache_cache_evictions_total",
			Help: "Total number of cache entries removed by retention",
		},
		[]string{"policy"}, // "age", "size"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "load_metadata", "record", "store", "read", "evict"
	)
)
