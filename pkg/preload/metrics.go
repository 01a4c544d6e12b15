package preload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PreloadTasks tracks finished preload tasks
	PreloadTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_preload_tasks_total",
		Help: "Total finished preload tasks by outcome",
	}, []string{"outcome"}) // "completed", "skipped", "cancelled", "failed"

	// PreloadBytes tracks bytes stored by preloads
	PreloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcache_preload_bytes_total",
		Help: "Total bytes stored by preload tasks",
	})

	// PreloadLeaseErrors tracks lease backend failures
	PreloadLeaseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcache_preload_lease_errors_total",
		Help: "Total lease backend errors; the preload proceeds without a lease",
	})
)
