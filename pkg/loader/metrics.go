package loader

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoaderRequests tracks completed loading requests
	LoaderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcache_loader_requests_total",
		Help: "Total completed loading requests by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: "cache", "network", "failed", "cancelled", "closed"

	// LoaderInflight tracks running network operations
	LoaderInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcache_loader_inflight_fetches",
		Help: "Number of loading requests waiting on the network",
	})

	// LoaderCoordinators tracks coordinators held by registries
	LoaderCoordinators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcache_loader_coordinators",
		Help: "Number of active resource coordinators",
	})
)

func outcomeOf(res Result) string {
	switch {
	case errors.Is(res.Err, ErrCancelled):
		return "cancelled"
	case errors.Is(res.Err, ErrClosed):
		return "closed"
	case res.Err != nil:
		return "failed"
	case res.FromCache:
		return "cache"
	default:
		return "network"
	}
}
