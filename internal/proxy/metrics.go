package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxyRequests tracks answered proxy requests
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcache_proxy_requests_total",
			Help: "Total number of requests answered by the range proxy",
		},
		[]string{"route", "status"},
	)

	// ProxyBytesServed tracks body bytes written to clients
	ProxyBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcache_proxy_bytes_served_total",
			Help: "Total number of body bytes written by the range proxy",
		},
	)
)
