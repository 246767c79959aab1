package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the default registry and served from the internal
// metrics listener.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishbowl_permission_requests_total",
		Help: "Permission requests submitted, by category.",
	}, []string{"category"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishbowl_permission_decisions_total",
		Help: "Permission request resolutions, by category and outcome.",
	}, []string{"category", "status"})

	pendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fishbowl_pending_requests",
		Help: "Permission requests currently awaiting a decision.",
	})

	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fishbowl_proxy_requests_total",
		Help: "Outbound requests seen by the network proxy, by outcome.",
	}, []string{"outcome"})
)

// CountProxyDecision records a proxy allow/deny outcome. Wired as the proxy
// server's OnDecision callback.
func CountProxyDecision(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	proxyRequestsTotal.WithLabelValues(outcome).Inc()
}
