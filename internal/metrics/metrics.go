package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered once on the default registry and served on /metrics.
var (
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbridge_inbound_messages_total",
		Help: "Inbound webhook messages by outcome",
	}, []string{"action"})

	Correlations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbridge_correlations_total",
		Help: "Reply correlation results by match path",
	}, []string{"via"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbridge_reply_dispatch_total",
		Help: "Outbound reply attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailbridge_reply_dispatch_duration_seconds",
		Help:    "Provider send latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbridge_merges_total",
		Help: "Merge operations by source and whether a ticket was created",
	}, []string{"source", "created"})

	OrganizationCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailbridge_organization_cache_requests_total",
		Help: "Routing address cache lookups by result",
	}, []string{"result"})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailbridge_websocket_clients",
		Help: "Connected live-update clients",
	})
)

// Bool renders a label value for boolean dimensions.
func Bool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
