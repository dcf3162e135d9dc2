package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wormhole",
		Subsystem: "relay",
		Name:      "connections",
		Help:      "Number of websocket connections currently established.",
	})

	metricMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wormhole",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Total number of messages relayed through mailboxes.",
	})

	metricPruneRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wormhole",
		Subsystem: "relay",
		Name:      "prune_runs_total",
		Help:      "Total number of completed pruning passes.",
	})
)

func init() {
	prometheus.MustRegister(metricConnections, metricMessages, metricPruneRuns)
}
