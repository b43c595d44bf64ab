package dht

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics - Router instrumentation, registered against a per-node registry.
type metrics struct {
	queriesStarted  *prometheus.CounterVec
	queriesFinished *prometheus.CounterVec
	rpcsSent        *prometheus.CounterVec
	rpcsFailed      *prometheus.CounterVec
	messagesDropped prometheus.Counter
	eventsDropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, routingSize, storedRecords func() float64) *metrics {
	m := &metrics{
		queriesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "queries_started_total",
			Help:      "Queries issued, by kind.",
		}, []string{"kind"}),
		queriesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "queries_finished_total",
			Help:      "Queries that reached a terminal state, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rpcsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "rpcs_sent_total",
			Help:      "Requests sent to peers, by op.",
		}, []string{"op"}),
		rpcsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "rpcs_failed_total",
			Help:      "Requests that timed out or could not be delivered, by op.",
		}, []string{"op"}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped as malformed or unsolicited.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dkv",
			Name:      "events_dropped_total",
			Help:      "Events discarded because nobody was consuming them.",
		}),
	}

	reg.MustRegister(
		m.queriesStarted,
		m.queriesFinished,
		m.rpcsSent,
		m.rpcsFailed,
		m.messagesDropped,
		m.eventsDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dkv",
			Name:      "routing_table_peers",
			Help:      "Peers currently held in the routing table.",
		}, routingSize),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "dkv",
			Name:      "stored_records",
			Help:      "Records held in the local store.",
		}, storedRecords),
	)
	return m
}
