// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "active",
		Help:      "Rooms with a loaded server replica.",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "clients_connected",
		Help:      "Open websocket sessions over all rooms.",
	})

	// UpdatesApplied counts document updates merged into server replicas,
	// by source: client or fanout.
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "updates_applied_total",
		Help:      "Document updates merged into server replicas.",
	}, []string{"source"})

	UpdateBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "update_bytes",
		Help:      "Size of committed document updates.",
		Buckets:   prometheus.ExponentialBuckets(32, 4, 8),
	})

	// MalformedFrames counts frames dropped because they could not be
	// decoded, by kind: frame, update or awareness.
	MalformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "malformed_total",
		Help:      "Dropped frames that failed to decode.",
	}, []string{"kind"})

	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "persist_errors_total",
		Help:      "Updates that could not be appended to the update log.",
	})

	// VersionOps counts history API calls by operation and outcome.
	VersionOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "operations_total",
		Help:      "Version history requests.",
	}, []string{"op", "result"})
)
