package replica

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	packetsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "packets_sent_total",
			Help:      "Packets handed to the transport.",
		},
	)
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "packets_received_total",
			Help:      "Packets accepted from the transport.",
		},
	)
	bytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes handed to the transport.",
		},
	)
	bytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "bytes_received_total",
			Help:      "Payload bytes accepted from the transport.",
		},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "retransmissions_total",
			Help:      "Reliable units sent more than once.",
		},
	)
	duplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "duplicates_total",
			Help:      "Duplicate packets and units suppressed.",
		},
	)
	malformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "malformed_total",
			Help:      "Datagrams and units dropped as malformed.",
		},
		[]string{"layer"},
	)
	rpcDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "rpc",
			Name:      "dispatched_total",
			Help:      "Calls handed to a registered handler.",
		},
	)
	rpcRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "rpc",
			Name:      "rejected_total",
			Help:      "Calls refused before execution.",
		},
		[]string{"reason"},
	)
	authorityViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "authority_violations_total",
			Help:      "Units rejected for overstepping authority.",
		},
		[]string{"layer"},
	)
	propertyUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "replica",
			Subsystem: "repl",
			Name:      "property_updates_total",
			Help:      "Remote property values applied.",
		},
	)
	liveConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "connections",
			Help:      "Connections currently tracked.",
		},
	)
	rttSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "replica",
			Subsystem: "net",
			Name:      "rtt_seconds",
			Help:      "Smoothed round-trip estimates.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			packetsSent, packetsReceived, bytesSent, bytesReceived,
			retransmissions, duplicates, malformed,
			rpcDispatched, rpcRejected, authorityViolations,
			propertyUpdates, liveConns, rttSeconds,
		)
	})
}

func recordPacketSent(n int) {
	packetsSent.Inc()
	bytesSent.Add(float64(n))
}

func recordPacketReceived(n int) {
	packetsReceived.Inc()
	bytesReceived.Add(float64(n))
}

func recordRetransmission() {
	retransmissions.Inc()
}

func recordDuplicate() {
	duplicates.Inc()
}

func recordMalformed(layer string) {
	malformed.WithLabelValues(layer).Inc()
}

func recordRPCDispatched() {
	rpcDispatched.Inc()
}

func recordRPCRejected(reason string) {
	rpcRejected.WithLabelValues(reason).Inc()
}

func recordAuthorityViolation(layer string) {
	authorityViolations.WithLabelValues(layer).Inc()
}

func recordPropertyUpdates(n int) {
	propertyUpdates.Add(float64(n))
}

func setConnGauge(n int) {
	liveConns.Set(float64(n))
}

func recordRTT(d time.Duration) {
	rttSeconds.Observe(d.Seconds())
}
