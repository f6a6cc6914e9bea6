// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MSRPConnectionsTotal counts MSRP connections by how they were opened
	MSRPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_msrp_connections_total",
			Help: "Total number of MSRP connections accepted or dialed",
		},
		[]string{"mode", "transport"},
	)

	// MSRPMessagesTotal counts MSRP frames by direction and method
	MSRPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_msrp_messages_total",
			Help: "Total number of MSRP messages received or sent",
		},
		[]string{"direction", "method"},
	)

	// MSRPParseErrorsTotal counts connection-fatal parser errors
	MSRPParseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_msrp_parse_errors_total",
			Help: "Total number of MSRP parse errors",
		},
		[]string{"reason"},
	)

	// MSRPSpilledChunksTotal counts partial payload chunks emitted on buffer overflow
	MSRPSpilledChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callcore_msrp_spilled_chunks_total",
			Help: "Total number of MSRP payload chunks spilled before the end delimiter arrived",
		},
	)

	// MSRPSendBufferTotal counts sends issued before the transport was ready
	MSRPSendBufferTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_msrp_send_buffer_total",
			Help: "Total number of MSRP sends buffered or dropped before the transport was ready",
		},
		[]string{"result"},
	)

	// MSRPActiveSessions tracks live MSRP sessions
	MSRPActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callcore_msrp_active_sessions",
			Help: "Number of MSRP sessions currently allocated",
		},
	)

	// MSRPTransactionTimeoutsTotal counts outbound SEND transactions that never got a reply
	MSRPTransactionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callcore_msrp_transaction_timeouts_total",
			Help: "Total number of MSRP transactions that expired without a response",
		},
	)

	// MSRPTransactionSeconds measures SEND to response round trip
	MSRPTransactionSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "callcore_msrp_transaction_seconds",
			Help:    "Round trip of MSRP SEND transactions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	// ChannelsActive tracks channels registered in the process
	ChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "callcore_channels_active",
			Help: "Number of channels currently registered",
		},
	)

	// ChannelStateTransitionsTotal counts committed running-state transitions
	ChannelStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_channel_state_transitions_total",
			Help: "Total number of channel running-state commits by state",
		},
		[]string{"state"},
	)

	// ChannelHangupsTotal counts hangups by cause
	ChannelHangupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_channel_hangups_total",
			Help: "Total number of channel hangups by cause",
		},
		[]string{"cause"},
	)

	// ChannelViolationsTotal counts rejected channel state transitions
	ChannelViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_channel_violations_total",
			Help: "Total number of invalid channel state transitions",
		},
		[]string{"phase"},
	)

	// EventsPublishedTotal counts events accepted by the event bus
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_events_published_total",
			Help: "Total number of events published to the event bus",
		},
		[]string{"topic"},
	)

	// EventsDroppedTotal counts events rejected because a partition queue was full
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_events_dropped_total",
			Help: "Total number of events dropped by the event bus",
		},
		[]string{"topic"},
	)

	// CDRWritesTotal counts CDR sink writes by result
	CDRWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callcore_cdr_writes_total",
			Help: "Total number of CDR writes per sink",
		},
		[]string{"sink", "result"},
	)
)
