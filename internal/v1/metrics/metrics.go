package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the conferencing server.
//
// Naming convention: namespace_subsystem_name
// - namespace: meetwire (application-level grouping)
// - subsystem: control, meeting, relay, transfer (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, meetings, sessions)
// - Counter: Cumulative events (messages processed, datagrams relayed, errors)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveControlConnections tracks the current number of open control connections.
	ActiveControlConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetwire",
		Subsystem: "control",
		Name:      "connections_active",
		Help:      "Current number of active control connections",
	})

	// ControlMessages counts control messages by type and outcome.
	ControlMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "control",
		Name:      "messages_total",
		Help:      "Total control messages processed",
	}, []string{"message_type", "status"})

	// DispatchDuration tracks the time spent dispatching a control message.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meetwire",
		Subsystem: "control",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching control messages",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"message_type"})

	// ActiveMeetings tracks the current number of live meetings.
	ActiveMeetings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetwire",
		Subsystem: "meeting",
		Name:      "meetings_active",
		Help:      "Current number of live meetings",
	})

	// MeetingParticipants tracks admitted participants per meeting.
	MeetingParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meetwire",
		Subsystem: "meeting",
		Name:      "participants_count",
		Help:      "Number of admitted participants in each meeting",
	}, []string{"meeting_code"})

	// DatagramsRelayed counts media datagrams fanned out, by media kind.
	DatagramsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "relay",
		Name:      "datagrams_relayed_total",
		Help:      "Total media datagrams forwarded to receivers",
	}, []string{"kind"})

	// DatagramsDropped counts inbound datagrams discarded, by reason.
	DatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "relay",
		Name:      "datagrams_dropped_total",
		Help:      "Total inbound media datagrams dropped",
	}, []string{"reason"})

	// RelaySendFailures counts failed datagram writes to receivers.
	RelaySendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "relay",
		Name:      "send_failures_total",
		Help:      "Total failed datagram sends to receiver addresses",
	})

	// ActiveTransferSessions tracks open file-transfer sessions.
	ActiveTransferSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meetwire",
		Subsystem: "transfer",
		Name:      "sessions_active",
		Help:      "Current number of open file-transfer sessions",
	})

	// TransferAborts counts aborted transfer sessions by reason.
	TransferAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "transfer",
		Name:      "aborts_total",
		Help:      "Total aborted file-transfer sessions",
	}, []string{"reason"})

	// TransferRetransmits counts chunk retransmissions after ack timeouts.
	TransferRetransmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "transfer",
		Name:      "retransmits_total",
		Help:      "Total chunk retransmissions",
	})

	// RateLimitExceeded counts rejected connections/joins due to rate limits.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meetwire",
		Subsystem: "control",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"limit_type"})
)

func IncConnection() {
	ActiveControlConnections.Inc()
}

func DecConnection() {
	ActiveControlConnections.Dec()
}
