// Package selfmetrics holds the Prometheus collectors devlens uses to report
// on itself: connected clients, dropped telemetry, decode failures, and
// listener restarts. They are registered on the default registry and served
// by the web UI at /metrics.
package selfmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsOpened counts client sessions by transport.
	SessionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devlens_sessions_opened_total",
		Help: "Client sessions opened, by transport",
	}, []string{"transport"})

	// SessionsLive tracks sessions currently in the registry.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devlens_sessions_live",
		Help: "Client sessions currently connected",
	})

	// MessagesReceived counts inbound messages by tag.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devlens_messages_received_total",
		Help: "Inbound protocol messages, by tag",
	}, []string{"tag"})

	// MailboxDrops counts records discarded by mailbox overflow.
	MailboxDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devlens_mailbox_dropped_total",
		Help: "Records dropped by mailbox overflow, by mailbox",
	}, []string{"mailbox"})

	// DecodeFailures counts malformed frames dropped by the connection handler.
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devlens_decode_failures_total",
		Help: "Malformed protocol frames dropped",
	})

	// ListenerStarts counts dev server listener starts, by result.
	ListenerStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devlens_listener_starts_total",
		Help: "Dev server listener start attempts, by result",
	}, []string{"result"})

	// SpanNodes tracks nodes in the reconstructed span tree.
	SpanNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devlens_span_nodes",
		Help: "Nodes in the reconstructed span tree",
	})

	// MetricsPolls counts metrics requests sent to the active client.
	MetricsPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devlens_metrics_polls_total",
		Help: "Metrics requests sent to the active client, by result",
	}, []string{"result"})
)
