// Package metrics defines the Prometheus metric types shared by the TCP
// stack and the balancer, following the teacher pack's convention
// (m-lab-tcp-info/metrics/metrics.go): one var block of promauto-registered
// metrics, grouped by subsystem, documented inline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenConnections tracks the number of live TCP connections (any
	// state but CLOSED) across every Host.
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcplb_tcp_open_connections",
		Help: "Number of TCP connections not in the CLOSED state.",
	})

	// SegmentsSent counts every outgoing segment handed to the link/IP
	// delegate.
	SegmentsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcplb_tcp_segments_sent_total",
		Help: "Total TCP segments transmitted.",
	})

	// Retransmits counts RTO-triggered and fast retransmissions.
	Retransmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcplb_tcp_retransmits_total",
		Help: "Total retransmitted segments, labeled by trigger.",
	}, []string{"cause"})

	// DupAcks counts duplicate ACKs observed, per spec.md §4.3.
	DupAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcplb_tcp_duplicate_acks_total",
		Help: "Total duplicate ACKs observed across all connections.",
	})

	// CwndBytes is a gauge of the most recently updated connection's
	// congestion window, useful as a coarse health signal.
	CwndBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcplb_tcp_last_cwnd_bytes",
		Help: "Congestion window of the most recently updated connection.",
	})

	// OpenSessions tracks the number of live balancer sessions.
	OpenSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcplb_balancer_open_sessions",
		Help: "Number of live client<->backend sessions.",
	})

	// ClosedSessions counts sessions that have ended.
	ClosedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcplb_balancer_closed_sessions_total",
		Help: "Total sessions that have ended.",
	})

	// WaitQueueDepth is a gauge of the number of clients currently queued
	// waiting for an upstream connection.
	WaitQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcplb_balancer_waitq_depth",
		Help: "Number of clients waiting for an available backend.",
	})

	// ActiveNodes is a gauge of backends currently marked active.
	ActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcplb_balancer_active_nodes",
		Help: "Number of backend nodes currently marked active.",
	})

	// BufferbloatAborts counts clients aborted for exceeding the
	// pre-assignment read-queue cap (spec.md §4.7).
	BufferbloatAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcplb_balancer_bufferbloat_aborts_total",
		Help: "Total clients aborted for exceeding the waiting read-queue cap.",
	})
)
