// Package wsmetrics implements the Prometheus collector for the WebSocket
// service core.
package wsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gowsd"
	subsystem = "ws"
)

// Label names for WebSocket metrics.
const (
	labelPath   = "path"
	labelOpcode = "opcode"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus WebSocket Metrics
// -------------------------------------------------------------------------

// Collector holds all WebSocket Prometheus metrics.
//
// It implements both wsock.MetricsReporter (session and fan-out events)
// and server.UpgradeReporter (acceptor events):
//   - Session gauges track currently live sessions per service path.
//   - Message and ping counters track broadcast fan-out volume.
//   - Upgrade counters record accepted and rejected handshakes for
//     alerting on client-side misbehavior.
type Collector struct {
	// Sessions tracks the number of currently live sessions per path.
	// Incremented on registry add, decremented on removal.
	Sessions *prometheus.GaugeVec

	// MessagesSent counts successful per-session broadcast sends.
	MessagesSent *prometheus.CounterVec

	// Broadcasts counts manager-level broadcasts per opcode.
	Broadcasts *prometheus.CounterVec

	// PingsSent counts pings dispatched by broadpings; the keep-clean
	// sweep's pings are not counted.
	PingsSent *prometheus.CounterVec

	// PongsMissed counts broadping entries recorded false: no pong within
	// the timeout, or the session was not Open.
	PongsMissed *prometheus.CounterVec

	// Upgrades counts completed protocol upgrades.
	Upgrades prometheus.Counter

	// UpgradeFailures counts rejected upgrades by reason.
	UpgradeFailures *prometheus.CounterVec
}

// NewCollector creates a Collector with all WebSocket metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gowsd_ws_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesSent,
		c.Broadcasts,
		c.PingsSent,
		c.PongsMissed,
		c.Upgrades,
		c.UpgradeFailures,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	pathLabels := []string{labelPath}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently live WebSocket sessions.",
		}, pathLabels),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total per-session messages delivered by broadcasts.",
		}, pathLabels),

		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Total manager-level broadcasts by opcode.",
		}, []string{labelOpcode}),

		PingsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pings_sent_total",
			Help:      "Total ping frames dispatched to sessions.",
		}, pathLabels),

		PongsMissed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pongs_missed_total",
			Help:      "Total broadping entries recorded without a pong reply.",
		}, pathLabels),

		Upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upgrades_total",
			Help:      "Total completed WebSocket protocol upgrades.",
		}),

		UpgradeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upgrade_failures_total",
			Help:      "Total rejected WebSocket upgrades by reason.",
		}, []string{labelReason}),
	}
}

// -------------------------------------------------------------------------
// wsock.MetricsReporter
// -------------------------------------------------------------------------

// RegisterSession increments the live sessions gauge for the given path.
// Called when a session is added to a host's registry.
func (c *Collector) RegisterSession(path string) {
	c.Sessions.WithLabelValues(path).Inc()
}

// UnregisterSession decrements the live sessions gauge for the given path.
// Called when a session is removed from a host's registry.
func (c *Collector) UnregisterSession(path string) {
	c.Sessions.WithLabelValues(path).Dec()
}

// IncMessagesSent increments the delivered-messages counter for the path.
// Called on each successful per-session broadcast send.
func (c *Collector) IncMessagesSent(path string) {
	c.MessagesSent.WithLabelValues(path).Inc()
}

// IncBroadcasts increments the broadcasts counter for the opcode.
// Called once per manager-level broadcast.
func (c *Collector) IncBroadcasts(opcode string) {
	c.Broadcasts.WithLabelValues(opcode).Inc()
}

// IncPingsSent increments the dispatched-pings counter for the path.
func (c *Collector) IncPingsSent(path string) {
	c.PingsSent.WithLabelValues(path).Inc()
}

// IncPongsMissed increments the missed-pongs counter for the path.
func (c *Collector) IncPongsMissed(path string) {
	c.PongsMissed.WithLabelValues(path).Inc()
}

// -------------------------------------------------------------------------
// server.UpgradeReporter
// -------------------------------------------------------------------------

// IncUpgrades increments the completed-upgrades counter.
func (c *Collector) IncUpgrades() {
	c.Upgrades.Inc()
}

// IncUpgradeFailures increments the rejected-upgrades counter for the
// given reason.
func (c *Collector) IncUpgradeFailures(reason string) {
	c.UpgradeFailures.WithLabelValues(reason).Inc()
}
