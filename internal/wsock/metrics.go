package wsock

// MetricsReporter receives service and session events from the manager,
// hosts, and registries. The Prometheus implementation lives in
// internal/metrics; the interface is defined here to keep the core free of
// a prometheus dependency.
type MetricsReporter interface {
	// RegisterSession is called when a session is added to a host.
	RegisterSession(path string)

	// UnregisterSession is called when a session is removed from a host.
	UnregisterSession(path string)

	// IncMessagesSent is called for every successful per-session send
	// during a broadcast.
	IncMessagesSent(path string)

	// IncBroadcasts is called once per manager-level broadcast with the
	// opcode of the fanned-out message.
	IncBroadcasts(opcode string)

	// IncPingsSent is called for every ping dispatched by a broadping.
	IncPingsSent(path string)

	// IncPongsMissed is called for every broadping entry recorded false:
	// no matching pong within the timeout, or the session was not Open.
	IncPongsMissed(path string)
}

// noopMetrics is the default MetricsReporter when no collector is
// configured. All methods are no-ops.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(string)   {}
func (noopMetrics) UnregisterSession(string) {}
func (noopMetrics) IncMessagesSent(string)   {}
func (noopMetrics) IncBroadcasts(string)     {}
func (noopMetrics) IncPingsSent(string)      {}
func (noopMetrics) IncPongsMissed(string)    {}
