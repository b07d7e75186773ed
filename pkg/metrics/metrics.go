package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors of the proxy. Names carry the fwdproxy_ prefix.
var (
	// Finished sessions by result: ok, malformed, peer_closed, unresolved,
	// upstream_connect, too_large, timeout, io.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fwdproxy_sessions_total",
			Help: "Total number of proxy sessions, labeled by result.",
		},
		[]string{"result"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fwdproxy_active_sessions",
			Help: "Number of sessions currently being served.",
		},
	)

	SessionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fwdproxy_session_duration_seconds",
			Help:    "Histogram of session latencies in seconds, from accept to close.",
			Buckets: prometheus.DefBuckets,
		},
	)

	UpstreamDialSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fwdproxy_upstream_dial_seconds",
			Help:    "Histogram of origin connect latencies in seconds, labeled by result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"}, // success, failure
	)

	// Bytes written to peers, labeled by direction: upstream, downstream.
	ForwardedBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fwdproxy_forwarded_bytes_total",
			Help: "Total number of serialized message bytes written, labeled by direction.",
		},
		[]string{"direction"},
	)
)

// MustRegister registers the collectors on reg, the default registerer if nil.
// Call it once at startup.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		SessionsTotal,
		ActiveSessions,
		SessionDurationSeconds,
		UpstreamDialSeconds,
		ForwardedBytesTotal,
	)
}
