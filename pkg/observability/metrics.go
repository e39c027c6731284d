package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics mirrors Logger's aggregate counters as Prometheus gauges
// and counters on a private registry (not the global default, so a test
// can construct a Logger more than once without a "duplicate metrics
// collector registration attempted" panic), grounded on vjache-cie's use
// of github.com/prometheus/client_golang.
type PromMetrics struct {
	Registry *prometheus.Registry

	appends     prometheus.Counter
	bytes       prometheus.Counter
	replEvents  prometheus.Counter
	errors      prometheus.Counter
	avgBytes    prometheus.Gauge
	errorRate   prometheus.Gauge
	healthy     prometheus.Gauge

	lastAppends float64
	lastBytes   float64
	lastRepl    float64
	lastErrors  float64
}

// NewPromMetrics creates a private registry and registers one gauge/
// counter per Logger aggregate.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	pm := &PromMetrics{
		Registry: reg,
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "substrate_log_appends_total",
			Help: "Total number of successful log appends.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "substrate_log_bytes_total",
			Help: "Total serialised bytes appended across all logs.",
		}),
		replEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "substrate_replication_events_total",
			Help: "Total replication sync events recorded.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "substrate_errors_total",
			Help: "Total recorded error events.",
		}),
		avgBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "substrate_avg_bytes_per_append",
			Help: "Average serialised payload size per append.",
		}),
		errorRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "substrate_error_rate",
			Help: "Fraction of recorded append, replicate and error events that were errors.",
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "substrate_healthy",
			Help: "1 if the error count within the sliding window is below threshold, else 0.",
		}),
	}
	reg.MustRegister(pm.appends, pm.bytes, pm.replEvents, pm.errors, pm.avgBytes, pm.errorRate, pm.healthy)
	return pm
}

// Sync mirrors l's current counters onto the Prometheus gauges, resetting
// the counters' deltas against what Prometheus already holds. Since
// client_golang counters are monotonic and Logger is the source of truth,
// Sync adds the observed delta since the last call rather than re-setting
// an absolute value (Counter has no Set method).
func (pm *PromMetrics) Sync(l *Logger) {
	m := l.GetMetrics()
	h := l.GetHealth()

	pm.appends.Add(float64(m.TotalAppends) - pm.lastAppends)
	pm.bytes.Add(float64(m.TotalBytes) - pm.lastBytes)
	pm.replEvents.Add(float64(m.TotalReplicationEvents) - pm.lastRepl)
	pm.errors.Add(float64(m.TotalErrors) - pm.lastErrors)
	pm.lastAppends = float64(m.TotalAppends)
	pm.lastBytes = float64(m.TotalBytes)
	pm.lastRepl = float64(m.TotalReplicationEvents)
	pm.lastErrors = float64(m.TotalErrors)

	pm.avgBytes.Set(m.AvgBytesPerAppend)
	pm.errorRate.Set(m.ErrorRate)
	if h.Healthy {
		pm.healthy.Set(1)
	} else {
		pm.healthy.Set(0)
	}
}
