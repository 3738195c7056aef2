package vfs

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-operation counters and latencies. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	written  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfs",
			Name:      "operations_total",
			Help:      "Gateway operations by operation, mountpoint and status.",
		}, []string{"op", "mount", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vfs",
			Name:      "operation_duration_seconds",
			Help:      "Time to produce a response, excluding body streaming.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfs",
			Name:      "written_bytes_total",
			Help:      "Bytes stored through writefile.",
		}, []string{"mount"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.duration, m.written)
	}
	return m
}

func (m *Metrics) observe(op Op, mount string, err error, since time.Time) {
	if m == nil {
		return
	}
	status := "200"
	if err != nil {
		status = strconv.Itoa(StatusCode(err))
	}
	if mount == "" {
		mount = "-"
	}
	m.ops.WithLabelValues(string(op), mount, status).Inc()
	m.duration.WithLabelValues(string(op)).Observe(time.Since(since).Seconds())
}

func (m *Metrics) addWritten(mount string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.written.WithLabelValues(mount).Add(float64(n))
}
