// Package ipcstat records per-IPC-kind round-trip latency, exposed as
// Prometheus histograms behind a small typed recorder so call sites never
// touch the client library directly.
package ipcstat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a latency histogram per request kind.
type Stats struct {
	latency *prometheus.HistogramVec
}

// New registers (or, if already registered on reg, reuses) the IPC
// latency histogram. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry across package tests.
func New(reg prometheus.Registerer) *Stats {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nvfuse",
		Subsystem: "ipc",
		Name:      "request_latency_seconds",
		Help:      "Round-trip latency of one IPC request, by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	if reg != nil {
		if err := reg.Register(h); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				h = are.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
	}
	return &Stats{latency: h}
}

// kindString is satisfied by ipc.Kind without an import cycle (ipcstat is
// a leaf package imported by ipc, not the reverse).
type kindString interface{ String() string }

// Start begins timing one request of the given kind, returning a func to
// call once its response arrives.
func (s *Stats) Start(kind kindString) func() {
	if s == nil {
		return func() {}
	}
	begin := time.Now()
	return func() {
		s.latency.WithLabelValues(kind.String()).Observe(time.Since(begin).Seconds())
	}
}
