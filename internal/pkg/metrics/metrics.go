package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cpeer_transmitter"

// Cycle results.
const (
	CycleCompleted = "completed"
	CycleSkipped   = "skipped"
	CycleFailed    = "failed"
)

// File results.
const (
	FileMoved               = "moved"
	FileUnmoved             = "unmoved"
	FileSkippedUnresolved   = "skipped_unresolved"
	FileSkippedUnregistered = "skipped_unregistered"
	FileDeferred            = "deferred"
)

// Registry holds every transmitter metric. It is served on /metrics by the
// ops server.
var Registry = prometheus.NewRegistry()

var (
	// CyclesTotal counts dispatch cycles by result.
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Dispatch cycles by result (completed, skipped, failed).",
		},
		[]string{"result"},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one dispatch cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	// RequestsTotal counts upload requests by outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Upload requests to edge nodes by outcome.",
		},
		[]string{"outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of upload requests to edge nodes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// FilesTotal counts pending files by what a cycle did with them.
	FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Pending files by cycle result (moved, unmoved, skipped_unresolved, skipped_unregistered, deferred).",
		},
		[]string{"result"},
	)

	PendingFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_files",
			Help:      "Files in the pending directory at the start of the last cycle.",
		},
	)
)

func init() {
	Registry.MustRegister(
		CyclesTotal,
		CycleDuration,
		RequestsTotal,
		RequestDuration,
		FilesTotal,
		PendingFiles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
