package dispatcher

import (
	"errors"
	"time"

	"cloupeer.io/transmitter/internal/pkg/metrics"
	"cloupeer.io/transmitter/internal/transmitter/keystore"
	"cloupeer.io/transmitter/internal/transmitter/signer"
	"cloupeer.io/transmitter/internal/transmitter/uploader"
)

// Report summarizes one cycle.
type Report struct {
	// Pending is the number of files listed at the start of the cycle.
	Pending int
	// Unresolved files carry no registration number, Unregistered ones a
	// number without a certificate. Neither is ever uploaded.
	Unresolved   int
	Unregistered int
	// Deferred files belong to vehicles that were not admitted this cycle
	// or whose batch ran out of time before reaching them.
	Deferred int

	// Vehicles is the number of admitted batches.
	Vehicles int
	// Requests counts upload requests by outcome.
	Requests map[uploader.Outcome]int
	// States counts request units by final lifecycle state.
	States map[string]int

	Moved   int
	Unmoved int

	Duration time.Duration
}

func newReport(p *Plan) Report {
	return Report{
		Pending:      len(p.Pending),
		Unresolved:   len(p.Unresolved),
		Unregistered: len(p.Unregistered),
		Deferred:     fileCount(p.Deferred),
		Vehicles:     len(p.Batches),
		Requests:     make(map[uploader.Outcome]int),
		States:       make(map[string]int),
	}
}

// observe records the planning part of the report.
func (r Report) observe() {
	metrics.PendingFiles.Set(float64(r.Pending))
	metrics.FilesTotal.WithLabelValues(metrics.FileSkippedUnresolved).Add(float64(r.Unresolved))
	metrics.FilesTotal.WithLabelValues(metrics.FileSkippedUnregistered).Add(float64(r.Unregistered))
	metrics.FilesTotal.WithLabelValues(metrics.FileDeferred).Add(float64(r.Deferred))
}

type batchReport struct {
	requests map[uploader.Outcome]int
	states   map[string]int
	moved    int
	unmoved  int
	deferred int
}

func (b *batchReport) add(u unitResult) {
	if u.outcome != nil {
		b.requests[*u.outcome]++
	}
	b.states[u.state]++
	b.moved += u.moved
	b.unmoved += u.unmoved
}

func (r *Report) merge(b batchReport) {
	for o, n := range b.requests {
		r.Requests[o] += n
	}
	for s, n := range b.states {
		r.States[s] += n
	}
	r.Moved += b.moved
	r.Unmoved += b.unmoved
	r.Deferred += b.deferred
}

func isKeyMaterialError(err error) bool {
	return errors.Is(err, keystore.ErrKeyLoad) ||
		errors.Is(err, keystore.ErrKeyNotFound) ||
		errors.Is(err, signer.ErrUnsupportedKey)
}
