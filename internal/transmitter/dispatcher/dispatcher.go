// Package dispatcher runs dispatch cycles: it groups pending files by
// vehicle, signs them, uploads them to an edge node and moves the files of
// every successful request to the done directory.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cloupeer.io/transmitter/internal/pkg/metrics"
	"cloupeer.io/transmitter/internal/transmitter/archive"
	"cloupeer.io/transmitter/internal/transmitter/edge"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/internal/transmitter/notifier"
	"cloupeer.io/transmitter/internal/transmitter/registry"
	"cloupeer.io/transmitter/internal/transmitter/spool"
	"cloupeer.io/transmitter/internal/transmitter/uploader"
	"cloupeer.io/transmitter/pkg/log"
	"cloupeer.io/transmitter/pkg/options"
)

// ErrCycleInProgress is returned by RunCycle while another cycle runs.
var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

// Spool is the pending/done directory pair.
type Spool interface {
	ListPending() ([]spool.File, error)
	Finalize(f spool.File) error
	DoneDir() string
}

// Certificates looks up vehicle key material.
type Certificates interface {
	Get(id identity.VehicleID) (registry.VehicleCertificate, error)
}

// Signer produces the detached signature of a file.
type Signer interface {
	SignFile(path string, cert registry.VehicleCertificate) ([]byte, error)
}

// Sender performs one upload request.
type Sender interface {
	Send(ctx context.Context, target edge.Target, cert registry.VehicleCertificate, parts []uploader.Part) (uploader.Result, error)
}

type Config struct {
	Spool        Spool
	Resolver     identity.Resolver
	Certificates Certificates
	Signer       Signer
	Selector     edge.Selector
	Sender       Sender

	// Notifier and Archiver default to no-ops.
	Notifier notifier.Notifier
	Archiver archive.Archiver

	// Workers bounds how many vehicles upload concurrently.
	Workers int
	// BatchTimeout bounds the work done for one vehicle in a cycle.
	BatchTimeout time.Duration
	// NotifyTimeout bounds each notification and archive upload. Both run
	// outside the batch deadline.
	NotifyTimeout time.Duration
	// Mode is options.DispatchModePerFile or options.DispatchModePerBatch.
	Mode string
}

type Dispatcher struct {
	cfg     Config
	running sync.Mutex

	// background tracks notifications and archive uploads of the running cycle.
	background sync.WaitGroup
}

func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Spool == nil:
		return nil, errors.New("dispatcher: spool is required")
	case cfg.Resolver == nil:
		return nil, errors.New("dispatcher: resolver is required")
	case cfg.Certificates == nil:
		return nil, errors.New("dispatcher: certificates are required")
	case cfg.Signer == nil:
		return nil, errors.New("dispatcher: signer is required")
	case cfg.Selector == nil:
		return nil, errors.New("dispatcher: edge selector is required")
	case cfg.Sender == nil:
		return nil, errors.New("dispatcher: sender is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.Nop{}
	}
	if cfg.Archiver == nil {
		cfg.Archiver = archive.Nop{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = options.DispatchModePerFile
	case options.DispatchModePerFile, options.DispatchModePerBatch:
	default:
		return nil, fmt.Errorf("dispatcher: unknown mode %q", cfg.Mode)
	}
	return &Dispatcher{cfg: cfg}, nil
}

// RunCycle performs one dispatch cycle. Upload failures are contained per
// vehicle and reported in the Report; the error return is reserved for a
// pending directory that cannot be listed and for ErrCycleInProgress.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	if !d.running.TryLock() {
		metrics.CyclesTotal.WithLabelValues(metrics.CycleSkipped).Inc()
		return Report{}, ErrCycleInProgress
	}
	defer d.running.Unlock()

	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	plan, err := d.Plan()
	if err != nil {
		metrics.CyclesTotal.WithLabelValues(metrics.CycleFailed).Inc()
		return Report{}, err
	}

	report := newReport(plan)
	report.observe()
	if len(plan.Pending) == 0 {
		log.Info("No pending files")
		metrics.CyclesTotal.WithLabelValues(metrics.CycleCompleted).Inc()
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)
	for _, b := range plan.Batches {
		g.Go(func() error {
			br := d.runBatch(ctx, b)
			mu.Lock()
			report.merge(br)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	d.background.Wait()

	report.Duration = time.Since(start)
	metrics.CyclesTotal.WithLabelValues(metrics.CycleCompleted).Inc()
	metrics.FilesTotal.WithLabelValues(metrics.FileMoved).Add(float64(report.Moved))
	metrics.FilesTotal.WithLabelValues(metrics.FileUnmoved).Add(float64(report.Unmoved))
	metrics.FilesTotal.WithLabelValues(metrics.FileDeferred).Add(float64(report.Deferred - fileCount(plan.Deferred)))

	log.Info("Dispatch cycle finished",
		"pending", report.Pending,
		"vehicles", report.Vehicles,
		"moved", report.Moved,
		"unmoved", report.Unmoved,
		"deferred", report.Deferred,
		"skipped", report.Unresolved+report.Unregistered,
		"duration", report.Duration)
	return report, nil
}

// units splits a batch into request units according to the dispatch mode.
func (d *Dispatcher) units(files []spool.File) [][]spool.File {
	if d.cfg.Mode == options.DispatchModePerBatch {
		return [][]spool.File{files}
	}
	out := make([][]spool.File, 0, len(files))
	for _, f := range files {
		out = append(out, []spool.File{f})
	}
	return out
}

func (d *Dispatcher) runBatch(ctx context.Context, b *Batch) batchReport {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	br := batchReport{
		requests: make(map[uploader.Outcome]int),
		states:   make(map[string]int),
	}
	logger := log.WithValues("vehicleID", b.VehicleID)

	cert, err := d.cfg.Certificates.Get(b.VehicleID)
	if err != nil {
		logger.Error(err, "Vehicle certificate unavailable")
		br.unmoved += len(b.Files)
		return br
	}

	units := d.units(b.Files)
	for i, files := range units {
		if ctx.Err() != nil {
			for _, rest := range units[i:] {
				br.deferred += len(rest)
			}
			logger.Warn("Batch timed out, deferring remaining files", "files", br.deferred)
			break
		}

		ur := d.runUnit(ctx, b.VehicleID, cert, i, files)
		br.add(ur)
		if ur.abort {
			for _, rest := range units[i+1:] {
				br.unmoved += len(rest)
			}
			break
		}
	}
	return br
}

type unitResult struct {
	state   string
	outcome *uploader.Outcome
	moved   int
	unmoved int
	abort   bool
}

func (d *Dispatcher) runUnit(ctx context.Context, id identity.VehicleID, cert registry.VehicleCertificate, attempt int, files []spool.File) unitResult {
	lc := NewLifecycle(id)
	fail := func(err error, abort bool) unitResult {
		lc.fire(ctx, EventFail, err)
		return unitResult{state: lc.Current(), unmoved: len(files), abort: abort}
	}

	lc.fire(ctx, EventSign)
	parts := make([]uploader.Part, 0, len(files))
	for _, f := range files {
		sig, err := d.cfg.Signer.SignFile(f.Path, cert)
		if err != nil {
			log.Error(err, "Failed to sign file", "vehicleID", id, "file", f.Name)
			// A key problem fails every file of the vehicle; a file
			// problem only this unit.
			return fail(err, isKeyMaterialError(err))
		}
		parts = append(parts, uploader.Part{Name: f.Name, Path: f.Path, Signature: sig})
	}

	lc.fire(ctx, EventUpload)
	target, err := d.cfg.Selector.Select(id, attempt)
	if err != nil {
		log.Error(err, "No edge target", "vehicleID", id)
		return fail(err, true)
	}

	res, err := d.cfg.Sender.Send(ctx, target, cert, parts)
	if err != nil {
		log.Error(err, "Cannot send upload", "vehicleID", id, "edge", target.Name)
		return fail(err, true)
	}

	outcome := res.Outcome
	metrics.RequestsTotal.WithLabelValues(outcome.String()).Inc()
	metrics.RequestDuration.WithLabelValues(outcome.String()).Observe(res.Duration.Seconds())

	if outcome != uploader.Success {
		logFailure(id, target, files, res)
		d.notify(ctx, id, target, files, res)
		r := fail(resultError(res), false)
		r.outcome = &outcome
		return r
	}

	lc.fire(ctx, EventAck)
	r := unitResult{outcome: &outcome}
	for _, f := range files {
		if err := d.cfg.Spool.Finalize(f); err != nil {
			log.Error(err, "Uploaded file stays pending", "vehicleID", id, "file", f.Name)
			r.unmoved++
			continue
		}
		r.moved++
		d.archive(ctx, id, f.Name)
	}
	if r.unmoved == 0 {
		lc.fire(ctx, EventFinalize)
	}
	d.notify(ctx, id, target, files, res)
	log.Info("Upload succeeded", "vehicleID", id, "edge", target.Name, "status", res.Status, "files", len(files), "moved", r.moved)
	r.state = lc.Current()
	return r
}

// detach runs fn in the background under its own NotifyTimeout, so a stalled
// broker or bucket never eats into the batch deadline. RunCycle waits for it.
func (d *Dispatcher) detach(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.NotifyTimeout)
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		defer cancel()
		fn(ctx)
	}()
}

func (d *Dispatcher) archive(ctx context.Context, id identity.VehicleID, name string) {
	path := filepath.Join(d.cfg.Spool.DoneDir(), name)
	d.detach(ctx, func(ctx context.Context) {
		if err := d.cfg.Archiver.Archive(ctx, string(id), path); err != nil {
			log.Warn("Failed to archive file", "vehicleID", id, "file", name, "error", err.Error())
		}
	})
}

func (d *Dispatcher) notify(ctx context.Context, id identity.VehicleID, target edge.Target, files []spool.File, res uploader.Result) {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	e := notifier.Event{
		VehicleID: string(id),
		Files:     names,
		Edge:      target.Name,
		Outcome:   res.Outcome.String(),
		Status:    res.Status,
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	d.detach(ctx, func(ctx context.Context) {
		if err := d.cfg.Notifier.Notify(ctx, e); err != nil {
			log.Warn("Failed to publish upload outcome", "vehicleID", id, "error", err.Error())
		}
	})
}

func logFailure(id identity.VehicleID, target edge.Target, files []spool.File, res uploader.Result) {
	kv := []any{"vehicleID", id, "edge", target.Name, "files", len(files), "status", res.Status}
	switch res.Outcome {
	case uploader.ClientError:
		log.Warn("Edge rejected upload", append(kv, "body", res.Body)...)
	case uploader.ServerError:
		log.Error(resultError(res), "Edge failed to store upload", append(kv, "body", res.Body)...)
	default:
		log.Error(resultError(res), "Upload request failed", kv...)
	}
}

func resultError(res uploader.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return fmt.Errorf("edge responded %d (%s)", res.Status, res.Outcome)
}
