package dispatcher

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloupeer.io/transmitter/internal/pkg/pkitest"
	"cloupeer.io/transmitter/internal/transmitter/edge"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/internal/transmitter/keystore"
	"cloupeer.io/transmitter/internal/transmitter/notifier"
	"cloupeer.io/transmitter/internal/transmitter/registry"
	"cloupeer.io/transmitter/internal/transmitter/signer"
	"cloupeer.io/transmitter/internal/transmitter/spool"
	"cloupeer.io/transmitter/internal/transmitter/uploader"
	"cloupeer.io/transmitter/pkg/options"
)

const (
	vehicleA identity.VehicleID = "02구2392"
	vehicleB identity.VehicleID = "17나1235"
)

// fakeEdge is an mTLS edge node that answers per client certificate.
type fakeEdge struct {
	srv *httptest.Server

	mu       sync.Mutex
	status   map[string]int
	requests map[string]int
	files    map[string][]string
}

func (e *fakeEdge) setStatus(id identity.VehicleID, status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[string(id)] = status
}

func (e *fakeEdge) requestCount(id identity.VehicleID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[string(id)]
}

func (e *fakeEdge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cn := r.TLS.PeerCertificates[0].Subject.CommonName
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.requests[cn]++
	for _, fh := range r.MultipartForm.File["file"] {
		e.files[cn] = append(e.files[cn], fh.Filename)
	}
	status, ok := e.status[cn]
	e.mu.Unlock()

	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

type env struct {
	edge  *fakeEdge
	spool *spool.Spool
	reg   *registry.Registry
	keys  *keystore.Cache
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	ca := pkitest.NewCA(t, "edge-ca")
	trust := ca.WriteCertPEM(t, root, "trust.pem")

	fe := &fakeEdge{status: map[string]int{}, requests: map[string]int{}, files: map[string][]string{}}
	fe.srv = httptest.NewUnstartedServer(fe)
	fe.srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{ca.IssueServer(t, "edge").TLSCertificate()},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.Pool(),
	}
	fe.srv.StartTLS()
	t.Cleanup(fe.srv.Close)

	var certs []registry.VehicleCertificate
	for _, id := range []identity.VehicleID{vehicleA, vehicleB} {
		certs = append(certs, registry.VehicleCertificate{
			ID:         id,
			KeyStore:   ca.IssueClient(t, string(id)).WritePEM(t, root, string(id)+".pem", "client-key"),
			KeyAlias:   "client-key",
			TrustStore: trust,
		})
	}
	reg, err := registry.New(certs...)
	if err != nil {
		t.Fatal(err)
	}

	sp := spool.New(filepath.Join(root, "target"), filepath.Join(root, "done"))
	if err := sp.Ensure(); err != nil {
		t.Fatal(err)
	}
	return &env{edge: fe, spool: sp, reg: reg, keys: keystore.NewCache()}
}

func (e *env) config(t *testing.T) Config {
	t.Helper()
	sel, err := edge.NewFixed(e.edge.srv.URL + "/api/edge/upload/vehicle/")
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		Spool:        e.spool,
		Resolver:     identity.NewPlateResolver(e.reg),
		Certificates: e.reg,
		Signer:       signer.New(e.keys),
		Selector:     sel,
		Sender:       uploader.New(e.keys, 10*time.Second),
		Workers:      2,
		BatchTimeout: 30 * time.Second,
	}
}

func (e *env) dispatcher(t *testing.T, mutate ...func(*Config)) *Dispatcher {
	t.Helper()
	cfg := e.config(t)
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func (e *env) drop(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(e.spool.PendingDir(), n), []byte("payload of "+n), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRunCycleEmptyPending(t *testing.T) {
	e := newEnv(t)
	d := e.dispatcher(t)

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if r.Pending != 0 || r.Moved != 0 || len(r.Requests) != 0 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if e.edge.requestCount(vehicleA)+e.edge.requestCount(vehicleB) != 0 {
		t.Error("an empty pending directory caused requests")
	}
	if got := listDir(t, e.spool.DoneDir()); len(got) != 0 {
		t.Errorf("done = %v", got)
	}
}

func TestRunCycleMovesSuccessfulUploads(t *testing.T) {
	e := newEnv(t)
	e.drop(t,
		"02구2392_BMS.csv", "02구 2392_GPS.csv",
		"17나1235_BMS.csv",
		"no-id-here.csv", "99다9999_BMS.csv",
	)
	d := e.dispatcher(t)

	for cycle := 0; cycle < 2; cycle++ {
		r, err := d.RunCycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d: RunCycle() error = %v", cycle, err)
		}
		if r.Unresolved != 1 || r.Unregistered != 1 {
			t.Errorf("cycle %d: unresolved=%d unregistered=%d", cycle, r.Unresolved, r.Unregistered)
		}
		if cycle == 0 && (r.Moved != 3 || r.Requests[uploader.Success] != 3 || r.States[StateFinalized] != 3) {
			t.Errorf("cycle 0: %+v", r)
		}
		if cycle == 1 && r.Moved != 0 {
			t.Errorf("cycle 1 moved %d files", r.Moved)
		}
	}

	want := []string{"02구 2392_GPS.csv", "02구2392_BMS.csv", "17나1235_BMS.csv"}
	if got := listDir(t, e.spool.DoneDir()); !slices.Equal(got, want) {
		t.Errorf("done = %v, want %v", got, want)
	}
	if got := listDir(t, e.spool.PendingDir()); !slices.Equal(got, []string{"99다9999_BMS.csv", "no-id-here.csv"}) {
		t.Errorf("pending = %v", got)
	}
	if n := e.edge.requestCount(vehicleA); n != 2 {
		t.Errorf("per-file mode sent %d requests for %s, want 2", n, vehicleA)
	}
}

func TestRunCycleRetainsFailedUploads(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_BMS.csv", "17나1235_BMS.csv")
	e.edge.setStatus(vehicleA, http.StatusServiceUnavailable)
	d := e.dispatcher(t)

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 1 || r.Unmoved != 1 || r.Requests[uploader.ServerError] != 1 || r.States[StateFailed] != 1 {
		t.Errorf("first cycle = %+v", r)
	}
	if got := listDir(t, e.spool.PendingDir()); !slices.Equal(got, []string{"02구2392_BMS.csv"}) {
		t.Errorf("pending after 503 = %v", got)
	}

	e.edge.setStatus(vehicleA, http.StatusOK)
	r, err = d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 1 {
		t.Errorf("second cycle moved %d, want 1", r.Moved)
	}
	if got := listDir(t, e.spool.PendingDir()); len(got) != 0 {
		t.Errorf("pending after recovery = %v", got)
	}
	if got := listDir(t, e.spool.DoneDir()); !slices.Equal(got, []string{"02구2392_BMS.csv", "17나1235_BMS.csv"}) {
		t.Errorf("done = %v", got)
	}
}

func TestRunCycleClientErrorKeepsFiles(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_BMS.csv")
	e.edge.setStatus(vehicleA, http.StatusNotFound)

	r, err := e.dispatcher(t).RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Requests[uploader.ClientError] != 1 || r.Moved != 0 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if got := listDir(t, e.spool.PendingDir()); len(got) != 1 {
		t.Errorf("pending = %v", got)
	}
}

func TestRunCyclePerBatchMode(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv", "02구2392_b.csv", "02구2392_c.csv")
	d := e.dispatcher(t, func(c *Config) { c.Mode = options.DispatchModePerBatch })

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 3 || r.Requests[uploader.Success] != 1 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if n := e.edge.requestCount(vehicleA); n != 1 {
		t.Errorf("per-batch mode sent %d requests, want 1", n)
	}
	e.edge.mu.Lock()
	files := e.edge.files[string(vehicleA)]
	e.edge.mu.Unlock()
	if !slices.Equal(files, []string{"02구2392_a.csv", "02구2392_b.csv", "02구2392_c.csv"}) {
		t.Errorf("edge received %v", files)
	}
}

func TestRunCycleContainsKeyMaterialErrors(t *testing.T) {
	e := newEnv(t)
	broken, _ := e.reg.Get(vehicleA)
	broken.KeyStore = filepath.Join(t.TempDir(), "missing.p12")
	good, _ := e.reg.Get(vehicleB)
	reg, err := registry.New(broken, good)
	if err != nil {
		t.Fatal(err)
	}

	e.drop(t, "02구2392_a.csv", "02구2392_b.csv", "17나1235_a.csv")
	d := e.dispatcher(t, func(c *Config) {
		c.Certificates = reg
		c.Resolver = identity.NewPlateResolver(reg)
	})

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 1 || r.Unmoved != 2 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if n := e.edge.requestCount(vehicleA); n != 0 {
		t.Errorf("vehicle with broken key material sent %d requests", n)
	}
	if got := listDir(t, e.spool.DoneDir()); !slices.Equal(got, []string{"17나1235_a.csv"}) {
		t.Errorf("done = %v", got)
	}
}

func TestRunCycleDefersUnadmittedVehicles(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv", "17나1235_a.csv")

	pool := []edge.Target{{Name: "edge", URL: e.edge.srv.URL + "/"}}
	even, err := edge.NewSharded(edge.Even, 10, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := e.dispatcher(t, func(c *Config) { c.Selector = even })

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Vehicles != 1 || r.Moved != 1 || r.Deferred != 1 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if got := listDir(t, e.spool.PendingDir()); !slices.Equal(got, []string{"17나1235_a.csv"}) {
		t.Errorf("pending = %v", got)
	}
}

// blockingSender holds every request until release is closed.
type blockingSender struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSender) Send(ctx context.Context, _ edge.Target, _ registry.VehicleCertificate, _ []uploader.Part) (uploader.Result, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
		return uploader.Result{Outcome: uploader.ServerError, Status: 503}, nil
	case <-ctx.Done():
		return uploader.Result{Outcome: uploader.TransportError, Err: ctx.Err()}, nil
	}
}

func TestRunCycleRefusesOverlap(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv")
	s := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	d := e.dispatcher(t, func(c *Config) { c.Sender = s })

	done := make(chan error, 1)
	go func() {
		_, err := d.RunCycle(context.Background())
		done <- err
	}()

	<-s.entered
	if _, err := d.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("overlapping RunCycle() error = %v, want ErrCycleInProgress", err)
	}
	close(s.release)
	if err := <-done; err != nil {
		t.Errorf("first RunCycle() error = %v", err)
	}

	if _, err := d.RunCycle(context.Background()); err != nil {
		t.Errorf("RunCycle() after the first finished error = %v", err)
	}
}

func TestRunCycleBatchTimeoutDefersRest(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv", "02구2392_b.csv", "02구2392_c.csv")
	s := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	d := e.dispatcher(t, func(c *Config) {
		c.Sender = s
		c.BatchTimeout = 100 * time.Millisecond
	})

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Requests[uploader.TransportError] != 1 || r.Unmoved != 1 || r.Deferred != 2 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if r.States[StateFailed] != 1 || r.States[StateUploading] != 0 {
		t.Errorf("states = %v, want the timed out unit failed", r.States)
	}
	if got := listDir(t, e.spool.PendingDir()); len(got) != 3 {
		t.Errorf("pending = %v", got)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notifier.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

type recordingArchiver struct {
	mu    sync.Mutex
	paths []string
}

func (a *recordingArchiver) Archive(_ context.Context, vehicleID, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paths = append(a.paths, vehicleID+"|"+path)
	return errors.New("bucket unavailable")
}

func TestRunCycleNotifiesAndArchives(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv", "17나1235_a.csv")
	e.edge.setStatus(vehicleB, http.StatusInternalServerError)

	n := &recordingNotifier{}
	a := &recordingArchiver{}
	d := e.dispatcher(t, func(c *Config) {
		c.Notifier = n
		c.Archiver = a
	})

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 1 {
		t.Errorf("an archive failure changed the outcome: %+v", r)
	}

	if len(n.events) != 2 {
		t.Fatalf("notified %d events, want 2", len(n.events))
	}
	byVehicle := map[string]notifier.Event{}
	for _, ev := range n.events {
		byVehicle[ev.VehicleID] = ev
	}
	if ev := byVehicle[string(vehicleA)]; ev.Outcome != "success" || len(ev.Files) != 1 || ev.Files[0] != "02구2392_a.csv" {
		t.Errorf("event for %s = %+v", vehicleA, ev)
	}
	if ev := byVehicle[string(vehicleB)]; ev.Outcome != "server_error" || ev.Status != 500 {
		t.Errorf("event for %s = %+v", vehicleB, ev)
	}

	want := string(vehicleA) + "|" + filepath.Join(e.spool.DoneDir(), "02구2392_a.csv")
	if len(a.paths) != 1 || a.paths[0] != want {
		t.Errorf("archived %v, want [%s]", a.paths, want)
	}
}

// stalledNotifier blocks like a publisher waiting for a broker that is down.
type stalledNotifier struct {
	calls atomic.Int32
}

func (n *stalledNotifier) Notify(ctx context.Context, _ notifier.Event) error {
	n.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (n *stalledNotifier) Archive(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunCycleStalledNotifierDoesNotDefer(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "02구2392_a.csv", "02구2392_b.csv", "02구2392_c.csv")

	n := &stalledNotifier{}
	d := e.dispatcher(t, func(c *Config) {
		c.Notifier = n
		c.Archiver = n
		c.BatchTimeout = 300 * time.Millisecond
		c.NotifyTimeout = 50 * time.Millisecond
	})

	r, err := d.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Moved != 3 || r.Deferred != 0 || r.States[StateFinalized] != 3 {
		t.Errorf("RunCycle() = %+v", r)
	}
	if got := listDir(t, e.spool.PendingDir()); len(got) != 0 {
		t.Errorf("pending = %v", got)
	}
	if got := n.calls.Load(); got != 3 {
		t.Errorf("Notify called %d times, want 3", got)
	}
}

func TestPlan(t *testing.T) {
	e := newEnv(t)
	e.drop(t, "17나1235_b.csv", "02구2392_b.csv", "02구2392_a.csv", "x.csv", "55라5555.csv")

	p, err := e.dispatcher(t).Plan()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Pending) != 5 || len(p.Unresolved) != 1 || len(p.Unregistered) != 1 || len(p.Deferred) != 0 {
		t.Fatalf("Plan() = %+v", p)
	}
	if len(p.Batches) != 2 || p.Batches[0].VehicleID != vehicleA || p.Batches[1].VehicleID != vehicleB {
		t.Fatalf("batches = %+v", p.Batches)
	}
	if f := p.Batches[0].Files; f[0].Name != "02구2392_a.csv" || f[1].Name != "02구2392_b.csv" {
		t.Errorf("batch files not sorted: %v", f)
	}
	if got := listDir(t, e.spool.PendingDir()); len(got) != 5 {
		t.Error("Plan() touched the pending directory")
	}
}

func TestNewValidates(t *testing.T) {
	e := newEnv(t)

	cfg := e.config(t)
	cfg.Sender = nil
	if _, err := New(cfg); err == nil {
		t.Error("New() without a sender succeeded")
	}

	cfg = e.config(t)
	cfg.Mode = "per-vehicle"
	if _, err := New(cfg); err == nil {
		t.Error("New() with an unknown mode succeeded")
	}
}
