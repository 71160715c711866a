package transmitter

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cloupeer.io/transmitter/internal/transmitter/dispatcher"
	"cloupeer.io/transmitter/internal/transmitter/server"
	"cloupeer.io/transmitter/pkg/options"
)

type countingCycler struct {
	calls atomic.Int32
}

func (c *countingCycler) RunCycle(ctx context.Context) (dispatcher.Report, error) {
	c.calls.Add(1)
	return dispatcher.Report{}, nil
}

func newTestTransmitter(t *testing.T, c Cycler, mutate func(*options.DispatchOptions)) *Transmitter {
	t.Helper()
	httpOpts := options.NewHttpOptions()
	httpOpts.Addr = "127.0.0.1:0"

	o := options.NewDispatchOptions()
	mutate(o)
	return &Transmitter{
		dispatcher: c,
		server:     server.NewServer(httpOpts, prometheus.NewRegistry()),
		pendingDir: t.TempDir(),
		options:    o,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunSchedulesCycles(t *testing.T) {
	c := &countingCycler{}
	tr := newTestTransmitter(t, c, func(o *options.DispatchOptions) {
		o.Interval = 20 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	waitFor(t, "three cycles", func() bool { return c.calls.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunOnStartDisabled(t *testing.T) {
	c := &countingCycler{}
	tr := newTestTransmitter(t, c, func(o *options.DispatchOptions) {
		o.Interval = time.Hour
		o.RunOnStart = false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tr.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := c.calls.Load(); n != 0 {
		t.Errorf("ran %d cycles without a trigger", n)
	}
}

func TestWatchTriggersCycle(t *testing.T) {
	c := &countingCycler{}
	tr := newTestTransmitter(t, c, func(o *options.DispatchOptions) {
		o.Interval = time.Hour
		o.RunOnStart = false
		o.Watch = true
		o.WatchDebounce = 20 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// Write until the watcher is up; pauses longer than the debounce let
	// each write settle into a trigger.
	name := filepath.Join(tr.pendingDir, "02구2392_BMS.csv")
	for i := 0; i < 50 && c.calls.Load() == 0; i++ {
		_ = os.WriteFile(name, []byte("x"), 0o600)
		time.Sleep(100 * time.Millisecond)
	}
	if c.calls.Load() == 0 {
		t.Error("no cycle after writing to the pending directory")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	tr := newTestTransmitter(t, &countingCycler{}, func(o *options.DispatchOptions) {
		o.Watch = true
	})
	tr.pendingDir = filepath.Join(tr.pendingDir, "missing")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Run(ctx); err == nil {
		t.Error("Run() watching a missing directory succeeded")
	}
}
