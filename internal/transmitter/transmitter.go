// Package transmitter runs the vehicle file transmitter: it schedules
// dispatch cycles and serves the ops endpoints until its context ends.
package transmitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cloupeer.io/transmitter/internal/transmitter/dispatcher"
	"cloupeer.io/transmitter/internal/transmitter/server"
	"cloupeer.io/transmitter/pkg/log"
	"cloupeer.io/transmitter/pkg/options"
)

// Cycler runs one dispatch cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (dispatcher.Report, error)
}

type Transmitter struct {
	dispatcher    Cycler
	server        *server.Server
	pendingDir    string
	options       *options.DispatchOptions
	closeNotifier func(context.Context)

	cycles sync.WaitGroup
}

// Run starts the ops server and the cycle scheduler and blocks until ctx is
// cancelled or one of them fails. In-flight cycles are cancelled and awaited
// before Run returns.
func (t *Transmitter) Run(ctx context.Context) error {
	log.Info("Starting cpeer-transmitter",
		"pendingDir", t.pendingDir,
		"interval", t.options.Interval,
		"workers", t.options.Workers,
		"mode", t.options.Mode)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.server.Start(ctx) })
	g.Go(func() error { return t.schedule(ctx) })

	err := g.Wait()
	t.cycles.Wait()

	if t.closeNotifier != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.closeNotifier(shutdownCtx)
	}
	log.Info("Shutting down cpeer-transmitter.")
	return err
}

// schedule triggers cycles on start, on every interval tick and, when
// enabled, on filesystem activity in the pending directory.
func (t *Transmitter) schedule(ctx context.Context) error {
	ticker := time.NewTicker(t.options.Interval)
	defer ticker.Stop()

	var watched <-chan struct{}
	if t.options.Watch {
		ch := make(chan struct{}, 1)
		w, err := newWatcher(t.pendingDir, t.options.WatchDebounce, ch)
		if err != nil {
			return err
		}
		defer w.Close()
		go w.run(ctx)
		watched = ch
	}

	if t.options.RunOnStart {
		t.trigger(ctx, "start")
	}
	t.server.SetReady(true)

	for {
		select {
		case <-ticker.C:
			t.trigger(ctx, "interval")
		case <-watched:
			t.trigger(ctx, "watch")
		case <-ctx.Done():
			t.server.SetReady(false)
			return nil
		}
	}
}

// trigger starts a cycle in the background. A trigger that arrives while a
// cycle is running is dropped.
func (t *Transmitter) trigger(ctx context.Context, reason string) {
	t.cycles.Add(1)
	go func() {
		defer t.cycles.Done()
		t.runCycle(ctx, reason)
	}()
}

func (t *Transmitter) runCycle(ctx context.Context, reason string) {
	_, err := t.dispatcher.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrCycleInProgress):
		log.Info("Dispatch cycle still running, trigger skipped", "trigger", reason)
	default:
		log.Error(err, "Dispatch cycle failed", "trigger", reason)
	}
}
