package transmitter

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"cloupeer.io/transmitter/pkg/log"
)

// watcher turns bursts of file creations and writes in a directory into a
// single signal once the directory has been quiet for the debounce period.
type watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	out      chan<- struct{}
}

func newWatcher(dir string, debounce time.Duration, out chan<- struct{}) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	log.Info("Watching pending directory", "dir", dir, "debounce", debounce)
	return &watcher{fsw: fsw, debounce: debounce, out: out}, nil
}

func (w *watcher) Close() error { return w.fsw.Close() }

func (w *watcher) run(ctx context.Context) {
	var quiet <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// Devices may write in place or rename a finished file into the
			// directory; both end in Create or Write.
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			quiet = time.After(w.debounce)

		case <-quiet:
			quiet = nil
			select {
			case w.out <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error(err, "Pending directory watcher error")
		}
	}
}
