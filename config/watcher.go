package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/anon55555/reliable/netconn"
)

// Watcher reloads a netconn.Config from a TOML file whenever that file
// changes on disk, but never applies the new value on its own: a reload
// only replaces what Pending returns, for the caller to apply at its own
// next netconn.Connection.Reset (SPEC_FULL.md §10.3) since a live
// connection's channels never resize their sequence buffers mid-flight.
type Watcher struct {
	filename string
	log      logrus.FieldLogger

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu      sync.Mutex
	pending atomic.Bool
	latest  netconn.Config
}

// WatchFile loads filename once, then starts watching it for further
// changes. Call Close to stop watching.
func WatchFile(filename string, log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	cfg, err := Load(filename)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filename); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		filename: filename,
		log:      log,
		watcher:  fw,
		done:     make(chan struct{}),
		latest:   cfg,
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.filename)
			if err != nil {
				w.log.WithError(err).WithField("file", w.filename).Warn("config: reload failed, keeping previous config")
				continue
			}
			w.mu.Lock()
			w.latest = cfg
			w.mu.Unlock()
			w.pending.Store(true)
			w.log.WithField("file", w.filename).Info("config: reloaded, pending next Reset")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config: fsnotify error")
		}
	}
}

// Current returns the most recently loaded config, whether or not it has
// been applied yet.
func (w *Watcher) Current() netconn.Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Pending reports whether a reload has happened since the last call to
// Pending that returned true, and if so returns it and clears the flag.
func (w *Watcher) Pending() (netconn.Config, bool) {
	if !w.pending.CompareAndSwap(true, false) {
		return netconn.Config{}, false
	}
	return w.Current(), true
}

// Close stops the watcher; it does not touch any Connection.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
