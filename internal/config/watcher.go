package config

import (
	"log"
	"os"
	"time"
)

// OnReload is invoked with the newly-published Snapshot after every
// successful reload, so the LoadBalancer's round-robin counters and the
// HealthChecker's backend registrations can be refreshed. It is invoked
// synchronously from the watcher's own goroutine, never concurrently with
// itself.
type OnReload func(next *Snapshot)

// Watcher polls a configuration file's modification time once per second
// and republishes a new Snapshot when it changes.
type Watcher struct {
	store    *Store
	path     string
	interval time.Duration
	onReload OnReload
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a Watcher for the Snapshot already published in store,
// which must have been produced by Load (so it carries a source path).
func NewWatcher(store *Store, onReload OnReload) *Watcher {
	initial := store.Get()
	return &Watcher{
		store:    store,
		path:     initial.sourcePath,
		interval: time.Second,
		onReload: onReload,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until Stop is called. It is meant to be run in its own
// goroutine. An error reading or parsing the file never stops it: it logs
// the error, keeps the previous snapshot and polls again.
func (w *Watcher) Run() {
	defer close(w.done)
	if w.path == "" {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	lastModTime := w.store.Get().sourceModTime

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				log.Printf("config watcher: stat %s: %v", w.path, err)
				continue
			}
			modTime := fi.ModTime().UnixNano()
			if modTime <= lastModTime {
				continue
			}

			next, err := Load(w.path)
			if err != nil {
				log.Printf("config watcher: reload %s failed, keeping previous config: %v", w.path, err)
				// Do not advance lastModTime: a fixed-but-still-broken
				// file should be retried on the next poll rather than
				// silently wedging the watcher until the mtime ticks
				// again for an unrelated reason.
				continue
			}

			lastModTime = modTime
			w.store.Publish(next)
			log.Printf("config watcher: reloaded %s", w.path)
			if w.onReload != nil {
				w.onReload(next)
			}
		}
	}
}

// Stop requests the watcher's goroutine to exit and blocks until it has.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}
