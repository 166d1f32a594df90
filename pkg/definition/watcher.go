package definition

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/inbucket/rcptfilter/pkg/config"
	"github.com/inbucket/rcptfilter/pkg/rules"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Reloader is satisfied by *rules.Store.
type Reloader interface {
	TryReload(src rules.Source) (bool, error)
}

// Watcher triggers reloads when the definition file changes.  Change notifications come
// from fsnotify, optional polling, and explicit Trigger calls; bursts within the debounce
// period collapse into one reload.
type Watcher struct {
	source   *FileSource
	reloader Reloader
	notify   bool
	poll     time.Duration
	debounce time.Duration
	trigger  chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool          // Start entered its loop.
	joined  bool          // Join was called, Start must not begin.
	stopped chan struct{} // Closed when Start returns.

	lastMod  time.Time
	lastSize int64
}

// NewWatcher creates a Watcher for source.
func NewWatcher(source *FileSource, reloader Reloader, c config.Rules) *Watcher {
	return &Watcher{
		source:   source,
		reloader: reloader,
		notify:   c.Watch,
		poll:     c.PollInterval,
		debounce: c.Debounce,
		trigger:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		logger: log.With().Str("module", "definition").Str("path", source.Path).
			Logger(),
	}
}

// Trigger requests a reload without waiting for it.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// A trigger is already pending.
	}
}

// Start watches for changes until ctx is canceled.  In-flight reloads are not interrupted;
// use Join to wait for them.  Start may be called at most once, and returns immediately if
// Join has already been called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.joined {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	defer close(w.stopped)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.notify {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Error().Err(err).Msg("Failed to create file watcher, relying on polling")
		} else {
			defer fw.Close()
			// Watch the directory, editors often replace the file rather than write it.
			if err := fw.Add(filepath.Dir(w.source.Path)); err != nil {
				w.logger.Error().Err(err).Msg("Failed to watch definition directory")
			} else {
				events, errs = fw.Events, fw.Errors
				w.logger.Debug().Msg("Watching for definition changes")
			}
		}
	}

	var pollC <-chan time.Time
	if w.poll > 0 {
		w.statChanged()
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		pollC = ticker.C
	}

	var timer *time.Timer
	var fire <-chan time.Time
	arm := func() {
		if w.debounce <= 0 {
			w.reload()
			return
		}
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			timer.Reset(w.debounce)
		}
		fire = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(w.source.Path)
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Definition watcher stopped")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && !ev.Has(fsnotify.Chmod) {
				w.logger.Debug().Str("op", ev.Op.String()).Msg("Definition changed")
				arm()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		case <-pollC:
			if w.statChanged() {
				w.logger.Debug().Msg("Definition changed on disk")
				arm()
			}
		case <-w.trigger:
			arm()
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

// Join waits for the watch loop to exit and for the reloads it started to complete.  The
// context passed to Start must be canceled first.
func (w *Watcher) Join() {
	w.mu.Lock()
	w.joined = true
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.stopped
	}
	// No reload can be added once the loop has exited.
	w.wg.Wait()
}

// reload runs TryReload in its own goroutine so the watch loop keeps draining events; the
// store drops the attempt if one is already running.
func (w *Watcher) reload() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		// TryReload logs failures itself.
		_, _ = w.reloader.TryReload(w.source)
	}()
}

// statChanged records the file's modification time and size, and reports whether either
// differs from the previous call.
func (w *Watcher) statChanged() bool {
	fi, err := os.Stat(w.source.Path)
	if err != nil {
		changed := !w.lastMod.IsZero()
		w.lastMod, w.lastSize = time.Time{}, 0
		return changed
	}
	changed := !fi.ModTime().Equal(w.lastMod) || fi.Size() != w.lastSize
	w.lastMod, w.lastSize = fi.ModTime(), fi.Size()
	return changed
}
