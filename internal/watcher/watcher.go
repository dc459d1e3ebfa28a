// Package watcher feeds filesystem changes under the module root into
// the registry, keeping loaded modules converged with on-disk source
// without polling.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/dshills/hotmod/internal/modpath"
	"github.com/dshills/hotmod/internal/registry"
)

// DefaultDebounce is how long a path must stay quiet before its last
// event dispatches. Editors and build steps often write a file several
// times in quick succession; one reload should come out the other end.
const DefaultDebounce = 250 * time.Millisecond

// Registry is the mutation surface the watcher drives. AddModule must
// route to a reload when the module is already present; the watcher
// leans on that for Write events.
type Registry interface {
	Root() string
	Extension() string
	AddModule(ctx context.Context, id string) error
	RemoveModule(ctx context.Context, id string) error
}

// Watcher converges a Registry on filesystem events. Every directory
// under the root is watched; fsnotify has no recursive mode, so new
// directories join the watch set as they appear.
type Watcher struct {
	reg      Registry
	log      logrus.FieldLogger
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the per-path quiet period before dispatch.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger. Defaults to the standard logrus logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Watcher) {
		w.log = log
	}
}

// New creates a watcher over the registry's module root.
func New(reg Registry, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		reg:      reg,
		log:      logrus.StandardLogger(),
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.watchTree(reg.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// watchTree adds root and every directory below it to the watch set.
func (w *Watcher) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Run consumes filesystem events until ctx is canceled or the watcher
// is closed. Pending debounce timers are stopped and in-flight
// dispatches finish before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.drain()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("fs watcher error")
		}
	}
}

// Close stops the underlying filesystem watcher; Run returns once its
// event channel drains.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	// New directories join the watch set immediately so files created
	// inside them produce events. The next periodic refresh catches
	// anything that landed before the watch attached.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.log.WithField("path", event.Name).WithError(err).Warn("watching new directory failed")
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, w.reg.Extension()) {
		return
	}
	w.schedule(ctx, event)
}

// schedule debounces per path. Each new event replaces the pending
// timer, so a burst of saves collapses into one dispatch of the final
// operation.
func (w *Watcher) schedule(ctx context.Context, event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[event.Name]; ok {
		if timer.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	w.pending[event.Name] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()

		w.mu.Lock()
		delete(w.pending, event.Name)
		w.mu.Unlock()

		w.dispatch(ctx, event)
	})
}

// dispatch converges the registry on one settled event. Remove and
// Rename evict; a rename surfaces its new name as a separate Create.
// Create and Write load, which reloads when already present.
func (w *Watcher) dispatch(ctx context.Context, event fsnotify.Event) {
	id, err := modpath.ToIdentifier(w.reg.Root(), event.Name)
	if err != nil {
		w.log.WithField("path", event.Name).WithError(err).Warn("ignoring event outside module root")
		return
	}
	log := w.log.WithFields(logrus.Fields{
		"module": id,
		"op":     event.Op.String(),
	})

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if err := w.reg.RemoveModule(ctx, id); err != nil {
			if errors.Is(err, registry.ErrModuleNotFound) || errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).Warn("removing module failed")
			return
		}
		log.Info("module removed with its source")

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := w.reg.AddModule(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).Warn("syncing module failed")
			return
		}
		log.Info("module synced with its source")
	}
}

// drain stops pending timers and waits for in-flight dispatches.
func (w *Watcher) drain() {
	w.mu.Lock()
	for path, timer := range w.pending {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.pending, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}
