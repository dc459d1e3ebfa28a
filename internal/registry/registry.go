package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/hotmod/internal/luahost"
)

// Defaults for registry construction.
const (
	// DefaultExtension is the source file extension modules are
	// discovered by.
	DefaultExtension = ".lua"

	// DefaultChunkCacheSize bounds the shared compiled-chunk cache.
	DefaultChunkCacheSize = 64
)

// Registry owns every live module under one root. All state transitions
// go through it, serialized by a single write lock, so a reload's
// shutdown and init never interleave with another mutation and readers
// only ever observe settled state.
type Registry struct {
	mu sync.RWMutex

	root      string
	ext       string
	cacheSize int
	hostFuncs map[string]lua.LGFunction

	modules  map[string]*Descriptor
	loader   *loader
	lastScan ScanReport

	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithExtension sets the source extension modules are discovered by,
// including the leading dot.
func WithExtension(ext string) Option {
	return func(r *Registry) {
		r.ext = ext
	}
}

// WithLogger sets the logger. Defaults to the standard logrus logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithHostFuncs installs Go functions as globals in every module's
// interpreter before its chunk runs.
func WithHostFuncs(funcs map[string]lua.LGFunction) Option {
	return func(r *Registry) {
		r.hostFuncs = funcs
	}
}

// WithChunkCacheSize bounds the shared compiled-chunk cache. Zero or
// negative disables caching and every load compiles from source.
func WithChunkCacheSize(n int) Option {
	return func(r *Registry) {
		r.cacheSize = n
	}
}

// Initialize validates root, builds the registry, and performs the
// first scan so the tree's modules are live when it returns. Individual
// modules that fail to load or init do not fail Initialize; they are
// recorded in the initial scan report. The walk itself failing does.
func Initialize(ctx context.Context, root string, opts ...Option) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving module root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, abs)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, abs)
	}

	r := &Registry{
		root:      abs,
		ext:       DefaultExtension,
		cacheSize: DefaultChunkCacheSize,
		modules:   make(map[string]*Descriptor),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var cache *luahost.ChunkCache
	if r.cacheSize > 0 {
		cache, err = luahost.NewChunkCache(r.cacheSize)
		if err != nil {
			return nil, err
		}
	}
	r.loader = &loader{
		root:      abs,
		ext:       r.ext,
		hostFuncs: r.hostFuncs,
		cache:     cache,
		log:       r.log,
		metrics:   r.metrics,
	}

	start := time.Now()
	r.mu.Lock()
	report, err := r.scanLocked(ctx)
	r.lastScan = report
	r.metrics.setLoaded(len(r.modules))
	r.metrics.recordScan(time.Since(start))
	r.mu.Unlock()
	if err != nil {
		r.ShutdownAll()
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"root":   abs,
		"loaded": len(report.Loaded),
		"failed": len(report.Failures),
	}).Info("module registry initialized")
	return r, nil
}

// AddModule loads the module with the given identifier. If the module
// is already present the call routes to a reload, so adding twice is
// safe and converges on the current on-disk source either way.
func (r *Registry) AddModule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; ok {
		return r.reloadLocked(id)
	}
	if err := r.addLocked(id); err != nil {
		return err
	}
	r.log.WithField("module", id).Info("module added")
	return nil
}

// RemoveModule shuts the module down and forgets it. The shutdown
// error, if any, is logged and swallowed; the entry is gone regardless.
func (r *Registry) RemoveModule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.modules[id]
	if !ok {
		return fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	r.loader.unload(d)
	delete(r.modules, id)
	r.metrics.setLoaded(len(r.modules))
	r.metrics.recordUnload()
	r.log.WithField("module", id).Info("module removed")
	return nil
}

// ReloadModule replaces the module's incarnation unconditionally,
// whether or not its source changed.
func (r *Registry) ReloadModule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return fmt.Errorf("module %q: %w", id, ErrModuleNotFound)
	}
	if err := r.reloadLocked(id); err != nil {
		return err
	}
	r.log.WithField("module", id).Info("module reloaded")
	return nil
}

// ReloadAll reloads every registered module unconditionally. Failures
// are collected; one bad module does not stop the rest.
func (r *Registry) ReloadAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.identifiersLocked()

	var reloadErrors []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			reloadErrors = append(reloadErrors, err)
			break
		}
		if err := r.reloadLocked(id); err != nil {
			reloadErrors = append(reloadErrors, err)
		}
	}
	if len(reloadErrors) > 0 {
		return fmt.Errorf("failed to reload %d modules: %w", len(reloadErrors), errors.Join(reloadErrors...))
	}

	r.log.WithField("modules", len(ids)).Info("reloaded all modules")
	return nil
}

// Refresh walks the tree once and converges on it: new files load,
// changed files reload, unchanged files are left alone. The report is
// retained and queryable via LastScan.
func (r *Registry) Refresh(ctx context.Context) (ScanReport, error) {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.scanLocked(ctx)
	r.lastScan = report
	r.metrics.setLoaded(len(r.modules))
	r.metrics.recordScan(time.Since(start))
	if err != nil {
		return report, err
	}

	r.log.WithFields(logrus.Fields{
		"loaded":   len(report.Loaded),
		"reloaded": len(report.Reloaded),
		"skipped":  len(report.Skipped),
		"failed":   len(report.Failures),
	}).Debug("module tree refreshed")
	return report, nil
}

// ShutdownAll shuts every module down and empties the registry. Always
// runs to completion: shutdown errors are logged and swallowed so one
// failing module never blocks the rest from terminating.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.identifiersLocked()
	for _, id := range ids {
		r.loader.unload(r.modules[id])
		r.metrics.recordUnload()
	}
	r.modules = make(map[string]*Descriptor)
	r.metrics.setLoaded(0)

	if len(ids) > 0 {
		r.log.WithField("modules", len(ids)).Info("all modules shut down")
	}
}

// addLocked loads id and records the descriptor. On init failure the
// flagged descriptor is still recorded. Caller holds the write lock.
func (r *Registry) addLocked(id string) error {
	d, err := r.loader.load(id)
	if d != nil {
		r.modules[id] = d
		r.metrics.setLoaded(len(r.modules))
	}
	r.metrics.recordLoad(err)
	return err
}

// reloadLocked tears the current incarnation down and loads the source
// fresh. Both halves run inside one critical section, so no reader sees
// the gap and no other mutation interleaves. If the fresh load fails
// outright the module drops out of the registry: the old incarnation is
// already shut down and keeping a dead entry would misreport it as live.
// Caller holds the write lock.
func (r *Registry) reloadLocked(id string) error {
	r.loader.unload(r.modules[id])
	delete(r.modules, id)

	d, err := r.loader.load(id)
	if d != nil {
		r.modules[id] = d
	}
	r.metrics.setLoaded(len(r.modules))
	r.metrics.recordReload(err)
	return err
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.modules[id]
	return d, ok
}

// Modules returns a snapshot of the registry as a fresh map. The
// descriptors themselves are shared and must be treated as read-only.
func (r *Registry) Modules() map[string]*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]*Descriptor, len(r.modules))
	for id, d := range r.modules {
		snapshot[id] = d
	}
	return snapshot
}

// Identifiers returns the registered identifiers in sorted order.
func (r *Registry) Identifiers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identifiersLocked()
}

func (r *Registry) identifiersLocked() []string {
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Root returns the absolute module root.
func (r *Registry) Root() string {
	return r.root
}

// Extension returns the source extension modules are discovered by.
func (r *Registry) Extension() string {
	return r.ext
}

// LastScan returns the report of the most recent tree scan, initial or
// Refresh. Treat it as read-only.
func (r *Registry) LastScan() ScanReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastScan
}
