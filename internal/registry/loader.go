package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/hotmod/internal/luahost"
	"github.com/dshills/hotmod/internal/modpath"
)

// loader turns identifiers into live descriptors and back. It owns the
// mechanics of one load: resolve the source file, execute it on a fresh
// interpreter, collect the registered capability, run init.
type loader struct {
	root      string
	ext       string
	hostFuncs map[string]lua.LGFunction
	cache     *luahost.ChunkCache
	log       logrus.FieldLogger
	metrics   *Metrics
}

// load brings up the module with the given identifier. On init failure
// the descriptor is returned flagged alongside the error, so the caller
// can keep the module visible; on any earlier failure the descriptor is
// nil and the interpreter has been closed.
func (l *loader) load(id string) (*Descriptor, error) {
	path := modpath.ToPath(l.root, id, l.ext)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("module %q: %w: no file at %s", id, ErrModuleUnresolved, path)
		}
		return nil, fmt.Errorf("module %q: stat %s: %w", id, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("module %q: %w: %s is a directory", id, ErrModuleUnresolved, path)
	}

	state, err := luahost.NewState(
		luahost.WithModuleRoot(l.root),
		luahost.WithHostFuncs(l.hostFuncs),
		luahost.WithChunkCache(l.cache),
	)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", id, err)
	}

	if err := state.DoFile(path); err != nil {
		state.Close()
		return nil, fmt.Errorf("module %q: %w", id, err)
	}

	instance := state.Capability()
	if instance == nil {
		state.Close()
		return nil, fmt.Errorf("module %q: %w", id, luahost.ErrNoCapability)
	}

	d := &Descriptor{
		ID:          id,
		LoadID:      uuid.New(),
		Handle:      state,
		Instance:    instance,
		Fingerprint: info.ModTime(),
		LoadedAt:    time.Now(),
	}

	if err := instance.Init(); err != nil {
		d.InitErr = err
		l.metrics.recordInitFailure()
		return d, fmt.Errorf("module %q: %w", id, errors.Join(ErrInitFailed, err))
	}

	l.log.WithFields(logrus.Fields{
		"module":  id,
		"load_id": d.LoadID,
	}).Debug("module loaded")
	return d, nil
}

// unload shuts the module down and releases its interpreter. Shutdown
// errors are logged and swallowed: a module that fails to clean up must
// not keep its replacement out or block process termination.
func (l *loader) unload(d *Descriptor) {
	if err := d.Instance.Shutdown(); err != nil {
		l.metrics.recordShutdownFailure()
		l.log.WithField("module", d.ID).WithError(err).Warn("module shutdown failed")
	}
	d.Handle.Close()
}
