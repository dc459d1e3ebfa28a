package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/hotmod/internal/luahost"
)

// recorder collects lifecycle marks emitted by test modules through the
// mark host function.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) hostFuncs() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"mark": func(L *lua.LState) int {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, L.CheckString(1))
			return 0
		},
	}
}

// take returns the recorded events and resets the recorder.
func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func writeModule(t *testing.T, root, relPath, code string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// lifecycleModule returns module source that marks its init and
// shutdown with the given name.
func lifecycleModule(name string) string {
	return fmt.Sprintf(`
register({
	init = function(self) mark("init %s") end,
	shutdown = function(self) mark("shutdown %s") end,
})`, name, name)
}

// touch moves the file's mtime forward far enough to defeat coarse
// filesystem timestamps.
func touch(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	next := info.ModTime().Add(2 * time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatal(err)
	}
}

func newTestRegistry(t *testing.T, root string, rec *recorder, opts ...Option) *Registry {
	t.Helper()
	if rec != nil {
		opts = append(opts, WithHostFuncs(rec.hostFuncs()))
	}
	reg, err := Initialize(context.Background(), root, opts...)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(reg.ShutdownAll)
	return reg
}

func TestInitializeInvalidRoot(t *testing.T) {
	ctx := context.Background()

	_, err := Initialize(ctx, filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Initialize() on missing dir error = %v, want ErrInvalidRoot", err)
	}

	file := filepath.Join(t.TempDir(), "flat")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = Initialize(ctx, file)
	if !errors.Is(err, ErrInvalidRoot) {
		t.Errorf("Initialize() on regular file error = %v, want ErrInvalidRoot", err)
	}
}

func TestInitializeEmptyRoot(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir(), nil)

	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
	if report := reg.LastScan(); report.Total() != 0 {
		t.Errorf("LastScan().Total() = %d, want 0", report.Total())
	}
}

func TestInitializeDiscoversTree(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "alpha.lua", lifecycleModule("alpha"))
	writeModule(t, root, "plugins/logger.lua", lifecycleModule("plugins.logger"))
	writeModule(t, root, "plugins/net/echo.lua", lifecycleModule("plugins.net.echo"))
	writeModule(t, root, "README.txt", "not a module")

	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)

	want := []string{"alpha", "plugins.logger", "plugins.net.echo"}
	got := reg.Identifiers()
	if len(got) != len(want) {
		t.Fatalf("Identifiers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Identifiers() = %v, want %v", got, want)
		}
	}

	for _, id := range want {
		if n := rec.count("init " + id); n != 1 {
			t.Errorf("module %s initialized %d times, want 1", id, n)
		}
		d, ok := reg.Get(id)
		if !ok {
			t.Fatalf("Get(%q) missing", id)
		}
		if !d.Initialized() {
			t.Errorf("module %s not marked initialized", id)
		}
		if d.LoadID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Errorf("module %s has zero LoadID", id)
		}
	}

	report := reg.LastScan()
	if len(report.Loaded) != 3 || report.HasFailures() {
		t.Errorf("LastScan() = %+v, want 3 loaded and no failures", report)
	}
}

func TestDescriptorFingerprint(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, "alpha.lua", lifecycleModule("alpha"))

	reg := newTestRegistry(t, root, &recorder{})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	d, ok := reg.Get("alpha")
	if !ok {
		t.Fatal("Get(alpha) missing")
	}
	if !d.Fingerprint.Equal(info.ModTime()) {
		t.Errorf("Fingerprint = %v, want file mtime %v", d.Fingerprint, info.ModTime())
	}
}

func TestAddModuleUnresolved(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir(), nil)

	err := reg.AddModule(context.Background(), "ghost")
	if !errors.Is(err, ErrModuleUnresolved) {
		t.Errorf("AddModule() error = %v, want ErrModuleUnresolved", err)
	}
	if reg.Len() != 0 {
		t.Errorf("failed add changed registry, Len() = %d", reg.Len())
	}
}

func TestAddModuleTwiceRoutesToReload(t *testing.T) {
	root := t.TempDir()
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)

	writeModule(t, root, "late.lua", lifecycleModule("late"))
	ctx := context.Background()

	if err := reg.AddModule(ctx, "late"); err != nil {
		t.Fatalf("AddModule() error = %v", err)
	}
	first, _ := reg.Get("late")
	rec.take()

	if err := reg.AddModule(ctx, "late"); err != nil {
		t.Fatalf("second AddModule() error = %v", err)
	}
	events := rec.take()
	want := []string{"shutdown late", "init late"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("second AddModule events = %v, want %v", events, want)
	}

	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
	second, _ := reg.Get("late")
	if first.LoadID == second.LoadID {
		t.Error("second AddModule kept the old incarnation")
	}
}

func TestRemoveModule(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "alpha.lua", lifecycleModule("alpha"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	ctx := context.Background()
	if err := reg.RemoveModule(ctx, "alpha"); err != nil {
		t.Fatalf("RemoveModule() error = %v", err)
	}
	if n := rec.count("shutdown alpha"); n != 1 {
		t.Errorf("shutdown ran %d times, want 1", n)
	}
	if _, ok := reg.Get("alpha"); ok {
		t.Error("removed module still present")
	}

	err := reg.RemoveModule(ctx, "alpha")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("RemoveModule() on absent module error = %v, want ErrModuleNotFound", err)
	}
	if reg.Len() != 0 {
		t.Errorf("failed remove changed registry, Len() = %d", reg.Len())
	}
}

func TestReloadModuleNotFound(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir(), nil)

	err := reg.ReloadModule(context.Background(), "ghost")
	if !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("ReloadModule() error = %v, want ErrModuleNotFound", err)
	}
}

func TestReloadModuleFreshInterpreter(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "alpha.lua", `
runs = (runs or 0) + 1
`+lifecycleModule("alpha"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	if err := reg.ReloadModule(context.Background(), "alpha"); err != nil {
		t.Fatalf("ReloadModule() error = %v", err)
	}

	events := rec.take()
	want := []string{"shutdown alpha", "init alpha"}
	if len(events) != 2 || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("reload events = %v, want %v", events, want)
	}

	d, _ := reg.Get("alpha")
	if got := lua.LVAsNumber(d.Handle.GetGlobal("runs")); got != 1 {
		t.Errorf("runs = %v in reloaded interpreter, want 1 (state leaked across reload)", got)
	}
}

// Reloading a nested module swaps its behavior without disturbing its
// registry entry.
func TestReloadSwapsImplementation(t *testing.T) {
	root := t.TempDir()
	code := `
register({
	init = function(self) end,
	line = function(self, msg) return "[v%d] " .. msg end,
})`
	writeModule(t, root, "plugins/logger.lua", fmt.Sprintf(code, 1))

	reg := newTestRegistry(t, root, nil)

	d, ok := reg.Get("plugins.logger")
	if !ok {
		t.Fatal("Get(plugins.logger) missing")
	}
	out, err := d.Instance.Call("line", lua.LString("ready"))
	if err != nil {
		t.Fatalf("Call(line) error = %v", err)
	}
	if got := lua.LVAsString(out[0]); got != "[v1] ready" {
		t.Fatalf("line() = %q, want %q", got, "[v1] ready")
	}

	touch(t, writeModule(t, root, "plugins/logger.lua", fmt.Sprintf(code, 2)))
	if err := reg.ReloadModule(context.Background(), "plugins.logger"); err != nil {
		t.Fatalf("ReloadModule() error = %v", err)
	}

	swapped, _ := reg.Get("plugins.logger")
	if swapped.LoadID == d.LoadID {
		t.Error("reload kept the old LoadID")
	}
	out, err = swapped.Instance.Call("line", lua.LString("ready"))
	if err != nil {
		t.Fatalf("Call(line) after reload error = %v", err)
	}
	if got := lua.LVAsString(out[0]); got != "[v2] ready" {
		t.Errorf("line() after reload = %q, want %q", got, "[v2] ready")
	}
}

func TestReloadAllUnconditional(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "a.lua", lifecycleModule("a"))
	writeModule(t, root, "b.lua", lifecycleModule("b"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	// No file changed; every module must still cycle.
	if err := reg.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll() error = %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if n := rec.count("shutdown " + id); n != 1 {
			t.Errorf("module %s shut down %d times, want 1", id, n)
		}
		if n := rec.count("init " + id); n != 1 {
			t.Errorf("module %s initialized %d times, want 1", id, n)
		}
	}
}

func TestRefreshSkipsUnchanged(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "a.lua", lifecycleModule("a"))
	writeModule(t, root, "b.lua", lifecycleModule("b"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)

	before, _ := reg.Get("a")
	rec.take()

	report, err := reg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(report.Skipped) != 2 || len(report.Loaded) != 0 || len(report.Reloaded) != 0 {
		t.Errorf("Refresh() report = %+v, want everything skipped", report)
	}
	if events := rec.take(); len(events) != 0 {
		t.Errorf("unchanged refresh touched modules: %v", events)
	}
	after, _ := reg.Get("a")
	if before.LoadID != after.LoadID {
		t.Error("unchanged refresh replaced the incarnation")
	}
}

func TestRefreshLoadsNewAndReloadsChanged(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, "old.lua", lifecycleModule("old"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	writeModule(t, root, "brand/new.lua", lifecycleModule("brand.new"))
	touch(t, path)

	report, err := reg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(report.Loaded) != 1 || report.Loaded[0] != "brand.new" {
		t.Errorf("Loaded = %v, want [brand.new]", report.Loaded)
	}
	if len(report.Reloaded) != 1 || report.Reloaded[0] != "old" {
		t.Errorf("Reloaded = %v, want [old]", report.Reloaded)
	}
	if n := rec.count("shutdown old"); n != 1 {
		t.Errorf("changed module shut down %d times, want 1", n)
	}
	if n := rec.count("init brand.new"); n != 1 {
		t.Errorf("new module initialized %d times, want 1", n)
	}
	if report := reg.LastScan(); len(report.Reloaded) != 1 {
		t.Errorf("LastScan() not updated, got %+v", report)
	}
}

// An older mtime is still a different mtime: rolling a file back must
// reload it.
func TestRefreshDetectsRollback(t *testing.T) {
	root := t.TempDir()
	path := writeModule(t, root, "a.lua", lifecycleModule("a"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	past := info.ModTime().Add(-2 * time.Second)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}

	report, err := reg.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(report.Reloaded) != 1 {
		t.Errorf("rollback not detected, report = %+v", report)
	}
}

func TestInitFailureFlagged(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "bad.lua", `
register({
	init = function(self) error("dependency missing") end,
})`)

	reg := newTestRegistry(t, root, nil)

	d, ok := reg.Get("bad")
	if !ok {
		t.Fatal("module with failing init should stay registered")
	}
	if d.Initialized() {
		t.Error("Initialized() = true for failed init")
	}
	if d.InitErr == nil {
		t.Error("InitErr not recorded")
	}

	report := reg.LastScan()
	if len(report.Failures) != 1 {
		t.Fatalf("Failures = %+v, want one entry", report.Failures)
	}
	if !errors.Is(report.Failures[0].Err, ErrInitFailed) {
		t.Errorf("failure error = %v, want ErrInitFailed", report.Failures[0].Err)
	}
}

func TestLoadFailuresNotRegistered(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "syntax.lua", `this is not lua at all`)
	writeModule(t, root, "silent.lua", `x = 1`) // never calls register

	reg := newTestRegistry(t, root, nil)

	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
	report := reg.LastScan()
	if len(report.Failures) != 2 {
		t.Fatalf("Failures = %+v, want two entries", report.Failures)
	}

	var sawNoCapability bool
	for _, f := range report.Failures {
		if errors.Is(f.Err, luahost.ErrNoCapability) {
			sawNoCapability = true
		}
	}
	if !sawNoCapability {
		t.Error("module without register should fail with ErrNoCapability")
	}
}

func TestShutdownAllCompletes(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "a.lua", lifecycleModule("a"))
	writeModule(t, root, "b.lua", `
register({
	init = function(self) end,
	shutdown = function(self)
		mark("shutdown b")
		error("refusing to die")
	end,
})`)
	writeModule(t, root, "c.lua", lifecycleModule("c"))
	rec := &recorder{}
	reg := newTestRegistry(t, root, rec)
	rec.take()

	reg.ShutdownAll()

	for _, id := range []string{"a", "b", "c"} {
		if n := rec.count("shutdown " + id); n != 1 {
			t.Errorf("module %s shut down %d times, want 1", id, n)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after ShutdownAll, want 0", reg.Len())
	}

	// Idempotent on an empty registry.
	reg.ShutdownAll()
}

func TestMutationWithCanceledContext(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "a.lua", lifecycleModule("a"))
	reg := newTestRegistry(t, root, &recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := reg.AddModule(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("AddModule() error = %v, want context.Canceled", err)
	}
	if err := reg.RemoveModule(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Errorf("RemoveModule() error = %v, want context.Canceled", err)
	}
	if _, ok := reg.Get("a"); !ok {
		t.Error("canceled mutation changed the registry")
	}
}

func TestConcurrentReadsDuringMutation(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		writeModule(t, root, fmt.Sprintf("m%d.lua", i), lifecycleModule(fmt.Sprintf("m%d", i)))
	}
	reg := newTestRegistry(t, root, &recorder{})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.Len()
				reg.Identifiers()
				if d, ok := reg.Get("m0"); ok && d.ID != "m0" {
					t.Error("descriptor identity mismatch")
					return
				}
				for id, d := range reg.Modules() {
					if d.ID != id {
						t.Error("snapshot key does not match descriptor")
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := reg.ReloadAll(ctx); err != nil {
					t.Errorf("ReloadAll() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	ids := reg.Identifiers()
	if !sort.StringsAreSorted(ids) || len(ids) != 5 {
		t.Errorf("Identifiers() = %v, want 5 sorted entries", ids)
	}
}
