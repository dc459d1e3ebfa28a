package luahost

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State wraps a gopher-lua interpreter for the lifetime of one module
// load. Modules run with the full Lua standard library; they are trusted
// code living under the host's own module root, not foreign input.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes all
// access from Go code; Lua execution itself is single-threaded.
type State struct {
	L *lua.LState

	mu sync.Mutex

	root      string
	hostFuncs map[string]lua.LGFunction
	cache     *ChunkCache

	capability *Capability
	closed     bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithModuleRoot prepends root to the Lua package path so modules can
// require their siblings by dotted name, mirroring how the registry
// addresses them.
func WithModuleRoot(root string) StateOption {
	return func(s *State) {
		s.root = root
	}
}

// WithHostFuncs installs Go functions as globals before the module
// chunk runs.
func WithHostFuncs(funcs map[string]lua.LGFunction) StateOption {
	return func(s *State) {
		s.hostFuncs = funcs
	}
}

// WithChunkCache routes DoFile through a shared compiled-chunk cache.
func WithChunkCache(cache *ChunkCache) StateOption {
	return func(s *State) {
		s.cache = cache
	}
}

// NewState creates a Lua state with the register global installed.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{}

	for _, opt := range opts {
		opt(state)
	}

	state.L = lua.NewState()

	state.L.SetGlobal("register", state.L.NewFunction(state.luaRegister))
	for name, fn := range state.hostFuncs {
		state.L.SetGlobal(name, state.L.NewFunction(fn))
	}
	if state.root != "" {
		state.prependPackagePath(state.root)
	}

	return state, nil
}

// prependPackagePath puts root ahead of the default Lua search path so
// require("a.b") resolves to root/a/b.lua before anything else.
func (s *State) prependPackagePath(root string) {
	pkg := s.L.GetGlobal("package")
	if pkg.Type() != lua.LTTable {
		return
	}
	entries := []string{
		filepath.Join(root, "?.lua"),
		filepath.Join(root, "?", "init.lua"),
	}
	if cur := lua.LVAsString(s.L.GetField(pkg, "path")); cur != "" {
		entries = append(entries, cur)
	}
	s.L.SetField(pkg, "path", lua.LString(strings.Join(entries, ";")))
}

// luaRegister backs the register global. It accepts a capability table
// or a zero-argument factory returning one, validates the init field,
// and records the capability on the state. Misuse raises a Lua error so
// the failure surfaces through the chunk's own error path. Runs inside
// DoFile or DoString, which already hold the mutex.
func (s *State) luaRegister(L *lua.LState) int {
	if s.capability != nil {
		L.RaiseError("register called twice")
		return 0
	}

	var tbl *lua.LTable
	switch v := L.CheckAny(1).(type) {
	case *lua.LTable:
		tbl = v
	case *lua.LFunction:
		if err := L.CallByParam(lua.P{Fn: v, NRet: 1, Protect: true}); err != nil {
			L.RaiseError("register factory failed: %s", err.Error())
			return 0
		}
		ret := L.Get(-1)
		L.Pop(1)
		t, ok := ret.(*lua.LTable)
		if !ok {
			L.RaiseError("register factory returned %s, want table", ret.Type())
			return 0
		}
		tbl = t
	default:
		L.RaiseError("register wants a capability table or factory, got %s", v.Type())
		return 0
	}

	if L.GetField(tbl, "init").Type() != lua.LTFunction {
		L.RaiseError("capability table has no init function")
		return 0
	}

	s.capability = &Capability{state: s, self: tbl}
	return 0
}

// DoFile executes a Lua source file. When a chunk cache is configured
// the file is compiled at most once per mtime and instantiated here.
// Execution is synchronous and blocks until completion or error.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	if s.cache == nil {
		return s.doWithRecovery(func() error {
			return s.L.DoFile(path)
		})
	}

	proto, err := s.cache.Load(path)
	if err != nil {
		return err
	}
	return s.doWithRecovery(func() error {
		top := s.L.GetTop()
		s.L.Push(s.L.NewFunctionFromProto(proto))
		if err := s.L.PCall(0, lua.MultRet, nil); err != nil {
			return err
		}
		s.L.SetTop(top)
		return nil
	})
}

// DoString executes a Lua string.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	return s.doWithRecovery(func() error {
		return s.L.DoString(code)
	})
}

// doWithRecovery executes a function with panic recovery.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Capability returns the capability the module registered, or nil if
// the chunk has not called register.
func (s *State) Capability() *Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capability
}

// Call calls a global Lua function with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("function %q not found", fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
	}

	return s.callValue(fnVal, args...)
}

// callValue pushes fn and args and collects whatever the call returned.
// Caller holds the mutex.
func (s *State) callValue(fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	stackTop := s.L.GetTop()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		s.L.SetTop(stackTop)
		return nil, callErr
	}

	nRet := s.L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = s.L.Get(stackTop + i + 1)
	}
	s.L.Pop(nRet)

	return results, nil
}

// GetGlobal returns a global variable value.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal sets a global variable.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// RegisterFunc registers a Go function as a global Lua function.
func (s *State) RegisterFunc(name string, fn lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, s.L.NewFunction(fn))
}

// RegisterModule registers a named table of Go functions.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the interpreter. After Close all other methods return
// ErrStateClosed or a zero value. Close is idempotent.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
