package luahost

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Capability is the lifecycle surface a module hands the host through
// register. It stays bound to the state that executed the module chunk,
// and every call passes the capability table as the Lua receiver so
// modules can keep their working state on it.
type Capability struct {
	state *State
	self  *lua.LTable
}

// Init invokes the module's init function. register guarantees the
// field exists and is callable.
func (c *Capability) Init() error {
	return c.invoke("init", true)
}

// Shutdown invokes the module's shutdown function. Modules that hold no
// resources may omit it; shutdown is then a no-op.
func (c *Capability) Shutdown() error {
	return c.invoke("shutdown", false)
}

// Has reports whether the capability table carries a callable field.
func (c *Capability) Has(name string) bool {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetField(c.self, name).Type() == lua.LTFunction
}

// Call invokes an arbitrary function field on the capability table,
// passing the table as the receiver followed by args. This is how hosts
// reach behavior a module exposes beyond the lifecycle pair.
func (c *Capability) Call(name string, args ...lua.LValue) ([]lua.LValue, error) {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetField(c.self, name)
	if fn == lua.LNil {
		return nil, fmt.Errorf("capability has no %q function", name)
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("capability field %q is not a function (got %s)", name, fn.Type())
	}

	return s.callValue(fn, append([]lua.LValue{c.self}, args...)...)
}

// invoke runs a lifecycle field. A missing field is an error only when
// required.
func (c *Capability) invoke(name string, required bool) error {
	s := c.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	fn := s.L.GetField(c.self, name)
	if fn.Type() != lua.LTFunction {
		if !required {
			return nil
		}
		return fmt.Errorf("capability has no %q function", name)
	}

	return s.doWithRecovery(func() error {
		return s.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, c.self)
	})
}
