package luahost

import "errors"

// Errors for Lua host operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNoCapability is returned when a module chunk runs to completion
	// without calling register.
	ErrNoCapability = errors.New("module registered no capability")
)
