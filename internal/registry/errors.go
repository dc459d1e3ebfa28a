package registry

import "errors"

// Registry errors.
var (
	// ErrInvalidRoot is returned when the module root does not exist or
	// is not a directory.
	ErrInvalidRoot = errors.New("module root is not a directory")

	// ErrModuleNotFound is returned when an identifier is not registered.
	ErrModuleNotFound = errors.New("module not found in registry")

	// ErrModuleUnresolved is returned when an identifier maps to no
	// source file under the root.
	ErrModuleUnresolved = errors.New("module source not found")

	// ErrInitFailed is returned when a module loads but its init
	// reports an error. The module stays registered, flagged by its
	// descriptor's InitErr.
	ErrInitFailed = errors.New("module init failed")
)
