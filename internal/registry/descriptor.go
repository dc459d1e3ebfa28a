package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/dshills/hotmod/internal/luahost"
)

// Descriptor records one live module: its identity, the interpreter it
// runs in, the capability it registered, and the fingerprint of the
// source it was built from. The registry replaces descriptors wholesale
// on reload and never mutates a published one, so a descriptor obtained
// from a snapshot stays internally consistent even while the registry
// moves on.
type Descriptor struct {
	// ID is the dotted identifier the registry keys the module by.
	ID string

	// LoadID is unique per load, telling incarnations of the same
	// module apart across reloads.
	LoadID uuid.UUID

	// Handle is the interpreter this incarnation runs in. It is closed
	// when the descriptor is replaced or removed.
	Handle *luahost.State

	// Instance is the capability the module registered. Replaced, never
	// mutated, on reload.
	Instance *luahost.Capability

	// Fingerprint is the source file's mtime at load. Changed mtime
	// means changed source; comparison is by equality, never order, so
	// rollbacks to older files also count as changes.
	Fingerprint time.Time

	// LoadedAt is when this incarnation came up.
	LoadedAt time.Time

	// InitErr is set when the module loaded but its init failed. The
	// module is present yet flagged; callers decide whether to remove it.
	InitErr error
}

// Initialized reports whether the module's init completed successfully.
func (d *Descriptor) Initialized() bool {
	return d.InitErr == nil
}
