// Package registry keeps a tree of Lua module sources loaded, live, and
// in sync with the filesystem.
//
// Initialize validates the module root, walks it once, and brings every
// source file up as a running module. From then on the registry is the
// single owner of module state: it maps dotted identifiers ("plugins.logger"
// for plugins/logger.lua) to Descriptors, each holding the interpreter
// the module runs in, the capability it registered, and the mtime
// fingerprint of the source it was built from.
//
//	reg, err := registry.Initialize(ctx, "/srv/modules",
//	    registry.WithLogger(log),
//	    registry.WithMetrics(metrics),
//	)
//	if err != nil {
//	    return err
//	}
//	defer reg.ShutdownAll()
//
// # Mutation
//
// AddModule loads a module by identifier, and routes to a reload when
// the module is already present, so callers converge on the on-disk
// source without checking first. RemoveModule shuts a module down and
// forgets it. ReloadModule and ReloadAll replace incarnations
// unconditionally; Refresh walks the tree and touches only what
// changed, reporting what it did in a ScanReport.
//
// Every reload follows the same shape: shut down the old incarnation,
// close its interpreter, execute the source on a fresh one, init the
// new capability. Both halves happen under the registry's write lock,
// so readers never observe a module half-replaced and no two mutations
// interleave.
//
// # Failure policy
//
// Load and init failures are returned to the caller; a module whose
// init fails stays registered but flagged, so operators can see it and
// decide. Shutdown failures are logged and swallowed everywhere: a
// module that cannot clean up must not keep its replacement out or
// block the process from terminating.
package registry
