// Package luahost embeds the Lua runtime that executes module source
// files in-process.
//
// Each module gets its own State: a fresh gopher-lua interpreter whose
// lifetime matches one load of the module. Replacing a module means
// closing its State and executing the source again on a new one, so a
// reload never inherits globals, upvalues, or half-finished work from
// the previous incarnation.
//
// # Registration
//
// Before running a module chunk the host installs a single global,
// register. The chunk must call it exactly once with either a
// capability table or a zero-argument factory that returns one:
//
//	register({
//	    init = function(self) self.count = 0 end,
//	    shutdown = function(self) print("bye") end,
//	})
//
// The table needs a callable init field; shutdown is optional. A chunk
// that finishes without registering yields ErrNoCapability from the
// caller's side, and misuse of register (wrong type, second call,
// missing init) raises a Lua error inside the chunk itself.
//
// # Chunk cache
//
// ChunkCache memoizes compiled function prototypes keyed by source path
// and fingerprinted by file mtime. Prototypes are immutable, so many
// states can instantiate the same compiled chunk while each keeps its
// own globals.
//
// gopher-lua states are not goroutine-safe; State serializes access
// with an internal mutex, and capability calls run on the state that
// executed the module.
package luahost
