// Package hostfunc provides the Go functions that Lua scripts can reach
// through the executor's host bridge.
//
// # Overview
//
// Scripts start with no access to the network, the filesystem, or storage.
// Each capability is a set of named [Func] values placed in a [Registry];
// the executor registers only the ones a run enables.
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args map[string]any) (any, error) {
//	    return "hello " + args["name"].(string), nil
//	})
//
// From Lua the function is reached with _host_call:
//
//	local msg, err = _host_call("greet", {name = "lua"})
//
// # Built-in Capabilities
//
// Key-value store: [KV] over a [KVBackend], in memory ([NewMemoryKV]) or in
// a SQLite file ([OpenSQLiteKV]).
//
// HTTP: [HTTP] with an allow-list of hosts and size limits.
//
// Filesystem: [FS] confined to [Mount] points with [MountMode] permissions.
//
// WebAssembly: [WASM] calls exported functions of modules that live under
// an FS mount.
package hostfunc
