// Package luabox runs Lua scripts in embedded gopher-lua interpreters with
// no access to the host unless it is granted.
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	// Stateless execution
//	result := exec.Run(ctx, `print("hello")`)
//	fmt.Println(result.Output)
//
//	// Session with persistent state
//	session, _ := exec.NewSession()
//	session.Run(ctx, `x = 42`)
//	session.Run(ctx, `print(x)`)  // 42
//
// # Enabling Capabilities
//
//	// HTTP access
//	result := exec.Run(ctx, code,
//	    executor.WithAllowedHosts([]string{"api.example.com"}))
//
//	// Filesystem access
//	result := exec.Run(ctx, code,
//	    executor.WithMount("/data", "./input", executor.MountReadOnly))
//
//	// Key-value store
//	result := exec.Run(ctx, code, executor.WithKV())
//
//	// WebAssembly modules under a mount
//	exec, _ := executor.New(hostfunc.NewRegistry(),
//	    executor.WithWASM(hostfunc.WASMConfig{CacheDir: hostfunc.DefaultCacheDir()}))
//
// See the [executor] and [hostfunc] packages for detailed API documentation.
package luabox
