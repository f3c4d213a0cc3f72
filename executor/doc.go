// Package executor runs Lua code in embedded gopher-lua interpreter states.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result := exec.Run(ctx, `print("hello")`)
//	fmt.Println(result.Output)
//
// Every Run gets a fresh state that is closed before Run returns, so
// globals never carry over. Compiled chunks are cached and shared.
//
// # Sessions
//
// Sessions keep one state alive across Run calls:
//
//	session, err := exec.NewSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Run(ctx, `x = 42`)
//	session.Run(ctx, `print(x)`)  // Output: 42
//
// # Capabilities
//
// With [SafeLibs], scripts can reach the host only through the kv, http, fs
// and wasm tables, and each is disabled until enabled for the run:
//
//	exec.Run(ctx, code,
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	    executor.WithMount("/data", "./input", executor.MountReadOnly),
//	    executor.WithKV(),
//	)
//
// Standard libraries are chosen per Executor with [WithLibs]. The default is
// every library, which gives scripts io and os like a standalone
// interpreter; [SafeLibs] leaves those out along with the file loaders.
// os.exit never ends the host process: it stops the run and is reported as
// an [ExitError] when the status is non-zero.
package executor
