package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/luabox/executor"
	"github.com/caffeineduck/luabox/hostfunc"
	"github.com/caffeineduck/luabox/internal/config"
	"github.com/caffeineduck/luabox/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// sampleProgram runs when no code, file or piped input is given.
const sampleProgram = `print("Hello Buildsystem World!")`

var logger = zap.NewNop()

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "luabox [file]",
		Short: "Embedded Lua interpreter",
		Long: `luabox - Run Lua scripts in an embedded interpreter.

Run code from files, inline strings, or stdin. With no input it runs a
built-in sample program.

Scripts get every standard library by default, so io and os reach the host
like in a standalone interpreter. With --libs safe (the default for serve)
they have no access to the network, the host filesystem or a key-value
store unless enabled with flags. os.exit ends only the script.`,
		Args:              cobra.MaximumNArgs(1),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
		RunE: runRun,
	}

	root.PersistentFlags().String("config", "", "Config file (default: luabox.yaml or luabox.toml in the working directory)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().String("log-format", "", "Log format: json, console")
	root.PersistentFlags().StringSlice("libs", nil, "Standard libraries: all, safe, or library names (repeatable)")
	root.PersistentFlags().Bool("no-cache", false, "Disable the WASM compilation disk cache")

	addRunFlags(root)

	root.AddCommand(
		newRunCmd(),
		newHelloCmd(),
		newReplCmd(),
		newServeCmd(),
		newLibsCmd(),
		newConfigCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code. A script that
// calls os.exit with a non-zero status sets the code.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var exit *executor.ExitError
		if errors.As(err, &exit) {
			return exit.Code
		}
		return 1
	}
	return 0
}

// setup loads the config file, lets it fill every flag the user did not
// set, and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := applyConfig(cmd, cfg); err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("log-format")
	l, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  format,
		Verbose: verbose,
	})
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func configFlagValues(c *config.Config) map[string]string {
	itoa := strconv.Itoa
	i64 := func(n int64) string { return strconv.FormatInt(n, 10) }
	return map[string]string{
		"libs":           strings.Join(c.Libs, ","),
		"timeout":        c.Timeout,
		"max-output":     itoa(c.MaxOutput),
		"call-stack":     itoa(c.CallStackSize),
		"compile-cache":  itoa(c.CompileCacheSize),
		"kv":             strconv.FormatBool(c.KV.Enabled),
		"kv-path":        c.KV.Path,
		"kv-max-entries": itoa(c.KV.MaxEntries),
		"kv-max-key":     itoa(c.KV.MaxKeySize),
		"kv-max-value":   itoa(c.KV.MaxValueSize),
		"allow-host":     strings.Join(c.HTTP.AllowedHosts, ","),
		"http-max-url":   itoa(c.HTTP.MaxURLLength),
		"http-max-body":  i64(c.HTTP.MaxBodySize),
		"http-timeout":   c.HTTP.Timeout,
		"mount":          strings.Join(c.FS.Mounts, ","),
		"fs-max-file":    i64(c.FS.MaxFileSize),
		"fs-max-write":   i64(c.FS.MaxWriteSize),
		"fs-max-path":    itoa(c.FS.MaxPathLength),
		"wasm":           strconv.FormatBool(c.WASM.Enabled),
		"wasm-memory":    c.WASM.Memory,
		"wasm-cache-dir": c.WASM.CacheDir,
		"wasm-max-size":  i64(c.WASM.MaxModuleSize),
		"port":           itoa(c.Server.Port),
		"session-ttl":    c.Server.SessionTTL,
		"max-sessions":   itoa(c.Server.MaxSessions),
		"log-format":     c.Logging.Format,
	}
}

// applyConfig copies config values into flags that exist on cmd and were
// not given on the command line.
func applyConfig(cmd *cobra.Command, c *config.Config) error {
	for name, v := range configFlagValues(c) {
		f := cmd.Flags().Lookup(name)
		if f == nil || f.Changed || v == "" {
			continue
		}
		if err := f.Value.Set(v); err != nil {
			return fmt.Errorf("config value for --%s: %w", name, err)
		}
	}
	return nil
}

func addExecutorFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-output", executor.DefaultMaxOutput, "Max bytes a script may print (0 = unlimited)")
	cmd.Flags().Int("call-stack", 0, "Max Lua call depth (0 = interpreter default)")
	cmd.Flags().Int("compile-cache", executor.DefaultCompileCacheSize, "Compiled chunks to keep (0 = disabled)")
	cmd.Flags().Bool("wasm", false, "Enable wasm.call for modules under mounts")
	cmd.Flags().String("wasm-memory", "16mb", "WASM memory limit: 1mb, 16mb, 64mb, 256mb, 1gb")
	cmd.Flags().String("wasm-cache-dir", "", "WASM compilation cache directory (default: user cache dir)")
	cmd.Flags().Int64("wasm-max-size", hostfunc.DefaultMaxModuleSize, "Max WASM module size in bytes")
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", executor.DefaultTimeout, "Execution timeout")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().String("kv-path", "", "Persist the key-value store in this SQLite file (implies --kv)")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")

	// Security limits
	cmd.Flags().Int("kv-max-entries", hostfunc.DefaultKVMaxEntries, "Max key-value entries")
	cmd.Flags().Int("kv-max-key", hostfunc.DefaultKVMaxKeySize, "Max key size in bytes")
	cmd.Flags().Int("kv-max-value", hostfunc.DefaultKVMaxValueSize, "Max value size in bytes")
	cmd.Flags().Int("http-max-url", 8192, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", 1024*1024, "Max HTTP response body size")
	cmd.Flags().Duration("http-timeout", 30*time.Second, "HTTP request timeout")
	cmd.Flags().Int64("fs-max-file", 10*1024*1024, "Max file read size")
	cmd.Flags().Int64("fs-max-write", 10*1024*1024, "Max file write size")
	cmd.Flags().Int("fs-max-path", 4096, "Max path length")
}

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return 0, nil
	case "1mb":
		return hostfunc.MemoryLimit1MB, nil
	case "16mb":
		return hostfunc.MemoryLimit16MB, nil
	case "64mb":
		return hostfunc.MemoryLimit64MB, nil
	case "256mb":
		return hostfunc.MemoryLimit256MB, nil
	case "1gb":
		return hostfunc.MemoryLimit1GB, nil
	}
	return 0, fmt.Errorf("invalid memory limit %q (expected 1mb, 16mb, 64mb, 256mb or 1gb)", s)
}

// buildExecutor creates an Executor from whichever executor flags cmd has.
// defaultLibs applies when neither --libs nor the config names any.
func buildExecutor(cmd *cobra.Command, defaultLibs []executor.Lib) (*executor.Executor, error) {
	names, _ := cmd.Flags().GetStringSlice("libs")
	libs, err := executor.ParseLibs(names)
	if err != nil {
		return nil, err
	}
	if len(libs) == 0 {
		libs = defaultLibs
	}

	opts := []executor.ExecutorOption{
		executor.WithLogger(logger),
		executor.WithLibs(libs...),
	}
	if n, err := cmd.Flags().GetInt("max-output"); err == nil {
		opts = append(opts, executor.WithMaxOutput(n))
	}
	if n, err := cmd.Flags().GetInt("call-stack"); err == nil && n > 0 {
		opts = append(opts, executor.WithCallStackSize(n))
	}
	if n, err := cmd.Flags().GetInt("compile-cache"); err == nil {
		opts = append(opts, executor.WithCompileCacheSize(n))
	}

	if enabled, _ := cmd.Flags().GetBool("wasm"); enabled {
		memory, _ := cmd.Flags().GetString("wasm-memory")
		pages, err := parseMemoryLimit(memory)
		if err != nil {
			return nil, err
		}
		maxSize, _ := cmd.Flags().GetInt64("wasm-max-size")
		cacheDir, _ := cmd.Flags().GetString("wasm-cache-dir")
		if cacheDir == "" {
			cacheDir = hostfunc.DefaultCacheDir()
		}
		if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
			cacheDir = ""
		}
		opts = append(opts, executor.WithWASM(hostfunc.WASMConfig{
			CacheDir:         cacheDir,
			MemoryLimitPages: pages,
			MaxModuleSize:    maxSize,
		}))
	}

	return executor.New(hostfunc.NewRegistry(), opts...)
}

// runEnv holds run options built from flags plus anything they opened.
type runEnv struct {
	opts []executor.Option
	kv   hostfunc.KVBackend
}

func (e *runEnv) Close() error {
	if e.kv != nil {
		return e.kv.Close()
	}
	return nil
}

func buildRunOptions(cmd *cobra.Command) (*runEnv, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	enableKV, _ := cmd.Flags().GetBool("kv")
	kvPath, _ := cmd.Flags().GetString("kv-path")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	mounts, _ := cmd.Flags().GetStringSlice("mount")

	kvMaxEntries, _ := cmd.Flags().GetInt("kv-max-entries")
	kvMaxKey, _ := cmd.Flags().GetInt("kv-max-key")
	kvMaxValue, _ := cmd.Flags().GetInt("kv-max-value")
	httpMaxURL, _ := cmd.Flags().GetInt("http-max-url")
	httpMaxBody, _ := cmd.Flags().GetInt64("http-max-body")
	httpTimeout, _ := cmd.Flags().GetDuration("http-timeout")
	fsMaxFile, _ := cmd.Flags().GetInt64("fs-max-file")
	fsMaxWrite, _ := cmd.Flags().GetInt64("fs-max-write")
	fsMaxPath, _ := cmd.Flags().GetInt("fs-max-path")

	env := &runEnv{}
	env.opts = append(env.opts, executor.WithTimeout(timeout))

	switch {
	case kvPath != "":
		store, err := hostfunc.OpenSQLiteKV(kvPath)
		if err != nil {
			return nil, err
		}
		env.kv = store
		env.opts = append(env.opts, executor.WithKVStore(store))
	case enableKV:
		env.opts = append(env.opts, executor.WithKV())
	}
	env.opts = append(env.opts,
		executor.WithKVMaxEntries(kvMaxEntries),
		executor.WithKVMaxKeySize(kvMaxKey),
		executor.WithKVMaxValueSize(kvMaxValue),
	)

	if len(allowedHosts) > 0 {
		env.opts = append(env.opts,
			executor.WithAllowedHosts(allowedHosts),
			executor.WithHTTPMaxURLLength(httpMaxURL),
			executor.WithHTTPMaxBodySize(httpMaxBody),
			executor.WithHTTPTimeout(httpTimeout),
		)
	}

	for _, spec := range mounts {
		m, err := hostfunc.ParseMount(spec)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.opts = append(env.opts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	env.opts = append(env.opts,
		executor.WithFSMaxFileSize(fsMaxFile),
		executor.WithFSMaxWriteSize(fsMaxWrite),
		executor.WithFSMaxPathLength(fsMaxPath),
	)

	return env, nil
}
