package executor

import (
	"time"

	"github.com/caffeineduck/luabox/hostfunc"
	"go.uber.org/zap"
)

// Option configures a single Run.
type Option func(*runConfig)

type runConfig struct {
	timeout      time.Duration
	chunkName    string
	allowedHosts []string
	mounts       []hostfunc.Mount
	kvEnabled    bool
	kvBackend    hostfunc.KVBackend

	kvOptions        []hostfunc.KVOption
	httpMaxURLLength int
	httpMaxBodySize  int64
	httpTimeout      time.Duration
	fsOptions        []hostfunc.FSOption
}

const DefaultTimeout = 30 * time.Second

func defaultRunConfig() runConfig {
	return runConfig{
		timeout:   DefaultTimeout,
		chunkName: "=chunk",
	}
}

// WithTimeout sets the maximum execution time. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.timeout = d }
}

// WithChunkName sets the name shown in error messages and tracebacks.
func WithChunkName(name string) Option {
	return func(c *runConfig) { c.chunkName = "=" + name }
}

// WithAllowedHosts enables http.* for the given hosts and their subdomains.
func WithAllowedHosts(hosts []string) Option {
	return func(c *runConfig) { c.allowedHosts = hosts }
}

// Mount permission modes, re-exported from hostfunc.
const (
	MountReadOnly        = hostfunc.MountReadOnly
	MountReadWrite       = hostfunc.MountReadWrite
	MountReadWriteCreate = hostfunc.MountReadWriteCreate
)

// WithMount adds a filesystem mount. The virtual path is what scripts see.
//
//	executor.WithMount("/data", "./input", executor.MountReadOnly)
//	executor.WithMount("/out", "./results", executor.MountReadWriteCreate)
func WithMount(virtualPath, hostPath string, mode hostfunc.MountMode) Option {
	return func(c *runConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

// WithKV enables a key-value store scoped to this run.
func WithKV() Option {
	return func(c *runConfig) { c.kvEnabled = true }
}

// WithKVStore enables the key-value store backed by b, so data survives
// across runs. The caller owns b and closes it.
func WithKVStore(b hostfunc.KVBackend) Option {
	return func(c *runConfig) {
		c.kvEnabled = true
		c.kvBackend = b
	}
}

func WithKVMaxKeySize(size int) Option {
	return func(c *runConfig) { c.kvOptions = append(c.kvOptions, hostfunc.WithMaxKeySize(size)) }
}

func WithKVMaxValueSize(size int) Option {
	return func(c *runConfig) { c.kvOptions = append(c.kvOptions, hostfunc.WithMaxValueSize(size)) }
}

func WithKVMaxEntries(n int) Option {
	return func(c *runConfig) { c.kvOptions = append(c.kvOptions, hostfunc.WithMaxEntries(n)) }
}

func WithHTTPMaxURLLength(size int) Option {
	return func(c *runConfig) { c.httpMaxURLLength = size }
}

func WithHTTPMaxBodySize(size int64) Option {
	return func(c *runConfig) { c.httpMaxBodySize = size }
}

func WithHTTPTimeout(d time.Duration) Option {
	return func(c *runConfig) { c.httpTimeout = d }
}

func WithFSMaxFileSize(size int64) Option {
	return func(c *runConfig) { c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size)) }
}

func WithFSMaxWriteSize(size int64) Option {
	return func(c *runConfig) { c.fsOptions = append(c.fsOptions, hostfunc.WithMaxWriteSize(size)) }
}

func WithFSMaxPathLength(n int) Option {
	return func(c *runConfig) { c.fsOptions = append(c.fsOptions, hostfunc.WithMaxPathLength(n)) }
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	logger           *zap.Logger
	libs             []Lib
	callStackSize    int
	registrySize     int
	registryMaxSize  int
	compileCacheSize int
	maxOutput        int
	wasm             *hostfunc.WASMConfig
}

const (
	DefaultCompileCacheSize = 256
	DefaultMaxOutput        = 1 << 20
)

func defaultExecutorConfig() executorConfig {
	return executorConfig{
		logger:           zap.NewNop(),
		libs:             AllLibs(),
		compileCacheSize: DefaultCompileCacheSize,
		maxOutput:        DefaultMaxOutput,
	}
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLibs selects which standard libraries each state opens. The default
// is AllLibs.
func WithLibs(libs ...Lib) ExecutorOption {
	return func(c *executorConfig) { c.libs = libs }
}

// WithCallStackSize bounds Lua call depth; deep recursion fails instead of
// growing without limit.
func WithCallStackSize(n int) ExecutorOption {
	return func(c *executorConfig) { c.callStackSize = n }
}

// WithRegistrySize sets the initial size of the Lua value stack.
func WithRegistrySize(n int) ExecutorOption {
	return func(c *executorConfig) { c.registrySize = n }
}

// WithRegistryMaxSize lets the value stack grow up to n slots.
func WithRegistryMaxSize(n int) ExecutorOption {
	return func(c *executorConfig) { c.registryMaxSize = n }
}

// WithCompileCacheSize bounds the number of compiled chunks kept. Zero
// disables caching.
func WithCompileCacheSize(n int) ExecutorOption {
	return func(c *executorConfig) { c.compileCacheSize = n }
}

// WithMaxOutput caps the bytes a run may print. Zero means unlimited.
func WithMaxOutput(n int) ExecutorOption {
	return func(c *executorConfig) { c.maxOutput = n }
}

// WithWASM enables wasm.call for runs that also have a mount.
func WithWASM(cfg hostfunc.WASMConfig) ExecutorOption {
	return func(c *executorConfig) { c.wasm = &cfg }
}
