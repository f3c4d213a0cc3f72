package executor

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/luabox/hostfunc"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("executor closed")

// Result holds the output and metadata from code execution.
type Result struct {
	Output string
	// Values holds the chunk's return values rendered with tostring.
	Values   []string
	Duration time.Duration
	Error    error
}

// Executor creates a fresh interpreter state for every Run and caches
// compiled chunks across runs.
type Executor struct {
	cfg      executorConfig
	logger   *zap.Logger
	registry *hostfunc.Registry
	wasm     *hostfunc.WASM

	mu       sync.RWMutex
	compiled map[[sha256.Size]byte]*lua.FunctionProto
	order    [][sha256.Size]byte
	closed   bool
}

// New creates an Executor. Functions in registry are callable from every
// run; a nil registry means none beyond the built-ins.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{
		cfg:      cfg,
		logger:   cfg.logger,
		registry: registry,
		compiled: make(map[[sha256.Size]byte]*lua.FunctionProto),
	}

	if cfg.wasm != nil {
		w, err := hostfunc.NewWASM(context.Background(), *cfg.wasm)
		if err != nil {
			return nil, err
		}
		e.wasm = w
	}

	if _, err := compiledPrelude(); err != nil {
		e.Close()
		return nil, fmt.Errorf("compile prelude: %w", err)
	}

	e.logger.Debug("executor ready",
		zap.Int("libs", len(cfg.libs)),
		zap.Bool("wasm", e.wasm != nil))
	return e, nil
}

// Run executes code in a new interpreter state that is closed before Run
// returns.
func (e *Executor) Run(ctx context.Context, code string, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if e.isClosed() {
		return Result{Error: ErrClosed}
	}

	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	proto, err := e.compile(code, cfg.chunkName)
	if err != nil {
		return Result{Error: fmt.Errorf("compile: %w", err), Duration: time.Since(start)}
	}

	out := newOutputBuffer(e.cfg.maxOutput)
	hook := &exitHook{}
	L, err := e.newState(e.runRegistry(cfg), out, hook)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer L.Close()

	ctx, disarm := hook.arm(ctx)
	defer disarm()
	L.SetContext(ctx)
	values, err := callProto(L, proto)

	output, overflowed := out.take()
	result := Result{
		Output:   output,
		Values:   values,
		Duration: time.Since(start),
		Error:    e.runError(ctx, err, overflowed, cfg.timeout),
	}

	e.logger.Debug("run finished",
		zap.Duration("duration", result.Duration),
		zap.Int("output_bytes", len(result.Output)),
		zap.Error(result.Error))
	return result
}

func (e *Executor) runError(ctx context.Context, err error, overflowed bool, timeout time.Duration) error {
	if overflowed {
		return fmt.Errorf("%w (%d bytes)", ErrOutputLimit, e.cfg.maxOutput)
	}
	if exit, ok := exitStatus(ctx); ok {
		if exit.Code == 0 {
			return nil
		}
		return exit
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		if timeout > 0 {
			return fmt.Errorf("timeout after %v", timeout)
		}
		return fmt.Errorf("timeout: %w", ctx.Err())
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("execution canceled: %w", ctx.Err())
	}
	return fmt.Errorf("execution failed: %w", err)
}

func (e *Executor) newState(registry *hostfunc.Registry, out *outputBuffer, hook *exitHook) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   e.cfg.callStackSize,
		RegistrySize:    e.cfg.registrySize,
		RegistryMaxSize: e.cfg.registryMaxSize,
	})
	OpenLibs(L, e.cfg.libs)
	installOutput(L, out)
	installExit(L, hook)
	if err := installBridge(L, registry, e.logger); err != nil {
		L.Close()
		return nil, err
	}
	return L, nil
}

// runRegistry layers the capabilities enabled by cfg over a copy of the
// executor's registry.
func (e *Executor) runRegistry(cfg runConfig) *hostfunc.Registry {
	r := e.registry.Clone()
	registerDefaults(r)

	if cfg.kvEnabled {
		hostfunc.NewKV(cfg.kvBackend, cfg.kvOptions...).Register(r)
	}

	if len(cfg.allowedHosts) > 0 {
		hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts:   cfg.allowedHosts,
			MaxURLLength:   cfg.httpMaxURLLength,
			MaxBodySize:    cfg.httpMaxBodySize,
			RequestTimeout: cfg.httpTimeout,
		}).Register(r)
	}

	if len(cfg.mounts) > 0 {
		fs := hostfunc.NewFS(cfg.mounts, cfg.fsOptions...)
		fs.Register(r)
		if e.wasm != nil {
			r.Register("wasm_call", e.wasm.Bind(fs))
		}
	}

	return r
}

// compile returns a cached prototype for code, compiling on a miss. The
// cache evicts in insertion order once full.
func (e *Executor) compile(code, name string) (*lua.FunctionProto, error) {
	size := e.cfg.compileCacheSize
	if size <= 0 {
		return compileChunk(code, name)
	}

	key := sha256.Sum256([]byte(name + "\x00" + code))

	e.mu.RLock()
	proto, ok := e.compiled[key]
	e.mu.RUnlock()
	if ok {
		return proto, nil
	}

	proto, err := compileChunk(code, name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return proto, nil
	}
	if _, ok := e.compiled[key]; !ok {
		if len(e.order) >= size {
			delete(e.compiled, e.order[0])
			e.order = e.order[1:]
		}
		e.compiled[key] = proto
		e.order = append(e.order, key)
	}
	return proto, nil
}

// CachedChunks reports how many compiled chunks are held.
func (e *Executor) CachedChunks() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Libs returns the standard libraries each state opens.
func (e *Executor) Libs() []Lib {
	return append([]Lib(nil), e.cfg.libs...)
}

func (e *Executor) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close releases all resources held by the Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.compiled = nil
	e.order = nil

	if e.wasm != nil {
		return e.wasm.Close(context.Background())
	}
	return nil
}

func callProto(L *lua.LState, proto *lua.FunctionProto) ([]string, error) {
	base := L.GetTop()
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(base)
		return nil, err
	}

	n := L.GetTop() - base
	var values []string
	for i := 1; i <= n; i++ {
		values = append(values, L.ToStringMeta(L.Get(base+i)).String())
	}
	L.SetTop(base)
	return values, nil
}

// AsExpression reports whether code parses as a single expression and, if
// so, returns it as a chunk that yields its value.
func AsExpression(code string) (string, bool) {
	chunk := "return " + code
	if _, err := parse.Parse(strings.NewReader(chunk), "=expr"); err != nil {
		return "", false
	}
	return chunk, true
}
