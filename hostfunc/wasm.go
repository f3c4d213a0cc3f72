package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Memory limits in 64KB WebAssembly pages.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

const DefaultMaxModuleSize = 32 << 20

type WASMConfig struct {
	// CacheDir enables wazero's on-disk compilation cache when non-empty.
	CacheDir string
	// MemoryLimitPages caps linear memory; 0 keeps wazero's default (4GB).
	MemoryLimitPages uint32
	MaxModuleSize    int64
}

type compiledEntry struct {
	module  wazero.CompiledModule
	modTime time.Time
	size    int64
}

// WASM calls exported functions of WebAssembly modules on behalf of
// scripts. Modules are loaded through an FS, so only files under a mount
// are reachable.
type WASM struct {
	cfg      WASMConfig
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]compiledEntry
	mu       sync.Mutex
	closed   bool
}

func NewWASM(ctx context.Context, cfg WASMConfig) (*WASM, error) {
	if cfg.MaxModuleSize <= 0 {
		cfg.MaxModuleSize = DefaultMaxModuleSize
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("create wasm disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.MemoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &WASM{
		cfg:      cfg,
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]compiledEntry),
	}, nil
}

// Compile returns the compiled module for a host path, recompiling when the
// file changed on disk.
func (w *WASM) Compile(ctx context.Context, hostPath string) (wazero.CompiledModule, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, fmt.Errorf("wasm module not found: %s", filepath.Base(hostPath))
	}
	if info.Size() > w.cfg.MaxModuleSize {
		return nil, fmt.Errorf("wasm module exceeds max size (%d bytes)", w.cfg.MaxModuleSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.New("wasm runtime closed")
	}
	if e, ok := w.compiled[hostPath]; ok {
		if e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
			return e.module, nil
		}
		e.module.Close(ctx)
		delete(w.compiled, hostPath)
	}

	bin, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	mod, err := w.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	w.compiled[hostPath] = compiledEntry{module: mod, modTime: info.ModTime(), size: info.Size()}
	return mod, nil
}

// Call instantiates the module at hostPath, invokes fn with params and
// returns the decoded results as float64 values.
func (w *WASM) Call(ctx context.Context, hostPath, fn string, params []any) ([]any, error) {
	compiled, err := w.Compile(ctx, hostPath)
	if err != nil {
		return nil, err
	}

	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}
	defer mod.Close(ctx)

	f := mod.ExportedFunction(fn)
	if f == nil {
		return nil, fmt.Errorf("wasm function not exported: %s", fn)
	}

	def := f.Definition()
	paramTypes := def.ParamTypes()
	if len(params) != len(paramTypes) {
		return nil, fmt.Errorf("wasm function %s expects %d arguments, got %d", fn, len(paramTypes), len(params))
	}

	stack := make([]uint64, len(params))
	for i, p := range params {
		n, ok := p.(float64)
		if !ok {
			return nil, fmt.Errorf("wasm argument %d: expected number, got %T", i+1, p)
		}
		stack[i] = encodeWASMValue(paramTypes[i], n)
	}

	results, err := f.Call(ctx, stack...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wasm call interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("wasm call failed: %w", err)
	}

	resultTypes := def.ResultTypes()
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = decodeWASMValue(resultTypes[i], r)
	}
	return out, nil
}

// Bind returns the wasm_call host function; paths are resolved through fs.
func (w *WASM) Bind(fs *FS) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		p, err := pathArg(args)
		if err != nil {
			return nil, err
		}
		fn, ok := args["fn"].(string)
		if !ok || fn == "" {
			return nil, errors.New("fn required")
		}

		var params []any
		switch v := args["args"].(type) {
		case nil:
		case []any:
			params = v
		case map[string]any:
			if len(v) != 0 {
				return nil, errors.New("args must be a list")
			}
		default:
			return nil, errors.New("args must be a list")
		}

		hostPath, err := fs.Resolve(p)
		if err != nil {
			return nil, err
		}
		return w.Call(ctx, hostPath, fn, params)
	}
}

func (w *WASM) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.compiled = nil

	err := w.runtime.Close(ctx)
	if w.cache != nil {
		err = errors.Join(err, w.cache.Close(ctx))
	}
	return err
}

func encodeWASMValue(t api.ValueType, n float64) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(n))
	case api.ValueTypeI64:
		return api.EncodeI64(int64(n))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(n))
	case api.ValueTypeF64:
		return api.EncodeF64(n)
	}
	return uint64(n)
}

func decodeWASMValue(t api.ValueType, v uint64) any {
	switch t {
	case api.ValueTypeI32:
		return float64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return float64(int64(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return float64(v)
}

// DefaultCacheDir follows XDG_CACHE_HOME, then ~/.cache.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "luabox")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "luabox")
	}
	return filepath.Join(os.TempDir(), "luabox-cache")
}
