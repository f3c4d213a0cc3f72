package executor

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/luabox/hostfunc"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

//go:embed prelude.lua
var preludeSource string

var (
	preludeOnce  sync.Once
	preludeProto *lua.FunctionProto
	preludeErr   error
)

func compiledPrelude() (*lua.FunctionProto, error) {
	preludeOnce.Do(func() {
		preludeProto, preludeErr = compileChunk(preludeSource, "=prelude")
	})
	return preludeProto, preludeErr
}

func compileChunk(code, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// installBridge exposes registry to L as _host_call and loads the prelude
// that wraps it in the kv, http, fs, wasm and clock tables.
func installBridge(L *lua.LState, registry *hostfunc.Registry, logger *zap.Logger) error {
	L.SetGlobal("_host_call", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		args := map[string]any{}
		if L.GetTop() >= 2 && L.Get(2) != lua.LNil {
			tbl := L.CheckTable(2)
			v, err := FromLua(tbl)
			if err != nil {
				return pushError(L, err.Error())
			}
			switch v := v.(type) {
			case map[string]any:
				args = v
			default:
				return pushError(L, "host call arguments must be a table of named fields")
			}
		}

		fn, ok := registry.Get(name)
		if !ok {
			return pushError(L, "unknown function: "+name)
		}

		ctx := L.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		start := time.Now()
		result, err := fn(ctx, args)
		logger.Debug("host call",
			zap.String("fn", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		if err != nil {
			return pushError(L, err.Error())
		}

		lv, err := ToLua(L, result)
		if err != nil {
			return pushError(L, fmt.Sprintf("%s: %v", name, err))
		}
		L.Push(lv)
		return 1
	}))

	proto, err := compiledPrelude()
	if err != nil {
		return fmt.Errorf("compile prelude: %w", err)
	}
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return fmt.Errorf("load prelude: %w", err)
	}
	return nil
}

func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

// registerDefaults installs the functions every run gets.
func registerDefaults(r *hostfunc.Registry) {
	r.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})
}
