package executor

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ExitError is the Result.Error of a run that called os.exit with a
// non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitHook lets os.exit cancel the run it is called from. The VM checks
// the run context before every instruction, so pcall cannot catch it.
type exitHook struct {
	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// arm derives the context for one run. The returned func must be called
// when the run ends.
func (h *exitHook) arm(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return ctx, func() {
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
		cancel(nil)
	}
}

func (h *exitHook) exit(code int) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel(&ExitError{Code: code})
	}
}

// exitStatus reports the os.exit status that ended the run under ctx.
func exitStatus(ctx context.Context) (*ExitError, bool) {
	e, ok := context.Cause(ctx).(*ExitError)
	return e, ok
}

// installExit replaces os.exit, which would otherwise end the host
// process, with one that ends only the current run.
func installExit(L *lua.LState, h *exitHook) {
	osLib, ok := L.GetGlobal(lua.OsLibName).(*lua.LTable)
	if !ok {
		return
	}
	osLib.RawSetString("exit", L.NewFunction(func(L *lua.LState) int {
		code := 0
		switch v := L.Get(1).(type) {
		case lua.LBool:
			if !v {
				code = 1
			}
		case lua.LNumber:
			code = int(v)
		}
		h.exit(code)
		L.RaiseError("exit status %d", code)
		return 0
	}))
}
