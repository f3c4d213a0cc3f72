package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrOutputLimit is returned when a script prints more than the configured
// maximum output.
var ErrOutputLimit = errors.New("output limit exceeded")

type outputBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
	tee   io.Writer

	overflowed bool
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.limit > 0 && o.buf.Len()+len(p) > o.limit {
		o.buf.Write(p[:o.limit-o.buf.Len()])
		o.overflowed = true
		return 0, ErrOutputLimit
	}
	if o.tee != nil {
		o.tee.Write(p)
	}
	return o.buf.Write(p)
}

// take returns and clears the buffered output and the overflow flag.
func (o *outputBuffer) take() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, over := o.buf.String(), o.overflowed
	o.buf.Reset()
	o.overflowed = false
	return s, over
}

func (o *outputBuffer) setTee(w io.Writer) {
	o.mu.Lock()
	o.tee = w
	o.mu.Unlock()
}

const capturedFileClass = "luabox.file"

// installOutput routes print, io.write, io.stdout and io.stderr into out
// instead of the process streams. io.output() returns the captured stdout
// until a script points it at another file, and the standard files cannot
// be closed.
func installOutput(L *lua.LState, out *outputBuffer) {
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		var line bytes.Buffer
		top := L.GetTop()
		for i := 1; i <= top; i++ {
			line.WriteString(L.ToStringMeta(L.Get(i)).String())
			if i != top {
				line.WriteByte('\t')
			}
		}
		line.WriteByte('\n')
		if _, err := out.Write(line.Bytes()); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}))

	ioLib, ok := L.GetGlobal(lua.IoLibName).(*lua.LTable)
	if !ok {
		return
	}

	mt := L.NewTypeMetatable(capturedFileClass)
	mt.RawSetString("__index", mt)
	L.SetFuncs(mt, map[string]lua.LGFunction{
		"write": func(L *lua.LState) int {
			L.CheckUserData(1)
			writeArgs(L, out, 2)
			L.Push(L.Get(1))
			return 1
		},
		"flush":   pushTrue,
		"setvbuf": pushTrue,
		"close": func(L *lua.LState) int {
			L.Push(lua.LNil)
			L.Push(lua.LString("cannot close standard file"))
			return 2
		},
		"__tostring": func(L *lua.LState) int {
			L.Push(lua.LString("file"))
			return 1
		},
	})

	stdout := L.NewUserData()
	stdout.Value = out
	L.SetMetatable(stdout, mt)
	stderr := L.NewUserData()
	stderr.Value = out
	L.SetMetatable(stderr, mt)
	ioLib.RawSetString("stdout", stdout)
	ioLib.RawSetString("stderr", stderr)

	// redirected is set once io.output names a real file; io.write then
	// goes through the library's own implementation.
	redirected := false
	origOutput := ioLib.RawGetString("output")
	origWrite := ioLib.RawGetString("write")

	ioLib.RawSetString("output", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		if top == 0 && !redirected {
			L.Push(stdout)
			return 1
		}
		if top > 0 && (L.Get(1) == stdout || L.Get(1) == stderr) {
			redirected = false
			L.Push(L.Get(1))
			return 1
		}
		L.Push(origOutput)
		for i := 1; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top, 1)
		if top > 0 {
			redirected = true
		}
		return 1
	}))

	origClose := ioLib.RawGetString("close")
	ioLib.RawSetString("close", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		if (top == 0 && !redirected) || (top > 0 && (L.Get(1) == stdout || L.Get(1) == stderr)) {
			L.Push(lua.LNil)
			L.Push(lua.LString("cannot close standard file"))
			return 2
		}
		L.Push(origClose)
		for i := 1; i <= top; i++ {
			L.Push(L.Get(i))
		}
		L.Call(top, lua.MultRet)
		return L.GetTop() - top
	}))

	ioLib.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		if redirected {
			top := L.GetTop()
			L.Push(origWrite)
			for i := 1; i <= top; i++ {
				L.Push(L.Get(i))
			}
			L.Call(top, lua.MultRet)
			return L.GetTop() - top
		}
		writeArgs(L, out, 1)
		L.Push(stdout)
		return 1
	}))
}

// writeArgs writes the string and number arguments from index from on.
func writeArgs(L *lua.LState, out *outputBuffer, from int) {
	top := L.GetTop()
	for i := from; i <= top; i++ {
		var s string
		switch v := L.Get(i).(type) {
		case lua.LString:
			s = string(v)
		case lua.LNumber:
			s = v.String()
		default:
			L.ArgError(i, fmt.Sprintf("string expected, got %s", v.Type()))
			return
		}
		if _, err := out.Write([]byte(s)); err != nil {
			L.RaiseError("%s", err.Error())
		}
	}
}

func pushTrue(L *lua.LState) int {
	L.Push(lua.LTrue)
	return 1
}
