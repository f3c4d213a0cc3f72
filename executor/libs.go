package executor

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Lib names one of the standard libraries shipped with the interpreter.
type Lib string

const (
	LibPackage   Lib = "package"
	LibBase      Lib = "base"
	LibTable     Lib = "table"
	LibIO        Lib = "io"
	LibOS        Lib = "os"
	LibString    Lib = "string"
	LibMath      Lib = "math"
	LibDebug     Lib = "debug"
	LibChannel   Lib = "channel"
	LibCoroutine Lib = "coroutine"
)

type libEntry struct {
	lib  Lib
	name string
	open lua.LGFunction
}

// Opening order follows lua.OpenLibs: package must precede the others so
// they can register in package.loaded.
var stdlibs = []libEntry{
	{LibPackage, lua.LoadLibName, lua.OpenPackage},
	{LibBase, lua.BaseLibName, lua.OpenBase},
	{LibTable, lua.TabLibName, lua.OpenTable},
	{LibIO, lua.IoLibName, lua.OpenIo},
	{LibOS, lua.OsLibName, lua.OpenOs},
	{LibString, lua.StringLibName, lua.OpenString},
	{LibMath, lua.MathLibName, lua.OpenMath},
	{LibDebug, lua.DebugLibName, lua.OpenDebug},
	{LibChannel, lua.ChannelLibName, lua.OpenChannel},
	{LibCoroutine, lua.CoroutineLibName, lua.OpenCoroutine},
}

// AllLibs returns every standard library in opening order.
func AllLibs() []Lib {
	libs := make([]Lib, len(stdlibs))
	for i, e := range stdlibs {
		libs[i] = e.lib
	}
	return libs
}

// SafeLibs excludes io, os, debug and channel. Because io is absent, states
// opened with these libraries also lose the base and package file loaders.
func SafeLibs() []Lib {
	return []Lib{LibPackage, LibBase, LibTable, LibString, LibMath, LibCoroutine}
}

// ParseLibs accepts library names, plus "all" and "safe" as shorthands.
func ParseLibs(names []string) ([]Lib, error) {
	var libs []Lib
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch n {
		case "":
			continue
		case "all":
			libs = append(libs, AllLibs()...)
			continue
		case "safe":
			libs = append(libs, SafeLibs()...)
			continue
		}
		if !knownLib(Lib(n)) {
			return nil, fmt.Errorf("unknown library %q", n)
		}
		libs = append(libs, Lib(n))
	}
	return libs, nil
}

func knownLib(l Lib) bool {
	for _, e := range stdlibs {
		if e.lib == l {
			return true
		}
	}
	return false
}

// OpenLibs registers the requested standard libraries into L. Unknown
// names are ignored; duplicates are opened once. Without io, dofile,
// loadfile and file-based require are removed so scripts reach host files
// only through fs mounts.
func OpenLibs(L *lua.LState, libs []Lib) {
	want := make(map[Lib]bool, len(libs))
	for _, l := range libs {
		want[l] = true
	}
	for _, e := range stdlibs {
		if !want[e.lib] {
			continue
		}
		L.Push(L.NewFunction(e.open))
		L.Push(lua.LString(e.name))
		L.Call(1, 0)
	}
	if !want[LibIO] {
		removeFileLoaders(L)
	}
}

// removeFileLoaders drops every loader that reads from the host
// filesystem. require keeps working for modules in package.preload.
func removeFileLoaders(L *lua.LState) {
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)

	pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable)
	if !ok {
		return
	}
	loaders := L.CreateTable(1, 0)
	if old, ok := pkg.RawGetString("loaders").(*lua.LTable); ok {
		// The first loader searches package.preload.
		if preload := old.RawGetInt(1); preload != lua.LNil {
			loaders.RawSetInt(1, preload)
		}
	}
	pkg.RawSetString("loaders", loaders)
	L.SetField(L.Get(lua.RegistryIndex), "_LOADERS", loaders)
	pkg.RawSetString("path", lua.LString(""))
	pkg.RawSetString("cpath", lua.LString(""))
}
