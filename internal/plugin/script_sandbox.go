package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var errOutsideSandbox = errors.New("path escapes plugin directory")

// openSafeLibs opens the restricted standard library: no os, io or debug, no dofile or
// loadfile, and a package.path that only resolves modules inside dir.
func openSafeLibs(L *lua.LState, dir string) {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
	for _, lib := range libs {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	for _, name := range []string{"dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
	}

	slashed := filepath.ToSlash(dir)
	if pkg, ok := L.GetGlobal(lua.LoadLibName).(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(slashed+"/?.lua;"+slashed+"/?/init.lua"))
		L.SetField(pkg, "cpath", lua.LString(""))
	}

	L.PreloadModule("fs", sandboxFS(dir))
}

// sandboxFS builds the "fs" module. Every path is resolved relative to dir and rejected
// when it leaves it.
func sandboxFS(dir string) lua.LGFunction {
	resolve := func(L *lua.LState) (string, bool) {
		p, err := sandboxPath(dir, L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return "", false
		}
		return p, true
	}

	fns := map[string]lua.LGFunction{
		"read": func(L *lua.LState) int {
			p, ok := resolve(L)
			if !ok {
				return 2
			}
			data, err := os.ReadFile(p)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LString(data))
			return 1
		},
		"write": func(L *lua.LState) int {
			p, ok := resolve(L)
			if !ok {
				return 2
			}
			data := L.CheckString(2)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
		"exists": func(L *lua.LState) int {
			p, ok := resolve(L)
			if !ok {
				return 2
			}
			_, err := os.Stat(p)
			L.Push(lua.LBool(err == nil))
			return 1
		},
		"remove": func(L *lua.LState) int {
			p, ok := resolve(L)
			if !ok {
				return 2
			}
			if err := os.RemoveAll(p); err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
		"list": func(L *lua.LState) int {
			p, ok := resolve(L)
			if !ok {
				return 2
			}
			entries, err := os.ReadDir(p)
			if err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			tbl := L.NewTable()
			for _, e := range entries {
				tbl.Append(lua.LString(e.Name()))
			}
			L.Push(tbl)
			return 1
		},
	}

	return func(L *lua.LState) int {
		L.Push(L.SetFuncs(L.NewTable(), fns))
		return 1
	}
}

func sandboxPath(dir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.ToSlash(name), "/") {
		return "", fmt.Errorf("%w: %s", errOutsideSandbox, name)
	}
	p := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideSandbox, name)
	}
	return p, nil
}
