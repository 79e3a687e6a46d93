package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// builtinModules are gopher-lua libraries a script may require.
var builtinModules = []string{"string", "table", "math"}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	// modules require() may load
	allowed map[string]bool
}

// NewSandbox creates a sandbox allowing the builtin libraries plus the named
// preloaded modules.
func NewSandbox(L *lua.LState, modules ...string) *Sandbox {
	s := &Sandbox{L: L, allowed: make(map[string]bool)}
	for _, m := range builtinModules {
		s.allowed[m] = true
	}
	for _, m := range modules {
		s.allowed[m] = true
	}
	return s
}

// Install sets up the sandbox restrictions. A non-nil printFn receives what
// scripts print instead of stdout.
func (s *Sandbox) Install(printFn func(msg string)) {
	// Functions that load code from disk or strings
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "module"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	if printFn != nil {
		s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.ToStringMeta(L.Get(i)).String())
			}
			printFn(strings.Join(parts, "\t"))
			return 0
		}))
	}

	s.installSafeRequire()
}

// installSafeRequire clears the module search paths and replaces require with
// a whitelist-based version. Only builtin libraries and preloaded modules load.
func (s *Sandbox) installSafeRequire() {
	if pkg, ok := s.L.GetGlobal("package").(*lua.LTable); ok {
		s.L.SetField(pkg, "path", lua.LString(""))
		s.L.SetField(pkg, "cpath", lua.LString(""))
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if !s.allowed[modName] {
			L.RaiseError("module %q is not available", modName)
			return 0
		}
		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}

// Allowed returns true if require(name) is permitted.
func (s *Sandbox) Allowed(name string) bool {
	return s.allowed[name]
}
