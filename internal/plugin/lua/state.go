package lua

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// DefaultCallStackSize bounds Lua call depth.
const DefaultCallStackSize = 256

// State wraps gopher-lua with sandboxing and context-aware execution.
//
// gopher-lua's LState is not goroutine-safe. The mutex serialises every call
// from Go; a running script is interrupted through the context passed to it.
type State struct {
	L *lua.LState

	mu sync.Mutex

	callStackSize int
	modules       map[string]lua.LGFunction
	print         func(msg string)

	sandbox *Sandbox
	closed  bool
}

// StateOption customises NewState.
type StateOption func(*State)

// WithCallStackSize sets the maximum Lua call depth.
func WithCallStackSize(n int) StateOption {
	return func(s *State) {
		s.callStackSize = n
	}
}

// WithModule makes a Go module loadable with require(name).
func WithModule(name string, loader lua.LGFunction) StateOption {
	return func(s *State) {
		s.modules[name] = loader
	}
}

// WithPrint redirects the Lua print function.
func WithPrint(fn func(msg string)) StateOption {
	return func(s *State) {
		s.print = fn
	}
}

// NewState opens an LState with the safe libraries, preloads the registered
// modules and installs the sandbox.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		callStackSize: DefaultCallStackSize,
		modules:       make(map[string]lua.LGFunction),
	}
	for _, opt := range opts {
		opt(state)
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: state.callStackSize,
	})
	state.L = L

	openSafeLibraries(L)

	names := make([]string, 0, len(state.modules))
	for name, loader := range state.modules {
		L.PreloadModule(name, loader)
		names = append(names, name)
	}

	state.sandbox = NewSandbox(L, names...)
	state.sandbox.Install(state.print)

	return state, nil
}

// openSafeLibraries opens package, base, table, string and math.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// DoFile executes a Lua file. Execution stops with an error once ctx is done.
func (s *State) DoFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return s.withContext(ctx, func() error {
		return s.L.DoFile(path)
	})
}

// DoString executes a Lua string. Execution stops with an error once ctx is done.
func (s *State) DoString(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	return s.withContext(ctx, func() error {
		return s.L.DoString(code)
	})
}

// withContext runs fn with ctx installed on the LState, recovering panics.
func (s *State) withContext(ctx context.Context, fn func() error) (err error) {
	if ctx != nil {
		s.L.SetContext(ctx)
		defer s.L.RemoveContext()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	err = fn()
	if err != nil && ctx != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

// HasFunction returns true if the global name holds a function.
func (s *State) HasFunction(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// Call invokes the global function fn. A call that yields nothing returns an
// empty, non-nil slice.
func (s *State) Call(ctx context.Context, fn string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal == lua.LNil {
		return nil, fmt.Errorf("%w: %s", ErrNoFunction, fn)
	}
	if fnVal.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%q is not a function (got %s)", fn, fnVal.Type())
	}
	return s.callLocked(ctx, fnVal, func(*lua.LState) []lua.LValue { return args })
}

// CallFunction calls a Lua function value. args builds the arguments while the
// state is locked, so it may allocate tables and closures on L.
func (s *State) CallFunction(ctx context.Context, fn *lua.LFunction, args func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if args == nil {
		args = func(*lua.LState) []lua.LValue { return nil }
	}
	return s.callLocked(ctx, fn, args)
}

func (s *State) callLocked(ctx context.Context, fnVal lua.LValue, args func(L *lua.LState) []lua.LValue) ([]lua.LValue, error) {
	stackTop := s.L.GetTop()

	var results []lua.LValue
	err := s.withContext(ctx, func() error {
		argv := args(s.L)
		s.L.Push(fnVal)
		for _, arg := range argv {
			s.L.Push(arg)
		}
		if err := s.L.PCall(len(argv), lua.MultRet, nil); err != nil {
			return err
		}

		nRet := s.L.GetTop() - stackTop
		results = make([]lua.LValue, 0, max(nRet, 0))
		for i := 0; i < nRet; i++ {
			results = append(results, s.L.Get(stackTop+i+1))
		}
		return nil
	})
	s.L.SetTop(stackTop)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// GetGlobal reads a global, or LNil once closed.
func (s *State) GetGlobal(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// SetGlobal assigns a global. It does nothing once closed.
func (s *State) SetGlobal(name string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.SetGlobal(name, value)
}

// Sandbox returns the state's sandbox.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed reports whether Close has run.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the LState down. Later calls fail with ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
