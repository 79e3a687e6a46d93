package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/pluginhost/internal/plugin"
)

// Runtime runs one plugin inside its own sandboxed LState. The state is
// created on Load and discarded on Close, so nothing a script defines
// survives a reload.
type Runtime struct {
	desc *plugin.Descriptor
	opts []StateOption

	mu    sync.Mutex
	state *State
}

// Factory returns the runtime factory for Lua plugins. opts apply to every
// state it creates.
func Factory(opts ...StateOption) plugin.RuntimeFactory {
	return func(desc *plugin.Descriptor) (plugin.Runtime, error) {
		if desc.Main == "" {
			return nil, plugin.ErrNoEntryPoint
		}
		return &Runtime{desc: desc, opts: opts}, nil
	}
}

// Load creates the plugin's state, runs its entry file and then calls
// on_load if the script defines it.
func (r *Runtime) Load(ctx context.Context, svc *plugin.Services) error {
	mod := &hostModule{svc: svc, state: r.current}

	opts := append([]StateOption{}, r.opts...)
	opts = append(opts,
		WithModule(ModuleName, mod.loader),
		WithPrint(func(msg string) {
			svc.Logger.Info(msg, "source", "print")
		}),
	)
	state, err := NewState(opts...)
	if err != nil {
		return fmt.Errorf("creating lua state: %w", err)
	}

	r.mu.Lock()
	if r.state != nil {
		r.mu.Unlock()
		state.Close()
		return errors.New("lua runtime already loaded")
	}
	r.state = state
	r.mu.Unlock()

	main := r.desc.MainPath()
	if err := state.DoFile(ctx, main); err != nil {
		return fmt.Errorf("running %s: %w", main, err)
	}
	return r.hook(ctx, plugin.HookLoad)
}

func (r *Runtime) Enable(ctx context.Context) error {
	return r.hook(ctx, plugin.HookEnable)
}

func (r *Runtime) Disable(ctx context.Context) error {
	return r.hook(ctx, plugin.HookDisable)
}

func (r *Runtime) Unload(ctx context.Context) error {
	return r.hook(ctx, plugin.HookUnload)
}

// Close discards the state.
func (r *Runtime) Close() error {
	r.mu.Lock()
	state := r.state
	r.state = nil
	r.mu.Unlock()
	if state == nil {
		return nil
	}
	return state.Close()
}

func (r *Runtime) current() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// hook calls the global named after hook. Hooks a script does not define
// succeed. A hook returning false or nil followed by a message fails.
func (r *Runtime) hook(ctx context.Context, hook plugin.Hook) error {
	state := r.current()
	if state == nil {
		return ErrStateClosed
	}
	if !state.HasFunction(string(hook)) {
		return nil
	}
	results, err := state.Call(ctx, string(hook))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	failed := results[0] == lua.LNil && len(results) > 1
	if ok, isBool := results[0].(lua.LBool); isBool && !bool(ok) {
		failed = true
	}
	if failed {
		msg := string(hook) + " returned false"
		if len(results) > 1 {
			msg = results[1].String()
		}
		return errors.New(msg)
	}
	return nil
}
