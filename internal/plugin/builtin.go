package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Plugin is the hook set of a plugin written in Go and compiled into the host.
type Plugin interface {
	OnLoad(ctx context.Context, svc *Services) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	OnUnload(ctx context.Context) error
}

// Builtin registers a compiled-in plugin. New is called on every load so that
// each load starts from fresh state.
type Builtin struct {
	Descriptor *Descriptor
	New        func() Plugin
}

// Funcs adapts plain functions to Plugin. Nil functions succeed.
type Funcs struct {
	Load    func(ctx context.Context, svc *Services) error
	Enable  func(ctx context.Context) error
	Disable func(ctx context.Context) error
	Unload  func(ctx context.Context) error
}

func (f Funcs) OnLoad(ctx context.Context, svc *Services) error {
	if f.Load == nil {
		return nil
	}
	return f.Load(ctx, svc)
}

func (f Funcs) OnEnable(ctx context.Context) error {
	if f.Enable == nil {
		return nil
	}
	return f.Enable(ctx)
}

func (f Funcs) OnDisable(ctx context.Context) error {
	if f.Disable == nil {
		return nil
	}
	return f.Disable(ctx)
}

func (f Funcs) OnUnload(ctx context.Context) error {
	if f.Unload == nil {
		return nil
	}
	return f.Unload(ctx)
}

// builtinRuntime owns one Plugin value for the lifetime of a load.
type builtinRuntime struct {
	mu     sync.Mutex
	plugin Plugin
}

func newBuiltinRuntime(b *Builtin) (Runtime, error) {
	if b.New == nil {
		return nil, fmt.Errorf("builtin %s: no constructor", b.Descriptor.Name)
	}
	p := b.New()
	if p == nil {
		return nil, fmt.Errorf("builtin %s: constructor returned nil", b.Descriptor.Name)
	}
	return &builtinRuntime{plugin: p}, nil
}

func (r *builtinRuntime) current() (Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plugin == nil {
		return nil, fmt.Errorf("runtime closed")
	}
	return r.plugin, nil
}

func (r *builtinRuntime) Load(ctx context.Context, svc *Services) error {
	p, err := r.current()
	if err != nil {
		return err
	}
	return p.OnLoad(ctx, svc)
}

func (r *builtinRuntime) Enable(ctx context.Context) error {
	p, err := r.current()
	if err != nil {
		return err
	}
	return p.OnEnable(ctx)
}

func (r *builtinRuntime) Disable(ctx context.Context) error {
	p, err := r.current()
	if err != nil {
		return err
	}
	return p.OnDisable(ctx)
}

func (r *builtinRuntime) Unload(ctx context.Context) error {
	p, err := r.current()
	if err != nil {
		return err
	}
	return p.OnUnload(ctx)
}

// Close drops the plugin value so its state can be collected.
func (r *builtinRuntime) Close() error {
	r.mu.Lock()
	r.plugin = nil
	r.mu.Unlock()
	return nil
}
