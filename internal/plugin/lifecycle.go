package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/permission"
)

// acquire takes the plugin's transition lock, giving up when ctx ends.
func (m *Manager) acquire(ctx context.Context, inst *Instance) error {
	if err := inst.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for plugin %q: %w", inst.Name(), err)
	}
	return nil
}

// load moves a plugin from Discovered to Loaded. Any failure faults it.
func (m *Manager) load(ctx context.Context, inst *Instance) error {
	if err := m.acquire(ctx, inst); err != nil {
		return err
	}
	defer inst.lock.Release(1)

	name := inst.Name()
	if s := inst.State(); s != StateDiscovered {
		return &TransitionError{Plugin: name, From: s, To: StateLoaded}
	}
	for _, dep := range inst.desc.Dependencies {
		d := m.lookup(dep)
		if d == nil {
			err := &MissingDependencyError{Dependant: name, Missing: dep}
			inst.setErr(err)
			return err
		}
		if s := d.State(); !s.IsResident() {
			err := &DependencyNotReadyError{Plugin: name, Dependency: dep, State: s, Want: "loaded"}
			inst.setErr(err)
			return err
		}
	}

	err := m.doLoad(ctx, inst)
	m.metrics.Transition(name, "load", err)
	return err
}

func (m *Manager) doLoad(ctx context.Context, inst *Instance) error {
	name := inst.Name()

	factory, ok := m.factories[inst.desc.Runtime]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownRuntime, inst.desc.Runtime)
		m.fault(inst, err, nil)
		return err
	}
	rt, err := factory(inst.desc)
	if err != nil {
		err = fmt.Errorf("creating %s runtime: %w", inst.desc.Runtime, err)
		m.fault(inst, err, nil)
		return err
	}
	inst.mu.Lock()
	inst.runtime = rt
	inst.mu.Unlock()

	svc, err := m.prepare(inst)
	if err != nil {
		m.fault(inst, err, nil)
		return err
	}

	pending, err := m.runHook(ctx, name, HookLoad, func(ctx context.Context) error {
		return rt.Load(ctx, svc)
	})
	if err != nil {
		m.fault(inst, err, pending)
		return err
	}

	inst.mu.Lock()
	inst.deps = append([]string(nil), inst.desc.Dependencies...)
	inst.mu.Unlock()
	inst.setState(StateLoaded, nil)
	inst.logger.Info("plugin loaded", "version", inst.desc.Version, "runtime", inst.desc.Runtime)
	m.emit(name, EventLoaded, nil)
	return nil
}

// prepare builds the plugin's data directory, config view, key-value store
// and permission evaluator.
func (m *Manager) prepare(inst *Instance) (*Services, error) {
	desc := inst.desc

	dataDir := filepath.Join(m.cfg.DataDir, desc.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	doc, err := m.store.Load(desc.Name)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	overrides, err := permission.Build(doc.Permissions)
	if err != nil {
		return nil, fmt.Errorf("loading permission overrides: %w", err)
	}
	perms := permission.NewStore(inst.defaults.Overlay(overrides...))

	values := desc.ConfigDefaults()
	for k, v := range doc.Values {
		values[k] = v
	}
	if err := desc.ValidateConfig(values); err != nil {
		return nil, err
	}

	kv, err := config.OpenKV(filepath.Join(dataDir, config.KVFile))
	if err != nil {
		return nil, fmt.Errorf("opening state: %w", err)
	}

	evaluator := permission.NewEvaluator(desc.Name, perms,
		permission.WithLogger(inst.logger),
		permission.WithRecorder(m.metrics),
	)

	inst.mu.Lock()
	inst.dataDir = dataDir
	inst.config = values
	inst.kv = kv
	inst.perms = perms
	inst.evaluator = evaluator
	inst.mu.Unlock()

	svcConfig := make(map[string]any, len(values))
	for k, v := range values {
		svcConfig[k] = v
	}
	svc := &Services{
		Name:        desc.Name,
		Version:     desc.Version,
		Logger:      inst.logger,
		Transport:   m.transport,
		Config:      svcConfig,
		DataDir:     dataDir,
		KV:          kv,
		Permissions: evaluator,
		Plugins:     directory{m},
	}
	if m.commands != nil {
		svc.Commands = pluginCommands{plugin: desc.Name, registry: m.commands}
	}
	return svc, nil
}

// enable moves a Loaded or Disabled plugin to Enabled. Enabling an enabled
// plugin is a no-op.
func (m *Manager) enable(ctx context.Context, inst *Instance) error {
	if err := m.acquire(ctx, inst); err != nil {
		return err
	}
	defer inst.lock.Release(1)

	name := inst.Name()
	s := inst.State()
	if s == StateEnabled {
		return nil
	}
	if !s.IsInert() {
		return &TransitionError{Plugin: name, From: s, To: StateEnabled}
	}
	for _, dep := range inst.Dependencies() {
		ds := StateUnloaded
		if d := m.lookup(dep); d != nil {
			ds = d.State()
		}
		if ds != StateEnabled {
			err := &DependencyNotReadyError{Plugin: name, Dependency: dep, State: ds, Want: "enabled"}
			inst.setErr(err)
			return err
		}
	}

	rt := inst.currentRuntime()
	pending, err := m.runHook(ctx, name, HookEnable, rt.Enable)
	m.metrics.Transition(name, "enable", err)
	if err != nil {
		return m.hookFailed(inst, err, pending)
	}

	inst.mu.Lock()
	inst.state = StateEnabled
	inst.err = nil
	inst.enableTime = m.now()
	inst.mu.Unlock()
	inst.logger.Info("plugin enabled")
	m.emit(name, EventEnabled, nil)
	return nil
}

// disable moves an Enabled plugin to Disabled once no dependant is enabled.
// Disabling an inert plugin is a no-op.
func (m *Manager) disable(ctx context.Context, inst *Instance) error {
	if err := m.acquire(ctx, inst); err != nil {
		return err
	}
	defer inst.lock.Release(1)

	name := inst.Name()
	s := inst.State()
	if s.IsInert() {
		return nil
	}
	if s != StateEnabled {
		return &TransitionError{Plugin: name, From: s, To: StateDisabled}
	}
	for _, d := range m.dependantsOf(name) {
		if ds := d.State(); ds == StateEnabled {
			return &DependantActiveError{Plugin: name, Dependant: d.Name(), State: ds}
		}
	}

	rt := inst.currentRuntime()
	pending, err := m.runHook(ctx, name, HookDisable, rt.Disable)
	m.metrics.Transition(name, "disable", err)
	if err != nil {
		return m.hookFailed(inst, err, pending)
	}

	inst.setState(StateDisabled, nil)
	inst.logger.Info("plugin disabled")
	m.emit(name, EventDisabled, nil)
	return nil
}

// unloadMode selects how strictly unload guards a teardown.
type unloadMode int

const (
	// unloadStrict requires every dependant to be gone.
	unloadStrict unloadMode = iota
	// unloadReplace allows dependants that are loaded but not enabled; they
	// reattach by name once the plugin is loaded again.
	unloadReplace
	// unloadForce tears down regardless of state and dependants, and a
	// failing hook does not stop it. Shutdown uses this.
	unloadForce
)

// unload tears a Loaded or Disabled plugin down.
func (m *Manager) unload(ctx context.Context, inst *Instance, mode unloadMode) error {
	if err := m.acquire(ctx, inst); err != nil {
		return err
	}
	defer inst.lock.Release(1)

	name := inst.Name()
	force := mode == unloadForce
	s := inst.State()
	switch {
	case s == StateUnloaded:
		return nil
	case !s.IsResident() && force:
		return nil
	case !s.IsInert() && !force:
		return &TransitionError{Plugin: name, From: s, To: StateUnloaded}
	}
	for _, d := range m.dependantsOf(name) {
		ds := d.State()
		blocked := ds.IsResident()
		if mode == unloadReplace {
			blocked = ds == StateEnabled
		}
		if !blocked {
			continue
		}
		if !force {
			return &DependantActiveError{Plugin: name, Dependant: d.Name(), State: ds}
		}
		inst.logger.Warn("unloading with resident dependant", "dependant", d.Name(), "state", ds)
	}

	rt := inst.currentRuntime()
	pending, err := m.runHook(ctx, name, HookUnload, rt.Unload)
	m.metrics.Transition(name, "unload", err)
	if err != nil {
		if !force || IsCancellation(err) {
			return m.hookFailed(inst, err, pending)
		}
		inst.logger.Warn("unload hook failed, tearing down anyway", "error", err)
	}

	m.closeRuntime(inst, inst.takeRuntime(), pending)
	inst.setState(StateUnloaded, err)
	inst.logger.Info("plugin unloaded")
	m.emit(name, EventUnloaded, nil)
	return err
}

// hookFailed records a failed hook. Cancelled hooks fault the plugin; other
// failures leave its state unchanged.
func (m *Manager) hookFailed(inst *Instance, err error, pending <-chan struct{}) error {
	if IsCancellation(err) {
		m.fault(inst, err, pending)
		return err
	}
	inst.setErr(err)
	inst.logger.Warn("hook failed", "error", err)
	return err
}

// fault moves a plugin to Faulted and closes its runtime.
func (m *Manager) fault(inst *Instance, err error, pending <-chan struct{}) {
	inst.setState(StateFaulted, err)
	m.closeRuntime(inst, inst.takeRuntime(), pending)
	inst.logger.Error("plugin faulted", "error", err)
	m.emit(inst.Name(), EventFaulted, err)
}

// closeRuntime closes rt, waiting for an abandoned hook to return first.
func (m *Manager) closeRuntime(inst *Instance, rt Runtime, pending <-chan struct{}) {
	if rt == nil {
		return
	}
	if m.commands != nil {
		if n := m.commands.RemovePlugin(inst.Name()); n > 0 {
			inst.logger.Debug("commands removed", "count", n)
		}
	}
	closeFn := func() {
		if err := rt.Close(); err != nil {
			inst.logger.Warn("closing runtime", "error", err)
		}
	}
	if pending == nil {
		closeFn()
		return
	}
	go func() {
		<-pending
		closeFn()
	}()
}
