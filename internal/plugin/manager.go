package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/metrics"
	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/transport"
)

// Manager manages the lifecycle of all plugins.
// It handles discovery, dependency ordering, transitions and event dispatching.
type Manager struct {
	mu sync.RWMutex

	// Loader for plugin discovery
	loader *Loader

	// Registered plugins by name
	instances map[string]*Instance

	// Registration order (for deterministic iteration)
	order []string

	// Load order of the last batch
	batch []string

	// Per-name registration slots. Whoever swaps the instance of a name holds
	// its slot until the new instance has been brought up.
	slots map[string]*semaphore.Weighted

	// Event handlers (protected by hmu)
	hmu         sync.RWMutex
	handlers    []subscription
	nextHandler uint64

	builtins    []*Builtin
	factories   map[string]RuntimeFactory
	cfg         Config
	logger      hclog.Logger
	transport   transport.Transport
	store       config.Store
	metrics     *metrics.Metrics
	commands    *command.Registry
	now         func() time.Time
	hookTimeout time.Duration
	hostVersion *semver.Version
}

// Config configures the plugin manager.
type Config struct {
	// PluginPaths are directories to search for plugins
	PluginPaths []string

	// DataDir holds one data directory per plugin
	DataDir string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the host logger. Plugins get named sub-loggers.
func WithLogger(logger hclog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRuntime registers the factory for a runtime kind.
func WithRuntime(kind string, factory RuntimeFactory) Option {
	return func(m *Manager) {
		m.factories[kind] = factory
	}
}

// WithBuiltin registers a compiled-in plugin. Builtins are discovered before
// filesystem plugins, in registration order.
func WithBuiltin(b *Builtin) Option {
	return func(m *Manager) {
		m.builtins = append(m.builtins, b)
	}
}

// WithTransport sets the transport exposed to plugins.
func WithTransport(t transport.Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithConfigStore sets where plugin config documents are read from.
func WithConfigStore(s config.Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithCommands sets the registry plugins add chat commands to.
func WithCommands(r *command.Registry) Option {
	return func(m *Manager) {
		m.commands = r
	}
}

// WithClock sets the clock used for enable times and events.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithHookTimeout bounds every lifecycle hook. Zero disables the bound.
func WithHookTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.hookTimeout = d
	}
}

// WithHostVersion sets the version checked against descriptor hostVersion
// constraints. An unparsable version disables the check.
func WithHostVersion(v string) Option {
	return func(m *Manager) {
		if hv, err := semver.NewVersion(v); err == nil {
			m.hostVersion = hv
		}
	}
}

// NewManager creates a new plugin manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(os.TempDir(), "pluginhost")
	}
	m := &Manager{
		loader:      NewLoader(WithPaths(cfg.PluginPaths...)),
		instances:   make(map[string]*Instance),
		slots:       make(map[string]*semaphore.Weighted),
		factories:   make(map[string]RuntimeFactory),
		cfg:         cfg,
		logger:      hclog.NewNullLogger(),
		store:       config.NewMemoryStore(),
		now:         time.Now,
		hookTimeout: DefaultHookTimeout,
	}
	byName := make(map[string]*Builtin)
	m.factories[RuntimeBuiltin] = func(desc *Descriptor) (Runtime, error) {
		b, ok := byName[desc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: builtin %s", ErrPluginNotFound, desc.Name)
		}
		return newBuiltinRuntime(b)
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, b := range m.builtins {
		if b != nil && b.Descriptor != nil {
			if _, dup := byName[b.Descriptor.Name]; !dup {
				byName[b.Descriptor.Name] = b
			}
		}
	}
	return m
}

// Loader returns the underlying loader for advanced operations.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Discover lists every plugin the host can see: builtins first, then
// filesystem plugins. The returned error joins the invalid plugins; it is
// not fatal and the descriptors are still usable.
func (m *Manager) Discover(ctx context.Context) ([]*Descriptor, error) {
	descs, failures, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Plugin, f.Err))
	}
	return descs, errors.Join(errs...)
}

func (m *Manager) discover(ctx context.Context) ([]*Descriptor, []Failure, error) {
	var (
		descs    []*Descriptor
		failures []Failure
	)
	for _, b := range m.builtins {
		d, err := builtinDescriptor(b)
		if err != nil {
			failures = append(failures, Failure{Plugin: builtinName(b), Err: err})
			continue
		}
		descs = append(descs, d)
	}

	found, ff, err := m.loader.Discover(ctx)
	if err != nil {
		return nil, nil, err
	}
	descs = append(descs, found...)
	failures = append(failures, ff...)

	out := descs[:0]
	for _, d := range descs {
		if err := d.SupportsHost(m.hostVersion); err != nil {
			failures = append(failures, Failure{Plugin: d.Name, Err: err})
			continue
		}
		out = append(out, d)
	}
	for _, f := range failures {
		m.logger.Warn("plugin discovery failed", "plugin", f.Plugin, "error", f.Err)
	}
	return out, failures, nil
}

func builtinDescriptor(b *Builtin) (*Descriptor, error) {
	if b == nil || b.Descriptor == nil {
		return nil, ErrNilDescriptor
	}
	d := b.Descriptor.Clone()
	d.Runtime = RuntimeBuiltin
	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, &DescriptorError{Path: "builtin:" + d.Name, Err: err}
	}
	return d, nil
}

func builtinName(b *Builtin) string {
	if b == nil || b.Descriptor == nil {
		return "builtin"
	}
	return b.Descriptor.Name
}

// findDescriptor re-discovers a single plugin by name.
func (m *Manager) findDescriptor(ctx context.Context, name string) (*Descriptor, error) {
	for _, b := range m.builtins {
		if builtinName(b) == name {
			return builtinDescriptor(b)
		}
	}
	d, err := m.loader.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := d.SupportsHost(m.hostVersion); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadAll discovers, resolves, loads and enables every plugin. Resident
// plugins keep their instance and state, so a plugin disabled earlier stays
// disabled. Each plugin succeeds or fails on its own.
func (m *Manager) LoadAll(ctx context.Context) *Report {
	report := &Report{}

	descs, failures, err := m.discover(ctx)
	if err != nil {
		report.add("", OpDiscover, err)
		return report
	}
	for _, f := range failures {
		report.add(f.Plugin, OpDiscover, f.Err)
	}

	res := Resolve(descs)
	for _, f := range res.Failures {
		m.logger.Warn("plugin excluded", "plugin", f.Plugin, "kind", FailureKind(f.Err), "error", f.Err)
		report.add(f.Plugin, OpResolve, f.Err)
	}

	for _, inst := range m.register(descs, res) {
		m.bringUp(ctx, inst, report)
		m.releaseSlot(inst.Name())
	}
	m.recordStates()
	return report
}

// bringUp loads a plugin if needed and enables it.
func (m *Manager) bringUp(ctx context.Context, inst *Instance, report *Report) {
	name := inst.Name()
	if !inst.State().IsResident() {
		if err := m.load(ctx, inst); err != nil {
			report.add(name, OpLoad, err)
			return
		}
	}
	if err := m.enable(ctx, inst); err != nil {
		inst.logger.Warn("plugin not enabled", "kind", FailureKind(err), "error", err)
		report.add(name, OpEnable, err)
		return
	}
	report.add(name, OpEnable, nil)
}

// register records a batch in the registry and returns the new instances to
// bring up in load order, holding their slots. Resident plugins keep their
// instance, and so do names whose slot is taken by a reload. Plugins that are
// no longer discovered and not resident are dropped.
func (m *Manager) register(descs []*Descriptor, res Resolution) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(descs))
	claimed := make(map[string]bool)
	for _, d := range descs {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		if cur, ok := m.instances[d.Name]; ok && cur.State().IsResident() {
			continue
		}
		if !m.slotLocked(d.Name).TryAcquire(1) {
			continue
		}
		claimed[d.Name] = true
		inst := newInstance(d, m.logger)
		inst.err = res.Failure(d.Name)
		if _, ok := m.instances[d.Name]; !ok {
			m.order = append(m.order, d.Name)
		}
		m.instances[d.Name] = inst
	}

	kept := m.order[:0]
	for _, name := range m.order {
		inst := m.instances[name]
		if !seen[name] && !inst.State().IsResident() {
			delete(m.instances, name)
			continue
		}
		kept = append(kept, name)
	}
	m.order = kept

	m.batch = res.Names()
	out := make([]*Instance, 0, len(claimed))
	for _, d := range res.Order {
		if claimed[d.Name] {
			out = append(out, m.instances[d.Name])
			delete(claimed, d.Name)
		}
	}
	// Excluded plugins are registered but not brought up.
	for name := range claimed {
		m.slots[name].Release(1)
	}
	return out
}

func (m *Manager) slotLocked(name string) *semaphore.Weighted {
	slot, ok := m.slots[name]
	if !ok {
		slot = semaphore.NewWeighted(1)
		m.slots[name] = slot
	}
	return slot
}

// acquireSlot waits for the registration slot of name.
func (m *Manager) acquireSlot(ctx context.Context, name string) error {
	m.mu.Lock()
	slot := m.slotLocked(name)
	m.mu.Unlock()
	if err := slot.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for plugin %q: %w", name, err)
	}
	return nil
}

func (m *Manager) releaseSlot(name string) {
	m.mu.RLock()
	slot := m.slots[name]
	m.mu.RUnlock()
	slot.Release(1)
}

// Enable enables one plugin, loading it first if it was only discovered.
func (m *Manager) Enable(ctx context.Context, name string) *Report {
	report := &Report{}
	inst := m.lookup(name)
	if inst == nil {
		report.add(name, OpEnable, fmt.Errorf("%w: %s", ErrPluginNotFound, name))
		return report
	}
	m.bringUp(ctx, inst, report)
	m.recordStates()
	return report
}

// Disable disables a plugin after stepping down every plugin that depends on
// it, deepest dependants first.
func (m *Manager) Disable(ctx context.Context, name string) *Report {
	report := &Report{}
	inst := m.lookup(name)
	if inst == nil {
		report.add(name, OpDisable, fmt.Errorf("%w: %s", ErrPluginNotFound, name))
		return report
	}

	closure := m.graph().DependantClosure(name)
	m.disableAll(ctx, closure, report)
	report.add(name, OpDisable, m.disable(ctx, inst))
	m.recordStates()
	return report
}

// disableAll disables the enabled plugins among names in reverse order.
func (m *Manager) disableAll(ctx context.Context, names []string, report *Report) {
	for i := len(names) - 1; i >= 0; i-- {
		d := m.lookup(names[i])
		if d == nil || d.State() != StateEnabled {
			continue
		}
		report.add(d.Name(), OpDisable, m.disable(ctx, d))
	}
}

// Reload replaces a plugin with a freshly discovered copy. Its dependants are
// disabled first and re-enabled afterwards if they were enabled before. If the
// plugin cannot be found or resolved again its dependants stay disabled.
// Reloads of one name are serialised, and LoadAll does not register that name
// while a reload holds it.
func (m *Manager) Reload(ctx context.Context, name string) *Report {
	report := &Report{}
	if m.lookup(name) == nil {
		report.add(name, OpLoad, fmt.Errorf("%w: %s", ErrPluginNotFound, name))
		return report
	}
	if err := m.acquireSlot(ctx, name); err != nil {
		report.add(name, OpLoad, err)
		return report
	}
	defer m.releaseSlot(name)

	inst := m.lookup(name)
	if inst == nil {
		report.add(name, OpLoad, fmt.Errorf("%w: %s", ErrPluginNotFound, name))
		return report
	}
	defer m.recordStates()

	closure := m.graph().DependantClosure(name)
	wasEnabled := make(map[string]bool, len(closure))
	for _, n := range closure {
		if d := m.lookup(n); d != nil && d.State() == StateEnabled {
			wasEnabled[n] = true
		}
	}

	m.disableAll(ctx, closure, report)

	if s := inst.State(); s.IsResident() {
		if err := m.disable(ctx, inst); err != nil {
			report.add(name, OpDisable, err)
			return report
		}
		if err := m.unload(ctx, inst, unloadReplace); err != nil {
			report.add(name, OpUnload, err)
			return report
		}
	}

	desc, err := m.findDescriptor(ctx, name)
	if err != nil {
		m.reloadFailed(inst, OpDiscover, err, report)
		return report
	}

	res := Resolve(m.descriptorsWith(desc))
	if err := res.Failure(name); err != nil {
		m.reloadFailed(inst, OpResolve, err, report)
		return report
	}

	fresh := newInstance(desc, m.logger)
	m.mu.Lock()
	if m.instances[name] != inst {
		// Shut down or dropped while reloading.
		m.mu.Unlock()
		report.add(name, OpLoad, fmt.Errorf("%w: %s", ErrPluginNotFound, name))
		return report
	}
	m.instances[name] = fresh
	m.batch = res.Names()
	m.mu.Unlock()

	m.bringUp(ctx, fresh, report)
	if fresh.State() != StateEnabled {
		return report
	}

	for _, n := range closure {
		if !wasEnabled[n] {
			continue
		}
		if d := m.lookup(n); d != nil {
			report.add(n, OpEnable, m.enable(ctx, d))
		}
	}
	return report
}

// shutdownOrder resolves the registered descriptors again and returns the
// reverse of that load order. Registered plugins the resolver excludes come
// first, in reverse name order; nothing resolved depends on them.
func (m *Manager) shutdownOrder() []string {
	res := Resolve(m.descriptors())
	order := res.Names()
	resolved := make(map[string]bool, len(order))
	for _, n := range order {
		resolved[n] = true
	}

	m.mu.RLock()
	var names []string
	for _, n := range m.order {
		if !resolved[n] {
			names = append(names, n)
		}
	}
	m.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for i := len(order) - 1; i >= 0; i-- {
		names = append(names, order[i])
	}
	return names
}

func (m *Manager) reloadFailed(inst *Instance, op Op, err error, report *Report) {
	inst.setState(StateFaulted, err)
	inst.logger.Error("reload failed", "kind", FailureKind(err), "error", err)
	m.emit(inst.Name(), EventFaulted, err)
	report.add(inst.Name(), op, err)
}

// ShutdownAll disables then unloads every resident plugin in reverse load
// order and clears the registry. Hook failures are logged and do not stop the
// teardown. Calling it again does nothing.
func (m *Manager) ShutdownAll(ctx context.Context) *Report {
	report := &Report{}

	for _, name := range m.shutdownOrder() {
		inst := m.lookup(name)
		if inst == nil || !inst.State().IsResident() {
			continue
		}
		if inst.State() == StateEnabled {
			if err := m.disable(ctx, inst); err != nil {
				inst.logger.Warn("disable failed during shutdown", "error", err)
				report.add(name, OpDisable, err)
			}
		}
		report.add(name, OpUnload, m.unload(ctx, inst, unloadForce))
	}

	m.mu.Lock()
	m.instances = make(map[string]*Instance)
	m.order = nil
	m.batch = nil
	m.mu.Unlock()

	m.recordStates()
	return report
}

// ReloadPermissions re-reads a plugin's config document and swaps its
// permission set in one step.
func (m *Manager) ReloadPermissions(name string) error {
	inst := m.lookup(name)
	if inst == nil {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}

	inst.mu.RLock()
	store := inst.perms
	inst.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("%w: %s", ErrNotResident, name)
	}

	doc, err := m.store.Load(name)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	overrides, err := permission.Build(doc.Permissions)
	if err != nil {
		return fmt.Errorf("loading permission overrides: %w", err)
	}
	store.Replace(inst.defaults.Overlay(overrides...))
	inst.logger.Info("permissions reloaded", "count", store.Current().Len())
	return nil
}

// Get returns a registered plugin.
func (m *Manager) Get(name string) (*Instance, bool) {
	inst := m.lookup(name)
	return inst, inst != nil
}

// List returns a snapshot of every registered plugin in registration order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	m.mu.RUnlock()

	out := make([]Info, 0, len(names))
	for _, name := range names {
		if info, ok := m.Info(name); ok {
			out = append(out, info)
		}
	}
	return out
}

// Info returns a snapshot of one plugin.
func (m *Manager) Info(name string) (Info, bool) {
	inst := m.lookup(name)
	if inst == nil {
		return Info{}, false
	}
	return inst.info(m.Dependants(name)), true
}

// Dependants returns the names of registered plugins depending on name.
func (m *Manager) Dependants(name string) []string {
	var out []string
	for _, d := range m.dependantsOf(name) {
		out = append(out, d.Name())
	}
	return out
}

// Dependencies returns the dependency names of a registered plugin.
func (m *Manager) Dependencies(name string) []string {
	if inst := m.lookup(name); inst != nil {
		return inst.Dependencies()
	}
	return nil
}

// Intents returns the union of intents declared by enabled plugins.
func (m *Manager) Intents() []Intent {
	var lists [][]Intent
	for _, inst := range m.snapshot() {
		if inst.State() == StateEnabled {
			lists = append(lists, inst.desc.Intents)
		}
	}
	return UnionIntents(lists...)
}

// Evaluator returns a loaded plugin's permission evaluator.
func (m *Manager) Evaluator(name string) (*permission.Evaluator, bool) {
	inst := m.lookup(name)
	if inst == nil {
		return nil, false
	}
	ev := inst.Evaluator()
	return ev, ev != nil
}

// LoadOrder returns the load order of the last batch.
func (m *Manager) LoadOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.batch...)
}

func (m *Manager) lookup(name string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[name]
}

// snapshot returns the registered instances in registration order.
func (m *Manager) snapshot() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.instances[name])
	}
	return out
}

func (m *Manager) dependantsOf(name string) []*Instance {
	var out []*Instance
	for _, inst := range m.snapshot() {
		if slices.Contains(inst.Dependencies(), name) {
			out = append(out, inst)
		}
	}
	return out
}

// descriptors returns the registered descriptors in registration order.
func (m *Manager) descriptors() []*Descriptor {
	insts := m.snapshot()
	out := make([]*Descriptor, len(insts))
	for i, inst := range insts {
		out[i] = inst.desc
	}
	return out
}

// descriptorsWith returns the registered descriptors with d replacing the
// descriptor of the same name, or appended if none is registered.
func (m *Manager) descriptorsWith(d *Descriptor) []*Descriptor {
	descs := m.descriptors()
	for i, cur := range descs {
		if cur.Name == d.Name {
			descs[i] = d
			return descs
		}
	}
	return append(descs, d)
}

func (m *Manager) graph() *Graph {
	return NewGraph(m.descriptors())
}

func (m *Manager) recordStates() {
	counts := make(map[string]int)
	for _, inst := range m.snapshot() {
		counts[inst.State().String()]++
	}
	m.metrics.SetPluginStates(counts)
}

// directory is the read-only registry view handed to plugins.
type directory struct {
	m *Manager
}

func (d directory) Info(name string) (Info, bool) {
	return d.m.Info(name)
}

func (d directory) Dependants(name string) []string {
	return d.m.Dependants(name)
}
