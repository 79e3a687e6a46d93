package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/metrics"
	"github.com/dshills/pluginhost/internal/permission"
)

// callLog records hook calls and lifecycle events as "kind:plugin".
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

func (l *callLog) count(s string) int {
	n := 0
	for _, c := range l.list() {
		if c == s {
			n++
		}
	}
	return n
}

func (l *callLog) handle(e Event) {
	l.add(e.Kind.String() + ":" + e.Plugin)
}

// tracked records every hook before delegating to its Funcs.
type tracked struct {
	name string
	log  *callLog
	f    Funcs
}

func (p *tracked) OnLoad(ctx context.Context, svc *Services) error {
	p.log.add("on_load:" + p.name)
	return p.f.OnLoad(ctx, svc)
}

func (p *tracked) OnEnable(ctx context.Context) error {
	p.log.add("on_enable:" + p.name)
	return p.f.OnEnable(ctx)
}

func (p *tracked) OnDisable(ctx context.Context) error {
	p.log.add("on_disable:" + p.name)
	return p.f.OnDisable(ctx)
}

func (p *tracked) OnUnload(ctx context.Context) error {
	p.log.add("on_unload:" + p.name)
	return p.f.OnUnload(ctx)
}

func builtin(log *callLog, name string, deps []string, f Funcs) *Builtin {
	return &Builtin{
		Descriptor: &Descriptor{Name: name, Version: "1.0.0", Dependencies: deps},
		New:        func() Plugin { return &tracked{name: name, log: log, f: f} },
	}
}

// newTestManager builds a manager without search paths.
func newTestManager(t *testing.T, opts ...Option) (*Manager, *callLog) {
	t.Helper()
	events := &callLog{}
	m := NewManager(Config{DataDir: t.TempDir()}, opts...)
	m.Subscribe(events.handle)
	return m, events
}

// chain registers a, b depending on a and c depending on b.
func chain(hooks *callLog) []Option {
	return []Option{
		WithBuiltin(builtin(hooks, "c", []string{"b"}, Funcs{})),
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	}
}

func assertState(t *testing.T, m *Manager, name string, want State) {
	t.Helper()
	inst, ok := m.Get(name)
	if !ok {
		t.Fatalf("plugin %s not registered", name)
	}
	if got := inst.State(); got != want {
		t.Errorf("%s state = %s, want %s (err: %v)", name, got, want, inst.Err())
	}
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("calls =\n  %v\nwant\n  %v", got, want)
	}
}

func failure(r *Report, plugin string) (Result, bool) {
	for _, res := range r.Failed() {
		if res.Plugin == plugin {
			return res, true
		}
	}
	return Result{}, false
}

func TestManagerLoadAll(t *testing.T) {
	hooks := &callLog{}
	m, events := newTestManager(t, chain(hooks)...)

	report := m.LoadAll(context.Background())
	if !report.OK() {
		t.Fatalf("LoadAll() failed: %v", report.Err())
	}
	for _, name := range []string{"a", "b", "c"} {
		assertState(t, m, name, StateEnabled)
	}
	if got := m.LoadOrder(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("LoadOrder() = %v", got)
	}
	assertCalls(t, events.list(), []string{
		"loaded:a", "enabled:a",
		"loaded:b", "enabled:b",
		"loaded:c", "enabled:c",
	})

	info, ok := m.Info("a")
	if !ok || info.EnableTime.IsZero() || !reflect.DeepEqual(info.Dependants, []string{"b"}) {
		t.Errorf("Info(a) = %+v", info)
	}
	if _, err := os.Stat(filepath.Join(m.cfg.DataDir, "a")); err != nil {
		t.Errorf("data directory not created: %v", err)
	}

	// A second LoadAll leaves resident plugins alone.
	hooks.reset()
	if r := m.LoadAll(context.Background()); !r.OK() {
		t.Fatalf("second LoadAll() failed: %v", r.Err())
	}
	if got := hooks.list(); len(got) != 0 {
		t.Errorf("second LoadAll() ran hooks: %v", got)
	}
}

func TestManagerMissingDependency(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"z"}, Funcs{})),
	)

	report := m.LoadAll(context.Background())
	assertState(t, m, "a", StateEnabled)
	assertState(t, m, "b", StateDiscovered)

	res, ok := failure(report, "b")
	if !ok || res.Op != OpResolve {
		t.Fatalf("report for b = %+v, %v", res, ok)
	}
	var missing *MissingDependencyError
	if !errors.As(res.Err, &missing) || *missing != (MissingDependencyError{Dependant: "b", Missing: "z"}) {
		t.Errorf("err = %v, want b missing z", res.Err)
	}
	if FailureKind(res.Err) != "missing-dependency" {
		t.Errorf("FailureKind = %q", FailureKind(res.Err))
	}
	if hooks.count("on_load:b") != 0 {
		t.Error("excluded plugin was loaded")
	}
}

func TestManagerCycle(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", []string{"b"}, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"c"}, Funcs{})),
		WithBuiltin(builtin(hooks, "c", []string{"a"}, Funcs{})),
		WithBuiltin(builtin(hooks, "d", nil, Funcs{})),
	)

	report := m.LoadAll(context.Background())
	assertState(t, m, "d", StateEnabled)
	for _, name := range []string{"a", "b", "c"} {
		assertState(t, m, name, StateDiscovered)
		res, ok := failure(report, name)
		var cycle *CycleError
		if !ok || !errors.As(res.Err, &cycle) {
			t.Errorf("report for %s = %+v", name, res)
		}
	}
	if got := hooks.list(); !reflect.DeepEqual(got, []string{"on_load:d", "on_enable:d"}) {
		t.Errorf("hooks = %v", got)
	}
}

func TestManagerReload(t *testing.T) {
	hooks := &callLog{}
	m, events := newTestManager(t, chain(hooks)...)
	ctx := context.Background()
	if r := m.LoadAll(ctx); !r.OK() {
		t.Fatal(r.Err())
	}
	events.reset()

	report := m.Reload(ctx, "a")
	if !report.OK() {
		t.Fatalf("Reload() failed: %v", report.Err())
	}
	assertCalls(t, events.list(), []string{
		"disabled:c", "disabled:b", "disabled:a",
		"unloaded:a", "loaded:a", "enabled:a",
		"enabled:b", "enabled:c",
	})
	if n := hooks.count("on_load:a"); n != 2 {
		t.Errorf("a loaded %d times, want 2", n)
	}
	if n := hooks.count("on_load:b"); n != 1 {
		t.Errorf("b loaded %d times, want 1", n)
	}
	for _, name := range []string{"a", "b", "c"} {
		assertState(t, m, name, StateEnabled)
	}
}

func TestManagerReloadKeepsDisabledDependants(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t, chain(hooks)...)
	ctx := context.Background()
	m.LoadAll(ctx)
	m.Disable(ctx, "c")

	if r := m.Reload(ctx, "a"); !r.OK() {
		t.Fatal(r.Err())
	}
	assertState(t, m, "b", StateEnabled)
	assertState(t, m, "c", StateDisabled)
}

func TestManagerReloadNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	res, ok := failure(m.Reload(context.Background(), "ghost"), "ghost")
	if !ok || !errors.Is(res.Err, ErrPluginNotFound) {
		t.Errorf("Reload(ghost) = %+v", res)
	}
}

func TestManagerEnableDisable(t *testing.T) {
	hooks := &callLog{}
	m, events := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)
	events.reset()

	report := m.Disable(ctx, "a")
	if !report.OK() {
		t.Fatalf("Disable() failed: %v", report.Err())
	}
	assertCalls(t, events.list(), []string{"disabled:b", "disabled:a"})
	assertState(t, m, "a", StateDisabled)

	// b cannot come back before a.
	res, ok := failure(m.Enable(ctx, "b"), "b")
	var notReady *DependencyNotReadyError
	if !ok || !errors.As(res.Err, &notReady) || notReady.Dependency != "a" {
		t.Fatalf("Enable(b) = %+v, want DependencyNotReadyError", res)
	}
	assertState(t, m, "b", StateDisabled)

	for _, name := range []string{"a", "b"} {
		if r := m.Enable(ctx, name); !r.OK() {
			t.Fatalf("Enable(%s) failed: %v", name, r.Err())
		}
	}
	if n := hooks.count("on_load:a"); n != 1 {
		t.Errorf("a loaded %d times, want 1", n)
	}
	if n := hooks.count("on_enable:a"); n != 2 {
		t.Errorf("a enabled %d times, want 2", n)
	}
	if got := m.Dependencies("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Dependencies(b) = %v", got)
	}

	// Enabling an enabled plugin does nothing.
	hooks.reset()
	if r := m.Enable(ctx, "a"); !r.OK() {
		t.Fatal(r.Err())
	}
	if got := hooks.list(); len(got) != 0 {
		t.Errorf("hooks = %v, want none", got)
	}
}

func TestManagerTransitionGuards(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)
	a, _ := m.Get("a")

	var active *DependantActiveError
	if err := m.disable(ctx, a); !errors.As(err, &active) || active.Dependant != "b" {
		t.Errorf("disable(a) error = %v, want DependantActiveError", err)
	}
	var transition *TransitionError
	if err := m.unload(ctx, a, unloadStrict); !errors.As(err, &transition) {
		t.Errorf("unload(enabled) error = %v, want TransitionError", err)
	}
	if err := m.load(ctx, a); !errors.As(err, &transition) {
		t.Errorf("load(enabled) error = %v, want TransitionError", err)
	}

	m.Disable(ctx, "a")
	if err := m.unload(ctx, a, unloadStrict); !errors.As(err, &active) {
		t.Errorf("unload(a) with loaded dependant error = %v, want DependantActiveError", err)
	}
	assertState(t, m, "a", StateDisabled)
}

func TestManagerConcurrentEnable(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t, WithBuiltin(builtin(hooks, "a", nil, Funcs{})))
	ctx := context.Background()
	m.LoadAll(ctx)
	m.Disable(ctx, "a")
	hooks.reset()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Enable(ctx, "a")
		}()
	}
	wg.Wait()

	assertState(t, m, "a", StateEnabled)
	if got := hooks.list(); !reflect.DeepEqual(got, []string{"on_enable:a"}) {
		t.Errorf("hooks = %v, want one enable", got)
	}
}

func TestManagerHookTimeout(t *testing.T) {
	hooks := &callLog{}
	m, events := newTestManager(t,
		WithHookTimeout(20*time.Millisecond),
		WithBuiltin(builtin(hooks, "slow", nil, Funcs{
			Enable: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		})),
		WithBuiltin(builtin(hooks, "after", []string{"slow"}, Funcs{})),
	)

	report := m.LoadAll(context.Background())
	assertState(t, m, "slow", StateFaulted)

	res, ok := failure(report, "slow")
	if !ok || res.Op != OpEnable || !errors.Is(res.Err, ErrHookTimeout) {
		t.Fatalf("report for slow = %+v", res)
	}
	if FailureKind(res.Err) != "timeout" {
		t.Errorf("FailureKind = %q, want timeout", FailureKind(res.Err))
	}
	if events.count("faulted:slow") != 1 {
		t.Errorf("events = %v, want faulted:slow", events.list())
	}

	// The dependant cannot load on a faulted plugin.
	res, ok = failure(report, "after")
	var notReady *DependencyNotReadyError
	if !ok || !errors.As(res.Err, &notReady) {
		t.Errorf("report for after = %+v", res)
	}
	assertState(t, m, "after", StateDiscovered)
}

func TestManagerHookCancelled(t *testing.T) {
	hooks := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m, _ := newTestManager(t, WithBuiltin(builtin(hooks, "a", nil, Funcs{
		Load: func(hctx context.Context, _ *Services) error {
			cancel()
			<-hctx.Done()
			return hctx.Err()
		},
	})))

	report := m.LoadAll(ctx)
	res, ok := failure(report, "a")
	if !ok || !errors.Is(res.Err, ErrHookCancelled) {
		t.Fatalf("report = %+v, want cancelled", res)
	}
	assertState(t, m, "a", StateFaulted)
}

func TestManagerHookPanic(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "bad", nil, Funcs{
			Load: func(context.Context, *Services) error { panic("boom") },
		})),
		WithBuiltin(builtin(hooks, "good", nil, Funcs{})),
	)

	report := m.LoadAll(context.Background())
	assertState(t, m, "bad", StateFaulted)
	assertState(t, m, "good", StateEnabled)

	res, _ := failure(report, "bad")
	var hookErr *HookError
	if !errors.As(res.Err, &hookErr) || hookErr.Hook != HookLoad {
		t.Errorf("err = %v, want load HookError", res.Err)
	}
}

func TestManagerHookFailureKeepsState(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t, WithBuiltin(builtin(hooks, "a", nil, Funcs{
		Enable: func(context.Context) error { return errors.New("not ready") },
	})))

	report := m.LoadAll(context.Background())
	assertState(t, m, "a", StateLoaded)
	res, ok := failure(report, "a")
	if !ok || FailureKind(res.Err) != "hook-failure" {
		t.Errorf("report = %+v", res)
	}
	if inst, _ := m.Get("a"); inst.Err() == nil {
		t.Error("Err() should record the hook failure")
	}
}

func TestManagerShutdownAll(t *testing.T) {
	hooks := &callLog{}
	m, events := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{
			Unload: func(context.Context) error { return errors.New("unload failed") },
		})),
		WithBuiltin(builtin(hooks, "c", []string{"b"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)
	events.reset()

	report := m.ShutdownAll(ctx)
	assertCalls(t, events.list(), []string{
		"disabled:c", "unloaded:c",
		"disabled:b", "unloaded:b",
		"disabled:a", "unloaded:a",
	})
	if res, ok := failure(report, "b"); !ok || res.Op != OpUnload {
		t.Errorf("report for b = %+v", res)
	}
	if got := m.List(); len(got) != 0 {
		t.Errorf("List() after shutdown = %v", got)
	}

	hooks.reset()
	events.reset()
	report = m.ShutdownAll(ctx)
	if len(report.Results) != 0 || len(hooks.list()) != 0 || len(events.list()) != 0 {
		t.Errorf("second ShutdownAll() did work: %v %v %v", report.Results, hooks.list(), events.list())
	}
}

func TestManagerConfig(t *testing.T) {
	store := config.NewMemoryStore()
	if err := store.Save("greeter", &config.Document{Values: map[string]any{"greeting": "hi"}}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	hooks := &callLog{}
	b := builtin(hooks, "greeter", nil, Funcs{
		Load: func(_ context.Context, svc *Services) error {
			got = svc.Config
			return nil
		},
	})
	b.Descriptor.Config = map[string]any{"greeting": "hello", "repeat": 1}
	b.Descriptor.ConfigSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"greeting": map[string]any{"type": "string"}},
	}
	m, _ := newTestManager(t, WithConfigStore(store), WithBuiltin(b))
	m.LoadAll(context.Background())

	want := map[string]any{"greeting": "hi", "repeat": 1}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Config = %v, want %v", got, want)
	}
	if inst, _ := m.Get("greeter"); !reflect.DeepEqual(inst.Config(), want) {
		t.Errorf("Instance.Config() = %v", inst.Config())
	}
}

func TestManagerInvalidConfigFaults(t *testing.T) {
	store := config.NewMemoryStore()
	store.Save("greeter", &config.Document{Values: map[string]any{"greeting": 42}})
	b := builtin(&callLog{}, "greeter", nil, Funcs{})
	b.Descriptor.ConfigSchema = map[string]any{
		"type":       "object",
		"properties": map[string]any{"greeting": map[string]any{"type": "string"}},
	}
	m, _ := newTestManager(t, WithConfigStore(store), WithBuiltin(b))

	res, ok := failure(m.LoadAll(context.Background()), "greeter")
	if !ok || !errors.Is(res.Err, ErrInvalidConfig) {
		t.Errorf("report = %+v, want ErrInvalidConfig", res)
	}
	assertState(t, m, "greeter", StateFaulted)
}

func TestManagerReloadPermissions(t *testing.T) {
	user := permission.KindUser
	store := config.NewMemoryStore()
	b := builtin(&callLog{}, "greeter", nil, Funcs{})
	b.Descriptor.Permissions = map[string]permission.Spec{"greet": {Kind: &user, IDs: []string{"1"}}}
	m, _ := newTestManager(t, WithConfigStore(store), WithBuiltin(b), WithMetrics(metrics.New()))
	m.LoadAll(context.Background())

	ev, ok := m.Evaluator("greeter")
	if !ok {
		t.Fatal("no evaluator")
	}
	if !ev.Evaluate("greet", permission.Actor{UserID: 1}, false) {
		t.Error("default rule should allow user 1")
	}

	store.Save("greeter", &config.Document{Permissions: map[string]permission.Spec{
		"greet": {Kind: &user, IDs: []string{"2"}},
	}})
	if err := m.ReloadPermissions("greeter"); err != nil {
		t.Fatalf("ReloadPermissions() error = %v", err)
	}
	if ev.Evaluate("greet", permission.Actor{UserID: 1}, false) {
		t.Error("override should deny user 1")
	}
	if !ev.Evaluate("greet", permission.Actor{UserID: 2}, false) {
		t.Error("override should allow user 2")
	}
	inst, _ := m.Get("greeter")
	if d, _ := inst.PermissionDefaults().Get("greet"); !reflect.DeepEqual(d.IDs(), []string{"1"}) {
		t.Errorf("defaults changed: %v", d.IDs())
	}

	if err := m.ReloadPermissions("ghost"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("ReloadPermissions(ghost) error = %v", err)
	}
}

func TestManagerCommandsWithdrawnOnUnload(t *testing.T) {
	registry := command.NewRegistry()
	b := builtin(&callLog{}, "greeter", nil, Funcs{
		Load: func(_ context.Context, svc *Services) error {
			return svc.Commands.Register(&command.Command{
				Name: "hello",
				Run:  func(*command.Context) error { return nil },
			})
		},
	})
	m, _ := newTestManager(t, WithCommands(registry), WithBuiltin(b))
	ctx := context.Background()
	m.LoadAll(ctx)

	cmd, ok := registry.Lookup("hello")
	if !ok || cmd.Plugin != "greeter" {
		t.Fatalf("Lookup(hello) = %+v, %v", cmd, ok)
	}
	m.ShutdownAll(ctx)
	if _, ok := registry.Lookup("hello"); ok {
		t.Error("command survived unload")
	}
}

func TestManagerHostVersion(t *testing.T) {
	b := builtin(&callLog{}, "future", nil, Funcs{})
	b.Descriptor.HostVersion = ">= 2.0.0"
	m, _ := newTestManager(t, WithHostVersion("1.5.0"), WithBuiltin(b))

	res, ok := failure(m.LoadAll(context.Background()), "future")
	if !ok || res.Op != OpDiscover || !errors.Is(res.Err, ErrHostVersion) {
		t.Errorf("report = %+v", res)
	}
	if _, ok := m.Get("future"); ok {
		t.Error("unsupported plugin registered")
	}
}

func TestManagerIntents(t *testing.T) {
	a := builtin(&callLog{}, "a", nil, Funcs{})
	a.Descriptor.Intents = []Intent{IntentGuildMessages, IntentGuilds}
	b := builtin(&callLog{}, "b", nil, Funcs{})
	b.Descriptor.Intents = []Intent{IntentGuilds, IntentMessageContent}
	m, _ := newTestManager(t, WithBuiltin(a), WithBuiltin(b))
	ctx := context.Background()
	m.LoadAll(ctx)

	want := []Intent{IntentGuildMessages, IntentGuilds, IntentMessageContent}
	if got := m.Intents(); !reflect.DeepEqual(got, want) {
		t.Errorf("Intents() = %v, want %v", got, want)
	}
	m.Disable(ctx, "b")
	if got := m.Intents(); !reflect.DeepEqual(got, []Intent{IntentGuildMessages, IntentGuilds}) {
		t.Errorf("Intents() after disable = %v", got)
	}
}

func TestManagerEvents(t *testing.T) {
	m, _ := newTestManager(t, WithBuiltin(builtin(&callLog{}, "a", nil, Funcs{})))
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Events(ctx, 8)

	m.LoadAll(context.Background())
	for _, want := range []EventKind{EventLoaded, EventEnabled} {
		select {
		case e := <-ch:
			if e.Kind != want || e.Plugin != "a" {
				t.Errorf("event = %v %s, want %v a", e.Kind, e.Plugin, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %v event", want)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("unexpected event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestManagerSubscribePanicRecovered(t *testing.T) {
	m, events := newTestManager(t, WithBuiltin(builtin(&callLog{}, "a", nil, Funcs{})))
	unsubscribe := m.Subscribe(func(Event) { panic("handler") })

	m.LoadAll(context.Background())
	if events.count("enabled:a") != 1 {
		t.Errorf("events = %v", events.list())
	}
	unsubscribe()
}

// fakeRuntime stands in for the Lua runtime in filesystem tests.
type fakeRuntime struct {
	desc *Descriptor
	log  *callLog
}

func (r *fakeRuntime) Load(context.Context, *Services) error {
	r.log.add("load:" + r.desc.Name + "@" + r.desc.Version)
	return nil
}
func (r *fakeRuntime) Enable(context.Context) error  { return nil }
func (r *fakeRuntime) Disable(context.Context) error { return nil }
func (r *fakeRuntime) Unload(context.Context) error  { return nil }
func (r *fakeRuntime) Close() error                  { return nil }

func TestManagerFilesystemReload(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "notes", map[string]string{
		"plugin.json": `{"name": "notes", "version": "1.0.0"}`,
		"init.lua":    "",
	})
	writePlugin(t, dir, "tool", map[string]string{
		"plugin.yaml": "name: tool\nversion: 1.0.0\nruntime: process\nmain: bin/tool\n",
	})

	log := &callLog{}
	m := NewManager(Config{PluginPaths: []string{dir}, DataDir: t.TempDir()},
		WithRuntime(RuntimeLua, func(d *Descriptor) (Runtime, error) {
			return &fakeRuntime{desc: d, log: log}, nil
		}),
	)
	ctx := context.Background()

	report := m.LoadAll(ctx)
	assertState(t, m, "notes", StateEnabled)
	res, ok := failure(report, "tool")
	if !ok || !errors.Is(res.Err, ErrUnknownRuntime) {
		t.Errorf("report for tool = %+v, want ErrUnknownRuntime", res)
	}
	assertState(t, m, "tool", StateFaulted)

	writePlugin(t, dir, "notes", map[string]string{"plugin.json": `{"name": "notes", "version": "1.1.0"}`})
	if r := m.Reload(ctx, "notes"); !r.OK() {
		t.Fatalf("Reload() failed: %v", r.Err())
	}
	assertCalls(t, log.list(), []string{"load:notes@1.0.0", "load:notes@1.1.0"})
	if info, _ := m.Info("notes"); info.Version != "1.1.0" || info.State != StateEnabled {
		t.Errorf("Info(notes) = %+v", info)
	}

	// A plugin deleted from disk stays down after a reload.
	if err := os.RemoveAll(filepath.Join(dir, "notes")); err != nil {
		t.Fatal(err)
	}
	res, ok = failure(m.Reload(ctx, "notes"), "notes")
	if !ok || res.Op != OpDiscover || !errors.Is(res.Err, ErrPluginNotFound) {
		t.Errorf("Reload(removed) = %+v", res)
	}
	assertState(t, m, "notes", StateFaulted)
}

// newFilesystemManager builds a manager over dir with the Lua runtime faked
// and any extra builtins.
func newFilesystemManager(t *testing.T, dir string, opts ...Option) (*Manager, *callLog) {
	t.Helper()
	log := &callLog{}
	opts = append(opts, WithRuntime(RuntimeLua, func(d *Descriptor) (Runtime, error) {
		return &fakeRuntime{desc: d, log: log}, nil
	}))
	m := NewManager(Config{PluginPaths: []string{dir}, DataDir: t.TempDir()}, opts...)
	events := &callLog{}
	m.Subscribe(events.handle)
	return m, events
}

func TestManagerLoadAllKeepsDisabled(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)
	m.Disable(ctx, "a")
	hooks.reset()

	if r := m.LoadAll(ctx); !r.OK() {
		t.Fatalf("LoadAll() failed: %v", r.Err())
	}
	assertState(t, m, "a", StateDisabled)
	assertState(t, m, "b", StateDisabled)
	if got := hooks.list(); len(got) != 0 {
		t.Errorf("LoadAll() ran hooks on disabled plugins: %v", got)
	}
}

func TestManagerReloadFailureKeepsDependantsDisabled(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "base", map[string]string{
		"plugin.json": `{"name": "base", "version": "1.0.0"}`,
		"init.lua":    "",
	})
	hooks := &callLog{}
	m, events := newFilesystemManager(t, dir,
		WithBuiltin(builtin(hooks, "user", []string{"base"}, Funcs{})),
	)
	ctx := context.Background()
	if r := m.LoadAll(ctx); !r.OK() {
		t.Fatal(r.Err())
	}
	assertState(t, m, "user", StateEnabled)
	events.reset()

	if err := os.RemoveAll(filepath.Join(dir, "base")); err != nil {
		t.Fatal(err)
	}
	report := m.Reload(ctx, "base")
	res, ok := failure(report, "base")
	if !ok || res.Op != OpDiscover || !errors.Is(res.Err, ErrPluginNotFound) {
		t.Fatalf("Reload(base) = %+v", report.Results)
	}
	assertCalls(t, events.list(), []string{
		"disabled:user", "disabled:base", "unloaded:base", "faulted:base",
	})
	assertState(t, m, "base", StateFaulted)
	assertState(t, m, "user", StateDisabled)

	// A later LoadAll does not bring the dependant back on its own.
	hooks.reset()
	m.LoadAll(ctx)
	assertState(t, m, "user", StateDisabled)
	if got := hooks.list(); len(got) != 0 {
		t.Errorf("hooks = %v, want none", got)
	}
}

func TestManagerLoadAllDuringReload(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)

	// LoadAll runs while a is unloaded and not yet replaced.
	var (
		once   sync.Once
		nested *Report
	)
	m.Subscribe(func(e Event) {
		if e.Kind == EventUnloaded && e.Plugin == "a" {
			once.Do(func() { nested = m.LoadAll(ctx) })
		}
	})

	if r := m.Reload(ctx, "a"); !r.OK() {
		t.Fatalf("Reload() failed: %v", r.Err())
	}
	if nested == nil || !nested.OK() || len(nested.Results) != 0 {
		t.Errorf("nested LoadAll() = %+v", nested)
	}
	if n := hooks.count("on_load:a"); n != 2 {
		t.Errorf("a loaded %d times, want 2", n)
	}
	assertState(t, m, "a", StateEnabled)
	assertState(t, m, "b", StateEnabled)

	if r := m.ShutdownAll(ctx); !r.OK() {
		t.Fatal(r.Err())
	}
	if loads, unloads := hooks.count("on_load:a"), hooks.count("on_unload:a"); loads != unloads {
		t.Errorf("a loaded %d times but unloaded %d times", loads, unloads)
	}
}

func TestManagerConcurrentReloadAndLoadAll(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t,
		WithBuiltin(builtin(hooks, "a", nil, Funcs{})),
		WithBuiltin(builtin(hooks, "b", []string{"a"}, Funcs{})),
	)
	ctx := context.Background()
	m.LoadAll(ctx)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 5 {
				if (i+j)%2 == 0 {
					m.Reload(ctx, "a")
				} else {
					m.LoadAll(ctx)
				}
			}
		}()
	}
	wg.Wait()

	assertState(t, m, "a", StateEnabled)
	assertState(t, m, "b", StateEnabled)
	if r := m.ShutdownAll(ctx); !r.OK() {
		t.Fatal(r.Err())
	}
	for _, name := range []string{"a", "b"} {
		if loads, unloads := hooks.count("on_load:"+name), hooks.count("on_unload:"+name); loads != unloads {
			t.Errorf("%s loaded %d times but unloaded %d times", name, loads, unloads)
		}
	}
}

func TestManagerShutdownOrderAfterRediscovery(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "zeta", map[string]string{
		"plugin.json": `{"name": "zeta", "version": "1.0.0"}`,
		"init.lua":    "",
	})
	m, events := newFilesystemManager(t, dir,
		WithBuiltin(builtin(&callLog{}, "alpha", []string{"zeta"}, Funcs{})),
	)
	ctx := context.Background()
	if r := m.LoadAll(ctx); !r.OK() {
		t.Fatal(r.Err())
	}

	// zeta stays resident after leaving the search path.
	if err := os.RemoveAll(filepath.Join(dir, "zeta")); err != nil {
		t.Fatal(err)
	}
	m.LoadAll(ctx)
	assertState(t, m, "zeta", StateEnabled)
	assertState(t, m, "alpha", StateEnabled)
	events.reset()

	if r := m.ShutdownAll(ctx); !r.OK() {
		t.Fatalf("ShutdownAll() failed: %v", r.Err())
	}
	assertCalls(t, events.list(), []string{
		"disabled:alpha", "unloaded:alpha",
		"disabled:zeta", "unloaded:zeta",
	})
}

func TestManagerSelfDependency(t *testing.T) {
	hooks := &callLog{}
	m, _ := newTestManager(t, WithBuiltin(builtin(hooks, "loop", []string{"loop"}, Funcs{})))

	res, ok := failure(m.LoadAll(context.Background()), "loop")
	var cycle *CycleError
	if !ok || res.Op != OpResolve || !errors.As(res.Err, &cycle) {
		t.Fatalf("report for loop = %+v, want CycleError", res)
	}
	if FailureKind(res.Err) != "cycle" {
		t.Errorf("FailureKind = %q", FailureKind(res.Err))
	}
	assertState(t, m, "loop", StateDiscovered)
}

func TestManagerUnsubscribeDropsHandler(t *testing.T) {
	m, _ := newTestManager(t)
	handlers := func() int {
		m.hmu.RLock()
		defer m.hmu.RUnlock()
		return len(m.handlers)
	}
	base := handlers()

	unsubscribe := m.Subscribe(func(Event) {})
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Events(ctx, 1)
	if got := handlers(); got != base+2 {
		t.Fatalf("handlers = %d, want %d", got, base+2)
	}

	unsubscribe()
	unsubscribe()
	cancel()
	for range ch {
	}
	if got := handlers(); got != base {
		t.Errorf("handlers after unsubscribe = %d, want %d", got, base)
	}
}
