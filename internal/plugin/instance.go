package plugin

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/permission"
)

// Instance is one registered plugin: its descriptor, lifecycle state and the
// runtime it exclusively owns. Instances refer to other plugins only by name.
type Instance struct {
	mu sync.RWMutex

	desc *Descriptor

	// State
	state      State
	err        error
	enableTime time.Time

	// Set on load
	runtime   Runtime
	deps      []string
	dataDir   string
	logger    hclog.Logger
	config    map[string]any
	kv        *config.KV
	perms     *permission.Store
	defaults  *permission.Set
	evaluator *permission.Evaluator

	// lock serialises transitions of this plugin.
	lock *semaphore.Weighted
}

func newInstance(desc *Descriptor, logger hclog.Logger) *Instance {
	return &Instance{
		desc:     desc,
		state:    StateDiscovered,
		logger:   logger.Named(desc.Name),
		defaults: desc.DefaultPermissions(),
		lock:     semaphore.NewWeighted(1),
	}
}

// Name returns the plugin name.
func (i *Instance) Name() string {
	return i.desc.Name
}

// Descriptor returns the plugin descriptor.
func (i *Instance) Descriptor() *Descriptor {
	return i.desc
}

// State returns the current plugin state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Err returns the last error recorded for the plugin.
func (i *Instance) Err() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.err
}

// EnableTime returns when the plugin was last enabled, or the zero time
// while it is not enabled.
func (i *Instance) EnableTime() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enableTime
}

// Dependencies returns the dependency names fixed when the plugin loaded,
// or the declared ones before that.
func (i *Instance) Dependencies() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.deps != nil {
		return append([]string(nil), i.deps...)
	}
	return append([]string(nil), i.desc.Dependencies...)
}

// DataDir returns the plugin's data directory. Empty before load.
func (i *Instance) DataDir() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dataDir
}

// Logger returns the plugin's named logger.
func (i *Instance) Logger() hclog.Logger {
	return i.logger
}

// Config returns a copy of the plugin's effective config values.
func (i *Instance) Config() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.config))
	for k, v := range i.config {
		out[k] = v
	}
	return out
}

// Evaluator returns the plugin's permission evaluator. Nil before load.
func (i *Instance) Evaluator() *permission.Evaluator {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.evaluator
}

// PermissionDefaults returns the compiled-in permission set.
func (i *Instance) PermissionDefaults() *permission.Set {
	return i.defaults
}

// Permissions returns the effective permission set.
func (i *Instance) Permissions() *permission.Set {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.perms == nil {
		return i.defaults
	}
	return i.perms.Current()
}

// Permission returns the effective permission called name.
func (i *Instance) Permission(name string) (permission.Permission, bool) {
	return i.Permissions().Get(name)
}

// Info is a point-in-time snapshot of a plugin.
type Info struct {
	Name         string
	Version      string
	Runtime      string
	State        State
	EnableTime   time.Time
	Dependencies []string
	Dependants   []string
	Intents      []Intent
	Err          error
}

func (i *Instance) info(dependants []string) Info {
	i.mu.RLock()
	defer i.mu.RUnlock()
	deps := i.deps
	if deps == nil {
		deps = i.desc.Dependencies
	}
	return Info{
		Name:         i.desc.Name,
		Version:      i.desc.Version,
		Runtime:      i.desc.Runtime,
		State:        i.state,
		EnableTime:   i.enableTime,
		Dependencies: append([]string(nil), deps...),
		Dependants:   dependants,
		Intents:      append([]Intent(nil), i.desc.Intents...),
		Err:          i.err,
	}
}

func (i *Instance) setState(s State, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
	i.err = err
	if s == StateEnabled {
		return
	}
	i.enableTime = time.Time{}
}

func (i *Instance) setErr(err error) {
	i.mu.Lock()
	i.err = err
	i.mu.Unlock()
}

// takeRuntime detaches the runtime so it is closed exactly once.
func (i *Instance) takeRuntime() Runtime {
	i.mu.Lock()
	defer i.mu.Unlock()
	rt := i.runtime
	i.runtime = nil
	return rt
}

func (i *Instance) currentRuntime() Runtime {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.runtime
}
