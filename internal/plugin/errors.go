package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin directory has no manifest or entry file.
	ErrNoEntryPoint = errors.New("plugin has no manifest or entry point (init.lua or plugin.lua)")

	// ErrNilDescriptor is returned when a nil descriptor is provided.
	ErrNilDescriptor = errors.New("descriptor is nil")

	// ErrDuplicatePlugin is returned when two descriptors share a name in one batch.
	ErrDuplicatePlugin = errors.New("duplicate plugin name")

	// ErrUnknownRuntime is returned when no runtime is registered for a descriptor.
	ErrUnknownRuntime = errors.New("unknown plugin runtime")

	// ErrHostVersion is returned when a plugin's host version constraint is not met.
	ErrHostVersion = errors.New("host version not supported by plugin")

	// ErrHookTimeout is returned when a lifecycle hook exceeds the hook timeout.
	ErrHookTimeout = errors.New("hook timed out")

	// ErrHookCancelled is returned when a lifecycle hook is cancelled.
	ErrHookCancelled = errors.New("hook cancelled")

	// ErrInvalidConfig is returned when plugin config fails schema validation.
	ErrInvalidConfig = errors.New("invalid plugin config")

	// ErrNotResident is returned when an operation needs a loaded plugin.
	ErrNotResident = errors.New("plugin is not loaded")
)

// MissingDependencyError reports a declared dependency that was not discovered.
type MissingDependencyError struct {
	Dependant string
	Missing   string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on %q which was not discovered", e.Dependant, e.Missing)
}

// CycleError reports a plugin that lies on a dependency cycle. Path starts and
// ends with Plugin, e.g. [a b c a].
type CycleError struct {
	Plugin string
	Path   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("plugin %q is part of a dependency cycle: %s", e.Plugin, strings.Join(e.Path, " -> "))
}

// UnresolvedDependencyError reports a plugin excluded because one of its
// dependencies was excluded from the batch.
type UnresolvedDependencyError struct {
	Dependant  string
	Dependency string
	Cause      error
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("plugin %q depends on %q which could not be resolved: %v", e.Dependant, e.Dependency, e.Cause)
}

func (e *UnresolvedDependencyError) Unwrap() error {
	return e.Cause
}

// DependencyNotReadyError is returned when a dependency is not in the state a
// transition requires. The transition may be retried later.
type DependencyNotReadyError struct {
	Plugin     string
	Dependency string
	State      State
	Want       string
}

func (e *DependencyNotReadyError) Error() string {
	return fmt.Sprintf("plugin %q: dependency %q is %s, want %s", e.Plugin, e.Dependency, e.State, e.Want)
}

// DependantActiveError is returned when a dependant must be stepped down first.
type DependantActiveError struct {
	Plugin    string
	Dependant string
	State     State
}

func (e *DependantActiveError) Error() string {
	return fmt.Sprintf("plugin %q: dependant %q is still %s", e.Plugin, e.Dependant, e.State)
}

// HookError wraps a failure reported by, or imposed on, a plugin hook.
type HookError struct {
	Plugin string
	Hook   Hook
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// TransitionError is returned for a transition the state machine does not allow.
type TransitionError struct {
	Plugin string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %q: cannot transition from %s to %s", e.Plugin, e.From, e.To)
}

// DescriptorError reports an invalid plugin manifest.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid plugin descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err stems from a hook timeout or cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrHookTimeout) || errors.Is(err, ErrHookCancelled)
}
