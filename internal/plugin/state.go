package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateDiscovered - Descriptor is known; nothing has run yet.
	StateDiscovered State = iota

	// StateLoaded - Runtime is constructed and the load hook has run.
	StateLoaded

	// StateEnabled - Plugin is active.
	StateEnabled

	// StateDisabled - Plugin was enabled and has been stepped down.
	StateDisabled

	// StateUnloaded - Runtime has been torn down.
	StateUnloaded

	// StateFaulted - Plugin failed to load or a hook was cancelled.
	StateFaulted
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateUnloaded:
		return "unloaded"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// IsResident returns true while the plugin's runtime exists (loaded, enabled or disabled).
func (s State) IsResident() bool {
	return s == StateLoaded || s == StateEnabled || s == StateDisabled
}

// IsInert returns true for resident states in which the plugin is not enabled.
func (s State) IsInert() bool {
	return s == StateLoaded || s == StateDisabled
}
