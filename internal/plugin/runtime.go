package plugin

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/transport"
)

// Hook names a lifecycle callback.
type Hook string

// Lifecycle hooks, named after the script globals the Lua runtime calls.
const (
	HookLoad    Hook = "on_load"
	HookEnable  Hook = "on_enable"
	HookDisable Hook = "on_disable"
	HookUnload  Hook = "on_unload"
)

// Runtime is one plugin's isolation context. The manager calls the hook
// methods one at a time and calls Close exactly once after the context is no
// longer needed. Hook methods must return promptly once ctx is done.
type Runtime interface {
	Load(ctx context.Context, svc *Services) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Unload(ctx context.Context) error
	Close() error
}

// RuntimeFactory builds a fresh runtime for a descriptor.
type RuntimeFactory func(desc *Descriptor) (Runtime, error)

// Services is everything the host exposes to a plugin.
type Services struct {
	Name    string
	Version string

	// Logger is named after the plugin.
	Logger hclog.Logger

	// Transport reaches the chat platform.
	Transport transport.Transport

	// Config is the plugin's config values: descriptor defaults overlaid by
	// the stored document.
	Config map[string]any

	// DataDir is <dataRoot>/<name>, created before Load.
	DataDir string

	// KV persists small runtime state inside DataDir.
	KV *config.KV

	// Permissions evaluates the plugin's permission set.
	Permissions *permission.Evaluator

	// Plugins looks up other plugins by name.
	Plugins Directory

	// Commands accepts chat commands. Nil when the host has no command
	// registry.
	Commands Registrar
}

// Registrar accepts chat commands from one plugin. Everything a plugin
// registers is withdrawn when its runtime is closed.
type Registrar interface {
	Register(cmd *command.Command) error
}

// pluginCommands tags commands with their owning plugin.
type pluginCommands struct {
	plugin   string
	registry *command.Registry
}

func (p pluginCommands) Register(cmd *command.Command) error {
	if cmd == nil {
		return command.ErrInvalidCommand
	}
	cmd.Plugin = p.plugin
	return p.registry.Register(cmd)
}

// Directory is a read-only view of the plugin registry.
type Directory interface {
	Info(name string) (Info, bool)
	Dependants(name string) []string
}
