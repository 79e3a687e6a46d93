// Package plugin hosts independently developed plugins inside one long-running
// process.
//
// Every plugin is described by a Descriptor, read from a manifest in its
// directory (plugin.json, plugin.yaml or plugin.toml) or synthesised for a
// bare init.lua. The Manager discovers plugins, orders them so that each
// dependency comes before its dependants, and walks each one through its
// lifecycle:
//
//	Discovered ──load──▶ Loaded ──enable──▶ Enabled
//	                       │  ▲                │
//	                       │  └────enable──── Disabled ◀──disable──┘
//	                       └──────unload──────┴──▶ Unloaded
//
// A failed load or a hook that does not return in time moves the plugin to
// Faulted instead.
//
// # Quick Start
//
//	m := plugin.NewManager(plugin.Config{
//	    PluginPaths: []string{"./plugins"},
//	    DataDir:     "./data",
//	},
//	    plugin.WithLogger(logger),
//	    plugin.WithRuntime(plugin.RuntimeLua, lua.Factory()),
//	    plugin.WithRuntime(plugin.RuntimeProcess, rpc.Factory(logger)),
//	)
//
//	report := m.LoadAll(ctx)
//	for _, r := range report.Failed() {
//	    log.Printf("%s %s: %v", r.Plugin, r.Op, r.Err)
//	}
//	defer m.ShutdownAll(context.Background())
//
// # Plugin Structure
//
// Single-file plugin:
//
//	plugins/greeter.lua
//
// Directory plugin:
//
//	plugins/greeter/
//	├── plugin.json  (optional manifest)
//	└── init.lua     (entry point)
//
// # Manifest
//
//	{
//	    "name": "greeter",
//	    "version": "1.2.0",
//	    "runtime": "lua",
//	    "main": "init.lua",
//	    "dependencies": ["storage"],
//	    "intents": ["guild_messages"],
//	    "permissions": {
//	        "greet": {"kind": "role", "ids": ["1234", "-99"]}
//	    },
//	    "config": {"greeting": "hello"},
//	    "configSchema": {"type": "object", "properties": {"greeting": {"type": "string"}}}
//	}
//
// # Isolation
//
// Each loaded plugin owns exactly one Runtime: a sandboxed Lua state, a child
// process, or a Go value for builtins. Unloading closes the runtime, so
// nothing of the plugin stays reachable afterwards. Plugins refer to each
// other only by name through Services.Plugins.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Transitions of one plugin are
// serialised; hooks run with a timeout and never while the registry lock is
// held.
package plugin
