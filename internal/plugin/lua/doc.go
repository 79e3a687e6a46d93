// Package lua runs plugins written in Lua.
//
// Each loaded plugin gets its own gopher-lua state. Only the base, package,
// table, string and math libraries are opened; io, os and debug are not, and
// dofile, loadfile, load and loadstring are removed. require resolves only
// the builtin libraries and preloaded Go modules.
//
// The host API is the "host" module:
//
//	local host = require("host")
//
//	function on_load()
//	    host.log("info", "loading", "version", host.version())
//	    host.command("greet", function(ctx)
//	        ctx.reply("hello " .. ctx.user_id)
//	    end, { permission = "greet" })
//	end
//
//	function on_enable()
//	    host.kv_set("enabled", true)
//	end
//
// The lifecycle hooks on_load, on_enable, on_disable and on_unload are
// optional globals. A hook fails by raising an error or by returning false
// (or nil) followed by a message.
//
// Values cross the boundary through ToGo and ToLua. Ids are passed as
// strings because Lua numbers are float64.
package lua
