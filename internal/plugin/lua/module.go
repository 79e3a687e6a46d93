package lua

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/plugin"
	"github.com/dshills/pluginhost/internal/transport"
)

// ModuleName is the require() name of the host API.
const ModuleName = "host"

// hostModule exposes a plugin's Services to its scripts. It is the only path
// from a script to the host.
type hostModule struct {
	svc   *plugin.Services
	state func() *State
}

func (m *hostModule) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"log":          m.log,
		"name":         m.name,
		"version":      m.version,
		"data_dir":     m.dataDir,
		"config":       m.config,
		"kv_get":       m.kvGet,
		"kv_set":       m.kvSet,
		"kv_delete":    m.kvDelete,
		"send":         m.send,
		"plugin_state": m.pluginState,
		"allowed":      m.allowed,
		"command":      m.command,
	})
	L.Push(mod)
	return 1
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// fail pushes the nil, message pair scripts check for.
func fail(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// checkID reads a snowflake id given as a string or a number. Strings are
// preferred because Lua numbers lose precision above 2^53.
func checkID(L *lua.LState, n int) uint64 {
	switch v := L.Get(n).(type) {
	case lua.LString:
		id, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			L.ArgError(n, "invalid id")
		}
		return id
	case lua.LNumber:
		if v < 0 {
			L.ArgError(n, "invalid id")
		}
		return uint64(v)
	default:
		L.ArgError(n, "id expected")
		return 0
	}
}

func (m *hostModule) log(L *lua.LState) int {
	level := hclog.LevelFromString(L.CheckString(1))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	msg := L.CheckString(2)
	var args []any
	for i := 3; i+1 <= L.GetTop(); i += 2 {
		args = append(args, L.ToStringMeta(L.Get(i)).String(), ToGo(L.Get(i+1)))
	}
	m.svc.Logger.Log(level, msg, args...)
	return 0
}

func (m *hostModule) name(L *lua.LState) int {
	L.Push(lua.LString(m.svc.Name))
	return 1
}

func (m *hostModule) version(L *lua.LState) int {
	L.Push(lua.LString(m.svc.Version))
	return 1
}

func (m *hostModule) dataDir(L *lua.LState) int {
	L.Push(lua.LString(m.svc.DataDir))
	return 1
}

// config returns one value, or the whole config table without a key.
func (m *hostModule) config(L *lua.LState) int {
	if L.GetTop() == 0 {
		values := make(map[string]any, len(m.svc.Config))
		for k, v := range m.svc.Config {
			values[k] = v
		}
		L.Push(ToLua(L, values))
		return 1
	}
	L.Push(ToLua(L, m.svc.Config[L.CheckString(1)]))
	return 1
}

func (m *hostModule) kvGet(L *lua.LState) int {
	key := L.CheckString(1)
	if m.svc.KV == nil {
		L.Push(lua.LNil)
		return 1
	}
	v, _ := m.svc.KV.Get(key)
	L.Push(ToLua(L, v))
	return 1
}

func (m *hostModule) kvSet(L *lua.LState) int {
	key := L.CheckString(1)
	if m.svc.KV == nil {
		return fail(L, fmt.Errorf("no state store"))
	}
	if err := m.svc.KV.Set(key, ToGo(L.CheckAny(2))); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

func (m *hostModule) kvDelete(L *lua.LState) int {
	key := L.CheckString(1)
	if m.svc.KV == nil {
		return fail(L, fmt.Errorf("no state store"))
	}
	if err := m.svc.KV.Delete(key); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// send(channel_id, text) returns the sent message id as a string.
func (m *hostModule) send(L *lua.LState) int {
	channel := checkID(L, 1)
	text := L.CheckString(2)
	if m.svc.Transport == nil {
		return fail(L, fmt.Errorf("no transport"))
	}
	msg, err := m.svc.Transport.SendMessage(luaContext(L), channel, transport.Content{Text: text})
	if err != nil {
		return fail(L, err)
	}
	L.Push(lua.LString(strconv.FormatUint(msg.ID, 10)))
	return 1
}

func (m *hostModule) pluginState(L *lua.LState) int {
	name := L.CheckString(1)
	if m.svc.Plugins == nil {
		L.Push(lua.LNil)
		return 1
	}
	info, ok := m.svc.Plugins.Info(name)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(info.State.String()))
	return 1
}

// allowed(permission, user_id, roles, scoped) evaluates one of the plugin's
// permissions.
func (m *hostModule) allowed(L *lua.LState) int {
	name := L.CheckString(1)
	actor := permission.Actor{UserID: checkID(L, 2)}
	if roles, ok := L.Get(3).(*lua.LTable); ok {
		roles.ForEach(func(_, v lua.LValue) {
			if id, err := strconv.ParseUint(L.ToStringMeta(v).String(), 10, 64); err == nil {
				actor.Roles = append(actor.Roles, id)
			}
		})
		actor.Scoped = true
	}
	if L.GetTop() >= 4 {
		actor.Scoped = L.ToBool(4)
	}
	L.Push(lua.LBool(m.svc.Permissions != nil && m.svc.Permissions.Evaluate(name, actor, false)))
	return 1
}

// command(name, handler, opts) registers a chat command. opts may set
// description, permission, guild and mention.
func (m *hostModule) command(L *lua.LState) int {
	name := L.CheckString(1)
	handler := L.CheckFunction(2)
	opts := L.OptTable(3, L.NewTable())
	if m.svc.Commands == nil {
		return fail(L, fmt.Errorf("commands are not available"))
	}

	cmd := &command.Command{
		Name:        name,
		Description: lua.LVAsString(opts.RawGetString("description")),
		Run: func(c *command.Context) error {
			st := m.state()
			if st == nil {
				return ErrStateClosed
			}
			_, err := st.CallFunction(c.Context(), handler, func(L *lua.LState) []lua.LValue {
				return []lua.LValue{commandTable(L, c)}
			})
			return err
		},
	}
	if perm := lua.LVAsString(opts.RawGetString("permission")); perm != "" {
		cmd.Checks = append(cmd.Checks, command.RequirePermission(perm))
	}
	if lua.LVAsBool(opts.RawGetString("guild")) {
		cmd.Checks = append(cmd.Checks, command.RequireGuild())
	}
	if lua.LVAsBool(opts.RawGetString("mention")) {
		cmd.Checks = append(cmd.Checks, command.RequireMentionPrefix())
	}
	if err := m.svc.Commands.Register(cmd); err != nil {
		return fail(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// commandTable is the argument a command handler receives.
func commandTable(L *lua.LState, c *command.Context) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("name", lua.LString(c.Name))
	t.RawSetString("args", ToLua(L, c.Args))
	t.RawSetString("text", lua.LString(strings.Join(c.Args, " ")))
	t.RawSetString("user_id", lua.LString(strconv.FormatUint(c.Actor.UserID, 10)))
	if c.Message != nil {
		t.RawSetString("channel_id", lua.LString(strconv.FormatUint(c.Message.ChannelID, 10)))
		t.RawSetString("guild_id", lua.LString(strconv.FormatUint(c.Message.GuildID, 10)))
	}
	t.RawSetString("reply", L.NewFunction(func(L *lua.LState) int {
		if _, err := c.Reply(L.CheckString(1)); err != nil {
			return fail(L, err)
		}
		L.Push(lua.LTrue)
		return 1
	}))
	return t
}
