package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"
)

func newTestState(t *testing.T, opts ...StateOption) *State {
	t.Helper()
	state, err := NewState(opts...)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateDoString(t *testing.T) {
	state := newTestState(t)

	if err := state.DoString(context.Background(), `x = 1 + 1`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if v, ok := state.GetGlobal("x").(glua.LNumber); !ok || v != 2 {
		t.Errorf("x = %v, want 2", state.GetGlobal("x"))
	}

	if err := state.DoString(context.Background(), `this is not lua`); err == nil {
		t.Error("DoString() with syntax error should fail")
	}
}

func TestStateDoFile(t *testing.T) {
	state := newTestState(t)
	path := filepath.Join(t.TempDir(), "init.lua")
	if err := os.WriteFile(path, []byte(`loaded = true`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := state.DoFile(context.Background(), path); err != nil {
		t.Fatalf("DoFile() error = %v", err)
	}
	if state.GetGlobal("loaded") != glua.LTrue {
		t.Error("loaded should be true")
	}
}

func TestStateCall(t *testing.T) {
	state := newTestState(t)
	err := state.DoString(context.Background(), `
		function add(a, b) return a + b end
		function pair() return 1, "two" end
		function none() end
	`)
	if err != nil {
		t.Fatal(err)
	}

	results, err := state.Call(context.Background(), "add", glua.LNumber(2), glua.LNumber(3))
	if err != nil {
		t.Fatalf("Call(add) error = %v", err)
	}
	if len(results) != 1 || results[0] != glua.LNumber(5) {
		t.Errorf("Call(add) = %v, want [5]", results)
	}

	results, err = state.Call(context.Background(), "pair")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[1] != glua.LString("two") {
		t.Errorf("Call(pair) = %v", results)
	}

	results, err = state.Call(context.Background(), "none")
	if err != nil {
		t.Fatal(err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("Call(none) = %#v, want empty slice", results)
	}

	if _, err := state.Call(context.Background(), "missing"); !errors.Is(err, ErrNoFunction) {
		t.Errorf("Call(missing) error = %v, want ErrNoFunction", err)
	}

	// The stack is restored after every call.
	if top := state.L.GetTop(); top != 0 {
		t.Errorf("stack top = %d after calls, want 0", top)
	}
}

func TestStateCallFunction(t *testing.T) {
	state := newTestState(t)
	if err := state.DoString(context.Background(), `handler = function(t) return t.name .. "!" end`); err != nil {
		t.Fatal(err)
	}
	fn, ok := state.GetGlobal("handler").(*glua.LFunction)
	if !ok {
		t.Fatal("handler is not a function")
	}

	results, err := state.CallFunction(context.Background(), fn, func(L *glua.LState) []glua.LValue {
		tbl := L.NewTable()
		tbl.RawSetString("name", glua.LString("ping"))
		return []glua.LValue{tbl}
	})
	if err != nil {
		t.Fatalf("CallFunction() error = %v", err)
	}
	if len(results) != 1 || results[0].String() != "ping!" {
		t.Errorf("CallFunction() = %v", results)
	}
}

func TestStateContextCancelsScript(t *testing.T) {
	state := newTestState(t)
	if err := state.DoString(context.Background(), `function spin() while true do end end`); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := state.Call(ctx, "spin")
	if err == nil {
		t.Fatal("Call(spin) should fail once the context expires")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call(spin) error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("script was not interrupted promptly")
	}

	// The state stays usable after an interrupted call.
	if err := state.DoString(context.Background(), `after = 1`); err != nil {
		t.Errorf("DoString() after cancel error = %v", err)
	}
}

func TestStateModuleAndPrint(t *testing.T) {
	var printed []string
	state := newTestState(t,
		WithModule("greeting", func(L *glua.LState) int {
			mod := L.NewTable()
			mod.RawSetString("text", glua.LString("hi"))
			L.Push(mod)
			return 1
		}),
		WithPrint(func(msg string) { printed = append(printed, msg) }),
	)

	err := state.DoString(context.Background(), `
		local g = require("greeting")
		print(g.text, 42)
	`)
	if err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if len(printed) != 1 || printed[0] != "hi\t42" {
		t.Errorf("printed = %q, want [\"hi\\t42\"]", printed)
	}
}

func TestStateClose(t *testing.T) {
	state, err := NewState()
	if err != nil {
		t.Fatal(err)
	}
	if err := state.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !state.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
	if err := state.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if err := state.DoString(context.Background(), `x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() after Close error = %v, want ErrStateClosed", err)
	}
	if _, err := state.Call(context.Background(), "f"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("Call() after Close error = %v, want ErrStateClosed", err)
	}
	if state.HasFunction("f") {
		t.Error("HasFunction() after Close should be false")
	}
	if state.GetGlobal("x") != glua.LNil {
		t.Error("GetGlobal() after Close should be nil")
	}
}

func TestStateRecoversPanics(t *testing.T) {
	state := newTestState(t)
	state.SetGlobal("explode", state.L.NewFunction(func(*glua.LState) int {
		panic("go side panic")
	}))

	err := state.DoString(context.Background(), `explode()`)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("DoString() error = %v, want a panic error", err)
	}
}
