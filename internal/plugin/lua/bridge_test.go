package lua

import (
	"context"
	"reflect"
	"testing"

	glua "github.com/yuin/gopher-lua"
)

func TestToGo(t *testing.T) {
	state := newTestState(t)
	err := state.DoString(context.Background(), `
		n = 42
		f = 1.5
		s = "hi"
		b = true
		list = {"a", "b", "c"}
		dict = {name = "x", count = 2, nested = {1, 2}}
		mixed = {1, 2, key = "v"}
	`)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		global string
		want   any
	}{
		{"n", int64(42)},
		{"f", 1.5},
		{"s", "hi"},
		{"b", true},
		{"missing", nil},
		{"list", []any{"a", "b", "c"}},
		{"dict", map[string]any{"name": "x", "count": int64(2), "nested": []any{int64(1), int64(2)}}},
		{"mixed", map[string]any{"1": int64(1), "2": int64(2), "key": "v"}},
	}
	for _, tt := range tests {
		got := ToGo(state.GetGlobal(tt.global))
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ToGo(%s) = %#v, want %#v", tt.global, got, tt.want)
		}
	}
}

func TestToGoCycle(t *testing.T) {
	state := newTestState(t)
	if err := state.DoString(context.Background(), `t = {name = "loop"}; t.self = t`); err != nil {
		t.Fatal(err)
	}
	got, ok := ToGo(state.GetGlobal("t")).(map[string]any)
	if !ok {
		t.Fatalf("ToGo(t) = %T, want map", got)
	}
	if got["name"] != "loop" || got["self"] != nil {
		t.Errorf("ToGo(t) = %#v, want self reference dropped", got)
	}
}

func TestToLua(t *testing.T) {
	state := newTestState(t)
	L := state.L

	if v := ToLua(L, nil); v != glua.LNil {
		t.Errorf("ToLua(nil) = %v", v)
	}
	if v := ToLua(L, uint32(7)); v != glua.LNumber(7) {
		t.Errorf("ToLua(uint32) = %v", v)
	}
	if v := ToLua(L, []byte("raw")); v != glua.LString("raw") {
		t.Errorf("ToLua([]byte) = %v", v)
	}

	in := map[string]any{
		"name":  "x",
		"ids":   []uint64{1, 2},
		"flags": map[string]bool{"on": true},
	}
	state.SetGlobal("v", ToLua(L, in))
	err := state.DoString(context.Background(), `
		ok = v.name == "x" and v.ids[2] == 2 and #v.ids == 2 and v.flags.on == true
	`)
	if err != nil {
		t.Fatal(err)
	}
	if state.GetGlobal("ok") != glua.LTrue {
		t.Error("converted table does not match input")
	}
}

func TestRoundTrip(t *testing.T) {
	state := newTestState(t)
	in := map[string]any{
		"list":  []any{"a", int64(2), true},
		"inner": map[string]any{"k": 1.25},
	}
	out := ToGo(ToLua(state.L, in))
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %#v, want %#v", out, in)
	}
}
