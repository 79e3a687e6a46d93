package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/pluginhost/internal/permission"
)

func TestParseDescriptorFormats(t *testing.T) {
	tests := []struct {
		ext  string
		data string
	}{
		{".json", `{
			// comments are allowed
			"name": "greeter",
			"version": "1.2.0",
			"main": "init.lua",
			"dependencies": ["storage", "storage"],
			"intents": ["guild_messages"],
			"permissions": {"greet": {"kind": "role", "ids": ["10", "-20"]}},
			"config": {"greeting": "hello"},
		}`},
		{".yaml", `
name: greeter
version: 1.2.0
main: init.lua
dependencies: [storage, storage]
intents: [guild_messages]
permissions:
  greet:
    kind: role
    ids: ["10", "-20"]
config:
  greeting: hello
`},
		{".toml", `
name = "greeter"
version = "1.2.0"
main = "init.lua"
dependencies = ["storage", "storage"]
intents = ["guild_messages"]

[permissions.greet]
kind = "role"
ids = ["10", "-20"]

[config]
greeting = "hello"
`},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			d, err := ParseDescriptor(tt.ext, []byte(tt.data))
			if err != nil {
				t.Fatalf("ParseDescriptor() error = %v", err)
			}
			if d.Name != "greeter" || d.Version != "1.2.0" {
				t.Errorf("identity = %s %s", d.Name, d.Version)
			}
			if d.Runtime != RuntimeLua {
				t.Errorf("Runtime = %q, want lua default", d.Runtime)
			}
			if !reflect.DeepEqual(d.Dependencies, []string{"storage"}) {
				t.Errorf("Dependencies = %v, want deduplicated [storage]", d.Dependencies)
			}
			if !d.HasIntent(IntentGuildMessages) {
				t.Errorf("Intents = %v", d.Intents)
			}
			p, ok := d.DefaultPermissions().Get("greet")
			if !ok || p.Kind() != permission.KindRole {
				t.Fatalf("greet permission = %v, %v", p, ok)
			}
			if !reflect.DeepEqual(p.IDs(), []string{"10", "-20"}) {
				t.Errorf("IDs = %v", p.IDs())
			}
			if d.ConfigDefaults()["greeting"] != "hello" {
				t.Errorf("Config = %v", d.Config)
			}
		})
	}
}

func TestParseDescriptorUnsupported(t *testing.T) {
	if _, err := ParseDescriptor(".ini", []byte("name=x")); err == nil {
		t.Error("ParseDescriptor(.ini) should fail")
	}
	if _, err := ParseDescriptor(".json", []byte("{")); err == nil {
		t.Error("ParseDescriptor() should fail on malformed JSON")
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want error
	}{
		{"valid lua", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeLua, Main: "init.lua"}, nil},
		{"valid process", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeProcess, Main: "bin/ok"}, nil},
		{"missing name", Descriptor{Version: "1.0.0", Runtime: RuntimeBuiltin}, ErrMissingName},
		{"uppercase name", Descriptor{Name: "Bad", Version: "1.0.0", Runtime: RuntimeBuiltin}, ErrInvalidName},
		{"trailing hyphen", Descriptor{Name: "bad-", Version: "1.0.0", Runtime: RuntimeBuiltin}, ErrInvalidName},
		{"loose version", Descriptor{Name: "ok", Version: "v1", Runtime: RuntimeBuiltin}, ErrInvalidVersion},
		{"lua main", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeLua, Main: "init.py"}, ErrInvalidMain},
		{"process main", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeProcess}, ErrMissingMain},
		{"runtime", Descriptor{Name: "ok", Version: "1.0.0", Runtime: "wasm"}, ErrInvalidRuntime},
		{"host constraint", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeBuiltin, HostVersion: "not a range"}, ErrInvalidHost},
		{"self dependency", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeBuiltin, Dependencies: []string{"ok"}}, nil},
		{"dependency name", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeBuiltin, Dependencies: []string{"Other"}}, ErrInvalidName},
		{"intent", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeBuiltin, Intents: []Intent{"typing"}}, ErrInvalidIntent},
		{"schema", Descriptor{Name: "ok", Version: "1.0.0", Runtime: RuntimeBuiltin, ConfigSchema: map[string]any{"type": 12}}, ErrInvalidSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDescriptorConfigSchema(t *testing.T) {
	d := &Descriptor{
		Name:    "greeter",
		Version: "1.0.0",
		Runtime: RuntimeBuiltin,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"greeting"},
			"properties": map[string]any{
				"greeting": map[string]any{"type": "string"},
				"repeat":   map[string]any{"type": "integer", "minimum": 1},
			},
		},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if err := d.ValidateConfig(map[string]any{"greeting": "hi", "repeat": 2}); err != nil {
		t.Errorf("ValidateConfig(valid) error = %v", err)
	}
	for _, bad := range []map[string]any{
		{},
		{"greeting": 7},
		{"greeting": "hi", "repeat": 0},
	} {
		if err := d.ValidateConfig(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("ValidateConfig(%v) error = %v, want ErrInvalidConfig", bad, err)
		}
	}
}

func TestDescriptorSupportsHost(t *testing.T) {
	d := &Descriptor{Name: "ok", Version: "1.0.0", HostVersion: ">= 1.2, < 2"}
	if err := d.SupportsHost(semver.MustParse("1.4.0")); err != nil {
		t.Errorf("SupportsHost(1.4.0) error = %v", err)
	}
	if err := d.SupportsHost(semver.MustParse("2.0.0")); !errors.Is(err, ErrHostVersion) {
		t.Errorf("SupportsHost(2.0.0) error = %v, want ErrHostVersion", err)
	}
	if err := d.SupportsHost(nil); err != nil {
		t.Errorf("SupportsHost(nil) error = %v", err)
	}
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	if err := os.WriteFile(path, []byte("name: tool\nversion: 0.1.0\nruntime: process\nmain: bin/tool\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDescriptor(path)
	if err != nil {
		t.Fatalf("LoadDescriptor() error = %v", err)
	}
	if d.Path() != dir || d.File() != path {
		t.Errorf("Path() = %q, File() = %q", d.Path(), d.File())
	}
	if want := filepath.Join(dir, "bin", "tool"); d.MainPath() != want {
		t.Errorf("MainPath() = %q, want %q", d.MainPath(), want)
	}

	_, err = LoadDescriptor(filepath.Join(dir, "missing.json"))
	var de *DescriptorError
	if !errors.As(err, &de) {
		t.Errorf("LoadDescriptor(missing) error = %v, want DescriptorError", err)
	}
}

func TestDescriptorClone(t *testing.T) {
	d := &Descriptor{
		Name:         "a",
		Dependencies: []string{"b"},
		Permissions:  map[string]permission.Spec{"p": {IDs: []string{"1"}}},
	}
	c := d.Clone()
	c.Dependencies[0] = "x"
	c.Permissions["p"].IDs[0] = "2"
	if d.Dependencies[0] != "b" || d.Permissions["p"].IDs[0] != "1" {
		t.Error("Clone() shares state with the original")
	}
}
