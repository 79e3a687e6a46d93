package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/dshills/pluginhost/internal/permission"
)

// Runtime kinds.
const (
	RuntimeLua     = "lua"
	RuntimeProcess = "process"
	RuntimeBuiltin = "builtin"
)

// Manifest file names, checked in this order.
var manifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml", "plugin.toml"}

// Descriptor describes a plugin's identity, requirements and defaults.
type Descriptor struct {
	// Identity
	Name        string `json:"name" yaml:"name" toml:"name"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	DisplayName string `json:"displayName" yaml:"display_name" toml:"display_name"`
	Description string `json:"description" yaml:"description" toml:"description"`
	Author      string `json:"author" yaml:"author" toml:"author"`

	// Entry point
	Runtime string `json:"runtime" yaml:"runtime" toml:"runtime"`
	Main    string `json:"main" yaml:"main" toml:"main"`

	// Requirements
	HostVersion  string   `json:"hostVersion" yaml:"host_version" toml:"host_version"`
	Dependencies []string `json:"dependencies" yaml:"dependencies" toml:"dependencies"`
	Intents      []Intent `json:"intents" yaml:"intents" toml:"intents"`

	// Defaults
	Permissions  map[string]permission.Spec `json:"permissions" yaml:"permissions" toml:"permissions"`
	Config       map[string]any             `json:"config" yaml:"config" toml:"config"`
	ConfigSchema map[string]any             `json:"configSchema" yaml:"config_schema" toml:"config_schema"`

	// path to the plugin directory
	path string
	// manifest file the descriptor was read from, empty for minimal and builtin descriptors
	file string
}

// Validation errors.
var (
	ErrMissingName    = errors.New("manifest: name is required")
	ErrInvalidName    = errors.New("manifest: name must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrInvalidMain    = errors.New("manifest: main must be a .lua file for the lua runtime")
	ErrMissingMain    = errors.New("manifest: main is required for the process runtime")
	ErrInvalidRuntime = errors.New("manifest: runtime must be lua, process or builtin")
	ErrInvalidHost    = errors.New("manifest: hostVersion must be a semver constraint")
	ErrInvalidSchema  = errors.New("manifest: invalid configSchema")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// LoadDescriptor loads and validates a plugin manifest. The format is chosen
// by file extension: .json (comments allowed), .yaml/.yml or .toml.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DescriptorError{Path: path, Err: err}
	}

	d, err := ParseDescriptor(filepath.Ext(path), data)
	if err != nil {
		return nil, &DescriptorError{Path: path, Err: err}
	}
	d.path = filepath.Dir(path)
	d.file = path
	return d, nil
}

// ParseDescriptor decodes and validates manifest data in the format named by ext.
func ParseDescriptor(ext string, data []byte) (*Descriptor, error) {
	var d Descriptor
	var err error
	switch strings.ToLower(ext) {
	case ".json":
		err = json.Unmarshal(jsonc.ToJSON(data), &d)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &d)
	case ".toml":
		err = toml.Unmarshal(data, &d)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// findManifest returns the manifest in dir, or "" when none exists.
func findManifest(dir string) string {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// NewMinimalDescriptor creates a descriptor for a Lua plugin without a manifest.
func NewMinimalDescriptor(name, dir, main string) *Descriptor {
	d := &Descriptor{
		Name:    name,
		Runtime: RuntimeLua,
		Main:    main,
		path:    dir,
	}
	d.applyDefaults()
	return d
}

func (d *Descriptor) applyDefaults() {
	if d.Version == "" {
		d.Version = "0.0.0"
	}
	if d.Runtime == "" {
		d.Runtime = RuntimeLua
	}
	if d.Runtime == RuntimeLua && d.Main == "" {
		d.Main = "init.lua"
	}
	d.Dependencies = dedupe(d.Dependencies)
	d.Intents = dedupe(d.Intents)
}

// Validate checks that the descriptor is valid.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, d.Name)
	}
	if _, err := semver.StrictNewVersion(d.Version); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, d.Version)
	}

	switch d.Runtime {
	case RuntimeLua:
		if filepath.Ext(d.Main) != ".lua" {
			return fmt.Errorf("%w: %s", ErrInvalidMain, d.Main)
		}
	case RuntimeProcess:
		if d.Main == "" {
			return ErrMissingMain
		}
	case RuntimeBuiltin:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuntime, d.Runtime)
	}

	if d.HostVersion != "" {
		if _, err := semver.NewConstraint(d.HostVersion); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidHost, d.HostVersion)
		}
	}

	for _, dep := range d.Dependencies {
		if !namePattern.MatchString(dep) {
			return fmt.Errorf("%w: dependency %s", ErrInvalidName, dep)
		}
	}

	for _, in := range d.Intents {
		if !in.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidIntent, in)
		}
	}

	if _, err := permission.Build(d.Permissions); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}

	if d.ConfigSchema != nil {
		if _, err := d.compileSchema(); err != nil {
			return err
		}
	}
	return nil
}

// SupportsHost reports whether the host version satisfies the descriptor's
// hostVersion constraint. A nil host version or an empty constraint always passes.
func (d *Descriptor) SupportsHost(host *semver.Version) error {
	if host == nil || d.HostVersion == "" {
		return nil
	}
	c, err := semver.NewConstraint(d.HostVersion)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHost, d.HostVersion)
	}
	if !c.Check(host) {
		return fmt.Errorf("%w: %s requires %s, host is %s", ErrHostVersion, d.Name, d.HostVersion, host)
	}
	return nil
}

// ValidateConfig checks values against the descriptor's configSchema.
func (d *Descriptor) ValidateConfig(values map[string]any) error {
	if d.ConfigSchema == nil {
		return nil
	}
	sch, err := d.compileSchema()
	if err != nil {
		return err
	}
	inst, err := normalizeJSON(values)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (d *Descriptor) compileSchema() (*jsonschema.Schema, error) {
	doc, err := normalizeJSON(d.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	url := "mem://" + d.Name + "/config.schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return sch, nil
}

// normalizeJSON round-trips v through JSON so values decoded from YAML or TOML
// use the number and map types the schema validator expects.
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// Path returns the path to the plugin directory.
func (d *Descriptor) Path() string {
	return d.path
}

// File returns the manifest file the descriptor was read from.
func (d *Descriptor) File() string {
	return d.file
}

// MainPath returns the full path to the entry file.
func (d *Descriptor) MainPath() string {
	if filepath.IsAbs(d.Main) {
		return d.Main
	}
	return filepath.Join(d.path, d.Main)
}

// HasIntent returns true if the plugin declares the intent.
func (d *Descriptor) HasIntent(in Intent) bool {
	for _, i := range d.Intents {
		if i == in {
			return true
		}
	}
	return false
}

// DefaultPermissions builds the descriptor's compiled-in permission set.
func (d *Descriptor) DefaultPermissions() *permission.Set {
	perms, _ := permission.Build(d.Permissions)
	return permission.NewSet(perms...)
}

// ConfigDefaults returns a copy of the default config values.
func (d *Descriptor) ConfigDefaults() map[string]any {
	out := make(map[string]any, len(d.Config))
	for k, v := range d.Config {
		out[k] = v
	}
	return out
}

// String returns a string representation of the descriptor.
func (d *Descriptor) String() string {
	display := d.DisplayName
	if display == "" {
		display = d.Name
	}
	return fmt.Sprintf("%s v%s", display, d.Version)
}

// Clone creates a deep copy of the descriptor's mutable fields.
func (d *Descriptor) Clone() *Descriptor {
	clone := *d

	if d.Dependencies != nil {
		clone.Dependencies = append([]string(nil), d.Dependencies...)
	}
	if d.Intents != nil {
		clone.Intents = append([]Intent(nil), d.Intents...)
	}
	if d.Permissions != nil {
		clone.Permissions = make(map[string]permission.Spec, len(d.Permissions))
		for k, v := range d.Permissions {
			v.IDs = append([]string(nil), v.IDs...)
			clone.Permissions[k] = v
		}
	}
	if d.Config != nil {
		clone.Config = d.ConfigDefaults()
	}
	return &clone
}

func dedupe[T comparable](in []T) []T {
	if len(in) == 0 {
		return in
	}
	seen := make(map[T]struct{}, len(in))
	out := in[:0:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
