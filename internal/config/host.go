package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/pluginhost/internal/permission"
)

// EnvPrefix prefixes environment overrides for host settings.
const EnvPrefix = "PLUGINHOST_"

// Host is the top-level host configuration.
type Host struct {
	// PluginPaths are searched in order; the first path wins on name clashes.
	PluginPaths []string `yaml:"plugin_paths" toml:"plugin_paths"`

	// DataDir holds one data directory per plugin.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	// ConfigDir holds per-plugin config.json documents. Defaults to DataDir.
	ConfigDir string `yaml:"config_dir" toml:"config_dir"`

	LogLevel string `yaml:"log_level" toml:"log_level"`
	LogJSON  bool   `yaml:"log_json" toml:"log_json"`

	// HookTimeout bounds every lifecycle hook.
	HookTimeout Duration `yaml:"hook_timeout" toml:"hook_timeout"`

	// MetricsAddr enables the /metrics endpoint when non-empty.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// Watch enables hot reload of changed plugins and config documents.
	Watch bool `yaml:"watch" toml:"watch"`

	Admin Admin `yaml:"admin" toml:"admin"`
}

// Admin configures the chat administrative surface.
type Admin struct {
	Prefix    string `yaml:"prefix" toml:"prefix"`
	BotUserID uint64 `yaml:"bot_user_id" toml:"bot_user_id"`

	// ConsoleUserID is the actor for commands typed into serve --console.
	ConsoleUserID uint64 `yaml:"console_user_id" toml:"console_user_id"`

	// Permissions gate host commands such as plugins.manage.
	Permissions map[string]permission.Spec `yaml:"permissions" toml:"permissions"`
}

// Duration is a time.Duration read from strings such as "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// DefaultHost returns the configuration used when no file is given.
func DefaultHost() Host {
	h := Host{
		LogLevel:    "info",
		HookTimeout: Duration(30 * time.Second),
		Admin:       Admin{Prefix: "!"},
	}
	if home, err := os.UserHomeDir(); err == nil {
		h.PluginPaths = []string{filepath.Join(home, ".config", "pluginhost", "plugins")}
		h.DataDir = filepath.Join(home, ".local", "share", "pluginhost")
	}
	if cwd, err := os.Getwd(); err == nil {
		h.PluginPaths = append(h.PluginPaths, filepath.Join(cwd, "plugins"))
	}
	return h
}

// LoadHost reads a host configuration from path, layered over DefaultHost and
// then over environment overrides. A missing path yields the defaults.
func LoadHost(path string) (Host, error) {
	h := DefaultHost()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return h, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := decodeHost(path, data, &h); err != nil {
				return h, err
			}
		}
	}

	if err := applyEnv(&h, os.LookupEnv); err != nil {
		return h, err
	}
	if h.ConfigDir == "" {
		h.ConfigDir = h.DataDir
	}
	return h, nil
}

func decodeHost(path string, data []byte, h *Host) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, h)
	case ".toml":
		err = toml.Unmarshal(data, h)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}

// applyEnv overlays PLUGINHOST_* variables.
func applyEnv(h *Host, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPrefix + "PLUGIN_PATHS"); ok {
		h.PluginPaths = filepath.SplitList(v)
	}
	if v, ok := lookup(EnvPrefix + "DATA_DIR"); ok {
		h.DataDir = v
	}
	if v, ok := lookup(EnvPrefix + "CONFIG_DIR"); ok {
		h.ConfigDir = v
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		h.LogLevel = v
	}
	if v, ok := lookup(EnvPrefix + "METRICS_ADDR"); ok {
		h.MetricsAddr = v
	}
	if v, ok := lookup(EnvPrefix + "HOOK_TIMEOUT"); ok {
		if err := h.HookTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sHOOK_TIMEOUT: %w", EnvPrefix, err)
		}
	}
	return nil
}
