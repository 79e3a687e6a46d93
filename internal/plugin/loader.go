package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxParallelParse bounds concurrent manifest parsing.
const maxParallelParse = 8

// Loader discovers plugins from the filesystem.
type Loader struct {
	mu sync.RWMutex

	// Search paths for plugins (checked in order)
	paths []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = append([]string(nil), paths...)
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{paths: DefaultPluginPaths()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 2)

	// User plugins: ~/.config/pluginhost/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pluginhost", "plugins"))
	}

	// Working directory plugins: ./plugins/
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.paths...)
}

// AddPath adds a search path.
func (l *Loader) AddPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
}

// candidate is a filesystem entry that may hold a plugin.
type candidate struct {
	name string // directory or file base name
	dir  string
	file string // single-file plugin entry, empty for directories
}

// Discover finds all plugins in the search paths. Descriptors are returned
// in discovery order: by search path, then by sorted directory listing. The
// first path wins when two plugins share a name. Unreadable or invalid
// plugins are returned as failures.
func (l *Loader) Discover(ctx context.Context) ([]*Descriptor, []Failure, error) {
	var (
		cands    []candidate
		failures []Failure
	)
	for _, base := range l.Paths() {
		found, err := scanPath(base)
		if err != nil {
			failures = append(failures, Failure{Plugin: base, Err: err})
			continue
		}
		cands = append(cands, found...)
	}

	descs := make([]*Descriptor, len(cands))
	errs := make([]error, len(cands))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelParse)
	for i, c := range cands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			descs[i], errs[i] = inspect(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool)
	out := make([]*Descriptor, 0, len(descs))
	for i, d := range descs {
		if errs[i] != nil {
			failures = append(failures, Failure{Plugin: cands[i].name, Err: errs[i]})
			continue
		}
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out, failures, nil
}

// Find re-discovers the plugin called name. Invalid plugins of that name
// return their descriptor error.
func (l *Loader) Find(ctx context.Context, name string) (*Descriptor, error) {
	for _, base := range l.Paths() {
		// Check directory plugin
		dir := filepath.Join(base, name)
		if stat, err := os.Stat(dir); err == nil && stat.IsDir() {
			d, err := inspect(candidate{name: name, dir: dir})
			if err != nil {
				return nil, err
			}
			if d.Name == name {
				return d, nil
			}
		}

		// Check single-file plugin
		file := filepath.Join(base, name+".lua")
		if _, err := os.Stat(file); err == nil {
			return NewMinimalDescriptor(name, base, name+".lua"), nil
		}
	}

	// A manifest may name itself differently from its directory.
	descs, failures, err := l.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range descs {
		if d.Name == name {
			return d, nil
		}
	}
	for _, f := range failures {
		if f.Plugin == name {
			return nil, f.Err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// ValidatePlugin checks if a plugin at the given path is valid.
func (l *Loader) ValidatePlugin(path string) error {
	_, err := inspect(candidate{name: filepath.Base(path), dir: path})
	return err
}

// scanPath lists the plugin candidates in one search path. A missing path
// holds no plugins.
func scanPath(base string) ([]candidate, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []candidate
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !entry.IsDir() {
			// Single-file plugins (name.lua)
			if filepath.Ext(entry.Name()) == ".lua" {
				out = append(out, candidate{
					name: strings.TrimSuffix(entry.Name(), ".lua"),
					dir:  base,
					file: entry.Name(),
				})
			}
			continue
		}
		out = append(out, candidate{name: entry.Name(), dir: filepath.Join(base, entry.Name())})
	}
	return out, nil
}

// inspect examines a candidate and returns its descriptor.
func inspect(c candidate) (*Descriptor, error) {
	if c.file != "" {
		d := NewMinimalDescriptor(c.name, c.dir, c.file)
		if err := d.Validate(); err != nil {
			return nil, &DescriptorError{Path: filepath.Join(c.dir, c.file), Err: err}
		}
		return d, nil
	}

	if manifest := findManifest(c.dir); manifest != "" {
		return LoadDescriptor(manifest)
	}

	// No manifest - check for init.lua, then plugin.lua
	for _, main := range []string{"init.lua", "plugin.lua"} {
		if _, err := os.Stat(filepath.Join(c.dir, main)); err == nil {
			d := NewMinimalDescriptor(c.name, c.dir, main)
			if err := d.Validate(); err != nil {
				return nil, &DescriptorError{Path: c.dir, Err: err}
			}
			return d, nil
		}
	}

	return nil, &DescriptorError{Path: c.dir, Err: ErrNoEntryPoint}
}
