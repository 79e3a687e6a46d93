// Package watch reloads plugins when their files change.
//
// A Watcher observes the plugin search paths and the config store root with
// fsnotify. Changes inside a plugin directory reload that plugin, a new
// plugin triggers a fresh LoadAll, and an edited config document swaps the
// plugin's permission overrides in place. Bursts of events are coalesced per
// plugin before anything runs.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/plugin"
)

// DefaultDebounce is how long a plugin must stay quiet before it is reloaded.
const DefaultDebounce = 250 * time.Millisecond

// ErrClosed is returned when the watcher is used after Close.
var ErrClosed = errors.New("watcher closed")

// Manager is the part of the plugin manager the watcher drives.
type Manager interface {
	Info(name string) (plugin.Info, bool)
	LoadAll(ctx context.Context) *plugin.Report
	Reload(ctx context.Context, name string) *plugin.Report
	ReloadPermissions(name string) error
}

// Kind is what a change asks for.
type Kind int

const (
	// KindReload reloads a registered plugin.
	KindReload Kind = iota
	// KindDiscover runs LoadAll to pick up a new plugin.
	KindDiscover
	// KindPermissions reloads a plugin's permission overrides.
	KindPermissions
)

func (k Kind) String() string {
	switch k {
	case KindReload:
		return "reload"
	case KindDiscover:
		return "discover"
	case KindPermissions:
		return "permissions"
	default:
		return "unknown"
	}
}

// Change is one debounced action and its outcome.
type Change struct {
	Plugin string
	Kind   Kind
	Report *plugin.Report
	Err    error
}

// Watcher turns filesystem events into plugin reloads.
type Watcher struct {
	mgr        Manager
	fsw        *fsnotify.Watcher
	logger     hclog.Logger
	pluginDirs []string
	configRoot string
	debounce   time.Duration
	handlers   []func(Change)

	mu      sync.Mutex
	watched map[string]bool
	closed  bool

	deb *debouncer
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPluginPaths sets the plugin search paths to watch.
func WithPluginPaths(paths ...string) Option {
	return func(w *Watcher) {
		w.pluginDirs = append(w.pluginDirs, paths...)
	}
}

// WithConfigRoot watches the config store root for document edits.
func WithConfigRoot(root string) Option {
	return func(w *Watcher) {
		w.configRoot = root
	}
}

// WithDebounce sets the quiet period per plugin.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(logger hclog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithHandler registers fn to observe every applied change.
func WithHandler(fn func(Change)) Option {
	return func(w *Watcher) {
		w.handlers = append(w.handlers, fn)
	}
}

// New creates a watcher for mgr and starts watching every existing search
// path and the config root. Missing paths are skipped.
func New(mgr Manager, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		mgr:      mgr,
		fsw:      fsw,
		logger:   hclog.NewNullLogger(),
		debounce: DefaultDebounce,
		watched:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	for i, p := range w.pluginDirs {
		if abs, err := filepath.Abs(p); err == nil {
			w.pluginDirs[i] = abs
		}
	}
	if w.configRoot != "" {
		if abs, err := filepath.Abs(w.configRoot); err == nil {
			w.configRoot = abs
		}
	}
	w.deb = newDebouncer(w.debounce)

	roots := append([]string(nil), w.pluginDirs...)
	if w.configRoot != "" {
		roots = append(roots, w.configRoot)
	}
	for _, dir := range roots {
		if err := w.addTree(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	w.logger.Debug("watching", "paths", len(w.Watched()))
	return w, nil
}

// Run applies changes one at a time until ctx is done, then closes the
// watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case t := <-w.deb.C():
			w.apply(ctx, t)
		}
	}
}

// Close stops the watcher. Pending changes are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.deb.Stop()
	return w.fsw.Close()
}

// Watched returns the watched directories.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for p := range w.watched {
		out = append(out, p)
	}
	return out
}

// addTree watches dir and every directory below it. A missing dir is skipped.
func (w *Watcher) addTree(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		w.logger.Debug("watch path does not exist", "path", dir)
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.add(p)
	})
}

func (w *Watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watched[dir] = true
	return nil
}

// handle classifies an fsnotify event and schedules its target.
func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("watching new directory", "path", ev.Name, "error", err)
			}
		}
	}

	t, ok := w.classify(ev.Name)
	if !ok {
		return
	}
	if t.kind == KindReload {
		if _, known := w.mgr.Info(t.plugin); !known {
			t.kind = KindDiscover
		}
	}
	w.logger.Trace("change", "path", ev.Name, "op", ev.Op, "plugin", t.plugin, "action", t.kind)
	w.deb.Add(t)
}

// classify maps a path to the plugin it belongs to.
func (w *Watcher) classify(path string) (target, bool) {
	if w.configRoot != "" {
		if rel, ok := within(w.configRoot, path); ok {
			parts := strings.Split(rel, string(filepath.Separator))
			if len(parts) == 2 && parts[1] == config.DocumentFile {
				return target{plugin: parts[0], kind: KindPermissions}, true
			}
			return target{}, false
		}
	}
	for _, base := range w.pluginDirs {
		rel, ok := within(base, path)
		if !ok {
			continue
		}
		first := strings.Split(rel, string(filepath.Separator))[0]
		if strings.HasPrefix(first, ".") {
			return target{}, false
		}
		if rel == first {
			// Entries directly in the search path are plugin dirs or single .lua files.
			if ext := filepath.Ext(first); ext != "" {
				if ext != ".lua" {
					return target{}, false
				}
				first = strings.TrimSuffix(first, ext)
			}
		}
		return target{plugin: first, kind: KindReload}, true
	}
	return target{}, false
}

// within returns path relative to base when path lies strictly below base.
func within(base, path string) (string, bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// apply runs one debounced change.
func (w *Watcher) apply(ctx context.Context, t target) {
	c := Change{Plugin: t.plugin, Kind: t.kind}
	switch t.kind {
	case KindReload:
		c.Report = w.mgr.Reload(ctx, t.plugin)
		c.Err = c.Report.Err()
	case KindDiscover:
		c.Report = w.mgr.LoadAll(ctx)
		c.Err = c.Report.Err()
	case KindPermissions:
		c.Err = w.mgr.ReloadPermissions(t.plugin)
		if errors.Is(c.Err, plugin.ErrPluginNotFound) || errors.Is(c.Err, plugin.ErrNotResident) {
			// Documents of plugins that are not loaded are read on load.
			c.Err = nil
		}
	}

	if c.Err != nil {
		w.logger.Warn("hot reload failed", "plugin", t.plugin, "action", t.kind, "kind", plugin.FailureKind(c.Err), "error", c.Err)
	} else {
		w.logger.Info("hot reload applied", "plugin", t.plugin, "action", t.kind)
	}
	for _, fn := range w.handlers {
		fn(c)
	}
}
