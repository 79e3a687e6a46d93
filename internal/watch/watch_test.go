package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/plugin"
)

type fakeManager struct {
	mu    sync.Mutex
	known map[string]bool
	calls []string
}

func (f *fakeManager) Info(name string) (plugin.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return plugin.Info{Name: name}, f.known[name]
}

func (f *fakeManager) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeManager) LoadAll(context.Context) *plugin.Report {
	f.record("loadall")
	return &plugin.Report{}
}

func (f *fakeManager) Reload(_ context.Context, name string) *plugin.Report {
	f.record("reload:" + name)
	return &plugin.Report{}
}

func (f *fakeManager) ReloadPermissions(name string) error {
	f.record("permissions:" + name)
	return nil
}

func TestClassify(t *testing.T) {
	base := t.TempDir()
	cfg := t.TempDir()
	w, err := New(&fakeManager{}, WithPluginPaths(base), WithConfigRoot(cfg))
	require.NoError(t, err)
	defer w.Close()

	tests := []struct {
		path   string
		want   target
		wantOK bool
	}{
		{filepath.Join(base, "notes", "init.lua"), target{"notes", KindReload}, true},
		{filepath.Join(base, "notes", "lib", "util.lua"), target{"notes", KindReload}, true},
		{filepath.Join(base, "notes"), target{"notes", KindReload}, true},
		{filepath.Join(base, "single.lua"), target{"single", KindReload}, true},
		{filepath.Join(base, "README.md"), target{}, false},
		{filepath.Join(base, ".git", "HEAD"), target{}, false},
		{base, target{}, false},
		{filepath.Join(cfg, "notes", config.DocumentFile), target{"notes", KindPermissions}, true},
		{filepath.Join(cfg, "notes", ".tmp-123"), target{}, false},
		{filepath.Join(cfg, config.DocumentFile), target{}, false},
		{"/elsewhere/file", target{}, false},
	}
	for _, tt := range tests {
		got, ok := w.classify(tt.path)
		assert.Equal(t, tt.wantOK, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.Stop()

	for range 5 {
		d.Add(target{"notes", KindReload})
	}
	d.Add(target{"notes", KindDiscover})
	d.Add(target{"notes", KindPermissions})

	got := map[target]int{}
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case tg := <-d.C():
			got[tg]++
		case <-timeout:
			t.Fatalf("got %v before timeout", got)
		}
	}
	assert.Equal(t, map[target]int{
		{"notes", KindDiscover}:    1,
		{"notes", KindPermissions}: 1,
	}, got)

	select {
	case tg := <-d.C():
		t.Errorf("extra target %v", tg)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, d.Pending())
}

func TestDebouncerStop(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	d.Add(target{"notes", KindReload})
	d.Stop()
	d.Add(target{"other", KindReload})

	select {
	case tg := <-d.C():
		t.Errorf("target %v fired after Stop", tg)
	case <-time.After(80 * time.Millisecond):
	}
}

// runWatcher runs w until the test ends.
func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no change applied")
		return Change{}
	}
}

func TestWatcherHotReload(t *testing.T) {
	base := t.TempDir()
	cfg := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes", "init.lua"), []byte("-- v1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg, "notes"), 0o755))

	mgr := &fakeManager{known: map[string]bool{"notes": true}}
	changes := make(chan Change, 16)
	w, err := New(mgr,
		WithPluginPaths(base),
		WithConfigRoot(cfg),
		WithDebounce(100*time.Millisecond),
		WithHandler(func(c Change) { changes <- c }),
	)
	require.NoError(t, err)
	assert.Contains(t, w.Watched(), filepath.Join(base, "notes"))
	runWatcher(t, w)

	// Several writes settle into one reload.
	for i := range 3 {
		require.NoError(t, os.WriteFile(filepath.Join(base, "notes", "init.lua"), []byte{byte('0' + i)}, 0o644))
	}
	c := waitChange(t, changes)
	assert.Equal(t, "notes", c.Plugin)
	assert.Equal(t, KindReload, c.Kind)
	assert.NoError(t, c.Err)

	// A config document edit swaps permissions.
	store := config.NewFileStore(cfg)
	require.NoError(t, store.Save("notes", &config.Document{Values: map[string]any{"k": "v"}}))
	c = waitChange(t, changes)
	assert.Equal(t, Change{Plugin: "notes", Kind: KindPermissions}, c)

	// A new plugin directory becomes a discovery.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "fresh"), 0o755))
	c = waitChange(t, changes)
	assert.Equal(t, "fresh", c.Plugin)
	assert.Equal(t, KindDiscover, c.Kind)

	mgr.mu.Lock()
	calls := append([]string(nil), mgr.calls...)
	mgr.mu.Unlock()
	assert.Equal(t, []string{"reload:notes", "permissions:notes", "loadall"}, calls)
}

func TestWatcherMissingPaths(t *testing.T) {
	w, err := New(&fakeManager{}, WithPluginPaths(filepath.Join(t.TempDir(), "missing")))
	require.NoError(t, err)
	assert.Empty(t, w.Watched())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
