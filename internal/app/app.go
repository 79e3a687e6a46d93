// Package app builds the plugin host from its configuration and runs it.
//
// An App is the explicit context object of the process: it owns the logger,
// the metrics registry, the config store, the transport, the command registry
// and the plugin manager, and hands them to each other at construction.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/pluginhost/internal/admin"
	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/config"
	"github.com/dshills/pluginhost/internal/metrics"
	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/plugin"
	"github.com/dshills/pluginhost/internal/plugin/lua"
	"github.com/dshills/pluginhost/internal/plugin/rpc"
	"github.com/dshills/pluginhost/internal/transport"
	"github.com/dshills/pluginhost/internal/watch"
)

// Version is the host version checked against descriptor hostVersion
// constraints.
const Version = "1.0.0"

// Timeouts used by Run.
const (
	ShutdownTimeout = 30 * time.Second
	FlushInterval   = time.Second
)

// hostPlugin names the owner of host commands in logs and evaluators.
const hostPlugin = "host"

// Options configures the application beyond the host configuration.
type Options struct {
	// Output receives log output. Defaults to os.Stderr.
	Output io.Writer

	// Builtins are compiled-in plugins registered before filesystem plugins.
	Builtins []*plugin.Builtin

	// Transport overrides the in-memory console transport.
	Transport transport.Transport

	// Runtimes adds or replaces runtime factories by kind.
	Runtimes map[string]plugin.RuntimeFactory
}

// App is the plugin host.
type App struct {
	cfg       config.Host
	logger    hclog.InterceptLogger
	sink      *BufferedSink
	metrics   *metrics.Metrics
	store     *config.FileStore
	transport transport.Transport
	commands  *command.Registry
	manager   *plugin.Manager

	running atomic.Bool
}

// New builds every component in dependency order. Nothing is loaded until
// Start or Run.
func New(cfg config.Host, opts Options) (*App, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, &InitError{Component: "logger", Err: err}
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = cfg.DataDir
	}

	a := &App{cfg: cfg}

	// 1. Logging
	a.logger = NewLogger(level, cfg.LogJSON, opts.Output)
	a.sink = NewBufferedSink(level, DefaultSinkLines)
	a.logger.RegisterSink(a.sink)

	// 2. Metrics and storage
	a.metrics = metrics.New()
	a.store = config.NewFileStore(cfg.ConfigDir)

	// 3. Transport
	a.transport = opts.Transport
	if a.transport == nil {
		a.transport = transport.NewMemory(a.logger.Named("console"))
	}

	// 4. Commands, gated by host permissions for host commands
	hostPerms, err := permission.Build(cfg.Admin.Permissions)
	if err != nil {
		return nil, &InitError{Component: "admin permissions", Err: err}
	}
	hostEval := permission.NewEvaluator(hostPlugin,
		permission.NewStore(permission.NewSet(hostPerms...)),
		permission.WithLogger(a.logger.Named(hostPlugin)),
		permission.WithRecorder(a.metrics),
	)
	prefix := cfg.Admin.Prefix
	if prefix == "" {
		prefix = command.DefaultPrefix
	}
	a.commands = command.NewRegistry(
		command.WithPrefix(prefix),
		command.WithEvaluators(a),
		command.WithHostEvaluator(hostEval),
		command.WithAvailability(a.enabled),
		command.WithLogger(a.logger.Named("commands")),
	)

	// 5. Plugin manager
	mopts := []plugin.Option{
		plugin.WithLogger(a.logger),
		plugin.WithRuntime(plugin.RuntimeLua, lua.Factory()),
		plugin.WithRuntime(plugin.RuntimeProcess, rpc.Factory(a.logger.Named("rpc"))),
		plugin.WithTransport(a.transport),
		plugin.WithConfigStore(a.store),
		plugin.WithMetrics(a.metrics),
		plugin.WithCommands(a.commands),
		plugin.WithHostVersion(Version),
	}
	if d := cfg.HookTimeout.Std(); d > 0 {
		mopts = append(mopts, plugin.WithHookTimeout(d))
	}
	for kind, factory := range opts.Runtimes {
		mopts = append(mopts, plugin.WithRuntime(kind, factory))
	}
	for _, b := range opts.Builtins {
		mopts = append(mopts, plugin.WithBuiltin(b))
	}
	a.manager = plugin.NewManager(plugin.Config{
		PluginPaths: cfg.PluginPaths,
		DataDir:     cfg.DataDir,
	}, mopts...)

	// 6. Admin surface
	if err := admin.NewChat(a.manager, a.logger.Named("admin")).Register(a.commands); err != nil {
		return nil, &InitError{Component: "admin commands", Err: err}
	}

	a.logger.Debug("host initialized", "version", Version, "plugin_paths", cfg.PluginPaths, "data_dir", cfg.DataDir)
	return a, nil
}

// Config returns the effective host configuration.
func (a *App) Config() config.Host { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() hclog.InterceptLogger { return a.logger }

// Sink returns the buffered log sink.
func (a *App) Sink() *BufferedSink { return a.sink }

// Metrics returns the metrics registry.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Store returns the plugin config store.
func (a *App) Store() *config.FileStore { return a.store }

// Transport returns the transport exposed to plugins.
func (a *App) Transport() transport.Transport { return a.transport }

// Commands returns the chat command registry.
func (a *App) Commands() *command.Registry { return a.commands }

// Manager returns the plugin manager.
func (a *App) Manager() *plugin.Manager { return a.manager }

// Evaluator implements command.EvaluatorSource.
func (a *App) Evaluator(name string) (*permission.Evaluator, bool) {
	return a.manager.Evaluator(name)
}

func (a *App) enabled(name string) bool {
	info, ok := a.manager.Info(name)
	return ok && info.State == plugin.StateEnabled
}

// Running returns true while Run is active.
func (a *App) Running() bool {
	return a.running.Load()
}

// Start loads and enables every plugin.
func (a *App) Start(ctx context.Context) *plugin.Report {
	report := a.manager.LoadAll(ctx)
	failed := report.Failed()
	a.logger.Info("plugins started", "enabled", len(report.Succeeded()), "failed", len(failed))
	return report
}

// Shutdown tears every plugin down and flushes buffered logs.
func (a *App) Shutdown(ctx context.Context) *plugin.Report {
	report := a.manager.ShutdownAll(ctx)
	if err := report.Err(); err != nil {
		a.logger.Warn("shutdown finished with errors", "error", err)
	} else {
		a.logger.Info("shutdown complete")
	}
	a.sink.Flush()
	return report
}

// HandleMessage dispatches an incoming chat message as actor.
func (a *App) HandleMessage(ctx context.Context, msg *transport.Message, actor permission.Actor) error {
	return a.commands.HandleMessage(ctx, a.transport, msg, actor, a.cfg.Admin.BotUserID)
}

// Console reads commands from r, one per line, and dispatches them as the
// configured console user until r is exhausted or ctx is done.
func (a *App) Console(ctx context.Context, r io.Reader) error {
	actor := permission.Actor{UserID: a.cfg.Admin.ConsoleUserID}
	scanner := bufio.NewScanner(r)
	var id uint64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		id++
		msg := &transport.Message{ID: id, AuthorID: actor.UserID, Content: transport.Content{Text: scanner.Text()}}
		if err := a.HandleMessage(ctx, msg, actor); err != nil {
			a.logger.Warn("console command failed", "text", scanner.Text(), "error", err)
		}
	}
	return scanner.Err()
}

// Handler serves /metrics and /healthz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// NewWatcher creates a hot reload watcher over the plugin paths and config
// store root.
func (a *App) NewWatcher(opts ...watch.Option) (*watch.Watcher, error) {
	base := []watch.Option{
		watch.WithPluginPaths(a.cfg.PluginPaths...),
		watch.WithConfigRoot(a.store.Root()),
		watch.WithLogger(a.logger.Named("watch")),
	}
	return watch.New(a.manager, append(base, opts...)...)
}

// Run starts every plugin, serves metrics and watches for changes until ctx
// is done, then shuts down. It returns the first component error.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		a.Shutdown(sctx)
	}()

	var watcher *watch.Watcher
	if a.cfg.Watch {
		w, err := a.NewWatcher()
		if err != nil {
			return &InitError{Component: "watcher", Err: err}
		}
		watcher = w
	}

	a.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}
	if addr := a.cfg.MetricsAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.sink.Flush()
			}
		}
	})

	return g.Wait()
}
