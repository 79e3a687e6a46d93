package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dshills/pluginhost/internal/admin"
	"github.com/dshills/pluginhost/internal/app"
	"github.com/dshills/pluginhost/internal/config"
)

// errReported marks failures already written to stderr.
var errReported = errors.New("plugin operation failed")

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath  string
	pluginPaths []string
	dataDir     string
	logLevel    string
	hookTimeout time.Duration

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (o *globalOptions) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "pluginhost.yaml", "Path to the host configuration file (yaml or toml)")
	fs.StringSliceVar(&o.pluginPaths, "plugins", nil, "Plugin search paths, in priority order")
	fs.StringVar(&o.dataDir, "data", "", "Root of the per-plugin data directories")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error, off)")
	fs.DurationVar(&o.hookTimeout, "hook-timeout", 30*time.Second, "Bound on every lifecycle hook")
}

// hostConfig loads the config file and applies flags that were set
// explicitly. Flags win over the file and the environment.
func (o *globalOptions) hostConfig(fs *pflag.FlagSet) (config.Host, error) {
	cfg, err := config.LoadHost(o.configPath)
	if err != nil {
		return cfg, err
	}
	if fs.Changed("plugins") {
		cfg.PluginPaths = o.pluginPaths
	}
	if fs.Changed("data") {
		if cfg.ConfigDir == cfg.DataDir {
			cfg.ConfigDir = o.dataDir
		}
		cfg.DataDir = o.dataDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if fs.Changed("hook-timeout") {
		cfg.HookTimeout = config.Duration(o.hookTimeout)
	}
	return cfg, nil
}

func (o *globalOptions) newApp(cmd *cobra.Command, opts app.Options) (*app.App, error) {
	cfg, err := o.hostConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if opts.Output == nil {
		opts.Output = o.stderr
	}
	return app.New(cfg, opts)
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "pluginhost",
		Short: "Host for chat bot plugins",
		Long: `pluginhost discovers plugins on its search paths, orders them by their
dependencies and runs each one through load, enable, disable and unload.

Lua plugins run in their own interpreter state. Process plugins run as
separate executables over RPC.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	opts.bind(root.PersistentFlags())

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newPluginsCommand(opts))
	return root
}

// serveFlags holds the serve command's flags.
type serveFlags struct {
	tui         bool
	console     bool
	watch       bool
	metricsAddr string
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load every plugin and run until interrupted",
		Long: `Load and enable every plugin, then run until interrupted.

With --watch, changed plugin directories are reloaded and edited config
documents swap permissions in place. With --metrics-addr, prometheus metrics
are served at /metrics.`,
		Example: `  pluginhost serve
  pluginhost serve --watch --metrics-addr :9090
  pluginhost serve --tui`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.tui, "tui", false, "Show a live status view")
	cmd.Flags().BoolVar(&flags.console, "console", false, "Read chat commands from stdin")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "Hot reload changed plugins and config documents")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Address to serve /metrics on")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, flags *serveFlags) error {
	cfg, err := opts.hostConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("watch") {
		cfg.Watch = flags.watch
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}

	appOpts := app.Options{Output: opts.stderr}
	if flags.tui {
		// The status view owns the terminal; logs reach it through the sink.
		appOpts.Output = io.Discard
	}
	a, err := app.New(cfg, appOpts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if flags.console {
		go func() {
			if err := a.Console(ctx, opts.stdin); err != nil {
				a.Logger().Warn("console stopped", "error", err)
			}
		}()
	}
	if !flags.tui {
		return a.Run(ctx)
	}

	logs := make(chan []string, 64)
	unsubscribe := a.Sink().Subscribe(func(b app.BufferedLog) {
		select {
		case logs <- b.Lines:
		default:
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	model := admin.NewStatus(a.Manager(), admin.StatusOptions{
		Events: a.Manager().Events(ctx, 64),
		Logs:   logs,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx), tea.WithInput(opts.stdin), tea.WithOutput(opts.stdout))
	_, perr := program.Run()
	cancel()
	err = <-done
	if perr != nil && !errors.Is(perr, tea.ErrProgramKilled) {
		return fmt.Errorf("status view: %w", perr)
	}
	return err
}

func newPluginsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and manage plugins",
		Long: `Inspect and manage plugins.

Each command loads every plugin, applies the operation and shuts down. One
line is printed per plugin touched; failures go to stderr with their kind.`,
		Example: `  pluginhost plugins list
  pluginhost plugins reload greeter
  pluginhost plugins disable greeter`,
	}
	cmd.AddCommand(newPluginsListCommand(opts))
	for _, action := range []admin.Action{admin.ActionReload, admin.ActionDisable, admin.ActionEnable} {
		cmd.AddCommand(newPluginActionCommand(opts, action))
	}
	return cmd
}

func newPluginsListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins with their state and dependencies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.newApp(cmd, app.Options{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			report := a.Start(ctx)
			defer a.Shutdown(context.WithoutCancel(ctx))

			fmt.Fprintln(opts.stdout, admin.Table(a.Manager().List()))
			failed := false
			for _, line := range admin.Summarize(report) {
				if !line.OK() {
					fmt.Fprintln(opts.stderr, line.String())
					failed = true
				}
			}
			if failed {
				return errReported
			}
			return nil
		},
	}
}

func newPluginActionCommand(opts *globalOptions, action admin.Action) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " <name>",
		Short: fmt.Sprintf("%s one plugin", actionTitle(action)),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(cmd, app.Options{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a.Start(ctx)
			defer a.Shutdown(context.WithoutCancel(ctx))

			report, err := admin.Apply(ctx, a.Manager(), action, args[0])
			if err != nil {
				return err
			}
			if err := admin.WriteReport(opts.stdout, opts.stderr, report); err != nil {
				return errReported
			}
			return nil
		},
	}
}

func actionTitle(a admin.Action) string {
	switch a {
	case admin.ActionReload:
		return "Reload"
	case admin.ActionEnable:
		return "Enable"
	case admin.ActionDisable:
		return "Disable"
	default:
		return string(a)
	}
}
