package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/dshills/pluginhost/internal/plugin"
)

// DefaultStartTimeout bounds the handshake with a new plugin process.
const DefaultStartTimeout = 10 * time.Second

// ErrNotStarted is returned by hooks called before Load or after Close.
var ErrNotStarted = errors.New("plugin process not running")

// Runtime runs one plugin in its own process.
type Runtime struct {
	desc         *plugin.Descriptor
	logger       hclog.Logger
	startTimeout time.Duration

	mu     sync.Mutex
	client *goplugin.Client
	impl   *Client
}

// FactoryOption configures the process runtime factory.
type FactoryOption func(*Runtime)

// WithStartTimeout bounds the plugin handshake.
func WithStartTimeout(d time.Duration) FactoryOption {
	return func(r *Runtime) {
		r.startTimeout = d
	}
}

// Factory returns the runtime factory for process plugins. logger receives
// go-plugin's own output; plugin stderr goes to the plugin's logger.
func Factory(logger hclog.Logger, opts ...FactoryOption) plugin.RuntimeFactory {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(desc *plugin.Descriptor) (plugin.Runtime, error) {
		if desc.Main == "" {
			return nil, plugin.ErrNoEntryPoint
		}
		r := &Runtime{desc: desc, logger: logger, startTimeout: DefaultStartTimeout}
		for _, opt := range opts {
			opt(r)
		}
		return r, nil
	}
}

// Load starts the plugin process and calls OnLoad.
func (r *Runtime) Load(ctx context.Context, svc *plugin.Services) error {
	cfg, err := json.Marshal(svc.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	cmd := exec.Command(r.desc.MainPath())
	cmd.Dir = r.desc.Path()
	cmd.Env = append(os.Environ(),
		"PLUGINHOST_PLUGIN_NAME="+svc.Name,
		"PLUGINHOST_DATA_DIR="+svc.DataDir,
	)

	logger := r.logger
	if svc.Logger != nil {
		logger = svc.Logger
	}
	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil),
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		Logger:           logger,
		StartTimeout:     r.startTimeout,
	})

	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		client.Kill()
		return errors.New("plugin process already started")
	}
	r.client = client
	r.mu.Unlock()

	impl, err := r.connect(ctx, client)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.impl = impl
	r.mu.Unlock()

	return r.hook(ctx, func(ctx context.Context, c *Client) error {
		return c.OnLoad(ctx, LoadRequest{
			Name:       svc.Name,
			Version:    svc.Version,
			DataDir:    svc.DataDir,
			ConfigJSON: cfg,
		})
	})
}

// connect performs the handshake and dispenses the lifecycle client. The
// process is killed if ctx ends first.
func (r *Runtime) connect(ctx context.Context, client *goplugin.Client) (*Client, error) {
	type result struct {
		impl *Client
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rpcClient, err := client.Client()
		if err != nil {
			done <- result{err: fmt.Errorf("connecting to plugin: %w", err)}
			return
		}
		raw, err := rpcClient.Dispense(PluginName)
		if err != nil {
			done <- result{err: fmt.Errorf("dispensing plugin: %w", err)}
			return
		}
		impl, ok := raw.(*Client)
		if !ok {
			done <- result{err: fmt.Errorf("plugin returned %T, not a lifecycle client", raw)}
			return
		}
		done <- result{impl: impl}
	}()

	select {
	case res := <-done:
		return res.impl, res.err
	case <-ctx.Done():
		client.Kill()
		return nil, ctx.Err()
	}
}

func (r *Runtime) Enable(ctx context.Context) error {
	return r.hook(ctx, (*Client).OnEnable)
}

func (r *Runtime) Disable(ctx context.Context) error {
	return r.hook(ctx, (*Client).OnDisable)
}

func (r *Runtime) Unload(ctx context.Context) error {
	return r.hook(ctx, (*Client).OnUnload)
}

// Close kills the plugin process.
func (r *Runtime) Close() error {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.impl = nil
	r.mu.Unlock()
	if client != nil {
		client.Kill()
	}
	return nil
}

// Exited reports whether the plugin process has exited.
func (r *Runtime) Exited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client == nil || r.client.Exited()
}

// hook calls fn, killing the process if ctx ends first.
func (r *Runtime) hook(ctx context.Context, fn func(context.Context, *Client) error) error {
	r.mu.Lock()
	impl, client := r.impl, r.client
	r.mu.Unlock()
	if impl == nil {
		return ErrNotStarted
	}

	err := fn(ctx, impl)
	if ctx.Err() != nil {
		r.logger.Warn("plugin call interrupted, killing process", "plugin", r.desc.Name, "error", ctx.Err())
		if client != nil {
			client.Kill()
		}
		return ctx.Err()
	}
	return err
}
