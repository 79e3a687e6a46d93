// Package rpc runs plugins as separate processes over hashicorp/go-plugin.
//
// A process plugin is an executable that calls Serve with its Lifecycle
// implementation. The host starts one process per loaded plugin and kills it
// on unload, so the process is the isolation boundary.
package rpc

import (
	"context"
	netrpc "net/rpc"

	"github.com/hashicorp/go-plugin"
)

// PluginName is the name the lifecycle plugin is dispensed under.
const PluginName = "lifecycle"

// Handshake is shared by the host and every process plugin.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST_PLUGIN",
	MagicCookieValue: "pluginhost_lifecycle",
}

// PluginMap returns the plugin set served or dispensed. impl is nil on the
// host side.
func PluginMap(impl Lifecycle) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{
		PluginName: &LifecyclePlugin{Impl: impl},
	}
}

// LoadRequest is passed to OnLoad.
type LoadRequest struct {
	Name    string
	Version string
	DataDir string

	// ConfigJSON is the plugin's config values as a JSON object.
	ConfigJSON []byte
}

// Lifecycle is implemented by process plugins.
type Lifecycle interface {
	OnLoad(req LoadRequest) error
	OnEnable() error
	OnDisable() error
	OnUnload() error
}

// LifecyclePlugin adapts a Lifecycle to go-plugin over net/rpc.
type LifecyclePlugin struct {
	plugin.Plugin
	Impl Lifecycle
}

func (p *LifecyclePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &Server{Impl: p.Impl}, nil
}

func (p *LifecyclePlugin) Client(b *plugin.MuxBroker, c *netrpc.Client) (interface{}, error) {
	return &Client{client: c}, nil
}

// Server is the net/rpc side running inside the plugin process. Replies are
// plain acknowledgements since gob cannot encode empty structs.
type Server struct {
	Impl Lifecycle
}

func (s *Server) OnLoad(req LoadRequest, ack *bool) error {
	err := s.Impl.OnLoad(req)
	*ack = err == nil
	return err
}

func (s *Server) OnEnable(_ bool, ack *bool) error {
	err := s.Impl.OnEnable()
	*ack = err == nil
	return err
}

func (s *Server) OnDisable(_ bool, ack *bool) error {
	err := s.Impl.OnDisable()
	*ack = err == nil
	return err
}

func (s *Server) OnUnload(_ bool, ack *bool) error {
	err := s.Impl.OnUnload()
	*ack = err == nil
	return err
}

// Client calls a plugin process. Every call returns when ctx ends even if the
// process never answers.
type Client struct {
	client *netrpc.Client
}

// NewClient wraps an established net/rpc connection.
func NewClient(c *netrpc.Client) *Client {
	return &Client{client: c}
}

func (c *Client) OnLoad(ctx context.Context, req LoadRequest) error {
	return c.call(ctx, "Plugin.OnLoad", req)
}

func (c *Client) OnEnable(ctx context.Context) error {
	return c.call(ctx, "Plugin.OnEnable", true)
}

func (c *Client) OnDisable(ctx context.Context) error {
	return c.call(ctx, "Plugin.OnDisable", true)
}

func (c *Client) OnUnload(ctx context.Context) error {
	return c.call(ctx, "Plugin.OnUnload", true)
}

func (c *Client) call(ctx context.Context, method string, args any) error {
	var ack bool
	call := c.client.Go(method, args, &ack, make(chan *netrpc.Call, 1))
	select {
	case <-call.Done:
		return call.Error
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs impl as a process plugin. It does not return.
func Serve(impl Lifecycle) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
	})
}
