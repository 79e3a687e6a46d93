// Command echo-plugin is a minimal process plugin. It logs every lifecycle
// call; go-plugin forwards its stderr to the host's plugin logger.
package main

import (
	"encoding/json"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/pluginhost/internal/plugin/rpc"
)

type echo struct {
	logger hclog.Logger
	config map[string]any
}

func (e *echo) OnLoad(req rpc.LoadRequest) error {
	if err := json.Unmarshal(req.ConfigJSON, &e.config); err != nil {
		return err
	}
	e.logger.Info("loaded", "name", req.Name, "version", req.Version, "data_dir", req.DataDir, "keys", len(e.config))
	return nil
}

func (e *echo) OnEnable() error {
	e.logger.Info("enabled")
	return nil
}

func (e *echo) OnDisable() error {
	e.logger.Info("disabled")
	return nil
}

func (e *echo) OnUnload() error {
	e.logger.Info("unloaded")
	return nil
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Level:      hclog.Debug,
		Output:     os.Stderr,
		JSONFormat: true,
	})
	rpc.Serve(&echo{logger: logger})
}
