// Package admin implements the operator surface of the plugin host: listing
// plugins and reloading, enabling or disabling them one at a time.
//
// The same operations back the command line, the chat command and the status
// view. Every operation reports per plugin; there is no all-or-nothing result.
package admin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dshills/pluginhost/internal/plugin"
)

// PermManage gates the chat administration command.
const PermManage = "plugins.manage"

// ErrUnknownAction is returned for an action other than reload, enable or disable.
var ErrUnknownAction = errors.New("unknown action")

// Lister lists registered plugins.
type Lister interface {
	List() []plugin.Info
}

// Manager is the part of the plugin manager the admin surface drives.
type Manager interface {
	Lister
	Reload(ctx context.Context, name string) *plugin.Report
	Enable(ctx context.Context, name string) *plugin.Report
	Disable(ctx context.Context, name string) *plugin.Report
}

// Action is a single-plugin administrative operation.
type Action string

// Actions.
const (
	ActionReload  Action = "reload"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

// ParseAction parses an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionReload, ActionEnable, ActionDisable:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Apply runs action on the named plugin.
func Apply(ctx context.Context, mgr Manager, action Action, name string) (*plugin.Report, error) {
	switch action {
	case ActionReload:
		return mgr.Reload(ctx, name), nil
	case ActionEnable:
		return mgr.Enable(ctx, name), nil
	case ActionDisable:
		return mgr.Disable(ctx, name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Line is the outcome of an operation for one plugin.
type Line struct {
	Plugin string
	Op     plugin.Op
	Err    error
}

// OK returns true if every step for the plugin succeeded.
func (l Line) OK() bool {
	return l.Err == nil
}

// Kind returns the failure kind, or "" on success.
func (l Line) Kind() string {
	return plugin.FailureKind(l.Err)
}

func (l Line) String() string {
	name := l.Plugin
	if name == "" {
		name = "host"
	}
	if l.Err == nil {
		return name + ": ok"
	}
	return fmt.Sprintf("%s: %s: %v", name, l.Kind(), l.Err)
}

// Summarize folds a report into one line per plugin touched, in the order
// plugins first appear. A plugin's line carries its first failure.
func Summarize(r *plugin.Report) []Line {
	if r == nil {
		return nil
	}
	var lines []Line
	index := make(map[string]int)
	for _, res := range r.Results {
		i, seen := index[res.Plugin]
		if !seen {
			index[res.Plugin] = len(lines)
			lines = append(lines, Line{Plugin: res.Plugin, Op: res.Op, Err: res.Err})
			continue
		}
		if lines[i].Err == nil && res.Err != nil {
			lines[i].Op = res.Op
			lines[i].Err = res.Err
		}
	}
	return lines
}

// WriteReport prints successful plugins to out and failed ones to errOut.
// It returns the report's joined error.
func WriteReport(out, errOut io.Writer, r *plugin.Report) error {
	for _, line := range Summarize(r) {
		w := out
		if !line.OK() {
			w = errOut
		}
		if _, err := fmt.Fprintln(w, line.String()); err != nil {
			return err
		}
	}
	return r.Err()
}
