package admin

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/pluginhost/internal/command"
	"github.com/dshills/pluginhost/internal/plugin"
	"github.com/dshills/pluginhost/internal/transport"
)

// CommandName is the chat command that administers plugins.
const CommandName = "plugins"

const usage = "usage: plugins list | plugins reload|enable|disable <name>"

// Chat answers the plugins chat command.
type Chat struct {
	mgr    Manager
	logger hclog.Logger
}

// NewChat creates the chat surface for mgr.
func NewChat(mgr Manager, logger hclog.Logger) *Chat {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Chat{mgr: mgr, logger: logger}
}

// Command returns the host command. It requires the plugins.manage permission.
func (c *Chat) Command() *command.Command {
	return &command.Command{
		Name:        CommandName,
		Description: "List, reload, enable or disable plugins",
		Checks:      []command.Check{command.RequirePermission(PermManage)},
		Run:         c.run,
	}
}

// Register adds the command to r.
func (c *Chat) Register(r *command.Registry) error {
	return r.Register(c.Command())
}

func (c *Chat) run(cc *command.Context) error {
	sub := strings.ToLower(cc.Arg(0))
	if sub == "" || sub == "list" {
		_, err := cc.ReplyEmbed(ListEmbed(c.mgr.List()))
		return err
	}

	action, err := ParseAction(sub)
	if err != nil || cc.Arg(1) == "" {
		_, rerr := cc.ReplyEmbed(errorEmbed("Invalid command", usage))
		return rerr
	}

	name := cc.Arg(1)
	report, err := Apply(cc.Context(), c.mgr, action, name)
	if err != nil {
		return err
	}
	c.logger.Info("admin command", "action", action, "plugin", name, "user", cc.Actor.UserID, "ok", report.OK())

	_, err = cc.ReplyEmbed(ReportEmbed(action, name, report))
	return err
}

// ListEmbed lists plugins as embed fields.
func ListEmbed(infos []plugin.Info) *transport.Embed {
	e := &transport.Embed{
		Title: fmt.Sprintf("Plugins (%d)", len(infos)),
		Color: transport.ColorSuccess,
	}
	if len(infos) == 0 {
		e.Description = "no plugins registered"
	}
	for _, info := range infos {
		row := Row(info)
		e.Fields = append(e.Fields, transport.EmbedField{
			Name:  info.Name,
			Value: fmt.Sprintf("%s %s since %s deps %s", row[1], row[2], row[3], row[4]),
		})
	}
	return e
}

// ReportEmbed summarizes an action. A failed action renders as an error.
func ReportEmbed(action Action, name string, r *plugin.Report) *transport.Embed {
	lines := Summarize(r)
	text := make([]string, len(lines))
	for i, l := range lines {
		text[i] = l.String()
	}
	if len(text) == 0 {
		text = []string{name + ": ok"}
	}

	title := fmt.Sprintf("%s %s", action, name)
	if !r.OK() {
		return errorEmbed(title+" failed", strings.Join(text, "\n"))
	}
	return &transport.Embed{
		Title:       title,
		Description: strings.Join(text, "\n"),
		Color:       transport.ColorSuccess,
	}
}

func errorEmbed(title, description string) *transport.Embed {
	return &transport.Embed{
		Title:       title,
		Description: description,
		Color:       transport.ColorError,
	}
}
