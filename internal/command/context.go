package command

import (
	"context"

	"github.com/dshills/pluginhost/internal/permission"
	"github.com/dshills/pluginhost/internal/transport"
)

// Context carries one command invocation. It is cancelled when the command
// returns or when Cancel is called.
type Context struct {
	// Name is the invoked command name.
	Name string

	// Args are the whitespace-separated arguments after the name.
	Args []string

	// Mention is the id of a leading user mention, zero if there was none.
	Mention uint64

	// BotID is the bot's own user id.
	BotID uint64

	Message   *transport.Message
	Actor     permission.Actor
	Transport transport.Transport

	// Set by the registry during dispatch.
	Command   *Command
	Evaluator *permission.Evaluator

	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the invocation's context. It is never nil.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Cancel cancels the invocation. It is safe to call more than once.
func (c *Context) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// InGuild reports whether the message was sent inside a guild.
func (c *Context) InGuild() bool {
	return c.Message != nil && c.Message.GuildID != 0
}

// Arg returns the i'th argument or "".
func (c *Context) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Reply sends text to the channel the command came from.
func (c *Context) Reply(text string) (*transport.Message, error) {
	return c.send(transport.Content{Text: text})
}

// ReplyEmbed sends an embed to the channel the command came from.
func (c *Context) ReplyEmbed(embed *transport.Embed) (*transport.Message, error) {
	return c.send(transport.Content{Embed: embed})
}

func (c *Context) send(content transport.Content) (*transport.Message, error) {
	if c.Transport == nil || c.Message == nil {
		return nil, nil
	}
	return c.Transport.SendMessage(c.Context(), c.Message.ChannelID, content)
}
