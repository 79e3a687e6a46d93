package command

import (
	"strconv"
	"strings"
)

// Check names.
const (
	CheckPermission    = "permission"
	CheckGuild         = "guild"
	CheckMentionPrefix = "mention-prefix"
)

// Default failure messages.
const (
	MsgInsufficientPermission = "insufficient permission"
	MsgGuildOnly              = "this command can only be used in a server"
	MsgMentionRequired        = "mention me to use this command"
)

// Check is a predicate evaluated before a command runs. Failure is sent back
// to the caller when the predicate returns false.
type Check struct {
	Name      string
	Predicate func(c *Context) bool
	Failure   string
}

// RequirePermission passes when the owning plugin's evaluator allows the
// named permission for the caller. A command that also carries RequireGuild
// evaluates the permission as guild-only.
func RequirePermission(name string) Check {
	return Check{
		Name: CheckPermission,
		Predicate: func(c *Context) bool {
			if c.Evaluator == nil {
				return false
			}
			return c.Evaluator.Evaluate(name, c.Actor, c.Command.guildOnly())
		},
		Failure: MsgInsufficientPermission,
	}
}

// RequireGuild passes when the message was sent inside a guild.
func RequireGuild() Check {
	return Check{
		Name: CheckGuild,
		Predicate: func(c *Context) bool {
			return c.InGuild()
		},
		Failure: MsgGuildOnly,
	}
}

// RequireMentionPrefix passes when the message was addressed to the bot with
// a leading mention.
func RequireMentionPrefix() Check {
	return Check{
		Name: CheckMentionPrefix,
		Predicate: func(c *Context) bool {
			return c.BotID != 0 && c.Mention == c.BotID
		},
		Failure: MsgMentionRequired,
	}
}

// ParseMention splits a leading user mention of the form <@id> or <@!id> off
// text. It returns the id and the remaining text with leading space removed.
func ParseMention(text string) (id uint64, rest string, ok bool) {
	s := strings.TrimLeft(text, " \t")
	if !strings.HasPrefix(s, "<@") {
		return 0, text, false
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return 0, text, false
	}
	token := strings.TrimPrefix(s[2:end], "!")
	id, err := strconv.ParseUint(token, 10, 64)
	if err != nil || id == 0 {
		return 0, text, false
	}
	return id, strings.TrimLeft(s[end+1:], " \t"), true
}
