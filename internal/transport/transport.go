// Package transport defines the chat capability the host and its plugins use.
//
// Only the narrow operations below are exposed. Gateway framing, rate limiting
// and the rest of the platform protocol live behind an implementation.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a channel, member or message does not exist.
var ErrNotFound = errors.New("transport: not found")

// Transport is the capability injected into the host and every plugin.
type Transport interface {
	SendMessage(ctx context.Context, channelID uint64, content Content) (*Message, error)
	React(ctx context.Context, msg *Message, emoji string) error
	GetGuildMember(ctx context.Context, guildID, userID uint64) (*Member, error)
	GetChannel(ctx context.Context, id uint64) (*Channel, error)
}

// Content is the body of an outgoing message. Text, Embed or both may be set.
type Content struct {
	Text  string
	Embed *Embed
}

// Embed is a minimal rich message block.
type Embed struct {
	Title       string
	Description string
	Color       int
	Fields      []EmbedField
}

// EmbedField is a titled line within an embed.
type EmbedField struct {
	Name  string
	Value string
}

// Colors used by host-generated embeds.
const (
	ColorSuccess = 0x2ecc71
	ColorError   = 0xe74c3c
)

// Message is a sent or received message.
type Message struct {
	ID        uint64
	ChannelID uint64
	GuildID   uint64
	AuthorID  uint64
	Content   Content
	Reactions []string
	SentAt    time.Time
}

// Channel is a message destination. GuildID is zero for direct channels.
type Channel struct {
	ID      uint64
	GuildID uint64
	Name    string
}

// IsDirect reports whether the channel is outside any guild.
func (c *Channel) IsDirect() bool {
	return c.GuildID == 0
}

// Member is a user's membership within a guild.
type Member struct {
	GuildID uint64
	UserID  uint64
	Nick    string
	Roles   []uint64
}
