package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Memory is an in-process Transport. It records every send and reaction and
// serves channels and members registered with AddChannel and AddMember.
type Memory struct {
	mu sync.Mutex

	nextID   uint64
	channels map[uint64]*Channel
	members  map[[2]uint64]*Member
	sent     []*Message

	logger hclog.Logger
}

// NewMemory creates an empty in-memory transport. A nil logger discards output.
func NewMemory(logger hclog.Logger) *Memory {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Memory{
		channels: make(map[uint64]*Channel),
		members:  make(map[[2]uint64]*Member),
		logger:   logger,
	}
}

// AddChannel registers a channel.
func (m *Memory) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = &ch
}

// AddMember registers a guild member.
func (m *Memory) AddMember(member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member.Roles = append([]uint64(nil), member.Roles...)
	m.members[[2]uint64{member.GuildID, member.UserID}] = &member
}

// SendMessage records a message. Unknown channels are created on first use.
func (m *Memory) SendMessage(ctx context.Context, channelID uint64, content Content) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if content.Text == "" && content.Embed == nil {
		return nil, fmt.Errorf("send to channel %d: empty content", channelID)
	}

	m.mu.Lock()
	ch, ok := m.channels[channelID]
	if !ok {
		ch = &Channel{ID: channelID}
		m.channels[channelID] = ch
	}
	m.nextID++
	msg := &Message{
		ID:        m.nextID,
		ChannelID: channelID,
		GuildID:   ch.GuildID,
		Content:   content,
		SentAt:    time.Now(),
	}
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	if content.Embed != nil {
		m.logger.Info("send embed", "channel", channelID, "title", content.Embed.Title, "description", content.Embed.Description)
	} else {
		m.logger.Info("send message", "channel", channelID, "text", content.Text)
	}
	return msg, nil
}

// React records a reaction on a previously sent message.
func (m *Memory) React(ctx context.Context, msg *Message, emoji string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s.ID == msg.ID {
			s.Reactions = append(s.Reactions, emoji)
			return nil
		}
	}
	return fmt.Errorf("react to message %d: %w", msg.ID, ErrNotFound)
}

// GetGuildMember returns a copy of a registered member.
func (m *Memory) GetGuildMember(ctx context.Context, guildID, userID uint64) (*Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[[2]uint64{guildID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *member
	cp.Roles = append([]uint64(nil), member.Roles...)
	return &cp, nil
}

// GetChannel returns a copy of a registered channel.
func (m *Memory) GetChannel(ctx context.Context, id uint64) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

// Sent returns copies of all recorded messages in send order.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.sent))
	for _, s := range m.sent {
		cp := *s
		cp.Reactions = append([]string(nil), s.Reactions...)
		out = append(out, cp)
	}
	return out
}
