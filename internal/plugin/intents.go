package plugin

import (
	"errors"
	"sort"
)

// Intent names a gateway event class a plugin needs the host to subscribe to.
type Intent string

// Known intents.
const (
	IntentGuilds                Intent = "guilds"
	IntentGuildMembers          Intent = "guild_members"
	IntentGuildModeration       Intent = "guild_moderation"
	IntentGuildPresences        Intent = "guild_presences"
	IntentGuildVoiceStates      Intent = "guild_voice_states"
	IntentGuildMessages         Intent = "guild_messages"
	IntentGuildMessageReactions Intent = "guild_message_reactions"
	IntentDirectMessages        Intent = "direct_messages"
	IntentMessageContent        Intent = "message_content"
)

// ErrInvalidIntent is returned for an unknown intent name.
var ErrInvalidIntent = errors.New("manifest: invalid intent")

var knownIntents = map[Intent]bool{
	IntentGuilds:                true,
	IntentGuildMembers:          true,
	IntentGuildModeration:       true,
	IntentGuildPresences:        true,
	IntentGuildVoiceStates:      true,
	IntentGuildMessages:         true,
	IntentGuildMessageReactions: true,
	IntentDirectMessages:        true,
	IntentMessageContent:        true,
}

// Valid returns true for a known intent.
func (i Intent) Valid() bool {
	return knownIntents[i]
}

// Privileged returns true for intents the platform gates behind approval.
func (i Intent) Privileged() bool {
	return i == IntentGuildMembers || i == IntentGuildPresences || i == IntentMessageContent
}

// UnionIntents merges intent lists into one sorted, duplicate-free list.
func UnionIntents(lists ...[]Intent) []Intent {
	seen := make(map[Intent]bool)
	var out []Intent
	for _, l := range lists {
		for _, i := range l {
			if !seen[i] {
				seen[i] = true
				out = append(out, i)
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
