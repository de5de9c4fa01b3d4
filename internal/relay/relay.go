// Package relay bridges conversations between chat platforms and backend
// workers. Each platform implements Adapter; the daemon treats them
// uniformly and keys all per-conversation state by ConversationKey.
package relay

import (
	"context"
	"fmt"
	"time"
)

// Adapter is the interface platform-specific implementations must satisfy.
// Adapters own connection management and message delivery for one platform;
// outbound calls retry transient and rate-limit failures internally.
type Adapter interface {
	// Platform returns the platform name, e.g. "slack".
	Platform() string

	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. The channel is closed
	// when the context is cancelled or the adapter is closed. Listen must
	// only be called after Connect.
	Listen(ctx context.Context) (<-chan Inbound, error)

	// Post delivers a new message and returns a reference to it so the
	// caller can later update or react to it.
	Post(ctx context.Context, msg Outbound) (MessageRef, error)

	// Update edits a previously posted message in place.
	Update(ctx context.Context, ref MessageRef, text string) error

	// React attaches an emoji reaction to a message.
	React(ctx context.Context, ref MessageRef, emoji string) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Inbound represents a message received from a chat platform.
type Inbound struct {
	Platform  string    // e.g. "slack", "discord"
	ChannelID string    // platform-specific channel identifier
	ThreadID  string    // thread identifier (empty if top-level)
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// Outbound represents a message to be posted to a chat platform.
type Outbound struct {
	ChannelID string // target channel
	ThreadID  string // thread to reply in (empty for a new top-level message)
	Text      string // message text, platform-native formatting
}

// MessageRef identifies a posted message for later edits and reactions.
type MessageRef struct {
	Platform  string
	ChannelID string
	ID        string // platform message ID (Slack: timestamp; Discord: snowflake)
}

// ConversationKey derives the stable key for a conversation. Top-level
// messages and their thread replies map to the same key once a thread
// exists; a channel without threads keys on the channel alone.
func (m Inbound) ConversationKey() string {
	if m.ThreadID != "" {
		return fmt.Sprintf("%s:%s:%s", m.Platform, m.ChannelID, m.ThreadID)
	}
	return fmt.Sprintf("%s:%s", m.Platform, m.ChannelID)
}
