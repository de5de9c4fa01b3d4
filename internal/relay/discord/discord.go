// Package discord implements the relay Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/roundhouse/internal/relay"
	"github.com/zulandar/roundhouse/internal/retry"
)

const (
	// maxAPIAttempts bounds retries for rate-limited API calls.
	maxAPIAttempts = 4
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	return r.s.State.Channel(channelID)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements relay.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	botToken      string
	channelID     string // default channel for messages
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan relay.Inbound
	cancelFunc    context.CancelFunc
	removeHandler func()
	retryOpts     retry.Options
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // default channel to post to
	// For testing: inject a mock session instead of the real Discord API.
	Session session
	// Retry tunes outbound API retries; zero values take package defaults.
	Retry retry.Options
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	retryOpts := opts.Retry
	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = maxAPIAttempts
	}
	if retryOpts.OnRateLimit == nil {
		retryOpts.OnRateLimit = func(wait time.Duration) {
			log.Printf("discord: rate limited, waiting %s", wait)
		}
	}

	a := &Adapter{
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		inbound:   make(chan relay.Inbound, 100),
		retryOpts: retryOpts,
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Platform returns "discord".
func (a *Adapter) Platform() string { return "discord" }

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Ready fires on connect and on every reconnect; capture the bot user
	// ID there for self-message filtering.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo reconnects the gateway itself; log it for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Inbound, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})

	a.mu.Lock()
	a.cancelFunc = cancel
	a.removeHandler = remove
	a.mu.Unlock()

	go func() {
		<-listenCtx.Done()
	}()

	return a.inbound, nil
}

// Post delivers a new message to Discord and returns its reference.
// Replying into a thread targets the thread's channel ID directly, since
// Discord threads are channels.
func (a *Adapter) Post(ctx context.Context, msg relay.Outbound) (relay.MessageRef, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return relay.MessageRef{}, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	channelID := msg.ChannelID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return relay.MessageRef{}, fmt.Errorf("discord: no channel specified")
	}

	var posted *discordgo.Message
	err := retry.WithPlatformRetry(ctx, func() error {
		var sendErr error
		posted, sendErr = a.sess.ChannelMessageSend(channelID, msg.Text)
		return wrapRateLimit(sendErr)
	}, a.retryOpts)
	if err != nil {
		return relay.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return relay.MessageRef{Platform: "discord", ChannelID: channelID, ID: posted.ID}, nil
}

// Update edits a previously posted message in place.
func (a *Adapter) Update(ctx context.Context, ref relay.MessageRef, text string) error {
	if ref.ChannelID == "" || ref.ID == "" {
		return fmt.Errorf("discord: message ref is incomplete")
	}
	err := retry.WithPlatformRetry(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEdit(ref.ChannelID, ref.ID, text)
		return wrapRateLimit(editErr)
	}, a.retryOpts)
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// React attaches an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, ref relay.MessageRef, emoji string) error {
	if ref.ChannelID == "" || ref.ID == "" {
		return fmt.Errorf("discord: message ref is incomplete")
	}
	err := retry.WithPlatformRetry(ctx, func() error {
		return wrapRateLimit(a.sess.MessageReactionAdd(ref.ChannelID, ref.ID, emoji))
	}, a.retryOpts)
	if err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

// Close shuts down the adapter. The inbound channel stays open: discordgo
// handlers run on the gateway's goroutines and may be mid-send on it, and
// consumers exit through their own context instead of a channel close.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	var closeErr error
	if a.sess != nil {
		closeErr = a.sess.Close()
	}
	return closeErr
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// handleMessage converts a Discord message event to an Inbound message.
// Messages arriving in a thread carry the thread's channel ID; resolve the
// parent so ChannelID/ThreadID line up with the Slack adapter's shape.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || m.Author.ID == botID || m.Author.Bot {
		return
	}

	channelID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	userName := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		userName = m.Member.Nick
	}

	a.inbound <- relay.Inbound{
		Platform:  "discord",
		ChannelID: channelID,
		ThreadID:  threadID,
		UserID:    m.Author.ID,
		UserName:  userName,
		Text:      m.Content,
		Timestamp: m.Timestamp,
	}
}

// wrapRateLimit converts discordgo's rate-limit error into the
// transport-agnostic form so the retry loop honors the suggested wait.
func wrapRateLimit(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &retry.RateLimitError{After: rl.RetryAfter, Err: err}
	}
	return err
}
