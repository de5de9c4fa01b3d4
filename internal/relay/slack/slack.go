// Package slack implements the relay Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/roundhouse/internal/relay"
	"github.com/zulandar/roundhouse/internal/retry"
)

const (
	// maxAPIAttempts bounds retries for rate-limited API calls.
	maxAPIAttempts = 4
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements relay.Adapter for Slack Socket Mode.
type Adapter struct {
	client     slackClient
	socket     socketClient
	botUserID  string
	appToken   string
	botToken   string
	channelID  string // default channel for messages without explicit channel
	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan relay.Inbound
	cancelFunc context.CancelFunc
	retryOpts  retry.Options
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	// For testing: inject mock clients instead of the real Slack API.
	Client slackClient
	Socket socketClient
	// Retry tunes outbound API retries; zero values take package defaults.
	Retry retry.Options
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	retryOpts := opts.Retry
	if retryOpts.MaxAttempts == 0 {
		retryOpts.MaxAttempts = maxAPIAttempts
	}
	if retryOpts.OnRateLimit == nil {
		retryOpts.OnRateLimit = func(wait time.Duration) {
			log.Printf("slack: rate limited, waiting %s", wait)
		}
	}

	a := &Adapter{
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		inbound:   make(chan relay.Inbound, 100),
		retryOpts: retryOpts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Platform returns "slack".
func (a *Adapter) Platform() string { return "slack" }

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan relay.Inbound, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runSocket(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Post delivers a new message to Slack and returns its reference.
func (a *Adapter) Post(ctx context.Context, msg relay.Outbound) (relay.MessageRef, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return relay.MessageRef{}, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return relay.MessageRef{}, fmt.Errorf("slack: no channel specified")
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}

	var ts string
	err := retry.WithPlatformRetry(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(channelID, options...)
		return postErr
	}, a.retryOpts)
	if err != nil {
		return relay.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	return relay.MessageRef{Platform: "slack", ChannelID: channelID, ID: ts}, nil
}

// Update edits a previously posted message in place.
func (a *Adapter) Update(ctx context.Context, ref relay.MessageRef, text string) error {
	if ref.ChannelID == "" || ref.ID == "" {
		return fmt.Errorf("slack: message ref is incomplete")
	}
	err := retry.WithPlatformRetry(ctx, func() error {
		_, _, _, updateErr := a.client.UpdateMessage(ref.ChannelID, ref.ID,
			slackapi.MsgOptionText(text, false))
		return updateErr
	}, a.retryOpts)
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// React attaches an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, ref relay.MessageRef, emoji string) error {
	if ref.ChannelID == "" || ref.ID == "" {
		return fmt.Errorf("slack: message ref is incomplete")
	}
	err := retry.WithPlatformRetry(ctx, func() error {
		return a.client.AddReaction(emoji, slackapi.ItemRef{
			Channel:   ref.ChannelID,
			Timestamp: ref.ID,
		})
	}, a.retryOpts)
	if err != nil {
		return fmt.Errorf("slack: add reaction: %w", err)
	}
	return nil
}

// Close shuts down the adapter. The inbound channel stays open: handler
// goroutines may still be mid-send on it, and consumers exit through their
// own context instead of a channel close.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// runSocket runs the Socket Mode client, retrying with backoff when Run
// returns an error. The socketmode client reconnects internally; this loop
// only catches hard failures of the client itself.
func (a *Adapter) runSocket(ctx context.Context) {
	err := retry.WithRetry(ctx, func() error {
		if ctx.Err() != nil {
			return nil
		}
		if runErr := a.socket.Run(); runErr != nil {
			log.Printf("slack: socket mode exited: %v", runErr)
			return retry.Retryable(runErr)
		}
		return nil
	}, retry.Options{
		BaseDelay:   2 * time.Second,
		MaxDelay:    2 * time.Minute,
		MaxAttempts: 10,
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("slack: socket mode gave up: %v", err)
	}
}

// pumpEvents reads Socket Mode events and converts them to Inbound messages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		switch ev := event.InnerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			a.handleMessage(ev)
		case *slackevents.AppMentionEvent:
			a.handleAppMention(ev)
		}
	}
}

// handleMessage converts a Slack message event to an Inbound message.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	// Filter bot self-messages.
	if ev.User == a.botUserID {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	a.inbound <- relay.Inbound{
		Platform:  "slack",
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
}

// handleAppMention converts a Slack @mention event to an Inbound message.
func (a *Adapter) handleAppMention(ev *slackevents.AppMentionEvent) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed || ev.User == a.botUserID {
		return
	}

	a.inbound <- relay.Inbound{
		Platform:  "slack",
		ChannelID: ev.Channel,
		ThreadID:  ev.ThreadTimeStamp,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// parseSlackTimestamp converts a Slack timestamp (e.g. "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
