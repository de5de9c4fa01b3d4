package discord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/roundhouse/internal/relay"
)

// mockSession records API calls and replays scripted results.
type mockSession struct {
	mu sync.Mutex

	openErr  error
	handlers []interface{}

	channels map[string]*discordgo.Channel

	sendCalls []sendCall
	sendErrs  []error // consumed in order; nil entries mean success
	sendID    string

	editCalls  []editCall
	editErr    error
	reactCalls []reactCall
	reactErr   error

	closed bool
}

type sendCall struct {
	channelID string
	content   string
}

type editCall struct {
	channelID string
	messageID string
	content   string
}

type reactCall struct {
	channelID string
	messageID string
	emoji     string
}

func (m *mockSession) Open() error { return m.openErr }

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	return nil, errors.New("channel not found")
}

func (m *mockSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls = append(m.sendCalls, sendCall{channelID: channelID, content: content})
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := m.sendID
	if id == "" {
		id = "msg-100"
	}
	return &discordgo.Message{ID: id, ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editCalls = append(m.editCalls, editCall{channelID: channelID, messageID: messageID, content: content})
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, m.editErr
}

func (m *mockSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactCalls = append(m.reactCalls, reactCall{channelID: channelID, messageID: messageID, emoji: emojiID})
	return m.reactErr
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

// fireReady invokes the registered Ready handler.
func (m *mockSession) fireReady(userID, userName string) {
	m.mu.Lock()
	handlers := append([]interface{}{}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, &discordgo.Ready{User: &discordgo.User{ID: userID, Username: userName}})
		}
	}
}

// fireMessage invokes the registered MessageCreate handler.
func (m *mockSession) fireMessage(msg *discordgo.MessageCreate) {
	m.mu.Lock()
	handlers := append([]interface{}{}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, msg)
		}
	}
}

func connectedAdapter(t *testing.T, sess *mockSession) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{Session: sess, ChannelID: "chan-default"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNew_RequiresTokenOrSession(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil {
		t.Error("expected error with no token and no session")
	}
}

func TestConnect_OpenFailure(t *testing.T) {
	sess := &mockSession{openErr: errors.New("gateway down")}
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Error("expected open error")
	}
}

func TestReady_CapturesBotUserID(t *testing.T) {
	sess := &mockSession{}
	a := connectedAdapter(t, sess)

	sess.fireReady("BOT1", "roundhouse")
	if a.BotUserID() != "BOT1" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
}

func TestPost_ReturnsRef(t *testing.T) {
	sess := &mockSession{sendID: "msg-42"}
	a := connectedAdapter(t, sess)

	ref, err := a.Post(context.Background(), relay.Outbound{ChannelID: "chan-1", Text: "hello"})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	want := relay.MessageRef{Platform: "discord", ChannelID: "chan-1", ID: "msg-42"}
	if ref != want {
		t.Errorf("ref = %+v, want %+v", ref, want)
	}
}

func TestPost_ThreadTargetsThreadChannel(t *testing.T) {
	sess := &mockSession{}
	a := connectedAdapter(t, sess)

	if _, err := a.Post(context.Background(), relay.Outbound{
		ChannelID: "chan-1",
		ThreadID:  "thread-9",
		Text:      "in thread",
	}); err != nil {
		t.Fatal(err)
	}
	if len(sess.sendCalls) != 1 || sess.sendCalls[0].channelID != "thread-9" {
		t.Errorf("sendCalls = %+v, want send into thread channel", sess.sendCalls)
	}
}

func TestPost_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{
		sendErrs: []error{
			&discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
				TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 5 * time.Millisecond},
			}},
			nil,
		},
	}
	a := connectedAdapter(t, sess)

	if _, err := a.Post(context.Background(), relay.Outbound{ChannelID: "chan-1", Text: "x"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(sess.sendCalls) != 2 {
		t.Errorf("sendCalls = %d, want 2 (retry after rate limit)", len(sess.sendCalls))
	}
}

func TestPost_TerminalErrorNoRetry(t *testing.T) {
	sess := &mockSession{sendErrs: []error{errors.New("missing access")}}
	a := connectedAdapter(t, sess)

	if _, err := a.Post(context.Background(), relay.Outbound{ChannelID: "chan-1", Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if len(sess.sendCalls) != 1 {
		t.Errorf("sendCalls = %d, want 1", len(sess.sendCalls))
	}
}

func TestUpdateAndReact(t *testing.T) {
	sess := &mockSession{}
	a := connectedAdapter(t, sess)

	ref := relay.MessageRef{Platform: "discord", ChannelID: "chan-1", ID: "msg-7"}
	if err := a.Update(context.Background(), ref, "edited"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(sess.editCalls) != 1 || sess.editCalls[0].content != "edited" {
		t.Errorf("editCalls = %+v", sess.editCalls)
	}

	if err := a.React(context.Background(), ref, "👀"); err != nil {
		t.Fatalf("React: %v", err)
	}
	if len(sess.reactCalls) != 1 || sess.reactCalls[0].messageID != "msg-7" {
		t.Errorf("reactCalls = %+v", sess.reactCalls)
	}

	if err := a.Update(context.Background(), relay.MessageRef{}, "x"); err == nil {
		t.Error("expected error for incomplete ref")
	}
}

func TestListen_DeliversInbound(t *testing.T) {
	sess := &mockSession{channels: map[string]*discordgo.Channel{
		"thread-9": {ID: "thread-9", ParentID: "chan-1", Type: discordgo.ChannelTypeGuildPublicThread},
	}}
	a := connectedAdapter(t, sess)
	sess.fireReady("BOT1", "roundhouse")

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go sess.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "thread-9",
		Content:   "deploy it",
		Author:    &discordgo.User{ID: "U9", Username: "sam"},
		Timestamp: time.Unix(1700000000, 0),
	}})

	select {
	case msg := <-inbound:
		if msg.Platform != "discord" || msg.ChannelID != "chan-1" || msg.ThreadID != "thread-9" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.ConversationKey() != "discord:chan-1:thread-9" {
			t.Errorf("ConversationKey = %q", msg.ConversationKey())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestListen_FiltersSelfAndBots(t *testing.T) {
	sess := &mockSession{}
	a := connectedAdapter(t, sess)
	sess.fireReady("BOT1", "roundhouse")

	inbound, err := a.Listen(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		sess.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
			ID: "m1", ChannelID: "chan-1", Content: "self",
			Author: &discordgo.User{ID: "BOT1"},
		}})
		sess.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
			ID: "m2", ChannelID: "chan-1", Content: "other bot",
			Author: &discordgo.User{ID: "U5", Bot: true},
		}})
		sess.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
			ID: "m3", ChannelID: "chan-1", Content: "real",
			Author: &discordgo.User{ID: "U9", Username: "sam"},
		}})
	}()

	select {
	case msg := <-inbound:
		if msg.Text != "real" {
			t.Errorf("got %q, bot messages not filtered", msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestClose_Idempotent(t *testing.T) {
	sess := &mockSession{}
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClose_LateMessageDropped(t *testing.T) {
	sess := &mockSession{}
	a := connectedAdapter(t, sess)
	sess.fireReady("BOT1", "roundhouse")

	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	// Gateway goroutines may still dispatch after Close; the handler must
	// drop the message, never panic on the inbound channel.
	sess.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m-late", ChannelID: "chan-1", Content: "late",
		Author: &discordgo.User{ID: "U9", Username: "sam"},
	}})

	select {
	case msg := <-a.inbound:
		t.Errorf("delivered after close: %+v", msg)
	default:
	}
}
