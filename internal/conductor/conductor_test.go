package conductor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gorm.io/driver/sqlite"

	"github.com/zulandar/roundhouse/internal/backend"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/pool"
	"github.com/zulandar/roundhouse/internal/relay"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/tracker"
)

// fakeAdapter records outbound traffic.
type fakeAdapter struct {
	mu      sync.Mutex
	posts   []relay.Outbound
	updates []string
	inbound chan relay.Inbound
	nextID  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{inbound: make(chan relay.Inbound, 8)}
}

func (a *fakeAdapter) Platform() string                  { return "test" }
func (a *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (a *fakeAdapter) Close() error                      { return nil }

func (a *fakeAdapter) Listen(ctx context.Context) (<-chan relay.Inbound, error) {
	return a.inbound, nil
}

func (a *fakeAdapter) Post(ctx context.Context, msg relay.Outbound) (relay.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posts = append(a.posts, msg)
	a.nextID++
	return relay.MessageRef{Platform: "test", ChannelID: msg.ChannelID, ID: fmt.Sprintf("m-%d", a.nextID)}, nil
}

func (a *fakeAdapter) Update(ctx context.Context, ref relay.MessageRef, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, text)
	return nil
}

func (a *fakeAdapter) React(ctx context.Context, ref relay.MessageRef, emoji string) error {
	return nil
}

func (a *fakeAdapter) postTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.posts))
	for i, p := range a.posts {
		out[i] = p.Text
	}
	return out
}

func (a *fakeAdapter) updateTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.updates...)
}

// fakeWorker satisfies pool.Worker and Sender. Send pushes the scripted
// NDJSON feed through the pipe the stream reads from.
type fakeWorker struct {
	script string

	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	sends []string
}

func newFakeWorker(script string) *fakeWorker {
	pr, pw := io.Pipe()
	return &fakeWorker{script: script, pr: pr, pw: pw}
}

func (w *fakeWorker) Start(ctx context.Context) error       { return nil }
func (w *fakeWorker) Stop() error                           { w.pw.Close(); return nil }
func (w *fakeWorker) Restart(ctx context.Context) error     { return nil }
func (w *fakeWorker) HealthCheck(ctx context.Context) error { return nil }
func (w *fakeWorker) Endpoint() string                      { return "http://127.0.0.1:9999" }

func (w *fakeWorker) Send(ctx context.Context, sessionID, text string) error {
	w.mu.Lock()
	w.sends = append(w.sends, sessionID+"|"+text)
	w.mu.Unlock()
	feed := strings.ReplaceAll(w.script, "{{sid}}", sessionID)
	go w.pw.Write([]byte(feed))
	return nil
}

func (w *fakeWorker) Events(ctx context.Context) (io.ReadCloser, error) {
	return w.pr, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
data_dir: %s
backends:
  - kind: opencode
    binary: /usr/local/bin/opencode
`, t.TempDir())))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func testDaemon(t *testing.T, worker *fakeWorker, gdb *gorm.DB) (*Daemon, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	d, err := New(Opts{
		Config:   testConfig(t),
		Adapters: []relay.Adapter{adapter},
		DB:       gdb,
		Out:      io.Discard,
		Factory: func(key string) (pool.Worker, int, error) {
			return worker, 9999, nil
		},
		TurnTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.pool.ShutdownAll)
	return d, adapter
}

func testGorm(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	return gdb
}

const idleScript = `{"type":"message.part.updated","properties":{"sessionID":"{{sid}}","text":"All tests pass."}}` + "\n" +
	`{"type":"idle","properties":{"sessionID":"{{sid}}"}}` + "\n"

// foreignIdleScript opens with a replayed idle from another session before
// the real feed.
const foreignIdleScript = `{"type":"idle","properties":{"sessionID":"someone-else"}}` + "\n" + idleScript

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Error("expected error with no config")
	}
	if _, err := New(Opts{Config: testConfig(t)}); err == nil {
		t.Error("expected error with no adapters")
	}
}

func TestSessionIDFor_Deterministic(t *testing.T) {
	a := sessionIDFor("slack:C1:1700.1")
	b := sessionIDFor("slack:C1:1700.1")
	c := sessionIDFor("slack:C2")
	if a != b {
		t.Error("same key produced different session IDs")
	}
	if a == c {
		t.Error("distinct keys share a session ID")
	}
}

func TestHandleTurn_CompletesWithResult(t *testing.T) {
	worker := newFakeWorker(idleScript)
	gdb := testGorm(t)
	d, adapter := testDaemon(t, worker, gdb)

	msg := relay.Inbound{
		Platform:  "test",
		ChannelID: "C1",
		UserID:    "U1",
		UserName:  "dana",
		Text:      "run the tests",
	}
	d.handleTurn(context.Background(), adapter, msg)

	updates := adapter.updateTexts()
	if len(updates) != 1 || updates[0] != "All tests pass." {
		t.Errorf("updates = %v", updates)
	}

	worker.mu.Lock()
	sends := append([]string{}, worker.sends...)
	worker.mu.Unlock()
	if len(sends) != 1 || !strings.HasSuffix(sends[0], "|run the tests") {
		t.Errorf("sends = %v", sends)
	}

	// Busy bit released after the turn.
	if d.tracker.IsBusy(sessionIDFor(msg.ConversationKey())) {
		t.Error("session still busy after completed turn")
	}

	turns, err := db.RecentTurns(gdb, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Status != "completed" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHandleTurn_BusyRejection(t *testing.T) {
	worker := newFakeWorker(idleScript)
	d, adapter := testDaemon(t, worker, nil)

	msg := relay.Inbound{Platform: "test", ChannelID: "C1", Text: "second"}
	key := msg.ConversationKey()

	if !d.tracker.StartProcessing(sessionIDFor(key), tracker.ActiveContext{ConversationKey: key}) {
		t.Fatal("could not pre-claim session")
	}
	defer d.tracker.StopProcessing(sessionIDFor(key))

	d.handleTurn(context.Background(), adapter, msg)

	posts := adapter.postTexts()
	if len(posts) != 1 || posts[0] != busyReply {
		t.Errorf("posts = %v, want just the busy reply", posts)
	}

	worker.mu.Lock()
	sends := len(worker.sends)
	worker.mu.Unlock()
	if sends != 0 {
		t.Errorf("sends = %d, want 0 while busy", sends)
	}
}

func TestHandleTurn_PersistsSession(t *testing.T) {
	worker := newFakeWorker(idleScript)
	d, adapter := testDaemon(t, worker, nil)

	msg := relay.Inbound{Platform: "test", ChannelID: "C1", Text: "hello"}
	d.handleTurn(context.Background(), adapter, msg)

	st := d.stores["opencode"]
	doc := st.Load()
	sess, ok := doc[msg.ConversationKey()]
	if !ok {
		t.Fatalf("session not persisted; doc = %v", doc)
	}
	if sess.Mode != store.ModeAsk || sess.LastActiveAt.IsZero() {
		t.Errorf("sess = %+v", sess)
	}
}

func TestSweepOnce_RemovesIdleSessions(t *testing.T) {
	worker := newFakeWorker(idleScript)
	gdb := testGorm(t)
	d, _ := testDaemon(t, worker, gdb)

	st := d.stores["opencode"]
	if err := st.Update(func(doc store.SessionStore) error {
		doc["test:old"] = &store.Session{LastActiveAt: time.Now().Add(-400 * time.Hour)}
		doc["test:fresh"] = &store.Session{LastActiveAt: time.Now()}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.StartTurn(gdb, models.TurnRecord{
		ConversationKey: "test:old",
		StartedAt:       time.Now().Add(-400 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	d.sweepOnce()

	doc := st.Load()
	if _, ok := doc["test:old"]; ok {
		t.Error("idle session survived the sweep")
	}
	if _, ok := doc["test:fresh"]; !ok {
		t.Error("fresh session was swept")
	}

	turns, err := db.RecentTurns(gdb, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Status != "failed" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHandleTurn_IgnoresForeignSessionIdle(t *testing.T) {
	worker := newFakeWorker(foreignIdleScript)
	d, adapter := testDaemon(t, worker, nil)

	d.handleTurn(context.Background(), adapter, relay.Inbound{
		Platform:  "test",
		ChannelID: "C1",
		Text:      "run the tests",
	})

	// Were the foreign idle honored, the turn would finish before any
	// message part arrived and report an empty result.
	updates := adapter.updateTexts()
	if len(updates) != 1 || updates[0] != "All tests pass." {
		t.Errorf("updates = %v, want the full result", updates)
	}
}

func TestWorkerLifecycleLogged(t *testing.T) {
	worker := newFakeWorker(idleScript)
	gdb := testGorm(t)
	d, adapter := testDaemon(t, worker, gdb)

	d.handleTurn(context.Background(), adapter, relay.Inbound{
		Platform:  "test",
		ChannelID: "C1",
		Text:      "hello",
	})

	var logs []models.WorkerLog
	if err := gdb.Order("id").Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Event != "start" || logs[0].Port != 9999 {
		t.Fatalf("logs = %+v, want one start event", logs)
	}

	d.pool.ShutdownAll()

	if err := gdb.Order("id").Find(&logs).Error; err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[1].Event != "stop" {
		t.Errorf("logs = %+v, want start then stop", logs)
	}
}

func TestSubscribe_FanoutSeesWorkerEvents(t *testing.T) {
	worker := newFakeWorker(idleScript)
	d, adapter := testDaemon(t, worker, nil)

	var mu sync.Mutex
	var seen []string
	cancel := d.Subscribe(func(evt backend.Event) {
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})
	defer cancel()

	d.handleTurn(context.Background(), adapter, relay.Inbound{
		Platform:  "test",
		ChannelID: "C1",
		Text:      "hello",
	})

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(seen, ",")
	if !strings.Contains(joined, "message.part.updated") || !strings.Contains(joined, "idle") {
		t.Errorf("fanout saw %v", seen)
	}
}
