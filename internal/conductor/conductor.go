// Package conductor runs the Roundhouse daemon: it pumps inbound chat
// messages, gates them per session, drives backend workers from the pool,
// and reports progress back to the platform.
package conductor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/backend"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/pool"
	"github.com/zulandar/roundhouse/internal/relay"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/stream"
	"github.com/zulandar/roundhouse/internal/tracker"
)

// Sender is the slice of a backend worker a turn needs beyond the pool's
// lifecycle contract.
type Sender interface {
	Send(ctx context.Context, sessionID, text string) error
	Events(ctx context.Context) (io.ReadCloser, error)
}

// Opts holds parameters for creating a Daemon.
type Opts struct {
	Config   *config.Config
	Adapters []relay.Adapter
	DB       *gorm.DB // optional; disables the activity log when nil
	Out      io.Writer

	// Factory overrides worker construction for tests. The returned worker
	// must also implement Sender.
	Factory pool.Factory
	// TurnTimeout bounds one turn end to end. Defaults to 10 minutes.
	TurnTimeout time.Duration
}

// Daemon is the Roundhouse conductor process.
type Daemon struct {
	cfg      *config.Config
	adapters []relay.Adapter
	gdb      *gorm.DB
	out      io.Writer

	tracker *tracker.Tracker
	pool    *pool.Pool
	stores  map[string]*store.Store // backend kind → session store

	turnTimeout time.Duration

	mu      sync.Mutex
	senders map[string]Sender              // conversation key → worker send handle
	streams map[string]*stream.Reconnector // conversation key → event stream
	ports   map[string]int                 // backend kind → next port to assign

	fanMu   sync.Mutex
	fanSubs map[int]func(backend.Event)
	fanNext int
}

// New creates a Daemon.
func New(opts Opts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("conductor: config is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("conductor: at least one adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = 10 * time.Minute
	}

	d := &Daemon{
		cfg:         opts.Config,
		adapters:    opts.Adapters,
		gdb:         opts.DB,
		out:         out,
		tracker:     tracker.New(),
		stores:      make(map[string]*store.Store),
		turnTimeout: turnTimeout,
		senders:     make(map[string]Sender),
		streams:     make(map[string]*stream.Reconnector),
		ports:       make(map[string]int),
		fanSubs:     make(map[int]func(backend.Event)),
	}

	for _, b := range opts.Config.Backends {
		st, err := store.New(opts.Config.DataDir, b.Kind)
		if err != nil {
			return nil, fmt.Errorf("conductor: store for %s: %w", b.Kind, err)
		}
		d.stores[b.Kind] = st
		d.ports[b.Kind] = b.BasePort
	}

	factory := opts.Factory
	if factory == nil {
		factory = d.spawnWorker
	} else {
		inner := factory
		factory = func(key string) (pool.Worker, int, error) {
			w, port, err := inner(key)
			if err == nil {
				if s, ok := w.(Sender); ok {
					d.mu.Lock()
					d.senders[key] = s
					d.mu.Unlock()
				}
			}
			return w, port, err
		}
	}
	p, err := pool.New(pool.Opts{
		Factory:        factory,
		HealthInterval: opts.Config.HealthInterval(),
		OnEvent:        d.logWorkerEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("conductor: %w", err)
	}
	d.pool = p

	return d, nil
}

// Tracker exposes the conversation tracker for the dashboard.
func (d *Daemon) Tracker() *tracker.Tracker { return d.tracker }

// Pool exposes the worker pool for the dashboard.
func (d *Daemon) Pool() *pool.Pool { return d.pool }

// Subscribe registers fn for every worker event across all conversations.
// Used by the dashboard SSE endpoint.
func (d *Daemon) Subscribe(fn func(backend.Event)) func() {
	d.fanMu.Lock()
	id := d.fanNext
	d.fanNext++
	d.fanSubs[id] = fn
	d.fanMu.Unlock()
	return func() {
		d.fanMu.Lock()
		delete(d.fanSubs, id)
		d.fanMu.Unlock()
	}
}

func (d *Daemon) fanDeliver(evt backend.Event) {
	d.fanMu.Lock()
	fns := make([]func(backend.Event), 0, len(d.fanSubs))
	for _, fn := range d.fanSubs {
		fns = append(fns, fn)
	}
	d.fanMu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// Run starts the daemon. It connects all adapters, pumps inbound messages
// until the context is cancelled, then tears down workers and adapters.
func (d *Daemon) Run(ctx context.Context) error {
	store.RemoveLegacy(d.cfg.DataDir)

	fmt.Fprintf(d.out, "Roundhouse connecting...\n")
	inbound := make(chan relay.Inbound, 64)
	var pumps sync.WaitGroup

	for _, a := range d.adapters {
		if err := a.Connect(ctx); err != nil {
			d.closeAdapters()
			return fmt.Errorf("conductor: connect adapter: %w", err)
		}
		ch, err := a.Listen(ctx)
		if err != nil {
			d.closeAdapters()
			return fmt.Errorf("conductor: listen: %w", err)
		}
		pumps.Add(1)
		go func(ch <-chan relay.Inbound) {
			defer pumps.Done()
			// Adapters keep their inbound channel open across Close, so
			// the pump exits on context cancellation, not channel close.
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case inbound <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}

	go d.runSweep(ctx)

	fmt.Fprintf(d.out, "Roundhouse online\n")

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Roundhouse shutting down...\n")
			d.pool.ShutdownAll()
			d.closeAdapters()
			pumps.Wait()
			fmt.Fprintf(d.out, "Roundhouse stopped\n")
			return nil

		case msg := <-inbound:
			adapter := d.adapterFor(msg.Platform)
			if adapter == nil {
				log.Printf("conductor: no adapter for platform %q", msg.Platform)
				continue
			}
			go d.handleTurn(ctx, adapter, msg)
		}
	}
}

// adapterFor maps a platform name to its connected adapter.
func (d *Daemon) adapterFor(platform string) relay.Adapter {
	for _, a := range d.adapters {
		if a.Platform() == platform {
			return a
		}
	}
	return nil
}

func (d *Daemon) closeAdapters() {
	for _, a := range d.adapters {
		if err := a.Close(); err != nil {
			log.Printf("conductor: close adapter: %v", err)
		}
	}
}

// backendFor picks the backend kind serving a conversation. With one
// configured backend it is simply that backend.
func (d *Daemon) backendFor(conversationKey string) config.BackendConfig {
	return d.cfg.Backends[0]
}

// sessionIDFor derives the stable backend session ID for a conversation.
// Deterministic so a restarted daemon reattaches to the same session.
func sessionIDFor(conversationKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("roundhouse:"+conversationKey)).String()
}

// spawnWorker is the production pool factory: it builds a ServerWorker for
// the conversation's backend on the kind's next free slot.
func (d *Daemon) spawnWorker(conversationKey string) (pool.Worker, int, error) {
	b := d.backendFor(conversationKey)

	d.mu.Lock()
	port := d.ports[b.Kind]
	d.ports[b.Kind]++
	d.mu.Unlock()

	w, err := backend.NewServerWorker(backend.ServerOpts{
		Kind:    b.Kind,
		Binary:  b.Binary,
		Args:    b.Args,
		WorkDir: b.WorkDir,
		Port:    port,
		Capabilities: backend.Capabilities{
			Sandboxing:      b.Sandboxed,
			ReasoningEffort: b.ReasoningEffort,
			ModelSelection:  b.ModelSelection,
		},
	})
	if err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	d.senders[conversationKey] = w
	d.mu.Unlock()
	return w, port, nil
}

// logWorkerEvent mirrors pool lifecycle transitions into the activity log.
func (d *Daemon) logWorkerEvent(conversationKey string, port int, event, detail string) {
	if d.gdb == nil {
		return
	}
	err := db.LogWorkerEvent(d.gdb, models.WorkerLog{
		ConversationKey: conversationKey,
		Backend:         d.backendFor(conversationKey).Kind,
		Port:            port,
		Event:           event,
		Detail:          detail,
	})
	if err != nil {
		log.Printf("conductor: %v", err)
	}
}

// senderFor returns the send handle registered for a conversation key.
func (d *Daemon) senderFor(conversationKey string) (Sender, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.senders[conversationKey]
	return s, ok
}

// streamFor returns the conversation's event stream, creating it on first
// use. The daemon holds one permanent subscription per stream to feed the
// dashboard fanout; turn handlers add and remove their own.
func (d *Daemon) streamFor(conversationKey string, sender Sender) (*stream.Reconnector, error) {
	d.mu.Lock()
	if s, ok := d.streams[conversationKey]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	base, max := d.cfg.StreamBackoff()
	s, err := stream.New(stream.Opts{
		Connect: func(ctx context.Context) (backend.EventSource, error) {
			rc, err := sender.Events(ctx)
			if err != nil {
				return nil, err
			}
			return backend.NewEventSource(rc), nil
		},
		BaseDelay: base,
		MaxDelay:  max,
	})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	if existing, ok := d.streams[conversationKey]; ok {
		d.mu.Unlock()
		return existing, nil
	}
	d.streams[conversationKey] = s
	d.mu.Unlock()

	s.Subscribe(d.fanDeliver)
	return s, nil
}
