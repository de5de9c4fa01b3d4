// Package stream consumes a worker's long-lived event feed, reconnecting
// with jittered exponential backoff when the feed breaks.
//
// The stream runs only while it has subscribers: the first subscription
// starts the connect loop, and when the last subscriber leaves the loop is
// cancelled immediately, including any in-flight backoff wait. Delivery is
// at-least-once and in order per connection; events lost across a reconnect
// gap are gone, so consumers key idempotently.
package stream

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zulandar/roundhouse/internal/backend"
)

// State is the explicit connection state of a Reconnector.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Backoff
	Stopped
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Backoff:
		return "backoff"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultBaseDelay seeds the reconnect backoff.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnect backoff.
	DefaultMaxDelay = 30 * time.Second
)

// Connect opens the underlying feed. Called once per (re)connection.
type Connect func(ctx context.Context) (backend.EventSource, error)

// Opts holds parameters for a Reconnector.
type Opts struct {
	Connect   Connect
	BaseDelay time.Duration // defaults to DefaultBaseDelay
	MaxDelay  time.Duration // defaults to DefaultMaxDelay

	// sleep and jitter are injectable for tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// Reconnector fans a worker event feed out to subscribers.
type Reconnector struct {
	connect Connect
	base    time.Duration
	max     time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(d time.Duration) time.Duration

	mu     sync.Mutex
	state  State
	subs   map[int]func(backend.Event)
	nextID int
	cancel context.CancelFunc
}

// New creates a Reconnector in the Idle state.
func New(opts Opts) (*Reconnector, error) {
	if opts.Connect == nil {
		return nil, fmt.Errorf("stream: connect is required")
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	max := opts.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	jitter := opts.jitter
	if jitter == nil {
		// Half fixed, half random, to spread reconnects of many streams.
		jitter = func(d time.Duration) time.Duration {
			return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
		}
	}
	return &Reconnector{
		connect: opts.Connect,
		base:    base,
		max:     max,
		sleep:   sleep,
		jitter:  jitter,
		state:   Idle,
		subs:    make(map[int]func(backend.Event)),
	}, nil
}

// State returns the current connection state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Subscribers returns the current subscriber count.
func (r *Reconnector) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscribe registers a callback for every delivered event and returns its
// unsubscribe function. The first subscriber moves the stream out of
// Idle/Stopped into Connecting; when the count drops back to zero all
// connect and backoff work stops at once.
func (r *Reconnector) Subscribe(fn func(backend.Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	if len(r.subs) == 1 && (r.state == Idle || r.state == Stopped) {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.state = Connecting
		go r.run(ctx)
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(id) })
	}
}

func (r *Reconnector) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, id)
	if len(r.subs) == 0 && r.cancel != nil {
		// No consumers: no background work, not even a pending reconnect.
		r.cancel()
		r.cancel = nil
		r.state = Stopped
	}
}

// run is the connect/stream/backoff loop. It exits only via cancellation,
// which happens exactly when the subscriber count reaches zero.
func (r *Reconnector) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		r.setState(Connecting)

		src, err := r.connect(ctx)
		if err == nil {
			r.setState(Streaming)
			attempt = 0
			err = r.consume(src)
		}
		if ctx.Err() != nil {
			return
		}
		log.Printf("stream: feed lost (%v), backing off", err)

		r.setState(Backoff)
		delay := r.jitter(backoffDelay(r.base, r.max, attempt))
		attempt++
		if r.sleep(ctx, delay) != nil {
			return
		}
		// Re-check before reconnecting, not after: the last subscriber may
		// have left while we slept without cancellation racing ahead.
		if ctx.Err() != nil || r.Subscribers() == 0 {
			return
		}
	}
}

// consume delivers events until the feed ends or breaks.
func (r *Reconnector) consume(src backend.EventSource) error {
	defer src.Close()
	for {
		evt, err := src.Next()
		if err != nil {
			return err
		}
		r.deliver(evt)
	}
}

// deliver calls every currently registered subscriber, in a stable order
// for a given subscriber set, from the single consume goroutine.
func (r *Reconnector) deliver(evt backend.Event) {
	r.mu.Lock()
	fns := make([]func(backend.Event), 0, len(r.subs))
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (r *Reconnector) setState(s State) {
	r.mu.Lock()
	// A concurrent unsubscribe may already have stopped the stream; the
	// loop is about to observe its cancelled context, don't flap the state.
	if r.state != Stopped {
		r.state = s
	}
	r.mu.Unlock()
}

// backoffDelay computes base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * base
	if d > max || d <= 0 {
		d = max
	}
	return d
}
