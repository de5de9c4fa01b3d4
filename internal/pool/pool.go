// Package pool owns one backend worker process per conversation key.
//
// Workers are created on first demand, health-checked on a timer, restarted
// in place when the probe fails, and torn down together on shutdown. A
// worker's endpoint is assigned once: if its port is already bound by
// something else the pool fails fast instead of silently picking another
// port, so a conversation's endpoint stays stable and debuggable.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// ErrPortInUse indicates the worker's assigned port is already bound.
var ErrPortInUse = errors.New("port already in use")

// DefaultHealthInterval is the default delay between health probes.
const DefaultHealthInterval = 30 * time.Second

// Worker is the slice of the backend contract the pool manages.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Endpoint() string
}

// Factory builds an unstarted worker for a conversation key, returning the
// worker and the port it will bind.
type Factory func(conversationKey string) (Worker, int, error)

// Instance is a live worker registered under a conversation key.
type Instance struct {
	Key      string
	Worker   Worker
	Endpoint string
	Port     int

	mu       sync.Mutex
	restarts int
	stopTick func()
}

// Restarts returns how many health-driven restarts this instance has seen.
func (i *Instance) Restarts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.restarts
}

// entry reserves a key while its worker is being created. Concurrent
// callers for the same key wait on ready and share the outcome
// (first-writer-wins: whoever inserted the reservation performs the spawn).
type entry struct {
	ready chan struct{}
	inst  *Instance
	err   error
}

// Opts holds parameters for creating a Pool.
type Opts struct {
	Factory        Factory
	HealthInterval time.Duration // defaults to DefaultHealthInterval

	// ProbePort reports whether a port is already bound. Injectable for
	// tests; defaults to a TCP dial probe.
	ProbePort func(port int) bool

	// NewTicker is injectable for simulated time in tests. It returns the
	// tick channel and a stop function.
	NewTicker func(d time.Duration) (<-chan time.Time, func())

	// OnEvent observes worker lifecycle transitions: "start", "restart",
	// "stop". Optional.
	OnEvent func(conversationKey string, port int, event, detail string)
}

// Pool tracks worker instances by conversation key.
type Pool struct {
	factory   Factory
	interval  time.Duration
	probePort func(port int) bool
	newTicker func(d time.Duration) (<-chan time.Time, func())
	onEvent   func(conversationKey string, port int, event, detail string)

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New creates a Pool.
func New(opts Opts) (*Pool, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	interval := opts.HealthInterval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	probe := opts.ProbePort
	if probe == nil {
		probe = portInUse
	}
	tick := opts.NewTicker
	if tick == nil {
		tick = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	onEvent := opts.OnEvent
	if onEvent == nil {
		onEvent = func(string, int, string, string) {}
	}
	return &Pool{
		factory:   opts.Factory,
		interval:  interval,
		probePort: probe,
		newTicker: tick,
		onEvent:   onEvent,
		entries:   make(map[string]*entry),
	}, nil
}

// GetOrCreate returns the worker instance for a conversation key, creating
// it on first demand. An existing instance is returned unchanged, with no
// health probe on the hot path. Creation for distinct keys proceeds in
// parallel; concurrent calls for the same key converge on one instance.
func (p *Pool) GetOrCreate(ctx context.Context, conversationKey string) (*Instance, error) {
	if conversationKey == "" {
		return nil, fmt.Errorf("pool: conversation key is required")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: shut down")
	}
	if e, ok := p.entries[conversationKey]; ok {
		p.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.inst, nil
	}

	// Reserve the key before any blocking spawn work so concurrent callers
	// for the same key await this creation instead of spawning a duplicate.
	e := &entry{ready: make(chan struct{})}
	p.entries[conversationKey] = e
	p.mu.Unlock()

	inst, err := p.create(ctx, conversationKey)
	if err != nil {
		e.err = err
		close(e.ready)
		// Failed creations leave no registration behind.
		p.mu.Lock()
		delete(p.entries, conversationKey)
		p.mu.Unlock()
		return nil, err
	}

	// The pool may have shut down while this spawn was in flight; its sweep
	// skipped the unfinished reservation, so tear the worker down here.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		inst.stopTick()
		if stopErr := inst.Worker.Stop(); stopErr != nil {
			log.Printf("pool: stop worker %s: %v", conversationKey, stopErr)
		}
		p.onEvent(conversationKey, inst.Port, "stop", "pool shut down during spawn")
		e.err = fmt.Errorf("pool: shut down")
		close(e.ready)
		return nil, e.err
	}
	e.inst = inst
	close(e.ready)
	p.mu.Unlock()
	return inst, nil
}

// create spawns and registers a worker for the key.
func (p *Pool) create(ctx context.Context, key string) (*Instance, error) {
	worker, port, err := p.factory(key)
	if err != nil {
		return nil, fmt.Errorf("pool: build worker for %s: %w", key, err)
	}

	// A bound port means a stale or foreign process owns the endpoint.
	// Fail fast with no side effects rather than spawn onto another port.
	if p.probePort(port) {
		return nil, fmt.Errorf("pool: worker for %s: port %d: %w", key, port, ErrPortInUse)
	}

	if err := worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("pool: start worker for %s: %w", key, err)
	}

	inst := &Instance{
		Key:      key,
		Worker:   worker,
		Endpoint: worker.Endpoint(),
		Port:     port,
	}

	tickCh, stopTick := p.newTicker(p.interval)
	done := make(chan struct{})
	inst.stopTick = func() {
		stopTick()
		close(done)
	}
	go p.healthLoop(inst, tickCh, done)

	p.onEvent(key, port, "start", inst.Endpoint)
	return inst, nil
}

// healthLoop probes the worker each tick and restarts it in place on
// failure. Restart is self-healing, not eviction: the instance stays in
// the pool no matter how often the probe fails.
func (p *Pool) healthLoop(inst *Instance, tick <-chan time.Time, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-tick:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := inst.Worker.HealthCheck(ctx)
			cancel()
			if err == nil {
				continue
			}

			log.Printf("pool: worker %s unhealthy: %v, restarting", inst.Key, err)
			inst.mu.Lock()
			inst.restarts++
			inst.mu.Unlock()
			p.onEvent(inst.Key, inst.Port, "restart", err.Error())

			rctx, rcancel := context.WithTimeout(context.Background(), time.Minute)
			if err := inst.Worker.Restart(rctx); err != nil {
				log.Printf("pool: restart worker %s: %v", inst.Key, err)
			}
			rcancel()
		}
	}
}

// Get returns the instance for a key without creating one.
func (p *Pool) Get(conversationKey string) (*Instance, bool) {
	p.mu.Lock()
	e, ok := p.entries[conversationKey]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	<-e.ready
	if e.err != nil {
		return nil, false
	}
	return e.inst, true
}

// Snapshot returns the currently registered instances.
func (p *Pool) Snapshot() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Instance, 0, len(p.entries))
	for _, e := range p.entries {
		select {
		case <-e.ready:
			if e.inst != nil {
				out = append(out, e.inst)
			}
		default:
		}
	}
	return out
}

// ShutdownAll stops every tracked worker and cancels every health ticker.
// Best effort: individual stop failures are logged, never abort the sweep.
// Safe to call from process-wide teardown and safe to call twice.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for key, e := range entries {
		select {
		case <-e.ready:
		default:
			// Creation still in flight; GetOrCreate observes closed once
			// the spawn finishes and tears the worker down itself.
			continue
		}
		if e.inst == nil {
			continue
		}
		if e.inst.stopTick != nil {
			e.inst.stopTick()
		}
		if err := e.inst.Worker.Stop(); err != nil {
			log.Printf("pool: stop worker %s: %v", key, err)
		}
		p.onEvent(key, e.inst.Port, "stop", "")
	}
}

// portInUse dials the port; a successful connection means something is
// already listening there.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
