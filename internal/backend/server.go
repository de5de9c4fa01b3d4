package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// readyTimeout bounds how long Start waits for the health probe to pass.
	readyTimeout = 20 * time.Second
	// readyPollInterval is the delay between readiness probes.
	readyPollInterval = 250 * time.Millisecond
)

// ServerOpts holds parameters for a ServerWorker.
type ServerOpts struct {
	Kind         string
	Binary       string
	Args         []string // appended after "serve --hostname --port"
	WorkDir      string
	Port         int
	Capabilities Capabilities
	Output       io.Writer     // process stdout/stderr; defaults to io.Discard
	HTTPClient   *http.Client  // injectable for tests
	ReadyTimeout time.Duration // defaults to readyTimeout
}

// ServerWorker drives a locally spawned backend server process. One worker
// serves one conversation; its port is assigned once and never changes
// across restarts.
type ServerWorker struct {
	kind    string
	binary  string
	args    []string
	workDir string
	port    int
	caps    Capabilities
	output  io.Writer
	client  *http.Client
	ready   time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	waitCh  chan error
	started bool
}

// NewServerWorker creates a ServerWorker. Start must be called before any
// other operation.
func NewServerWorker(opts ServerOpts) (*ServerWorker, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("backend: kind is required")
	}
	if opts.Binary == "" {
		return nil, fmt.Errorf("backend: binary is required")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("backend: port is required")
	}
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	ready := opts.ReadyTimeout
	if ready <= 0 {
		ready = readyTimeout
	}
	return &ServerWorker{
		kind:    opts.Kind,
		binary:  opts.Binary,
		args:    opts.Args,
		workDir: opts.WorkDir,
		port:    opts.Port,
		caps:    opts.Capabilities,
		output:  out,
		client:  client,
		ready:   ready,
	}, nil
}

func (w *ServerWorker) Kind() string               { return w.kind }
func (w *ServerWorker) Capabilities() Capabilities { return w.caps }

// Endpoint returns the worker's base URL.
func (w *ServerWorker) Endpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d", w.port)
}

// Port returns the assigned port.
func (w *ServerWorker) Port() int { return w.port }

// Start launches the server process and blocks until the health probe
// passes or the readiness window expires. On readiness failure the process
// is torn down so no half-started worker lingers.
func (w *ServerWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}

	procCtx, cancel := context.WithCancel(context.Background())
	args := append([]string{"serve", "--hostname", "127.0.0.1", "--port", fmt.Sprint(w.port)}, w.args...)
	cmd := exec.CommandContext(procCtx, w.binary, args...)
	if w.workDir != "" {
		cmd.Dir = w.workDir
	}
	cmd.Stdout = w.output
	cmd.Stderr = w.output

	// Process group so SIGTERM reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		w.mu.Unlock()
		return fmt.Errorf("backend: start %s: %w", w.binary, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	w.cmd = cmd
	w.cancel = cancel
	w.waitCh = waitCh
	w.started = true
	w.mu.Unlock()

	if err := w.awaitReady(ctx); err != nil {
		w.Stop()
		return err
	}
	return nil
}

// awaitReady polls the health endpoint until it answers or time runs out.
func (w *ServerWorker) awaitReady(ctx context.Context) error {
	deadline := time.Now().Add(w.ready)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, readyPollInterval)
		err := w.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("backend: %s not ready after %s: %w", w.kind, w.ready, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// Stop terminates the worker process. Idempotent; returns the first stop
// error, if any.
func (w *ServerWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false
	w.cancel()

	// Drain the exit result so the process is reaped.
	select {
	case <-w.waitCh:
	case <-time.After(15 * time.Second):
		return fmt.Errorf("backend: %s did not exit after SIGTERM", w.kind)
	}
	return nil
}

// Restart stops then starts the worker, keeping the same port.
func (w *ServerWorker) Restart(ctx context.Context) error {
	if err := w.Stop(); err != nil {
		return err
	}
	return w.Start(ctx)
}

// HealthCheck probes GET /health.
func (w *ServerWorker) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint()+"/health", nil)
	if err != nil {
		return fmt.Errorf("backend: health request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: health probe %s: %w", w.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: health probe %s: status %d", w.kind, resp.StatusCode)
	}
	return nil
}

// Send posts a user turn to POST /session/{id}/message.
func (w *ServerWorker) Send(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return fmt.Errorf("backend: sessionID is required")
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("backend: marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/session/%s/message", w.Endpoint(), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend: send to %s: %w", w.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend: send to %s: status %d", w.kind, resp.StatusCode)
	}
	return nil
}

// ListModels fetches GET /models.
func (w *ServerWorker) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: models request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: list models %s: %w", w.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend: list models %s: status %d", w.kind, resp.StatusCode)
	}

	var models []Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("backend: decode models: %w", err)
	}
	return models, nil
}

// Events opens GET /event, the worker's NDJSON event feed. The response
// body stays open until the caller closes it or the feed breaks.
func (w *ServerWorker) Events(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint()+"/event", nil)
	if err != nil {
		return nil, fmt.Errorf("backend: event request: %w", err)
	}
	// The feed is long-lived, so no client timeout.
	client := &http.Client{Transport: w.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: open event feed %s: %w", w.kind, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("backend: open event feed %s: status %d", w.kind, resp.StatusCode)
	}
	return resp.Body, nil
}
