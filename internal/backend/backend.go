// Package backend drives AI coding-assistant worker processes.
//
// Each backend kind (opencode-style agent servers, and anything else that
// speaks the same minimal HTTP contract) is expressed through the Worker
// interface so the pool and conductor treat all kinds uniformly instead of
// branching per type.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Capabilities tags what a backend kind supports. Consumers gate features
// on these flags rather than on the kind name.
type Capabilities struct {
	Sandboxing      bool `json:"sandboxing"`
	ReasoningEffort bool `json:"reasoningEffort"`
	ModelSelection  bool `json:"modelSelection"`
}

// Model describes one selectable model offered by a backend.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is one item from a worker's event feed. The core dispatches on Type
// only; Properties stay opaque and are interpreted downstream.
type Event struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Worker is the minimal contract every backend adapter implements.
type Worker interface {
	// Kind returns the backend kind name (e.g. "opencode").
	Kind() string

	// Capabilities reports the kind's feature tags.
	Capabilities() Capabilities

	// Endpoint returns the worker's server address once started.
	Endpoint() string

	// Start launches the worker process and waits for it to become ready.
	Start(ctx context.Context) error

	// Stop terminates the worker process. Safe to call more than once.
	Stop() error

	// HealthCheck probes the worker's liveness endpoint.
	HealthCheck(ctx context.Context) error

	// Send submits a user turn to a backend session.
	Send(ctx context.Context, sessionID, text string) error

	// ListModels returns the models the worker offers.
	ListModels(ctx context.Context) ([]Model, error)

	// Events opens the worker's streaming event feed. The caller owns the
	// returned reader and must close it.
	Events(ctx context.Context) (io.ReadCloser, error)
}

// EventSource iterates a decoded event feed.
type EventSource interface {
	// Next returns the next event, or an error when the feed ends or breaks.
	Next() (Event, error)
	Close() error
}

// ndjsonSource decodes newline-delimited JSON events from a feed reader.
type ndjsonSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
}

// NewEventSource wraps a raw NDJSON feed in an EventSource. Blank lines and
// non-JSON noise are skipped; a malformed JSON line ends the feed.
func NewEventSource(rc io.ReadCloser) EventSource {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024) // 1MB lines
	return &ndjsonSource{rc: rc, scanner: scanner}
}

func (s *ndjsonSource) Next() (Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return Event{}, fmt.Errorf("backend: decode event: %w", err)
		}
		return evt, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("backend: read event feed: %w", err)
	}
	return Event{}, io.EOF
}

func (s *ndjsonSource) Close() error {
	return s.rc.Close()
}
