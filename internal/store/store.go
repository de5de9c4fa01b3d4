// Package store persists per-conversation session state for Roundhouse.
//
// Each backend kind owns one JSON document on disk mapping conversation IDs
// to sessions. The document is always rewritten whole so the on-disk form
// stays simple and diffable. All read-modify-write sequences must go through
// RunExclusive, which admits one critical section at a time in arrival order.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Mode is the operating policy for a session's backend.
type Mode string

const (
	ModeAsk    Mode = "ask"
	ModeAuto   Mode = "auto"
	ModeBypass Mode = "bypass"
)

// Limits holds optional per-conversation rate overrides.
type Limits struct {
	MaxTurnsPerHour int `json:"maxTurnsPerHour,omitempty"`
	CooldownSec     int `json:"cooldownSec,omitempty"`
}

// Session identifies a conversation's backend affiliation.
type Session struct {
	WorkingDir       string    `json:"workingDir"`
	Mode             Mode      `json:"mode"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
	PathConfigured   bool      `json:"pathConfigured,omitempty"`
	PathConfiguredBy string    `json:"pathConfiguredBy,omitempty"`
	Limits           *Limits   `json:"limits,omitempty"`

	// Threads maps sub-thread IDs to forked thread sessions.
	Threads map[string]*ThreadSession `json:"threads,omitempty"`
	// MessageIndex correlates platform message refs to backend message IDs.
	MessageIndex map[string]string `json:"messageIndex,omitempty"`
}

// ThreadSession is a per-thread session forked from its parent conversation.
type ThreadSession struct {
	Session
	ForkedFrom string `json:"forkedFrom"`
}

// SessionStore is the top-level persisted document: conversation ID → Session.
type SessionStore map[string]*Session

// legacyFile is the pre-migration shared document, removed once at startup.
const legacyFile = "sessions.json"

// Store is a mutex-guarded, file-backed session document for one backend kind.
type Store struct {
	path string

	// sem is a one-slot semaphore. Goroutines blocked on a channel send are
	// queued and woken in arrival order, which gives RunExclusive the FIFO
	// fairness that sync.Mutex does not guarantee.
	sem chan struct{}
}

// New creates a Store for the given backend kind rooted at dir.
// The backing file is <dir>/sessions-<kind>.json.
func New(dir, kind string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: dir is required")
	}
	if kind == "" {
		return nil, fmt.Errorf("store: backend kind is required")
	}
	return &Store{
		path: filepath.Join(dir, fmt.Sprintf("sessions-%s.json", kind)),
		sem:  make(chan struct{}, 1),
	}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load parses the backing document. A missing file yields an empty document.
// A malformed file is logged and treated as empty; persisted corruption
// must never crash the caller.
func (s *Store) Load() SessionStore {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("store: read %s: %v (treating as empty)", s.path, err)
		}
		return make(SessionStore)
	}

	var doc SessionStore
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Printf("store: parse %s: %v (treating as empty)", s.path, err)
		return make(SessionStore)
	}
	if doc == nil {
		doc = make(SessionStore)
	}
	return doc
}

// Save rewrites the full document. The bytes land in a temp file that is
// renamed into place, so an interrupted write never replaces the previous
// document with a partial one.
func (s *Store) Save(doc SessionStore) error {
	if doc == nil {
		doc = make(SessionStore)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", filepath.Dir(s.path), err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store: rename %s: %w", tmp, err)
	}
	return nil
}

// RunExclusive runs fn as the only in-flight critical section on this store.
// Callers queue in arrival order. Every read-modify-write over the document
// must be wrapped here.
func (s *Store) RunExclusive(fn func() (any, error)) (any, error) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	return fn()
}

// Update is the common read-modify-write: load the document, apply fn, save.
// The whole sequence holds the critical section.
func (s *Store) Update(fn func(doc SessionStore) error) error {
	_, err := s.RunExclusive(func() (any, error) {
		doc := s.Load()
		if err := fn(doc); err != nil {
			return nil, err
		}
		return nil, s.Save(doc)
	})
	return err
}

// RemoveLegacy deletes the pre-migration shared document under dir, if any.
// Failure to remove is logged, not raised.
func RemoveLegacy(dir string) {
	path := filepath.Join(dir, legacyFile)
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Printf("store: remove legacy %s: %v", path, err)
		return
	}
	log.Printf("store: removed legacy session file %s", path)
}
