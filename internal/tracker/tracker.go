// Package tracker gates concurrent conversation turns per backend session.
//
// The tracker is purely in-memory: it is rebuilt empty on process restart,
// and reconciliation against the persisted session store is the caller's
// concern.
package tracker

import (
	"sync"
	"time"
)

// ActiveContext describes the turn currently executing for a conversation.
type ActiveContext struct {
	ConversationKey    string
	SessionID          string
	StatusMessageRef   string // platform ref of the in-progress status message
	OriginalMessageRef string // platform ref of the triggering user message
	StartTime          time.Time
	UserID             string
	Query              string
}

// ContextUpdate carries partial updates merged into a stored context.
// Nil fields are left unchanged.
type ContextUpdate struct {
	StatusMessageRef *string
	SessionID        *string
	Query            *string
}

// Tracker tracks busy sessions and their active contexts.
type Tracker struct {
	mu       sync.Mutex
	busy     map[string]struct{}       // sessionID → busy
	contexts map[string]*ActiveContext // conversationKey → context
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		busy:     make(map[string]struct{}),
		contexts: make(map[string]*ActiveContext),
	}
}

// IsBusy reports whether a turn is currently executing for the session.
func (t *Tracker) IsBusy(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.busy[sessionID]
	return ok
}

// StartProcessing atomically claims the session for a new turn. It returns
// false without mutating anything if the session is already busy; otherwise
// it marks the session busy, records ctx under its conversation key, and
// returns true. The check and the set happen under one lock acquisition so
// two concurrent turns can never both observe "not busy".
func (t *Tracker) StartProcessing(sessionID string, ctx ActiveContext) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.busy[sessionID]; ok {
		return false
	}
	t.busy[sessionID] = struct{}{}

	c := ctx
	c.SessionID = sessionID
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	t.contexts[c.ConversationKey] = &c
	return true
}

// StopProcessing clears the busy bit and removes every stored context whose
// SessionID matches. A session may have accumulated more than one context
// reference across retries.
func (t *Tracker) StopProcessing(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.busy, sessionID)
	for key, ctx := range t.contexts {
		if ctx.SessionID == sessionID {
			delete(t.contexts, key)
		}
	}
}

// Context returns a copy of the active context for a conversation key.
func (t *Tracker) Context(conversationKey string) (ActiveContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.contexts[conversationKey]
	if !ok {
		return ActiveContext{}, false
	}
	return *ctx, true
}

// ContextBySessionID returns the first context matching the session ID.
// Linear scan; cardinality is bounded by concurrently active conversations.
func (t *Tracker) ContextBySessionID(sessionID string) (ActiveContext, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ctx := range t.contexts {
		if ctx.SessionID == sessionID {
			return *ctx, true
		}
	}
	return ActiveContext{}, false
}

// UpdateContext merges a partial update into an existing context.
// No-op if the key has no context.
func (t *Tracker) UpdateContext(conversationKey string, upd ContextUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, ok := t.contexts[conversationKey]
	if !ok {
		return
	}
	if upd.StatusMessageRef != nil {
		ctx.StatusMessageRef = *upd.StatusMessageRef
	}
	if upd.SessionID != nil {
		ctx.SessionID = *upd.SessionID
	}
	if upd.Query != nil {
		ctx.Query = *upd.Query
	}
}

// ClearContext removes a context by key without touching the busy set.
func (t *Tracker) ClearContext(conversationKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contexts, conversationKey)
}

// ActiveContexts returns a snapshot of all stored contexts, keyed by
// conversation key. Used by the dashboard.
func (t *Tracker) ActiveContexts() map[string]ActiveContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ActiveContext, len(t.contexts))
	for key, ctx := range t.contexts {
		out[key] = *ctx
	}
	return out
}
