package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/roundhouse/internal/backend"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/pool"
	"github.com/zulandar/roundhouse/internal/relay"
	"github.com/zulandar/roundhouse/internal/retry"
	"github.com/zulandar/roundhouse/internal/store"
	"github.com/zulandar/roundhouse/internal/tracker"
)

const busyReply = "Still working on the previous request in this conversation. Send it again once that finishes."

// handleTurn drives one inbound message end to end: busy gate, session
// bookkeeping, worker acquisition, send, and completion reporting.
func (d *Daemon) handleTurn(ctx context.Context, adapter relay.Adapter, msg relay.Inbound) {
	key := msg.ConversationKey()
	sessionID := sessionIDFor(key)
	b := d.backendFor(key)

	claimed := d.tracker.StartProcessing(sessionID, tracker.ActiveContext{
		ConversationKey:    key,
		OriginalMessageRef: msg.ThreadID,
		UserID:             msg.UserID,
		Query:              msg.Text,
	})
	if !claimed {
		if _, err := adapter.Post(ctx, relay.Outbound{
			ChannelID: msg.ChannelID,
			ThreadID:  msg.ThreadID,
			Text:      busyReply,
		}); err != nil {
			log.Printf("conductor: post busy reply for %s: %v", key, err)
		}
		return
	}
	defer d.tracker.StopProcessing(sessionID)

	turnCtx, cancel := context.WithTimeout(ctx, d.turnTimeout)
	defer cancel()

	rec := d.recordTurnStart(key, sessionID, b.Kind, msg)

	d.touchSession(key, b)

	if _, err := d.pool.GetOrCreate(turnCtx, key); err != nil {
		d.finishTurn(turnCtx, adapter, msg, rec, relay.MessageRef{}, "", err)
		return
	}

	statusRef, err := adapter.Post(turnCtx, relay.Outbound{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      "Working on it...",
	})
	if err != nil {
		log.Printf("conductor: post status for %s: %v", key, err)
	} else {
		d.tracker.UpdateContext(key, tracker.ContextUpdate{StatusMessageRef: &statusRef.ID})
	}

	sender, ok := d.senderFor(key)
	if !ok {
		d.finishTurn(turnCtx, adapter, msg, rec, statusRef, "", fmt.Errorf("conductor: no send handle for %s", key))
		return
	}

	evts, err := d.streamFor(key, sender)
	if err != nil {
		d.finishTurn(turnCtx, adapter, msg, rec, statusRef, "", err)
		return
	}

	// Subscribe before sending so no completion event is missed. The feed
	// is shared per conversation and may replay events across reconnects,
	// so events tagged with a session ID only count for their own session.
	done := make(chan string, 1)
	var parts strings.Builder
	unsubscribe := evts.Subscribe(func(evt backend.Event) {
		if sid, ok := evt.Properties["sessionID"].(string); ok && sid != sessionID {
			return
		}
		switch evt.Type {
		case "message.part.updated":
			if text, ok := evt.Properties["text"].(string); ok {
				parts.WriteString(text)
			}
		case "idle":
			select {
			case done <- parts.String():
			default:
			}
		}
	})
	defer unsubscribe()

	base, max := d.cfg.RetryBackoff()
	err = retry.WithRetry(turnCtx, func() error {
		if sendErr := sender.Send(turnCtx, sessionID, msg.Text); sendErr != nil {
			return retry.Retryable(sendErr)
		}
		return nil
	}, retry.Options{BaseDelay: base, MaxDelay: max, MaxAttempts: 3})
	if err != nil {
		d.finishTurn(turnCtx, adapter, msg, rec, statusRef, "", err)
		return
	}

	select {
	case <-turnCtx.Done():
		d.finishTurn(ctx, adapter, msg, rec, statusRef, "", fmt.Errorf("conductor: turn for %s: %w", key, turnCtx.Err()))
	case result := <-done:
		d.finishTurn(turnCtx, adapter, msg, rec, statusRef, result, nil)
	}
}

// finishTurn closes out a turn: final status edit and activity log update.
func (d *Daemon) finishTurn(ctx context.Context, adapter relay.Adapter, msg relay.Inbound,
	rec *models.TurnRecord, statusRef relay.MessageRef, result string, turnErr error) {

	text := result
	if turnErr != nil {
		if errors.Is(turnErr, pool.ErrPortInUse) {
			text = "Could not start a worker for this conversation: its port is already in use."
		} else {
			text = "Something went wrong handling that request."
		}
		log.Printf("conductor: turn for %s failed: %v", msg.ConversationKey(), turnErr)
	}
	if text == "" {
		text = "Done."
	}

	if statusRef.ID != "" {
		if err := adapter.Update(ctx, statusRef, text); err != nil {
			log.Printf("conductor: update status for %s: %v", msg.ConversationKey(), err)
		}
	} else if _, err := adapter.Post(ctx, relay.Outbound{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      text,
	}); err != nil {
		log.Printf("conductor: post result for %s: %v", msg.ConversationKey(), err)
	}

	if d.gdb == nil || rec == nil {
		return
	}
	if turnErr != nil {
		if err := db.FailTurn(d.gdb, rec.ID, turnErr); err != nil {
			log.Printf("conductor: %v", err)
		}
	} else if err := db.CompleteTurn(d.gdb, rec.ID); err != nil {
		log.Printf("conductor: %v", err)
	}
}

// recordTurnStart writes the activity-log row for an accepted turn.
func (d *Daemon) recordTurnStart(key, sessionID, kind string, msg relay.Inbound) *models.TurnRecord {
	if d.gdb == nil {
		return nil
	}
	rec, err := db.StartTurn(d.gdb, models.TurnRecord{
		ConversationKey: key,
		SessionID:       sessionID,
		Backend:         kind,
		Platform:        msg.Platform,
		UserID:          msg.UserID,
		UserName:        msg.UserName,
		Query:           msg.Text,
	})
	if err != nil {
		log.Printf("conductor: %v", err)
		return nil
	}
	return rec
}

// touchSession creates or refreshes the conversation's persisted session.
func (d *Daemon) touchSession(key string, b config.BackendConfig) {
	st, ok := d.stores[b.Kind]
	if !ok {
		return
	}
	err := st.Update(func(doc store.SessionStore) error {
		sess, ok := doc[key]
		if !ok {
			sess = &store.Session{
				WorkingDir: b.WorkDir,
				Mode:       store.ModeAsk,
				CreatedAt:  time.Now(),
			}
			doc[key] = sess
		}
		sess.LastActiveAt = time.Now()
		return nil
	})
	if err != nil {
		log.Printf("conductor: touch session %s: %v", key, err)
	}
}
