package venturelink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTypingTTL is how long a typing indicator lasts without a refresh.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingCoordinator tracks who is typing in each conversation. Every
// indicator expires after the TTL unless refreshed, and an explicit stop
// clears it at once. Local typing is sent immediately and never queued:
// a typing signal that cannot be sent now is dropped.
type TypingCoordinator struct {
	selfID string
	ttl    time.Duration
	sender FrameSender
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
	stopped bool

	listenersMu  sync.Mutex
	listeners    []typingListener
	nextListener uint64
}

type typingListener struct {
	id uint64
	fn func(conversationID string)
}

func NewTypingCoordinator(selfID string, ttl time.Duration, sender FrameSender, logger zerolog.Logger) *TypingCoordinator {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingCoordinator{
		selfID:  selfID,
		ttl:     ttl,
		sender:  sender,
		log:     logger.With().Str("component", "typing").Logger(),
		entries: make(map[typingKey]*typingEntry),
	}
}

// Subscribe registers fn to be told which conversation's typing set changed.
func (t *TypingCoordinator) Subscribe(fn func(conversationID string)) Unsubscribe {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.nextListener++
	id := t.nextListener
	t.listeners = append(t.listeners[:len(t.listeners):len(t.listeners)], typingListener{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			t.listenersMu.Lock()
			defer t.listenersMu.Unlock()
			out := make([]typingListener, 0, len(t.listeners))
			for _, l := range t.listeners {
				if l.id != id {
					out = append(out, l)
				}
			}
			t.listeners = out
		})
	}
}

// SetTyping records local typing state and sends it right away. The local
// state is kept even when sending fails; the error is ErrNotConnected while
// offline.
func (t *TypingCoordinator) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	if t.set(typingKey{conversationID, t.selfID}, isTyping, true) {
		t.notify(conversationID)
	}
	return t.send(ctx, conversationID, isTyping)
}

// HandleEnvelope applies a typing_status event from another participant.
func (t *TypingCoordinator) HandleEnvelope(env Envelope) {
	var p TypingPayload
	if err := env.Decode(&p); err != nil {
		t.log.Warn().Err(err).Str("id", env.ID).Msg("bad typing payload")
		return
	}
	t.Apply(p)
}

// Apply records a remote typing signal. Signals about ourselves are ignored.
func (t *TypingCoordinator) Apply(p TypingPayload) {
	if p.UserID == "" || p.UserID == t.selfID || p.ConversationID == "" {
		return
	}
	if t.set(typingKey{p.ConversationID, p.UserID}, p.IsTyping, false) {
		t.notify(p.ConversationID)
	}
}

// IsTyping reports whether userID is currently typing in conversationID.
func (t *TypingCoordinator) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{conversationID, userID}]
	return ok
}

// Typists returns the other participants typing in conversationID, sorted.
func (t *TypingCoordinator) Typists(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for k := range t.entries {
		if k.conversationID == conversationID && k.userID != t.selfID {
			ids = append(ids, k.userID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every expiry timer and clears all state.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.stopped = true
}

// set updates one key and reports whether the visible state changed.
func (t *TypingCoordinator) set(key typingKey, typing, local bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	existing, had := t.entries[key]
	if had {
		existing.timer.Stop()
	}
	if !typing {
		delete(t.entries, key)
		return had
	}
	t.gen++
	gen := t.gen
	t.entries[key] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.ttl, func() { t.expire(key, gen, local) }),
	}
	return !had
}

func (t *TypingCoordinator) expire(key typingKey, gen uint64, local bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.log.Debug().Str("conversation", key.conversationID).Str("user", key.userID).Msg("typing expired")
	if local {
		if err := t.send(context.Background(), key.conversationID, false); err != nil {
			t.log.Debug().Err(err).Msg("typing stop not sent")
		}
	}
	t.notify(key.conversationID)
}

func (t *TypingCoordinator) send(ctx context.Context, conversationID string, isTyping bool) error {
	if t.sender == nil || t.sender.State() != StateConnected {
		return ErrNotConnected
	}
	env, err := NewEnvelope(EventTypingStatus, TypingPayload{
		ConversationID: conversationID,
		UserID:         t.selfID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.sender.Send(ctx, frame)
}

func (t *TypingCoordinator) notify(conversationID string) {
	t.listenersMu.Lock()
	listeners := t.listeners
	t.listenersMu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error().Str("panic", fmt.Sprint(r)).Msg("typing listener panicked")
				}
			}()
			l.fn(conversationID)
		}()
	}
}
