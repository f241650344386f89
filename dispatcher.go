package venturelink

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler receives a dispatched envelope.
type EventHandler func(Envelope)

// Unsubscribe removes a previously registered handler or listener.
// Calling it more than once is harmless.
type Unsubscribe func()

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// EventDispatcher decodes inbound frames and routes them to subscribers.
//
// Handler slices are copy-on-write: a dispatch iterates the slice it saw
// when it started, so subscribing or unsubscribing from inside a handler
// takes effect from the next dispatch.
type EventDispatcher struct {
	log     zerolog.Logger
	metrics *Metrics

	mu             sync.RWMutex
	byType         map[EventType][]handlerEntry
	byConversation map[string][]handlerEntry
	nextID         uint64
}

func NewEventDispatcher(logger zerolog.Logger, metrics *Metrics) *EventDispatcher {
	return &EventDispatcher{
		log:            logger.With().Str("component", "dispatcher").Logger(),
		metrics:        metrics,
		byType:         make(map[EventType][]handlerEntry),
		byConversation: make(map[string][]handlerEntry),
	}
}

// Subscribe registers h for every envelope of type t.
func (d *EventDispatcher) Subscribe(t EventType, h EventHandler) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.byType[t] = appendHandler(d.byType[t], handlerEntry{id: id, fn: h})
	return d.unsubscriber(func() {
		d.byType[t] = removeHandler(d.byType[t], id)
		if len(d.byType[t]) == 0 {
			delete(d.byType, t)
		}
	})
}

// SubscribeConversation registers h for every envelope whose payload refers
// to conversationID. Conversation handlers run before type handlers.
func (d *EventDispatcher) SubscribeConversation(conversationID string, h EventHandler) Unsubscribe {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.byConversation[conversationID] = appendHandler(d.byConversation[conversationID], handlerEntry{id: id, fn: h})
	return d.unsubscriber(func() {
		d.byConversation[conversationID] = removeHandler(d.byConversation[conversationID], id)
		if len(d.byConversation[conversationID]) == 0 {
			delete(d.byConversation, conversationID)
		}
	})
}

func (d *EventDispatcher) unsubscriber(remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			remove()
			d.mu.Unlock()
		})
	}
}

// HandleFrame decodes a raw frame and dispatches it. Malformed frames and
// unknown event types are logged and dropped.
func (d *EventDispatcher) HandleFrame(frame []byte) {
	env, err := decodeFrame(frame)
	if err != nil {
		d.metrics.dropped("malformed")
		d.log.Warn().Err(err).Int("bytes", len(frame)).Msg("dropping malformed frame")
		return
	}
	d.Dispatch(env)
}

// Dispatch routes env to its subscribers in registration order.
func (d *EventDispatcher) Dispatch(env Envelope) {
	if !env.Type.Known() {
		d.metrics.dropped("unknown_type")
		d.log.Warn().Err(ErrUnknownEventType).Str("type", string(env.Type)).Str("id", env.ID).Msg("dropping event")
		return
	}

	convID := env.ConversationID()
	d.mu.RLock()
	var scoped []handlerEntry
	if convID != "" {
		scoped = d.byConversation[convID]
	}
	typed := d.byType[env.Type]
	d.mu.RUnlock()

	d.metrics.dispatched(env.Type)
	for _, h := range scoped {
		d.call(h.fn, env)
	}
	for _, h := range typed {
		d.call(h.fn, env)
	}
}

func (d *EventDispatcher) call(h EventHandler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.handlerPanicked()
			d.log.Error().Str("type", string(env.Type)).Str("id", env.ID).
				Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
		}
	}()
	h(env)
}

func decodeFrame(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

func appendHandler(list []handlerEntry, h handlerEntry) []handlerEntry {
	out := make([]handlerEntry, len(list), len(list)+1)
	copy(out, list)
	return append(out, h)
}

func removeHandler(list []handlerEntry, id uint64) []handlerEntry {
	out := make([]handlerEntry, 0, len(list))
	for _, h := range list {
		if h.id != id {
			out = append(out, h)
		}
	}
	return out
}
