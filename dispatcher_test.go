package venturelink

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(t *testing.T, env Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestDispatchOrder(t *testing.T) {
	d := NewEventDispatcher(zerolog.Nop(), nil)

	var calls []string
	d.Subscribe(EventMessage, func(Envelope) { calls = append(calls, "type-1") })
	d.SubscribeConversation("c1", func(Envelope) { calls = append(calls, "conv-1") })
	d.Subscribe(EventMessage, func(Envelope) { calls = append(calls, "type-2") })
	d.SubscribeConversation("c1", func(Envelope) { calls = append(calls, "conv-2") })
	d.SubscribeConversation("c2", func(Envelope) { calls = append(calls, "other") })

	env := mustEnvelope(t, EventMessage, ChatMessage{ID: "m1", ConversationID: "c1"})
	d.HandleFrame(frameOf(t, env))

	assert.Equal(t, []string{"conv-1", "conv-2", "type-1", "type-2"}, calls)
}

func TestDispatchChatUpdateScopedByConversationID(t *testing.T) {
	d := NewEventDispatcher(zerolog.Nop(), nil)

	var got []Envelope
	d.SubscribeConversation("c9", func(e Envelope) { got = append(got, e) })
	d.Dispatch(mustEnvelope(t, EventChatUpdate, Conversation{ID: "c9", Title: "Deal room"}))

	require.Len(t, got, 1)
	var conv Conversation
	require.NoError(t, got[0].Decode(&conv))
	assert.Equal(t, "Deal room", conv.Title)
}

func TestDispatchPanicIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := NewEventDispatcher(zerolog.Nop(), metrics)

	var reached bool
	d.Subscribe(EventNotification, func(Envelope) { panic("boom") })
	d.Subscribe(EventNotification, func(Envelope) { reached = true })

	assert.NotPanics(t, func() {
		d.Dispatch(mustEnvelope(t, EventNotification, map[string]string{"title": "hi"}))
	})
	assert.True(t, reached)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HandlerPanics))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsDispatched.WithLabelValues("notification")))
}

func TestDispatchDropsUnknownAndMalformed(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := NewEventDispatcher(zerolog.Nop(), metrics)

	var calls int
	for typ := range knownEventTypes {
		d.Subscribe(typ, func(Envelope) { calls++ })
	}

	d.HandleFrame([]byte(`{"id":"1","type":"wallet_update","data":{},"timestamp":"2024-05-01T12:00:00Z"}`))
	d.HandleFrame([]byte(`not json`))
	d.HandleFrame([]byte(`{"id":"2","data":{}}`))

	assert.Zero(t, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("unknown_type")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EventsDropped.WithLabelValues("malformed")))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := NewEventDispatcher(zerolog.Nop(), nil)

	var calls []string
	var unsubB Unsubscribe
	d.Subscribe(EventUserStatus, func(Envelope) {
		calls = append(calls, "a")
		unsubB()
	})
	unsubB = d.Subscribe(EventUserStatus, func(Envelope) { calls = append(calls, "b") })

	env := mustEnvelope(t, EventUserStatus, PresencePayload{UserID: "u1", Status: PresenceOnline})
	d.Dispatch(env)
	assert.Equal(t, []string{"a", "b"}, calls, "removal takes effect from the next dispatch")

	calls = nil
	d.Dispatch(env)
	assert.Equal(t, []string{"a"}, calls)
}

func TestSubscribeDuringDispatch(t *testing.T) {
	d := NewEventDispatcher(zerolog.Nop(), nil)

	var calls []string
	var added bool
	d.Subscribe(EventPaymentUpdate, func(Envelope) {
		calls = append(calls, "first")
		if !added {
			added = true
			d.Subscribe(EventPaymentUpdate, func(Envelope) { calls = append(calls, "late") })
		}
	})

	env := mustEnvelope(t, EventPaymentUpdate, map[string]any{"amount": 10})
	d.Dispatch(env)
	assert.Equal(t, []string{"first"}, calls)

	calls = nil
	d.Dispatch(env)
	assert.Equal(t, []string{"first", "late"}, calls)
}

func TestEnvelopeConversationID(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"message", mustEnvelope(t, EventMessage, ChatMessage{ID: "m", ConversationID: "c1"}), "c1"},
		{"chat update", mustEnvelope(t, EventChatUpdate, Conversation{ID: "c2"}), "c2"},
		{"typing", mustEnvelope(t, EventTypingStatus, TypingPayload{ConversationID: "c3", UserID: "u"}), "c3"},
		{"presence", mustEnvelope(t, EventUserStatus, PresencePayload{UserID: "u"}), ""},
		{"empty", Envelope{Type: EventMessage}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.env.ConversationID())
		})
	}
}
