package venturelink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response wrapper.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Envelope
// ============================================================================

// EventType tags the payload carried by an Envelope.
type EventType string

const (
	EventMessage         EventType = "message"
	EventMessageAck      EventType = "message_ack"
	EventDeliveryReceipt EventType = "delivery_receipt"
	EventReadReceipt     EventType = "read_receipt"
	EventTypingStatus    EventType = "typing_status"
	EventChatUpdate      EventType = "chat_update"
	EventUserStatus      EventType = "user_status"
	EventNotification    EventType = "notification"
	EventPaymentUpdate   EventType = "payment_update"
	EventEscrowUpdate    EventType = "escrow_update"
	EventMilestoneUpdate EventType = "milestone_update"
	EventDocumentUpdate  EventType = "document_update"
)

var knownEventTypes = map[EventType]struct{}{
	EventMessage:         {},
	EventMessageAck:      {},
	EventDeliveryReceipt: {},
	EventReadReceipt:     {},
	EventTypingStatus:    {},
	EventChatUpdate:      {},
	EventUserStatus:      {},
	EventNotification:    {},
	EventPaymentUpdate:   {},
	EventEscrowUpdate:    {},
	EventMilestoneUpdate: {},
	EventDocumentUpdate:  {},
}

// Known reports whether t belongs to the closed set of wire event types.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Envelope is the unit exchanged over the realtime transport.
// Treat it as immutable once constructed.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(t EventType, data any) (Envelope, error) {
	return newEnvelopeWithID(uuid.NewString(), t, data)
}

func newEnvelopeWithID(id string, t EventType, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{ID: id, Type: t, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope %q has no payload", e.Type, e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// ConversationID extracts the conversation an envelope refers to, if any.
// chat_update payloads are full conversation records and carry it as "id".
func (e Envelope) ConversationID() string {
	var probe struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversationId"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &probe) != nil {
		return ""
	}
	if e.Type == EventChatUpdate {
		return probe.ID
	}
	return probe.ConversationID
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// ConversationKind distinguishes direct, group and escrow-scoped chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
	KindEscrow ConversationKind = "escrow"
)

// Presence is a participant's online status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

type Participant struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Presence Presence   `json:"presence,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is one message in a conversation. ID starts out equal to
// ClientID for optimistic sends and is replaced by the server id on ack.
type ChatMessage struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Content        string        `json:"content"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status,omitempty"`
}

func (m ChatMessage) clone() ChatMessage {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Conversation is a direct, group or escrow-scoped chat.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	LastMessage  *ChatMessage     `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	Pinned       bool             `json:"pinned,omitempty"`
	Muted        bool             `json:"muted,omitempty"`
	Archived     bool             `json:"archived,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt,omitempty"`
}

// ActivityAt is the time the conversation list sorts by: the last message
// timestamp, or the creation time for conversations without messages.
func (c Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func (c Conversation) clone() Conversation {
	if c.Participants != nil {
		parts := make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			if p.LastSeen != nil {
				seen := *p.LastSeen
				p.LastSeen = &seen
			}
			parts[i] = p
		}
		c.Participants = parts
	}
	if c.LastMessage != nil {
		last := c.LastMessage.clone()
		c.LastMessage = &last
	}
	return c
}

// ============================================================================
// Wire Payloads
// ============================================================================

// OutboundMessage is the payload of a locally originated message event.
type OutboundMessage struct {
	ClientID       string       `json:"clientId"`
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	ReplyTo        string       `json:"replyTo,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// MessageAck confirms a locally originated message and assigns its server id.
type MessageAck struct {
	ClientID       string    `json:"clientId"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// ReceiptPayload is carried by delivery_receipt and read_receipt events.
type ReceiptPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresencePayload struct {
	UserID   string     `json:"userId"`
	Status   Presence   `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ============================================================================
// REST Payloads
// ============================================================================

// HistoryPage is one backward page of conversation history.
type HistoryPage struct {
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

type CreateConversationOptions struct {
	Kind           ConversationKind `json:"kind"`
	Title          string           `json:"title,omitempty"`
	ParticipantIDs []string         `json:"participantIds"`
	InitialMessage string           `json:"initialMessage,omitempty"`
}

type SendOptions struct {
	ReplyTo     string       `json:"replyTo,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
