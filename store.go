package venturelink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChatAPI is the REST collaborator the store reads history and conversation
// lists from. Client implements it.
type ChatAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error)
	CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*ChatMessage, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Outbox accepts envelopes for ordered delivery. OutboundQueue implements it.
type Outbox interface {
	Enqueue(env Envelope, onAccepted func(), onFailed func(error)) error
	Cancel(id string) bool
}

// ChangeKind says which part of the store changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	// ChangeRemoved lists messages dropped from a conversation in MessageIDs.
	ChangeRemoved ChangeKind = "removed"
)

// Change is delivered to store subscribers after every mutation.
// ConversationID is empty when the whole list changed.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageIDs     []string
}

// StoreConfig configures a ConversationStore.
type StoreConfig struct {
	SelfID   string
	SelfName string
	PageSize int
	Logger   *zerolog.Logger
}

func (c *StoreConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

type messageEntry struct {
	msg ChatMessage
	lc  *Lifecycle
}

type thread struct {
	entries []*messageEntry
	// byID indexes entries by server id and, for local sends, by client id.
	byID    map[string]*messageEntry
	hasMore bool
	loading bool
}

func newThread() *thread {
	return &thread{byID: make(map[string]*messageEntry), hasMore: true}
}

func entryLess(a, b *ChatMessage) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (t *thread) insert(e *messageEntry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return entryLess(&e.msg, &t.entries[i].msg)
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	t.index(e)
}

func (t *thread) index(e *messageEntry) {
	t.byID[e.msg.ID] = e
	if e.msg.ClientID != "" {
		t.byID[e.msg.ClientID] = e
	}
}

func (t *thread) remove(e *messageEntry) {
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	delete(t.byID, e.msg.ID)
	if e.msg.ClientID != "" {
		delete(t.byID, e.msg.ClientID)
	}
}

func (t *thread) resort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return entryLess(&t.entries[i].msg, &t.entries[j].msg)
	})
}

// oldestServerID is the backward pagination cursor: the oldest message the
// server knows about.
func (t *thread) oldestServerID() string {
	for _, e := range t.entries {
		if e.msg.ClientID == "" || e.msg.ID != e.msg.ClientID {
			return e.msg.ID
		}
	}
	return ""
}

// newestServerTime returns the timestamp of the newest message the server
// has confirmed, and false when there is none.
func (t *thread) newestServerTime() (time.Time, bool) {
	for i := len(t.entries) - 1; i >= 0; i-- {
		if m := t.entries[i].msg; m.ClientID == "" || m.ID != m.ClientID {
			return m.CreatedAt, true
		}
	}
	return time.Time{}, false
}

// ConversationStore is the single owner of conversation and message state.
// Every mutation goes through its methods; readers get deep copies.
type ConversationStore struct {
	cfg    StoreConfig
	api    ChatAPI
	outbox Outbox
	log    zerolog.Logger
	now    func() time.Time

	mu            sync.Mutex
	conversations map[string]*Conversation
	threads       map[string]*thread
	active        string

	listenersMu  sync.Mutex
	listeners    []storeListener
	nextListener uint64
}

type storeListener struct {
	id uint64
	fn func(Change)
}

func NewConversationStore(cfg StoreConfig, api ChatAPI, outbox Outbox) *ConversationStore {
	cfg.defaults()
	return &ConversationStore{
		cfg:           cfg,
		api:           api,
		outbox:        outbox,
		log:           cfg.Logger.With().Str("component", "store").Logger(),
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		threads:       make(map[string]*thread),
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscribe registers fn for change notifications. Notifications are
// delivered after the store lock is released.
func (s *ConversationStore) Subscribe(fn func(Change)) Unsubscribe {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners[:len(s.listeners):len(s.listeners)], storeListener{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			out := make([]storeListener, 0, len(s.listeners))
			for _, l := range s.listeners {
				if l.id != id {
					out = append(out, l)
				}
			}
			s.listeners = out
		})
	}
}

func (s *ConversationStore) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.listenersMu.Lock()
	listeners := s.listeners
	s.listenersMu.Unlock()
	for _, c := range changes {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error().Str("panic", fmt.Sprint(r)).Msg("store listener panicked")
					}
				}()
				l.fn(c)
			}()
		}
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversations returns the conversation list: pinned first, then by most
// recent activity, ties broken by id.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	list := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		list = append(list, c.clone())
	}
	s.mu.Unlock()
	SortConversations(list)
	return list
}

// SortConversations orders list for display.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		ta, tb := a.ActivityAt(), b.ActivityAt()
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
}

// Conversation returns a copy of one conversation.
func (s *ConversationStore) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns the conversation's messages in timestamp order.
func (s *ConversationStore) Messages(conversationID string) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]ChatMessage, len(th.entries))
	for i, e := range th.entries {
		out[i] = e.msg.clone()
	}
	return out
}

// Message looks a message up by server or client id.
func (s *ConversationStore) Message(conversationID, id string) (ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[conversationID]; ok {
		if e, ok := th.byID[id]; ok {
			return e.msg.clone(), true
		}
	}
	return ChatMessage{}, false
}

// StatusHistory returns the lifecycle transitions recorded for a message.
func (s *ConversationStore) StatusHistory(conversationID, id string) []StatusChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[conversationID]; ok {
		if e, ok := th.byID[id]; ok {
			return e.lc.History()
		}
	}
	return nil
}

// HasMore reports whether older history may still be fetched.
func (s *ConversationStore) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[conversationID]
	return !ok || th.hasMore
}

// Active returns the id of the currently open conversation.
func (s *ConversationStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ============================================================================
// Hydration
// ============================================================================

// Hydrate replaces conversation records with the server's list.
func (s *ConversationStore) Hydrate(ctx context.Context) error {
	if s.api == nil {
		return nil
	}
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.mu.Lock()
	for i := range convs {
		s.replaceConversationLocked(convs[i])
	}
	s.mu.Unlock()
	s.log.Debug().Int("count", len(convs)).Msg("hydrated conversations")
	s.notify(Change{Kind: ChangeConversations})
	return nil
}

// Seed loads previously cached state. Existing conversations are kept and
// messages already present are skipped. A cached message still sending has
// no queued send behind it any more, so it is seeded as failed and can be
// resent.
func (s *ConversationStore) Seed(convs []Conversation, msgs []ChatMessage) {
	s.mu.Lock()
	for _, c := range convs {
		if _, ok := s.conversations[c.ID]; !ok {
			cc := c.clone()
			s.conversations[c.ID] = &cc
		}
	}
	touched := map[string]bool{}
	for _, m := range msgs {
		th := s.threadLocked(m.ConversationID)
		if _, ok := th.byID[m.ID]; ok {
			continue
		}
		if _, ok := th.byID[m.ClientID]; ok && m.ClientID != "" {
			continue
		}
		if m.Status == "" {
			m.Status = s.defaultStatus(m)
		}
		e := &messageEntry{msg: m.clone(), lc: NewLifecycle(m.Status)}
		if m.Status == StatusSending {
			s.advanceLocked(e, StatusFailed)
		}
		th.insert(e)
		touched[m.ConversationID] = true
	}
	s.mu.Unlock()

	changes := []Change{{Kind: ChangeConversations}}
	for id := range touched {
		changes = append(changes, Change{Kind: ChangeMessages, ConversationID: id})
	}
	s.notify(changes...)
}

// ============================================================================
// Inbound Events
// ============================================================================

// UpsertFromInbound applies an inbound envelope. message events are merged
// idempotently by id; chat_update replaces the conversation record in
// receipt order; acks, receipts and presence update existing records.
// Other types are ignored.
func (s *ConversationStore) UpsertFromInbound(env Envelope) error {
	var changes []Change
	var err error

	s.mu.Lock()
	switch env.Type {
	case EventMessage:
		var m ChatMessage
		if err = env.Decode(&m); err == nil {
			changes, err = s.applyMessageLocked(m)
		}
	case EventChatUpdate:
		var c Conversation
		if err = env.Decode(&c); err == nil {
			if c.ID == "" {
				err = errors.New("chat_update without conversation id")
				break
			}
			s.replaceConversationLocked(c)
			changes = []Change{{Kind: ChangeConversations, ConversationID: c.ID}}
		}
	case EventMessageAck:
		var ack MessageAck
		if err = env.Decode(&ack); err == nil {
			changes, err = s.applyAckLocked(ack)
		}
	case EventDeliveryReceipt:
		var r ReceiptPayload
		if err = env.Decode(&r); err == nil {
			changes = s.applyReceiptLocked(r, StatusDelivered)
		}
	case EventReadReceipt:
		var r ReceiptPayload
		if err = env.Decode(&r); err == nil {
			changes = s.applyReceiptLocked(r, StatusRead)
		}
	case EventUserStatus:
		var p PresencePayload
		if err = env.Decode(&p); err == nil {
			changes = s.applyPresenceLocked(p)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).Str("type", string(env.Type)).Str("id", env.ID).Msg("inbound event not applied")
		return fmt.Errorf("apply %s: %w", env.Type, err)
	}
	s.notify(changes...)
	return nil
}

func (s *ConversationStore) applyMessageLocked(m ChatMessage) ([]Change, error) {
	if m.ConversationID == "" || m.ID == "" {
		return nil, errors.New("message without id or conversation id")
	}
	th := s.threadLocked(m.ConversationID)
	if _, ok := th.byID[m.ID]; ok {
		return nil, nil
	}

	conv := s.conversationLocked(m.ConversationID, m.CreatedAt)
	changes := []Change{
		{Kind: ChangeMessages, ConversationID: m.ConversationID},
		{Kind: ChangeConversations, ConversationID: m.ConversationID},
	}

	// The server echoing one of our optimistic sends.
	if m.ClientID != "" {
		if e, ok := th.byID[m.ClientID]; ok {
			s.reconcileLocked(th, e, m.ID)
			s.advanceLocked(e, StatusSent)
			s.refreshLastLocked(conv, e)
			return changes, nil
		}
	}

	if m.Status == "" {
		m.Status = s.defaultStatus(m)
	}
	e := &messageEntry{msg: m.clone(), lc: NewLifecycle(m.Status)}
	th.insert(e)
	s.setLastIfNewerLocked(conv, e)
	if m.SenderID != s.cfg.SelfID && s.active != m.ConversationID {
		conv.UnreadCount++
	}
	return changes, nil
}

func (s *ConversationStore) applyAckLocked(ack MessageAck) ([]Change, error) {
	if ack.ClientID == "" || ack.ID == "" {
		return nil, errors.New("ack without client or server id")
	}
	th, e := s.findLocked(ack.ConversationID, ack.ClientID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, ack.ClientID)
	}
	s.reconcileLocked(th, e, ack.ID)
	s.advanceLocked(e, StatusSent)
	if conv, ok := s.conversations[e.msg.ConversationID]; ok {
		s.refreshLastLocked(conv, e)
	}
	return []Change{
		{Kind: ChangeMessages, ConversationID: e.msg.ConversationID},
		{Kind: ChangeConversations, ConversationID: e.msg.ConversationID},
	}, nil
}

func (s *ConversationStore) applyReceiptLocked(r ReceiptPayload, status MessageStatus) []Change {
	th, ok := s.threads[r.ConversationID]
	if !ok {
		return nil
	}
	conv := s.conversations[r.ConversationID]
	byUs := r.UserID != "" && r.UserID == s.cfg.SelfID

	changed := false
	read := 0
	for _, id := range r.MessageIDs {
		e, ok := th.byID[id]
		if !ok {
			continue
		}
		// A receipt from another participant moves our messages forward; our
		// own read receipt (from another device) moves theirs.
		if (e.msg.SenderID == s.cfg.SelfID) == byUs {
			continue
		}
		if s.advanceLocked(e, status) {
			changed = true
			read++
			if conv != nil {
				s.refreshLastLocked(conv, e)
			}
		}
	}
	// Only messages this receipt actually moved count, so an echo of our own
	// MarkRead or a replayed receipt leaves unread alone.
	if byUs && status == StatusRead && conv != nil && read > 0 {
		conv.UnreadCount = max(0, conv.UnreadCount-read)
	}
	if !changed {
		return nil
	}
	return []Change{
		{Kind: ChangeMessages, ConversationID: r.ConversationID},
		{Kind: ChangeConversations, ConversationID: r.ConversationID},
	}
}

func (s *ConversationStore) applyPresenceLocked(p PresencePayload) []Change {
	var changes []Change
	for id, conv := range s.conversations {
		for i := range conv.Participants {
			part := &conv.Participants[i]
			if part.ID != p.UserID {
				continue
			}
			part.Presence = p.Status
			if p.LastSeen != nil {
				seen := *p.LastSeen
				part.LastSeen = &seen
			}
			changes = append(changes, Change{Kind: ChangeConversations, ConversationID: id})
		}
	}
	return changes
}

// ============================================================================
// Intents
// ============================================================================

// Send creates an optimistic message in sending state and queues it. The
// returned message carries the client id that later acks reconcile against.
func (s *ConversationStore) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (ChatMessage, error) {
	if content == "" && (opts == nil || len(opts.Attachments) == 0) {
		return ChatMessage{}, ErrEmptyMessage
	}
	clientID := uuid.NewString()
	msg := ChatMessage{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.cfg.SelfID,
		SenderName:     s.cfg.SelfName,
		Content:        content,
		CreatedAt:      s.now().UTC(),
		Status:         StatusSending,
	}
	if opts != nil {
		msg.ReplyTo = opts.ReplyTo
		msg.Attachments = append([]Attachment(nil), opts.Attachments...)
	}

	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	th := s.threadLocked(conversationID)
	e := &messageEntry{msg: msg, lc: NewLifecycle(StatusSending)}
	th.insert(e)
	s.setLastIfNewerLocked(conv, e)
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeMessages, ConversationID: conversationID},
		Change{Kind: ChangeConversations, ConversationID: conversationID},
	)
	s.log.Debug().Str("conversation", conversationID).Str("client_id", clientID).Msg("message queued")

	env, err := newEnvelopeWithID(clientID, EventMessage, OutboundMessage{
		ClientID:       clientID,
		ConversationID: conversationID,
		Content:        content,
		ReplyTo:        msg.ReplyTo,
		Attachments:    msg.Attachments,
	})
	if err == nil {
		err = s.outbox.Enqueue(env,
			func() { s.setStatus(conversationID, clientID, StatusSent) },
			func(err error) {
				s.log.Warn().Err(err).Str("client_id", clientID).Msg("message failed")
				s.setStatus(conversationID, clientID, StatusFailed)
			},
		)
	}
	if err != nil {
		s.setStatus(conversationID, clientID, StatusFailed)
		msg.Status = StatusFailed
		return msg, err
	}
	return msg, nil
}

// Resend retries a failed message. The failed entry is removed and a new
// optimistic message with a fresh client id takes its place.
func (s *ConversationStore) Resend(ctx context.Context, conversationID, id string) (ChatMessage, error) {
	s.mu.Lock()
	th, e := s.findLocked(conversationID, id)
	if e == nil {
		s.mu.Unlock()
		return ChatMessage{}, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if e.lc.Status() != StatusFailed {
		s.mu.Unlock()
		return ChatMessage{}, fmt.Errorf("%w: only failed messages can be resent (status %s)", ErrInvalidTransition, e.lc.Status())
	}
	old := e.msg
	removed := []string{old.ID}
	if old.ClientID != "" && old.ClientID != old.ID {
		removed = append(removed, old.ClientID)
	}
	th.remove(e)
	if conv, ok := s.conversations[conversationID]; ok && conv.LastMessage != nil && conv.LastMessage.ID == old.ID {
		conv.LastMessage = nil
		if n := len(th.entries); n > 0 {
			last := th.entries[n-1].msg.clone()
			conv.LastMessage = &last
		}
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, ConversationID: conversationID, MessageIDs: removed})
	return s.Send(ctx, conversationID, old.Content, &SendOptions{ReplyTo: old.ReplyTo, Attachments: old.Attachments})
}

// Cancel withdraws a queued send that has not reached the transport yet.
// The message becomes failed.
func (s *ConversationStore) Cancel(conversationID, clientID string) error {
	if !s.outbox.Cancel(clientID) {
		return fmt.Errorf("%w: %s is not queued", ErrMessageNotFound, clientID)
	}
	return nil
}

// FailPending marks every message still sending in the conversation as
// failed and withdraws the ones still queued. It returns how many changed.
func (s *ConversationStore) FailPending(conversationID string) int {
	s.mu.Lock()
	th, ok := s.threads[conversationID]
	var ids []string
	if ok {
		for _, e := range th.entries {
			if e.lc.Status() == StatusSending {
				ids = append(ids, e.msg.ClientID)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if !s.outbox.Cancel(id) {
			s.setStatus(conversationID, id, StatusFailed)
		}
	}
	return len(ids)
}

// MarkRead optimistically marks messages read, lowers the unread count by
// len(messageIDs) (never below zero) and queues a read receipt. Local state
// is not rolled back if the receipt cannot be delivered.
func (s *ConversationStore) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if th, ok := s.threads[conversationID]; ok {
		for _, id := range messageIDs {
			if e, ok := th.byID[id]; ok && e.msg.SenderID != s.cfg.SelfID {
				s.advanceLocked(e, StatusRead)
				s.refreshLastLocked(conv, e)
			}
		}
	}
	conv.UnreadCount = max(0, conv.UnreadCount-len(messageIDs))
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeMessages, ConversationID: conversationID},
		Change{Kind: ChangeConversations, ConversationID: conversationID},
	)

	env, err := NewEnvelope(EventReadReceipt, ReceiptPayload{
		ConversationID: conversationID,
		MessageIDs:     append([]string(nil), messageIDs...),
		UserID:         s.cfg.SelfID,
	})
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(env, nil, func(err error) {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("read receipt not delivered")
	})
}

// LoadMore fetches the next older page of history. A call made while a
// fetch for the same conversation is in flight, or after the history is
// exhausted, returns nil without fetching.
func (s *ConversationStore) LoadMore(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	th := s.threadLocked(conversationID)
	if th.loading || !th.hasMore || s.api == nil {
		s.mu.Unlock()
		return nil
	}
	th.loading = true
	cursor := th.oldestServerID()
	pageSize := s.cfg.PageSize
	s.mu.Unlock()

	page, err := s.api.FetchHistory(ctx, conversationID, cursor, pageSize)

	s.mu.Lock()
	th.loading = false
	if err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("history fetch failed")
		return &HistoryFetchError{ConversationID: conversationID, Err: err}
	}
	if page == nil {
		page = &HistoryPage{}
	}
	added := s.mergePageLocked(conversationID, th, page.Messages)
	th.hasMore = len(page.Messages) >= pageSize && page.HasMore
	s.mu.Unlock()

	s.log.Debug().Str("conversation", conversationID).Int("added", added).Str("cursor", cursor).Msg("history page loaded")
	s.notify(
		Change{Kind: ChangeMessages, ConversationID: conversationID},
		Change{Kind: ChangeConversations, ConversationID: conversationID},
	)
	return nil
}

// maxRefreshPages bounds how far back Refresh pages looking for history it
// already holds.
const maxRefreshPages = 5

// Refresh fetches the newest history of a conversation and merges it. When
// server messages are already loaded it keeps paging backward until it
// reaches the newest of them, so events missed while disconnected are
// filled in. Unread counts are left to Hydrate.
func (s *ConversationStore) Refresh(ctx context.Context, conversationID string) error {
	if s.api == nil {
		return nil
	}
	s.mu.Lock()
	th := s.threadLocked(conversationID)
	boundary, known := th.newestServerTime()
	pageSize := s.cfg.PageSize
	s.mu.Unlock()

	cursor := ""
	added := 0
	for i := 0; i < maxRefreshPages; i++ {
		page, err := s.api.FetchHistory(ctx, conversationID, cursor, pageSize)
		if err != nil {
			s.log.Warn().Err(err).Str("conversation", conversationID).Msg("history refresh failed")
			return &HistoryFetchError{ConversationID: conversationID, Err: err}
		}
		if page == nil {
			page = &HistoryPage{}
		}
		more := len(page.Messages) >= pageSize && page.HasMore

		s.mu.Lock()
		added += s.mergePageLocked(conversationID, th, page.Messages)
		if !known {
			th.hasMore = more
		}
		s.mu.Unlock()

		if !known || !more || !page.Messages[0].CreatedAt.After(boundary) {
			break
		}
		cursor = page.Messages[0].ID
	}

	s.log.Debug().Str("conversation", conversationID).Int("added", added).Msg("history refreshed")
	s.notify(
		Change{Kind: ChangeMessages, ConversationID: conversationID},
		Change{Kind: ChangeConversations, ConversationID: conversationID},
	)
	return nil
}

// mergePageLocked adds a page of history to th. Messages already present are
// skipped and one carrying the client id of a local send is reconciled with
// it. It returns how many were added.
func (s *ConversationStore) mergePageLocked(conversationID string, th *thread, msgs []ChatMessage) int {
	added := 0
	conv := s.conversations[conversationID]
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if _, ok := th.byID[m.ID]; ok {
			continue
		}
		if m.ClientID != "" {
			if e, ok := th.byID[m.ClientID]; ok {
				s.reconcileLocked(th, e, m.ID)
				s.advanceLocked(e, StatusSent)
				if conv != nil {
					s.refreshLastLocked(conv, e)
				}
				continue
			}
		}
		if m.Status == "" {
			m.Status = s.defaultStatus(m)
		}
		e := &messageEntry{msg: m.clone(), lc: NewLifecycle(m.Status)}
		th.insert(e)
		if conv != nil {
			s.setLastIfNewerLocked(conv, e)
		}
		added++
	}
	return added
}

// CreateConversation creates a conversation through the REST API and adds
// it to the store.
func (s *ConversationStore) CreateConversation(ctx context.Context, opts CreateConversationOptions) (Conversation, error) {
	if s.api == nil {
		return Conversation{}, errors.New("create conversation: no REST client configured")
	}
	conv, err := s.api.CreateConversation(ctx, opts)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	s.mu.Lock()
	s.replaceConversationLocked(*conv)
	if conv.LastMessage != nil {
		m := conv.LastMessage.clone()
		if m.ConversationID == "" {
			m.ConversationID = conv.ID
		}
		th := s.threadLocked(conv.ID)
		if _, ok := th.byID[m.ID]; !ok && m.ID != "" {
			if m.Status == "" {
				m.Status = s.defaultStatus(m)
			}
			th.insert(&messageEntry{msg: m, lc: NewLifecycle(m.Status)})
		}
	}
	out := s.conversations[conv.ID].clone()
	s.mu.Unlock()

	s.notify(
		Change{Kind: ChangeConversations, ConversationID: conv.ID},
		Change{Kind: ChangeMessages, ConversationID: conv.ID},
	)
	return out, nil
}

// Open marks a conversation as the one on screen. Messages arriving for it
// do not raise its unread count.
func (s *ConversationStore) Open(conversationID string) error {
	s.mu.Lock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	s.active = conversationID
	s.mu.Unlock()
	return nil
}

// CloseActive clears the open conversation.
func (s *ConversationStore) CloseActive() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

func (s *ConversationStore) SetPinned(conversationID string, pinned bool) error {
	return s.updateFlags(conversationID, func(c *Conversation) { c.Pinned = pinned })
}

func (s *ConversationStore) SetMuted(conversationID string, muted bool) error {
	return s.updateFlags(conversationID, func(c *Conversation) { c.Muted = muted })
}

// SetArchived archives or restores a conversation. Conversations are never
// deleted locally.
func (s *ConversationStore) SetArchived(conversationID string, archived bool) error {
	return s.updateFlags(conversationID, func(c *Conversation) { c.Archived = archived })
}

func (s *ConversationStore) updateFlags(conversationID string, fn func(*Conversation)) error {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	fn(conv)
	conv.UpdatedAt = s.now().UTC()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (s *ConversationStore) setStatus(conversationID, id string, status MessageStatus) {
	s.mu.Lock()
	_, e := s.findLocked(conversationID, id)
	if e == nil {
		s.mu.Unlock()
		return
	}
	changed := s.advanceLocked(e, status)
	if conv, ok := s.conversations[e.msg.ConversationID]; ok && changed {
		s.refreshLastLocked(conv, e)
	}
	s.mu.Unlock()
	if changed {
		s.notify(
			Change{Kind: ChangeMessages, ConversationID: conversationID},
			Change{Kind: ChangeConversations, ConversationID: conversationID},
		)
	}
}

// advanceLocked applies a lifecycle transition and reports whether it
// happened. Invalid transitions are logged and ignored.
func (s *ConversationStore) advanceLocked(e *messageEntry, status MessageStatus) bool {
	if e.lc.Status() == status {
		return false
	}
	if err := e.lc.Advance(status, s.now()); err != nil {
		s.log.Debug().Err(err).Str("id", e.msg.ID).Msg("status change ignored")
		return false
	}
	e.msg.Status = e.lc.Status()
	return true
}

// reconcileLocked gives an optimistic entry its server id. The entry keeps
// its local timestamp.
func (s *ConversationStore) reconcileLocked(th *thread, e *messageEntry, serverID string) {
	if e.msg.ID == serverID {
		return
	}
	if dup, ok := th.byID[serverID]; ok && dup != e {
		th.remove(dup)
	}
	delete(th.byID, e.msg.ID)
	e.msg.ID = serverID
	th.index(e)
	th.resort()
}

func (s *ConversationStore) findLocked(conversationID, id string) (*thread, *messageEntry) {
	if conversationID != "" {
		if th, ok := s.threads[conversationID]; ok {
			if e, ok := th.byID[id]; ok {
				return th, e
			}
		}
		return nil, nil
	}
	for _, th := range s.threads {
		if e, ok := th.byID[id]; ok {
			return th, e
		}
	}
	return nil, nil
}

func (s *ConversationStore) threadLocked(conversationID string) *thread {
	th, ok := s.threads[conversationID]
	if !ok {
		th = newThread()
		s.threads[conversationID] = th
	}
	return th
}

// conversationLocked returns the conversation, creating a placeholder for
// one first seen through a message.
func (s *ConversationStore) conversationLocked(id string, createdAt time.Time) *Conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = &Conversation{ID: id, Kind: KindDirect, CreatedAt: createdAt, UpdatedAt: createdAt}
		s.conversations[id] = conv
	}
	return conv
}

func (s *ConversationStore) replaceConversationLocked(c Conversation) {
	cc := c.clone()
	s.conversations[c.ID] = &cc
}

func (s *ConversationStore) setLastIfNewerLocked(conv *Conversation, e *messageEntry) {
	if conv.LastMessage == nil || !entryLess(&e.msg, conv.LastMessage) {
		last := e.msg.clone()
		conv.LastMessage = &last
		if e.msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = e.msg.CreatedAt
		}
	}
}

func (s *ConversationStore) refreshLastLocked(conv *Conversation, e *messageEntry) {
	if conv.LastMessage == nil {
		return
	}
	if conv.LastMessage.ID == e.msg.ID || (e.msg.ClientID != "" && conv.LastMessage.ClientID == e.msg.ClientID) {
		last := e.msg.clone()
		conv.LastMessage = &last
	}
}

func (s *ConversationStore) defaultStatus(m ChatMessage) MessageStatus {
	if m.SenderID == s.cfg.SelfID {
		return StatusSent
	}
	return StatusDelivered
}
