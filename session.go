package venturelink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures a Session. Zero values take the defaults noted below.
type Config struct {
	// URL is the realtime endpoint (ws, wss, http or https).
	URL      string
	SelfID   string
	SelfName string

	ReconnectBaseDelay   time.Duration // 1s
	MaxReconnectAttempts int           // 5
	HeartbeatInterval    time.Duration // 25s, negative disables
	TypingTTL            time.Duration // 5s
	PageSize             int           // 50

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

type SessionOption func(*Session)

// WithTransport replaces the default WebSocket transport.
func WithTransport(t Transport) SessionOption {
	return func(s *Session) { s.transport = t }
}

// WithCache seeds the store from c on Start and writes changes through to it.
func WithCache(c Cache) SessionOption {
	return func(s *Session) { s.cache = c }
}

// Session wires the realtime components together: frames from the
// connection go to the dispatcher, dispatched events update the store and
// typing state, and the outbound queue flushes on every connect.
type Session struct {
	Conn   *ConnectionManager
	Events *EventDispatcher
	Outbox *OutboundQueue
	Store  *ConversationStore
	Typing *TypingCoordinator

	cfg       Config
	transport Transport
	cache     Cache
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	unsubs    []Unsubscribe
	closed    bool
	connected bool // set after the first Connected transition
	syncing   bool
}

// NewSession builds a session. api may be nil when no REST backend is
// available; history and conversation creation are then unavailable.
func NewSession(cfg Config, creds CredentialProvider, api ChatAPI, opts ...SessionOption) *Session {
	cfg.defaults()
	s := &Session{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "session").Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = &WebSocketTransport{}
	}

	s.Conn = NewConnectionManager(RealtimeConfig{
		URL:                  cfg.URL,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		Logger:               cfg.Logger,
		Metrics:              cfg.Metrics,
	}, s.transport, creds)
	s.Events = NewEventDispatcher(*cfg.Logger, cfg.Metrics)
	s.Outbox = NewOutboundQueue(s.Conn, *cfg.Logger, cfg.Metrics)
	s.Store = NewConversationStore(StoreConfig{
		SelfID:   cfg.SelfID,
		SelfName: cfg.SelfName,
		PageSize: cfg.PageSize,
		Logger:   cfg.Logger,
	}, api, s.Outbox)
	s.Typing = NewTypingCoordinator(cfg.SelfID, cfg.TypingTTL, s.Conn, *cfg.Logger)

	s.wire()
	return s
}

func (s *Session) wire() {
	s.Conn.HandleFrames(s.Events.HandleFrame)

	apply := func(env Envelope) { _ = s.Store.UpsertFromInbound(env) }
	for _, t := range []EventType{
		EventMessage,
		EventMessageAck,
		EventDeliveryReceipt,
		EventReadReceipt,
		EventChatUpdate,
		EventUserStatus,
	} {
		s.unsubs = append(s.unsubs, s.Events.Subscribe(t, apply))
	}
	s.unsubs = append(s.unsubs, s.Events.Subscribe(EventTypingStatus, s.Typing.HandleEnvelope))

	s.unsubs = append(s.unsubs, s.Conn.OnStateChange(func(c StateChange) {
		switch {
		case c.To == StateConnected:
			go s.Outbox.Flush(s.ctx)
			s.mu.Lock()
			reconnected := s.connected
			s.connected = true
			s.mu.Unlock()
			if reconnected {
				go func() {
					if err := s.Sync(s.ctx); err != nil {
						s.log.Warn().Err(err).Msg("resync after reconnect failed")
					}
				}()
			}
		case c.Exhausted():
			s.log.Error().Err(c.Err).Msg("realtime connection lost for good")
		}
	}))

	if s.cache != nil {
		s.unsubs = append(s.unsubs, s.Store.Subscribe(s.writeThrough))
	}
}

func (s *Session) writeThrough(c Change) {
	ctx := context.Background()
	var err error
	switch c.Kind {
	case ChangeConversations:
		if c.ConversationID == "" {
			err = s.cache.PutConversations(ctx, s.Store.Conversations())
		} else if conv, ok := s.Store.Conversation(c.ConversationID); ok {
			err = s.cache.PutConversations(ctx, []Conversation{conv})
		}
	case ChangeMessages:
		err = s.cache.PutMessages(ctx, s.Store.Messages(c.ConversationID))
	case ChangeRemoved:
		err = s.cache.DeleteMessages(ctx, c.MessageIDs)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("kind", string(c.Kind)).Msg("cache write failed")
	}
}

// Start seeds the store from the cache, hydrates it from the REST API and
// opens the realtime connection. Only a missing credential is fatal: a
// failed hydrate is logged and a failed dial is left to the reconnect loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if s.cache != nil {
		if err := s.seed(ctx); err != nil {
			s.log.Warn().Err(err).Msg("cache seed failed")
		}
	}
	if err := s.Store.Hydrate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("hydrate failed, continuing with cached state")
	}

	err := s.Conn.Connect(ctx)
	var terr *TransportError
	if errors.As(err, &terr) {
		s.log.Warn().Err(err).Msg("initial connect failed, retrying in background")
		return nil
	}
	return err
}

// Sync catches the store up with the server after an outage: the
// conversation list is hydrated again and the open conversation's newest
// history is merged. It runs on every reconnect; a call made while a sync
// is running returns nil at once.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	if s.syncing || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.mu.Unlock()
	}()

	if err := s.Store.Hydrate(ctx); err != nil {
		return err
	}
	if active := s.Store.Active(); active != "" {
		if err := s.Store.Refresh(ctx, active); err != nil {
			return err
		}
	}
	s.log.Debug().Msg("resynced")
	return nil
}

func (s *Session) seed(ctx context.Context) error {
	convs, err := s.cache.Conversations(ctx, 0)
	if err != nil {
		return err
	}
	var msgs []ChatMessage
	for _, c := range convs {
		m, err := s.cache.Messages(ctx, c.ID, s.cfg.PageSize, time.Time{})
		if err != nil {
			return err
		}
		msgs = append(msgs, m...)
	}
	s.Store.Seed(convs, msgs)
	s.log.Debug().Int("conversations", len(convs)).Int("messages", len(msgs)).Msg("seeded from cache")
	return nil
}

// Send queues a message; see ConversationStore.Send.
func (s *Session) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (ChatMessage, error) {
	return s.Store.Send(ctx, conversationID, content, opts)
}

func (s *Session) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return s.Store.MarkRead(ctx, conversationID, messageIDs)
}

func (s *Session) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return s.Typing.SetTyping(ctx, conversationID, isTyping)
}

func (s *Session) LoadMore(ctx context.Context, conversationID string) error {
	return s.Store.LoadMore(ctx, conversationID)
}

func (s *Session) CreateConversation(ctx context.Context, opts CreateConversationOptions) (Conversation, error) {
	return s.Store.CreateConversation(ctx, opts)
}

// Close tears the session down. The cache, if any, stays open; it belongs
// to the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.cancel()
	err := s.Conn.Close()
	s.Typing.Stop()
	for _, u := range unsubs {
		u()
	}
	return err
}
