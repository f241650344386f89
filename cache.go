package venturelink

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache persists conversation state between sessions so the store can be
// seeded before the network answers. Writes are upserts keyed by id; a
// message whose ClientID differs from its ID replaces the optimistic row
// stored under the client id.
type Cache interface {
	PutConversations(ctx context.Context, convs []Conversation) error
	Conversations(ctx context.Context, limit int) ([]Conversation, error)
	PutMessages(ctx context.Context, msgs []ChatMessage) error
	// DeleteMessages drops messages by server or client id.
	DeleteMessages(ctx context.Context, ids []string) error
	// Messages returns up to limit messages older than before (zero means no
	// bound), oldest first.
	Messages(ctx context.Context, conversationID string, limit int, before time.Time) ([]ChatMessage, error)
	SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]ChatMessage, error)
	Close() error
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory Cache.
type MemoryCache struct {
	mu            sync.RWMutex
	messages      map[string]ChatMessage
	conversations map[string]Conversation
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		messages:      make(map[string]ChatMessage),
		conversations: make(map[string]Conversation),
	}
}

// ── Conversations ────────────────────────────────────────

func (c *MemoryCache) PutConversations(_ context.Context, convs []Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conv := range convs {
		c.conversations[conv.ID] = conv.clone()
	}
	return nil
}

func (c *MemoryCache) Conversations(_ context.Context, limit int) ([]Conversation, error) {
	c.mu.RLock()
	result := make([]Conversation, 0, len(c.conversations))
	for _, conv := range c.conversations {
		result = append(result, conv.clone())
	}
	c.mu.RUnlock()

	SortConversations(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Messages ─────────────────────────────────────────────

func (c *MemoryCache) PutMessages(_ context.Context, msgs []ChatMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if m.ClientID != "" && m.ClientID != m.ID {
			delete(c.messages, m.ClientID)
		}
		c.messages[m.ID] = m.clone()
	}
	return nil
}

func (c *MemoryCache) DeleteMessages(_ context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.messages, id)
		for key, m := range c.messages {
			if m.ClientID == id {
				delete(c.messages, key)
			}
		}
	}
	return nil
}

func (c *MemoryCache) Messages(_ context.Context, conversationID string, limit int, before time.Time) ([]ChatMessage, error) {
	c.mu.RLock()
	var result []ChatMessage
	for _, m := range c.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before.IsZero() || m.CreatedAt.Before(before) {
			result = append(result, m.clone())
		}
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return entryLess(&result[i], &result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (c *MemoryCache) SearchMessages(_ context.Context, query, conversationID string, limit int) ([]ChatMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := strings.ToLower(query)
	var results []ChatMessage
	for _, m := range c.messages {
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m.clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return entryLess(&results[i], &results[j]) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (c *MemoryCache) Close() error { return nil }
