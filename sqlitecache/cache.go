// Package sqlitecache persists VentureLink conversation state in SQLite so
// a session can start from the last known state before the network answers.
package sqlitecache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	venturelink "github.com/venturelink/sdk/golang"
)

// Cache is a venturelink.Cache backed by a SQLite database.
type Cache struct {
	db *sql.DB
}

var _ venturelink.Cache = (*Cache)(nil)

// Open opens (or creates) the database at dsn and migrates it.
func Open(dsn string) (*Cache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Migrate creates the cache tables. It is idempotent.
func Migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			pinned BOOLEAN NOT NULL DEFAULT 0,
			activity_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_id TEXT,
			conversation_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(pinned DESC, activity_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// ── Conversations ────────────────────────────────────────

func (c *Cache) PutConversations(ctx context.Context, convs []venturelink.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO conversations (id, pinned, activity_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pinned = excluded.pinned, activity_at = excluded.activity_at, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("prepare conversation upsert: %w", err)
	}
	defer stmt.Close()

	for _, conv := range convs {
		payload, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", conv.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, conv.ID, conv.Pinned, conv.ActivityAt().UnixNano(), string(payload)); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
		}
	}
	return tx.Commit()
}

func (c *Cache) Conversations(ctx context.Context, limit int) ([]venturelink.Conversation, error) {
	q := `SELECT payload FROM conversations ORDER BY pinned DESC, activity_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []venturelink.Conversation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var conv venturelink.Conversation
		if err := json.Unmarshal([]byte(payload), &conv); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ── Messages ─────────────────────────────────────────────

func (c *Cache) PutMessages(ctx context.Context, msgs []venturelink.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if m.ClientID != "" && m.ClientID != m.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, m.ClientID); err != nil {
				return fmt.Errorf("drop optimistic message %s: %w", m.ClientID, err)
			}
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages (id, client_id, conversation_id, created_at, content, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET client_id = excluded.client_id, created_at = excluded.created_at,
				content = excluded.content, payload = excluded.payload`,
			m.ID, nullable(m.ClientID), m.ConversationID, m.CreatedAt.UnixNano(), m.Content, string(payload))
		if err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (c *Cache) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? OR client_id = ?`, id, id); err != nil {
			return fmt.Errorf("delete message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (c *Cache) Messages(ctx context.Context, conversationID string, limit int, before time.Time) ([]venturelink.ChatMessage, error) {
	q := `SELECT payload FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if !before.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, before.UnixNano())
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	out, err := c.queryMessages(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Cache) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]venturelink.ChatMessage, error) {
	q := `SELECT payload FROM messages WHERE lower(content) LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(strings.ToLower(query)) + "%"}
	if conversationID != "" {
		q += ` AND conversation_id = ?`
		args = append(args, conversationID)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return c.queryMessages(ctx, q, args...)
}

func (c *Cache) queryMessages(ctx context.Context, q string, args ...any) ([]venturelink.ChatMessage, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []venturelink.ChatMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m venturelink.ChatMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
