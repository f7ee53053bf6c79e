package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a question asked in the session.
	RoleUser Role = "user"
	// RoleAssistant is a generated answer.
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role      Role
	Content   string
	CreatedAt time.Time
}

// ConversationStore persists conversation history keyed by session.
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	// AppendTurn persists a question and its answer as one unit.
	AppendTurn(ctx context.Context, session, question, answer string) error
	// Recent returns the most recent n messages of the session, oldest
	// first, so they can be placed before the new question directly.
	Recent(ctx context.Context, session string, n int) ([]Message, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteConversations is a ConversationStore backed by a local SQLite
// database.
type SQLiteConversations struct {
	db *sql.DB
}

// OpenConversations opens (or creates) a SQLiteConversations at path,
// creating its directory if needed.
func OpenConversations(path string) (*SQLiteConversations, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: could not create %s: %w", filepath.Dir(path), err)
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	c := &SQLiteConversations{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteConversations) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session     TEXT    NOT NULL,
    role        TEXT    NOT NULL CHECK(role IN ('user','assistant')),
    content     TEXT    NOT NULL,
    created_at  INTEGER NOT NULL  -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations (session, id);
`
	if _, err := c.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate conversations: %w", err)
	}
	return nil
}

// AppendTurn writes the question and the answer in one transaction so a
// session never holds a question without its answer.
func (c *SQLiteConversations) AppendTurn(ctx context.Context, session, question, answer string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO conversations (session, role, content, created_at) VALUES (?, ?, ?, ?)`
	now := time.Now().Unix()
	for _, m := range []struct {
		role    Role
		content string
	}{{RoleUser, question}, {RoleAssistant, answer}} {
		if _, err := tx.ExecContext(ctx, q, session, string(m.role), m.content, now); err != nil {
			return fmt.Errorf("store: append turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return nil
}

// Recent returns the most recent n messages of the session, oldest first.
func (c *SQLiteConversations) Recent(ctx context.Context, session string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	const q = `
SELECT role, content, created_at FROM (
    SELECT id, role, content, created_at
    FROM   conversations
    WHERE  session = ?
    ORDER  BY id DESC
    LIMIT  ?
) ORDER BY id ASC`

	rows, err := c.db.QueryContext(ctx, q, session, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m    Message
			role string
			ts   int64
		)
		if err := rows.Scan(&role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("store: recent messages scan: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent messages rows: %w", err)
	}
	return msgs, nil
}

// Close releases the database connection pool.
func (c *SQLiteConversations) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
