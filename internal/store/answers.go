package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// AnswerEntry is one logged question and its answer.
type AnswerEntry struct {
	// Question is the query text as asked.
	Question string
	// Answer is the generated answer with its cited sources.
	Answer rag.Answer
	// Latency is the end-to-end time spent answering.
	Latency time.Duration
	// CreatedAt is when the entry was persisted.
	CreatedAt time.Time
}

// AnswerLog persists answered questions for later review. Implementations
// must be safe for concurrent use.
type AnswerLog interface {
	// Append persists one answered question.
	Append(ctx context.Context, question string, answer rag.Answer, latency time.Duration) error
	// Recent returns the most recent n entries, oldest first.
	Recent(ctx context.Context, n int) ([]AnswerEntry, error)
	// Close releases any resources held by the log.
	Close() error
}

// SQLiteAnswerLog is an AnswerLog backed by a local SQLite database.
type SQLiteAnswerLog struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// OpenAnswerLog opens (or creates) a SQLiteAnswerLog at the given path.
func OpenAnswerLog(path string) (*SQLiteAnswerLog, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	l := &SQLiteAnswerLog{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// migrate creates the schema if it does not already exist.
func (l *SQLiteAnswerLog) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS answers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    question    TEXT    NOT NULL,
    answer      TEXT    NOT NULL,
    profile     TEXT    NOT NULL,
    no_context  INTEGER NOT NULL,
    sources     TEXT    NOT NULL,  -- JSON array of cited sources
    latency_ms  INTEGER NOT NULL,
    created_at  INTEGER NOT NULL   -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_answers_created ON answers (created_at);
`
	if _, err := l.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate answers: %w", err)
	}
	return nil
}

// Append persists one answered question.
func (l *SQLiteAnswerLog) Append(ctx context.Context, question string, answer rag.Answer, latency time.Duration) error {
	sources, err := json.Marshal(answer.Sources)
	if err != nil {
		return fmt.Errorf("store: encode sources: %w", err)
	}
	const q = `INSERT INTO answers (question, answer, profile, no_context, sources, latency_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := l.db.ExecContext(ctx, q,
		question, answer.Text, answer.Profile, answer.NoContext, string(sources),
		latency.Milliseconds(), time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("store: append answer: %w", err)
	}
	return nil
}

// Recent returns the most recent n entries, oldest first. Uses a subquery
// to select the tail then re-order for display.
func (l *SQLiteAnswerLog) Recent(ctx context.Context, n int) ([]AnswerEntry, error) {
	const q = `
SELECT question, answer, profile, no_context, sources, latency_ms, created_at FROM (
    SELECT *
    FROM   answers
    ORDER  BY created_at DESC, id DESC
    LIMIT  ?
) ORDER BY created_at ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent answers: %w", err)
	}
	defer rows.Close()

	var out []AnswerEntry
	for rows.Next() {
		var (
			e         AnswerEntry
			sources   string
			latencyMS int64
			ts        int64
		)
		if err := rows.Scan(&e.Question, &e.Answer.Text, &e.Answer.Profile, &e.Answer.NoContext, &sources, &latencyMS, &ts); err != nil {
			return nil, fmt.Errorf("store: recent answers scan: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &e.Answer.Sources); err != nil {
			return nil, fmt.Errorf("store: decode sources: %w", err)
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		e.CreatedAt = time.Unix(ts, 0)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent answers rows: %w", err)
	}
	return out, nil
}

// Close releases the database connection pool.
func (l *SQLiteAnswerLog) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
