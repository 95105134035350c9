// Package store provides the durable persistence backends for the context
// engine: a SQLite store implementing checkpoint, mid-term and long-term
// storage, plus checkpoint export/import.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
	"github.com/dotsetgreg/ctxkeeper/pkg/memory"
)

// ErrDimensionMismatch reports an embedding whose dimension disagrees with
// what the store already holds.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// SQLiteStore implements conversation.CheckpointStorage,
// memory.MidTermStorage and memory.LongTermStorage over one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL,
			token_count   INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			summary       TEXT NOT NULL DEFAULT '',
			messages      TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS compacted_sessions (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			summary       TEXT NOT NULL,
			key_topics    TEXT NOT NULL DEFAULT '[]',
			decisions     TEXT NOT NULL DEFAULT '[]',
			range_first   INTEGER NOT NULL DEFAULT 0,
			range_last    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			last_accessed TEXT NOT NULL,
			access_count  INTEGER NOT NULL DEFAULT 0,
			starred       INTEGER NOT NULL DEFAULT 0,
			promoted      INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compacted_session ON compacted_sessions(session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			embedding  BLOB,
			content    TEXT NOT NULL,
			date       TEXT NOT NULL,
			topics     TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// --- conversation.CheckpointStorage ---

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp conversation.Checkpoint, msgs []conversation.Message) error {
	payload, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal checkpoint messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(id, session_id, name, message_count, token_count, created_at, summary, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.Name, cp.MessageCount, cp.TokenCount,
		cp.CreatedAt.Format(time.RFC3339Nano), cp.Summary, string(payload))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (conversation.Checkpoint, []conversation.Message, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, message_count, token_count, created_at, summary, messages
		FROM checkpoints WHERE id = ?`, id)

	var cp conversation.Checkpoint
	var createdAt, payload string
	err := row.Scan(&cp.ID, &cp.SessionID, &cp.Name, &cp.MessageCount, &cp.TokenCount, &createdAt, &cp.Summary, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Checkpoint{}, nil, false, nil
	}
	if err != nil {
		return conversation.Checkpoint{}, nil, false, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	cp.CreatedAt = parseTime(createdAt)

	var msgs []conversation.Message
	if err := json.Unmarshal([]byte(payload), &msgs); err != nil {
		return conversation.Checkpoint{}, nil, false, fmt.Errorf("decode checkpoint %s messages: %w", id, err)
	}
	return cp, msgs, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, sessionID string) ([]conversation.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, message_count, token_count, created_at, summary
		FROM checkpoints WHERE session_id = ? OR ? = ''
		ORDER BY created_at`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []conversation.Checkpoint{}
	for rows.Next() {
		var cp conversation.Checkpoint
		var createdAt string
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.Name, &cp.MessageCount, &cp.TokenCount, &createdAt, &cp.Summary); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.CreatedAt = parseTime(createdAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- memory.MidTermStorage ---

func (s *SQLiteStore) SaveCompactedSession(ctx context.Context, cs memory.CompactedSession) error {
	topics, err := json.Marshal(cs.KeyTopics)
	if err != nil {
		return fmt.Errorf("marshal key topics: %w", err)
	}
	decisions, err := json.Marshal(cs.Decisions)
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO compacted_sessions
			(id, session_id, summary, key_topics, decisions, range_first, range_last,
			 created_at, last_accessed, access_count, starred, promoted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.SessionID, cs.Summary, string(topics), string(decisions),
		cs.MessageRange.First, cs.MessageRange.Last,
		cs.CreatedAt.Format(time.RFC3339Nano), cs.LastAccessedAt.Format(time.RFC3339Nano),
		cs.AccessCount, boolToInt(cs.Starred), boolToInt(cs.Promoted))
	if err != nil {
		return fmt.Errorf("save compacted session %s: %w", cs.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCompactedSessions(ctx context.Context, sessionID string) ([]memory.CompactedSession, error) {
	return s.queryCompactedSessions(ctx, `WHERE session_id = ?`, sessionID)
}

func (s *SQLiteStore) ListCompactedSessions(ctx context.Context) ([]memory.CompactedSession, error) {
	return s.queryCompactedSessions(ctx, ``)
}

func (s *SQLiteStore) queryCompactedSessions(ctx context.Context, where string, args ...any) ([]memory.CompactedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, summary, key_topics, decisions, range_first, range_last,
		       created_at, last_accessed, access_count, starred, promoted
		FROM compacted_sessions `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query compacted sessions: %w", err)
	}
	defer rows.Close()

	out := []memory.CompactedSession{}
	for rows.Next() {
		var cs memory.CompactedSession
		var topics, decisions, createdAt, lastAccessed string
		var starred, promoted int
		if err := rows.Scan(&cs.ID, &cs.SessionID, &cs.Summary, &topics, &decisions,
			&cs.MessageRange.First, &cs.MessageRange.Last,
			&createdAt, &lastAccessed, &cs.AccessCount, &starred, &promoted); err != nil {
			return nil, fmt.Errorf("scan compacted session: %w", err)
		}
		if err := json.Unmarshal([]byte(topics), &cs.KeyTopics); err != nil {
			return nil, fmt.Errorf("decode key topics: %w", err)
		}
		if err := json.Unmarshal([]byte(decisions), &cs.Decisions); err != nil {
			return nil, fmt.Errorf("decode decisions: %w", err)
		}
		cs.CreatedAt = parseTime(createdAt)
		cs.LastAccessedAt = parseTime(lastAccessed)
		cs.Starred = starred != 0
		cs.Promoted = promoted != 0
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkSessionPromoted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE compacted_sessions SET promoted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark session %s promoted: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) RecordSessionAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE compacted_sessions
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record session %s access: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) StarSession(ctx context.Context, id string, starred bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE compacted_sessions SET starred = ? WHERE id = ?`, boolToInt(starred), id)
	if err != nil {
		return fmt.Errorf("star session %s: %w", id, err)
	}
	return nil
}

// --- memory.LongTermStorage ---

func (s *SQLiteStore) SaveConversation(ctx context.Context, conv memory.IndexedConversation) error {
	var blob []byte
	if len(conv.Embedding) > 0 {
		dim, err := s.embeddingDim(ctx)
		if err != nil {
			return err
		}
		if dim > 0 && dim != len(conv.Embedding) {
			return fmt.Errorf("save conversation %s: got dimension %d, store holds %d: %w",
				conv.ID, len(conv.Embedding), dim, ErrDimensionMismatch)
		}
		blob, err = EncodeVector(conv.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding for %s: %w", conv.ID, err)
		}
	}
	topics, err := json.Marshal(conv.Metadata.Topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, embedding, content, date, topics)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			embedding  = excluded.embedding,
			content    = excluded.content,
			date       = excluded.date,
			topics     = excluded.topics`,
		conv.ID, conv.SessionID, blob, conv.Content,
		conv.Metadata.Date.Format(time.RFC3339Nano), string(topics))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) embeddingDim(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM conversations WHERE embedding IS NOT NULL AND length(embedding) > 0 LIMIT 1`)
	var blob []byte
	err := row.Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	vec, err := DecodeVector(blob)
	if err != nil {
		return 0, err
	}
	return len(vec), nil
}

// SearchConversations loads candidates and ranks them by cosine similarity
// in process, descending with a stable insertion-order tie break.
func (s *SQLiteStore) SearchConversations(ctx context.Context, embedding []float32, limit int, sessionID string) ([]memory.IndexedConversation, error) {
	convs, err := s.queryConversations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	type scored struct {
		conv  memory.IndexedConversation
		score float64
	}
	candidates := make([]scored, 0, len(convs))
	for _, conv := range convs {
		candidates = append(candidates, scored{conv: conv, score: memory.Cosine(embedding, conv.Embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]memory.IndexedConversation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.conv)
	}
	return out, nil
}

func (s *SQLiteStore) SearchConversationsByKeyword(ctx context.Context, query string, limit int, sessionID string) ([]memory.IndexedConversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, embedding, content, date, topics
		FROM conversations
		WHERE (session_id = ? OR ? = '')
		  AND (content LIKE '%' || ? || '%' OR topics LIKE '%' || ? || '%')
		ORDER BY seq
		LIMIT ?`, sessionID, sessionID, query, query, nullableLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("keyword search conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func (s *SQLiteStore) GetConversationByID(ctx context.Context, id string) (memory.IndexedConversation, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, embedding, content, date, topics
		FROM conversations WHERE id = ?`, id)
	if err != nil {
		return memory.IndexedConversation{}, false, fmt.Errorf("get conversation %s: %w", id, err)
	}
	defer rows.Close()
	convs, err := scanConversations(rows)
	if err != nil {
		return memory.IndexedConversation{}, false, err
	}
	if len(convs) == 0 {
		return memory.IndexedConversation{}, false, nil
	}
	return convs[0], true, nil
}

func (s *SQLiteStore) ClearConversations(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE session_id = ? OR ? = ''`, sessionID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (memory.LongTermStats, error) {
	var stats memory.LongTermStats
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id) FROM conversations`)
	if err := row.Scan(&stats.TotalConversations, &stats.TotalSessions); err != nil {
		return memory.LongTermStats{}, fmt.Errorf("conversation stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) queryConversations(ctx context.Context, sessionID string) ([]memory.IndexedConversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, embedding, content, date, topics
		FROM conversations WHERE session_id = ? OR ? = '' ORDER BY seq`, sessionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]memory.IndexedConversation, error) {
	out := []memory.IndexedConversation{}
	for rows.Next() {
		var conv memory.IndexedConversation
		var blob []byte
		var date, topics string
		if err := rows.Scan(&conv.ID, &conv.SessionID, &blob, &conv.Content, &date, &topics); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", conv.ID, err)
			}
			conv.Embedding = vec
		}
		conv.Metadata.Date = parseTime(date)
		if err := json.Unmarshal([]byte(topics), &conv.Metadata.Topics); err != nil {
			return nil, fmt.Errorf("decode topics for %s: %w", conv.ID, err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
