// Package memory implements the three-tier conversation memory:
// verbatim short-term buffers, summarized mid-term sessions, vector-indexed
// long-term fragments, and promotion into durable human-readable memory
// documents.
package memory

import (
	"context"
	"time"
)

// MessageRange records which slice of the short-term buffer a compacted
// session covers.
type MessageRange struct {
	First int
	Last  int
}

// CompactedSession is a mid-term memory record. Its content (summary,
// topics, decisions, range) is immutable once created and superseded, not
// edited, by later promotions of the same session. The bookkeeping fields
// below CreatedAt track access for the promotion sweep.
type CompactedSession struct {
	ID           string
	SessionID    string
	Summary      string
	KeyTopics    []string
	Decisions    []string
	MessageRange MessageRange
	CreatedAt    time.Time

	LastAccessedAt time.Time
	AccessCount    int
	Starred        bool
	Promoted       bool
}

// ConversationMetadata rides along with an indexed conversation.
type ConversationMetadata struct {
	Date   time.Time
	Topics []string
}

// IndexedConversation is a long-term memory record: an embedded,
// vector-searchable fragment of a past session. Embedding dimensionality
// is fixed per store.
type IndexedConversation struct {
	ID        string
	SessionID string
	Embedding []float32
	Content   string
	Metadata  ConversationMetadata
}

// Importance buckets for memory documents.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// MemoryDocument is the permanent, human-facing memory artifact: one
// document per topic, promoted from mid-term memory or created explicitly.
type MemoryDocument struct {
	ID             string
	Title          string
	Content        string
	Topics         []string
	Importance     Importance
	Created        time.Time
	Updated        time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Starred        bool
	PromotedFrom   string
}

// LongTermStats is a compact snapshot used by status reporting.
type LongTermStats struct {
	TotalConversations int
	TotalSessions      int
}

// MidTermStorage persists compacted sessions and their promotion
// bookkeeping.
type MidTermStorage interface {
	SaveCompactedSession(ctx context.Context, cs CompactedSession) error
	GetCompactedSessions(ctx context.Context, sessionID string) ([]CompactedSession, error)
	ListCompactedSessions(ctx context.Context) ([]CompactedSession, error)
	MarkSessionPromoted(ctx context.Context, id string) error
	RecordSessionAccess(ctx context.Context, id string) error
	StarSession(ctx context.Context, id string, starred bool) error
}

// LongTermStorage persists and searches indexed conversations. The keyword
// variant backs the degraded search path when no embedder is wired.
type LongTermStorage interface {
	SaveConversation(ctx context.Context, conv IndexedConversation) error
	SearchConversations(ctx context.Context, embedding []float32, limit int, sessionID string) ([]IndexedConversation, error)
	SearchConversationsByKeyword(ctx context.Context, query string, limit int, sessionID string) ([]IndexedConversation, error)
	GetConversationByID(ctx context.Context, id string) (IndexedConversation, bool, error)
	ClearConversations(ctx context.Context, sessionID string) (int, error)
	Stats(ctx context.Context) (LongTermStats, error)
}

// DocumentStorage persists permanent memory documents.
type DocumentStorage interface {
	SaveMemory(doc MemoryDocument) error
	GetMemory(id string) (MemoryDocument, bool, error)
	GetAllMemories() ([]MemoryDocument, error)
	DeleteMemory(id string) (bool, error)
	UpdateMemory(doc MemoryDocument) error
}
