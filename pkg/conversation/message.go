// Package conversation keeps a running dialogue inside a hard token budget.
// It owns the live message buffer, the graduated compression strategies
// (prune, compact, truncate), the cascading compression state machine, and
// checkpointing for recovery.
package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/ctxkeeper/pkg/tokens"
)

// Role is the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// CompressionKind discriminates the compression tag on a message.
type CompressionKind string

const (
	Uncompressed CompressionKind = ""
	Pruned       CompressionKind = "pruned"
	Compacted    CompressionKind = "compacted"
	Truncated    CompressionKind = "truncated"
)

// Compression is a tagged union: a message carries at most one compression
// tag, never a free combination of flags. Ref back-references the marker
// message that superseded this one (condense ID for Compacted, truncation
// ID for Truncated, empty otherwise).
type Compression struct {
	Kind CompressionKind
	Ref  string
}

// PrunedTag tags a message as pruned in place.
func PrunedTag() Compression { return Compression{Kind: Pruned} }

// CompactedTag tags a message as superseded by the condense marker.
func CompactedTag(condenseID string) Compression {
	return Compression{Kind: Compacted, Ref: condenseID}
}

// TruncatedTag tags a message as dropped by the truncation marker.
func TruncatedTag(truncationID string) Compression {
	return Compression{Kind: Truncated, Ref: truncationID}
}

// Message is one entry in the live buffer. Marker messages are synthetic
// (condense summaries, truncation markers); they are never themselves
// re-compressed.
type Message struct {
	ID          string
	Role        Role
	Content     string
	Timestamp   time.Time
	TokenCount  int
	Compression Compression
	Marker      bool
}

// NewMessage builds a regular message with a fresh ID and cached token
// estimate.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       role,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		TokenCount: tokens.EstimateTokens(content),
	}
}

// IsCompressed reports whether the message carries any compression tag.
func (m Message) IsCompressed() bool { return m.Compression.Kind != Uncompressed }

// Tokens returns the cached estimate, computing it when the cache is cold.
func (m Message) Tokens() int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return tokens.EstimateTokens(m.Content)
}

// SummarizeFunc is the injected AI summarization collaborator. The engine
// caps input size before calling, and callers bound it with a deadline so
// the cascade keeps making forward progress on a stall.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// ToContents projects messages into the minimal shape the token package
// counts.
func ToContents(msgs []Message) []tokens.MessageContent {
	out := make([]tokens.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, tokens.MessageContent{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// CloneMessages deep-copies a buffer so snapshots stay immutable while the
// live buffer keeps moving.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
