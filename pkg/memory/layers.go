package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
	"github.com/dotsetgreg/ctxkeeper/pkg/tokens"
)

// Layers is the three-tier memory engine. Short-term buffers live
// in-process per session; mid-term and long-term go through injected
// storage collaborators. The embedder and summarizer are optional: absence
// is decided once at construction and degrades behavior (heuristic
// summaries, keyword search) instead of erroring per call.
type Layers struct {
	cfg       config.Memory
	mid       MidTermStorage
	long      LongTermStorage
	embedder  Embedder
	summarize conversation.SummarizeFunc
	log       *slog.Logger

	mu    sync.Mutex
	short map[string]*ShortTermBuffer
}

// LayersOption configures a Layers engine.
type LayersOption func(*Layers)

// WithEmbedder wires the embedding collaborator. Without one, long-term
// promotion stores no vector and search degrades to keyword matching.
func WithEmbedder(e Embedder) LayersOption {
	return func(l *Layers) { l.embedder = e }
}

// WithSummarizer wires the AI summarization collaborator. Without one,
// mid-term summaries are extractive.
func WithSummarizer(fn conversation.SummarizeFunc) LayersOption {
	return func(l *Layers) { l.summarize = fn }
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) LayersOption {
	return func(l *Layers) { l.log = log }
}

// NewLayers builds the engine over the given mid- and long-term backends.
func NewLayers(cfg config.Memory, mid MidTermStorage, long LongTermStorage, opts ...LayersOption) *Layers {
	if cfg.MinPromotionMessages <= 0 {
		cfg.MinPromotionMessages = 5
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 4096
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 8
	}
	l := &Layers{
		cfg:   cfg,
		mid:   mid,
		long:  long,
		short: make(map[string]*ShortTermBuffer),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Record appends a message to the session's short-term buffer.
func (l *Layers) Record(sessionID string, msgs ...conversation.Message) {
	l.buffer(sessionID).Append(msgs...)
}

// ShortTerm returns a copy of the session's short-term buffer.
func (l *Layers) ShortTerm(sessionID string) []conversation.Message {
	return l.buffer(sessionID).Messages()
}

func (l *Layers) buffer(sessionID string) *ShortTermBuffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.short[sessionID]
	if !ok {
		b = NewShortTermBuffer(sessionID)
		l.short[sessionID] = b
	}
	return b
}

// ErrSessionTooShort reports a promotion attempt below the minimum session
// length.
type ErrSessionTooShort struct {
	SessionID string
	Messages  int
	Minimum   int
}

func (e ErrSessionTooShort) Error() string {
	return fmt.Sprintf("session %s has %d messages, promotion needs %d", e.SessionID, e.Messages, e.Minimum)
}

// PromoteToMidTerm summarizes the session's short-term buffer into an
// immutable CompactedSession, persists it, and clears short-term wholesale.
func (l *Layers) PromoteToMidTerm(ctx context.Context, sessionID string) (CompactedSession, error) {
	buf := l.buffer(sessionID)
	msgs := buf.Messages()
	if len(msgs) < l.cfg.MinPromotionMessages {
		return CompactedSession{}, ErrSessionTooShort{SessionID: sessionID, Messages: len(msgs), Minimum: l.cfg.MinPromotionMessages}
	}

	summary := l.summarizeMessages(ctx, msgs)
	now := time.Now().UTC()
	cs := CompactedSession{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Summary:        summary,
		KeyTopics:      extractTopics(msgs, 5),
		Decisions:      extractDecisions(msgs),
		MessageRange:   MessageRange{First: 0, Last: len(msgs) - 1},
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := l.mid.SaveCompactedSession(ctx, cs); err != nil {
		return CompactedSession{}, fmt.Errorf("save compacted session: %w", err)
	}
	buf.Clear()
	l.log.Info("promoted session to mid-term",
		"session_id", sessionID, "compacted_id", cs.ID, "messages", cs.MessageRange.Last+1)
	return cs, nil
}

// BuildContext reconstructs model input for a session: every mid-term
// summary wrapped as a synthetic system message, then as many short-term
// messages, newest to oldest, as fit the token budget. A message that
// would overflow the budget is skipped along with everything older; a
// message is never partially included.
func (l *Layers) BuildContext(ctx context.Context, sessionID string, tokenBudget int) ([]conversation.Message, error) {
	if tokenBudget <= 0 {
		tokenBudget = l.cfg.ContextTokenBudget
	}

	sessions, err := l.mid.GetCompactedSessions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load mid-term sessions: %w", err)
	}

	out := []conversation.Message{}
	used := 0
	for _, cs := range sessions {
		msg := conversation.Message{
			ID:         cs.ID,
			Role:       conversation.RoleSystem,
			Content:    "[Earlier conversation summary]\n" + cs.Summary,
			Timestamp:  cs.CreatedAt,
			TokenCount: tokens.EstimateTokens(cs.Summary),
			Marker:     true,
		}
		out = append(out, msg)
		used += msg.Tokens()
		if err := l.mid.RecordSessionAccess(ctx, cs.ID); err != nil {
			l.log.Warn("record session access failed", "compacted_id", cs.ID, "error", err)
		}
	}

	short := l.buffer(sessionID).Messages()
	keepFrom := len(short)
	for i := len(short) - 1; i >= 0; i-- {
		t := short[i].Tokens()
		if used+t > tokenBudget {
			break
		}
		used += t
		keepFrom = i
	}
	out = append(out, short[keepFrom:]...)
	return out, nil
}

// PromoteToLongTerm embeds a compacted session's summary and stores it as
// a searchable IndexedConversation. Without an embedder the fragment is
// stored vectorless and reachable through keyword search only.
func (l *Layers) PromoteToLongTerm(ctx context.Context, cs CompactedSession) (IndexedConversation, error) {
	var embedding []float32
	if l.embedder != nil {
		embedding = l.embedder.Embed(cs.Summary)
	}
	conv := IndexedConversation{
		ID:        uuid.NewString(),
		SessionID: cs.SessionID,
		Embedding: embedding,
		Content:   cs.Summary,
		Metadata:  ConversationMetadata{Date: cs.CreatedAt, Topics: cs.KeyTopics},
	}
	if err := l.long.SaveConversation(ctx, conv); err != nil {
		return IndexedConversation{}, fmt.Errorf("save indexed conversation: %w", err)
	}
	l.log.Info("promoted session to long-term",
		"session_id", cs.SessionID, "conversation_id", conv.ID, "embedded", embedding != nil)
	return conv, nil
}

// Search finds long-term fragments relevant to query. With an embedder it
// ranks by cosine similarity; without one it degrades to keyword search.
func (l *Layers) Search(ctx context.Context, query string, limit int, sessionID string) ([]IndexedConversation, error) {
	if limit <= 0 {
		limit = l.cfg.SearchLimit
	}
	if l.embedder == nil {
		return l.long.SearchConversationsByKeyword(ctx, query, limit, sessionID)
	}
	return l.long.SearchConversations(ctx, l.embedder.Embed(query), limit, sessionID)
}

func (l *Layers) summarizeMessages(ctx context.Context, msgs []conversation.Message) string {
	if l.summarize != nil {
		transcript := buildSessionTranscript(msgs)
		summary, err := l.summarize(ctx, "Summarize this conversation session. Keep decisions and key facts.\n\n"+transcript)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		if err != nil {
			l.log.Warn("session summarization failed, using extractive fallback", "error", err)
		}
	}
	return extractiveSessionSummary(msgs)
}

func buildSessionTranscript(msgs []conversation.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" || m.Marker {
			continue
		}
		if len(content) > 400 {
			content = clip(content, 400) + "..."
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

func extractiveSessionSummary(msgs []conversation.Message) string {
	parts := []string{}
	if len(msgs) > 0 {
		parts = append(parts, fmt.Sprintf("Session window %s - %s (%d messages).",
			msgs[0].Timestamp.Format(time.RFC3339),
			msgs[len(msgs)-1].Timestamp.Format(time.RFC3339),
			len(msgs)))
	}
	bullets := 0
	for _, m := range msgs {
		if m.Role != conversation.RoleUser {
			continue
		}
		line := strings.TrimSpace(m.Content)
		if line == "" {
			continue
		}
		if len(line) > 160 {
			line = clip(line, 160) + "..."
		}
		parts = append(parts, "- "+line)
		bullets++
		if bullets >= 6 {
			break
		}
	}
	return strings.Join(parts, "\n")
}

var decisionPhrases = []string{
	"decided", "we will", "let's use", "lets use", "agreed", "going with", "settled on",
}

func extractDecisions(msgs []conversation.Message) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, m := range msgs {
		if m.Role != conversation.RoleUser && m.Role != conversation.RoleAssistant {
			continue
		}
		for _, line := range strings.Split(m.Content, "\n") {
			line = strings.TrimSpace(line)
			lower := strings.ToLower(line)
			for _, phrase := range decisionPhrases {
				if !strings.Contains(lower, phrase) {
					continue
				}
				if _, dup := seen[lower]; dup {
					break
				}
				seen[lower] = struct{}{}
				if len(line) > 200 {
					line = clip(line, 200) + "..."
				}
				out = append(out, line)
				break
			}
		}
	}
	return out
}

var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "will": {},
	"about": {}, "would": {}, "should": {}, "could": {}, "there": {}, "their": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "your": {}, "just": {},
	"like": {}, "into": {}, "then": {}, "than": {}, "them": {}, "they": {},
	"been": {}, "were": {}, "does": {}, "need": {}, "want": {}, "also": {},
}

// clip cuts s to at most max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func extractTopics(msgs []conversation.Message, limit int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, m := range msgs {
		// Not tokenize: its whole-text fallback is wrong for topics.
		for _, token := range tokenPattern.FindAllString(strings.ToLower(m.Content), -1) {
			if len(token) < 4 {
				continue
			}
			if _, stop := stopwords[token]; stop {
				continue
			}
			if counts[token] == 0 {
				order = append(order, token)
			}
			counts[token]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > limit {
		order = order[:limit]
	}
	return order
}
