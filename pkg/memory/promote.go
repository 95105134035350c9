package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
)

// Promoter upgrades durable-enough mid-term sessions into permanent
// memory documents. Promotion is content-addressed: the same source
// session always produces the same document ID, so re-promoting an
// unmarked source overwrites rather than duplicates.
type Promoter struct {
	cfg       config.Promotion
	mid       MidTermStorage
	docs      DocumentStorage
	summarize conversation.SummarizeFunc
	now       func() time.Time
	log       *slog.Logger
}

// PromoterOption configures a Promoter.
type PromoterOption func(*Promoter)

// WithPromoterSummarizer wires an AI summarizer for document content; the
// heuristic rendering is the fallback.
func WithPromoterSummarizer(fn conversation.SummarizeFunc) PromoterOption {
	return func(p *Promoter) { p.summarize = fn }
}

// WithPromoterLogger sets the promoter's logger.
func WithPromoterLogger(log *slog.Logger) PromoterOption {
	return func(p *Promoter) { p.log = log }
}

// WithPromoterClock overrides the clock, for tests.
func WithPromoterClock(now func() time.Time) PromoterOption {
	return func(p *Promoter) { p.now = now }
}

// NewPromoter builds a promoter over mid-term storage and a document
// store.
func NewPromoter(cfg config.Promotion, mid MidTermStorage, docs DocumentStorage, opts ...PromoterOption) *Promoter {
	if cfg.StaleAfterDays <= 0 {
		cfg.StaleAfterDays = 14
	}
	if cfg.MinAccessCount <= 0 {
		cfg.MinAccessCount = 3
	}
	p := &Promoter{cfg: cfg, mid: mid, docs: docs, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// Sweep scans all mid-term records and promotes every unpromoted one that
// qualifies. Returns how many documents were written.
func (p *Promoter) Sweep(ctx context.Context) (int, error) {
	sessions, err := p.mid.ListCompactedSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list mid-term sessions: %w", err)
	}
	promoted := 0
	for _, cs := range sessions {
		if cs.Promoted || !p.ShouldPromote(cs) {
			continue
		}
		if _, err := p.Promote(ctx, cs); err != nil {
			p.log.Error("promotion failed", "compacted_id", cs.ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// ShouldPromote reports whether a mid-term record is durable enough:
// stale since last access, accessed often, or user-starred.
func (p *Promoter) ShouldPromote(cs CompactedSession) bool {
	if cs.Starred {
		return true
	}
	if cs.AccessCount > p.cfg.MinAccessCount {
		return true
	}
	last := cs.LastAccessedAt
	if last.IsZero() {
		last = cs.CreatedAt
	}
	return p.now().Sub(last) > time.Duration(p.cfg.StaleAfterDays)*24*time.Hour
}

// Promote writes the permanent document for one mid-term record. The
// document is the durable artifact: it is written even when the
// mark-as-promoted side effect fails afterwards, because re-promotion is
// idempotent by content.
func (p *Promoter) Promote(ctx context.Context, cs CompactedSession) (MemoryDocument, error) {
	findings := extractFindings(cs.Summary)
	now := p.now().UTC()
	doc := MemoryDocument{
		ID:           documentID(cs.SessionID),
		Title:        documentTitle(cs),
		Content:      p.renderContent(ctx, cs, findings),
		Topics:       cs.KeyTopics,
		Importance:   ScoreImportance(cs.Decisions, findings, cs.KeyTopics, p.cfg.HotTopicKeywords),
		Created:      now,
		Updated:      now,
		Starred:      cs.Starred,
		PromotedFrom: cs.SessionID,
	}

	if existing, ok, err := p.docs.GetMemory(doc.ID); err == nil && ok {
		doc.Created = existing.Created
		doc.AccessCount = existing.AccessCount
		doc.LastAccessedAt = existing.LastAccessedAt
	}

	if err := p.docs.SaveMemory(doc); err != nil {
		return MemoryDocument{}, fmt.Errorf("save memory document: %w", err)
	}

	if err := p.mid.MarkSessionPromoted(ctx, cs.ID); err != nil {
		// Best-effort bookkeeping: the document already exists durably and
		// re-promotion is harmless, so log and move on.
		p.log.Warn("mark session promoted failed",
			"compacted_id", cs.ID, "document_id", doc.ID, "error", err)
	}

	p.log.Info("promoted mid-term session to permanent memory",
		"compacted_id", cs.ID, "document_id", doc.ID, "importance", doc.Importance)
	return doc, nil
}

// ScoreImportance implements the promotion scoring heuristic:
// 2 per decision, 1.5 per key finding, 0.5 per topic, +3 when any topic
// matches the high-importance keyword set. Score >= 5 is high, >= 2
// medium, otherwise low.
func ScoreImportance(decisions, findings, topics, hotKeywords []string) Importance {
	score := 2*float64(len(decisions)) + 1.5*float64(len(findings)) + 0.5*float64(len(topics))
	if matchesHotTopic(topics, hotKeywords) {
		score += 3
	}
	switch {
	case score >= 5:
		return ImportanceHigh
	case score >= 2:
		return ImportanceMedium
	default:
		return ImportanceLow
	}
}

func matchesHotTopic(topics, hotKeywords []string) bool {
	for _, topic := range topics {
		lower := strings.ToLower(topic)
		for _, kw := range hotKeywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

var findingPhrases = []string{"found", "learned", "discovered", "turns out", "root cause", "result:"}

func extractFindings(summary string) []string {
	out := []string{}
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, phrase := range findingPhrases {
			if strings.Contains(lower, phrase) {
				out = append(out, line)
				break
			}
		}
	}
	return out
}

func (p *Promoter) renderContent(ctx context.Context, cs CompactedSession, findings []string) string {
	summary := cs.Summary
	if p.summarize != nil {
		sctx := ctx
		if p.cfg.SummaryTimeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, p.cfg.SummaryTimeout)
			defer cancel()
		}
		refined, err := p.summarize(sctx, "Rewrite this session summary as a concise memory note:\n\n"+cs.Summary)
		if err == nil && strings.TrimSpace(refined) != "" {
			summary = strings.TrimSpace(refined)
		} else if err != nil {
			p.log.Warn("document summarization failed, keeping session summary", "error", err)
		}
	}

	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(summary)
	b.WriteString("\n")
	if len(cs.KeyTopics) > 0 {
		b.WriteString("\n## Topics\n\n")
		for _, t := range cs.KeyTopics {
			b.WriteString("- ")
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	if len(cs.Decisions) > 0 {
		b.WriteString("\n## Decisions\n\n")
		for _, d := range cs.Decisions {
			b.WriteString("- ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	if len(findings) > 0 {
		b.WriteString("\n## Findings\n\n")
		for _, f := range findings {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n## Notes\n")
	return b.String()
}

func documentID(sessionID string) string {
	sum := sha1.Sum([]byte(sessionID))
	return "mem-" + hex.EncodeToString(sum[:8])
}

func documentTitle(cs CompactedSession) string {
	if len(cs.KeyTopics) == 0 {
		return "Session " + cs.SessionID
	}
	topic := cs.KeyTopics[0]
	if topic != "" {
		r, size := utf8.DecodeRuneInString(topic)
		topic = string(unicode.ToUpper(r)) + topic[size:]
	}
	return topic + " (" + cs.SessionID + ")"
}
