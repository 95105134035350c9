// Package tokens implements token accounting for the context engine:
// offline estimation, usage classification against configured thresholds,
// and the layered budget split.
package tokens

import (
	"math"
	"unicode"

	"github.com/dotsetgreg/ctxkeeper/pkg/config"
)

// Estimation weights. Dense ideographic scripts carry far more information
// per rune than Latin text, so they cost more tokens per rune.
const (
	latinWeight = 0.25 // ~4 chars per token
	denseWeight = 0.6  // ~1.7 runes per token for CJK/Hangul

	// Fixed formatting overhead, applied per message and once per request.
	messageOverhead = 4
	wrapperOverhead = 3
)

// MessageContent is the minimal shape needed for counting. Callers with
// richer message types project into it.
type MessageContent struct {
	Role    string
	Content string
}

// TokenUsage is a derived snapshot, recomputed on demand and never mutated.
type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
	Limit      int
	Percentage float64
}

// Severity buckets for UsageStatus.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityCritical
)

// UsageStatus classifies usage against the configured thresholds. Exactly
// one of the Should* flags is set outside SeverityNormal; the flags are
// mutually exclusive, not cumulative.
type UsageStatus struct {
	Severity       Severity
	ShouldPrune    bool
	ShouldCompact  bool
	ShouldTruncate bool
}

// Allocation splits the usable window for layered injection. It never
// drives compression decisions.
type Allocation struct {
	SystemPrompt        int
	ConversationHistory int
	ToolOutputs         int
}

// Budget performs token accounting against one context configuration.
type Budget struct {
	cfg config.Context
}

// NewBudget validates cfg and returns a Budget bound to it.
func NewBudget(cfg config.Context) (*Budget, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Budget{cfg: cfg}, nil
}

// Config returns the bound context configuration.
func (b *Budget) Config() config.Context { return b.cfg }

// EstimateTokens is a pure, deterministic, monotonic approximation. It
// needs no network and is cheap enough to call per message per cascade
// stage.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var acc float64
	for _, r := range text {
		if isDenseScript(r) {
			acc += denseWeight
		} else {
			acc += latinWeight
		}
	}
	n := int(math.Ceil(acc))
	if n < 1 {
		n = 1
	}
	return n
}

func isDenseScript(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// MessagesTokenCount sums per-message estimates plus fixed per-message and
// wrapper overhead. There is no batching discount: the per-message cost is
// identical whether counted alone or in a batch.
func MessagesTokenCount(msgs []MessageContent) int {
	if len(msgs) == 0 {
		return 0
	}
	total := wrapperOverhead
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + messageOverhead
	}
	return total
}

// Usage computes a fresh TokenUsage for the messages plus an optional
// pending prompt.
func (b *Budget) Usage(msgs []MessageContent, pendingPrompt string) TokenUsage {
	prompt := MessagesTokenCount(msgs) + EstimateTokens(pendingPrompt)
	limit := b.cfg.MaxTokens - b.cfg.ReservedOutputTokens
	u := TokenUsage{
		Prompt: prompt,
		Total:  prompt,
		Limit:  limit,
	}
	if limit > 0 {
		u.Percentage = float64(u.Total) / float64(limit)
	}
	return u
}

// CheckThresholds classifies usage, highest severity first: truncate before
// compact before prune. Exactly one status comes back.
func (b *Budget) CheckThresholds(u TokenUsage) UsageStatus {
	switch {
	case u.Percentage >= b.cfg.TruncateThreshold:
		return UsageStatus{Severity: SeverityCritical, ShouldTruncate: true}
	case u.Percentage >= b.cfg.CompactThreshold:
		return UsageStatus{Severity: SeverityWarning, ShouldCompact: true}
	case u.Percentage >= b.cfg.PruneThreshold:
		return UsageStatus{Severity: SeverityWarning, ShouldPrune: true}
	default:
		return UsageStatus{Severity: SeverityNormal}
	}
}

// Allocate splits the usable window (max minus reserved output, minus the
// configured buffer fraction) into fixed ratios: 10% system prompt, 65%
// conversation history, 25% tool outputs.
func (b *Budget) Allocate() Allocation {
	usable := b.cfg.MaxTokens - b.cfg.ReservedOutputTokens
	usable -= int(float64(usable) * b.cfg.BufferPercentage)
	if usable < 0 {
		usable = 0
	}
	system := usable * 10 / 100
	history := usable * 65 / 100
	return Allocation{
		SystemPrompt:        system,
		ConversationHistory: history,
		ToolOutputs:         usable - system - history,
	}
}
