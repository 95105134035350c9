package conversation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotsetgreg/ctxkeeper/pkg/tokens"
)

// Method identifies which compression strategy produced a result.
type Method string

const (
	MethodNone      Method = "none"
	MethodPruned    Method = "pruned"
	MethodCompacted Method = "compacted"
	MethodTruncated Method = "truncated"
)

// Compaction thresholds. Below compactMinMessages the buffer is too small
// to bother; below compactMinBlock the summarization cost outweighs the
// savings.
const (
	compactMinMessages = 10
	compactMinBlock    = 5

	// Caps applied to summarizer input. The summarize collaborator must be
	// safe for long input anyway, but there is no point shipping a novel.
	compactPerMessageCap = 400
	compactTranscriptCap = 24000

	defaultSafetyMargin = 0.9

	prunedPlaceholder = "[tool output pruned]"
)

// PruneOptions controls the prune strategy.
type PruneOptions struct {
	PreserveRecentRounds int
	MinMessagesToKeep    int
}

// CompactOptions controls the compact strategy.
type CompactOptions struct {
	PreserveRecentRounds int
}

// TruncateOptions controls the truncate strategy.
type TruncateOptions struct {
	PreserveRecentRounds int
	MinMessagesToKeep    int
	SafetyMargin         float64
}

// Result is the outcome of one strategy run. Messages is always a fresh
// buffer; the input is never mutated.
type Result struct {
	Messages      []Message
	Method        Method
	MarkerID      string
	Affected      int
	RemovedTokens int
	// Removed holds the audit copies of messages truncate dropped from the
	// buffer, tagged with the truncation ID.
	Removed []Message
}

// Compactor implements the three compression strategies. Each strategy
// operates on a copy and returns a new buffer; prune and compact are
// best-effort, truncate is the only one with a bounded-token guarantee.
type Compactor struct {
	log *slog.Logger
}

// NewCompactor returns a Compactor logging through log. A nil logger
// discards.
func NewCompactor(log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Compactor{log: log}
}

// Prune tags tool-role messages older than the preserved recent window as
// pruned. Content stays on the message; the effective history substitutes
// a placeholder. Already-compressed messages and markers are skipped, so
// pruning an already-pruned buffer affects nothing.
func (c *Compactor) Prune(msgs []Message, opts PruneOptions) Result {
	out := CloneMessages(msgs)

	preserve := opts.PreserveRecentRounds * 2
	if opts.MinMessagesToKeep > preserve {
		preserve = opts.MinMessagesToKeep
	}
	boundary := len(out) - preserve
	if boundary < 0 {
		boundary = 0
	}

	// The effective view still carries the placeholder, so the real saving
	// per message is its token count minus the placeholder's.
	placeholder := tokens.EstimateTokens(prunedPlaceholder)
	removed, affected := 0, 0
	for i := 0; i < boundary; i++ {
		m := out[i]
		if m.Role != RoleTool || m.Marker || m.IsCompressed() {
			continue
		}
		out[i].Compression = PrunedTag()
		if saved := m.Tokens() - placeholder; saved > 0 {
			removed += saved
		}
		affected++
	}

	method := MethodPruned
	if affected == 0 {
		// Zero-effect prune: callers treat this as "did not help" and move
		// to the next stage.
		method = MethodNone
	}
	c.log.Debug("prune finished", "affected", affected, "removed_tokens", removed)
	return Result{Messages: out, Method: method, Affected: affected, RemovedTokens: removed}
}

// Compact replaces the older portion of the buffer with a single synthetic
// summary message. The originals stay in the buffer, retagged with the
// condense ID, so they remain locatable for audit and undo. On summarizer
// failure the original buffer comes back unchanged and the caller moves to
// the next stage.
func (c *Compactor) Compact(ctx context.Context, msgs []Message, systemPrompt string, summarize SummarizeFunc, opts CompactOptions) (Result, error) {
	noop := Result{Messages: CloneMessages(msgs), Method: MethodNone}
	if summarize == nil || len(msgs) < compactMinMessages {
		return noop, nil
	}

	boundary := len(msgs) - opts.PreserveRecentRounds*2
	if boundary < 0 {
		boundary = 0
	}
	block, recent := msgs[:boundary], msgs[boundary:]

	eligible := make([]int, 0, len(block))
	for i, m := range block {
		if m.Marker || m.IsCompressed() {
			continue
		}
		eligible = append(eligible, i)
	}
	if len(eligible) < compactMinBlock {
		return noop, nil
	}

	transcript := buildTranscript(block, eligible)
	summary, err := summarize(ctx, condensePrompt(systemPrompt, transcript))
	if err != nil {
		c.log.Warn("compact summarization failed", "error", err)
		return noop, fmt.Errorf("compact summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return noop, nil
	}

	condenseID := uuid.NewString()
	marker := Message{
		ID:         condenseID,
		Role:       RoleSystem,
		Content:    "[Conversation summary]\n" + summary,
		Timestamp:  time.Now().UTC(),
		TokenCount: tokens.EstimateTokens(summary),
		Marker:     true,
	}

	out := make([]Message, 0, len(msgs)+1)
	out = append(out, marker)
	removed := 0
	tagged := CloneMessages(block)
	for _, i := range eligible {
		removed += tagged[i].Tokens()
		tagged[i].Compression = CompactedTag(condenseID)
	}
	out = append(out, tagged...)
	out = append(out, CloneMessages(recent)...)

	c.log.Info("compacted conversation block",
		"condense_id", condenseID, "messages", len(eligible), "removed_tokens", removed)
	return Result{
		Messages:      out,
		Method:        MethodCompacted,
		MarkerID:      condenseID,
		Affected:      len(eligible),
		RemovedTokens: removed,
	}, nil
}

// Truncate hard-drops the oldest messages beyond what fits targetTokens,
// leaving a single marker. The newest max(MinMessagesToKeep,
// PreserveRecentRounds*2) messages always survive verbatim. When the
// buffer already fits, it takes the non-destructive path: marker inserted,
// content unchanged.
func (c *Compactor) Truncate(msgs []Message, targetTokens int, opts TruncateOptions) Result {
	margin := opts.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = defaultSafetyMargin
	}
	safeTarget := int(float64(targetTokens) * margin)
	truncationID := uuid.NewString()

	current := EffectiveTokens(msgs)
	if current <= targetTokens {
		out := make([]Message, 0, len(msgs)+1)
		out = append(out, truncationMarker(truncationID, 0))
		out = append(out, CloneMessages(msgs)...)
		return Result{Messages: out, Method: MethodTruncated, MarkerID: truncationID}
	}

	keep := opts.MinMessagesToKeep
	if r := opts.PreserveRecentRounds * 2; r > keep {
		keep = r
	}
	if keep > len(msgs) {
		keep = len(msgs)
	}
	boundary := len(msgs) - keep

	running := 0
	for _, m := range msgs[boundary:] {
		running += m.Tokens()
	}
	keepFrom := boundary
	for i := boundary - 1; i >= 0; i-- {
		t := msgs[i].Tokens()
		if running+t > safeTarget {
			break
		}
		running += t
		keepFrom = i
	}

	dropped := msgs[:keepFrom]
	removedTokens := 0
	removed := make([]Message, 0, len(dropped))
	for _, m := range dropped {
		removedTokens += m.Tokens()
		audit := m
		audit.Compression = TruncatedTag(truncationID)
		removed = append(removed, audit)
	}

	out := make([]Message, 0, len(msgs)-keepFrom+1)
	out = append(out, truncationMarker(truncationID, len(dropped)))
	out = append(out, CloneMessages(msgs[keepFrom:])...)

	c.log.Info("truncated conversation",
		"truncation_id", truncationID, "dropped", len(dropped), "removed_tokens", removedTokens)
	return Result{
		Messages:      out,
		Method:        MethodTruncated,
		MarkerID:      truncationID,
		Affected:      len(dropped),
		RemovedTokens: removedTokens,
		Removed:       removed,
	}
}

// SelectCompressionMethod picks the strategy for a usage percentage,
// evaluated truncate-first like threshold classification.
func SelectCompressionMethod(usagePct, pruneThreshold, compactThreshold, truncateThreshold float64) Method {
	switch {
	case usagePct >= truncateThreshold:
		return MethodTruncated
	case usagePct >= compactThreshold:
		return MethodCompacted
	case usagePct >= pruneThreshold:
		return MethodPruned
	default:
		return MethodNone
	}
}

// EffectiveHistory is the model-facing view of the buffer: originals
// superseded by an active marker are filtered out, pruned tool outputs are
// replaced by a placeholder. The full buffer stays audit-complete.
func EffectiveHistory(msgs []Message) []Message {
	markers := activeMarkers(msgs)
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Compression.Kind {
		case Compacted, Truncated:
			if _, active := markers[m.Compression.Ref]; active {
				continue
			}
			out = append(out, m)
		case Pruned:
			pruned := m
			pruned.Content = prunedPlaceholder
			pruned.TokenCount = tokens.EstimateTokens(prunedPlaceholder)
			out = append(out, pruned)
		default:
			out = append(out, m)
		}
	}
	return out
}

// EffectiveTokens counts the tokens of the model-facing view.
func EffectiveTokens(msgs []Message) int {
	return tokens.MessagesTokenCount(ToContents(EffectiveHistory(msgs)))
}

// CleanupOrphanedTags clears compression tags whose marker no longer
// exists in the buffer, e.g. a condense marker that a later truncation
// dropped. Idempotent: a second run changes nothing.
func CleanupOrphanedTags(msgs []Message) []Message {
	markers := activeMarkers(msgs)
	out := CloneMessages(msgs)
	for i, m := range out {
		if m.Compression.Ref == "" {
			continue
		}
		if _, active := markers[m.Compression.Ref]; !active {
			out[i].Compression = Compression{}
		}
	}
	return out
}

func activeMarkers(msgs []Message) map[string]struct{} {
	set := make(map[string]struct{})
	for _, m := range msgs {
		if m.Marker {
			set[m.ID] = struct{}{}
		}
	}
	return set
}

func truncationMarker(truncationID string, dropped int) Message {
	content := "[Conversation truncated]"
	if dropped > 0 {
		content = fmt.Sprintf("[Conversation truncated: %d earlier messages dropped]", dropped)
	}
	return Message{
		ID:         truncationID,
		Role:       RoleSystem,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		TokenCount: tokens.EstimateTokens(content),
		Marker:     true,
	}
}

func buildTranscript(block []Message, eligible []int) string {
	var b strings.Builder
	for _, i := range eligible {
		m := block[i]
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if len(content) > compactPerMessageCap {
			content = clip(content, compactPerMessageCap) + "..."
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
		if b.Len() > compactTranscriptCap {
			break
		}
	}
	return b.String()
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

func condensePrompt(systemPrompt, transcript string) string {
	var b strings.Builder
	if strings.TrimSpace(systemPrompt) != "" {
		b.WriteString("Context: ")
		b.WriteString(strings.TrimSpace(systemPrompt))
		b.WriteString("\n\n")
	}
	b.WriteString("Summarize the following conversation. Keep decisions, open questions and key facts.\n\n")
	b.WriteString(transcript)
	return b.String()
}
