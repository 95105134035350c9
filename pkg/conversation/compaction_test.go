package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func mkMessage(role Role, content string) Message {
	return NewMessage(role, content)
}

func repeatMsg(role Role, chars, n int) []Message {
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, mkMessage(role, strings.Repeat("a", chars)))
	}
	return out
}

func TestPruneTagsOldToolOutputs(t *testing.T) {
	msgs := []Message{
		mkMessage(RoleTool, strings.Repeat("x", 400)),
		mkMessage(RoleTool, strings.Repeat("y", 400)),
		mkMessage(RoleUser, "what did the tool say"),
		mkMessage(RoleAssistant, "it said things"),
		mkMessage(RoleUser, "ok"),
		mkMessage(RoleAssistant, "done"),
	}

	c := NewCompactor(nil)
	res := c.Prune(msgs, PruneOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2})

	if res.Method != MethodPruned {
		t.Fatalf("method = %s, want pruned", res.Method)
	}
	if res.Affected != 2 {
		t.Fatalf("affected = %d, want 2", res.Affected)
	}
	// 100 tokens per tool message, minus the 5-token placeholder each.
	if res.RemovedTokens != 190 {
		t.Fatalf("removed tokens = %d, want 190", res.RemovedTokens)
	}
	for i := 0; i < 2; i++ {
		if res.Messages[i].Compression.Kind != Pruned {
			t.Fatalf("message %d not tagged pruned", i)
		}
		if res.Messages[i].Content == "" {
			t.Fatalf("pruned message %d lost its content", i)
		}
	}
	// Input buffer untouched.
	if msgs[0].IsCompressed() {
		t.Fatal("prune mutated its input")
	}

	eff := EffectiveHistory(res.Messages)
	if len(eff) != len(msgs) {
		t.Fatalf("effective history = %d messages, want %d", len(eff), len(msgs))
	}
	if eff[0].Content != "[tool output pruned]" {
		t.Fatalf("effective content = %q, want placeholder", eff[0].Content)
	}
	if eff[0].TokenCount >= msgs[0].Tokens() {
		t.Fatal("placeholder did not reduce token count")
	}
}

func TestPruneIdempotent(t *testing.T) {
	msgs := append(repeatMsg(RoleTool, 200, 3), repeatMsg(RoleUser, 20, 2)...)
	c := NewCompactor(nil)
	opts := PruneOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2}

	first := c.Prune(msgs, opts)
	second := c.Prune(first.Messages, opts)
	if second.Method != MethodNone || second.Affected != 0 {
		t.Fatalf("second prune method=%s affected=%d, want none/0", second.Method, second.Affected)
	}
}

func TestPruneWithoutToolMessagesIsNoop(t *testing.T) {
	msgs := append(repeatMsg(RoleUser, 100, 3), repeatMsg(RoleAssistant, 100, 3)...)
	res := NewCompactor(nil).Prune(msgs, PruneOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2})
	if res.Method != MethodNone {
		t.Fatalf("method = %s, want none", res.Method)
	}
}

func TestCompactRequiresSummarizerAndSize(t *testing.T) {
	c := NewCompactor(nil)
	msgs := repeatMsg(RoleUser, 50, 20)

	res, err := c.Compact(context.Background(), msgs, "", nil, CompactOptions{PreserveRecentRounds: 2})
	if err != nil || res.Method != MethodNone {
		t.Fatalf("compact without summarizer: method=%s err=%v, want none/nil", res.Method, err)
	}

	few := repeatMsg(RoleUser, 50, 6)
	sum := func(ctx context.Context, prompt string) (string, error) { return "summary", nil }
	res, err = c.Compact(context.Background(), few, "", sum, CompactOptions{PreserveRecentRounds: 0})
	if err != nil || res.Method != MethodNone {
		t.Fatalf("compact below minimum: method=%s err=%v, want none/nil", res.Method, err)
	}
}

func TestCompactTagsBlockAndPrependsMarker(t *testing.T) {
	msgs := make([]Message, 0, 14)
	for i := 0; i < 7; i++ {
		msgs = append(msgs, mkMessage(RoleUser, strings.Repeat("q", 60)))
		msgs = append(msgs, mkMessage(RoleAssistant, strings.Repeat("r", 60)))
	}

	var gotPrompt string
	summarize := func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "Earlier we set up the schema.", nil
	}

	c := NewCompactor(nil)
	res, err := c.Compact(context.Background(), msgs, "You are a helper.", summarize, CompactOptions{PreserveRecentRounds: 2})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Method != MethodCompacted {
		t.Fatalf("method = %s, want compacted", res.Method)
	}
	if !strings.Contains(gotPrompt, "You are a helper.") {
		t.Fatal("system prompt missing from condense prompt")
	}

	marker := res.Messages[0]
	if !marker.Marker || marker.ID != res.MarkerID {
		t.Fatalf("first message is not the condense marker (marker=%v id=%s markerID=%s)", marker.Marker, marker.ID, res.MarkerID)
	}
	if !strings.Contains(marker.Content, "Earlier we set up the schema.") {
		t.Fatalf("marker content = %q", marker.Content)
	}

	tagged := 0
	for _, m := range res.Messages {
		if m.Compression.Kind == Compacted {
			if m.Compression.Ref != res.MarkerID {
				t.Fatalf("compacted tag ref = %s, want %s", m.Compression.Ref, res.MarkerID)
			}
			tagged++
		}
	}
	if tagged != 10 || res.Affected != 10 {
		t.Fatalf("tagged=%d affected=%d, want 10/10", tagged, res.Affected)
	}

	// Model view: marker plus the 4 preserved recent messages.
	eff := EffectiveHistory(res.Messages)
	if len(eff) != 5 {
		t.Fatalf("effective history = %d messages, want 5", len(eff))
	}
}

func TestCompactTranscriptKeepsRuneBoundaries(t *testing.T) {
	msgs := []Message{mkMessage(RoleUser, strings.Repeat("日", 150))}
	msgs = append(msgs, repeatMsg(RoleUser, 50, 11)...)

	var gotPrompt string
	summarize := func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "summary", nil
	}
	_, err := NewCompactor(nil).Compact(context.Background(), msgs, "", summarize, CompactOptions{PreserveRecentRounds: 2})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !utf8.ValidString(gotPrompt) {
		t.Fatal("condense prompt contains invalid UTF-8")
	}
	if !strings.Contains(gotPrompt, "日") {
		t.Fatal("capped message missing from transcript")
	}
}

func TestCompactSummarizerFailureLeavesBufferAlone(t *testing.T) {
	msgs := repeatMsg(RoleUser, 80, 12)
	summarize := func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("provider down")
	}
	res, err := NewCompactor(nil).Compact(context.Background(), msgs, "", summarize, CompactOptions{PreserveRecentRounds: 2})
	if err == nil {
		t.Fatal("expected summarizer error to propagate")
	}
	if res.Method != MethodNone {
		t.Fatalf("method = %s, want none", res.Method)
	}
	if len(res.Messages) != len(msgs) {
		t.Fatalf("buffer length changed on failure: %d != %d", len(res.Messages), len(msgs))
	}
	for _, m := range res.Messages {
		if m.IsCompressed() || m.Marker {
			t.Fatal("failed compact altered the buffer")
		}
	}
}

func TestTruncateBoundAndAudit(t *testing.T) {
	msgs := repeatMsg(RoleUser, 400, 20) // 100 tokens each
	target := 500

	res := NewCompactor(nil).Truncate(msgs, target, TruncateOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2})
	if res.Method != MethodTruncated {
		t.Fatalf("method = %s, want truncated", res.Method)
	}
	if !res.Messages[0].Marker || res.Messages[0].ID != res.MarkerID {
		t.Fatal("truncation marker missing or mismatched")
	}

	kept := 0
	for _, m := range res.Messages[1:] {
		kept += m.Tokens()
	}
	if kept > int(float64(target)*0.9) {
		t.Fatalf("kept %d tokens, safety bound is %d", kept, int(float64(target)*0.9))
	}

	if len(res.Removed) != res.Affected || res.Affected == 0 {
		t.Fatalf("removed=%d affected=%d", len(res.Removed), res.Affected)
	}
	for _, m := range res.Removed {
		if m.Compression.Kind != Truncated || m.Compression.Ref != res.MarkerID {
			t.Fatalf("audit copy tag = %+v, want truncated/%s", m.Compression, res.MarkerID)
		}
	}
	// Dropped messages are gone from the live buffer.
	if len(res.Messages) != 1+len(msgs)-res.Affected {
		t.Fatalf("buffer has %d messages, want %d", len(res.Messages), 1+len(msgs)-res.Affected)
	}
	if msgs[0].IsCompressed() {
		t.Fatal("truncate mutated its input")
	}
}

func TestTruncateMinimumSurvivors(t *testing.T) {
	msgs := repeatMsg(RoleUser, 400, 10)
	// Target so small nothing fits; the newest messages survive anyway.
	res := NewCompactor(nil).Truncate(msgs, 10, TruncateOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 4})
	if got := len(res.Messages) - 1; got != 4 {
		t.Fatalf("survivors = %d, want 4", got)
	}
}

func TestTruncateAlreadyFitting(t *testing.T) {
	msgs := repeatMsg(RoleUser, 20, 3)
	res := NewCompactor(nil).Truncate(msgs, 10000, TruncateOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2})
	if res.Method != MethodTruncated {
		t.Fatalf("method = %s, want truncated", res.Method)
	}
	if res.Affected != 0 || len(res.Removed) != 0 {
		t.Fatalf("fitting buffer dropped messages: affected=%d", res.Affected)
	}
	if len(res.Messages) != len(msgs)+1 {
		t.Fatalf("buffer = %d messages, want marker + %d", len(res.Messages), len(msgs))
	}
}

func TestSelectCompressionMethod(t *testing.T) {
	tests := []struct {
		pct  float64
		want Method
	}{
		{0.10, MethodNone},
		{0.70, MethodPruned},
		{0.84, MethodPruned},
		{0.85, MethodCompacted},
		{0.95, MethodTruncated},
		{1.50, MethodTruncated},
	}
	for _, tt := range tests {
		if got := SelectCompressionMethod(tt.pct, 0.70, 0.85, 0.95); got != tt.want {
			t.Fatalf("SelectCompressionMethod(%v) = %s, want %s", tt.pct, got, tt.want)
		}
	}
}

func TestCleanupOrphanedTags(t *testing.T) {
	marker := Message{ID: "live-marker", Role: RoleSystem, Content: "[summary]", Marker: true}
	msgs := []Message{
		marker,
		{ID: "a", Role: RoleUser, Content: "kept tag", Compression: CompactedTag("live-marker")},
		{ID: "b", Role: RoleUser, Content: "orphaned", Compression: CompactedTag("gone-marker")},
		{ID: "c", Role: RoleTool, Content: "pruned", Compression: PrunedTag()},
	}

	out := CleanupOrphanedTags(msgs)
	if out[1].Compression.Ref != "live-marker" {
		t.Fatal("tag with live marker was cleared")
	}
	if out[2].IsCompressed() {
		t.Fatal("orphaned tag survived cleanup")
	}
	if out[3].Compression.Kind != Pruned {
		t.Fatal("pruned tag has no ref and must survive")
	}

	again := CleanupOrphanedTags(out)
	for i := range again {
		if again[i].Compression != out[i].Compression {
			t.Fatalf("cleanup is not idempotent at %d", i)
		}
	}
}

func TestEffectiveTokensDropsSupersededContent(t *testing.T) {
	msgs := repeatMsg(RoleUser, 200, 8)
	before := EffectiveTokens(msgs)

	res := NewCompactor(nil).Truncate(msgs, 120, TruncateOptions{PreserveRecentRounds: 1, MinMessagesToKeep: 2})
	after := EffectiveTokens(res.Messages)
	if after >= before {
		t.Fatalf("effective tokens did not shrink: %d >= %d", after, before)
	}
}
