package conversation

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(NewMemoryCheckpointStorage(), nil)

	msgs := []Message{
		mkMessage(RoleSystem, "be helpful"),
		mkMessage(RoleUser, "please design the billing schema"),
		mkMessage(RoleAssistant, "here is a draft"),
	}
	cp, err := cm.Create(ctx, "sess-1", "before-migration", msgs, 321)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cp.ID == "" || cp.SessionID != "sess-1" || cp.MessageCount != 3 || cp.TokenCount != 321 {
		t.Fatalf("checkpoint descriptor wrong: %+v", cp)
	}
	if cp.Summary != "please design the billing schema" {
		t.Fatalf("summary = %q", cp.Summary)
	}

	got, gotMsgs, ok, err := cm.Restore(ctx, cp.ID)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	if got.ID != cp.ID || got.Summary != cp.Summary {
		t.Fatalf("restored descriptor differs: %+v", got)
	}
	if len(gotMsgs) != len(msgs) {
		t.Fatalf("restored %d messages, want %d", len(gotMsgs), len(msgs))
	}
	for i := range msgs {
		if gotMsgs[i].ID != msgs[i].ID || gotMsgs[i].Content != msgs[i].Content {
			t.Fatalf("message %d differs after restore", i)
		}
	}

	// The snapshot is frozen: later edits to the source slice do not leak in.
	msgs[0].Content = "mutated"
	_, reread, _, err := cm.Restore(ctx, cp.ID)
	if err != nil {
		t.Fatalf("restore again: %v", err)
	}
	if reread[0].Content != "be helpful" {
		t.Fatal("checkpoint shares memory with the live buffer")
	}
}

func TestCheckpointSummaryCapped(t *testing.T) {
	long := strings.Repeat("w", 150)
	cm := NewCheckpointManager(NewMemoryCheckpointStorage(), nil)
	cp, err := cm.Create(context.Background(), "sess-1", "", []Message{mkMessage(RoleUser, long)}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(cp.Summary) != 103 || !strings.HasSuffix(cp.Summary, "...") {
		t.Fatalf("summary not capped: len=%d", len(cp.Summary))
	}
}

func TestCheckpointSummaryRuneSafe(t *testing.T) {
	cm := NewCheckpointManager(NewMemoryCheckpointStorage(), nil)
	cp, err := cm.Create(context.Background(), "sess-1", "",
		[]Message{mkMessage(RoleUser, strings.Repeat("日", 60))}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !utf8.ValidString(cp.Summary) {
		t.Fatalf("summary is not valid UTF-8: %q", cp.Summary)
	}
	if !strings.HasSuffix(cp.Summary, "...") {
		t.Fatalf("summary not capped: %q", cp.Summary)
	}
}

func TestCheckpointRestoreMiss(t *testing.T) {
	cm := NewCheckpointManager(NewMemoryCheckpointStorage(), nil)
	_, _, ok, err := cm.Restore(context.Background(), "no-such-id")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if ok {
		t.Fatal("miss reported found")
	}
}

func TestCheckpointListAndDelete(t *testing.T) {
	ctx := context.Background()
	cm := NewCheckpointManager(NewMemoryCheckpointStorage(), nil)

	a, _ := cm.Create(ctx, "sess-a", "one", []Message{mkMessage(RoleUser, "a")}, 1)
	b, _ := cm.Create(ctx, "sess-a", "two", []Message{mkMessage(RoleUser, "b")}, 2)
	_, _ = cm.Create(ctx, "sess-b", "other", []Message{mkMessage(RoleUser, "c")}, 3)

	list, err := cm.List(ctx, "sess-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("list wrong: %+v", list)
	}

	all, err := cm.List(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: n=%d err=%v", len(all), err)
	}

	deleted, err := cm.Delete(ctx, a.ID)
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = cm.Delete(ctx, a.ID)
	if err != nil || deleted {
		t.Fatalf("double delete: deleted=%v err=%v", deleted, err)
	}
}
