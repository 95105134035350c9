package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotsetgreg/ctxkeeper/pkg/conversation"
	"github.com/dotsetgreg/ctxkeeper/pkg/memory"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "ctxkeeper.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msgs := []conversation.Message{
		conversation.NewMessage(conversation.RoleUser, "design the billing schema"),
		conversation.NewMessage(conversation.RoleAssistant, "here is a draft"),
	}
	msgs[1].Compression = conversation.CompactedTag("cond-1")
	cp := conversation.Checkpoint{
		ID:           "cp-1",
		SessionID:    "sess-1",
		Name:         "before-migration",
		MessageCount: 2,
		TokenCount:   123,
		CreatedAt:    time.Now().UTC(),
		Summary:      "design the billing schema",
	}

	if err := s.SaveCheckpoint(ctx, cp, msgs); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, gotMsgs, ok, err := s.GetCheckpoint(ctx, "cp-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.SessionID != cp.SessionID || got.Name != cp.Name || got.TokenCount != cp.TokenCount || got.Summary != cp.Summary {
		t.Fatalf("descriptor differs: %+v", got)
	}
	if !got.CreatedAt.Equal(cp.CreatedAt) {
		t.Fatalf("created at differs: %v != %v", got.CreatedAt, cp.CreatedAt)
	}
	if len(gotMsgs) != 2 {
		t.Fatalf("messages = %d", len(gotMsgs))
	}
	for i := range msgs {
		if gotMsgs[i].ID != msgs[i].ID || gotMsgs[i].Content != msgs[i].Content ||
			gotMsgs[i].Role != msgs[i].Role || gotMsgs[i].Compression != msgs[i].Compression {
			t.Fatalf("message %d differs: %+v", i, gotMsgs[i])
		}
		if !gotMsgs[i].Timestamp.Equal(msgs[i].Timestamp) {
			t.Fatalf("message %d timestamp differs", i)
		}
	}
}

func TestSQLiteCheckpointMissListDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, _, ok, err := s.GetCheckpoint(ctx, "none"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}

	base := time.Now().UTC()
	for i, sess := range []string{"a", "a", "b"} {
		cp := conversation.Checkpoint{
			ID:        []string{"cp-1", "cp-2", "cp-3"}[i],
			SessionID: sess,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveCheckpoint(ctx, cp, nil); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	forA, err := s.ListCheckpoints(ctx, "a")
	if err != nil || len(forA) != 2 || forA[0].ID != "cp-1" {
		t.Fatalf("list for session: %+v err=%v", forA, err)
	}
	all, err := s.ListCheckpoints(ctx, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("list all: %d err=%v", len(all), err)
	}

	deleted, err := s.DeleteCheckpoint(ctx, "cp-1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteCheckpoint(ctx, "cp-1")
	if err != nil || deleted {
		t.Fatalf("double delete: deleted=%v err=%v", deleted, err)
	}
}

func TestSQLiteCompactedSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	cs := memory.CompactedSession{
		ID:             "cs-1",
		SessionID:      "sess-1",
		Summary:        "decided to shard by tenant",
		KeyTopics:      []string{"sharding", "billing"},
		Decisions:      []string{"shard by tenant"},
		MessageRange:   memory.MessageRange{First: 0, Last: 9},
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if err := s.SaveCompactedSession(ctx, cs); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetCompactedSessions(ctx, "sess-1")
	if err != nil || len(got) != 1 {
		t.Fatalf("get: %d err=%v", len(got), err)
	}
	r := got[0]
	if r.Summary != cs.Summary || len(r.KeyTopics) != 2 || len(r.Decisions) != 1 || r.MessageRange.Last != 9 {
		t.Fatalf("round trip wrong: %+v", r)
	}
	if !r.CreatedAt.Equal(now) {
		t.Fatalf("created at differs: %v", r.CreatedAt)
	}

	if err := s.RecordSessionAccess(ctx, "cs-1"); err != nil {
		t.Fatalf("record access: %v", err)
	}
	if err := s.RecordSessionAccess(ctx, "cs-1"); err != nil {
		t.Fatalf("record access: %v", err)
	}
	if err := s.StarSession(ctx, "cs-1", true); err != nil {
		t.Fatalf("star: %v", err)
	}
	if err := s.MarkSessionPromoted(ctx, "cs-1"); err != nil {
		t.Fatalf("mark promoted: %v", err)
	}

	all, err := s.ListCompactedSessions(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("list: %d err=%v", len(all), err)
	}
	r = all[0]
	if r.AccessCount != 2 || !r.Starred || !r.Promoted {
		t.Fatalf("bookkeeping wrong: %+v", r)
	}
	if !r.LastAccessedAt.After(now.Add(-time.Second)) {
		t.Fatalf("last accessed not advanced: %v", r.LastAccessedAt)
	}
}

func TestSQLiteConversationSearchAndDimensions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	save := func(id string, vec []float32, content string, topics ...string) error {
		return s.SaveConversation(ctx, memory.IndexedConversation{
			ID:        id,
			SessionID: "sess-1",
			Embedding: vec,
			Content:   content,
			Metadata:  memory.ConversationMetadata{Date: time.Now().UTC(), Topics: topics},
		})
	}

	if err := save("exact", []float32{1, 0, 0}, "exact match", "billing"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := save("far", []float32{0, 1, 0}, "unrelated"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := save("near", []float32{0.9, 0.1, 0}, "close match"); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := save("bad", []float32{1, 0}, "wrong dimension")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("dimension mismatch err = %v", err)
	}

	got, err := s.SearchConversations(ctx, []float32{1, 0, 0}, 2, "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "exact" || got[1].ID != "near" {
		t.Fatalf("ranking wrong: %+v", got)
	}
	if len(got[0].Embedding) != 3 {
		t.Fatalf("embedding not decoded: %v", got[0].Embedding)
	}

	byKeyword, err := s.SearchConversationsByKeyword(ctx, "billing", 0, "")
	if err != nil || len(byKeyword) != 1 || byKeyword[0].ID != "exact" {
		t.Fatalf("keyword search: %+v err=%v", byKeyword, err)
	}

	if _, ok, _ := s.GetConversationByID(ctx, "far"); !ok {
		t.Fatal("get by id miss")
	}
	if _, ok, _ := s.GetConversationByID(ctx, "absent"); ok {
		t.Fatal("absent id found")
	}

	stats, err := s.Stats(ctx)
	if err != nil || stats.TotalConversations != 3 || stats.TotalSessions != 1 {
		t.Fatalf("stats = %+v err=%v", stats, err)
	}

	n, err := s.ClearConversations(ctx, "sess-1")
	if err != nil || n != 3 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
}

func TestSQLiteConversationUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := memory.IndexedConversation{
		ID: "conv-1", SessionID: "sess-1", Content: "first version",
		Metadata: memory.ConversationMetadata{Date: time.Now().UTC()},
	}
	if err := s.SaveConversation(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	first.Content = "second version"
	if err := s.SaveConversation(ctx, first); err != nil {
		t.Fatalf("resave: %v", err)
	}

	got, ok, err := s.GetConversationByID(ctx, "conv-1")
	if err != nil || !ok || got.Content != "second version" {
		t.Fatalf("upsert wrong: %+v ok=%v err=%v", got, ok, err)
	}
	stats, _ := s.Stats(ctx)
	if stats.TotalConversations != 1 {
		t.Fatalf("upsert duplicated the row: %+v", stats)
	}
}

func TestSQLiteImplementsStorageInterfaces(t *testing.T) {
	var (
		_ conversation.CheckpointStorage = (*SQLiteStore)(nil)
		_ memory.MidTermStorage          = (*SQLiteStore)(nil)
		_ memory.LongTermStorage         = (*SQLiteStore)(nil)
	)
}
