package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryVectorStore is the in-process LongTermStorage backend: a slice in
// insertion order plus an ID index. Interchangeable with the SQLite-backed
// store.
type MemoryVectorStore struct {
	mu    sync.RWMutex
	convs []IndexedConversation
	byID  map[string]int
	dim   int
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{byID: make(map[string]int)}
}

func (s *MemoryVectorStore) SaveConversation(_ context.Context, conv IndexedConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(conv.Embedding) > 0 {
		if s.dim == 0 {
			s.dim = len(conv.Embedding)
		} else if s.dim != len(conv.Embedding) {
			return fmt.Errorf("save conversation %s: embedding dimension %d, store expects %d",
				conv.ID, len(conv.Embedding), s.dim)
		}
	}
	if i, ok := s.byID[conv.ID]; ok {
		s.convs[i] = conv
		return nil
	}
	s.byID[conv.ID] = len(s.convs)
	s.convs = append(s.convs, conv)
	return nil
}

// SearchConversations ranks by cosine similarity, descending, with a
// stable tie-break by insertion order. Zero-norm embeddings score 0 and
// sink to the bottom.
func (s *MemoryVectorStore) SearchConversations(_ context.Context, embedding []float32, limit int, sessionID string) ([]IndexedConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		conv  IndexedConversation
		score float64
	}
	candidates := make([]scored, 0, len(s.convs))
	for _, conv := range s.convs {
		if sessionID != "" && conv.SessionID != sessionID {
			continue
		}
		candidates = append(candidates, scored{conv: conv, score: Cosine(embedding, conv.Embedding)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]IndexedConversation, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.conv)
	}
	return out, nil
}

// SearchConversationsByKeyword is the degraded path when no embedder is
// available: case-insensitive substring match over content and topics, in
// insertion order.
func (s *MemoryVectorStore) SearchConversationsByKeyword(_ context.Context, query string, limit int, sessionID string) ([]IndexedConversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	out := []IndexedConversation{}
	for _, conv := range s.convs {
		if sessionID != "" && conv.SessionID != sessionID {
			continue
		}
		if needle != "" && !matchesKeyword(conv, needle) {
			continue
		}
		out = append(out, conv)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesKeyword(conv IndexedConversation, needle string) bool {
	if strings.Contains(strings.ToLower(conv.Content), needle) {
		return true
	}
	for _, topic := range conv.Metadata.Topics {
		if strings.Contains(strings.ToLower(topic), needle) {
			return true
		}
	}
	return false
}

func (s *MemoryVectorStore) GetConversationByID(_ context.Context, id string) (IndexedConversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return IndexedConversation{}, false, nil
	}
	return s.convs[i], true, nil
}

func (s *MemoryVectorStore) ClearConversations(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID == "" {
		n := len(s.convs)
		s.convs = nil
		s.byID = make(map[string]int)
		return n, nil
	}
	kept := s.convs[:0]
	removed := 0
	for _, conv := range s.convs {
		if conv.SessionID == sessionID {
			removed++
			continue
		}
		kept = append(kept, conv)
	}
	s.convs = kept
	s.byID = make(map[string]int, len(kept))
	for i, conv := range kept {
		s.byID[conv.ID] = i
	}
	return removed, nil
}

func (s *MemoryVectorStore) Stats(_ context.Context) (LongTermStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make(map[string]struct{})
	for _, conv := range s.convs {
		sessions[conv.SessionID] = struct{}{}
	}
	return LongTermStats{TotalConversations: len(s.convs), TotalSessions: len(sessions)}, nil
}
