package memory

import (
	"context"
	"sync"
	"time"
)

// MemoryMidTermStore is the in-process MidTermStorage backend.
type MemoryMidTermStore struct {
	mu       sync.RWMutex
	sessions []CompactedSession
	byID     map[string]int
}

func NewMemoryMidTermStore() *MemoryMidTermStore {
	return &MemoryMidTermStore{byID: make(map[string]int)}
}

func (s *MemoryMidTermStore) SaveCompactedSession(_ context.Context, cs CompactedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[cs.ID]; ok {
		s.sessions[i] = cs
		return nil
	}
	s.byID[cs.ID] = len(s.sessions)
	s.sessions = append(s.sessions, cs)
	return nil
}

func (s *MemoryMidTermStore) GetCompactedSessions(_ context.Context, sessionID string) ([]CompactedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []CompactedSession{}
	for _, cs := range s.sessions {
		if cs.SessionID == sessionID {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *MemoryMidTermStore) ListCompactedSessions(_ context.Context) ([]CompactedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CompactedSession, len(s.sessions))
	copy(out, s.sessions)
	return out, nil
}

func (s *MemoryMidTermStore) MarkSessionPromoted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[id]; ok {
		s.sessions[i].Promoted = true
	}
	return nil
}

func (s *MemoryMidTermStore) RecordSessionAccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[id]; ok {
		s.sessions[i].AccessCount++
		s.sessions[i].LastAccessedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryMidTermStore) StarSession(_ context.Context, id string, starred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[id]; ok {
		s.sessions[i].Starred = starred
	}
	return nil
}
