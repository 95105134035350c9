package conversation

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable snapshot descriptor, always paired 1:1 with a
// frozen copy of the message buffer at creation time. Never mutated after
// creation, deleted only by explicit request.
type Checkpoint struct {
	ID           string
	SessionID    string
	Name         string
	MessageCount int
	TokenCount   int
	CreatedAt    time.Time
	Summary      string
}

// CheckpointStorage is the injected persistence collaborator for
// checkpoints. A checkpoint must stay retrievable after the live buffer
// has been further compacted or cleared.
type CheckpointStorage interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint, msgs []Message) error
	GetCheckpoint(ctx context.Context, id string) (Checkpoint, []Message, bool, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, id string) (bool, error)
}

const checkpointSummaryCap = 100

// CheckpointManager snapshots and restores message buffers through an
// injected storage collaborator.
type CheckpointManager struct {
	storage CheckpointStorage
	log     *slog.Logger
}

func NewCheckpointManager(storage CheckpointStorage, log *slog.Logger) *CheckpointManager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CheckpointManager{storage: storage, log: log}
}

// Create snapshots msgs under a fresh ID with a short extractive summary
// taken from the last user message.
func (cm *CheckpointManager) Create(ctx context.Context, sessionID, name string, msgs []Message, tokenCount int) (Checkpoint, error) {
	cp := Checkpoint{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Name:         name,
		MessageCount: len(msgs),
		TokenCount:   tokenCount,
		CreatedAt:    time.Now().UTC(),
		Summary:      extractiveSummary(msgs),
	}
	if err := cm.storage.SaveCheckpoint(ctx, cp, CloneMessages(msgs)); err != nil {
		return Checkpoint{}, err
	}
	cm.log.Info("checkpoint created",
		"checkpoint_id", cp.ID, "session_id", sessionID, "name", name, "messages", len(msgs))
	return cp, nil
}

// Restore looks up a checkpoint and its frozen buffer. A missing ID is a
// lookup miss, not an error.
func (cm *CheckpointManager) Restore(ctx context.Context, id string) (Checkpoint, []Message, bool, error) {
	return cm.storage.GetCheckpoint(ctx, id)
}

// List returns the checkpoints recorded for a session.
func (cm *CheckpointManager) List(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	return cm.storage.ListCheckpoints(ctx, sessionID)
}

// Delete removes a checkpoint, reporting whether it existed.
func (cm *CheckpointManager) Delete(ctx context.Context, id string) (bool, error) {
	return cm.storage.DeleteCheckpoint(ctx, id)
}

func extractiveSummary(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleUser {
			continue
		}
		s := strings.TrimSpace(msgs[i].Content)
		if s == "" {
			continue
		}
		if len(s) > checkpointSummaryCap {
			s = clip(s, checkpointSummaryCap) + "..."
		}
		return s
	}
	return ""
}

// MemoryCheckpointStorage is the in-process CheckpointStorage backend,
// suitable for embedded use and tests.
type MemoryCheckpointStorage struct {
	mu    sync.RWMutex
	cps   map[string]Checkpoint
	bufs  map[string][]Message
	order []string
}

func NewMemoryCheckpointStorage() *MemoryCheckpointStorage {
	return &MemoryCheckpointStorage{
		cps:  make(map[string]Checkpoint),
		bufs: make(map[string][]Message),
	}
}

func (s *MemoryCheckpointStorage) SaveCheckpoint(_ context.Context, cp Checkpoint, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cps[cp.ID]; !exists {
		s.order = append(s.order, cp.ID)
	}
	s.cps[cp.ID] = cp
	s.bufs[cp.ID] = CloneMessages(msgs)
	return nil
}

func (s *MemoryCheckpointStorage) GetCheckpoint(_ context.Context, id string) (Checkpoint, []Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[id]
	if !ok {
		return Checkpoint{}, nil, false, nil
	}
	return cp, CloneMessages(s.bufs[id]), true, nil
}

func (s *MemoryCheckpointStorage) ListCheckpoints(_ context.Context, sessionID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Checkpoint{}
	for _, id := range s.order {
		cp, ok := s.cps[id]
		if !ok {
			continue
		}
		if sessionID == "" || cp.SessionID == sessionID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *MemoryCheckpointStorage) DeleteCheckpoint(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cps[id]; !ok {
		return false, nil
	}
	delete(s.cps, id)
	delete(s.bufs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}
