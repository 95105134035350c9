package memory

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const indexFileName = "index.yaml"

// DocumentStore keeps one human-readable markdown file per memory
// document plus a single YAML index. It implements DocumentStorage.
type DocumentStore struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

type frontMatter struct {
	ID             string     `yaml:"id"`
	Created        time.Time  `yaml:"created"`
	Updated        time.Time  `yaml:"updated"`
	Topics         []string   `yaml:"topics"`
	Importance     Importance `yaml:"importance"`
	SourceSessions []string   `yaml:"source_sessions,omitempty"`
	Starred        bool       `yaml:"starred,omitempty"`
	AccessCount    int        `yaml:"access_count,omitempty"`
	LastAccessed   time.Time  `yaml:"last_accessed,omitempty"`
}

type indexEntry struct {
	ID         string     `yaml:"id"`
	FilePath   string     `yaml:"file_path"`
	Created    time.Time  `yaml:"created"`
	Updated    time.Time  `yaml:"updated"`
	Topics     []string   `yaml:"topics"`
	Importance Importance `yaml:"importance"`
}

// NewDocumentStore opens (creating if needed) a document directory.
func NewDocumentStore(dir string, log *slog.Logger) (*DocumentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory document dir: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DocumentStore{dir: dir, log: log}, nil
}

// SaveMemory writes the document file and records it in the index.
func (s *DocumentStore) SaveMemory(doc MemoryDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(doc, nil)
}

// UpdateMemory rewrites an existing document. If the index write fails
// after the file was replaced, the file is rolled back to its prior
// content so the durable document and the searchable index never diverge.
func (s *DocumentStore) UpdateMemory(doc MemoryDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := os.ReadFile(s.docPath(doc.ID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read prior document %s: %w", doc.ID, err)
	}
	return s.write(doc, prior)
}

func (s *DocumentStore) write(doc MemoryDocument, prior []byte) error {
	path := s.docPath(doc.ID)
	rendered, err := renderDocument(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, rendered, 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", doc.ID, err)
	}

	if err := s.updateIndex(doc); err != nil {
		// Roll the file back so document and index stay in step.
		var restoreErr error
		if prior == nil {
			restoreErr = os.Remove(path)
		} else {
			restoreErr = os.WriteFile(path, prior, 0o644)
		}
		if restoreErr != nil {
			s.log.Error("CRITICAL: document/index divergence, rollback failed",
				"document_id", doc.ID, "index_error", err, "rollback_error", restoreErr)
		}
		return fmt.Errorf("update memory index for %s: %w", doc.ID, err)
	}
	return nil
}

// GetMemory loads one document. Missing IDs are a lookup miss.
func (s *DocumentStore) GetMemory(id string) (MemoryDocument, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.docPath(id))
	if os.IsNotExist(err) {
		return MemoryDocument{}, false, nil
	}
	if err != nil {
		return MemoryDocument{}, false, fmt.Errorf("read document %s: %w", id, err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		return MemoryDocument{}, false, fmt.Errorf("parse document %s: %w", id, err)
	}
	return doc, true, nil
}

// GetAllMemories loads every indexed document, newest updated first.
func (s *DocumentStore) GetAllMemories() ([]MemoryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Updated.After(entries[j].Updated)
	})

	out := make([]MemoryDocument, 0, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(s.dir, e.FilePath))
		if err != nil {
			s.log.Warn("indexed document unreadable", "document_id", e.ID, "error", err)
			continue
		}
		doc, err := parseDocument(data)
		if err != nil {
			s.log.Warn("indexed document unparsable", "document_id", e.ID, "error", err)
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// DeleteMemory removes a document and its index entry.
func (s *DocumentStore) DeleteMemory(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.docPath(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove document %s: %w", id, err)
	}

	entries, err := s.readIndex()
	if err != nil {
		return true, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if err := s.writeIndex(kept); err != nil {
		return true, err
	}
	return true, nil
}

func (s *DocumentStore) docPath(id string) string {
	return filepath.Join(s.dir, id+".md")
}

func (s *DocumentStore) updateIndex(doc MemoryDocument) error {
	entries, err := s.readIndex()
	if err != nil {
		return err
	}
	entry := indexEntry{
		ID:         doc.ID,
		FilePath:   doc.ID + ".md",
		Created:    doc.Created,
		Updated:    doc.Updated,
		Topics:     doc.Topics,
		Importance: doc.Importance,
	}
	replaced := false
	for i, e := range entries {
		if e.ID == doc.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return s.writeIndex(entries)
}

func (s *DocumentStore) readIndex() ([]indexEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory index: %w", err)
	}
	var entries []indexEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse memory index: %w", err)
	}
	return entries, nil
}

func (s *DocumentStore) writeIndex(entries []indexEntry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal memory index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, indexFileName), data, 0o644); err != nil {
		return fmt.Errorf("write memory index: %w", err)
	}
	return nil
}

func renderDocument(doc MemoryDocument) ([]byte, error) {
	fm := frontMatter{
		ID:           doc.ID,
		Created:      doc.Created,
		Updated:      doc.Updated,
		Topics:       doc.Topics,
		Importance:   doc.Importance,
		Starred:      doc.Starred,
		AccessCount:  doc.AccessCount,
		LastAccessed: doc.LastAccessedAt,
	}
	if doc.PromotedFrom != "" {
		fm.SourceSessions = []string{doc.PromotedFrom}
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	if doc.Title != "" {
		b.WriteString("# ")
		b.WriteString(doc.Title)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(doc.Content))
	b.WriteString("\n")
	return b.Bytes(), nil
}

func parseDocument(data []byte) (MemoryDocument, error) {
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return MemoryDocument{}, fmt.Errorf("missing front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return MemoryDocument{}, fmt.Errorf("unterminated front matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return MemoryDocument{}, fmt.Errorf("parse front matter: %w", err)
	}

	body := strings.TrimSpace(rest[end+len("\n---\n"):])
	title := ""
	if strings.HasPrefix(body, "# ") {
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			title = strings.TrimSpace(body[2:nl])
			body = strings.TrimSpace(body[nl:])
		} else {
			title = strings.TrimSpace(body[2:])
			body = ""
		}
	}

	doc := MemoryDocument{
		ID:             fm.ID,
		Title:          title,
		Content:        body,
		Topics:         fm.Topics,
		Importance:     fm.Importance,
		Created:        fm.Created,
		Updated:        fm.Updated,
		LastAccessedAt: fm.LastAccessed,
		AccessCount:    fm.AccessCount,
		Starred:        fm.Starred,
	}
	if len(fm.SourceSessions) > 0 {
		doc.PromotedFrom = fm.SourceSessions[0]
	}
	return doc, nil
}
