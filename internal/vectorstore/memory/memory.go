// Package memory is an in-process vector store using brute-force cosine
// distance, optionally persisted to a JSON file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spigell/posting-matcher/internal/vectorstore"
)

const fileName = "index.json"

type Storage struct {
	mu      sync.RWMutex
	records []vectorstore.Record
	byID    map[string]int
	path    string
}

type snapshot struct {
	Records   []vectorstore.Record `json:"records"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewStorage returns a store persisted under dataDir. An empty dataDir keeps
// everything in memory only.
func NewStorage(dataDir string) *Storage {
	s := &Storage{byID: make(map[string]int)}
	if dataDir != "" {
		s.path = filepath.Join(dataDir, fileName)
	}
	return s
}

func (s *Storage) Name() string { return "memory" }

// Init loads the persisted snapshot, if any.
func (s *Storage) Init(_ context.Context) error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	s.records = snap.Records
	s.reindex()
	return nil
}

// Upsert replaces records with the same id and appends new ones.
func (s *Storage) Upsert(_ context.Context, records []vectorstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsert(records)
	return s.save()
}

// Query returns the nearest records ordered by ascending distance. Ties keep
// insertion order.
func (s *Storage) Query(ctx context.Context, vector []float32, limit int) ([]vectorstore.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]vectorstore.Hit, 0, len(s.records))
	for _, r := range s.records {
		hits = append(hits, vectorstore.Hit{
			ID:       r.ID,
			Text:     r.Text,
			Metadata: maps.Clone(r.Metadata),
			Distance: vectorstore.CosineDistance(vector, r.Vector),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})

	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Storage) Count(_ context.Context, kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if kind == "" {
		return len(s.records), nil
	}

	count := 0
	for _, r := range s.records {
		if r.Metadata[vectorstore.MetaType] == kind {
			count++
		}
	}
	return count, nil
}

func (s *Storage) DeleteKind(_ context.Context, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKind(kind)
	return s.save()
}

// ReplaceKind drops every record of kind and writes records under one lock.
func (s *Storage) ReplaceKind(_ context.Context, kind string, records []vectorstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteKind(kind)
	s.upsert(records)
	return s.save()
}

func (s *Storage) upsert(records []vectorstore.Record) {
	for _, r := range records {
		r.Metadata = maps.Clone(r.Metadata)
		if i, ok := s.byID[r.ID]; ok {
			s.records[i] = r
			continue
		}
		s.byID[r.ID] = len(s.records)
		s.records = append(s.records, r)
	}
}

func (s *Storage) deleteKind(kind string) {
	kept := make([]vectorstore.Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Metadata[vectorstore.MetaType] == kind {
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	s.reindex()
}

func (s *Storage) Close() error { return nil }

func (s *Storage) reindex() {
	s.byID = make(map[string]int, len(s.records))
	for i, r := range s.records {
		s.byID[r.ID] = i
	}
}

// save must be called with the write lock held.
func (s *Storage) save() error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := json.Marshal(snapshot{Records: s.records, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
