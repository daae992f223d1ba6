// Package qdrant is a minimal REST client to a Qdrant collection.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spigell/posting-matcher/internal/vectorstore"
)

const (
	payloadRecordID = "record_id"
	payloadText     = "text"
	payloadMeta     = "metadata"
)

var errNotFound = errors.New("not found")

// Storage assumes cosine distance. The collection is created on the first
// upsert, once the vector size is known.
type Storage struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client

	mu     sync.Mutex
	exists bool

	// size is the vector size of the existing collection, zero when unknown.
	size int
}

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *Storage) Name() string { return "qdrant" }

// Init checks that the server answers and whether the collection exists.
func (s *Storage) Init(ctx context.Context) error {
	var info collectionInfo
	err := s.do(ctx, http.MethodGet, s.collectionURL(""), nil, &info)
	switch {
	case err == nil:
		s.setCollection(true, info.Result.Config.Params.Vectors.Size)
		return nil
	case errors.Is(err, errNotFound):
		s.setCollection(false, 0)
		return nil
	default:
		return err
	}
}

func (s *Storage) Upsert(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := s.ensureCollection(ctx, len(records[0].Vector), false); err != nil {
		return err
	}
	return s.upsert(ctx, records)
}

func (s *Storage) upsert(ctx context.Context, records []vectorstore.Record) error {
	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":     PointID(r.ID),
			"vector": r.Vector,
			"payload": map[string]any{
				payloadRecordID:      r.ID,
				payloadText:          r.Text,
				vectorstore.MetaType: r.Metadata[vectorstore.MetaType],
				payloadMeta:          r.Metadata,
			},
		}
	}

	return s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil)
}

func (s *Storage) Query(ctx context.Context, vector []float32, limit int) ([]vectorstore.Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}

	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}

	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	hits := make([]vectorstore.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hit := vectorstore.Hit{Distance: 1 - r.Score}
		if v, ok := r.Payload[payloadRecordID].(string); ok {
			hit.ID = v
		}
		if v, ok := r.Payload[payloadText].(string); ok {
			hit.Text = v
		}
		if v, ok := r.Payload[payloadMeta].(map[string]any); ok {
			hit.Metadata = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *Storage) Count(ctx context.Context, kind string) (int, error) {
	req := map[string]any{"exact": true}
	if kind != "" {
		req["filter"] = kindFilter(kind)
	}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}

	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), req, &resp)
	if errors.Is(err, errNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Storage) DeleteKind(ctx context.Context, kind string) error {
	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), map[string]any{"filter": kindFilter(kind)}, nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

// ReplaceKind writes records first and then deletes the points of kind that
// are not among them, so searches keep finding the previous points meanwhile.
// A vector size different from the collection's recreates the collection,
// which drops records of every kind.
func (s *Storage) ReplaceKind(ctx context.Context, kind string, records []vectorstore.Record) error {
	if len(records) == 0 {
		return s.DeleteKind(ctx, kind)
	}

	if err := s.ensureCollection(ctx, len(records[0].Vector), true); err != nil {
		return err
	}
	if err := s.upsert(ctx, records); err != nil {
		return err
	}

	keep := make([]string, len(records))
	for i, r := range records {
		keep[i] = PointID(r.ID)
	}

	filter := kindFilter(kind)
	filter["must_not"] = []map[string]any{{"has_id": keep}}

	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), map[string]any{"filter": filter}, nil)
	if err != nil {
		return fmt.Errorf("delete stale points: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// PointID maps a record id onto the UUID Qdrant requires. The mapping is stable,
// so re-upserting a record overwrites the same point.
func PointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(recordID)).String()
}

func kindFilter(kind string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{
			"key":   vectorstore.MetaType,
			"match": map[string]any{"value": kind},
		}},
	}
}

// ensureCollection creates the collection for vectors of dimension. An existing
// collection of another size is an error unless recreate is set.
func (s *Storage) ensureCollection(ctx context.Context, dimension int, recreate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	if s.exists && (s.size == 0 || s.size == dimension) {
		return nil
	}

	if s.exists {
		if !recreate {
			return fmt.Errorf("collection %s holds vectors of size %d, got %d: a forced reindex rebuilds it", s.collection, s.size, dimension)
		}
		err := s.do(ctx, http.MethodDelete, s.collectionURL(""), nil, nil)
		if err != nil && !errors.Is(err, errNotFound) {
			return fmt.Errorf("drop collection %s: %w", s.collection, err)
		}
		s.exists = false
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}

	s.exists = true
	s.size = dimension
	return nil
}

func (s *Storage) setCollection(exists bool, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exists = exists
	s.size = size
}

func (s *Storage) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *Storage) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("qdrant %s %s: %w", method, url, errNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
