package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/spigell/posting-matcher/internal/vectorstore"
)

type fakeQdrant struct {
	mu       sync.Mutex
	created  int
	dropped  int
	exists   bool
	size     int
	points   []map[string]any
	apiKeys  []string
	requests []string
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/collections/postings":
		if !f.exists {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"result": map[string]any{
			"status": "green",
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": f.size, "distance": "Cosine"}}},
		}})
	case r.Method == http.MethodPut && r.URL.Path == "/collections/postings":
		if f.exists {
			http.Error(w, "collection already exists", http.StatusConflict)
			return
		}
		f.created++
		f.exists = true
		f.size = int(body["vectors"].(map[string]any)["size"].(float64))
		writeJSON(w, map[string]any{"result": true})
	case r.Method == http.MethodDelete && r.URL.Path == "/collections/postings":
		f.dropped++
		f.exists = false
		f.points = nil
		writeJSON(w, map[string]any{"result": true})
	case !f.exists:
		http.NotFound(w, r)
	case r.Method == http.MethodPut && r.URL.Path == "/collections/postings/points":
		for _, p := range body["points"].([]any) {
			point := p.(map[string]any)
			if len(point["vector"].([]any)) != f.size {
				http.Error(w, "wrong vector dimension", http.StatusBadRequest)
				return
			}
			f.upsert(point)
		}
		writeJSON(w, map[string]any{"result": map[string]any{"status": "completed"}})
	case r.URL.Path == "/collections/postings/points/search":
		result := make([]map[string]any, 0, len(f.points))
		for i, p := range f.points {
			result = append(result, map[string]any{"score": 0.9 - float64(i)*0.1, "payload": p["payload"]})
		}
		writeJSON(w, map[string]any{"result": result})
	case r.URL.Path == "/collections/postings/points/count":
		kind := filterKind(body)
		count := 0
		for _, p := range f.points {
			if kind == "" || p["payload"].(map[string]any)["type"] == kind {
				count++
			}
		}
		writeJSON(w, map[string]any{"result": map[string]any{"count": count}})
	case r.URL.Path == "/collections/postings/points/delete":
		kind := filterKind(body)
		keep := filterKeptIDs(body)
		kept := f.points[:0]
		for _, p := range f.points {
			if p["payload"].(map[string]any)["type"] != kind || keep[p["id"].(string)] {
				kept = append(kept, p)
			}
		}
		f.points = kept
		writeJSON(w, map[string]any{"result": map[string]any{"status": "completed"}})
	default:
		http.Error(w, "unexpected request", http.StatusBadRequest)
	}
}

func (f *fakeQdrant) upsert(point map[string]any) {
	for i, p := range f.points {
		if p["id"] == point["id"] {
			f.points[i] = point
			return
		}
	}
	f.points = append(f.points, point)
}

func (f *fakeQdrant) recordIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.points))
	for _, p := range f.points {
		ids = append(ids, p["payload"].(map[string]any)["record_id"].(string))
	}
	return ids
}

// filterKeptIDs reads the has_id condition of a must_not clause.
func filterKeptIDs(body map[string]any) map[string]bool {
	keep := map[string]bool{}
	filter, _ := body["filter"].(map[string]any)
	mustNot, _ := filter["must_not"].([]any)
	for _, c := range mustNot {
		ids, _ := c.(map[string]any)["has_id"].([]any)
		for _, id := range ids {
			keep[id.(string)] = true
		}
	}
	return keep
}

func filterKind(body map[string]any) string {
	filter, ok := body["filter"].(map[string]any)
	if !ok {
		return ""
	}
	must := filter["must"].([]any)
	match := must[0].(map[string]any)["match"].(map[string]any)
	return match["value"].(string)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestStorageLifecycle(t *testing.T) {
	fake := &fakeQdrant{}
	server := httptest.NewServer(fake)
	defer server.Close()

	ctx := context.Background()
	s := NewStorage(Config{URL: server.URL + "/", APIKey: "secret", Collection: "postings"})
	defer s.Close()

	if err := s.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if n, err := s.Count(ctx, ""); err != nil || n != 0 {
		t.Fatalf("missing collection must count as empty, got %d %v", n, err)
	}
	if hits, err := s.Query(ctx, []float32{1, 0}, 5); err != nil || len(hits) != 0 {
		t.Fatalf("missing collection must return no hits, got %d %v", len(hits), err)
	}

	records := []vectorstore.Record{
		{ID: "1_chunk_0", Text: "Title: Backend Developer", Vector: []float32{1, 0}, Metadata: map[string]any{"type": "job", "job_id": "1"}},
		{ID: "resume_s1", Text: "Name: Kim", Vector: []float32{0, 1}, Metadata: map[string]any{"type": "resume", "session_id": "s1"}},
	}
	if err := s.Upsert(ctx, records); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, records[:1]); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if fake.created != 1 {
		t.Fatalf("collection must be created once, got %d", fake.created)
	}

	if n, _ := s.Count(ctx, vectorstore.KindResume); n != 1 {
		t.Fatalf("expected 1 resume record, got %d", n)
	}

	hits, err := s.Query(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "1_chunk_0" || hits[0].Text != "Title: Backend Developer" {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
	if d := hits[0].Distance; d < 0.0999 || d > 0.1001 {
		t.Fatalf("expected distance 1-score, got %f", d)
	}
	if hits[1].Kind() != vectorstore.KindResume {
		t.Fatalf("expected metadata to come back, got %+v", hits[1].Metadata)
	}

	if err := s.DeleteKind(ctx, vectorstore.KindJob); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.Count(ctx, ""); n != 1 {
		t.Fatalf("expected 1 record after delete, got %d", n)
	}

	for _, key := range fake.apiKeys {
		if key != "secret" {
			t.Fatalf("api key header missing on a request: %v", fake.requests)
		}
	}
	for _, r := range fake.requests {
		if strings.Contains(r, "//") {
			t.Fatalf("base url was not normalised: %s", r)
		}
	}
}

func TestStorageReplaceKind(t *testing.T) {
	ctx := context.Background()

	job := func(id string, vector ...float32) vectorstore.Record {
		return vectorstore.Record{ID: id, Text: id, Vector: vector, Metadata: map[string]any{"type": "job", "job_id": id}}
	}
	resume := vectorstore.Record{ID: "resume_s1", Text: "Name: Kim", Vector: []float32{0, 1}, Metadata: map[string]any{"type": "resume"}}

	t.Run("stale points are pruned", func(t *testing.T) {
		fake := &fakeQdrant{}
		server := httptest.NewServer(fake)
		defer server.Close()

		s := NewStorage(Config{URL: server.URL, Collection: "postings"})
		if err := s.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if err := s.Upsert(ctx, []vectorstore.Record{job("1_chunk_0", 1, 0), job("1_chunk_1", 0, 1), resume}); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		if err := s.ReplaceKind(ctx, vectorstore.KindJob, []vectorstore.Record{job("1_chunk_0", 1, 1), job("2_chunk_0", 1, 0)}); err != nil {
			t.Fatalf("replace: %v", err)
		}

		ids := fake.recordIDs()
		want := map[string]bool{"1_chunk_0": true, "resume_s1": true, "2_chunk_0": true}
		if len(ids) != len(want) {
			t.Fatalf("expected %d points, got %v", len(want), ids)
		}
		for _, id := range ids {
			if !want[id] {
				t.Fatalf("unexpected point %s left after replace", id)
			}
		}
		if fake.dropped != 0 {
			t.Fatalf("same vector size must not recreate the collection")
		}
	})

	t.Run("vector size change recreates the collection", func(t *testing.T) {
		fake := &fakeQdrant{exists: true, size: 2}
		fake.points = []map[string]any{{
			"id":      PointID("1_chunk_0"),
			"vector":  []any{1.0, 0.0},
			"payload": map[string]any{"record_id": "1_chunk_0", "type": "job"},
		}}
		server := httptest.NewServer(fake)
		defer server.Close()

		s := NewStorage(Config{URL: server.URL, Collection: "postings"})
		if err := s.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}

		if err := s.Upsert(ctx, []vectorstore.Record{job("3_chunk_0", 1, 0, 0)}); err == nil {
			t.Fatalf("plain upsert must not drop a collection of another size")
		}

		if err := s.ReplaceKind(ctx, vectorstore.KindJob, []vectorstore.Record{job("3_chunk_0", 1, 0, 0), job("4_chunk_0", 0, 1, 0)}); err != nil {
			t.Fatalf("replace: %v", err)
		}
		if fake.dropped != 1 || fake.created != 1 || fake.size != 3 {
			t.Fatalf("expected the collection recreated with size 3, got dropped=%d created=%d size=%d", fake.dropped, fake.created, fake.size)
		}
		if n, _ := s.Count(ctx, vectorstore.KindJob); n != 2 {
			t.Fatalf("expected the new chunks, got %d", n)
		}
	})
}

func TestPointIDIsStable(t *testing.T) {
	t.Parallel()

	if PointID("1_chunk_0") != PointID("1_chunk_0") {
		t.Fatalf("point id must be deterministic")
	}
	if PointID("1_chunk_0") == PointID("1_chunk_1") {
		t.Fatalf("point ids must differ per record")
	}
}
