package retriever

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/chunker"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/query"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/vectorstore"
	"github.com/spigell/posting-matcher/internal/vectorstore/memory"
)

// keywordEmbedder marks the presence of each vocabulary word.
type keywordEmbedder struct{}

var vocabulary = []string{"backend", "developer", "seoul", "busan", "entry"}

func (keywordEmbedder) Name() string                            { return "keywords" }
func (keywordEmbedder) Prepare(context.Context, []string) error { return nil }

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		v := make([]float32, len(vocabulary))
		for j, word := range vocabulary {
			if strings.Contains(lower, word) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

type stubSearcher struct {
	hits  []vectorstore.Hit
	err   error
	limit int
	terms []string
}

func (s *stubSearcher) Search(_ context.Context, terms []string, limit int) ([]vectorstore.Hit, error) {
	s.terms = terms
	s.limit = limit
	return s.hits, s.err
}

func jobHit(id, jobID, text string, distance float64) vectorstore.Hit {
	return vectorstore.Hit{
		ID:       id,
		Text:     text,
		Distance: distance,
		Metadata: map[string]any{
			vectorstore.MetaType:     vectorstore.KindJob,
			vectorstore.MetaJobID:    jobID,
			vectorstore.MetaFullText: text,
		},
	}
}

func resumeHit(session string) vectorstore.Hit {
	return vectorstore.Hit{
		ID:       "resume_" + session,
		Text:     "Backend Developer in Seoul",
		Distance: 0,
		Metadata: map[string]any{
			vectorstore.MetaType:      vectorstore.KindResume,
			vectorstore.MetaSessionID: session,
		},
	}
}

func endToEndPostings() *posting.Postings {
	return posting.NewPostings(
		&posting.Posting{ID: 1, Title: "Backend Developer", Company: "Acme", Location: "Seoul", Requirements: "3 years experience"},
		&posting.Posting{ID: 2, Title: "Backend Developer", Company: "Acme", Location: "Busan", Requirements: "entry-level welcome"},
	)
}

func indexed(t *testing.T, postings *posting.Postings) *index.Service {
	t.Helper()

	svc := index.New(keywordEmbedder{}, memory.NewStorage(""), chunker.New(chunker.DefaultWindow, chunker.DefaultStride, zap.NewNop()))
	ctx := context.Background()
	if err := svc.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := svc.Index(ctx, postings, false); err != nil {
		t.Fatalf("index: %v", err)
	}
	return svc
}

func TestRetrieveEndToEnd(t *testing.T) {
	svc := indexed(t, endToEndPostings())
	if _, err := svc.AddResume(context.Background(), "s1", &resume.Resume{Name: "Kim", Summary: "Backend developer from Seoul"}); err != nil {
		t.Fatalf("add resume: %v", err)
	}

	r := New(svc, Options{})
	slots := resume.Slots{DesiredJob: resume.String("Backend Developer"), Location: resume.String("Seoul")}

	result, err := r.Retrieve(context.Background(), &resume.Resume{Name: "Kim"}, slots, 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Reason != nil {
		t.Fatalf("unexpected reason %v", result.Reason)
	}

	if got := strings.Join(result.Query.Terms(), "|"); got != "Backend Developer|Seoul|entry-level" {
		t.Fatalf("unexpected terms %s", got)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(result.Candidates))
	}

	expected := []struct {
		id       string
		score    float64
		distance float64
		matched  string
		tiers    string
	}{
		{"1", 1 - (1-math.Sqrt(3)/2)/2 + 0.55, 1 - math.Sqrt(3)/2, "Backend Developer|Seoul", "exact|exact"},
		{"2", 0.875 + 0.55, 0.25, "Backend Developer|entry-level", "exact|exact"},
	}

	for i, e := range expected {
		c := result.Candidates[i]
		if c.PostingID != e.id {
			t.Fatalf("position %d: expected posting %s, got %s", i, e.id, c.PostingID)
		}
		if math.Abs(c.Score-e.score) > 1e-6 {
			t.Fatalf("posting %s: expected score %.4f, got %.4f", e.id, e.score, c.Score)
		}
		if math.Abs(c.Best.Distance-e.distance) > 1e-6 {
			t.Fatalf("posting %s: expected distance %.4f, got %.4f", e.id, e.distance, c.Best.Distance)
		}
		if got := strings.Join(c.MatchedTerms(), "|"); got != e.matched {
			t.Fatalf("posting %s: expected matches %s, got %s", e.id, e.matched, got)
		}
		tiers := make([]string, len(c.Matched))
		for j, m := range c.Matched {
			tiers[j] = m.Tier
		}
		if got := strings.Join(tiers, "|"); got != e.tiers {
			t.Fatalf("posting %s: expected tiers %s, got %s", e.id, e.tiers, got)
		}
		if c.MatchedCount != 2 || c.TotalTerms != 3 || c.ChunksUsed != 1 {
			t.Fatalf("posting %s: unexpected counts %+v", e.id, c)
		}
		if c.Best.ID != index.ChunkID(i+1, 0) {
			t.Fatalf("posting %s: unexpected best chunk %s", e.id, c.Best.ID)
		}
	}
}

func TestRetrieveSynonymMatch(t *testing.T) {
	svc := indexed(t, posting.NewPostings(
		&posting.Posting{ID: 5, Title: "Backend Developer", Company: "Beta", Location: "Busan", Requirements: "Junior engineers welcome"},
	))

	result, err := New(svc, Options{}).Retrieve(context.Background(), nil, resume.Slots{DesiredJob: resume.String("Backend Developer")}, 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	c := result.Candidates[0]
	if c.MatchedCount != 2 || c.Matched[1].Term != query.EntryLevel || c.Matched[1].Tier != "synonym" {
		t.Fatalf("expected entry-level synonym match, got %+v", c.Matched)
	}
}

func TestRetrieveExcludesResumeRecords(t *testing.T) {
	ctx := context.Background()
	slots := resume.Slots{DesiredJob: resume.String("Backend Developer")}

	t.Run("mixed hits", func(t *testing.T) {
		s := &stubSearcher{hits: []vectorstore.Hit{
			resumeHit("a"),
			jobHit("1_chunk_0", "1", "Backend Developer", 0.2),
			resumeHit("b"),
		}}

		result, err := New(s, Options{}).Retrieve(ctx, nil, slots, 0)
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if len(result.Candidates) != 1 || result.Candidates[0].PostingID != "1" {
			t.Fatalf("expected only the job candidate, got %+v", result.Candidates)
		}
	})

	t.Run("only resumes", func(t *testing.T) {
		s := &stubSearcher{hits: []vectorstore.Hit{resumeHit("a")}}

		result, err := New(s, Options{}).Retrieve(ctx, nil, slots, 0)
		if err != nil {
			t.Fatalf("retrieve: %v", err)
		}
		if !errors.Is(result.Reason, apperrors.ErrNoMatches) || len(result.Candidates) != 0 {
			t.Fatalf("expected no matches, got %+v", result)
		}
	})
}

func TestRetrieveAggregatesChunks(t *testing.T) {
	s := &stubSearcher{hits: []vectorstore.Hit{
		jobHit("1_chunk_3", "1", "Go services", 0.8),
		jobHit("1_chunk_0", "1", "Go services", 0.2),
		jobHit("2_chunk_0", "2", "Python services", 0.1),
		jobHit("1_chunk_1", "1", "Go services", 0.4),
		jobHit("1_chunk_2", "1", "Go services", 0.6),
	}}

	r := New(s, Options{KeywordBonus: 0.2})
	result, err := r.RetrieveQuery(context.Background(), query.New(query.Term{Text: "Go", Weight: 1}), 4)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if s.limit != 4*DefaultChunksPerJob*2 {
		t.Fatalf("expected over-fetch limit %d, got %d", 4*DefaultChunksPerJob*2, s.limit)
	}

	first := result.Candidates[0]
	if first.PostingID != "1" {
		t.Fatalf("expected posting 1 first, got %s", first.PostingID)
	}
	if first.ChunksUsed != 3 || first.Best.ID != "1_chunk_0" {
		t.Fatalf("expected best of 3 chunks, got %+v", first)
	}
	// top chunks at distances 0.2, 0.4, 0.6 plus one matched term of weight 1
	if want := (0.9+0.8+0.7)/3 + 0.2; math.Abs(first.Score-want) > 1e-9 {
		t.Fatalf("expected score %v, got %v", want, first.Score)
	}

	second := result.Candidates[1]
	if second.PostingID != "2" || second.MatchedCount != 0 || math.Abs(second.Score-0.95) > 1e-9 {
		t.Fatalf("unexpected second candidate %+v", second)
	}
}

func TestRetrieveTopK(t *testing.T) {
	var hits []vectorstore.Hit
	for i, id := range []string{"1", "2", "3", "4"} {
		hits = append(hits, jobHit(id+"_chunk_0", id, "text", float64(i)*0.1))
	}
	s := &stubSearcher{hits: hits}

	result, err := New(s, Options{TopK: 2}).RetrieveQuery(context.Background(), query.New(query.Term{Text: "absent", Weight: 1}), 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Candidates) != 2 || result.Candidates[0].PostingID != "1" || result.Candidates[1].PostingID != "2" {
		t.Fatalf("unexpected candidates %+v", result.Candidates)
	}
}

func TestRetrieveExcludesPostingsWithoutSurvivingChunks(t *testing.T) {
	s := &stubSearcher{hits: []vectorstore.Hit{
		{ID: "9_chunk_0", Text: "  ", Distance: 0.01, Metadata: map[string]any{vectorstore.MetaType: vectorstore.KindJob, vectorstore.MetaJobID: 9}},
		{ID: "broken", Text: "Backend", Distance: 0.02, Metadata: map[string]any{vectorstore.MetaType: vectorstore.KindJob}},
		jobHit("1_chunk_0", "1", "Backend Developer", 0.5),
	}}

	result, err := New(s, Options{}).RetrieveQuery(context.Background(), query.New(query.Term{Text: "Backend", Weight: 3}), 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Candidates) != 1 || result.Candidates[0].PostingID != "1" {
		t.Fatalf("expected only posting 1, got %+v", result.Candidates)
	}
}

func TestRetrieveFullTextFallback(t *testing.T) {
	s := &stubSearcher{hits: []vectorstore.Hit{{
		ID:       "4_chunk_0",
		Text:     "Build APIs",
		Distance: 0.3,
		Metadata: map[string]any{
			vectorstore.MetaType:     vectorstore.KindJob,
			vectorstore.MetaJobID:    4.0,
			vectorstore.MetaLocation: "Seoul",
		},
	}}}

	result, err := New(s, Options{}).RetrieveQuery(context.Background(), query.New(
		query.Term{Text: "Seoul", Weight: 2.5},
		query.Term{Text: "APIs", Weight: 1},
	), 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	c := result.Candidates[0]
	if c.PostingID != "4" || c.MatchedCount != 2 {
		t.Fatalf("expected both terms matched through metadata and chunk text, got %+v", c)
	}
}

func TestRetrieveReasonsAndErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty query", func(t *testing.T) {
		s := &stubSearcher{}
		result, err := New(s, Options{}).RetrieveQuery(ctx, query.New(), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !errors.Is(result.Reason, apperrors.ErrEmptyQuery) {
			t.Fatalf("expected empty query reason, got %v", result.Reason)
		}
		if s.terms != nil {
			t.Fatalf("empty query must not reach the index")
		}
	})

	t.Run("no hits", func(t *testing.T) {
		result, err := New(&stubSearcher{}, Options{}).Retrieve(ctx, nil, resume.Slots{}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !errors.Is(result.Reason, apperrors.ErrNoMatches) {
			t.Fatalf("expected no matches reason, got %v", result.Reason)
		}
	})

	t.Run("index not ready", func(t *testing.T) {
		_, err := New(&stubSearcher{err: apperrors.ErrNotReady}, Options{}).Retrieve(ctx, nil, resume.Slots{}, 0)
		if !errors.Is(err, apperrors.ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("uninitialized index service", func(t *testing.T) {
		svc := index.New(keywordEmbedder{}, memory.NewStorage(""), chunker.New(0, 0, nil))
		_, err := New(svc, Options{}).Retrieve(ctx, nil, resume.Slots{}, 0)
		if !errors.Is(err, apperrors.ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})
}

func TestChunkScore(t *testing.T) {
	tests := map[float64]float64{0: 1, 1: 0.5, 2: 0, 2.5: 0}
	for distance, expected := range tests {
		if got := ChunkScore(distance); got != expected {
			t.Fatalf("distance %v: expected %v, got %v", distance, expected, got)
		}
	}
}
