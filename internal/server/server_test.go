package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/chunker"
	"github.com/spigell/posting-matcher/internal/health"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/metrics"
	"github.com/spigell/posting-matcher/internal/posting"
	"github.com/spigell/posting-matcher/internal/reranker"
	"github.com/spigell/posting-matcher/internal/retriever"
	"github.com/spigell/posting-matcher/internal/vectorstore/memory"
)

var vocabulary = []string{"backend", "developer", "seoul", "busan", "entry"}

type keywordEmbedder struct{}

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

type stubReindexer struct {
	err   error
	force bool
}

func (s *stubReindexer) Reindex(_ context.Context, force bool) (<-chan index.Outcome, error) {
	s.force = force
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan index.Outcome, 1)
	out <- index.Outcome{Report: &index.Report{Chunks: 2}}
	close(out)
	return out, nil
}

func corpus() *posting.Postings {
	return posting.NewPostings(
		&posting.Posting{ID: 1, Title: "Backend Developer", Company: "Acme", Location: "Seoul", Requirements: "3 years experience"},
		&posting.Posting{ID: 2, Title: "Backend Developer", Company: "Acme", Location: "Busan", Requirements: "entry-level welcome"},
	)
}

func newServer(t *testing.T, initialize bool, reindexer Reindexer) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx := context.Background()
	svc := index.New(keywordEmbedder{}, memory.NewStorage(""), chunker.New(chunker.DefaultWindow, chunker.DefaultStride, zap.NewNop()))
	if initialize {
		if err := svc.Initialize(ctx); err != nil {
			t.Fatalf("initialize: %v", err)
		}
		if _, err := svc.Index(ctx, corpus(), false); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	if reindexer == nil {
		reindexer = index.NewReloader(svc, func() (*posting.Postings, error) { return corpus(), nil })
	}

	m := metrics.New(prometheus.NewRegistry())
	pipeline := matcher.New(retriever.New(svc, retriever.Options{}), reranker.New(nil), corpus(), matcher.Options{Metrics: m})

	checker := health.NewChecker(zap.NewNop())
	checker.Register("index", health.ReadinessCheck(svc.IsReady, svc.Indexing))

	return New(":0", Deps{
		Index:     svc,
		Reindexer: reindexer,
		Searcher:  pipeline,
		Health:    checker,
		Metrics:   m,
		Logger:    zap.NewNop(),
	})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestSearch(t *testing.T) {
	s := newServer(t, true, nil)

	tests := []struct {
		name   string
		body   string
		code   int
		reason string
		ids    []int
	}{
		{
			name: "ranked matches",
			body: `{"resume":{"name":"Kim"},"slots":{"desired_job":"Backend Developer","location":"Seoul"}}`,
			code: http.StatusOK,
			ids:  []int{1, 2},
		},
		{
			name:   "empty query is not an error",
			body:   `{"terms":[{"text":" ","weight":1}]}`,
			code:   http.StatusOK,
			reason: "empty_query",
			ids:    []int{},
		},
		{
			name: "malformed body",
			body: `{"slots":`,
			code: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/search", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if rec.Header().Get(RequestIDHeader) == "" {
				t.Fatalf("missing request id header")
			}
			if tt.code != http.StatusOK {
				if got := decode[ErrorResponse](t, rec); got.ErrorCode != "invalid_input" || got.RequestID == "" {
					t.Fatalf("unexpected error body %+v", got)
				}
				return
			}

			resp := decode[matcher.Response](t, rec)
			if resp.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, resp.Reason)
			}
			if len(resp.Matches) != len(tt.ids) {
				t.Fatalf("expected %d matches, got %d", len(tt.ids), len(resp.Matches))
			}
			for i, id := range tt.ids {
				if resp.Matches[i].Posting.ID != id {
					t.Fatalf("position %d: expected posting %d, got %d", i, id, resp.Matches[i].Posting.ID)
				}
			}
		})
	}
}

func TestSearchNotReady(t *testing.T) {
	s := newServer(t, false, nil)

	rec := do(t, s, http.MethodPost, "/api/search", `{"slots":{"desired_job":"Backend Developer"}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.ErrorCode != "not_ready" {
		t.Fatalf("unexpected error body %+v", got)
	}

	if rec := do(t, s, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready probe: expected 503, got %d", rec.Code)
	}
}

func TestStatusAndResumes(t *testing.T) {
	s := newServer(t, true, nil)

	rec := do(t, s, http.MethodPost, "/api/resumes", `{"resume":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank resume: expected 400, got %d", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/resumes", `{"session_id":"abc","resume":{"name":"Kim","summary":"Backend developer"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[ResumeResponse](t, rec); got.SessionID != "abc" {
		t.Fatalf("unexpected session %+v", got)
	}

	rec = do(t, s, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	status := decode[StatusResponse](t, rec)
	if !status.Ready || status.Indexing {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Counts["job"] != 2 || status.Counts["resume"] != 1 || status.Counts["total"] != 3 {
		t.Fatalf("unexpected counts %v", status.Counts)
	}
	if status.LastIndex == nil || status.LastIndex.Chunks != 2 {
		t.Fatalf("unexpected last index %+v", status.LastIndex)
	}
	if len(status.Filters) != 3 {
		t.Fatalf("expected filter statuses, got %+v", status.Filters)
	}
}

func TestReindex(t *testing.T) {
	t.Run("started", func(t *testing.T) {
		r := &stubReindexer{}
		s := newServer(t, true, r)

		rec := do(t, s, http.MethodPost, "/api/index?force=true", "")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
		if got := decode[ReindexResponse](t, rec); !got.Force || got.Status != "started" || !r.force {
			t.Fatalf("unexpected response %+v", got)
		}
	})

	t.Run("invalid force", func(t *testing.T) {
		s := newServer(t, true, &stubReindexer{})
		if rec := do(t, s, http.MethodPost, "/api/index?force=maybe", ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("already running", func(t *testing.T) {
		s := newServer(t, true, &stubReindexer{err: apperrors.ErrIndexingInFlight})
		rec := do(t, s, http.MethodPost, "/api/index", "")
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
		if got := decode[ErrorResponse](t, rec); got.ErrorCode != "indexing_in_progress" {
			t.Fatalf("unexpected error body %+v", got)
		}
	})

	t.Run("real reloader", func(t *testing.T) {
		s := newServer(t, true, nil)
		if rec := do(t, s, http.MethodPost, "/api/index?force=1", ""); rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	})
}

func TestProbesAndMetrics(t *testing.T) {
	s := newServer(t, true, nil)

	if rec := do(t, s, http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rec.Code)
	}

	do(t, s, http.MethodPost, "/api/search", `{"slots":{"desired_job":"Backend Developer"}}`)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"posting_matcher_http_requests_total", "posting_matcher_searches_total"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}
