package cmd

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/config"
	"github.com/spigell/posting-matcher/internal/embedding/tfidf"
	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/resume"
	"github.com/spigell/posting-matcher/internal/vectorstore/memory"
	"github.com/spigell/posting-matcher/internal/vectorstore/qdrant"
)

const testCorpus = `[Posting #1]
1. Title/Position
- Backend Developer
2. Company
- Acme
4. Requirements
- 3 years experience
5. Conditions
- Location: Seoul

[Posting #2]
1. Title/Position
- Backend Developer
2. Company
- Acme
4. Requirements
- entry-level welcome
5. Conditions
- Location: Busan
`

func testConfig(t *testing.T, overrides map[string]any) *config.Config {
	t.Helper()

	corpus := filepath.Join(t.TempDir(), "jobs.txt")
	if err := os.WriteFile(corpus, []byte(testCorpus), 0o600); err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	v := viper.New()
	config.Prepare(v)
	v.Set("corpus.file", corpus)
	for k, val := range overrides {
		v.Set(k, val)
	}

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestDisabledFilters(t *testing.T) {
	cfg := testConfig(t, nil)
	disabled := disabledFilters(cfg)
	for _, name := range []string{"exclude_file", "companies", "min_matched"} {
		if disabled[name] == "" {
			t.Errorf("expected %s to be disabled with defaults", name)
		}
	}

	cfg = testConfig(t, map[string]any{
		"filters.exclude-file":       "excluded.json",
		"filters.excluded-companies": []string{"Acme"},
		"filters.min-matched":        1,
	})
	if disabled := disabledFilters(cfg); len(disabled) != 0 {
		t.Fatalf("configured filters must stay enabled, got %v", disabled)
	}
}

func TestNewStore(t *testing.T) {
	store, err := newStore(testConfig(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*memory.Storage); !ok {
		t.Fatalf("expected memory storage by default, got %T", store)
	}

	t.Setenv("QDRANT_API_KEY", "")
	store, err = newStore(testConfig(t, map[string]any{"index.store": "qdrant"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*qdrant.Storage); !ok {
		t.Fatalf("expected qdrant storage, got %T", store)
	}
}

func TestNewEmbedder(t *testing.T) {
	ctx := context.Background()

	e, err := newEmbedder(ctx, testConfig(t, nil), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.(*tfidf.Embedder); !ok {
		t.Fatalf("expected tfidf embedder by default, got %T", e)
	}

	t.Setenv("GEMINI_API_KEY", "")
	if _, err := newEmbedder(ctx, testConfig(t, map[string]any{"embedding.provider": "gemini"}), zap.NewNop(), nil); err == nil {
		t.Fatalf("expected an error without a gemini api key")
	}
}

func TestSetupSearchesTheCorpus(t *testing.T) {
	ctx := context.Background()

	c, err := setup(ctx, testConfig(t, nil), zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer c.close()

	if c.cache != nil {
		t.Fatalf("cache must be off by default")
	}

	if _, err := c.index.Index(ctx, c.postings, false); err != nil {
		t.Fatalf("index: %v", err)
	}

	resp, err := c.pipeline.Match(ctx, matcher.Request{
		Slots: resume.Slots{
			DesiredJob: resume.String("Backend Developer"),
			Location:   resume.String("Seoul"),
		},
	})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(resp.Matches) != 2 {
		t.Fatalf("expected both postings, got %d (reason %q)", len(resp.Matches), resp.Reason)
	}
	for _, m := range resp.Matches {
		if m.Posting.ID == 1 && !slices.Contains(m.MatchedKeywords(), "Seoul") {
			t.Fatalf("expected Seoul among the matched keywords of posting 1, got %v", m.MatchedKeywords())
		}
	}
}
