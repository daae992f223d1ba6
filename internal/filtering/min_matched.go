package filtering

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/reranker"
)

type minMatchedFilter struct {
	disabled bool
	reason   string
	minimum  int
}

// NewMinMatched creates a filter that removes postings matching fewer query terms than configured.
func NewMinMatched() Filter {
	return &minMatchedFilter{}
}

func (f *minMatchedFilter) Name() string { return "min_matched" }

func (f *minMatchedFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *minMatchedFilter) IsEnabled() bool { return !f.disabled }

func (f *minMatchedFilter) Validate(cfg *Config) error {
	f.minimum = 0
	if cfg == nil {
		return nil
	}
	if cfg.MinMatched < 0 {
		return fmt.Errorf("min-matched must not be negative, got %d", cfg.MinMatched)
	}
	f.minimum = cfg.MinMatched
	return nil
}

func (f *minMatchedFilter) Apply(_ context.Context, deps Deps, matches []reranker.Match) ([]reranker.Match, Step, error) {
	initial := len(matches)
	if f.minimum == 0 {
		return matches, Step{Initial: initial, Left: initial}, nil
	}

	kept, removed := keep(matches, func(m *reranker.Match) bool {
		return m.MatchedCount >= f.minimum
	})

	if deps.Logger != nil && len(removed) > 0 {
		deps.Logger.Info("excluding postings with too few matched keywords",
			zap.Int("minimum", f.minimum),
			zap.Ints("excluded_postings", removed),
			zap.Int("postings_left", len(kept)),
		)
	}

	return kept, Step{Initial: initial, Dropped: len(removed), Left: len(kept)}, nil
}

func (f *minMatchedFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: f.IsEnabled(),
		Reason:  f.reason,
		Details: map[string]string{"minimum": strconv.Itoa(f.minimum)},
	}
}
